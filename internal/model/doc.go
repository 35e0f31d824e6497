// Package model は通知配信サービスのドメインモデルを定義する。
//
// 通知（Notification）、ユーザーごとの配信記録（Delivery）、
// 配信対象の解決に使うユーザー（User）を含む。
package model
