// Package store は通知、配信記録、ユーザーの写しをSQLiteに永続化する。
//
// すべての更新は単一の条件付きINSERT/UPDATEで行い、
// 読み取ってから書き込む操作は比較条件なしには行わない。
// 複数のワーカーが同じ通知を並行処理しても記録が重複しないのはこのためである。
package store
