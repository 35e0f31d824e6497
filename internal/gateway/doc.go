// Package gateway はユーザーごとのライブ接続を管理し、通知をプッシュする。
//
// Hub はプロセス内の接続レジストリで、ユーザーIDごとのルームに接続を束ねる。
// 接続を持たないワーカープロセスは RedisPublisher でプッシュを依頼し、
// API プロセス側の Relay がそれを受けて Hub に渡す。
package gateway
