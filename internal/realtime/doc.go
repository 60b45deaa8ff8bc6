// Package realtime はWebSocketによるリアルタイム接続の入口を提供する。
//
// 接続要求（HTTPアップグレード）の時点で資格情報を検証し、
// 検証に成功した接続だけを受け入れて Registry に登録してから Handler に渡す。
// 検証に失敗した要求はアップグレードせずに401の拒否レスポンスを返す。
//
// 接続ごとの状態遷移:
//
//	Connecting → Verifying → Admitted → Active → Closed
//	                 └──────→ Rejected
package realtime
