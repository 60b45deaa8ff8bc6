// Package gateway はHTTP APIの入口を提供する。
//
// /api 配下のすべてのリクエストに呼び出し元分類を適用し、
// 保護されたルートではさらに資格情報を検証してから業務ハンドラを呼び出す。
// 情報エンドポイント（/）、ヘルスチェック、メトリクス、リアルタイム接続は /api の外に置く。
// リアルタイム接続は同じリスナーで受け付け、検証は realtime パッケージが行う。
package gateway
