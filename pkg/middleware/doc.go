// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// 呼び出し元の分類（トランスポートヘッダーによる事前判定）、資格情報の検証、
// 拒否レスポンスの生成、リクエストログ、パニックリカバリ、CORS設定を含む。
// 拒否レスポンスは常に {"success":false,"message":...,"errorCode":...} の形式で返す。
package middleware
