// Package httpclient はゲートウェイのHTTP APIを呼び出すクライアントを提供する。
//
// コンテナのヘルスチェックや運用スクリプトから、呼び出し元マーカーと
// Bearerトークンを付与してゲートウェイの各エンドポイントを呼び出す際に使用する。
package httpclient
