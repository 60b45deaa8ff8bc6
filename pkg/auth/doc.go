// Package auth は呼び出し元の資格情報（トークン）を検証し、型付きのIdentityを生成する。
//
// 検証アルゴリズムはトランスポートに依存しない。HTTPミドルウェアと
// ソケットのハンドシェイクは同じ Verifier を呼び出すため、
// どちらの経路でもエラー分類とセキュリティ保証は一致する。
//
// 主な構成要素:
//   - Verifier: 資格情報を検証するインターフェース
//   - JWTVerifier: HS256署名のJWTを検証する実装（鍵ローテーション対応）
//   - Issuer: JWTを発行する
//   - RevocationStore: 失効済みトークンID（jti）の管理（メモリ / Redis）
package auth
