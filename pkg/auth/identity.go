package auth

import (
	"context"
	"time"
)

// Transport は資格情報が提示された経路を表す。
type Transport string

const (
	// TransportHTTPHeader はHTTPのAuthorizationヘッダーから取得した資格情報を表す。
	TransportHTTPHeader Transport = "http_header"
	// TransportSocketHandshake はソケットのハンドシェイクから取得した資格情報を表す。
	TransportSocketHandshake Transport = "socket_handshake"
)

// Credential は呼び出し元が提示した不透明な資格情報。
// 1回の検証呼び出しの間だけ保持され、永続化されない。
type Credential struct {
	// Raw は提示された生の値（Bearerトークン本体）。
	Raw string
	// Transport は資格情報が提示された経路。
	Transport Transport
}

// Identity は検証に成功した呼び出し元の身元情報。
// 生成後は変更されず、リクエストまたは接続の寿命の間だけ保持される。
type Identity struct {
	// UserID は認証済みユーザーの一意識別子。
	UserID string `json:"user_id"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
	// Role はユーザーの役割（例: "astronaut"）。
	Role string `json:"role"`
	// TokenID はトークンの一意識別子（jti）。失効管理に使用する。
	TokenID string `json:"token_id"`
	// IssuedAt はトークンの発行日時。
	IssuedAt time.Time `json:"issued_at"`
	// ExpiresAt はトークンの有効期限。
	ExpiresAt time.Time `json:"expires_at"`
}

// Verifier は資格情報を検証してIdentityを返す。
// 失敗時は *Error を返す。実装は並行呼び出しに対して安全でなければならない。
type Verifier interface {
	Verify(ctx context.Context, cred Credential) (Identity, error)
}

// VerifierFunc は関数を Verifier として扱うためのアダプタ。
type VerifierFunc func(ctx context.Context, cred Credential) (Identity, error)

// Verify は f(ctx, cred) を呼び出す。
func (f VerifierFunc) Verify(ctx context.Context, cred Credential) (Identity, error) {
	return f(ctx, cred)
}
