package auth

import (
	"errors"
	"fmt"
)

// Kind は資格情報検証の失敗種別を表す。
type Kind int

const (
	// KindMissing は資格情報が提示されていないことを表す。
	KindMissing Kind = iota + 1
	// KindMalformed は資格情報の形式が不正であることを表す。
	KindMalformed
	// KindInvalid は署名・発行者・失効状態などの検証に失敗したことを表す。
	KindInvalid
	// KindExpired は資格情報の有効期限が切れていることを表す。
	KindExpired
)

// String は失敗種別の名前を返す。
func (k Kind) String() string {
	switch k {
	case KindMissing:
		return "MissingCredential"
	case KindMalformed:
		return "MalformedCredential"
	case KindInvalid:
		return "InvalidCredential"
	case KindExpired:
		return "ExpiredCredential"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Code はクライアントに返す安定したエラーコードを返す。
func (k Kind) Code() string {
	switch k {
	case KindMissing:
		return "CREDENTIAL_MISSING"
	case KindMalformed:
		return "CREDENTIAL_MALFORMED"
	case KindExpired:
		return "CREDENTIAL_EXPIRED"
	default:
		return "CREDENTIAL_INVALID"
	}
}

// Message はクライアントに返す説明文を返す。内部の詳細は含めない。
func (k Kind) Message() string {
	switch k {
	case KindMissing:
		return "Authentication required: no credential was presented."
	case KindMalformed:
		return "Authentication failed: the credential is malformed."
	case KindExpired:
		return "Authentication failed: the credential has expired."
	default:
		return "Authentication failed: the credential is invalid."
	}
}

// Error は資格情報検証の失敗を表す。
// Cause はログ出力用であり、クライアントには返さない。
type Error struct {
	// Kind は失敗種別。
	Kind Kind
	// Cause は失敗の原因となった内部エラー。nilの場合もある。
	Cause error
}

// 種別ごとの番兵エラー。errors.Is で比較する。
var (
	ErrCredentialMissing   = &Error{Kind: KindMissing}
	ErrCredentialMalformed = &Error{Kind: KindMalformed}
	ErrCredentialInvalid   = &Error{Kind: KindInvalid}
	ErrCredentialExpired   = &Error{Kind: KindExpired}
)

func newError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// Error はエラーメッセージを返す。
func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("資格情報の検証に失敗: %s", e.Kind)
	}
	return fmt.Sprintf("資格情報の検証に失敗: %s: %v", e.Kind, e.Cause)
}

// Unwrap は原因エラーを返す。
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is は同じ種別の *Error であれば true を返す。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf はerrから失敗種別を取り出す。*Error でない場合は KindInvalid を返す。
func KindOf(err error) Kind {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr.Kind
	}
	return KindInvalid
}
