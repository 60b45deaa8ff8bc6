package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultIssuer はトークンのiss クレームに設定する発行者名。
const DefaultIssuer = "maitri-gateway"

// DefaultTokenTTL は発行するトークンの既定の有効期間。
const DefaultTokenTTL = 24 * time.Hour

// Claims はJWTトークンのクレーム（ペイロード）を表す。
type Claims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。
	UserID string `json:"user_id"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
	// Role はユーザーの役割。
	Role string `json:"role,omitempty"`
}

// identity はクレームからIdentityを組み立てる。
func (c *Claims) identity() Identity {
	id := Identity{
		UserID:  c.UserID,
		Email:   c.Email,
		Role:    c.Role,
		TokenID: c.ID,
	}
	if c.IssuedAt != nil {
		id.IssuedAt = c.IssuedAt.UTC()
	}
	if c.ExpiresAt != nil {
		id.ExpiresAt = c.ExpiresAt.UTC()
	}
	return id
}

// Issuer はHS256で署名したJWTトークンを発行する。
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer は新しいIssuerを生成する。ttlが0以下の場合は DefaultTokenTTL を使用する。
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("JWT署名用の秘密鍵が空です")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue はユーザー情報からJWTトークンを生成し、トークンに対応するIdentityと共に返す。
func (i *Issuer) Issue(userID, email, role string) (string, Identity, error) {
	if userID == "" {
		return "", Identity{}, errors.New("ユーザーIDが空です")
	}
	now := i.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    DefaultIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		UserID: userID,
		Email:  email,
		Role:   role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", Identity{}, fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, claims.identity(), nil
}

// JWTVerifier はHS256で署名されたJWTトークンを検証する Verifier。
// 複数の秘密鍵を受け付け、鍵ローテーション中も旧鍵で署名されたトークンを検証できる。
// 保持する状態は読み取り専用であり、並行呼び出しに対して安全。
type JWTVerifier struct {
	keys        [][]byte
	parser      *jwt.Parser
	revocations RevocationStore
	logger      *slog.Logger
}

// VerifierOption は JWTVerifier の設定を変更する。
type VerifierOption func(*verifierOptions)

type verifierOptions struct {
	revocations RevocationStore
	logger      *slog.Logger
	now         func() time.Time
	leeway      time.Duration
}

// WithRevocations は失効済みトークンの照会先を設定する。
func WithRevocations(store RevocationStore) VerifierOption {
	return func(o *verifierOptions) { o.revocations = store }
}

// WithLogger は検証失敗の原因を出力するロガーを設定する。
func WithLogger(logger *slog.Logger) VerifierOption {
	return func(o *verifierOptions) { o.logger = logger }
}

// WithClock は有効期限の判定に使用する現在時刻関数を設定する。
func WithClock(now func() time.Time) VerifierOption {
	return func(o *verifierOptions) { o.now = now }
}

// WithLeeway は時刻クレーム判定の許容誤差を設定する。
func WithLeeway(d time.Duration) VerifierOption {
	return func(o *verifierOptions) { o.leeway = d }
}

// NewJWTVerifier は新しい JWTVerifier を生成する。
// secretsには少なくとも1つの空でない秘密鍵が必要。
func NewJWTVerifier(secrets []string, opts ...VerifierOption) (*JWTVerifier, error) {
	keys := make([][]byte, 0, len(secrets))
	for _, s := range secrets {
		if s == "" {
			continue
		}
		keys = append(keys, []byte(s))
	}
	if len(keys) == 0 {
		return nil, errors.New("JWT検証用の秘密鍵が設定されていません")
	}

	o := verifierOptions{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	return &JWTVerifier{
		keys: keys,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(DefaultIssuer),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithLeeway(o.leeway),
			jwt.WithTimeFunc(o.now),
		),
		revocations: o.revocations,
		logger:      o.logger,
	}, nil
}

// Verify は資格情報を検証してIdentityを返す。
func (v *JWTVerifier) Verify(ctx context.Context, cred Credential) (Identity, error) {
	raw := strings.TrimSpace(cred.Raw)
	if raw == "" {
		return Identity{}, newError(KindMissing, nil)
	}
	if strings.Count(raw, ".") != 2 {
		return Identity{}, newError(KindMalformed, errors.New("トークンのセグメント数が不正です"))
	}

	claims, err := v.parse(raw)
	if err != nil {
		authErr := classifyJWTError(err)
		v.logger.DebugContext(ctx, "トークン検証に失敗",
			slog.String("transport", string(cred.Transport)),
			slog.String("kind", authErr.Kind.String()),
			slog.Any("error", err),
		)
		return Identity{}, authErr
	}
	if claims.UserID == "" {
		return Identity{}, newError(KindInvalid, errors.New("user_idクレームがありません"))
	}

	if v.revocations != nil && claims.ID != "" {
		revoked, err := v.revocations.IsRevoked(ctx, claims.ID)
		if err != nil {
			// 失効状態を確認できない場合は拒否する
			v.logger.WarnContext(ctx, "トークン失効状態の照会に失敗",
				slog.String("transport", string(cred.Transport)),
				slog.Any("error", err),
			)
			return Identity{}, newError(KindInvalid, fmt.Errorf("失効状態の照会に失敗: %w", err))
		}
		if revoked {
			return Identity{}, newError(KindInvalid, errors.New("トークンは失効済みです"))
		}
	}

	return claims.identity(), nil
}

// parse は登録済みの鍵を順に試してトークンを検証する。
// 署名不一致の場合のみ次の鍵を試す。
func (v *JWTVerifier) parse(raw string) (*Claims, error) {
	var lastErr error
	for _, key := range v.keys {
		claims := &Claims{}
		_, err := v.parser.ParseWithClaims(raw, claims, func(_ *jwt.Token) (any, error) {
			return key, nil
		})
		if err == nil {
			return claims, nil
		}
		lastErr = err
		if !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			break
		}
	}
	return nil, lastErr
}

// classifyJWTError はjwtライブラリのエラーを失敗種別に変換する。
func classifyJWTError(err error) *Error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return newError(KindMalformed, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return newError(KindExpired, err)
	default:
		return newError(KindInvalid, err)
	}
}
