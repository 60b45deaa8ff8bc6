package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// testSecret はテスト用のJWTシークレット。
const testSecret = "test-secret-key-for-unit-tests"

// newTestVerifier はテスト用の JWTVerifier を生成する。
func newTestVerifier(t *testing.T, secrets []string, opts ...VerifierOption) *JWTVerifier {
	t.Helper()
	v, err := NewJWTVerifier(secrets, opts...)
	if err != nil {
		t.Fatalf("NewJWTVerifier()でエラーが発生: %v", err)
	}
	return v
}

// signClaims は任意のクレームを指定した秘密鍵で署名する。
func signClaims(t *testing.T, secret string, claims *Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("トークンの署名に失敗: %v", err)
	}
	return signed
}

// validClaims は有効なクレームを返す。
func validClaims(userID string) *Claims {
	now := time.Now()
	return &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "jti-" + userID,
			Issuer:    DefaultIssuer,
			IssuedAt:  jwt.NewNumericDate(now.Add(-1 * time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(1 * time.Hour)),
		},
		UserID: userID,
		Email:  userID + "@iss.example",
		Role:   "astronaut",
	}
}

// TestIssuer はIssuerによるトークン発行を検証する。
func TestIssuer(t *testing.T) {
	t.Parallel()

	t.Run("発行したトークンを検証できること", func(t *testing.T) {
		t.Parallel()

		issuer, err := NewIssuer(testSecret, time.Hour)
		if err != nil {
			t.Fatalf("NewIssuer()でエラーが発生: %v", err)
		}
		token, issued, err := issuer.Issue("user-123", "test@example.com", "astronaut")
		if err != nil {
			t.Fatalf("Issue()でエラーが発生: %v", err)
		}

		got, err := newTestVerifier(t, []string{testSecret}).Verify(t.Context(), Credential{Raw: token, Transport: TransportHTTPHeader})
		if err != nil {
			t.Fatalf("Verify()でエラーが発生: %v", err)
		}
		if got.UserID != "user-123" {
			t.Errorf("UserID = %q, want %q", got.UserID, "user-123")
		}
		if got.Email != "test@example.com" {
			t.Errorf("Email = %q, want %q", got.Email, "test@example.com")
		}
		if got.Role != "astronaut" {
			t.Errorf("Role = %q, want %q", got.Role, "astronaut")
		}
		if got.TokenID == "" || got.TokenID != issued.TokenID {
			t.Errorf("TokenID = %q, want %q", got.TokenID, issued.TokenID)
		}
		if !got.ExpiresAt.Equal(issued.ExpiresAt) {
			t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, issued.ExpiresAt)
		}
	})

	t.Run("有効期限がTTL後であること", func(t *testing.T) {
		t.Parallel()

		issuer, err := NewIssuer(testSecret, 2*time.Hour)
		if err != nil {
			t.Fatalf("NewIssuer()でエラーが発生: %v", err)
		}
		before := time.Now()
		_, issued, err := issuer.Issue("user-exp", "exp@example.com", "")
		if err != nil {
			t.Fatalf("Issue()でエラーが発生: %v", err)
		}
		expected := before.Add(2 * time.Hour)
		if issued.ExpiresAt.Before(expected.Add(-1*time.Minute)) || issued.ExpiresAt.After(expected.Add(1*time.Minute)) {
			t.Errorf("ExpiresAt = %v, 期待値の前後1分以内ではない: %v", issued.ExpiresAt, expected)
		}
	})

	t.Run("毎回異なるjtiが割り当てられること", func(t *testing.T) {
		t.Parallel()

		issuer, err := NewIssuer(testSecret, 0)
		if err != nil {
			t.Fatalf("NewIssuer()でエラーが発生: %v", err)
		}
		_, a, err := issuer.Issue("user-a", "a@example.com", "")
		if err != nil {
			t.Fatalf("Issue()でエラーが発生: %v", err)
		}
		_, b, err := issuer.Issue("user-a", "a@example.com", "")
		if err != nil {
			t.Fatalf("Issue()でエラーが発生: %v", err)
		}
		if a.TokenID == b.TokenID {
			t.Errorf("jtiが重複している: %q", a.TokenID)
		}
	})

	t.Run("空の秘密鍵ではIssuerを生成できないこと", func(t *testing.T) {
		t.Parallel()

		if _, err := NewIssuer("", time.Hour); err == nil {
			t.Fatal("空の秘密鍵でエラーが返るべき")
		}
	})

	t.Run("空のユーザーIDでは発行できないこと", func(t *testing.T) {
		t.Parallel()

		issuer, err := NewIssuer(testSecret, time.Hour)
		if err != nil {
			t.Fatalf("NewIssuer()でエラーが発生: %v", err)
		}
		if _, _, err := issuer.Issue("", "x@example.com", ""); err == nil {
			t.Fatal("空のユーザーIDでエラーが返るべき")
		}
	})
}

// TestJWTVerifier はトークン検証のエラー分類を検証する。
func TestJWTVerifier(t *testing.T) {
	t.Parallel()

	expired := validClaims("user-expired")
	expired.IssuedAt = jwt.NewNumericDate(time.Now().Add(-25 * time.Hour))
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-1 * time.Hour))

	wrongIssuer := validClaims("user-iss")
	wrongIssuer.Issuer = "someone-else"

	noExpiry := validClaims("user-noexp")
	noExpiry.ExpiresAt = nil

	noUser := validClaims("")

	notYetValid := validClaims("user-nbf")
	notYetValid.NotBefore = jwt.NewNumericDate(time.Now().Add(1 * time.Hour))

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims("user-none")).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("alg=noneトークンの生成に失敗: %v", err)
	}

	tests := []struct {
		name string
		raw  string
		want *Error
	}{
		{name: "空の資格情報はMissingであること", raw: "", want: ErrCredentialMissing},
		{name: "空白のみの資格情報はMissingであること", raw: "   ", want: ErrCredentialMissing},
		{name: "セグメント数が不正な資格情報はMalformedであること", raw: "not-a-jwt", want: ErrCredentialMalformed},
		{name: "base64として不正な資格情報はMalformedであること", raw: "@@@.###.$$$", want: ErrCredentialMalformed},
		{name: "異なる秘密鍵で署名されたトークンはInvalidであること", raw: signClaims(t, "different-secret", validClaims("user-diff")), want: ErrCredentialInvalid},
		{name: "期限切れトークンはExpiredであること", raw: signClaims(t, testSecret, expired), want: ErrCredentialExpired},
		{name: "発行者が異なるトークンはInvalidであること", raw: signClaims(t, testSecret, wrongIssuer), want: ErrCredentialInvalid},
		{name: "有効期限の無いトークンはInvalidであること", raw: signClaims(t, testSecret, noExpiry), want: ErrCredentialInvalid},
		{name: "user_idの無いトークンはInvalidであること", raw: signClaims(t, testSecret, noUser), want: ErrCredentialInvalid},
		{name: "有効期間前のトークンはInvalidであること", raw: signClaims(t, testSecret, notYetValid), want: ErrCredentialInvalid},
		{name: "alg=noneのトークンはInvalidであること", raw: noneToken, want: ErrCredentialInvalid},
	}

	v := newTestVerifier(t, []string{testSecret})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := v.Verify(t.Context(), Credential{Raw: tt.raw, Transport: TransportHTTPHeader})
			if !errors.Is(err, tt.want) {
				t.Fatalf("Verify() error = %v, want %v", err, tt.want)
			}
			if got != (Identity{}) {
				t.Errorf("検証失敗時にIdentityが返された: %+v", got)
			}
		})
	}

	t.Run("有効なトークンでIdentityが返ること", func(t *testing.T) {
		t.Parallel()

		claims := validClaims("user-ok")
		got, err := v.Verify(t.Context(), Credential{Raw: signClaims(t, testSecret, claims), Transport: TransportSocketHandshake})
		if err != nil {
			t.Fatalf("Verify()でエラーが発生: %v", err)
		}
		if got.UserID != "user-ok" {
			t.Errorf("UserID = %q, want %q", got.UserID, "user-ok")
		}
		if got.TokenID != "jti-user-ok" {
			t.Errorf("TokenID = %q, want %q", got.TokenID, "jti-user-ok")
		}
		if !got.IssuedAt.Equal(claims.IssuedAt.Time) {
			t.Errorf("IssuedAt = %v, want %v", got.IssuedAt, claims.IssuedAt.Time)
		}
	})

	t.Run("トランスポートが異なっても同じ結果になること", func(t *testing.T) {
		t.Parallel()

		raw := signClaims(t, testSecret, validClaims("user-both"))
		fromHTTP, errHTTP := v.Verify(t.Context(), Credential{Raw: raw, Transport: TransportHTTPHeader})
		fromSocket, errSocket := v.Verify(t.Context(), Credential{Raw: raw, Transport: TransportSocketHandshake})
		if errHTTP != nil || errSocket != nil {
			t.Fatalf("Verify()でエラーが発生: http=%v socket=%v", errHTTP, errSocket)
		}
		if fromHTTP != fromSocket {
			t.Errorf("トランスポートによってIdentityが異なる: %+v != %+v", fromHTTP, fromSocket)
		}
	})

	t.Run("同じ入力を繰り返し検証しても結果が変わらないこと", func(t *testing.T) {
		t.Parallel()

		raw := signClaims(t, "different-secret", validClaims("user-repeat"))
		for range 3 {
			if _, err := v.Verify(t.Context(), Credential{Raw: raw}); !errors.Is(err, ErrCredentialInvalid) {
				t.Fatalf("Verify() error = %v, want %v", err, ErrCredentialInvalid)
			}
		}
	})
}

// TestJWTVerifierKeyRotation は複数の秘密鍵による検証を検証する。
func TestJWTVerifierKeyRotation(t *testing.T) {
	t.Parallel()

	v := newTestVerifier(t, []string{"new-secret", "", "old-secret"})

	t.Run("旧鍵で署名されたトークンも検証できること", func(t *testing.T) {
		t.Parallel()

		got, err := v.Verify(t.Context(), Credential{Raw: signClaims(t, "old-secret", validClaims("user-old"))})
		if err != nil {
			t.Fatalf("Verify()でエラーが発生: %v", err)
		}
		if got.UserID != "user-old" {
			t.Errorf("UserID = %q, want %q", got.UserID, "user-old")
		}
	})

	t.Run("旧鍵で署名された期限切れトークンはExpiredであること", func(t *testing.T) {
		t.Parallel()

		claims := validClaims("user-old-exp")
		claims.IssuedAt = jwt.NewNumericDate(time.Now().Add(-3 * time.Hour))
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-2 * time.Hour))
		_, err := v.Verify(t.Context(), Credential{Raw: signClaims(t, "old-secret", claims)})
		if !errors.Is(err, ErrCredentialExpired) {
			t.Fatalf("Verify() error = %v, want %v", err, ErrCredentialExpired)
		}
	})

	t.Run("どの鍵とも一致しないトークンはInvalidであること", func(t *testing.T) {
		t.Parallel()

		_, err := v.Verify(t.Context(), Credential{Raw: signClaims(t, "unknown-secret", validClaims("user-x"))})
		if !errors.Is(err, ErrCredentialInvalid) {
			t.Fatalf("Verify() error = %v, want %v", err, ErrCredentialInvalid)
		}
	})

	t.Run("有効な秘密鍵が1つも無い場合は生成できないこと", func(t *testing.T) {
		t.Parallel()

		if _, err := NewJWTVerifier([]string{"", ""}); err == nil {
			t.Fatal("秘密鍵が空の場合にエラーが返るべき")
		}
	})
}

// failingRevocations は常にエラーを返す RevocationStore。
type failingRevocations struct{}

func (failingRevocations) Revoke(context.Context, string, time.Time) error {
	return errors.New("store down")
}

func (failingRevocations) IsRevoked(context.Context, string) (bool, error) {
	return false, errors.New("store down")
}

// TestJWTVerifierRevocation は失効済みトークンの拒否を検証する。
func TestJWTVerifierRevocation(t *testing.T) {
	t.Parallel()

	t.Run("失効済みのトークンはInvalidであること", func(t *testing.T) {
		t.Parallel()

		store := NewMemoryRevocations()
		v := newTestVerifier(t, []string{testSecret}, WithRevocations(store))
		claims := validClaims("user-revoked")
		raw := signClaims(t, testSecret, claims)

		if _, err := v.Verify(t.Context(), Credential{Raw: raw}); err != nil {
			t.Fatalf("失効前のVerify()でエラーが発生: %v", err)
		}
		if err := store.Revoke(t.Context(), claims.ID, claims.ExpiresAt.Time); err != nil {
			t.Fatalf("Revoke()でエラーが発生: %v", err)
		}
		if _, err := v.Verify(t.Context(), Credential{Raw: raw}); !errors.Is(err, ErrCredentialInvalid) {
			t.Fatalf("失効後のVerify() error = %v, want %v", err, ErrCredentialInvalid)
		}
	})

	t.Run("失効状態を照会できない場合は拒否すること", func(t *testing.T) {
		t.Parallel()

		v := newTestVerifier(t, []string{testSecret}, WithRevocations(failingRevocations{}))
		_, err := v.Verify(t.Context(), Credential{Raw: signClaims(t, testSecret, validClaims("user-down"))})
		if !errors.Is(err, ErrCredentialInvalid) {
			t.Fatalf("Verify() error = %v, want %v", err, ErrCredentialInvalid)
		}
	})
}

// TestJWTVerifierClock は注入した時刻による有効期限判定を検証する。
func TestJWTVerifierClock(t *testing.T) {
	t.Parallel()

	claims := validClaims("user-clock")
	raw := signClaims(t, testSecret, claims)

	future := func() time.Time { return claims.ExpiresAt.Add(time.Minute) }
	v := newTestVerifier(t, []string{testSecret}, WithClock(future))
	if _, err := v.Verify(t.Context(), Credential{Raw: raw}); !errors.Is(err, ErrCredentialExpired) {
		t.Fatalf("Verify() error = %v, want %v", err, ErrCredentialExpired)
	}

	lenient := newTestVerifier(t, []string{testSecret}, WithClock(future), WithLeeway(2*time.Minute))
	if _, err := lenient.Verify(t.Context(), Credential{Raw: raw}); err != nil {
		t.Fatalf("許容誤差内のVerify()でエラーが発生: %v", err)
	}
}

// TestJWTVerifierConcurrent は並行呼び出しで結果が変わらないことを検証する。
func TestJWTVerifierConcurrent(t *testing.T) {
	t.Parallel()

	v := newTestVerifier(t, []string{testSecret}, WithRevocations(NewMemoryRevocations()))
	good := signClaims(t, testSecret, validClaims("user-parallel"))
	bad := signClaims(t, "different-secret", validClaims("user-parallel"))

	var wg sync.WaitGroup
	errs := make(chan error, 200)
	for i := range 100 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				if _, err := v.Verify(context.Background(), Credential{Raw: good}); err != nil {
					errs <- err
				}
				return
			}
			if _, err := v.Verify(context.Background(), Credential{Raw: bad}); !errors.Is(err, ErrCredentialInvalid) {
				errs <- errors.New("不正なトークンが拒否されなかった")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
