package realtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"

	"github.com/maitri/astronaut-gateway/pkg/auth"
)

// testSecret はテスト用のJWT署名秘密鍵。
const testSecret = "realtime-test-secret"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestVerifier はテスト用の JWTVerifier と Issuer を生成する。
func newTestVerifier(t *testing.T) (*auth.JWTVerifier, *auth.Issuer) {
	t.Helper()

	verifier, err := auth.NewJWTVerifier([]string{testSecret}, auth.WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("JWTVerifierの生成に失敗: %v", err)
	}
	issuer, err := auth.NewIssuer(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("Issuerの生成に失敗: %v", err)
	}
	return verifier, issuer
}

// issueToken はテスト用のトークンを発行する。
func issueToken(t *testing.T, issuer *auth.Issuer, userID string) (string, auth.Identity) {
	t.Helper()

	token, identity, err := issuer.Issue(userID, userID+"@maitri.space", "astronaut")
	if err != nil {
		t.Fatalf("トークンの発行に失敗: %v", err)
	}
	return token, identity
}

// expiredToken は有効期限切れのトークンを署名する。
func expiredToken(t *testing.T) string {
	t.Helper()

	now := time.Now()
	claims := &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "expired-jti",
			Issuer:    auth.DefaultIssuer,
			IssuedAt:  jwt.NewNumericDate(now.Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
		},
		UserID: "astro-expired",
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("トークンの署名に失敗: %v", err)
	}
	return signed
}

// newTestServer はGatewayをhttptestサーバーで公開する。
func newTestServer(t *testing.T, g *Gateway) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return srv
}

// dial はトークンをクエリパラメータで渡して接続する。
func dial(ctx context.Context, srv *httptest.Server, token string) (*websocket.Conn, *http.Response, error) {
	url := srv.URL
	if token != "" {
		url += "/?token=" + token
	}
	return websocket.Dial(ctx, url, nil)
}

// mustDial は接続に成功することを確認し、テスト終了時に切断する。
func mustDial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()

	c, _, err := dial(t.Context(), srv, token)
	if err != nil {
		t.Fatalf("WebSocket接続に失敗: %v", err)
	}
	t.Cleanup(func() { c.CloseNow() })
	return c
}

// drain は接続が閉じられるまでバックグラウンドで読み込み、最後のエラーを返すチャネルを返す。
// クライアントが読み込まないとクローズハンドシェイクが完了しないため、強制切断の検証で使う。
func drain(c *websocket.Conn) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for {
			if _, _, err := c.Read(ctx); err != nil {
				ch <- err
				return
			}
		}
	}()
	return ch
}

// readBody はレスポンスボディを読み込む。
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()

	if resp == nil {
		t.Fatal("レスポンスがnil")
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ボディの読み込みに失敗: %v", err)
	}
	return strings.TrimSpace(string(b))
}

// waitFor は条件が満たされるまで待つ。
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("%s を待機中にタイムアウト", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// stateLog は接続ごとの状態遷移を記録する。
type stateLog struct {
	mu     sync.Mutex
	states map[string][]State
	order  []string
}

func newStateLog() *stateLog {
	return &stateLog{states: make(map[string][]State)}
}

func (l *stateLog) hook(connID string, s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.states[connID]; !ok {
		l.order = append(l.order, connID)
	}
	l.states[connID] = append(l.states[connID], s)
}

// first は最初に記録された接続の状態遷移を返す。
func (l *stateLog) first() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.order) == 0 {
		return nil
	}
	return append([]State(nil), l.states[l.order[0]]...)
}

// last は最初に記録された接続の最後の状態を返す。
func (l *stateLog) last() State {
	states := l.first()
	if len(states) == 0 {
		return 0
	}
	return states[len(states)-1]
}

// countingHandler は呼び出し回数を数えてから内側のハンドラに委譲する。
type countingHandler struct {
	mu    sync.Mutex
	calls int
	inner Handler
}

func (h *countingHandler) ServeConn(ctx context.Context, conn *Conn) error {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	return h.inner.ServeConn(ctx, conn)
}

func (h *countingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}
