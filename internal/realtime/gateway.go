package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/maitri/astronaut-gateway/pkg/auth"
	"github.com/maitri/astronaut-gateway/pkg/middleware"
)

// DefaultHandshakeTimeout は接続時の検証にかける時間の既定の上限。
const DefaultHandshakeTimeout = 5 * time.Second

// 拒否理由のコード。資格情報のエラーコードとは別に計測用に使う。
const (
	codeClientGone   = "CLIENT_GONE"
	codeShuttingDown = "SHUTTING_DOWN"
	codeUpgrade      = "UPGRADE_FAILED"
)

// evictReason は強制切断時にクライアントへ送る理由。
const evictReason = "evicted"

// Recorder は接続の受け入れ結果を記録する。*metrics.Metrics が満たす。
type Recorder interface {
	SocketRejected(code string)
	SocketAdmitted()
	SocketClosed()
}

type nopRecorder struct{}

func (nopRecorder) SocketRejected(string) {}
func (nopRecorder) SocketAdmitted()       {}
func (nopRecorder) SocketClosed()         {}

// Gateway はWebSocketの接続要求を検証し、受け入れた接続を管理する http.Handler。
type Gateway struct {
	verifier         auth.Verifier
	handler          Handler
	registry         *Registry
	handshakeTimeout time.Duration
	acceptOptions    *websocket.AcceptOptions
	logger           *slog.Logger
	recorder         Recorder
	onState          func(connID string, state State)
	closing          atomic.Bool
}

// Option は Gateway の設定を変更する。
type Option func(*Gateway)

// WithHandler は受け入れた接続を処理するハンドラを設定する。既定は EchoHandler。
func WithHandler(h Handler) Option {
	return func(g *Gateway) { g.handler = h }
}

// WithHandshakeTimeout は接続時の検証にかける時間の上限を設定する。
func WithHandshakeTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.handshakeTimeout = d
		}
	}
}

// WithAcceptOptions はWebSocketのアップグレード設定を指定する。
func WithAcceptOptions(opts *websocket.AcceptOptions) Option {
	return func(g *Gateway) { g.acceptOptions = opts }
}

// WithLogger はロガーを設定する。
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithRecorder は受け入れ結果の記録先を設定する。
func WithRecorder(r Recorder) Option {
	return func(g *Gateway) { g.recorder = r }
}

// WithStateHook は接続の状態遷移ごとに呼び出される関数を設定する。
func WithStateHook(fn func(connID string, state State)) Option {
	return func(g *Gateway) { g.onState = fn }
}

// New は新しい Gateway を生成する。
func New(verifier auth.Verifier, opts ...Option) *Gateway {
	g := &Gateway{
		verifier:         verifier,
		handler:          EchoHandler(),
		registry:         NewRegistry(),
		handshakeTimeout: DefaultHandshakeTimeout,
		logger:           slog.Default(),
		recorder:         nopRecorder{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Registry は接続の登録先を返す。
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// ServeHTTP は接続要求を検証し、成功した場合のみWebSocketにアップグレードする。
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	connID := uuid.New().String()
	g.transition(connID, StateConnecting)

	if g.closing.Load() {
		g.reject(connID, codeShuttingDown)
		middleware.WriteRejection(w, http.StatusServiceUnavailable,
			middleware.NewRejection(codeShuttingDown, "Realtime channel is shutting down."))
		return
	}

	g.transition(connID, StateVerifying)
	identity, err := g.verify(r)

	// 検証中にクライアントが離脱した場合は登録しない
	if r.Context().Err() != nil {
		g.reject(connID, codeClientGone)
		g.logger.DebugContext(r.Context(), "検証中にクライアントが切断しました", slog.String("conn_id", connID))
		return
	}
	if err != nil {
		status, rejection := middleware.CredentialRejection(err)
		g.reject(connID, rejection.ErrorCode)
		g.logger.InfoContext(r.Context(), "ソケット接続を拒否しました",
			slog.String("conn_id", connID),
			slog.String("error_code", rejection.ErrorCode),
			slog.String("remote_addr", r.RemoteAddr),
		)
		middleware.WriteRejection(w, status, rejection)
		return
	}

	ws, err := websocket.Accept(w, r, g.acceptOptions)
	if err != nil {
		// Acceptがエラーレスポンスを書き込み済み
		g.reject(connID, codeUpgrade)
		g.logger.WarnContext(r.Context(), "WebSocketへのアップグレードに失敗",
			slog.String("conn_id", connID),
			slog.Any("error", err),
		)
		return
	}

	g.serve(r.Context(), connID, identity, ws)
}

// verify はアップグレード要求から資格情報を取り出して検証する。
// 検証が上限時間内に終わらない場合は失敗とする。
func (g *Gateway) verify(r *http.Request) (auth.Identity, error) {
	cred, err := HandshakeCredential(r)
	if err != nil {
		return auth.Identity{}, err
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.handshakeTimeout)
	defer cancel()

	type result struct {
		identity auth.Identity
		err      error
	}
	done := make(chan result, 1)
	go func() {
		identity, err := g.verifier.Verify(ctx, cred)
		done <- result{identity: identity, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil && ctx.Err() != nil {
			return auth.Identity{}, auth.ErrCredentialInvalid
		}
		return res.identity, res.err
	case <-ctx.Done():
		g.logger.WarnContext(r.Context(), "接続時の検証が時間内に終わりませんでした",
			slog.Duration("timeout", g.handshakeTimeout),
		)
		return auth.Identity{}, auth.ErrCredentialInvalid
	}
}

// serve は受け入れた接続を登録してハンドラに渡す。
// どの経路で終了しても登録を解除する。
func (g *Gateway) serve(parent context.Context, connID string, identity auth.Identity, ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var (
		evictOnce sync.Once
		evicted   atomic.Bool
	)
	entry := &Entry{
		ConnID:     connID,
		Identity:   identity,
		AdmittedAt: time.Now().UTC(),
		evict: func() {
			evictOnce.Do(func() {
				evicted.Store(true)
				go func() {
					_ = ws.Close(websocket.StatusPolicyViolation, evictReason)
					cancel()
				}()
			})
		},
	}

	if err := g.registry.Insert(entry); err != nil {
		g.reject(connID, codeUpgrade)
		g.logger.ErrorContext(ctx, "接続の登録に失敗", slog.String("conn_id", connID), slog.Any("error", err))
		_ = ws.Close(websocket.StatusInternalError, "internal error")
		return
	}
	g.recorder.SocketAdmitted()
	g.transition(connID, StateAdmitted)
	defer func() {
		g.registry.Remove(connID)
		g.recorder.SocketClosed()
		g.transition(connID, StateClosed)
	}()

	// 停止処理と競合した接続はここで切断する
	if g.closing.Load() {
		entry.evict()
	}

	g.logger.InfoContext(ctx, "ソケット接続を受け入れました",
		slog.String("conn_id", connID),
		slog.String("user_id", identity.UserID),
	)

	conn := &Conn{id: connID, identity: identity, admittedAt: entry.AdmittedAt, ws: ws}
	g.transition(connID, StateActive)
	err := g.handler.ServeConn(ctx, conn)

	switch {
	case evicted.Load():
	case err == nil, websocket.CloseStatus(err) != -1, errors.Is(err, context.Canceled):
		_ = ws.Close(websocket.StatusNormalClosure, "")
	default:
		g.logger.WarnContext(ctx, "ソケット接続の処理中にエラーが発生",
			slog.String("conn_id", connID),
			slog.Any("error", err),
		)
		_ = ws.Close(websocket.StatusInternalError, "internal error")
	}
}

func (g *Gateway) reject(connID, code string) {
	g.recorder.SocketRejected(code)
	g.transition(connID, StateRejected)
}

func (g *Gateway) transition(connID string, state State) {
	if g.onState != nil {
		g.onState(connID, state)
	}
}

// Evict は指定した接続を強制切断する。切断した場合はtrueを返す。
func (g *Gateway) Evict(connID string) bool {
	e, ok := g.registry.Get(connID)
	if !ok {
		return false
	}
	e.evict()
	return true
}

// EvictToken は指定したトークンIDで受け入れた接続をすべて強制切断し、その数を返す。
func (g *Gateway) EvictToken(tokenID string) int {
	if tokenID == "" {
		return 0
	}
	return g.evictMatching(func(e *Entry) bool { return e.Identity.TokenID == tokenID })
}

// EvictUser は指定したユーザーの接続をすべて強制切断し、その数を返す。
func (g *Gateway) EvictUser(userID string) int {
	if userID == "" {
		return 0
	}
	return g.evictMatching(func(e *Entry) bool { return e.Identity.UserID == userID })
}

func (g *Gateway) evictMatching(match func(*Entry) bool) int {
	entries := g.registry.Snapshot(match)
	for _, e := range entries {
		e.evict()
	}
	return len(entries)
}

// Shutdown は新規の接続要求を拒否し、すべての接続を強制切断して登録が空になるまで待つ。
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.closing.Store(true)
	if n := g.evictMatching(nil); n > 0 {
		g.logger.InfoContext(ctx, "ソケット接続を切断しています", slog.Int("connections", n))
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for g.registry.Len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// HandshakeCredential はアップグレード要求から資格情報を取り出す。
// Authorizationヘッダーを優先し、無い場合は token クエリパラメータを使用する。
func HandshakeCredential(r *http.Request) (auth.Credential, error) {
	if r.Header.Get("Authorization") != "" {
		return middleware.BearerCredential(r.Header, auth.TransportSocketHandshake)
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return auth.Credential{Raw: token, Transport: auth.TransportSocketHandshake}, nil
	}
	return auth.Credential{}, auth.ErrCredentialMissing
}

// OriginPatterns は許可するオリジンの一覧を websocket.AcceptOptions.OriginPatterns の形式に変換する。
// "*" はすべてのオリジンを許可する。
func OriginPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, o)
	}
	return patterns
}
