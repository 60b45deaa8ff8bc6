// Package lifecycle はゲートウェイの起動と停止の順序を管理する。
//
// 起動は 設定の検証 → 永続化層への接続 → リスナーの開始 の順に行い、
// 永続化層の準備が完了するか明示的に省略されるまでリスナーを開かない。
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/maitri/astronaut-gateway/internal/config"
	"github.com/maitri/astronaut-gateway/internal/gateway"
	"github.com/maitri/astronaut-gateway/internal/realtime"
	"github.com/maitri/astronaut-gateway/pkg/auth"
	"github.com/maitri/astronaut-gateway/pkg/metrics"
	"github.com/maitri/astronaut-gateway/pkg/middleware"
	"github.com/maitri/astronaut-gateway/pkg/store"
)

// ErrDependencyUnavailable は起動に必要な依存関係に接続できないことを表す。
var ErrDependencyUnavailable = errors.New("依存関係に接続できません")

// StoreOpener は永続化層に接続する。
type StoreOpener func(ctx context.Context, dsn string, logger *slog.Logger) (*store.Store, error)

// RedisOpener はRedisに接続する。
type RedisOpener func(ctx context.Context, url string) (*redis.Client, error)

// ListenFunc はリスナーを開く。net.Listen と同じ形式。
type ListenFunc func(network, address string) (net.Listener, error)

// Supervisor はゲートウェイの起動と停止を管理する。
type Supervisor struct {
	cfg       config.Config
	logger    *slog.Logger
	openStore StoreOpener
	openRedis RedisOpener
	listen    ListenFunc
	readiness readinessState
}

// Option は Supervisor の設定を変更する。
type Option func(*Supervisor)

// WithLogger はロガーを設定する。
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = logger }
}

// WithStoreOpener は永続化層への接続方法を差し替える。
func WithStoreOpener(fn StoreOpener) Option {
	return func(s *Supervisor) { s.openStore = fn }
}

// WithRedisOpener はRedisへの接続方法を差し替える。
func WithRedisOpener(fn RedisOpener) Option {
	return func(s *Supervisor) { s.openRedis = fn }
}

// WithListener はリスナーの開き方を差し替える。
func WithListener(fn ListenFunc) Option {
	return func(s *Supervisor) { s.listen = fn }
}

// New は新しい Supervisor を生成する。cfgは config.Load で検証済みである必要がある。
func New(cfg config.Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:       cfg,
		logger:    slog.Default(),
		openStore: store.Open,
		openRedis: auth.OpenRedis,
		listen:    net.Listen,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Readiness は永続化層の準備状態を返す。
func (s *Supervisor) Readiness() Readiness {
	return s.readiness.load()
}

// Run は起動してから、ctxが終了するかサーバーが停止するまで待つ。
func (s *Supervisor) Run(ctx context.Context) error {
	running, err := s.Start(ctx)
	if err != nil {
		return err
	}
	return running.Wait(ctx)
}

// Start は依存関係を準備してリスナーを開く。リクエストの処理は Running.Wait で開始する。
// 永続化層に接続できない場合は ErrDependencyUnavailable をラップしたエラーを返し、リスナーを開かない。
func (s *Supervisor) Start(ctx context.Context) (*Running, error) {
	for _, w := range s.cfg.Warnings {
		s.logger.WarnContext(ctx, "設定に問題があります", slog.Any("error", w))
	}

	st, err := s.connectStore(ctx)
	if err != nil {
		return nil, err
	}

	r := &Running{
		store:           st,
		shutdownTimeout: s.cfg.ShutdownTimeout,
		logger:          s.logger,
	}

	revocations, err := s.revocationStore(ctx, r)
	if err != nil {
		r.closeDependencies()
		return nil, err
	}

	handler, err := s.buildHandler(r, revocations)
	if err != nil {
		r.closeDependencies()
		return nil, err
	}

	ln, err := s.listen("tcp", s.cfg.Addr())
	if err != nil {
		r.closeDependencies()
		return nil, fmt.Errorf("リッスンに失敗: %w", err)
	}
	r.listener = ln
	r.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: s.cfg.HandshakeTimeout,
	}

	s.logger.InfoContext(ctx, "ゲートウェイを起動しました",
		slog.String("addr", ln.Addr().String()),
		slog.String("database", s.Readiness().String()),
	)
	return r, nil
}

// connectStore は永続化層に接続する。
// 接続文字列が無く必須でない場合のみ接続を省略し、縮退モードで起動する。
func (s *Supervisor) connectStore(ctx context.Context) (*store.Store, error) {
	if s.cfg.DatabaseURL == "" {
		if s.cfg.DatabaseRequired {
			s.readiness.transition(Failed)
			return nil, fmt.Errorf("%w: %s が設定されていません", ErrDependencyUnavailable, config.EnvDatabaseURL)
		}
		s.readiness.transition(Skipped)
		s.logger.WarnContext(ctx, "永続化層なしの縮退モードで起動します")
		return nil, nil
	}

	st, err := s.openStore(ctx, s.cfg.DatabaseURL, s.logger)
	if err != nil {
		s.readiness.transition(Failed)
		s.logger.ErrorContext(ctx, "データベースに接続できません",
			slog.String("dsn", store.Redact(s.cfg.DatabaseURL)),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("%w: %w", ErrDependencyUnavailable, err)
	}
	s.readiness.transition(Ready)
	return st, nil
}

// revocationStore はトークン失効情報の保存先を用意する。REDIS_URL が無い場合はメモリに保存する。
func (s *Supervisor) revocationStore(ctx context.Context, r *Running) (auth.RevocationStore, error) {
	if s.cfg.RedisURL == "" {
		return auth.NewMemoryRevocations(), nil
	}
	client, err := s.openRedis(ctx, s.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDependencyUnavailable, err)
	}
	r.redis = client
	return auth.NewRedisRevocations(client), nil
}

// buildHandler はHTTPとソケットの両方を処理するハンドラを組み立てる。
func (s *Supervisor) buildHandler(r *Running, revocations auth.RevocationStore) (http.Handler, error) {
	verifier, err := auth.NewJWTVerifier(s.cfg.JWTSecrets,
		auth.WithRevocations(revocations),
		auth.WithLogger(s.logger),
	)
	if err != nil {
		return nil, err
	}
	issuer, err := auth.NewIssuer(s.cfg.SigningSecret(), s.cfg.TokenTTL)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	r.realtime = realtime.New(verifier,
		realtime.WithHandshakeTimeout(s.cfg.HandshakeTimeout),
		realtime.WithAcceptOptions(&websocket.AcceptOptions{
			OriginPatterns: realtime.OriginPatterns(s.cfg.CORSOrigins),
		}),
		realtime.WithLogger(s.logger),
		realtime.WithRecorder(m),
	)

	opts := gateway.Options{
		Classifier:  middleware.NewClassifier(s.cfg.CallerMarkers),
		Verifier:    verifier,
		Issuer:      issuer,
		Revocations: revocations,
		Realtime:    r.realtime,
		Metrics:     m,
		Logger:      s.logger,
		CORSOrigins: s.cfg.CORSOrigins,
		DevTokens:   s.cfg.DevTokens,
	}
	// nilの*store.Storeをインターフェースに入れると縮退モードを判定できないため分岐する
	if r.store != nil {
		opts.Store = r.store
	}
	server, err := gateway.NewServer(opts)
	if err != nil {
		return nil, err
	}
	return server.Handler(), nil
}

// Running は起動済みのゲートウェイ。
type Running struct {
	server          *http.Server
	listener        net.Listener
	realtime        *realtime.Gateway
	store           *store.Store
	redis           *redis.Client
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// Addr はリッスンしているアドレスを返す。
func (r *Running) Addr() net.Addr {
	return r.listener.Addr()
}

// Wait はリクエストの処理を開始し、ctxが終了するかサーバーが停止するまで待つ。
// ctxの終了による停止ではnilを返す。
func (r *Running) Wait(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := r.server.Serve(r.listener); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("サーバーが異常終了しました: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return r.shutdown()
	})

	return g.Wait()
}

// shutdown は新規の受け付けを止め、ソケット接続を切断してから処理中のリクエストを待つ。
func (r *Running) shutdown() error {
	r.logger.Info("ゲートウェイを停止しています")

	ctx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()

	var errs []error
	if err := r.realtime.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("ソケット接続の切断に失敗: %w", err))
	}
	if err := r.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTPサーバーの停止に失敗: %w", err))
	}
	r.closeDependencies()

	if err := errors.Join(errs...); err != nil {
		return err
	}
	r.logger.Info("ゲートウェイを停止しました")
	return nil
}

// closeDependencies は永続化層とRedisへの接続を閉じる。
func (r *Running) closeDependencies() {
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			r.logger.Warn("Redis接続のクローズに失敗", slog.Any("error", err))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("データベース接続のクローズに失敗", slog.Any("error", err))
		}
	}
}

// ExitCode はRunの結果をプロセスの終了コードに変換する。
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return 1
}
