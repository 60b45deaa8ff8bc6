package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/maitri/astronaut-gateway/pkg/auth"
	"github.com/maitri/astronaut-gateway/pkg/metrics"
	"github.com/maitri/astronaut-gateway/pkg/middleware"
	"github.com/maitri/astronaut-gateway/pkg/store"
)

// サービス情報。
const (
	serviceName    = "MAITRI Astronaut Emotional Intelligence System"
	serviceVersion = "1.0.0"
)

// エラーコード。
const (
	ErrorCodeServiceDegraded = "SERVICE_DEGRADED"
	ErrorCodeInvalidRequest  = "INVALID_REQUEST"
	ErrorCodeNotFound        = "NOT_FOUND"
	ErrorCodeProfileNotFound = "PROFILE_NOT_FOUND"
)

// devProvider は開発用トークンで登録する宇宙飛行士のプロバイダ名。
const devProvider = "dev"

// パス。
const (
	apiPrefix    = "/api"
	realtimePath = "/realtime"
)

// AstronautStore は宇宙飛行士レコードの保存先。*store.Store が満たす。
type AstronautStore interface {
	UpsertAstronaut(ctx context.Context, p store.UpsertAstronautParams) (store.Astronaut, error)
	GetAstronaut(ctx context.Context, id string) (store.Astronaut, error)
	Ping(ctx context.Context) error
}

// Realtime はリアルタイム接続の入口。*realtime.Gateway が満たす。
type Realtime interface {
	http.Handler
	EvictToken(tokenID string) int
}

// Options は Server の依存関係。
type Options struct {
	// Classifier は /api 配下に適用する呼び出し元分類。必須。
	Classifier *middleware.Classifier
	// Verifier は保護されたルートで使用する資格情報の検証器。必須。
	Verifier auth.Verifier
	// Issuer は開発用トークンの発行に使用する。DevTokens が true の場合は必須。
	Issuer *auth.Issuer
	// Revocations はログアウト時にトークンを失効させる保存先。
	Revocations auth.RevocationStore
	// Store は永続化層。nilの場合は縮退モードで動作する。
	Store AstronautStore
	// Realtime は /realtime に公開するリアルタイム接続の入口。nilの場合は公開しない。
	Realtime Realtime
	// Metrics はメトリクスの記録先。nilの場合は /metrics を公開しない。
	Metrics *metrics.Metrics
	// Logger はロガー。nilの場合は slog.Default() を使用する。
	Logger *slog.Logger
	// CORSOrigins は許可するオリジン。
	CORSOrigins []string
	// DevTokens が true の場合、開発用トークンの発行を有効にする。
	DevTokens bool
}

// Server はゲートウェイのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// handler はソケット接続とルーターを振り分ける入口。
	handler http.Handler
	// api は呼び出し元分類を適用するルートグループ。
	api *gin.RouterGroup
	// protected は資格情報の検証も適用するルートグループ。
	protected *gin.RouterGroup

	verifier    auth.Verifier
	issuer      *auth.Issuer
	revocations auth.RevocationStore
	store       AstronautStore
	realtime    Realtime
	metrics     *metrics.Metrics
	logger      *slog.Logger
	devTokens   bool
}

// NewServer は新しいゲートウェイサーバーを生成する。
func NewServer(opts Options) (*Server, error) {
	if opts.Classifier == nil {
		return nil, errors.New("呼び出し元分類が設定されていません")
	}
	if opts.Verifier == nil {
		return nil, errors.New("資格情報の検証器が設定されていません")
	}
	if opts.DevTokens && opts.Issuer == nil {
		return nil, errors.New("開発用トークンの発行にはIssuerが必要です")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router := gin.New()
	router.Use(middleware.RequestLogger(logger))
	if opts.Metrics != nil {
		router.Use(opts.Metrics.HTTPMiddleware(middleware.RejectionCode))
	}
	// パニックしたリクエストもログとメトリクスに残るよう、両者の内側で回復する
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.CORS(opts.CORSOrigins, opts.Classifier.Markers()...))
	// 未定義のパスやメソッドも含め、/api 配下はルートの解決より前に分類する
	router.Use(middleware.UnderPrefix(apiPrefix, middleware.CallerClassification(opts.Classifier)))
	router.NoRoute(func(c *gin.Context) {
		middleware.Reject(c, http.StatusNotFound, middleware.NewRejection(ErrorCodeNotFound, "Route not found."))
	})

	s := &Server{
		router:      router,
		verifier:    opts.Verifier,
		issuer:      opts.Issuer,
		revocations: opts.Revocations,
		store:       opts.Store,
		realtime:    opts.Realtime,
		metrics:     opts.Metrics,
		logger:      logger,
		devTokens:   opts.DevTokens,
	}
	s.setupRoutes()
	s.handler = s.newHandler()

	return s, nil
}

// Handler はゲートウェイのHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.handler
}

// newHandler はソケット接続をルーターより前に振り分けるハンドラを返す。
// Ginのレスポンスライターはヘッダー書き込み後のハイジャックを拒否するため、
// WebSocketへのアップグレードはGinを経由させない。
func (s *Server) newHandler() http.Handler {
	if s.realtime == nil {
		return s.router
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == realtimePath {
			s.realtime.ServeHTTP(w, r)
			return
		}
		s.router.ServeHTTP(w, r)
	})
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	// 分類・認証の対象外
	s.router.GET("/", s.handleInfo())
	s.router.GET("/health", s.handleHealth())
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	// 呼び出し元分類が必須のAPIエンドポイント。分類はエンジン全体で適用済み
	s.api = s.router.Group(apiPrefix)
	{
		s.api.POST("/auth/dev-token", s.handleDevToken())
	}

	// 資格情報の検証も必須のAPIエンドポイント
	s.protected = s.api.Group("")
	s.protected.Use(middleware.RequireIdentity(s.verifier))
	{
		s.protected.GET("/protected", s.handleProtected())
		s.protected.POST("/auth/logout", s.handleLogout())
		s.protected.GET("/profile", s.handleProfile())
	}
}

// handleInfo はサービス情報を返すハンドラを返す。
func (s *Server) handleInfo() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": serviceName,
			"version": serviceVersion,
			"status":  "Mission Ready",
			"access":  "Astronauts Only",
		})
	}
}

// handleHealth は稼働状態と永続化層の状態を返すハンドラを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.store == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway", "database": "degraded"})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			s.logger.WarnContext(ctx, "ヘルスチェックでデータベースに到達できません", slog.Any("error", err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "service": "gateway", "database": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway", "database": "ok"})
	}
}

// handleProtected は検証済みの身元情報を返すハンドラを返す。
func (s *Server) handleProtected() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, _ := middleware.IdentityFrom(c)
		c.JSON(http.StatusOK, gin.H{
			"message": "You accessed a protected route",
			"user":    identity,
		})
	}
}

// devTokenRequest は開発用トークン発行のリクエストボディ。すべて省略可能。
type devTokenRequest struct {
	ProviderUserID string `json:"provider_user_id"`
	Email          string `json:"email"`
	DisplayName    string `json:"display_name"`
}

// handleDevToken は開発用JWTトークンを発行するハンドラを返す。
// DevTokens が無効な場合はルートが存在しないものとして扱う。
func (s *Server) handleDevToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.devTokens {
			middleware.Reject(c, http.StatusNotFound, middleware.NewRejection(ErrorCodeNotFound, "Route not found."))
			return
		}
		if s.store == nil {
			s.rejectDegraded(c)
			return
		}

		req := devTokenRequest{}
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			middleware.Reject(c, http.StatusBadRequest, middleware.NewRejection(ErrorCodeInvalidRequest, "Request body must be a JSON object."))
			return
		}
		if req.ProviderUserID == "" {
			req.ProviderUserID = "dev-user"
		}
		if req.Email == "" {
			req.Email = "dev@localhost"
		}
		if req.DisplayName == "" {
			req.DisplayName = "Development Astronaut"
		}

		astronaut, err := s.store.UpsertAstronaut(c.Request.Context(), store.UpsertAstronautParams{
			Provider:       devProvider,
			ProviderUserID: req.ProviderUserID,
			Email:          req.Email,
			DisplayName:    req.DisplayName,
		})
		if err != nil {
			s.internalError(c, "開発用ユーザーの登録に失敗", err)
			return
		}

		token, identity, err := s.issuer.Issue(astronaut.ID, astronaut.Email, "astronaut")
		if err != nil {
			s.internalError(c, "開発用トークンの生成に失敗", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"token":      token,
			"user_id":    astronaut.ID,
			"expires_at": identity.ExpiresAt,
		})
	}
}

// handleLogout はトークンを失効させ、そのトークンで受け入れたソケット接続を切断するハンドラを返す。
func (s *Server) handleLogout() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, _ := middleware.IdentityFrom(c)
		ctx := c.Request.Context()

		if s.revocations != nil && identity.TokenID != "" {
			if err := s.revocations.Revoke(ctx, identity.TokenID, identity.ExpiresAt); err != nil {
				s.internalError(c, "トークンの失効に失敗", err)
				return
			}
		}

		evicted := 0
		if s.realtime != nil {
			evicted = s.realtime.EvictToken(identity.TokenID)
		}
		s.logger.InfoContext(ctx, "ログアウトしました",
			slog.String("user_id", identity.UserID),
			slog.Int("evicted_connections", evicted),
		)
		c.Status(http.StatusNoContent)
	}
}

// handleProfile は認証済みの宇宙飛行士のレコードを返すハンドラを返す。
func (s *Server) handleProfile() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.store == nil {
			s.rejectDegraded(c)
			return
		}
		identity, _ := middleware.IdentityFrom(c)

		astronaut, err := s.store.GetAstronaut(c.Request.Context(), identity.UserID)
		if errors.Is(err, store.ErrNotFound) {
			middleware.Reject(c, http.StatusNotFound, middleware.NewRejection(ErrorCodeProfileNotFound, "Astronaut profile not found."))
			return
		}
		if err != nil {
			s.internalError(c, "プロフィールの取得に失敗", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"id":           astronaut.ID,
			"email":        astronaut.Email,
			"display_name": astronaut.DisplayName,
			"provider":     astronaut.Provider,
		})
	}
}

// rejectDegraded は縮退モードで永続化層を必要とするリクエストを拒否する。
func (s *Server) rejectDegraded(c *gin.Context) {
	middleware.Reject(c, http.StatusServiceUnavailable,
		middleware.NewRejection(ErrorCodeServiceDegraded, "Persistence is unavailable; the service is running in degraded mode."))
}

// internalError はエラーを記録し、詳細を含まない500レスポンスを返す。
func (s *Server) internalError(c *gin.Context, msg string, err error) {
	s.logger.ErrorContext(c.Request.Context(), msg, slog.Any("error", err))
	middleware.Reject(c, http.StatusInternalServerError,
		middleware.NewRejection(middleware.ErrorCodeInternal, "Internal server error."))
}
