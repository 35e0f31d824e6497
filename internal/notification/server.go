package notification

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nao1215/notifier/internal/gateway"
	"github.com/nao1215/notifier/internal/metrics"
	"github.com/nao1215/notifier/internal/model"
	"github.com/nao1215/notifier/internal/queue"
	"github.com/nao1215/notifier/internal/store"
	"github.com/nao1215/notifier/pkg/event"
	"github.com/nao1215/notifier/pkg/middleware"
)

const (
	defaultListLimit  = 50
	maxListLimit      = 200
	defaultFailedJobs = 50
)

// QueueInspector は運用者向けにキューの状態を参照・操作する。
type QueueInspector interface {
	Counts(ctx context.Context) (queue.Counts, error)
	Failed(ctx context.Context, limit int) ([]queue.Job, error)
	Retry(ctx context.Context, id string) error
}

// ServerConfig はHTTPサーバーの設定。
type ServerConfig struct {
	// Port はリッスンポート。
	Port string
	// JWTSecret はユーザー向けAPIのトークン検証に使う共有鍵。
	JWTSecret string
	// InternalToken は内部APIの共有トークン。空の場合は内部APIもJWTで認証する。
	InternalToken string
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string
	// Heartbeat はSSE接続に送るキープアライブの間隔。
	Heartbeat time.Duration
	// ShutdownTimeout はグレースフルシャットダウンの待ち時間。
	ShutdownTimeout time.Duration
}

// Server は通知サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	cfg    ServerConfig

	service *Service
	hub     *gateway.Hub
	queue   QueueInspector
	// gatherer は /metrics で公開するメトリクスの取得元。
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// NewServer は新しい通知サーバーを生成する。
// ユーザー向けAPIはJWTで、内部APIは共有トークンで認証する。
func NewServer(cfg ServerConfig, svc *Service, hub *gateway.Hub, q QueueInspector, m *metrics.Metrics, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	return newServer(cfg, svc, hub, q, m, gatherer, logger, middleware.JWTAuth(cfg.JWTSecret))
}

// newServer はユーザー認証のミドルウェアを差し替えてサーバーを生成する。
func newServer(cfg ServerConfig, svc *Service, hub *gateway.Hub, q QueueInspector, m *metrics.Metrics, gatherer prometheus.Gatherer, logger *zap.Logger, userAuth gin.HandlerFunc) *Server {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 25 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.Logger(logger))
	router.Use(middleware.Metrics(m.HTTPRequestsTotal, m.HTTPRequestDuration))
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	s := &Server{
		router:   router,
		cfg:      cfg,
		service:  svc,
		hub:      hub,
		queue:    q,
		gatherer: gatherer,
		logger:   logger,
	}

	internalAuth := userAuth
	if cfg.InternalToken != "" {
		internalAuth = middleware.InternalAuth(cfg.InternalToken)
	}
	s.setupRoutes(userAuth, internalAuth)
	return s
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるとライブ接続を閉じて停止する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTPサーバーを起動します", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
	case <-ctx.Done():
	}

	// SSEのハンドラを先に終わらせないとShutdownが待ち続ける
	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
	}
	s.logger.Info("HTTPサーバーを停止しました")
	return nil
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes(userAuth, internalAuth gin.HandlerFunc) {
	api := s.router.Group("/api/v1")

	notifications := api.Group("/notifications")
	notifications.Use(userAuth)
	{
		// 通知一覧取得
		notifications.GET("", s.handleList())
		// ライブ配信への参加
		notifications.GET("/stream", s.handleStream())
		// 全通知を既読にする
		notifications.PUT("/read-all", s.handleMarkAllRead())
		// 通知を既読にする
		notifications.PUT("/:id/read", s.handleMarkRead())
		// 通知を一覧から非表示にする
		notifications.DELETE("/:id", s.handleMarkDeleted())
	}

	// 業務サービスと運用者向けの内部API
	internal := api.Group("/internal")
	internal.Use(internalAuth)
	{
		internal.POST("/notifications", s.handleCreate())
		internal.DELETE("/notifications/:id", s.handleSoftDelete())
		internal.PUT("/users", s.handleSyncUsers())
		internal.GET("/queue", s.handleQueueCounts())
		internal.GET("/jobs/failed", s.handleFailedJobs())
		internal.POST("/jobs/:id/retry", s.handleRetryJob())
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notification"})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
}

// writeError はエラーの種類に応じたステータスコードでレスポンスを返す。
func (s *Server) writeError(c *gin.Context, err error, msg string) {
	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error(), "field": ve.Field})
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrNotApplicable):
		c.JSON(http.StatusNotFound, gin.H{"error": "通知が見つかりません"})
	case errors.Is(err, queue.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "ジョブが見つかりません"})
	case errors.Is(err, gateway.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, gateway.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		_ = c.Error(err)
		s.logger.Error(msg, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}

// requireUser は認証済みユーザーIDを返す。取得できない場合は401を返してfalseになる。
func requireUser(c *gin.Context) (string, bool) {
	userID := middleware.GetUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
		return "", false
	}
	return userID, true
}

// queryInt は整数のクエリパラメータを読む。未指定や不正な値の場合はdefを返す。
func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}

// handleList は認証済みユーザーの通知一覧と未読件数を返すハンドラ。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		limit := min(queryInt(c, "limit", defaultListLimit), maxListLimit)
		if limit == 0 {
			limit = defaultListLimit
		}

		res, err := s.service.ListForUser(c.Request.Context(), userID, middleware.GetCompanyID(c), limit, queryInt(c, "offset", 0))
		if err != nil {
			s.writeError(c, err, "通知一覧の取得に失敗しました")
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// handleMarkRead は指定された通知を既読にするハンドラ。
func (s *Server) handleMarkRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		if err := s.service.MarkRead(c.Request.Context(), userID, middleware.GetCompanyID(c), c.Param("id")); err != nil {
			s.writeError(c, err, "通知の既読処理に失敗しました")
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "通知を既読にしました"})
	}
}

// handleMarkAllRead は認証済みユーザーに適用される全通知を既読にするハンドラ。
func (s *Server) handleMarkAllRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		changed, err := s.service.MarkAllRead(c.Request.Context(), userID, middleware.GetCompanyID(c))
		if err != nil {
			s.writeError(c, err, "全通知の既読処理に失敗しました")
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "全通知を既読にしました", "updated": changed})
	}
}

// handleMarkDeleted は通知をユーザーの一覧から非表示にするハンドラ。
func (s *Server) handleMarkDeleted() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		if err := s.service.MarkDeleted(c.Request.Context(), userID, middleware.GetCompanyID(c), c.Param("id")); err != nil {
			s.writeError(c, err, "通知の削除に失敗しました")
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// handleStream はユーザーのライブチャネルに参加し、届いた通知をSSEで送り続けるハンドラ。
// user_id を指定する場合は認証済みユーザーと一致している必要がある。
func (s *Server) handleStream() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := requireUser(c)
		if !ok {
			return
		}
		userID := c.DefaultQuery("user_id", identity)

		conn, err := s.hub.Join(identity, userID, uuid.New().String())
		if err != nil {
			s.writeError(c, err, "ライブ配信への参加に失敗しました")
			return
		}
		defer s.hub.Leave(conn)

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)
		c.Writer.Flush()

		ticker := time.NewTicker(s.cfg.Heartbeat)
		defer ticker.Stop()

		ctx := c.Request.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case p, ok := <-conn.Events():
				if !ok {
					return
				}
				c.SSEvent(event.LiveEventName, p)
				c.Writer.Flush()
			case <-ticker.C:
				if _, err := io.WriteString(c.Writer, ": heartbeat\n\n"); err != nil {
					return
				}
				c.Writer.Flush()
			}
		}
	}
}

// handleCreate は通知を作成するハンドラ。新規作成は201、同じIDの再送は200を返す。
func (s *Server) handleCreate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var in model.CreateInput
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		res, err := s.service.CreateNotification(c.Request.Context(), in, SourceAPI)
		if err != nil {
			s.writeError(c, err, "通知の作成に失敗しました")
			return
		}
		status := http.StatusOK
		if res.Created {
			status = http.StatusCreated
		}
		c.JSON(status, res)
	}
}

// handleSoftDelete は通知を論理削除するハンドラ。
func (s *Server) handleSoftDelete() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.service.SoftDelete(c.Request.Context(), c.Param("id"), c.Query("deleted_by")); err != nil {
			s.writeError(c, err, "通知の削除に失敗しました")
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// syncUsersRequest はユーザーディレクトリ同期のリクエスト。
type syncUsersRequest struct {
	Users []model.User `json:"users" binding:"required"`
}

// handleSyncUsers はユーザーディレクトリを更新するハンドラ。
func (s *Server) handleSyncUsers() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req syncUsersRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		if err := s.service.SyncUsers(c.Request.Context(), req.Users); err != nil {
			s.writeError(c, err, "ユーザーの同期に失敗しました")
			return
		}
		c.JSON(http.StatusOK, gin.H{"synced": len(req.Users)})
	}
}

// handleQueueCounts はキューの状態ごとのジョブ件数を返すハンドラ。
func (s *Server) handleQueueCounts() gin.HandlerFunc {
	return func(c *gin.Context) {
		counts, err := s.queue.Counts(c.Request.Context())
		if err != nil {
			s.writeError(c, err, "キューの状態の取得に失敗しました")
			return
		}
		c.JSON(http.StatusOK, counts)
	}
}

// handleFailedJobs は失敗セットのジョブを新しい順に返すハンドラ。
func (s *Server) handleFailedJobs() gin.HandlerFunc {
	return func(c *gin.Context) {
		jobs, err := s.queue.Failed(c.Request.Context(), queryInt(c, "limit", defaultFailedJobs))
		if err != nil {
			s.writeError(c, err, "失敗ジョブの取得に失敗しました")
			return
		}
		if jobs == nil {
			jobs = []queue.Job{}
		}
		c.JSON(http.StatusOK, gin.H{"jobs": jobs})
	}
}

// handleRetryJob は失敗したジョブを再投入するハンドラ。
func (s *Server) handleRetryJob() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := s.queue.Retry(c.Request.Context(), id); err != nil {
			s.writeError(c, err, "ジョブの再投入に失敗しました")
			return
		}
		s.logger.Info("失敗ジョブを再投入しました", zap.String("job_id", id))
		c.JSON(http.StatusOK, gin.H{"message": "ジョブを再投入しました", "id": id})
	}
}
