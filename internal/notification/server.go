package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/nao1215/marketplace/internal/config"
	notificationdb "github.com/nao1215/marketplace/internal/notification/db"
	"github.com/nao1215/marketplace/pkg/event"
	"github.com/nao1215/marketplace/pkg/middleware"
)

// Server は通知サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// jwtSecret はJWT検証用の秘密鍵。
	jwtSecret string
	// store は通知ストア。
	store *notificationdb.SQLStore
	// registry はライブ接続の登録表。
	registry *Registry
	// dispatcher はイベントを通知に変換して配信する。
	dispatcher *Dispatcher
	// broadcaster は全接続への一斉送信を行う。
	broadcaster *Broadcaster
	// sessions はSSE/WebSocketセッションの共通処理。
	sessions *session
	// streams はストリーミング接続全体の生存期間。停止時にキャンセルする。
	streams     context.Context
	stopStreams context.CancelFunc
	// upgrader はWebSocketへのアップグレードを行う。
	upgrader websocket.Upgrader
	// validator は内部APIで受け取るEnvelopeを検証する。
	validator *envelopeValidator
	// promRegistry はこのサーバー専用のPrometheusレジストリ。
	promRegistry *prometheus.Registry
	// redis はデッドレター用のRedisクライアント（未設定ならnil）。
	redis *redis.Client
	// replayer はデッドレターの再投入ループ（未設定ならnil）。
	replayer *Replayer
	// nats はイベント取り込み用のNATS接続（未設定ならnil）。
	nats *nats.Conn
	// subscriber はNATSからのイベント購読（未設定ならnil）。
	subscriber *Subscriber
	log        logrus.FieldLogger
}

// NewServer は設定に従って通知サーバーを組み立てる。
// ストアへの接続とマイグレーション、Redis・NATSが設定されていればその接続も行う。
func NewServer(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (*Server, error) {
	store, err := notificationdb.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, log)
	if err != nil {
		return nil, fmt.Errorf("通知ストアの初期化に失敗: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := NewMetrics(promRegistry)
	registry := NewRegistry(log, metrics)

	streams, stopStreams := context.WithCancel(context.Background())
	s := &Server{
		streams:      streams,
		stopStreams:  stopStreams,
		port:         cfg.Port,
		jwtSecret:    cfg.JWTSecret,
		store:        store,
		registry:     registry,
		broadcaster:  NewBroadcaster(registry, log, metrics),
		validator:    newEnvelopeValidator(),
		promRegistry: promRegistry,
		log:          log.WithField("component", "server"),
		sessions: &session{
			registry:  registry,
			heartbeat: cfg.HeartbeatInterval,
			buffer:    cfg.ChannelBuffer,
			log:       log.WithField("component", "session"),
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     allowOrigin(cfg.FrontendURL),
		},
	}

	opts := []DispatcherOption{
		WithRetry(cfg.StoreRetries, cfg.StoreRetryBackoff),
		WithMetrics(metrics),
	}
	if cfg.RedisAddr != "" {
		s.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := s.redis.Ping(ctx).Err(); err != nil {
			s.Close()
			return nil, fmt.Errorf("Redisへの接続に失敗: %w", err)
		}
		deadLetter := NewRedisDeadLetter(s.redis, cfg.DeadLetterKey)
		opts = append(opts, WithDeadLetter(deadLetter))
		s.replayer = NewReplayer(deadLetter, store, cfg.DeadLetterReplayInterval, cfg.DeadLetterMaxAttempts, log, metrics)
	}
	s.dispatcher = NewDispatcher(store, registry, log, opts...)

	if cfg.NATSURL != "" {
		s.nats, err = nats.Connect(cfg.NATSURL, nats.Name("notification"))
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("NATSへの接続に失敗: %w", err)
		}
		s.subscriber = NewSubscriber(s.nats, cfg.NATSSubject, s.dispatcher, log, metrics)
	}

	router := gin.New()
	router.Use(middleware.Recovery(log))
	router.Use(middleware.Logger(log))
	router.Use(middleware.CORS(cfg.FrontendURL))
	s.router = router
	s.setupRoutes()

	return s, nil
}

// allowOrigin はWebSocketのOriginチェック関数を返す。
// Originヘッダーの無いクライアント（ネイティブアプリ等）とフロントエンドのオリジンを許可する。
func allowOrigin(frontendURL string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || origin == frontendURL
	}
}

// Dispatcher はイベント発行側が使うディスパッチャを返す。
func (s *Server) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start はバックグラウンド処理（デッドレター再投入、イベント購読）を開始する。
func (s *Server) Start(ctx context.Context) error {
	if s.replayer != nil {
		s.replayer.Start(ctx)
	}
	if s.subscriber != nil {
		if err := s.subscriber.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルに停止する。
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("port", s.port).Info("通知サービスを起動しました")
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

	s.log.Info("通知サービスを停止しています")
	// ストリーミング接続を先に閉じないとShutdownがアイドル待ちで止まる
	s.closeStreams()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
	}
	return nil
}

// closeStreams はすべてのストリーミング接続を終了させる。
// この後に確立しようとしたセッションもすぐに終了する。
func (s *Server) closeStreams() {
	s.stopStreams()
	s.registry.CloseAll()
}

// streamContext はリクエストとサーバーの両方の終了で終わるセッション用のコンテキストを返す。
func (s *Server) streamContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(s.streams, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Close はバックグラウンド処理と外部接続をすべて閉じる。
func (s *Server) Close() {
	if s.subscriber != nil {
		if err := s.subscriber.Stop(); err != nil {
			s.log.WithError(err).Warn("イベント購読の停止に失敗しました")
		}
	}
	if s.nats != nil {
		s.nats.Close()
	}
	if s.replayer != nil {
		s.replayer.Stop()
	}
	if s.registry != nil {
		s.closeStreams()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.log.WithError(err).Warn("Redis接続のクローズに失敗しました")
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.log.WithError(err).Warn("データベース接続のクローズに失敗しました")
		}
	}
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(s.jwtSecret))
	{
		notifications := api.Group("/notifications")
		{
			notifications.GET("", s.handleList())
			notifications.GET("/unread", s.handleListUnread())
			notifications.GET("/unread/count", s.handleCountUnread())
			notifications.PUT("/:id/read", s.handleMarkAsRead())
			notifications.PUT("/read-all", s.handleMarkAllAsRead())
			// ライブ配信
			notifications.GET("/stream", s.handleStream())
			notifications.GET("/ws", s.handleWebSocket())
		}

		// 内部API（イベント発行側のサービスと運用者向け）
		internal := api.Group("/internal")
		internal.Use(middleware.RequireRole("admin", "service"))
		{
			internal.POST("/dispatch", s.handleDispatch())
			internal.POST("/broadcast", s.handleBroadcast())
		}
	}

	s.router.GET("/health", s.handleHealth())
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{})))
}

// handleHealth はストアの疎通と接続数を返すハンドラ。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "service": "notification"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"service":     "notification",
			"connections": s.registry.Len(),
		})
	}
}

// requireUserID は認証済みユーザーIDを返す。取得できなければ401を返してfalseになる。
func requireUserID(c *gin.Context) (string, bool) {
	userID := middleware.GetUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
		return "", false
	}
	return userID, true
}

// parsePage はlimit, offsetクエリを解析する。
func parsePage(c *gin.Context) (notificationdb.Page, error) {
	var page notificationdb.Page
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			return page, fmt.Errorf("limitが不正です: %q", v)
		}
		page.Limit = limit
	}
	if v := c.Query("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			return page, fmt.Errorf("offsetが不正です: %q", v)
		}
		page.Offset = offset
	}
	return page, nil
}

// handleList は認証済みユーザーの通知一覧を返すハンドラ。
// type, is_read, limit, offsetクエリで絞り込める。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUserID(c)
		if !ok {
			return
		}

		filter := notificationdb.Filter{UserID: userID}
		if v := c.Query("type"); v != "" {
			typ := event.Type(v)
			if !typ.Valid() {
				c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("未知の通知種別です: %s", v)})
				return
			}
			filter.Type = typ
		}
		if v := c.Query("is_read"); v != "" {
			isRead, err := strconv.ParseBool(v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("is_readが不正です: %q", v)})
				return
			}
			filter.IsRead = &isRead
		}
		page, err := parsePage(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		notifications, err := s.store.Query(c.Request.Context(), filter, page)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知一覧の取得に失敗しました"})
			s.log.WithError(err).Error("通知一覧取得エラー")
			return
		}
		c.JSON(http.StatusOK, notifications)
	}
}

// handleListUnread は認証済みユーザーの未読通知一覧を返すハンドラ。
func (s *Server) handleListUnread() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUserID(c)
		if !ok {
			return
		}
		page, err := parsePage(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		unread := false
		notifications, err := s.store.Query(c.Request.Context(), notificationdb.Filter{UserID: userID, IsRead: &unread}, page)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "未読通知一覧の取得に失敗しました"})
			s.log.WithError(err).Error("未読通知一覧取得エラー")
			return
		}
		c.JSON(http.StatusOK, notifications)
	}
}

// handleCountUnread は未読通知数を返すハンドラ。
func (s *Server) handleCountUnread() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUserID(c)
		if !ok {
			return
		}

		count, err := s.store.CountUnread(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "未読件数の取得に失敗しました"})
			s.log.WithError(err).Error("未読件数取得エラー")
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": count})
	}
}

// handleMarkAsRead は指定された通知を既読にするハンドラ。
// 他ユーザーの通知は存在しないものとして404を返す。
func (s *Server) handleMarkAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUserID(c)
		if !ok {
			return
		}

		err := s.store.MarkAsRead(c.Request.Context(), c.Param("id"), userID)
		if errors.Is(err, notificationdb.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "通知が見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の既読処理に失敗しました"})
			s.log.WithError(err).Error("通知既読処理エラー")
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "通知を既読にしました"})
	}
}

// handleMarkAllAsRead は認証済みユーザーの全通知を既読にするハンドラ。
func (s *Server) handleMarkAllAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUserID(c)
		if !ok {
			return
		}

		updated, err := s.store.MarkAllAsRead(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "全通知の既読処理に失敗しました"})
			s.log.WithError(err).Error("全通知既読処理エラー")
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "全通知を既読にしました", "updated": updated})
	}
}

// handleStream はServer-Sent Eventsでライブ配信するハンドラ。
// 同じユーザーの既存セッションは新しいセッションに置き換えられる。
func (s *Server) handleStream() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUserID(c)
		if !ok {
			return
		}
		w := newSSEWriter(c)
		if err := w.rc.Flush(); err != nil {
			s.log.WithError(err).Warn("SSEヘッダーの送信に失敗しました")
			return
		}
		ctx, cancel := s.streamContext(c.Request.Context())
		defer cancel()
		s.sessions.run(ctx, userID, "sse", w)
	}
}

// handleWebSocket はWebSocketでライブ配信するハンドラ。
func (s *Server) handleWebSocket() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUserID(c)
		if !ok {
			return
		}

		conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgradeがエラーレスポンスを書き込み済み
			s.log.WithError(err).Warn("WebSocketへのアップグレードに失敗しました")
			return
		}
		defer conn.Close()

		ctx, cancel := s.streamContext(c.Request.Context())
		defer cancel()
		go readUntilClosed(conn, s.sessions.heartbeat, cancel)

		s.sessions.run(ctx, userID, "websocket", &wsWriter{conn: conn})
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
	}
}

// handleDispatch はイベントを受け取り、通知先ごとに配信する内部APIハンドラ。
// 配信の失敗はレスポンスに影響しない。
func (s *Server) handleDispatch() gin.HandlerFunc {
	return func(c *gin.Context) {
		var env event.Envelope
		if err := c.ShouldBindJSON(&env); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		if err := s.validator.check(&env); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		notifications := s.dispatcher.DispatchAll(c.Request.Context(), env.Type, env.Recipients)
		ids := make([]string, 0, len(notifications))
		for _, n := range notifications {
			ids = append(ids, n.ID)
		}
		c.JSON(http.StatusAccepted, gin.H{"ids": ids})
	}
}

// broadcastRequest は一斉送信リクエストのJSON構造。
type broadcastRequest struct {
	// Message はクライアントにそのまま送るJSONオブジェクト。
	Message map[string]any `json:"message" binding:"required"`
	// ExcludeUserID は送信対象から除くユーザーID。
	ExcludeUserID string `json:"excludeUserId"`
}

// handleBroadcast は全接続に一時的なメッセージを送る内部APIハンドラ。
func (s *Server) handleBroadcast() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req broadcastRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		result, err := s.broadcaster.Broadcast(req.Message, req.ExcludeUserID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}
