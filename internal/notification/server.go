package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nao1215/taskpulse/internal/presence"
	"github.com/nao1215/taskpulse/internal/realtime"
	"github.com/nao1215/taskpulse/pkg/event"
	"github.com/nao1215/taskpulse/pkg/middleware"
	"github.com/nao1215/taskpulse/pkg/protocol"
)

const (
	// defaultListLimit は通知一覧のlimit省略時の件数。
	defaultListLimit = 50
	// maxListLimit は通知一覧のlimitの上限。
	maxListLimit = 200
)

// Options はServerの依存と設定。
type Options struct {
	// Port はリッスンポート。
	Port string
	// Store は通知の永続化層。
	Store Store
	// Hub はライブセッションとプレゼンスレジストリ。
	Hub *realtime.Hub
	// Dispatcher はイベントを通知に変換して配信する。
	Dispatcher *Dispatcher
	// Gatherer は/metricsで公開するメトリクスの収集元。nilなら/metricsを登録しない。
	Gatherer prometheus.Gatherer
	// Metrics はWebSocketの受信フレームの計測。nilでもよい。
	Metrics *realtime.Metrics
	// Auth は/api/v1に適用する認証ミドルウェア。
	Auth gin.HandlerFunc
	// AllowedOrigins はCORSとWebSocketのアップグレードで許可するオリジン。
	AllowedOrigins []string
	// SendBuffer はセッションごとの送信キューの長さ。
	SendBuffer int
	// TokenVerifier が非nilの場合、authenticateフレームにトークンを要求する。
	TokenVerifier realtime.TokenVerifier
	// ShutdownTimeout はグレースフルシャットダウンの待ち時間。
	ShutdownTimeout time.Duration
	// Logger はロガー。
	Logger *zap.Logger
}

// Server は通知サービスのHTTPサーバー。
// REST API、WebSocketエンドポイント、業務層から呼ばれる内部APIを提供する。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// store は通知の永続化層。
	store Store
	// hub はライブセッションへの送信口。
	hub *realtime.Hub
	// dispatcher はイベントを通知に変換して配信する。
	dispatcher *Dispatcher
	// wsRouter はWebSocketの受信フレームを処理する。
	wsRouter *realtime.Router
	// upgrader はHTTPをWebSocketに昇格させる。
	upgrader websocket.Upgrader
	// sendBuffer はセッションごとの送信キューの長さ。
	sendBuffer int
	// shutdownTimeout はグレースフルシャットダウンの待ち時間。
	shutdownTimeout time.Duration
	// connCtx はWebSocket接続の寿命。シャットダウンでキャンセルされる。
	connCtx context.Context
	// closeConns はconnCtxをキャンセルする。
	closeConns context.CancelFunc
	// log はロガー。
	log *zap.Logger
}

// NewServer は新しい通知サーバーを生成する。
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	routerOpts := []realtime.RouterOption{realtime.WithMetrics(opts.Metrics)}
	if opts.TokenVerifier != nil {
		routerOpts = append(routerOpts, realtime.WithTokenVerifier(opts.TokenVerifier))
	}

	originAllowed := middleware.OriginAllowed(opts.AllowedOrigins)
	connCtx, closeConns := context.WithCancel(context.Background())

	router := gin.New()
	router.Use(middleware.Recovery(opts.Logger))
	router.Use(gin.Logger())
	router.Use(middleware.CORS(opts.AllowedOrigins))

	s := &Server{
		router:     router,
		port:       opts.Port,
		store:      opts.Store,
		hub:        opts.Hub,
		dispatcher: opts.Dispatcher,
		wsRouter:   realtime.NewRouter(opts.Hub, opts.Store, opts.Logger, routerOpts...),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// ブラウザ以外のクライアントはOriginを付けない
				return origin == "" || originAllowed(origin)
			},
		},
		sendBuffer:      opts.SendBuffer,
		shutdownTimeout: opts.ShutdownTimeout,
		connCtx:         connCtx,
		closeConns:      closeConns,
		log:             opts.Logger,
	}
	s.setupRoutes(opts.Auth, opts.Gatherer)

	return s
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルに停止する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort("", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("通知サーバーを起動します", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.closeConns()
		if err != nil {
			return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info("通知サーバーを停止します")
	// ハイジャック済みのWebSocket接続はShutdownの対象外なので先に閉じる
	s.closeConns()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
	}
	return nil
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes(auth gin.HandlerFunc, gatherer prometheus.Gatherer) {
	api := s.router.Group("/api/v1")
	if auth != nil {
		api.Use(auth)
	}
	{
		notifications := api.Group("/notifications")
		{
			// 通知一覧取得（ハイドレーション）
			notifications.GET("", s.handleList())
			// 未読通知一覧取得
			notifications.GET("/unread", s.handleListUnread())
			// 未読件数取得
			notifications.GET("/unread-count", s.handleUnreadCount())
			// 通知を既読にする
			notifications.PUT("/:id/read", s.handleMarkAsRead())
			// 全通知を既読にする
			notifications.PUT("/read-all", s.handleMarkAllAsRead())
		}

		// 業務層から呼び出される内部API
		internal := api.Group("/internal")
		{
			internal.POST("/events", s.handleDispatch())
			internal.POST("/conversations/:id/messages", s.handleConversationBroadcast(protocol.NewMessage))
			internal.POST("/conversations/:id/updated", s.handleConversationBroadcast(protocol.ConversationUpdated))
		}
	}

	s.router.GET("/ws", s.handleWebSocket())

	if gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "notification",
			"online":  s.hub.Registry().Online(),
		})
	})
}

// handleWebSocket はWebSocket接続を受け付けるハンドラ。
// 認証はトランスポート層ではなくauthenticateフレームで行う。
func (s *Server) handleWebSocket() gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgradeが既にエラーレスポンスを書いている
			s.log.Debug("WebSocketへのアップグレードに失敗", zap.Error(err))
			return
		}
		s.wsRouter.ServeWS(s.connCtx, ws, s.sendBuffer)
	}
}

// requireUserID は認証済みユーザーIDを取得する。取得できない場合は401を書いて空文字を返す。
func requireUserID(c *gin.Context) string {
	userID := middleware.GetUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
	}
	return userID
}

// parsePaging はlimitとoffsetのクエリパラメータを解釈する。
func parsePaging(c *gin.Context) (limit, offset int, err error) {
	limit = defaultListLimit
	if v := c.Query("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return 0, 0, fmt.Errorf("limitが不正です: %q", v)
		}
		limit = min(limit, maxListLimit)
	}
	if v := c.Query("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("offsetが不正です: %q", v)
		}
	}
	return limit, offset, nil
}

// handleList は認証済みユーザーの通知一覧を新しい順に返すハンドラ。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := requireUserID(c)
		if userID == "" {
			return
		}

		limit, offset, err := parsePaging(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		notifications, err := s.store.ListByUser(c.Request.Context(), userID, limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知一覧の取得に失敗しました"})
			s.log.Error("通知一覧取得エラー", zap.String("user_id", userID), zap.Error(err))
			return
		}

		c.JSON(http.StatusOK, notifications)
	}
}

// handleListUnread は認証済みユーザーの未読通知を新しい順に返すハンドラ。
func (s *Server) handleListUnread() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := requireUserID(c)
		if userID == "" {
			return
		}

		notifications, err := s.store.ListUnread(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "未読通知の取得に失敗しました"})
			s.log.Error("未読通知取得エラー", zap.String("user_id", userID), zap.Error(err))
			return
		}

		c.JSON(http.StatusOK, notifications)
	}
}

// handleUnreadCount は認証済みユーザーの未読件数を返すハンドラ。
func (s *Server) handleUnreadCount() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := requireUserID(c)
		if userID == "" {
			return
		}

		count, err := s.store.CountUnread(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "未読件数の取得に失敗しました"})
			s.log.Error("未読件数取得エラー", zap.String("user_id", userID), zap.Error(err))
			return
		}

		c.JSON(http.StatusOK, gin.H{"count": count})
	}
}

// handleMarkAsRead は指定された通知を既読にするハンドラ。
// 成功した場合、ユーザーのライブセッションにもnotificationMarkedReadを送る。
func (s *Server) handleMarkAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := requireUserID(c)
		if userID == "" {
			return
		}

		notificationID := c.Param("id")
		err := s.store.MarkRead(c.Request.Context(), userID, notificationID)
		switch {
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "通知が見つかりません"})
			return
		case errors.Is(err, ErrForbidden):
			c.JSON(http.StatusForbidden, gin.H{"error": "この通知を操作する権限がありません"})
			return
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の既読処理に失敗しました"})
			s.log.Error("通知既読処理エラー",
				zap.String("user_id", userID),
				zap.String("notification_id", notificationID),
				zap.Error(err))
			return
		}

		if err := s.hub.SendToUser(userID, protocol.NotificationMarkedRead(notificationID)); err != nil && !errors.Is(err, realtime.ErrUserOffline) {
			s.log.Warn("既読化の通知に失敗", zap.String("user_id", userID), zap.Error(err))
		}

		c.JSON(http.StatusOK, gin.H{"message": "通知を既読にしました", "id": notificationID})
	}
}

// handleMarkAllAsRead は認証済みユーザーの全通知を既読にするハンドラ。
func (s *Server) handleMarkAllAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := requireUserID(c)
		if userID == "" {
			return
		}

		updated, err := s.store.MarkAllRead(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "全通知の既読処理に失敗しました"})
			s.log.Error("全通知既読処理エラー", zap.String("user_id", userID), zap.Error(err))
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "全通知を既読にしました", "updated": updated})
	}
}

// handleDispatch はドメインイベントを受け取り、通知として保存・配信するハンドラ。
// 宛先ユーザーがオフラインでも保存に成功すれば201を返す。
func (s *Server) handleDispatch() gin.HandlerFunc {
	return func(c *gin.Context) {
		var ev event.Event
		if err := c.ShouldBindJSON(&ev); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		n, err := s.dispatcher.Dispatch(c.Request.Context(), ev)
		if errors.Is(err, event.ErrInvalid) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の作成に失敗しました"})
			s.log.Error("通知作成エラー",
				zap.String("event_type", string(ev.EventType)),
				zap.String("recipient_id", ev.RecipientID),
				zap.Error(err))
			return
		}

		c.JSON(http.StatusCreated, n)
	}
}

// handleConversationBroadcast は会話ルームの参加者全員へフレームを送るハンドラ。
// リクエストボディのJSONをそのままフレームのペイロードにする。
func (s *Server) handleConversationBroadcast(build func(json.RawMessage) protocol.Outbound) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil || !json.Valid(body) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ボディはJSONである必要があります"})
			return
		}

		room := presence.RoomForConversation(c.Param("id"))
		delivered := s.hub.Broadcast(room, build(json.RawMessage(body)))

		c.JSON(http.StatusAccepted, gin.H{"room": room, "delivered": delivered})
	}
}
