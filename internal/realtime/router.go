package realtime

import (
	"context"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nao1215/taskpulse/internal/presence"
	"github.com/nao1215/taskpulse/pkg/protocol"
)

// State は接続ごとの認証状態。
type State int

const (
	// StateConnected はトランスポート接続済みだが未認証の状態。
	StateConnected State = iota
	// StateAuthenticated はauthenticateを受理した状態。切断まで維持される。
	StateAuthenticated
)

// String は状態名を返す。
func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	}
	return "unknown"
}

// ReadMarker は通知ストアの既読化操作。
type ReadMarker interface {
	MarkRead(ctx context.Context, userID, notificationID string) error
}

// TokenVerifier はauthenticateに添付されたトークンを検証し、トークンが示すユーザーIDを返す。
type TokenVerifier func(token string) (string, error)

// Session は1つの物理接続の状態。
// その接続のハンドラgoroutineからのみ触るためロックを持たない。
type Session struct {
	// ID は接続ID。
	ID string
	// UserID は認証済みユーザーID。未認証の間は空。
	UserID string
	// State は認証状態。
	State State
	// sender はこの接続への送信口。
	sender Sender
}

// Router は受信フレームを型付きコマンドに変換し、プレゼンスレジストリに適用する。
type Router struct {
	// hub はセッションとレジストリを束ねたHub。
	hub *Hub
	// store は既読化を委譲する通知ストア。
	store ReadMarker
	// verify はトークン検証関数。nilの場合トークンは要求しない。
	verify TokenVerifier
	// metrics はメトリクス。nilでもよい。
	metrics *Metrics
	// log はロガー。
	log *zap.Logger
}

// RouterOption はRouterの任意設定。
type RouterOption func(*Router)

// WithTokenVerifier はauthenticateでトークン検証を必須にする。
func WithTokenVerifier(v TokenVerifier) RouterOption {
	return func(r *Router) {
		r.verify = v
	}
}

// WithMetrics は受信フレームの計測を有効にする。
func WithMetrics(m *Metrics) RouterOption {
	return func(r *Router) {
		r.metrics = m
	}
}

// NewRouter は新しいRouterを生成する。
func NewRouter(hub *Hub, store ReadMarker, log *zap.Logger, opts ...RouterOption) *Router {
	r := &Router{
		hub:   hub,
		store: store,
		log:   log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open はトランスポート接続を受け入れ、未認証のSessionを返す。
func (r *Router) Open(s Sender) *Session {
	r.hub.Attach(s)
	return &Session{ID: s.ID(), State: StateConnected, sender: s}
}

// Close はトランスポート切断を反映する。どの状態からでも呼べる。
func (r *Router) Close(sess *Session) {
	r.hub.Detach(sess.ID)
}

// Handle は1つの受信フレームを処理する。
// 不正なフレームや未知の種類は応答せずに捨てる（エラーチャネルは存在しない）。
func (r *Router) Handle(ctx context.Context, sess *Session, data []byte) {
	in, err := protocol.DecodeInbound(data)
	if err != nil {
		r.metrics.received("malformed")
		r.log.Debug("不正なフレームを破棄", zap.String("conn_id", sess.ID), zap.Error(err))
		return
	}

	switch in.Type {
	case protocol.FrameAuthenticate:
		r.metrics.received(in.Type)
		r.authenticate(sess, in)
	case protocol.FrameJoinConversation, protocol.FrameLeaveConversation:
		r.metrics.received(in.Type)
		r.room(sess, in)
	case protocol.FrameMarkNotificationRead:
		r.metrics.received(in.Type)
		r.ackRead(ctx, sess, in)
	default:
		r.metrics.received("unknown")
		r.log.Debug("未知のフレームを破棄", zap.String("conn_id", sess.ID), zap.String("type", string(in.Type)))
	}
}

// authenticate はセッションにユーザーIDを結び付ける。
// 認証済みでも再度受け付け、再登録する（再接続を伴わないトークン更新のため）。
func (r *Router) authenticate(sess *Session, in protocol.Inbound) {
	if in.UserID == "" {
		r.log.Debug("userIdの無いauthenticateを破棄", zap.String("conn_id", sess.ID))
		return
	}
	if r.verify != nil {
		tokenUser, err := r.verify(in.Token)
		if err != nil || tokenUser != in.UserID {
			r.log.Warn("authenticateのトークン検証に失敗",
				zap.String("conn_id", sess.ID),
				zap.String("user_id", in.UserID),
				zap.Error(err))
			return
		}
	}

	// 同じ接続が別ユーザーとして名乗り直した場合、旧ユーザーのルーム参加は引き継がない
	if sess.UserID != "" && sess.UserID != in.UserID {
		r.hub.Registry().Unregister(sess.ID)
	}

	prev, replaced := r.hub.Registry().Register(in.UserID, sess.ID)
	if replaced {
		r.log.Info("既存のセッションを置き換えました",
			zap.String("user_id", in.UserID),
			zap.String("prev_conn_id", prev),
			zap.String("conn_id", sess.ID))
	}
	sess.UserID = in.UserID
	sess.State = StateAuthenticated
	r.hub.Authenticated()
}

// room はjoinConversation/leaveConversationを処理する。未認証の場合は無視する。
func (r *Router) room(sess *Session, in protocol.Inbound) {
	if sess.State != StateAuthenticated {
		r.log.Warn("未認証のルーム操作を無視",
			zap.String("conn_id", sess.ID),
			zap.String("type", string(in.Type)))
		return
	}
	if in.ConversationID == "" {
		return
	}

	roomID := presence.RoomForConversation(in.ConversationID)
	if in.Type == protocol.FrameJoinConversation {
		r.hub.Registry().JoinRoom(sess.ID, roomID)
		return
	}
	r.hub.Registry().LeaveRoom(sess.ID, roomID)
}

// ackRead は既読化を通知ストアに委譲し、成功したら確認応答を返す。
// プレゼンス状態は変更しない。
func (r *Router) ackRead(ctx context.Context, sess *Session, in protocol.Inbound) {
	if sess.State != StateAuthenticated {
		r.log.Warn("未認証の既読化を無視", zap.String("conn_id", sess.ID))
		return
	}
	if in.NotificationID == "" {
		return
	}

	if err := r.store.MarkRead(ctx, sess.UserID, in.NotificationID); err != nil {
		r.log.Warn("通知の既読化に失敗",
			zap.String("user_id", sess.UserID),
			zap.String("notification_id", in.NotificationID),
			zap.Error(err))
		return
	}

	if err := r.hub.emit(sess.sender, protocol.NotificationMarkedRead(in.NotificationID)); err != nil {
		r.log.Warn("既読化の確認応答の送信に失敗",
			zap.String("conn_id", sess.ID),
			zap.Error(err))
	}
}

// ServeWS はアップグレード済みのWebSocket接続を1本処理する。切断されるまで戻らない。
func (r *Router) ServeWS(ctx context.Context, ws *websocket.Conn, sendBuffer int) {
	conn := NewConn(uuid.New().String(), ws, sendBuffer, r.log)
	sess := r.Open(conn)
	defer r.Close(sess)

	go conn.writePump()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-conn.Done():
		}
	}()

	conn.readPump(func(data []byte) {
		r.Handle(ctx, sess, data)
	})
}
