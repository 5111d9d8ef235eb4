package notifyclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nao1215/taskpulse/pkg/httpclient"
	"github.com/nao1215/taskpulse/pkg/protocol"
)

const (
	// DefaultReconnectDelay は切断から再接続までの既定の待ち時間。
	DefaultReconnectDelay = 3 * time.Second
	// DefaultHydrateLimit はハイドレーションで取得する既定の件数。
	DefaultHydrateLimit = 50
	// writeWait はフレーム書き込みのタイムアウト。
	writeWait = 10 * time.Second
)

var (
	// ErrNoIdentity はユーザーIDが無い状態でStartしたことを表す。
	ErrNoIdentity = errors.New("ユーザーIDが設定されていません")
	// ErrAlreadyStarted はStart済みのManagerを再度Startしたことを表す。
	ErrAlreadyStarted = errors.New("セッションは既に開始されています")
	// ErrNotConnected はトランスポートが開いていないことを表す。
	ErrNotConnected = errors.New("サーバーに接続していません")
)

// State はクライアントセッションの状態。
type State int

const (
	// StateDisconnected は未接続。再接続待ちもこの状態。
	StateDisconnected State = iota
	// StateConnecting は接続試行中。
	StateConnecting
	// StateOpen はトランスポートが開いたがauthenticateを送る前。
	StateOpen
	// StateAuthenticated はauthenticateを送信済み。
	StateAuthenticated
)

// String は状態名を返す。
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateAuthenticated:
		return "authenticated"
	}
	return "unknown"
}

// Config はManagerの設定。
type Config struct {
	// ServerURL はWebSocketエンドポイントのURL（例: ws://localhost:8085/ws）。
	ServerURL string
	// APIBaseURL は通知REST APIのベースURL（例: http://localhost:8085）。
	APIBaseURL string
	// UserID は認証するユーザーID。
	UserID string
	// Token はauthenticateフレームとREST APIに添付するJWT。空でもよい。
	Token string
	// ReconnectDelay は切断から再接続までの固定の待ち時間。
	ReconnectDelay time.Duration
	// HydrateLimit はハイドレーションで取得する件数。
	HydrateLimit int
}

// Option はManagerの任意設定。
type Option func(*Manager)

// WithLogger はロガーを設定する。
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) {
		m.log = log
	}
}

// WithAlertHandler は新着通知のアラートを受け取るコールバックを設定する。
// ハイドレーション済みの通知の再送ではアラートは出ない。
// コールバックの中からLogoutを呼んでもよい。
func WithAlertHandler(fn func(protocol.Notification)) Option {
	return func(m *Manager) {
		m.onAlert = fn
	}
}

// Manager は1ユーザー分のクライアントセッションを管理する。
// 切断されると固定の待ち時間の後に再接続し、Logoutまで続ける。
type Manager struct {
	// cfg は設定。
	cfg Config
	// cache は通知キャッシュ。
	cache *Cache
	// api は通知REST APIのクライアント。
	api *httpclient.Client
	// dialer はWebSocketのダイアラー。
	dialer *websocket.Dialer
	// log はロガー。
	log *zap.Logger

	// alertMu はonAlertの呼び出しを直列化する。
	alertMu sync.Mutex
	// onAlert は新着通知のコールバック。
	onAlert func(protocol.Notification)
	// callbacks は実行中のコールバックの数。コールバック内のLogoutはループの終了を待たない。
	callbacks atomic.Int32

	// messages はnewMessageの購読者。
	messages observers
	// conversations はconversationUpdatedの購読者。
	conversations observers

	// writeMu はWebSocketへの書き込みを直列化する。
	writeMu sync.Mutex

	mu sync.Mutex
	// state は現在の状態。
	state State
	// conn は開いているWebSocket接続。未接続ならnil。
	conn *websocket.Conn
	// rooms は参加中の会話ID。再接続時に参加し直す。
	rooms map[string]struct{}
	// cancel は接続ループを止める。未開始ならnil。
	cancel context.CancelFunc
	// done は接続ループの終了で閉じられる。
	done chan struct{}
}

// New は新しいManagerを生成する。Startを呼ぶまで接続しない。
func New(cfg Config, opts ...Option) *Manager {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.HydrateLimit <= 0 {
		cfg.HydrateLimit = DefaultHydrateLimit
	}

	var clientOpts []httpclient.Option
	if cfg.Token != "" {
		clientOpts = append(clientOpts, httpclient.WithBearerToken(cfg.Token))
	}

	m := &Manager{
		cfg:    cfg,
		cache:  NewCache(),
		api:    httpclient.New(cfg.APIBaseURL, clientOpts...),
		dialer: websocket.DefaultDialer,
		log:    zap.NewNop(),
		rooms:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Cache は通知キャッシュを返す。
func (m *Manager) Cache() *Cache {
	return m.cache
}

// State は現在の状態を返す。
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Start は接続ループを開始する。接続の成否を待たずに戻る。
func (m *Manager) Start(ctx context.Context) error {
	if m.cfg.UserID == "" {
		return ErrNoIdentity
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)
	return nil
}

// Logout は接続ループを止めてトランスポートを閉じ、ループの終了を待つ。
// 再接続の待機中であればそのタイマーも止まる。キャッシュと参加中の会話は破棄する。
//
// アラートや購読者のコールバックの中から呼ばれた場合は、
// ループがそのコールバックの戻りを待っているため終了を待たずに戻る。
func (m *Manager) Logout() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if m.callbacks.Load() == 0 {
		<-done
	}

	m.mu.Lock()
	m.rooms = make(map[string]struct{})
	m.state = StateDisconnected
	m.mu.Unlock()
	m.cache.Reset()
}

// loop は切断されるたびに固定の待ち時間を置いて再接続する。接続試行は常に1本だけ。
func (m *Manager) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	b := backoff.WithContext(backoff.NewConstantBackOff(m.cfg.ReconnectDelay), ctx)
	for {
		m.setState(StateConnecting)
		err := m.runOnce(ctx)
		m.setState(StateDisconnected)
		if ctx.Err() != nil {
			return
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		m.log.Info("切断されました。再接続します",
			zap.String("user_id", m.cfg.UserID),
			zap.Duration("delay", wait),
			zap.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// runOnce は1回分の接続を張り、切断されるまで受信フレームを処理する。
func (m *Manager) runOnce(ctx context.Context) error {
	conn, _, err := m.dialer.DialContext(ctx, m.cfg.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("WebSocket接続に失敗: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	m.mu.Lock()
	m.conn = conn
	m.state = StateOpen
	rooms := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		rooms = append(rooms, id)
	}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
	}()

	if err := m.write(conn, protocol.Authenticate(m.cfg.UserID, m.cfg.Token)); err != nil {
		return err
	}
	m.setState(StateAuthenticated)

	for _, id := range rooms {
		if err := m.write(conn, protocol.JoinConversation(id)); err != nil {
			return err
		}
	}

	// ハイドレーションの再試行は接続が切れたら打ち切り、次の接続でやり直す
	connCtx, cancelConn := context.WithCancel(ctx)
	hydrated := make(chan struct{})
	go func() {
		defer close(hydrated)
		m.hydrate(connCtx)
	}()
	defer func() { <-hydrated }()
	defer cancelConn()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("受信に失敗: %w", err)
		}
		m.handle(ctx, data)
	}
}

// hydrate は通知一覧をREST APIから取得してキャッシュに反映する。
// 取得に失敗した場合は再接続と同じ間隔で成功するかctxが終わるまで再試行する。
// 保留していたプッシュのうち新着と判定されたものはここでアラートを出す。
func (m *Manager) hydrate(ctx context.Context) {
	var items []protocol.Notification
	path := "/api/v1/notifications?limit=" + strconv.Itoa(m.cfg.HydrateLimit)
	fetch := func() error {
		items = nil
		return m.api.GetJSON(httpclient.WithUserID(ctx, m.cfg.UserID), path, &items)
	}
	retry := backoff.WithContext(backoff.NewConstantBackOff(m.cfg.ReconnectDelay), ctx)
	err := backoff.RetryNotify(fetch, retry, func(err error, wait time.Duration) {
		m.log.Warn("通知一覧の取得に失敗。再試行します",
			zap.String("user_id", m.cfg.UserID),
			zap.Duration("delay", wait),
			zap.Error(err))
	})
	if err != nil {
		return
	}

	for _, n := range m.cache.Hydrate(items) {
		m.alert(ctx, n)
	}
	m.log.Debug("通知一覧を取得しました", zap.Int("count", len(items)))
}

// handle は1つの受信フレームを処理する。
func (m *Manager) handle(ctx context.Context, data []byte) {
	f, err := protocol.DecodeOutbound(data)
	if err != nil {
		m.log.Debug("不正なフレームを破棄", zap.Error(err))
		return
	}

	switch f.Type {
	case protocol.FrameNewNotification, protocol.FrameBroadcastNotification:
		// 同じ通知が2つの形式で届く。2通目は既にキャッシュにあるので何も起きない。
		if f.Notification == nil {
			return
		}
		if m.cache.Push(*f.Notification) {
			m.alert(ctx, *f.Notification)
		}
	case protocol.FrameNotificationMarkedRead:
		m.cache.MarkRead(f.NotificationID)
	case protocol.FrameNewMessage:
		m.callback(func() { m.messages.notify(f.Message) })
	case protocol.FrameConversationUpdated:
		m.callback(func() { m.conversations.notify(f.Conversation) })
	default:
		m.log.Debug("未知のフレームを破棄", zap.String("type", string(f.Type)))
	}
}

// alert はアラートのコールバックを呼ぶ。ログアウト後は呼ばない。
func (m *Manager) alert(ctx context.Context, n protocol.Notification) {
	if m.onAlert == nil || ctx.Err() != nil {
		return
	}
	m.alertMu.Lock()
	defer m.alertMu.Unlock()
	m.callback(func() { m.onAlert(n) })
}

// callback は利用者のコールバックを実行中として数えながらfnを呼ぶ。
func (m *Manager) callback(fn func()) {
	m.callbacks.Add(1)
	defer m.callbacks.Add(-1)
	fn()
}

// write はWebSocketにフレームを1つ書き込む。
func (m *Manager) write(conn *websocket.Conn, frame protocol.Inbound) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("%s の送信に失敗: %w", frame.Type, err)
	}
	return nil
}

// send は開いている接続があればフレームを送る。
func (m *Manager) send(frame protocol.Inbound) error {
	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()
	if conn == nil || state != StateAuthenticated {
		return ErrNotConnected
	}
	return m.write(conn, frame)
}

// OnNewMessage はnewMessageの購読者を登録し、解除関数を返す。
// 解除関数とLogoutはコールバックの中から呼んでもよい。
func (m *Manager) OnNewMessage(fn func(message json.RawMessage)) func() {
	return m.messages.add(fn)
}

// OnConversationUpdated はconversationUpdatedの購読者を登録し、解除関数を返す。
func (m *Manager) OnConversationUpdated(fn func(conversation json.RawMessage)) func() {
	return m.conversations.add(fn)
}

// JoinConversation は会話ルームに参加する。接続していなければ次の接続時に参加する。
func (m *Manager) JoinConversation(conversationID string) error {
	m.mu.Lock()
	m.rooms[conversationID] = struct{}{}
	m.mu.Unlock()

	if err := m.send(protocol.JoinConversation(conversationID)); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// LeaveConversation は会話ルームから退出する。
func (m *Manager) LeaveConversation(conversationID string) error {
	m.mu.Lock()
	delete(m.rooms, conversationID)
	m.mu.Unlock()

	if err := m.send(protocol.LeaveConversation(conversationID)); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// MarkRead は通知を既読にする。キャッシュは即座に更新する。
// 接続中はmarkNotificationReadフレームで、未接続ならREST APIで既読化を依頼する。
func (m *Manager) MarkRead(ctx context.Context, notificationID string) error {
	m.cache.MarkRead(notificationID)

	if err := m.send(protocol.MarkNotificationRead(notificationID)); err == nil {
		return nil
	}
	path := "/api/v1/notifications/" + url.PathEscape(notificationID) + "/read"
	if err := m.api.PutJSON(httpclient.WithUserID(ctx, m.cfg.UserID), path, nil, nil); err != nil {
		return fmt.Errorf("通知 %s の既読化に失敗: %w", notificationID, err)
	}
	return nil
}

// MarkAllRead はすべての通知を既読にする。キャッシュは即座に更新する。
func (m *Manager) MarkAllRead(ctx context.Context) error {
	m.cache.MarkAllRead()

	if err := m.api.PutJSON(httpclient.WithUserID(ctx, m.cfg.UserID), "/api/v1/notifications/read-all", nil, nil); err != nil {
		return fmt.Errorf("全通知の既読化に失敗: %w", err)
	}
	return nil
}
