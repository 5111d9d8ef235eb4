package realtime

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/nao1215/taskpulse/internal/presence"
	"github.com/nao1215/taskpulse/pkg/protocol"
)

// ErrUserOffline はユーザーにアクティブなセッションが無いことを表す。
var ErrUserOffline = errors.New("ユーザーはオフラインです")

// Emission は1つの送信経路への送信結果。
type Emission struct {
	// Frame は送信したフレームの種類。
	Frame protocol.FrameType
	// Err は送信エラー。成功時はnil。
	Err error
}

// PushResult は1件の通知プッシュの結果。
// 失敗は呼び出し側に例外として伝播させず、この値として明示的に返す。
type PushResult struct {
	// Online は宛先ユーザーのセッションが見つかったかどうか。
	Online bool
	// ConnID は送信先の接続ID。
	ConnID string
	// Emissions は経路ごとの送信結果。
	Emissions []Emission
}

// Delivered はいずれかの経路で送信キューに積めたかどうかを返す。
func (r PushResult) Delivered() bool {
	for _, e := range r.Emissions {
		if e.Err == nil {
			return true
		}
	}
	return false
}

// Err は失敗した経路のエラーをまとめて返す。オフラインの場合はErrUserOffline。
func (r PushResult) Err() error {
	if !r.Online {
		return ErrUserOffline
	}
	var errs []error
	for _, e := range r.Emissions {
		if e.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.Frame, e.Err))
		}
	}
	return errors.Join(errs...)
}

// notificationFrames は1つの通知イベントを展開するワイヤーフォーマット。
// broadcastNotificationは旧クライアント互換のための経路。
var notificationFrames = []protocol.FrameType{
	protocol.FrameNewNotification,
	protocol.FrameBroadcastNotification,
}

// Hub はトランスポートセッションとプレゼンスレジストリを束ね、
// ユーザー宛プッシュとルームブロードキャストを行う。
type Hub struct {
	// registry はユーザーと接続の対応、ルーム参加状態。
	registry *presence.Registry
	// mu はsessionsを保護する。registryとは独立したロック。
	mu sync.RWMutex
	// sessions は接続IDから送信口への対応。
	sessions map[string]Sender
	// metrics はメトリクス。nilでもよい。
	metrics *Metrics
	// log はロガー。
	log *zap.Logger
}

// NewHub は新しいHubを生成する。
func NewHub(registry *presence.Registry, metrics *Metrics, log *zap.Logger) *Hub {
	return &Hub{
		registry: registry,
		sessions: make(map[string]Sender),
		metrics:  metrics,
		log:      log,
	}
}

// Registry はHubが使うプレゼンスレジストリを返す。
func (h *Hub) Registry() *presence.Registry {
	return h.registry
}

// Attach はトランスポート接続時にセッションを登録する。
func (h *Hub) Attach(s Sender) {
	h.mu.Lock()
	h.sessions[s.ID()] = s
	n := len(h.sessions)
	h.mu.Unlock()

	h.metrics.setSessions(n)
}

// Detach はトランスポート切断時にセッションを外し、レジストリからも削除する。
func (h *Hub) Detach(connID string) {
	h.mu.Lock()
	delete(h.sessions, connID)
	n := len(h.sessions)
	h.mu.Unlock()

	userID, removed := h.registry.Unregister(connID)
	if removed {
		h.log.Debug("ユーザーがオフラインになりました", zap.String("user_id", userID), zap.String("conn_id", connID))
	}
	h.metrics.setSessions(n)
	h.metrics.setOnline(h.registry.Online())
}

// Authenticated は認証完了をメトリクスに反映する。
func (h *Hub) Authenticated() {
	h.metrics.setOnline(h.registry.Online())
}

// session は接続IDに対応する送信口を返す。
func (h *Hub) session(connID string) (Sender, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[connID]
	return s, ok
}

// userSession はユーザーの現在のセッションを引く。
// レジストリのロックとセッションマップのロックはそれぞれ短時間だけ取得する。
func (h *Hub) userSession(userID string) (Sender, bool) {
	connID, ok := h.registry.Lookup(userID)
	if !ok {
		return nil, false
	}
	return h.session(connID)
}

// PushNotification は通知をユーザーのセッションへ全経路で送る。
// 各経路の失敗は互いに独立しており、結果はPushResultとして返す。
func (h *Hub) PushNotification(userID string, n protocol.Notification) PushResult {
	s, ok := h.userSession(userID)
	if !ok {
		for _, t := range notificationFrames {
			h.metrics.frame(t, resultOffline)
		}
		return PushResult{Online: false}
	}

	result := PushResult{Online: true, ConnID: s.ID()}
	for _, t := range notificationFrames {
		notification := n
		err := h.emit(s, protocol.Outbound{Type: t, Notification: &notification})
		result.Emissions = append(result.Emissions, Emission{Frame: t, Err: err})
	}
	return result
}

// SendToUser はユーザーのセッションへ1フレームを送る。
func (h *Hub) SendToUser(userID string, frame protocol.Outbound) error {
	s, ok := h.userSession(userID)
	if !ok {
		h.metrics.frame(frame.Type, resultOffline)
		return ErrUserOffline
	}
	return h.emit(s, frame)
}

// Broadcast はルームの全メンバーへフレームを送り、送信キューに積めた数を返す。
// 掃除されずに残っている切断済みメンバーは単に届かないだけで、次の切断イベントで除かれる。
func (h *Hub) Broadcast(roomID string, frame protocol.Outbound) int {
	delivered := 0
	for _, connID := range h.registry.Members(roomID) {
		s, ok := h.session(connID)
		if !ok {
			continue
		}
		if err := h.emit(s, frame); err != nil {
			h.log.Warn("ルームへの送信に失敗",
				zap.String("room_id", roomID),
				zap.String("conn_id", connID),
				zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}

// emit は1経路への送信を行う失敗隔離境界。
// 送信口の実装がpanicしても呼び出し元には伝播させずエラーとして返す。
func (h *Hub) emit(s Sender, frame protocol.Outbound) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("送信中にpanicが発生: %v", r)
		}
		if err != nil {
			h.metrics.frame(frame.Type, resultDropped)
		} else {
			h.metrics.frame(frame.Type, resultDelivered)
		}
	}()
	return s.Send(frame)
}
