package realtime

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/nao1215/taskpulse/internal/presence"
	"github.com/nao1215/taskpulse/pkg/protocol"
)

// fakeSender はテスト用の送信口。送信されたフレームを記録する。
type fakeSender struct {
	id string
	// fail が非nilの場合、指定したフレーム種別の送信でそのエラーを返す。
	fail map[protocol.FrameType]error
	// panicOn が指定されている場合、そのフレーム種別の送信でpanicする。
	panicOn protocol.FrameType

	mu     sync.Mutex
	frames []protocol.Outbound
	closed bool
}

func newFakeSender(id string) *fakeSender {
	return &fakeSender{id: id}
}

func (f *fakeSender) ID() string { return f.id }

func (f *fakeSender) Send(frame protocol.Outbound) error {
	if f.panicOn != "" && frame.Type == f.panicOn {
		panic("送信口が壊れています")
	}
	if err := f.fail[frame.Type]; err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSender) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSender) sent() []protocol.Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Outbound, len(f.frames))
	copy(out, f.frames)
	return out
}

// newTestHub はテスト用のHubを生成する。
func newTestHub(t *testing.T) *Hub {
	t.Helper()
	return NewHub(presence.NewRegistry(), NewMetrics(prometheus.NewRegistry()), zap.NewNop())
}

func testNotification(id, userID string) protocol.Notification {
	return protocol.Notification{
		ID:        id,
		UserID:    userID,
		Type:      protocol.NotificationTaskCreated,
		Title:     "タスクが作成されました",
		Status:    protocol.StatusUnread,
		CreatedAt: time.Now().UTC(),
	}
}

// TestPushNotification はユーザー宛プッシュを検証する。
func TestPushNotification(t *testing.T) {
	t.Parallel()

	t.Run("オンラインのユーザーへ2経路で送信される", func(t *testing.T) {
		t.Parallel()
		h := newTestHub(t)
		s := newFakeSender("conn-a")
		h.Attach(s)
		h.Registry().Register("user-1", "conn-a")

		result := h.PushNotification("user-1", testNotification("notif-1", "user-1"))

		if !result.Online || !result.Delivered() {
			t.Fatalf("result = %+v, want online and delivered", result)
		}
		if err := result.Err(); err != nil {
			t.Errorf("Err() = %v, want nil", err)
		}
		frames := s.sent()
		if len(frames) != 2 {
			t.Fatalf("送信フレーム数 = %d, want 2", len(frames))
		}
		if frames[0].Type != protocol.FrameNewNotification || frames[1].Type != protocol.FrameBroadcastNotification {
			t.Errorf("フレーム種別 = [%s %s]", frames[0].Type, frames[1].Type)
		}
		for _, f := range frames {
			if f.Notification == nil || f.Notification.ID != "notif-1" {
				t.Errorf("通知ペイロード = %+v, want id notif-1", f.Notification)
			}
		}
	})

	t.Run("オフラインのユーザーはOnline=falseでエラーはErrUserOffline", func(t *testing.T) {
		t.Parallel()
		h := newTestHub(t)

		result := h.PushNotification("user-1", testNotification("notif-1", "user-1"))

		if result.Online || result.Delivered() {
			t.Errorf("result = %+v, want offline", result)
		}
		if !errors.Is(result.Err(), ErrUserOffline) {
			t.Errorf("Err() = %v, want ErrUserOffline", result.Err())
		}
	})

	t.Run("片方の経路の失敗はもう片方に影響しない", func(t *testing.T) {
		t.Parallel()
		h := newTestHub(t)
		s := newFakeSender("conn-a")
		s.fail = map[protocol.FrameType]error{protocol.FrameNewNotification: ErrSendBufferFull}
		h.Attach(s)
		h.Registry().Register("user-1", "conn-a")

		result := h.PushNotification("user-1", testNotification("notif-1", "user-1"))

		if !result.Delivered() {
			t.Error("broadcastNotificationは送信されるべき")
		}
		if !errors.Is(result.Err(), ErrSendBufferFull) {
			t.Errorf("Err() = %v, want ErrSendBufferFull", result.Err())
		}
		if frames := s.sent(); len(frames) != 1 || frames[0].Type != protocol.FrameBroadcastNotification {
			t.Errorf("送信フレーム = %+v", frames)
		}
	})

	t.Run("送信口のpanicはエラーとして隔離される", func(t *testing.T) {
		t.Parallel()
		h := newTestHub(t)
		s := newFakeSender("conn-a")
		s.panicOn = protocol.FrameNewNotification
		h.Attach(s)
		h.Registry().Register("user-1", "conn-a")

		result := h.PushNotification("user-1", testNotification("notif-1", "user-1"))

		if result.Emissions[0].Err == nil {
			t.Error("panicした経路のエラーが記録されていない")
		}
		if result.Emissions[1].Err != nil {
			t.Errorf("2経路目のエラー = %v, want nil", result.Emissions[1].Err)
		}
	})

	t.Run("置き換えられた古い接続には送信されない", func(t *testing.T) {
		t.Parallel()
		h := newTestHub(t)
		oldConn := newFakeSender("conn-a")
		newConn := newFakeSender("conn-b")
		h.Attach(oldConn)
		h.Attach(newConn)
		h.Registry().Register("user-1", "conn-a")
		h.Registry().Register("user-1", "conn-b")

		h.PushNotification("user-1", testNotification("notif-1", "user-1"))

		if len(oldConn.sent()) != 0 {
			t.Error("古い接続に送信された")
		}
		if len(newConn.sent()) != 2 {
			t.Errorf("新しい接続への送信数 = %d, want 2", len(newConn.sent()))
		}
	})
}

// TestBroadcast はルームブロードキャストを検証する。
func TestBroadcast(t *testing.T) {
	t.Parallel()

	t.Run("ルームの全メンバーに届く", func(t *testing.T) {
		t.Parallel()
		h := newTestHub(t)
		a, b, c := newFakeSender("conn-a"), newFakeSender("conn-b"), newFakeSender("conn-c")
		h.Attach(a)
		h.Attach(b)
		h.Attach(c)
		room := presence.RoomForConversation("conv-1")
		h.Registry().JoinRoom("conn-a", room)
		h.Registry().JoinRoom("conn-b", room)

		n := h.Broadcast(room, protocol.NewMessage([]byte(`{"text":"hi"}`)))

		if n != 2 {
			t.Errorf("Broadcast() = %d, want 2", n)
		}
		if len(a.sent()) != 1 || len(b.sent()) != 1 || len(c.sent()) != 0 {
			t.Errorf("送信数 a=%d b=%d c=%d", len(a.sent()), len(b.sent()), len(c.sent()))
		}
	})

	t.Run("送信口の無いメンバーは単に届かない", func(t *testing.T) {
		t.Parallel()
		h := newTestHub(t)
		a := newFakeSender("conn-a")
		h.Attach(a)
		room := presence.RoomForConversation("conv-1")
		h.Registry().JoinRoom("conn-a", room)
		h.Registry().JoinRoom("conn-gone", room)

		if n := h.Broadcast(room, protocol.NewMessage([]byte(`{}`))); n != 1 {
			t.Errorf("Broadcast() = %d, want 1", n)
		}
	})

	t.Run("失敗したメンバーは数えられない", func(t *testing.T) {
		t.Parallel()
		h := newTestHub(t)
		a := newFakeSender("conn-a")
		a.fail = map[protocol.FrameType]error{protocol.FrameConversationUpdated: ErrConnClosed}
		h.Attach(a)
		room := presence.RoomForConversation("conv-1")
		h.Registry().JoinRoom("conn-a", room)

		if n := h.Broadcast(room, protocol.ConversationUpdated([]byte(`{}`))); n != 0 {
			t.Errorf("Broadcast() = %d, want 0", n)
		}
	})
}

// TestDetach は切断時の後片付けを検証する。
func TestDetach(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	h.Attach(newFakeSender("conn-a"))
	h.Registry().Register("user-1", "conn-a")

	h.Detach("conn-a")

	if _, ok := h.Registry().Lookup("user-1"); ok {
		t.Error("切断後もユーザーがオンライン")
	}
	if err := h.SendToUser("user-1", protocol.NotificationMarkedRead("n")); !errors.Is(err, ErrUserOffline) {
		t.Errorf("SendToUser() = %v, want ErrUserOffline", err)
	}
}
