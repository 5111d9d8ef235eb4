package notification

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/nao1215/taskpulse/internal/presence"
	"github.com/nao1215/taskpulse/internal/realtime"
	"github.com/nao1215/taskpulse/pkg/event"
	"github.com/nao1215/taskpulse/pkg/middleware"
	"github.com/nao1215/taskpulse/pkg/protocol"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testEnv はテスト用に組み立てたサーバーと依存。
type testEnv struct {
	server *Server
	store  Store
	hub    *realtime.Hub
}

// setupTestServer はテスト用の通知サーバーをインメモリSQLiteで構築する。
// JWTミドルウェアの代わりにX-User-IDヘッダーで認証する。
func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	return setupTestServerWithStore(t, newTestStore(t))
}

// setupTestServerWithStore は任意のStoreで通知サーバーを構築する。
func setupTestServerWithStore(t *testing.T, store Store) *testEnv {
	t.Helper()

	reg := prometheus.NewRegistry()
	metrics := realtime.NewMetrics(reg)
	hub := realtime.NewHub(presence.NewRegistry(), metrics, zap.NewNop())
	s := NewServer(Options{
		Port:       "0",
		Store:      store,
		Hub:        hub,
		Dispatcher: NewDispatcher(store, hub, zap.NewNop()),
		Gatherer:   reg,
		Metrics:    metrics,
		Auth:       middleware.HeaderAuth(),
		SendBuffer: 8,
		Logger:     zap.NewNop(),
	})
	t.Cleanup(s.closeConns)

	return &testEnv{server: s, store: store, hub: hub}
}

// doRequest はテスト用のHTTPリクエストを実行し、レスポンスを返すヘルパー関数。
func doRequest(h http.Handler, method, path, userID string, body any) *httptest.ResponseRecorder {
	var reqBody *bytes.Reader
	switch b := body.(type) {
	case nil:
		reqBody = bytes.NewReader(nil)
	case string:
		reqBody = bytes.NewReader([]byte(b))
	default:
		jsonBytes, _ := json.Marshal(b)
		reqBody = bytes.NewReader(jsonBytes)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// decode はレスポンスボディをデコードするヘルパー関数。
func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("JSONのデコードに失敗: %v, body=%s", err, w.Body.String())
	}
	return v
}

// dialAuthenticated はWebSocketで接続してauthenticateを送り、レジストリへの反映を待つ。
func dialAuthenticated(t *testing.T, env *testEnv, baseURL, userID string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(baseURL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := conn.WriteJSON(protocol.Authenticate(userID, "")); err != nil {
		t.Fatalf("authenticateの送信に失敗: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := env.hub.Registry().Lookup(userID); ok {
			return conn
		}
		if time.Now().After(deadline) {
			t.Fatal("authenticateが反映されなかった")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// readFrame はWebSocketから1フレームを読む。
func readFrame(t *testing.T, conn *websocket.Conn) protocol.Outbound {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f protocol.Outbound
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("フレームの受信に失敗: %v", err)
	}
	return f
}

func dispatchBody(recipient string) event.Event {
	return event.Event{
		EventType:   event.TypeTaskAssigned,
		TaskID:      "task-1",
		RecipientID: recipient,
		Title:       "タスクが割り当てられました",
		Message:     "レビューをお願いします",
	}
}

// TestHealthCheck はヘルスチェックエンドポイントの正常動作を検証する。
func TestHealthCheck(t *testing.T) {
	t.Parallel()
	env := setupTestServer(t)

	w := doRequest(env.server.Handler(), http.MethodGet, "/health", "", nil)

	if w.Code != http.StatusOK {
		t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
	}
	result := decode[map[string]any](t, w)
	if result["status"] != "ok" || result["service"] != "notification" {
		t.Errorf("レスポンス = %v", result)
	}
}

// TestMetrics は/metricsがPrometheus形式で公開されることを検証する。
func TestMetrics(t *testing.T) {
	t.Parallel()
	env := setupTestServer(t)

	// 1件プッシュしてカウンタを作る
	doRequest(env.server.Handler(), http.MethodPost, "/api/v1/internal/events", "svc", dispatchBody("user-1"))

	w := doRequest(env.server.Handler(), http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "taskpulse_realtime_outbound_frames_total") {
		t.Errorf("メトリクスにoutbound_frames_totalが含まれない: %s", w.Body.String())
	}
}

// TestDispatchOnlineUser は接続中のユーザーに通知が1回だけ届くことを検証する。
func TestDispatchOnlineUser(t *testing.T) {
	t.Parallel()
	env := setupTestServer(t)
	ts := httptest.NewServer(env.server.Handler())
	t.Cleanup(ts.Close)

	conn := dialAuthenticated(t, env, ts.URL, "user-1")

	w := doRequest(env.server.Handler(), http.MethodPost, "/api/v1/internal/events", "svc", dispatchBody("user-1"))
	if w.Code != http.StatusCreated {
		t.Fatalf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusCreated, w.Body.String())
	}
	created := decode[protocol.Notification](t, w)

	first := readFrame(t, conn)
	second := readFrame(t, conn)
	if first.Type != protocol.FrameNewNotification || second.Type != protocol.FrameBroadcastNotification {
		t.Fatalf("フレーム種別 = [%s %s]", first.Type, second.Type)
	}
	for _, f := range []protocol.Outbound{first, second} {
		if f.Notification == nil || f.Notification.ID != created.ID {
			t.Errorf("通知ペイロード = %+v, want id %s", f.Notification, created.ID)
		}
	}

	// それ以上のnewNotificationは届かない
	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var extra protocol.Outbound
	if err := conn.ReadJSON(&extra); err == nil {
		t.Errorf("余分なフレームを受信: %+v", extra)
	}
}

// TestDispatchOfflineUser はオフラインのユーザー宛ての通知が保存されエラーにならないことを検証する。
func TestDispatchOfflineUser(t *testing.T) {
	t.Parallel()
	env := setupTestServer(t)
	h := env.server.Handler()

	w := doRequest(h, http.MethodPost, "/api/v1/internal/events", "svc", dispatchBody("user-offline"))
	if w.Code != http.StatusCreated {
		t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusCreated)
	}
	created := decode[protocol.Notification](t, w)

	w = doRequest(h, http.MethodGet, "/api/v1/notifications", "user-offline", nil)
	list := decode[[]protocol.Notification](t, w)
	if len(list) != 1 || list[0].ID != created.ID || !list[0].Unread() {
		t.Errorf("通知一覧 = %+v", list)
	}
}

// TestDispatchInvalidEvent は不正なイベントが400になることを検証する。
func TestDispatchInvalidEvent(t *testing.T) {
	t.Parallel()
	env := setupTestServer(t)
	h := env.server.Handler()

	tests := []struct {
		name string
		body any
	}{
		{name: "JSONではない", body: "not json"},
		{name: "通知先が無い", body: dispatchBody("")},
		{name: "未知のイベント種別", body: event.Event{EventType: "TaskDeleted", RecipientID: "user-1", Title: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w := doRequest(h, http.MethodPost, "/api/v1/internal/events", "svc", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
			}
		})
	}
}

// TestDispatchStoreFailure は保存に失敗した場合に500となりプッシュされないことを検証する。
func TestDispatchStoreFailure(t *testing.T) {
	t.Parallel()
	env := setupTestServerWithStore(t, &fakeStore{createErr: errForTest})
	ts := httptest.NewServer(env.server.Handler())
	t.Cleanup(ts.Close)

	conn := dialAuthenticated(t, env, ts.URL, "user-1")

	w := doRequest(env.server.Handler(), http.MethodPost, "/api/v1/internal/events", "svc", dispatchBody("user-1"))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusInternalServerError)
	}

	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var f protocol.Outbound
	if err := conn.ReadJSON(&f); err == nil {
		t.Errorf("保存失敗時にフレームを受信: %+v", f)
	}
}

// TestHandleList は通知一覧取得ハンドラのテスト。
func TestHandleList(t *testing.T) {
	t.Parallel()

	t.Run("認証が無い場合は401", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)
		w := doRequest(env.server.Handler(), http.MethodGet, "/api/v1/notifications", "", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("通知が無い場合は空配列", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)
		w := doRequest(env.server.Handler(), http.MethodGet, "/api/v1/notifications", "user-1", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		if got := decode[[]protocol.Notification](t, w); len(got) != 0 {
			t.Errorf("件数 = %d, want 0", len(got))
		}
	})

	t.Run("limitで件数を絞れる", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)
		base := time.Now().UTC()
		for i, id := range []string{"a", "b", "c"} {
			_ = env.store.Create(t.Context(), newStoredNotification(id, "user-1", base.Add(time.Duration(i)*time.Second)))
		}

		w := doRequest(env.server.Handler(), http.MethodGet, "/api/v1/notifications?limit=2", "user-1", nil)
		got := decode[[]protocol.Notification](t, w)
		if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
			t.Errorf("通知一覧 = %+v", got)
		}
	})

	t.Run("不正なlimitは400", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)
		for _, q := range []string{"limit=abc", "limit=0", "offset=-1"} {
			w := doRequest(env.server.Handler(), http.MethodGet, "/api/v1/notifications?"+q, "user-1", nil)
			if w.Code != http.StatusBadRequest {
				t.Errorf("%s: ステータスコード: got %d, want %d", q, w.Code, http.StatusBadRequest)
			}
		}
	})
}

// TestHandleListUnread は未読通知一覧ハンドラのテスト。
func TestHandleListUnread(t *testing.T) {
	t.Parallel()

	t.Run("既読にした通知は含まれない", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)
		base := time.Now().UTC()
		for i, id := range []string{"a", "b", "c"} {
			_ = env.store.Create(t.Context(), newStoredNotification(id, "user-1", base.Add(time.Duration(i)*time.Second)))
		}
		doRequest(env.server.Handler(), http.MethodPut, "/api/v1/notifications/c/read", "user-1", nil)

		w := doRequest(env.server.Handler(), http.MethodGet, "/api/v1/notifications/unread", "user-1", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		got := decode[[]protocol.Notification](t, w)
		if len(got) != 2 || got[0].ID != "b" || got[1].ID != "a" {
			t.Errorf("未読通知一覧 = %+v", got)
		}
	})

	t.Run("認証が無い場合は401", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)
		w := doRequest(env.server.Handler(), http.MethodGet, "/api/v1/notifications/unread", "", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})
}

// TestHandleMarkAsRead は既読化ハンドラのテスト。
func TestHandleMarkAsRead(t *testing.T) {
	t.Parallel()

	t.Run("既読化するとライブセッションに確認が届き未読件数が減る", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)
		ts := httptest.NewServer(env.server.Handler())
		t.Cleanup(ts.Close)
		_ = env.store.Create(t.Context(), newStoredNotification("notif-1", "user-1", time.Now().UTC()))
		conn := dialAuthenticated(t, env, ts.URL, "user-1")

		w := doRequest(env.server.Handler(), http.MethodPut, "/api/v1/notifications/notif-1/read", "user-1", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}

		f := readFrame(t, conn)
		if f.Type != protocol.FrameNotificationMarkedRead || f.NotificationID != "notif-1" {
			t.Errorf("受信フレーム = %+v", f)
		}

		w = doRequest(env.server.Handler(), http.MethodGet, "/api/v1/notifications/unread-count", "user-1", nil)
		if got := decode[map[string]float64](t, w)["count"]; got != 0 {
			t.Errorf("count = %v, want 0", got)
		}
	})

	t.Run("存在しない通知は404", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)
		w := doRequest(env.server.Handler(), http.MethodPut, "/api/v1/notifications/missing/read", "user-1", nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusNotFound)
		}
	})

	t.Run("他ユーザーの通知は403", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)
		_ = env.store.Create(t.Context(), newStoredNotification("notif-1", "user-2", time.Now().UTC()))
		w := doRequest(env.server.Handler(), http.MethodPut, "/api/v1/notifications/notif-1/read", "user-1", nil)
		if w.Code != http.StatusForbidden {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusForbidden)
		}
	})
}

// TestHandleMarkAllAsRead は全件既読化ハンドラのテスト。
func TestHandleMarkAllAsRead(t *testing.T) {
	t.Parallel()
	env := setupTestServer(t)
	now := time.Now().UTC()
	_ = env.store.Create(t.Context(), newStoredNotification("notif-1", "user-1", now))
	_ = env.store.Create(t.Context(), newStoredNotification("notif-2", "user-1", now))

	w := doRequest(env.server.Handler(), http.MethodPut, "/api/v1/notifications/read-all", "user-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
	}
	if got := decode[map[string]any](t, w)["updated"]; got != float64(2) {
		t.Errorf("updated = %v, want 2", got)
	}
}

// TestConversationBroadcast は会話ルームへのブロードキャストを検証する。
func TestConversationBroadcast(t *testing.T) {
	t.Parallel()
	env := setupTestServer(t)
	ts := httptest.NewServer(env.server.Handler())
	t.Cleanup(ts.Close)

	member := dialAuthenticated(t, env, ts.URL, "user-1")
	outsider := dialAuthenticated(t, env, ts.URL, "user-2")

	if err := member.WriteJSON(protocol.JoinConversation("conv-1")); err != nil {
		t.Fatalf("joinConversationの送信に失敗: %v", err)
	}
	room := presence.RoomForConversation("conv-1")
	deadline := time.Now().Add(2 * time.Second)
	for len(env.hub.Registry().Members(room)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("joinConversationが反映されなかった")
		}
		time.Sleep(10 * time.Millisecond)
	}

	w := doRequest(env.server.Handler(), http.MethodPost, "/api/v1/internal/conversations/conv-1/messages", "svc", `{"text":"hello"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusAccepted)
	}
	if got := decode[map[string]any](t, w)["delivered"]; got != float64(1) {
		t.Errorf("delivered = %v, want 1", got)
	}

	f := readFrame(t, member)
	if f.Type != protocol.FrameNewMessage || string(f.Message) != `{"text":"hello"}` {
		t.Errorf("受信フレーム = %+v", f)
	}

	_ = outsider.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var extra protocol.Outbound
	if err := outsider.ReadJSON(&extra); err == nil {
		t.Errorf("ルーム外のユーザーがフレームを受信: %+v", extra)
	}

	w = doRequest(env.server.Handler(), http.MethodPost, "/api/v1/internal/conversations/conv-1/updated", "svc", "not json")
	if w.Code != http.StatusBadRequest {
		t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// TestWebSocketOrigin は許可されていないオリジンからの接続が拒否されることを検証する。
func TestWebSocketOrigin(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	hub := realtime.NewHub(presence.NewRegistry(), nil, zap.NewNop())
	s := NewServer(Options{
		Store:          store,
		Hub:            hub,
		Dispatcher:     NewDispatcher(store, hub, zap.NewNop()),
		AllowedOrigins: []string{"http://localhost:3000"},
		SendBuffer:     4,
	})
	t.Cleanup(s.closeConns)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	header := http.Header{"Origin": []string{"https://evil.example"}}
	if _, resp, err := websocket.DefaultDialer.Dial(url, header); err == nil {
		t.Error("許可されていないオリジンで接続できた")
	} else if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Errorf("ステータスコード: got %d, want %d", resp.StatusCode, http.StatusForbidden)
	}

	header = http.Header{"Origin": []string{"http://localhost:3000"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("許可されたオリジンで接続できない: %v", err)
	}
	conn.Close()
}
