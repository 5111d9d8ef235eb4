package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nao1215/taskpulse/pkg/protocol"
)

const (
	// writeWait は1フレームの書き込みに許す時間。
	writeWait = 10 * time.Second
	// pongWait はpongを待つ時間。これを過ぎると接続を切断済みとみなす。
	pongWait = 60 * time.Second
	// pingPeriod はpingの送信間隔。pongWaitより短くなければならない。
	pingPeriod = (pongWait * 9) / 10
	// maxFrameSize は受信フレームの最大サイズ（バイト）。
	maxFrameSize = 8 * 1024
	// DefaultSendBuffer は接続ごとの送信キューの既定サイズ。
	DefaultSendBuffer = 32
)

var (
	// ErrSendBufferFull は送信キューが満杯でフレームを破棄したことを表す。
	ErrSendBufferFull = errors.New("送信キューが満杯です")
	// ErrConnClosed は既に閉じた接続への送信を表す。
	ErrConnClosed = errors.New("接続は閉じられています")
)

// Sender は1つのトランスポートセッションへの送信口。
// Sendはブロックしてはならない。
type Sender interface {
	// ID はトランスポートが割り当てた接続ID。
	ID() string
	// Send はフレームを送信キューに積む。積めない場合は即座にエラーを返す。
	Send(frame protocol.Outbound) error
	// Close は接続を閉じる。冪等。
	Close()
}

// Conn はgorilla/websocketの接続をラップしたSender。
// 書き込みは専用のgoroutine（writePump）だけが行い、Sendは有界キューへの非ブロッキング投入のみ行う。
type Conn struct {
	// id は接続ID。
	id string
	// ws は下位のWebSocket接続。
	ws *websocket.Conn
	// send は送信待ちのシリアライズ済みフレーム。並行送信との競合を避けるため閉じない。
	send chan []byte
	// done は接続終了時に閉じられる。
	done chan struct{}
	// closeOnce はCloseを冪等にする。
	closeOnce sync.Once
	// log は接続に紐づくロガー。
	log *zap.Logger
}

// NewConn は新しいConnを生成する。bufferが0以下の場合はDefaultSendBufferを使う。
func NewConn(id string, ws *websocket.Conn, buffer int, log *zap.Logger) *Conn {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Conn{
		id:   id,
		ws:   ws,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
		log:  log.With(zap.String("conn_id", id)),
	}
}

// ID は接続IDを返す。
func (c *Conn) ID() string {
	return c.id
}

// Send はフレームをシリアライズして送信キューに積む。
// キューが満杯の場合は待たずにErrSendBufferFullを返す。
func (c *Conn) Send(frame protocol.Outbound) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("フレームのシリアライズに失敗: %w", err)
	}

	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSendBufferFull
	}
}

// Close は接続を閉じる。
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// Done は接続終了時に閉じられるチャネルを返す。
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// writePump は送信キューのフレームをWebSocketに書き込み、定期的にpingを送る。
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("フレームの書き込みに失敗", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug("pingの送信に失敗", zap.Error(err))
				return
			}
		}
	}
}

// readPump は受信したテキストフレームをhandleに渡す。接続が切れるまで戻らない。
func (c *Conn) readPump(handle func(data []byte)) {
	defer c.Close()

	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("接続が予期せず切断されました", zap.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		handle(data)
	}
}
