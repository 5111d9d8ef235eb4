package notifyclient

import (
	"sort"
	"sync"

	"github.com/nao1215/taskpulse/pkg/protocol"
)

// Cache はクライアント側の通知キャッシュ。
// 新しい順の通知一覧と未読件数を持ち、未読件数は常に一覧中の未読の数と一致する。
//
// 最初のハイドレーションで取得したIDを抑制集合として凍結し、
// その集合に含まれる通知のプッシュではアラートを出さない。
type Cache struct {
	mu sync.Mutex
	// items は通知一覧（新しい順）。
	items []protocol.Notification
	// unread は未読件数。
	unread int
	// hydrated は最初のハイドレーションが完了したかどうか。
	hydrated bool
	// suppressed は最初のハイドレーションで見たID。完了後は更新しない。
	suppressed map[string]struct{}
	// pending は最初のハイドレーション完了前にプッシュされたID。完了時にアラート対象か判定する。
	pending []string
}

// NewCache は空のCacheを生成する。
func NewCache() *Cache {
	return &Cache{}
}

// indexLocked はIDの位置を返す。見つからなければ-1。
func (c *Cache) indexLocked(id string) int {
	for i := range c.items {
		if c.items[i].ID == id {
			return i
		}
	}
	return -1
}

// Push はライブプッシュされた通知を取り込み、アラートを出すべきかどうかを返す。
//
// 既にキャッシュにあるIDは置き換えるだけで件数もアラートも変わらない。
// 手元で既読にした通知が未読のまま再送されても既読を保つ。
// 新しいIDは未読として先頭に追加する。
func (c *Cache) Push(n protocol.Notification) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i := c.indexLocked(n.ID); i >= 0 {
		if !c.items[i].Unread() {
			n.Status = protocol.StatusRead
		} else if !n.Unread() {
			c.unread--
		}
		c.items[i] = n
		return false
	}

	n.Status = protocol.StatusUnread
	c.items = append([]protocol.Notification{n}, c.items...)
	c.unread++

	if !c.hydrated {
		c.pending = append(c.pending, n.ID)
		return false
	}
	_, seen := c.suppressed[n.ID]
	return !seen
}

// Hydrate はストアから取得した一覧でキャッシュを置き換え、
// 保留していたプッシュのうちアラートを出すべき通知を返す。
//
// 取得した一覧に無いキャッシュ上の通知（取得中に届いたプッシュ）は残し、作成日時の新しい順に並べ直す。
// 最初の呼び出しでのみ抑制集合を作って凍結する。2回目以降は常にnilを返す。
// 保留中に既読にされた通知はアラートの対象にしない。
func (c *Cache) Hydrate(fetched []protocol.Notification) []protocol.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()

	merged := make([]protocol.Notification, 0, len(fetched)+len(c.items))
	fetchedIDs := make(map[string]struct{}, len(fetched))
	for _, n := range fetched {
		if _, dup := fetchedIDs[n.ID]; dup {
			continue
		}
		fetchedIDs[n.ID] = struct{}{}
		// 手元で既読にした結果はストアへの反映前でも保つ
		if i := c.indexLocked(n.ID); i >= 0 && !c.items[i].Unread() {
			n.Status = protocol.StatusRead
		}
		merged = append(merged, n)
	}
	for _, n := range c.items {
		if _, ok := fetchedIDs[n.ID]; !ok {
			merged = append(merged, n)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].CreatedAt.Equal(merged[j].CreatedAt) {
			return merged[i].ID > merged[j].ID
		}
		return merged[i].CreatedAt.After(merged[j].CreatedAt)
	})

	c.items = merged
	c.unread = 0
	for _, n := range c.items {
		if n.Unread() {
			c.unread++
		}
	}

	if c.hydrated {
		return nil
	}
	c.hydrated = true
	c.suppressed = fetchedIDs

	var alerts []protocol.Notification
	for _, id := range c.pending {
		if _, seen := c.suppressed[id]; seen {
			continue
		}
		// 取得中に手元で既読にした通知はもう新着ではない
		if i := c.indexLocked(id); i >= 0 && c.items[i].Unread() {
			alerts = append(alerts, c.items[i])
		}
	}
	c.pending = nil
	return alerts
}

// MarkRead は通知を既読にする。未読だった場合だけ未読件数を1減らしてtrueを返す。
func (c *Cache) MarkRead(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexLocked(id)
	if i < 0 || !c.items[i].Unread() {
		return false
	}
	c.items[i].Status = protocol.StatusRead
	c.unread--
	return true
}

// MarkAllRead はすべての通知を既読にし、未読件数を0にする。既読にした件数を返す。
func (c *Cache) MarkAllRead() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := c.unread
	for i := range c.items {
		c.items[i].Status = protocol.StatusRead
	}
	c.unread = 0
	return changed
}

// UnreadCount は未読件数を返す。
func (c *Cache) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread
}

// Items は通知一覧のコピーを新しい順で返す。
func (c *Cache) Items() []protocol.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Notification, len(c.items))
	copy(out, c.items)
	return out
}

// Len はキャッシュ中の通知数を返す。
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Hydrated は最初のハイドレーションが完了したかどうかを返す。
func (c *Cache) Hydrated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hydrated
}

// Reset はキャッシュを空にし、抑制集合も捨てる。ログアウト時に使う。
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = nil
	c.unread = 0
	c.hydrated = false
	c.suppressed = nil
	c.pending = nil
}
