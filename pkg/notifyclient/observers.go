package notifyclient

import (
	"encoding/json"
	"sync"
)

// observer は登録されたコールバック。
type observer struct {
	id int
	fn func(json.RawMessage)
}

// observers はコールバックの一覧。
// 書き込みのたびに新しいスライスを作るので、配信中の登録・解除と競合しない。
type observers struct {
	mu     sync.Mutex
	nextID int
	list   []observer
}

// add はコールバックを登録し、解除関数を返す。解除関数は何度呼んでもよい。
func (o *observers) add(fn func(json.RawMessage)) func() {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	next := make([]observer, len(o.list), len(o.list)+1)
	copy(next, o.list)
	o.list = append(next, observer{id: id, fn: fn})
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { o.remove(id) })
	}
}

func (o *observers) remove(id int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	next := make([]observer, 0, len(o.list))
	for _, ob := range o.list {
		if ob.id != id {
			next = append(next, ob)
		}
	}
	o.list = next
}

// snapshot は現時点の一覧を返す。返したスライスは以後変更されない。
func (o *observers) snapshot() []observer {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.list
}

// notify はスナップショットの全コールバックを登録順に呼ぶ。
func (o *observers) notify(payload json.RawMessage) {
	for _, ob := range o.snapshot() {
		ob.fn(payload)
	}
}
