package presence

import (
	"sync"
)

// roomPrefix は会話IDからルームIDを導出する際の接頭辞。
const roomPrefix = "conversation:"

// RoomForConversation は会話の永続IDからルームIDを決定的に導出する。
func RoomForConversation(conversationID string) string {
	return roomPrefix + conversationID
}

// Registry はユーザーIDとアクティブな接続IDの対応、およびルームの参加状態を保持する。
// 状態は助言的なものであり、競合時の最悪の結果はライブプッシュの取りこぼしに留まる。
// そのため全操作はエラーを返さない。
type Registry struct {
	// mu は以下のマップすべてを保護する。
	mu sync.RWMutex
	// users はユーザーIDから現在の接続IDへの対応。ユーザーあたり1接続のみ。
	users map[string]string
	// conns は接続IDから認証済みユーザーIDへの逆引き。
	conns map[string]string
	// rooms はルームIDから参加中の接続ID集合への対応。
	rooms map[string]map[string]struct{}
	// joined は接続IDから参加中のルームID集合への対応。
	joined map[string]map[string]struct{}
}

// NewRegistry は空のRegistryを生成する。
func NewRegistry() *Registry {
	return &Registry{
		users:  make(map[string]string),
		conns:  make(map[string]string),
		rooms:  make(map[string]map[string]struct{}),
		joined: make(map[string]map[string]struct{}),
	}
}

// Register はユーザーと接続を対応付ける。既存の対応は置き換えられる（後勝ち）。
// 置き換えた場合は以前の接続IDとtrueを返す。以前の接続を閉じるかどうかは呼び出し側に任せる。
func (r *Registry) Register(userID, connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// 同じ接続が別ユーザーとして再認証した場合、古いユーザーの対応を外す
	if prevUser, ok := r.conns[connID]; ok && prevUser != userID {
		if r.users[prevUser] == connID {
			delete(r.users, prevUser)
		}
	}

	prev, replaced := r.users[userID]
	if replaced && prev != connID {
		delete(r.conns, prev)
	}
	r.users[userID] = connID
	r.conns[connID] = userID

	if prev == connID {
		return "", false
	}
	return prev, replaced
}

// Unregister は接続の切断を反映する。
// ユーザーの現在の対応がconnIDと一致する場合のみ削除するため、
// 遅れて届いた古い接続の切断が新しいセッションを追い出すことはない。
// ルーム参加情報はここで遅延的に掃除される。
func (r *Registry) Unregister(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for roomID := range r.joined[connID] {
		r.removeMemberLocked(roomID, connID)
	}
	delete(r.joined, connID)

	userID, ok := r.conns[connID]
	if !ok {
		return "", false
	}
	delete(r.conns, connID)

	if r.users[userID] != connID {
		return userID, false
	}
	delete(r.users, userID)
	return userID, true
}

// Lookup はユーザーの現在の接続IDを返す。
// 見つからないことはエラーではなく「ライブ配信不可」を意味する。
func (r *Registry) Lookup(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connID, ok := r.users[userID]
	return connID, ok
}

// UserOf は接続に対応付けられたユーザーIDを返す。
func (r *Registry) UserOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userID, ok := r.conns[connID]
	return userID, ok
}

// JoinRoom は接続をルームに参加させる。冪等。
func (r *Registry) JoinRoom(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[roomID] = members
	}
	members[connID] = struct{}{}

	rooms, ok := r.joined[connID]
	if !ok {
		rooms = make(map[string]struct{})
		r.joined[connID] = rooms
	}
	rooms[roomID] = struct{}{}
}

// LeaveRoom は接続をルームから外す。冪等。
func (r *Registry) LeaveRoom(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeMemberLocked(roomID, connID)
	if rooms, ok := r.joined[connID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(r.joined, connID)
		}
	}
}

// removeMemberLocked はルームから接続を外し、空になったルームを削除する。
// r.muを保持した状態で呼び出すこと。
func (r *Registry) removeMemberLocked(roomID, connID string) {
	members, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
}

// Members はルームに参加中の接続IDのスナップショットを返す。
func (r *Registry) Members(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[roomID]
	out := make([]string, 0, len(members))
	for connID := range members {
		out = append(out, connID)
	}
	return out
}

// Online は現在オンラインのユーザー数を返す。
func (r *Registry) Online() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// RoomCount は現在存在するルーム数を返す。
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
