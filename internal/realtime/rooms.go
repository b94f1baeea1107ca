package realtime

import (
	"slices"
	"sync"
)

// Emitter は接続IDを指定してフレームを送信する。
// 送信キューに積めなかった場合は false を返す。
type Emitter interface {
	Send(connID string, frame []byte) bool
}

// Rooms は会話ルームと接続の所属関係を管理する。
// 1つの接続は複数のルームに所属できる。メンバーのいないルームは保持しない。
type Rooms struct {
	emitter Emitter

	mu      sync.Mutex
	members map[string]map[string]struct{} // roomID -> connIDs
	joined  map[string]map[string]struct{} // connID -> roomIDs
}

// NewRooms は新しいRoomsを生成する。
func NewRooms(emitter Emitter) *Rooms {
	return &Rooms{
		emitter: emitter,
		members: make(map[string]map[string]struct{}),
		joined:  make(map[string]map[string]struct{}),
	}
}

// Join は接続をルームに追加する。既に所属していれば何もしない。
func (r *Rooms) Join(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	addTo(r.members, roomID, connID)
	addTo(r.joined, connID, roomID)
}

// Leave は接続をルームから外す。
func (r *Rooms) Leave(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removeFrom(r.members, roomID, connID)
	removeFrom(r.joined, connID, roomID)
}

// Disconnect は接続をすべてのルームから外し、外したルームのIDを返す。
func (r *Rooms) Disconnect(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	rooms := sortedKeys(r.joined[connID])
	for _, roomID := range rooms {
		removeFrom(r.members, roomID, connID)
	}
	delete(r.joined, connID)
	return rooms
}

// Members はルームに所属する接続IDを返す。
func (r *Rooms) Members(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.members[roomID])
}

// RoomsOf は接続が所属するルームIDを返す。
func (r *Rooms) RoomsOf(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.joined[connID])
}

// Relay はルームの現在のメンバー全員にイベントを送信し、送信キューに積めた件数を返す。
// excludeSender が true の場合は送信者を除く。
// 送信者がメンバーでなければ送信者には届かない。
func (r *Rooms) Relay(eventName, roomID string, payload any, senderConnID string, excludeSender bool) (int, error) {
	frame, err := encodeFrame(eventName, payload)
	if err != nil {
		return 0, err
	}
	return r.relayFrame(roomID, frame, senderConnID, excludeSender), nil
}

func (r *Rooms) relayFrame(roomID string, frame []byte, senderConnID string, excludeSender bool) int {
	sent := 0
	for _, connID := range r.Members(roomID) {
		if excludeSender && connID == senderConnID {
			continue
		}
		if r.emitter.Send(connID, frame) {
			sent++
		}
	}
	return sent
}

func addTo(m map[string]map[string]struct{}, key, value string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[value] = struct{}{}
}

func removeFrom(m map[string]map[string]struct{}, key, value string) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, value)
	if len(set) == 0 {
		delete(m, key)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
