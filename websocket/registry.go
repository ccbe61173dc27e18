package websocket

import (
	"sync"

	"github.com/samber/lo"

	"github.com/CUknot/roomchat/store"
)

// Registry maps room names to the clients currently joined to them.
// A client is in at most one room. A room only exists while it has members.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Client]struct{}
	joined map[*Client]string
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:  make(map[string]map[*Client]struct{}),
		joined: make(map[*Client]string),
	}
}

// Join moves client into room, leaving its previous room if any.
func (r *Registry) Join(client *Client, room string) error {
	if room == "" {
		return &store.ValidationError{Err: errRoomRequired}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.joined[client]; ok && current != room {
		r.removeLocked(client, current)
	}
	if _, ok := r.rooms[room]; !ok {
		r.rooms[room] = make(map[*Client]struct{})
	}
	r.rooms[room][client] = struct{}{}
	r.joined[client] = room
	return nil
}

// Leave removes client from its room and returns the room it left.
func (r *Registry) Leave(client *Client) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.joined[client]
	if !ok {
		return "", false
	}
	r.removeLocked(client, room)
	return room, true
}

func (r *Registry) removeLocked(client *Client, room string) {
	delete(r.joined, client)
	if members, ok := r.rooms[room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
}

// MembersOf returns a snapshot of the clients in room.
func (r *Registry) MembersOf(room string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.Keys(r.rooms[room])
}

// RoomOf returns the room client has joined.
func (r *Registry) RoomOf(client *Client) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.joined[client]
	return room, ok
}

// Rooms returns the member count of every non-empty room.
func (r *Registry) Rooms() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.MapValues(r.rooms, func(members map[*Client]struct{}, _ string) int {
		return len(members)
	})
}
