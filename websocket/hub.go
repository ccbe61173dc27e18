package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/CUknot/roomchat/store"
)

// Messages reported to clients in error events.
const (
	errMsgRoomRequired  = "Room ID is required"
	errMsgMissingFields = "Missing required message fields"
	errMsgSendFailed    = "Failed to send message"
	errMsgInvalidFormat = "Invalid message format"
	errMsgUnknownEvent  = "Unknown event type"
)

const defaultMaxMessageSize = 4096

var (
	errRoomRequired = errors.New("room is required")
	errClientGone   = errors.New("client is no longer connected")
)

type Options struct {
	// MaxMessageSize is the largest inbound frame accepted, in bytes.
	MaxMessageSize int64
	// AllowedOrigins lists the browser origins allowed to connect.
	AllowedOrigins []string
	// AllowAllOrigins accepts any origin and ignores AllowedOrigins.
	AllowAllOrigins bool
}

// Hub owns the live clients, their room membership and the broadcast path.
type Hub struct {
	store    store.MessageStore
	registry *Registry
	log      *zap.Logger
	opts     Options
	upgrader websocket.Upgrader

	// mu guards clients and the closing of every client's send channel
	mu      sync.RWMutex
	clients map[*Client]struct{}

	register   chan *Client
	unregister chan *Client

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewHub creates a hub persisting through s. Run must be started before
// connections are accepted.
func NewHub(s store.MessageStore, log *zap.Logger, opts Options) *Hub {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		store:      s,
		registry:   NewRegistry(),
		log:        log,
		opts:       opts,
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	h.upgrader = newUpgrader(opts, log)
	return h
}

// Run starts the hub
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.closeAll()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			count := len(h.clients)
			h.mu.Unlock()
			client.log.Info("client connected", zap.Int("clients", count))

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()
		case client := <-h.unregister:
			h.remove(client)
		}
	}
}

// Shutdown stops the hub, closes every connection and waits for the
// client goroutines to finish or for timeout to elapse.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.cancel()
	<-h.done

	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		h.log.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn("hub shutdown timed out", zap.Duration("timeout", timeout))
		return context.DeadlineExceeded
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		_ = client.conn.Close()
	}
	h.log.Info("closed client connections", zap.Int("clients", len(clients)))
}

// disconnect hands client to the hub loop for removal, or removes it
// directly once the loop has stopped.
func (h *Hub) disconnect(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
		h.remove(client)
	}
}

// remove drops client from the hub and its room and closes its send
// channel. Safe to call more than once.
func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	room, joined := h.registry.Leave(client)
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		close(client.send)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	fields := []zap.Field{zap.Int("clients", count)}
	if joined {
		fields = append(fields, zap.String("room", room))
	}
	client.log.Info("client disconnected", fields...)
}

// JoinRoom moves client into room.
func (h *Hub) JoinRoom(client *Client, room string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, ok := h.clients[client]; !ok {
		return errClientGone
	}
	return h.registry.Join(client, room)
}

// SendMessage persists a message and broadcasts it to everyone in room,
// the sender included. Failures are reported to the sender only.
//
// No room lock is held across the store call. One session's messages are
// broadcast in the order it sent them, but messages from different sessions
// may arrive in a different order than they were stored. Clients that merge
// them with history should order by timestamp, then id.
func (h *Hub) SendMessage(client *Client, room, sender, content string) {
	if err := store.ValidateMessage(room, sender, content); err != nil {
		client.emitError(errMsgMissingFields)
		return
	}

	message, err := h.store.Append(h.ctx, room, sender, content)
	if err != nil {
		if store.IsValidation(err) {
			client.emitError(errMsgMissingFields)
			return
		}
		client.log.Error("error saving message", zap.String("room", room), zap.Error(err))
		client.emitError(errMsgSendFailed)
		return
	}

	h.BroadcastToRoom(message.Room, EventReceiveMessage, message)
}

// BroadcastToRoom sends an event to every client currently in room.
func (h *Hub) BroadcastToRoom(room string, eventType string, payload interface{}) {
	frame, err := json.Marshal(Message{Type: eventType, Payload: payload})
	if err != nil {
		h.log.Error("error marshaling event", zap.String("type", eventType), zap.Error(err))
		return
	}

	members := h.registry.MembersOf(room)
	h.log.Debug("broadcasting", zap.String("room", room), zap.Int("members", len(members)))
	h.deliver(members, frame)
}

// deliver queues frame on every still connected client. A client whose
// queue is full is dropped.
func (h *Hub) deliver(clients []*Client, frame []byte) {
	var slow []*Client

	h.mu.RLock()
	for _, client := range clients {
		if _, ok := h.clients[client]; !ok {
			continue
		}
		select {
		case client.send <- frame:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		client.log.Warn("send buffer full, dropping client")
		h.remove(client)
	}
}

// Clients returns the number of live connections.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Rooms returns the member count of every non-empty room.
func (h *Hub) Rooms() map[string]int {
	return h.registry.Rooms()
}
