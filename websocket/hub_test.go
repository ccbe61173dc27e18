package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/CUknot/roomchat/mocks"
	"github.com/CUknot/roomchat/models"
	"github.com/CUknot/roomchat/store"
)

const readTimeout = 2 * time.Second

type testEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func newBadgerStore(t *testing.T) *store.BadgerStore {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	s := store.NewBadgerStore(db, zap.NewNop())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestServer(t *testing.T, s store.MessageStore, opts Options) (*Hub, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(s, zap.NewNop(), opts)
	go hub.Run()

	engine := gin.New()
	engine.GET("/ws", hub.HandleConnection)
	srv := httptest.NewServer(engine)

	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = hub.Shutdown(time.Second) })
	return hub, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, hub *Hub, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	before := hub.Clients()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return hub.Clients() > before }, readTimeout, 5*time.Millisecond)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, eventType string, payload interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(Message{Type: eventType, Payload: payload}))
}

func join(t *testing.T, hub *Hub, conn *websocket.Conn, room string) {
	t.Helper()
	before := hub.Rooms()[room]
	send(t, conn, EventJoinRoom, room)
	require.Eventually(t, func() bool { return hub.Rooms()[room] > before }, readTimeout, 5*time.Millisecond)
}

func readEvent(t *testing.T, conn *websocket.Conn) testEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	var event testEvent
	require.NoError(t, conn.ReadJSON(&event))
	return event
}

func readMessage(t *testing.T, conn *websocket.Conn) models.Message {
	t.Helper()
	event := readEvent(t, conn)
	require.Equal(t, EventReceiveMessage, event.Type)
	var message models.Message
	require.NoError(t, json.Unmarshal(event.Payload, &message))
	return message
}

func readError(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	event := readEvent(t, conn)
	require.Equal(t, EventError, event.Type)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(event.Payload, &payload))
	return payload.Message
}

// expectNoEvent leaves conn unusable for further reads.
func expectNoEvent(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected event %s", data)
	var netErr interface{ Timeout() bool }
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "expected a read timeout, got %v", err)
}

func TestHub_Send_Reaches_Room_Members_Only(t *testing.T) {
	req := require.New(t)
	s := newBadgerStore(t)
	hub, srv := newTestServer(t, s, Options{})

	// Given alice and bob in lobby and carol in games
	alice := dial(t, hub, srv)
	bob := dial(t, hub, srv)
	carol := dial(t, hub, srv)
	join(t, hub, alice, "lobby")
	join(t, hub, bob, "lobby")
	join(t, hub, carol, "games")
	req.Equal(map[string]int{"lobby": 2, "games": 1}, hub.Rooms())

	// When alice sends to lobby
	send(t, alice, EventSendMessage, SendMessagePayload{Room: "lobby", Sender: "alice", Content: "hi"})

	// Then both lobby members receive the persisted message
	fromAlice := readMessage(t, alice)
	fromBob := readMessage(t, bob)
	req.Equal(fromAlice, fromBob)
	req.NotEmpty(fromAlice.ID)
	req.Equal("lobby", fromAlice.Room)
	req.Equal("alice", fromAlice.Sender)
	req.Equal("hi", fromAlice.Content)
	req.False(fromAlice.Timestamp.IsZero())

	history, err := s.Recent(context.Background(), "lobby", store.HistoryLimit)
	req.NoError(err)
	req.Len(history, 1)
	req.Equal(fromAlice.ID, history[0].ID)

	// And carol hears nothing
	expectNoEvent(t, carol)
}

func TestHub_Concurrent_Senders_Keep_Own_Order(t *testing.T) {
	req := require.New(t)
	s := newBadgerStore(t)
	hub, srv := newTestServer(t, s, Options{})
	const perSender = 20

	alice := dial(t, hub, srv)
	bob := dial(t, hub, srv)
	carol := dial(t, hub, srv)
	join(t, hub, alice, "lobby")
	join(t, hub, bob, "lobby")
	join(t, hub, carol, "lobby")

	// When alice and bob send at the same time
	for i := 0; i < perSender; i++ {
		send(t, alice, EventSendMessage, SendMessagePayload{Room: "lobby", Sender: "alice", Content: fmt.Sprintf("%02d", i)})
		send(t, bob, EventSendMessage, SendMessagePayload{Room: "lobby", Sender: "bob", Content: fmt.Sprintf("%02d", i)})
	}

	// Then carol sees each sender's messages in send order
	received := make([]models.Message, 0, 2*perSender)
	next := map[string]int{}
	for i := 0; i < 2*perSender; i++ {
		message := readMessage(t, carol)
		req.Equal(fmt.Sprintf("%02d", next[message.Sender]), message.Content, message.Sender)
		next[message.Sender]++
		received = append(received, message)
	}

	// And ordering what she received by timestamp, then id, matches history
	sort.Slice(received, func(i, j int) bool {
		if !received[i].Timestamp.Equal(received[j].Timestamp) {
			return received[i].Timestamp.After(received[j].Timestamp)
		}
		return received[i].ID > received[j].ID
	})
	history, err := s.Recent(context.Background(), "lobby", store.HistoryLimit)
	req.NoError(err)
	req.Equal(lo.Map(history, func(m models.Message, _ int) string { return m.ID }),
		lo.Map(received, func(m models.Message, _ int) string { return m.ID }))
}

func TestHub_Send_Without_Join_Reaches_Room(t *testing.T) {
	req := require.New(t)
	s := newBadgerStore(t)
	hub, srv := newTestServer(t, s, Options{})

	alice := dial(t, hub, srv)
	bob := dial(t, hub, srv)
	join(t, hub, bob, "lobby")

	send(t, alice, EventSendMessage, SendMessagePayload{Room: "lobby", Sender: "alice", Content: "knock knock"})

	req.Equal("knock knock", readMessage(t, bob).Content)
	expectNoEvent(t, alice)
}

func TestHub_Send_Missing_Fields_Is_Not_Persisted(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	// no Append expectation: any call fails the test
	ms := mocks.NewMockMessageStore(ctrl)
	hub, srv := newTestServer(t, ms, Options{})

	alice := dial(t, hub, srv)
	bob := dial(t, hub, srv)
	join(t, hub, alice, "lobby")
	join(t, hub, bob, "lobby")

	for _, payload := range []SendMessagePayload{
		{Room: "lobby", Sender: "alice", Content: ""},
		{Room: "lobby", Sender: "", Content: "hi"},
		{Room: "", Sender: "alice", Content: "hi"},
	} {
		send(t, alice, EventSendMessage, payload)
		req.Equal(errMsgMissingFields, readError(t, alice))
	}

	expectNoEvent(t, bob)
}

func TestHub_Send_Store_Failure_Reported_To_Sender_Only(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	ms := mocks.NewMockMessageStore(ctrl)
	ms.EXPECT().
		Append(gomock.Any(), "lobby", "alice", "hi").
		Return(models.Message{}, &store.InfrastructureError{Op: "insert message", Err: errors.New("connection refused")})
	hub, srv := newTestServer(t, ms, Options{})

	alice := dial(t, hub, srv)
	bob := dial(t, hub, srv)
	join(t, hub, alice, "lobby")
	join(t, hub, bob, "lobby")

	send(t, alice, EventSendMessage, SendMessagePayload{Room: "lobby", Sender: "alice", Content: "hi"})

	req.Equal(errMsgSendFailed, readError(t, alice))
	expectNoEvent(t, bob)
}

func TestHub_Rejoin_Switches_Room(t *testing.T) {
	req := require.New(t)
	s := newBadgerStore(t)
	hub, srv := newTestServer(t, s, Options{})

	alice := dial(t, hub, srv)
	bob := dial(t, hub, srv)
	join(t, hub, alice, "lobby")
	join(t, hub, bob, "lobby")

	// When alice moves to games
	join(t, hub, alice, "games")
	req.Equal(map[string]int{"lobby": 1, "games": 1}, hub.Rooms())

	// Then lobby traffic no longer reaches her
	send(t, bob, EventSendMessage, SendMessagePayload{Room: "lobby", Sender: "bob", Content: "still here?"})
	req.Equal("still here?", readMessage(t, bob).Content)
	expectNoEvent(t, alice)
}

func TestHub_Sender_Disconnect_During_Append_Still_Broadcasts(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	ms := mocks.NewMockMessageStore(ctrl)

	started := make(chan struct{})
	release := make(chan struct{})
	stamp := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ms.EXPECT().
		Append(gomock.Any(), "lobby", "alice", "bye").
		DoAndReturn(func(ctx context.Context, room, sender, content string) (models.Message, error) {
			close(started)
			select {
			case <-release:
			case <-ctx.Done():
				return models.Message{}, ctx.Err()
			}
			return models.Message{ID: "m-1", Room: room, Sender: sender, Content: content, Timestamp: stamp}, nil
		})
	hub, srv := newTestServer(t, ms, Options{})

	alice := dial(t, hub, srv)
	bob := dial(t, hub, srv)
	join(t, hub, alice, "lobby")
	join(t, hub, bob, "lobby")

	// Given alice's message is being persisted
	send(t, alice, EventSendMessage, SendMessagePayload{Room: "lobby", Sender: "alice", Content: "bye"})
	select {
	case <-started:
	case <-time.After(readTimeout):
		t.Fatal("append was never called")
	}

	// When alice goes away before it completes
	req.NoError(alice.Close())
	close(release)

	// Then bob still receives it and alice is eventually cleaned up
	got := readMessage(t, bob)
	req.Equal("m-1", got.ID)
	req.True(stamp.Equal(got.Timestamp))
	req.Eventually(func() bool { return hub.Clients() == 1 }, readTimeout, 5*time.Millisecond)
	req.Equal(map[string]int{"lobby": 1}, hub.Rooms())
}

func TestHub_Protocol_Errors_Keep_Connection_Open(t *testing.T) {
	req := require.New(t)
	s := newBadgerStore(t)
	hub, srv := newTestServer(t, s, Options{})
	conn := dial(t, hub, srv)

	cases := []struct {
		name  string
		frame string
		want  string
	}{
		{name: "not json", frame: `not json`, want: errMsgInvalidFormat},
		{name: "unknown type", frame: `{"type":"dance","payload":{}}`, want: errMsgUnknownEvent},
		{name: "join without payload", frame: `{"type":"join_room"}`, want: errMsgRoomRequired},
		{name: "join empty room", frame: `{"type":"join_room","payload":""}`, want: errMsgRoomRequired},
		{name: "join non string room", frame: `{"type":"join_room","payload":42}`, want: errMsgRoomRequired},
		{name: "send non object payload", frame: `{"type":"send_message","payload":"hi"}`, want: errMsgMissingFields},
		{name: "send without payload", frame: `{"type":"send_message"}`, want: errMsgMissingFields},
	}
	for _, tc := range cases {
		req.NoError(conn.WriteMessage(websocket.TextMessage, []byte(tc.frame)), tc.name)
		req.Equal(tc.want, readError(t, conn), tc.name)
	}

	req.Empty(hub.Rooms())
	req.Equal(1, hub.Clients())
}

func TestHub_Oversized_Frame_Closes_Connection(t *testing.T) {
	req := require.New(t)
	s := newBadgerStore(t)
	hub, srv := newTestServer(t, s, Options{MaxMessageSize: 64})
	conn := dial(t, hub, srv)
	join(t, hub, conn, "lobby")

	send(t, conn, EventSendMessage, SendMessagePayload{Room: "lobby", Sender: "alice", Content: strings.Repeat("x", 128)})

	req.NoError(conn.SetReadDeadline(time.Now().Add(readTimeout)))
	_, _, err := conn.ReadMessage()
	req.Error(err)
	req.Eventually(func() bool { return hub.Clients() == 0 }, readTimeout, 5*time.Millisecond)
	req.Empty(hub.Rooms())
}

func TestHub_Shutdown_Closes_Connections(t *testing.T) {
	req := require.New(t)
	s := newBadgerStore(t)
	hub, srv := newTestServer(t, s, Options{})
	conn := dial(t, hub, srv)
	join(t, hub, conn, "lobby")

	req.NoError(hub.Shutdown(time.Second))

	req.NoError(conn.SetReadDeadline(time.Now().Add(readTimeout)))
	_, _, err := conn.ReadMessage()
	req.Error(err)
	req.Equal(0, hub.Clients())
	req.Empty(hub.Rooms())

	// late connections are turned away
	late, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err == nil {
		req.NoError(late.SetReadDeadline(time.Now().Add(readTimeout)))
		_, _, err = late.ReadMessage()
		req.True(websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
		_ = late.Close()
	}
}

func TestHub_Origin_Check(t *testing.T) {
	req := require.New(t)
	s := newBadgerStore(t)
	hub, srv := newTestServer(t, s, Options{AllowedOrigins: []string{"http://chat.example.com"}})

	// no origin at all
	_ = dial(t, hub, srv)

	// disallowed origin
	header := http.Header{"Origin": []string{"http://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	req.ErrorIs(err, websocket.ErrBadHandshake)
	req.Equal(http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	// allowed origin, compared case-insensitively
	header = http.Header{"Origin": []string{"HTTP://Chat.Example.com"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	req.NoError(err)
	_ = conn.Close()
}

func TestHub_Join_Logs_Previous_Room(t *testing.T) {
	req := require.New(t)
	core, logs := observer.New(zapcore.InfoLevel)
	hub := NewHub(newBadgerStore(t), zap.New(core), Options{})
	client := &Client{hub: hub, send: make(chan []byte, 1), addr: "alice", log: hub.log}
	hub.clients[client] = struct{}{}

	hub.handleJoinRoom(client, json.RawMessage(`"lobby"`))
	hub.handleJoinRoom(client, json.RawMessage(`"games"`))
	hub.handleJoinRoom(client, json.RawMessage(`"games"`))

	joins := logs.FilterMessage("joined room").All()
	req.Len(joins, 3)
	req.Equal(map[string]interface{}{"room": "lobby"}, joins[0].ContextMap())
	req.Equal(map[string]interface{}{"room": "games", "previous_room": "lobby"}, joins[1].ContextMap())
	req.Equal(map[string]interface{}{"room": "games"}, joins[2].ContextMap())
	req.Equal(map[string]int{"games": 1}, hub.Rooms())
}

func TestHub_Origin_Check_Allow_All(t *testing.T) {
	s := newBadgerStore(t)
	hub, srv := newTestServer(t, s, Options{AllowAllOrigins: true})

	header := http.Header{"Origin": []string{"http://anywhere.example.com"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, readTimeout, 5*time.Millisecond)
}

func TestNormalizeOrigin(t *testing.T) {
	cases := map[string]struct {
		want string
		ok   bool
	}{
		"http://localhost:5173":     {want: "http://localhost:5173", ok: true},
		" HTTPS://Chat.Example.com": {want: "https://chat.example.com", ok: true},
		"localhost:5173":            {ok: false},
		"":                          {ok: false},
	}
	for origin, tc := range cases {
		got, ok := normalizeOrigin(origin)
		require.Equal(t, tc.ok, ok, origin)
		require.Equal(t, tc.want, got, origin)
	}
}
