package websocket

import (
	"encoding/json"
	"errors"

	"go.uber.org/zap"
)

// HandleIncomingMessage processes an incoming WebSocket message
func (h *Hub) HandleIncomingMessage(client *Client, messageBytes []byte) {
	var msg incomingMessage
	if err := json.Unmarshal(messageBytes, &msg); err != nil {
		client.log.Debug("error unmarshaling message", zap.Error(err))
		client.emitError(errMsgInvalidFormat)
		return
	}

	switch msg.Type {
	case EventJoinRoom:
		h.handleJoinRoom(client, msg.Payload)
	case EventSendMessage:
		var payload SendMessagePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			client.log.Debug("error unmarshaling message payload", zap.Error(err))
			client.emitError(errMsgMissingFields)
			return
		}
		h.SendMessage(client, payload.Room, payload.Sender, payload.Content)
	default:
		client.log.Debug("unknown event type", zap.String("type", msg.Type))
		client.emitError(errMsgUnknownEvent)
	}
}

// handleJoinRoom accepts the room as a bare JSON string.
func (h *Hub) handleJoinRoom(client *Client, payload json.RawMessage) {
	var room string
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &room); err != nil {
			client.emitError(errMsgRoomRequired)
			return
		}
	}

	previous, rejoined := h.registry.RoomOf(client)
	if err := h.JoinRoom(client, room); err != nil {
		if errors.Is(err, errClientGone) {
			return
		}
		client.emitError(errMsgRoomRequired)
		return
	}

	fields := []zap.Field{zap.String("room", room)}
	if rejoined && previous != room {
		fields = append(fields, zap.String("previous_room", previous))
	}
	client.log.Info("joined room", fields...)
}
