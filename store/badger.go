package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/CUknot/roomchat/models"
)

// BadgerStore keeps messages in an embedded badger database.
//
// Keys are "msg:{hex(room)}:{unix nanos, 19 digits}:{id}". The room is hex
// encoded so that no room name can be a prefix of another room's keys, and
// the zero padded timestamp makes lexicographic order chronological.
type BadgerStore struct {
	db    *badger.DB
	clock *clock
	log   *zap.Logger
}

func NewBadgerStore(db *badger.DB, log *zap.Logger) *BadgerStore {
	return &BadgerStore{
		db:    db,
		clock: newClock(0),
		log:   log,
	}
}

func roomPrefix(room string) []byte {
	return []byte("msg:" + hex.EncodeToString([]byte(room)) + ":")
}

func messageKey(m models.Message) []byte {
	return fmt.Appendf(roomPrefix(m.Room), "%019d:%s", m.Timestamp.UnixNano(), m.ID)
}

func (s *BadgerStore) Append(ctx context.Context, room, sender, content string) (models.Message, error) {
	if err := ValidateMessage(room, sender, content); err != nil {
		return models.Message{}, err
	}

	message, err := newMessage(s.clock, room, sender, content)
	if err != nil {
		return models.Message{}, err
	}

	value, err := json.Marshal(message)
	if err != nil {
		return models.Message{}, &InfrastructureError{Op: "encode message", Err: err}
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(message), value)
	})
	if err != nil {
		return models.Message{}, &InfrastructureError{Op: "store message", Err: err}
	}
	return message, nil
}

// Recent walks the room prefix backwards from its last key.
func (s *BadgerStore) Recent(ctx context.Context, room string, limit int) ([]models.Message, error) {
	if err := validateRoom(room); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	messages := make([]models.Message, 0, limit)
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := roomPrefix(room)
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		options.Prefix = prefix
		it := txn.NewIterator(options)
		defer it.Close()

		seekKey := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seekKey); it.ValidForPrefix(prefix); it.Next() {
			if len(messages) == limit {
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			var message models.Message
			err := it.Item().Value(func(value []byte) error {
				return json.Unmarshal(value, &message)
			})
			if err != nil {
				return err
			}
			messages = append(messages, message)
		}
		return nil
	})
	if err != nil {
		return nil, &InfrastructureError{Op: "list messages", Err: err}
	}
	return messages, nil
}

func (s *BadgerStore) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return &InfrastructureError{Op: "ping badger", Err: badger.ErrDBClosed}
	}
	return nil
}

func (s *BadgerStore) Close() error {
	if s.db.IsClosed() {
		return nil
	}
	s.log.Debug("closing badger store")
	return s.db.Close()
}
