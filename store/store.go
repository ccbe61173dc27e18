//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../mocks/mock_store.go -package=mocks
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/google/uuid"

	"github.com/CUknot/roomchat/models"
)

// HistoryLimit is the maximum number of messages returned by a history fetch.
const HistoryLimit = 50

// MessageStore is the durable, append-only log of chat messages.
type MessageStore interface {
	// Append validates and persists a new message, returning it with its
	// ID and timestamp assigned.
	Append(ctx context.Context, room, sender, content string) (models.Message, error)
	// Recent returns up to limit messages of room, newest first.
	Recent(ctx context.Context, room string, limit int) ([]models.Message, error)
	Ping(ctx context.Context) error
	Close() error
}

// ValidationError reports a missing or empty required field.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// InfrastructureError reports a failure of the storage backend.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error {
	return e.Err
}

func IsValidation(err error) bool {
	var vErr *ValidationError
	return errors.As(err, &vErr)
}

func IsInfrastructure(err error) bool {
	var iErr *InfrastructureError
	return errors.As(err, &iErr)
}

type appendInput struct {
	Room    string
	Sender  string
	Content string
}

// ValidateMessage checks that room, sender and content are all present.
func ValidateMessage(room, sender, content string) error {
	in := appendInput{Room: room, Sender: sender, Content: content}
	err := validation.ValidateStruct(
		&in,
		validation.Field(&in.Room, validation.Required),
		validation.Field(&in.Sender, validation.Required),
		validation.Field(&in.Content, validation.Required),
	)
	if err != nil {
		return &ValidationError{Err: err}
	}
	return nil
}

func validateRoom(room string) error {
	if err := validation.Validate(room, validation.Required); err != nil {
		return &ValidationError{Err: fmt.Errorf("room: %w", err)}
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > HistoryLimit {
		return HistoryLimit
	}
	return limit
}

// clock hands out timestamps that never go backwards for one store.
// Timestamps are rounded up to resolution so they survive a round trip
// through a backend with coarser precision.
type clock struct {
	mu         sync.Mutex
	last       time.Time
	resolution time.Duration
	now        func() time.Time
}

func newClock(resolution time.Duration) *clock {
	return &clock{now: time.Now, resolution: resolution}
}

func (c *clock) next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC()
	if c.resolution > 1 {
		if r := t.Truncate(c.resolution); r.Before(t) {
			t = r.Add(c.resolution)
		}
	}
	if t.Before(c.last) {
		t = c.last
	}
	c.last = t
	return t
}

// newMessage builds a message ready to be persisted.
func newMessage(c *clock, room, sender, content string) (models.Message, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return models.Message{}, &InfrastructureError{Op: "generate message id", Err: err}
	}
	return models.Message{
		ID:        id.String(),
		Room:      room,
		Sender:    sender,
		Content:   content,
		Timestamp: c.next(),
	}, nil
}
