package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/CUknot/roomchat/models"
)

// PostgresStore keeps messages in the messages table through gorm.
type PostgresStore struct {
	db    *gorm.DB
	clock *clock
}

// NewPostgresStore wraps an open connection. The schema must already be
// migrated (see database.Migrate).
func NewPostgresStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{
		db: db,
		// timestamptz keeps microseconds
		clock: newClock(time.Microsecond),
	}
}

func (s *PostgresStore) Append(ctx context.Context, room, sender, content string) (models.Message, error) {
	if err := ValidateMessage(room, sender, content); err != nil {
		return models.Message{}, err
	}

	message, err := newMessage(s.clock, room, sender, content)
	if err != nil {
		return models.Message{}, err
	}

	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		return models.Message{}, &InfrastructureError{Op: "create message", Err: err}
	}
	return message, nil
}

func (s *PostgresStore) Recent(ctx context.Context, room string, limit int) ([]models.Message, error) {
	if err := validateRoom(room); err != nil {
		return nil, err
	}

	messages := make([]models.Message, 0)
	if err := s.db.WithContext(ctx).
		Where("room = ?", room).
		Order(`"timestamp" DESC`).
		Order("id DESC").
		Limit(clampLimit(limit)).
		Find(&messages).Error; err != nil {
		return nil, &InfrastructureError{Op: "list messages", Err: err}
	}
	return messages, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return &InfrastructureError{Op: "get sql db", Err: err}
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return &InfrastructureError{Op: "ping postgres", Err: err}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
