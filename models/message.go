package models

import (
	"time"
)

// Message is a chat message persisted for a room.
type Message struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id" example:"01929a7e-7c4e-7c3a-9d3b-2f0e4a1c5b6d"`
	Room      string    `gorm:"size:255;not null;index:idx_messages_room_timestamp,priority:1" json:"room" example:"lobby"`
	Sender    string    `gorm:"size:255;not null" json:"sender" example:"alice"`
	Content   string    `gorm:"type:text;not null" json:"content" example:"hi"`
	Timestamp time.Time `gorm:"not null;index:idx_messages_room_timestamp,priority:2,sort:desc" json:"timestamp"`
}
