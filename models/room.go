package models

// Room is a live room and how many sessions are currently in it. Rooms
// exist only while they have members and are never persisted.
type Room struct {
	Name    string `json:"name" example:"lobby"`
	Members int    `json:"members" example:"2"`
}
