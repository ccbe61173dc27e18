package controllers

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/CUknot/roomchat/models"
)

type RoomController struct {
	stats ChatStats
}

func NewRoomController(stats ChatStats) *RoomController {
	return &RoomController{stats: stats}
}

// GetRooms godoc
// @Summary List live rooms
// @Description Returns every room that currently has at least one connected member
// @Tags rooms
// @Produce json
// @Success 200 {object} map[string][]models.Room "List of rooms"
// @Router /rooms [get]
func (rc *RoomController) GetRooms(c *gin.Context) {
	rooms := lo.MapToSlice(rc.stats.Rooms(), func(name string, members int) models.Room {
		return models.Room{Name: name, Members: members}
	})
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Name < rooms[j].Name })

	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// GetRoom godoc
// @Summary Get a live room
// @Description Returns the member count of a room that currently has connected members
// @Tags rooms
// @Produce json
// @Param room path string true "Room ID"
// @Success 200 {object} map[string]models.Room "Room"
// @Failure 404 {object} map[string]string "Room not found"
// @Router /rooms/{room} [get]
func (rc *RoomController) GetRoom(c *gin.Context) {
	name := c.Param("room")
	members, ok := rc.stats.Rooms()[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"room": models.Room{Name: name, Members: members}})
}
