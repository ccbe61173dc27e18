package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/CUknot/roomchat/models"
	"github.com/CUknot/roomchat/store"
)

type MessageController struct {
	store store.MessageStore
	log   *zap.Logger
}

func NewMessageController(s store.MessageStore, log *zap.Logger) *MessageController {
	return &MessageController{store: s, log: log}
}

// GetHistory godoc
// @Summary Get recent messages for a room
// @Description Returns up to 50 of the most recent messages of a room, newest first
// @Tags messages
// @Produce json
// @Param room path string true "Room ID"
// @Success 200 {array} models.Message "Recent messages"
// @Failure 400 {object} map[string]string "Room ID is required"
// @Failure 500 {object} map[string]string "Error fetching messages"
// @Router /messages/{room} [get]
func (mc *MessageController) GetHistory(c *gin.Context) {
	room := c.Param("room")
	if room == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Room ID is required"})
		return
	}

	messages, err := mc.store.Recent(c.Request.Context(), room, store.HistoryLimit)
	if err != nil {
		if store.IsValidation(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Room ID is required"})
			return
		}
		mc.log.Error("error fetching messages", zap.String("room", room), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error fetching messages"})
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}

	c.JSON(http.StatusOK, messages)
}
