package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/textcloud/internal/middleware"
	"github.com/mossy-p/textcloud/internal/models"
	"github.com/mossy-p/textcloud/internal/registry"
)

// ListRooms returns the sanitized room list (public)
func (h *Handler) ListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.reg.Rooms()})
}

// GetRoom gets room information by code or ID (public)
func (h *Handler) GetRoom(c *gin.Context) {
	roomIdent := c.Param("roomId")

	if info, settings, ok := h.reg.Room(roomIdent); ok {
		c.JSON(http.StatusOK, gin.H{"room": info, "roomSettings": settings})
		return
	}

	if h.lookup != nil {
		meta, count, err := h.lookup.Lookup(c.Request.Context(), roomIdent)
		if err == nil {
			c.JSON(http.StatusOK, gin.H{
				"room": models.RoomInfo{
					ID:           meta.ID,
					Code:         meta.Code,
					Name:         meta.Name,
					CurrentUsers: count,
					MaxUsers:     meta.MaxUsers,
					HasPassword:  meta.HasPassword,
				},
				"roomSettings": models.RoomSettings{MaxTexts: meta.MaxTexts, MaxUsers: meta.MaxUsers},
			})
			return
		}
		h.logger.Printf("Room directory lookup for %s failed: %v", roomIdent, err)
	}

	c.JSON(http.StatusNotFound, gin.H{"error": string(models.ErrRoomNotFound)})
}

// CreateRoom creates a new room (requires authentication)
func (h *Handler) CreateRoom(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	info, settings := h.reg.CreateRoom(nil, userID, req)
	h.logger.Printf("Room %s created over REST by user %s", info.ID, userID)

	c.JSON(http.StatusCreated, models.CreateRoomResponse{
		Room:         info,
		Password:     req.Password,
		RoomSettings: settings,
	})
}

// DeleteRoom deletes a room (requires authentication and creator)
func (h *Handler) DeleteRoom(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	err := h.reg.DeleteRoom(c.Param("roomId"), userID)
	switch {
	case errors.Is(err, models.ErrRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": string(models.ErrRoomNotFound)})
	case errors.Is(err, registry.ErrNotCreator):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete room"})
	default:
		c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
	}
}
