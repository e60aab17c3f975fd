package models

import "time"

// RoomSettings are the limits handed to every peer on init.
type RoomSettings struct {
	MaxTexts int `json:"maxTexts"`
	MaxUsers int `json:"maxUsers"`
}

// RoomInfo is the sanitized view of a room published to lobby observers.
// It never carries the password.
type RoomInfo struct {
	ID           string `json:"id"`
	Code         string `json:"code,omitempty"` // Short, shareable room code
	Name         string `json:"name"`
	CurrentUsers int    `json:"currentUsers"`
	MaxUsers     int    `json:"maxUsers"`
	HasPassword  bool   `json:"hasPassword"`
}

// RoomMetadata is what the directory mirror stores per room.
type RoomMetadata struct {
	ID          string    `json:"id"`
	Code        string    `json:"code"`
	Name        string    `json:"name"`
	CreatorID   string    `json:"creatorId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	MaxUsers    int       `json:"maxUsers"`
	MaxTexts    int       `json:"maxTexts"`
	HasPassword bool      `json:"hasPassword"`
}

// CreateRoomRequest is the request body for creating a room over REST
type CreateRoomRequest struct {
	Name     string `json:"name" binding:"required,max=64"`
	MaxUsers int    `json:"maxUsers" binding:"omitempty,min=1,max=64"`
	MaxTexts int    `json:"maxTexts" binding:"omitempty,min=1,max=1000"`
	Password string `json:"password,omitempty"`
}

// CreateRoomResponse is the response for creating a room
type CreateRoomResponse struct {
	Room         RoomInfo     `json:"room"`
	Password     string       `json:"password,omitempty"`
	RoomSettings RoomSettings `json:"roomSettings"`
}
