package models

import "encoding/json"

// SignalType represents the type of a room socket message
type SignalType string

const (
	SignalTypeJoin              SignalType = "join"
	SignalTypeInit              SignalType = "init"
	SignalTypePeerJoin          SignalType = "peer-join"
	SignalTypePeerLeave         SignalType = "peer-leave"
	SignalTypeOffer             SignalType = "offer"
	SignalTypeAnswer            SignalType = "answer"
	SignalTypeCandidate         SignalType = "ice-candidate"
	SignalTypeError             SignalType = "error"
	SignalTypeRenegotiate       SignalType = "renegotiate"
	SignalTypeConnectionTimeout SignalType = "connection-timeout"
	SignalTypePing              SignalType = "ping"
)

// IsRelayed reports whether the server forwards this type to a target peer.
func (t SignalType) IsRelayed() bool {
	return t == SignalTypeOffer || t == SignalTypeAnswer || t == SignalTypeCandidate
}

// SignalMessage is a room socket frame. Offer, Answer and Candidate are kept
// raw so the server relays them without interpreting SDP.
type SignalMessage struct {
	Type         SignalType      `json:"type"`
	PeerID       string          `json:"peerId,omitempty"`
	TargetID     string          `json:"targetId,omitempty"`
	Offer        json.RawMessage `json:"offer,omitempty"`
	Answer       json.RawMessage `json:"answer,omitempty"`
	Candidate    json.RawMessage `json:"candidate,omitempty"`
	RoomSettings *RoomSettings   `json:"roomSettings,omitempty"`
	Password     string          `json:"password,omitempty"`
	Attempt      int             `json:"attempt,omitempty"`
	Error        ErrorCode       `json:"error,omitempty"`
}

// LobbyType represents the type of a room-list socket message
type LobbyType string

const (
	LobbyTypeCreateRoom    LobbyType = "create-room"
	LobbyTypeEnterRoom     LobbyType = "enter-room"
	LobbyTypeRoomList      LobbyType = "room-list"
	LobbyTypeRoomCreated   LobbyType = "room-created"
	LobbyTypeRoomUpdated   LobbyType = "room-updated"
	LobbyTypeRoomDeleted   LobbyType = "room-deleted"
	LobbyTypeCreateSuccess LobbyType = "room-create-success"
	LobbyTypeEnterSuccess  LobbyType = "room-enter-success"
	LobbyTypeError         LobbyType = "error"
	LobbyTypePing          LobbyType = "ping"
)

// LobbyMessage covers both directions of the room-list socket.
type LobbyMessage struct {
	Type         LobbyType     `json:"type"`
	Name         string        `json:"name,omitempty"`
	MaxUsers     int           `json:"maxUsers,omitempty"`
	MaxTexts     int           `json:"maxTexts,omitempty"`
	Password     string        `json:"password,omitempty"`
	RoomID       string        `json:"roomId,omitempty"`
	Rooms        []RoomInfo    `json:"rooms,omitempty"`
	Room         *RoomInfo     `json:"room,omitempty"`
	CurrentUsers *int          `json:"currentUsers,omitempty"`
	RoomSettings *RoomSettings `json:"roomSettings,omitempty"`
	Error        ErrorCode     `json:"error,omitempty"`
}

// ErrorCode is the closed set of error strings sent in error frames.
type ErrorCode string

const (
	ErrInvalidPassword      ErrorCode = "invalid-password"
	ErrRoomFull             ErrorCode = "room-full"
	ErrRoomNotFound         ErrorCode = "room-not-found"
	ErrInvalidMessageFormat ErrorCode = "invalid-message-format"
	ErrPeerNotFound         ErrorCode = "peer-not-found"
	ErrMissingTargetID      ErrorCode = "missing-target-id"
	ErrServerProcessing     ErrorCode = "server-error-processing-message"
	ErrInvalidMessage       ErrorCode = "invalid-message"
)

func (e ErrorCode) Error() string {
	return string(e)
}
