// Package wire implements the binary data channel protocol shared by peers.
//
// Every frame is a fixed 6-byte header followed by a type-specific payload:
//
//	[Type:1][Len:4][Reserved:1][Payload:Len]
//
// All numbers are big-endian. Positions, velocities and angles travel as
// float32. Identifier fields are fixed width and zero padded.
package wire

import "errors"

// MessageType identifies the payload layout of a frame
type MessageType uint8

const (
	SentInitialState    MessageType = 0
	PositionUpdate      MessageType = 1
	SentClickEvent      MessageType = 2
	SentDragEvent       MessageType = 3
	SentNewText         MessageType = 4
	ReceiveInitialState MessageType = 5
	ReceiveClickEvent   MessageType = 6
	ReceiveDragEvent    MessageType = 7
	ReceiveNewText      MessageType = 8
	RequestInitialState MessageType = 9
	SendInitialState    MessageType = 10
)

func (t MessageType) String() string {
	switch t {
	case SentInitialState:
		return "SENT_INITIAL_STATE"
	case PositionUpdate:
		return "POSITION_UPDATE"
	case SentClickEvent:
		return "SENT_CLICK_EVENT"
	case SentDragEvent:
		return "SENT_DRAG_EVENT"
	case SentNewText:
		return "SENT_NEW_TEXT"
	case ReceiveInitialState:
		return "RECEIVE_INITIAL_STATE"
	case ReceiveClickEvent:
		return "RECEIVE_CLICK_EVENT"
	case ReceiveDragEvent:
		return "RECEIVE_DRAG_EVENT"
	case ReceiveNewText:
		return "RECEIVE_NEW_TEXT"
	case RequestInitialState:
		return "REQUEST_INITIAL_STATE"
	case SendInitialState:
		return "SEND_INITIAL_STATE"
	}
	return "UNKNOWN"
}

const (
	HeaderSize      = 6
	NetworkIDSize   = 28
	OwnerIDSize     = 36
	BodyRecordSize  = NetworkIDSize + OwnerIDSize + 6*4
	BatchHeaderSize = 4 + 8 + 2 + 2
	ClickSize       = NetworkIDSize + 4
	DragSize        = NetworkIDSize + 2*4 + 1
)

var (
	ErrUnknownMessageType = errors.New("wire: unknown message type")
	ErrPayloadMismatch    = errors.New("wire: payload does not match message type")
	ErrShortFrame         = errors.New("wire: frame too short")
	ErrMalformedPayload   = errors.New("wire: malformed payload")
)

type Vec2 struct {
	X float64
	Y float64
}

type Size struct {
	Width  float64
	Height float64
}

// BodyState is the physics state of one text body as it travels in
// position updates.
type BodyState struct {
	NetworkID       string
	OwnerID         string
	Position        Vec2
	Velocity        Vec2
	Angle           float64
	AngularVelocity float64
}

// Payload is the closed set of decoded message bodies.
type Payload interface {
	isPayload()
}

// NewText announces a text body. ClickLeft and Dimensions are not on the
// wire: decode sets ClickLeft to the rune count of Text and leaves
// Dimensions zero for the receiver to measure.
type NewText struct {
	BodyState
	Text       string
	ClickLeft  int
	Dimensions Size
}

// Position is the single-body form of a position update.
type Position struct {
	BodyState
}

// PositionBatch is the chunked multi-body form of a position update.
type PositionBatch struct {
	Timestamp   float64
	ChunkID     uint16
	TotalChunks uint16
	Bodies      []BodyState
}

// InitialState is a position batch sent as RECEIVE_INITIAL_STATE.
type InitialState struct {
	PositionBatch
}

type Click struct {
	NetworkID string
	ClickLeft uint32
}

type Drag struct {
	NetworkID string
	Position  Vec2
	DragStart bool
}

func (NewText) isPayload()       {}
func (Position) isPayload()      {}
func (PositionBatch) isPayload() {}
func (InitialState) isPayload()  {}
func (Click) isPayload()         {}
func (Drag) isPayload()          {}

// Message is a decoded frame.
type Message struct {
	Type    MessageType
	Payload Payload
}
