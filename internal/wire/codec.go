package wire

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

// Encode serializes p as a frame of type t.
func Encode(t MessageType, p Payload) ([]byte, error) {
	var w writer
	switch t {
	case PositionUpdate:
		switch v := p.(type) {
		case Position:
			w.body(v.BodyState)
		case *Position:
			w.body(v.BodyState)
		case PositionBatch:
			w.batch(v)
		case *PositionBatch:
			w.batch(*v)
		default:
			return nil, fmt.Errorf("%w: %s got %T", ErrPayloadMismatch, t, p)
		}
	case ReceiveInitialState:
		switch v := p.(type) {
		case InitialState:
			w.batch(v.PositionBatch)
		case *InitialState:
			w.batch(v.PositionBatch)
		default:
			return nil, fmt.Errorf("%w: %s got %T", ErrPayloadMismatch, t, p)
		}
	case ReceiveNewText:
		switch v := p.(type) {
		case NewText:
			w.newText(v)
		case *NewText:
			w.newText(*v)
		default:
			return nil, fmt.Errorf("%w: %s got %T", ErrPayloadMismatch, t, p)
		}
	case ReceiveClickEvent:
		switch v := p.(type) {
		case Click:
			w.click(v)
		case *Click:
			w.click(*v)
		default:
			return nil, fmt.Errorf("%w: %s got %T", ErrPayloadMismatch, t, p)
		}
	case ReceiveDragEvent:
		switch v := p.(type) {
		case Drag:
			w.drag(v)
		case *Drag:
			w.drag(*v)
		default:
			return nil, fmt.Errorf("%w: %s got %T", ErrPayloadMismatch, t, p)
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, uint8(t))
	}

	payload := w.buf
	frame := make([]byte, HeaderSize+len(payload))
	frame[0] = byte(t)
	binary.BigEndian.PutUint32(frame[1:5], uint32(len(payload)))
	// frame[5] is reserved and always zero
	copy(frame[HeaderSize:], payload)
	return frame, nil
}

// Decode parses a frame produced by Encode.
func Decode(frame []byte) (Message, error) {
	if len(frame) < HeaderSize {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(frame))
	}
	t := MessageType(frame[0])
	n := binary.BigEndian.Uint32(frame[1:5])
	if uint64(n) > uint64(len(frame)-HeaderSize) {
		return Message{}, fmt.Errorf("%w: header claims %d payload bytes, have %d", ErrShortFrame, n, len(frame)-HeaderSize)
	}
	r := reader{buf: frame[HeaderSize : HeaderSize+int(n)]}

	var p Payload
	var err error
	switch t {
	case PositionUpdate:
		p, err = decodePositionUpdate(&r)
	case ReceiveInitialState:
		var batch PositionBatch
		batch, err = decodeBatch(&r)
		p = InitialState{PositionBatch: batch}
	case ReceiveNewText:
		p, err = decodeNewText(&r)
	case ReceiveClickEvent:
		p, err = decodeClick(&r)
	case ReceiveDragEvent:
		p, err = decodeDrag(&r)
	default:
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownMessageType, uint8(t))
	}
	if err != nil {
		return Message{}, fmt.Errorf("decode %s: %w", t, err)
	}
	return Message{Type: t, Payload: p}, nil
}

type positionVariant int

const (
	variantInvalid positionVariant = iota
	variantSingle
	variantBatch
)

// sniffPositionVariant picks the position-update layout from the payload
// size alone. A single record is exactly BodyRecordSize bytes; anything
// else must be a batch header plus whole records. This is the only place
// that knows how the two variants are told apart.
func sniffPositionVariant(n int) positionVariant {
	switch {
	case n == BodyRecordSize:
		return variantSingle
	case n >= BatchHeaderSize && (n-BatchHeaderSize)%BodyRecordSize == 0:
		return variantBatch
	}
	return variantInvalid
}

func decodePositionUpdate(r *reader) (Payload, error) {
	switch sniffPositionVariant(len(r.buf)) {
	case variantSingle:
		b, err := r.body()
		if err != nil {
			return nil, err
		}
		return Position{BodyState: b}, nil
	case variantBatch:
		return decodeBatch(r)
	}
	return nil, fmt.Errorf("%w: position payload of %d bytes", ErrMalformedPayload, len(r.buf))
}

func decodeBatch(r *reader) (PositionBatch, error) {
	if sniffPositionVariant(len(r.buf)) != variantBatch {
		return PositionBatch{}, fmt.Errorf("%w: batch payload of %d bytes", ErrMalformedPayload, len(r.buf))
	}
	count := r.u32()
	batch := PositionBatch{
		Timestamp:   r.f64(),
		ChunkID:     r.u16(),
		TotalChunks: r.u16(),
	}
	if int(count) != r.remaining()/BodyRecordSize {
		return PositionBatch{}, fmt.Errorf("%w: batch count %d does not match %d records", ErrMalformedPayload, count, r.remaining()/BodyRecordSize)
	}
	batch.Bodies = make([]BodyState, 0, count)
	for i := uint32(0); i < count; i++ {
		b, err := r.body()
		if err != nil {
			return PositionBatch{}, err
		}
		batch.Bodies = append(batch.Bodies, b)
	}
	return batch, nil
}

func decodeNewText(r *reader) (Payload, error) {
	if r.remaining() < NetworkIDSize+OwnerIDSize+4 {
		return nil, fmt.Errorf("%w: new text header", ErrShortFrame)
	}
	var v NewText
	v.NetworkID = r.id(NetworkIDSize)
	v.OwnerID = r.id(OwnerIDSize)
	textLen := r.u32()
	if uint64(r.remaining()) < uint64(textLen)+6*4 {
		return nil, fmt.Errorf("%w: text of %d bytes", ErrShortFrame, textLen)
	}
	v.Text = string(r.take(int(textLen)))
	v.Position = r.vec()
	v.Velocity = r.vec()
	v.Angle = r.f32()
	v.AngularVelocity = r.f32()
	v.ClickLeft = utf8.RuneCountInString(v.Text)
	return v, nil
}

func decodeClick(r *reader) (Payload, error) {
	if r.remaining() < ClickSize {
		return nil, fmt.Errorf("%w: click event", ErrShortFrame)
	}
	return Click{NetworkID: r.id(NetworkIDSize), ClickLeft: r.u32()}, nil
}

func decodeDrag(r *reader) (Payload, error) {
	if r.remaining() < DragSize {
		return nil, fmt.Errorf("%w: drag event", ErrShortFrame)
	}
	return Drag{NetworkID: r.id(NetworkIDSize), Position: r.vec(), DragStart: r.u8() == 1}, nil
}

type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *writer) f32(v float64) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, math.Float32bits(float32(v)))
}
func (w *writer) f64(v float64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, math.Float64bits(v))
}
func (w *writer) vec(v Vec2) {
	w.f32(v.X)
	w.f32(v.Y)
}

// id writes s into a fixed field of size bytes, truncated on a rune
// boundary and zero padded.
func (w *writer) id(s string, size int) {
	field := make([]byte, size)
	copy(field, truncateUTF8(s, size))
	w.buf = append(w.buf, field...)
}

func (w *writer) body(b BodyState) {
	w.id(b.NetworkID, NetworkIDSize)
	w.id(b.OwnerID, OwnerIDSize)
	w.vec(b.Position)
	w.vec(b.Velocity)
	w.f32(b.Angle)
	w.f32(b.AngularVelocity)
}

func (w *writer) batch(b PositionBatch) {
	w.u32(uint32(len(b.Bodies)))
	w.f64(b.Timestamp)
	w.u16(b.ChunkID)
	w.u16(b.TotalChunks)
	for _, body := range b.Bodies {
		w.body(body)
	}
}

func (w *writer) newText(v NewText) {
	w.id(v.NetworkID, NetworkIDSize)
	w.id(v.OwnerID, OwnerIDSize)
	w.u32(uint32(len(v.Text)))
	w.buf = append(w.buf, v.Text...)
	w.vec(v.Position)
	w.vec(v.Velocity)
	w.f32(v.Angle)
	w.f32(v.AngularVelocity)
}

func (w *writer) click(v Click) {
	w.id(v.NetworkID, NetworkIDSize)
	w.u32(v.ClickLeft)
}

func (w *writer) drag(v Drag) {
	w.id(v.NetworkID, NetworkIDSize)
	w.vec(v.Position)
	if v.DragStart {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

// reader methods assume the caller checked remaining() first.
type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) take(n int) []byte {
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8   { return r.take(1)[0] }
func (r *reader) u16() uint16 { return binary.BigEndian.Uint16(r.take(2)) }
func (r *reader) u32() uint32 { return binary.BigEndian.Uint32(r.take(4)) }
func (r *reader) f32() float64 {
	return float64(math.Float32frombits(binary.BigEndian.Uint32(r.take(4))))
}
func (r *reader) f64() float64 { return math.Float64frombits(binary.BigEndian.Uint64(r.take(8))) }
func (r *reader) vec() Vec2    { return Vec2{X: r.f32(), Y: r.f32()} }

func (r *reader) id(size int) string {
	return strings.TrimSpace(strings.ReplaceAll(string(r.take(size)), "\x00", ""))
}

func (r *reader) body() (BodyState, error) {
	if r.remaining() < BodyRecordSize {
		return BodyState{}, fmt.Errorf("%w: body record", ErrShortFrame)
	}
	return BodyState{
		NetworkID:       r.id(NetworkIDSize),
		OwnerID:         r.id(OwnerIDSize),
		Position:        r.vec(),
		Velocity:        r.vec(),
		Angle:           r.f32(),
		AngularVelocity: r.f32(),
	}, nil
}

func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
