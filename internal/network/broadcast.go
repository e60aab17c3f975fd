package network

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mossy-p/textcloud/internal/neterr"
	"github.com/mossy-p/textcloud/internal/wire"
	"github.com/mossy-p/textcloud/internal/world"
)

// Coordinates outside this range are treated as corrupt and clamped.
const coordLimit = 10000

var ErrInvalidPosition = errors.New("network: position is not a number")

// AddText creates a locally owned body and announces it to the room.
func (m *Manager) AddText(ctx context.Context, text string, pos wire.Vec2) (world.Body, error) {
	if !finite(pos) {
		return world.Body{}, ErrInvalidPosition
	}
	b, err := m.world.AddText(text, clampVec(pos))
	if err != nil {
		return world.Body{}, err
	}
	if err := m.broadcast(ctx, wire.ReceiveNewText, b.NewText()); err != nil {
		m.logger.Printf("Failed to announce text %s: %v", b.NetworkID, err)
	}
	return b, nil
}

// Click registers a click on any body and tells the room the new count.
func (m *Manager) Click(ctx context.Context, networkID string) (int, error) {
	left, removed, err := m.world.Click(networkID)
	if err != nil {
		return 0, err
	}
	if removed {
		m.forget(networkID)
	}
	click := wire.Click{NetworkID: networkID, ClickLeft: uint32(left)}
	if err := m.broadcast(ctx, wire.ReceiveClickEvent, click); err != nil {
		m.logger.Printf("Failed to send click on %s: %v", networkID, err)
	}
	return left, nil
}

// Drag moves an owned body. The first event of a drag goes out at once;
// later ones are throttled to one per DragInterval.
func (m *Manager) Drag(ctx context.Context, networkID string, pos wire.Vec2, start bool) error {
	if !finite(pos) {
		return ErrInvalidPosition
	}
	pos = clampVec(pos)
	if err := m.world.Drag(networkID, pos, start); err != nil {
		return err
	}

	now := m.now()
	m.mu.Lock()
	last, dragging := m.lastDrag[networkID]
	send := start || !dragging || now.Sub(last) >= m.opts.DragInterval
	if send {
		m.lastDrag[networkID] = now
	}
	m.mu.Unlock()
	if !send {
		return nil
	}

	b, ok := m.world.Get(networkID)
	if !ok {
		return nil
	}
	drag := wire.Drag{NetworkID: networkID, Position: roundVec(b.Position), DragStart: start}
	if err := m.broadcast(ctx, wire.ReceiveDragEvent, drag); err != nil {
		m.logger.Printf("Failed to send drag of %s: %v", networkID, err)
	}
	return nil
}

// EndDrag forgets the drag throttle so the next drag starts fresh.
func (m *Manager) EndDrag(networkID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lastDrag, networkID)
}

// BroadcastBody sends the state of one owned body, at most once per
// PositionInterval per body.
func (m *Manager) BroadcastBody(ctx context.Context, networkID string) {
	b, ok := m.world.Get(networkID)
	if !ok || !m.world.Owns(networkID) {
		return
	}
	m.broadcastBody(ctx, b)
}

func (m *Manager) broadcastBody(ctx context.Context, b world.Body) {
	now := m.now()
	m.mu.Lock()
	if last, ok := m.lastPos[b.NetworkID]; ok && now.Sub(last) < m.opts.PositionInterval {
		m.mu.Unlock()
		return
	}
	m.lastPos[b.NetworkID] = now
	m.mu.Unlock()

	if err := m.broadcast(ctx, wire.PositionUpdate, wire.Position{BodyState: round(b.State())}); err != nil {
		m.logger.Printf("Failed to broadcast %s: %v", b.NetworkID, err)
	}
}

// syncOwned re-broadcasts every owned body in chunks of ChunkSize so
// late joiners and lossy links catch up.
func (m *Manager) syncOwned(ctx context.Context) {
	owned := m.world.Owned()
	if len(owned) == 0 {
		return
	}
	total := (len(owned) + m.opts.ChunkSize - 1) / m.opts.ChunkSize
	stamp := float64(m.now().UnixMilli())

	for i := 0; i < len(owned); i += m.opts.ChunkSize {
		end := min(i+m.opts.ChunkSize, len(owned))
		batch := wire.PositionBatch{
			Timestamp:   stamp,
			ChunkID:     uint16(i / m.opts.ChunkSize),
			TotalChunks: uint16(total),
			Bodies:      make([]wire.BodyState, 0, end-i),
		}
		for _, b := range owned[i:end] {
			batch.Bodies = append(batch.Bodies, round(b.State()))
		}
		if err := m.broadcast(ctx, wire.PositionUpdate, batch); err != nil {
			m.logger.Printf("Failed to send sync chunk %d/%d: %v", batch.ChunkID+1, total, err)
		}
	}
}

// syncPeer announces every owned body to a peer whose channel just opened,
// one message at a time.
func (m *Manager) syncPeer(ctx context.Context, peerID string) error {
	return neterr.Retry(ctx, m.opts.BulkAttempts, m.opts.BulkRetryDelay, neterr.DataChannelError, func(attempt int) error {
		mesh := m.currentMesh()
		if mesh == nil {
			return nil
		}
		tr, ok := mesh.Transport(peerID)
		if !ok {
			return nil
		}

		owned := m.world.Owned()
		for i, b := range owned {
			if i > 0 {
				timer := time.NewTimer(m.opts.BulkDelay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return ctx.Err()
				case <-timer.C:
				}
			}
			if err := tr.Send(ctx, wire.ReceiveNewText, b.NewText(), 1); err != nil {
				return fmt.Errorf("send %s: %w", b.NetworkID, err)
			}
		}
		if len(owned) > 0 {
			m.logger.Printf("Sent %d texts to %s (attempt %d)", len(owned), peerID, attempt)
		}
		return nil
	})
}

// broadcast encodes p once and sends the frame to every open channel.
func (m *Manager) broadcast(ctx context.Context, t wire.MessageType, p wire.Payload) error {
	targets := m.openTransports()
	if len(targets) == 0 {
		return nil
	}
	frame, err := m.codec.Encode(ctx, t, p)
	if err != nil {
		return neterr.New(neterr.InvalidMessage, "encode "+t.String(), err)
	}

	var errs []error
	for _, tr := range targets {
		if err := tr.SendRaw(frame, 0); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", tr.PeerID(), err))
		}
	}
	return errors.Join(errs...)
}

func finite(v wire.Vec2) bool {
	return !math.IsNaN(v.X) && !math.IsNaN(v.Y) && !math.IsInf(v.X, 0) && !math.IsInf(v.Y, 0)
}

func clampVec(v wire.Vec2) wire.Vec2 {
	return wire.Vec2{X: clamp(v.X), Y: clamp(v.Y)}
}

func clamp(v float64) float64 {
	return math.Max(-coordLimit, math.Min(coordLimit, v))
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func roundVec(v wire.Vec2) wire.Vec2 {
	return wire.Vec2{X: round2(v.X), Y: round2(v.Y)}
}

// round trims a state to two decimals before it goes on the wire.
func round(s wire.BodyState) wire.BodyState {
	s.Position = roundVec(s.Position)
	s.Velocity = roundVec(s.Velocity)
	s.Angle = round2(s.Angle)
	s.AngularVelocity = round2(s.AngularVelocity)
	return s
}
