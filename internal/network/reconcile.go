package network

import (
	"math"

	"github.com/mossy-p/textcloud/internal/wire"
	"github.com/mossy-p/textcloud/internal/world"
)

// OnMessage applies a message from the data channel of peerID.
func (m *Manager) OnMessage(peerID string, msg wire.Message) {
	switch p := msg.Payload.(type) {
	case wire.Position:
		m.reconcile(peerID, p.BodyState)
	case wire.PositionBatch:
		for _, s := range p.Bodies {
			m.reconcile(peerID, s)
		}
	case wire.NewText:
		m.receiveText(peerID, p)
	case wire.Click:
		if _, removed := m.world.MergeClick(p.NetworkID, int(p.ClickLeft)); removed {
			m.forget(p.NetworkID)
			m.logger.Printf("Text %s destroyed by click from %s", p.NetworkID, peerID)
		}
	case wire.Drag:
		if !finite(p.Position) {
			m.logger.Printf("Dropping drag of %s from %s: invalid position", p.NetworkID, peerID)
			return
		}
		p.Position = clampVec(p.Position)
		m.world.ApplyDrag(p)
	case wire.InitialState:
		// Bulk sync travels as new-text messages.
	default:
		m.logger.Printf("Ignoring %s from %s", msg.Type, peerID)
	}
}

// reconcile applies an owner's broadcast state. Corrupt numbers are
// dropped, the rest is clamped and rounded like the sender does.
func (m *Manager) reconcile(peerID string, s wire.BodyState) {
	if !validState(s) {
		m.logger.Printf("Dropping update for %s from %s: invalid state", s.NetworkID, peerID)
		return
	}
	s.Position = clampVec(s.Position)
	s.Velocity = clampVec(s.Velocity)
	if m.world.ApplyRemote(round(s)) == world.Evicted {
		m.forget(s.NetworkID)
		m.logger.Printf("Text %s left the visible area, removed", s.NetworkID)
	}
}

func (m *Manager) receiveText(peerID string, nt wire.NewText) {
	if !validState(nt.BodyState) || nt.Text == "" {
		m.logger.Printf("Dropping new text %s from %s: invalid payload", nt.NetworkID, peerID)
		return
	}
	nt.Position = clampVec(nt.Position)
	nt.Velocity = clampVec(nt.Velocity)
	if m.world.Insert(nt) {
		m.logger.Printf("Text %s from %s added", nt.NetworkID, nt.OwnerID)
	}
}

func validState(s wire.BodyState) bool {
	return s.NetworkID != "" &&
		finite(s.Position) && finite(s.Velocity) &&
		!math.IsNaN(s.Angle) && !math.IsNaN(s.AngularVelocity)
}
