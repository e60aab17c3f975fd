package registry

import (
	"context"
	"errors"
	"time"

	"github.com/mossy-p/textcloud/internal/models"
)

var ErrNotCreator = errors.New("only the room creator can delete the room")

// recoveryThreshold is the fraction of the stale timeout after which the
// initiator of an unanswered offer is nudged to renegotiate.
const recoveryThreshold = 0.7

// SweepStale drops unanswered offers older than the stale timeout and sends
// one connection-timeout to each side. Removing the record is what keeps a
// later sweep from notifying again. It also removes rooms nobody joined
// within EmptyRoomTTL. It returns the number of dropped offers.
func (r *Registry) SweepStale(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	for key, p := range r.pending {
		age := now.Sub(p.CreatedAt)
		if age <= r.cfg.StaleTimeout {
			continue
		}
		delete(r.pending, key)
		dropped++
		r.logger.Printf("Removed stale connection %s after %v", key, age.Round(time.Millisecond))

		if m, ok := r.clients[p.Initiator]; ok {
			r.send(m.sender, models.SignalMessage{Type: models.SignalTypeConnectionTimeout, PeerID: p.Receiver})
		}
		if m, ok := r.clients[p.Receiver]; ok {
			r.send(m.sender, models.SignalMessage{Type: models.SignalTypeConnectionTimeout, PeerID: p.Initiator})
		}
	}

	if r.cfg.EmptyRoomTTL > 0 {
		for _, room := range r.rooms {
			if len(room.Peers) == 0 && now.Sub(room.CreatedAt) > r.cfg.EmptyRoomTTL {
				r.removeRoomLocked(room)
				r.logger.Printf("Room %s expired without members", room.ID)
			}
		}
	}
	return dropped
}

// RecoverAging sends a renegotiate hint to the initiator of every offer
// that has passed the recovery threshold but is not stale yet. Each record
// gets at most RecoveryAttempts hints, spaced by RecoveryDelay. It returns
// the number of hints sent.
func (r *Registry) RecoverAging(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	threshold := time.Duration(float64(r.cfg.StaleTimeout) * recoveryThreshold)
	sent := 0
	for key, p := range r.pending {
		age := now.Sub(p.CreatedAt)
		if age <= threshold || age > r.cfg.StaleTimeout {
			continue
		}
		if p.Attempts >= r.cfg.RecoveryAttempts {
			continue
		}
		if p.Attempts > 0 && now.Sub(p.LastHint) < r.cfg.RecoveryDelay {
			continue
		}
		initiator, ok := r.clients[p.Initiator]
		if !ok {
			continue
		}
		if _, ok := r.clients[p.Receiver]; !ok {
			continue
		}

		p.Attempts++
		p.LastHint = now
		sent++
		r.send(initiator.sender, models.SignalMessage{
			Type:     models.SignalTypeRenegotiate,
			TargetID: p.Receiver,
			Attempt:  p.Attempts,
		})
		r.logger.Printf("Connection %s aging (%v), recovery attempt %d/%d", key, age.Round(time.Millisecond), p.Attempts, r.cfg.RecoveryAttempts)
	}
	return sent
}

// Run drives SweepStale every cleanup interval and RecoverAging every
// recovery delay until ctx is done.
func (r *Registry) Run(ctx context.Context, cleanupInterval time.Duration) {
	cleanup := time.NewTicker(cleanupInterval)
	defer cleanup.Stop()
	recovery := time.NewTicker(r.cfg.RecoveryDelay)
	defer recovery.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-cleanup.C:
			r.SweepStale(now)
		case now := <-recovery.C:
			r.RecoverAging(now)
		}
	}
}
