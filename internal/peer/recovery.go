package peer

import (
	"context"
	"time"

	"github.com/mossy-p/textcloud/internal/neterr"
	"github.com/pion/webrtc/v4"
)

func (t *Transport) handleConnectionState(s webrtc.PeerConnectionState) {
	state := stateOf(s)
	t.setState(state)
	if state != StateFailed {
		return
	}

	t.mu.Lock()
	retry := t.renegotiations < t.opts.Renegotiations
	if retry {
		t.renegotiations++
	}
	attempts := t.renegotiations
	t.mu.Unlock()

	if retry {
		t.logger.Printf("Connection to %s failed, renegotiating (%d/%d)", t.id, attempts, t.opts.Renegotiations)
		go t.restartICE()
		return
	}
	t.obs.OnError(t.id, neterr.New(neterr.PeerConnectionFailed, "renegotiation attempts exhausted", nil).
		With("renegotiationAttempts", attempts).
		With("iceState", t.peerConnection().ICEConnectionState().String()))
}

func (t *Transport) handleICEState(s webrtc.ICEConnectionState) {
	if s != webrtc.ICEConnectionStateFailed && s != webrtc.ICEConnectionStateDisconnected {
		return
	}

	t.mu.Lock()
	if t.recovering {
		t.mu.Unlock()
		return
	}
	t.recovering = true
	t.mu.Unlock()

	t.logger.Printf("ICE connection to %s is %s, attempting recovery", t.id, s)
	go t.recoverICE()
}

// recoverICE restarts ICE up to ICERestarts times, ICERestartDelay apart.
// If ICE is still down afterwards the peer connection is rebuilt.
func (t *Transport) recoverICE() {
	defer func() {
		t.mu.Lock()
		t.recovering = false
		t.mu.Unlock()
	}()

	for attempt := 1; attempt <= t.opts.ICERestarts; attempt++ {
		t.logger.Printf("ICE recovery attempt %d/%d for %s", attempt, t.opts.ICERestarts, t.id)
		t.restartICE()

		timer := time.NewTimer(t.opts.ICERestartDelay)
		select {
		case <-t.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if !t.iceDown() {
			return
		}
	}

	t.logger.Printf("ICE recovery exhausted for %s, creating new connection", t.id)
	t.recreate()
}

func (t *Transport) iceDown() bool {
	s := t.peerConnection().ICEConnectionState()
	return s == webrtc.ICEConnectionStateFailed || s == webrtc.ICEConnectionStateDisconnected
}

// restartICE sends an ICE restart offer. Only the initiator offers; the
// answerer restarts when that offer arrives.
func (t *Transport) restartICE() {
	if !t.opts.Initiator || t.ctx.Err() != nil {
		return
	}
	pc := t.peerConnection()
	offer, err := pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		t.logger.Printf("ICE restart offer for %s failed: %v", t.id, err)
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		t.logger.Printf("ICE restart for %s failed: %v", t.id, err)
		return
	}
	t.obs.OnOffer(t.id, offer)
}

// recreate replaces the peer connection with a fresh one. The initiator
// offers again right away.
func (t *Transport) recreate() {
	if t.ctx.Err() != nil {
		return
	}
	if err := t.connect(); err != nil {
		t.obs.OnError(t.id, err)
		return
	}
	t.setState(StateConnecting)
	if !t.opts.Initiator {
		return
	}

	ctx, cancel := context.WithTimeout(t.ctx, t.opts.GatherTimeout+t.opts.GatherExtension)
	defer cancel()
	offer, err := t.CreateOffer(ctx)
	if err != nil {
		t.obs.OnError(t.id, err)
		return
	}
	t.obs.OnOffer(t.id, offer)
}

// SetNetworkOnline records the host's link state. Coming back online
// rebuilds the connection after SettleDelay, unless the link dropped again
// in the meantime.
func (t *Transport) SetNetworkOnline(online bool) {
	t.mu.Lock()
	was := t.online
	t.online = online
	t.mu.Unlock()

	if was || !online {
		return
	}
	t.logger.Printf("Network restored, reinitializing connection to %s", t.id)
	go func() {
		timer := time.NewTimer(t.opts.SettleDelay)
		defer timer.Stop()
		select {
		case <-t.ctx.Done():
			return
		case <-timer.C:
		}

		t.mu.Lock()
		still := t.online
		t.mu.Unlock()
		if still {
			t.recreate()
		}
	}()
}
