package peer

import (
	"context"
	"errors"
	"time"

	"github.com/mossy-p/textcloud/internal/neterr"
	"github.com/mossy-p/textcloud/internal/wire"
	"github.com/pion/webrtc/v4"
)

const channelOpenTimeout = 5 * time.Second

// openChannel creates the unordered, zero-retransmit game channel on pc.
func (t *Transport) openChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := false
	var retransmits uint16
	dc, err := pc.CreateDataChannel(ChannelLabel, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &retransmits,
	})
	if err != nil {
		return nil, neterr.New(neterr.DataChannelError, "create data channel", err)
	}
	t.attach(pc, dc)
	return dc, nil
}

func (t *Transport) attach(pc *webrtc.PeerConnection, dc *webrtc.DataChannel) {
	t.mu.Lock()
	if t.closed || t.pc != pc {
		t.mu.Unlock()
		dc.Close()
		return
	}
	t.dc = dc
	t.mu.Unlock()

	dc.OnOpen(func() {
		if !t.currentChannel(dc) {
			return
		}
		t.logger.Printf("Data channel opened with peer %s", t.id)
		t.obs.OnChannelOpen(t.id)
	})
	dc.OnClose(func() {
		if t.currentChannel(dc) {
			t.channelLost(pc, 5, 2*time.Second, nil)
		}
	})
	dc.OnError(func(err error) {
		if t.currentChannel(dc) {
			t.channelLost(pc, 3, time.Second, err)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.receive(msg.Data)
	})
}

func (t *Transport) currentChannel(dc *webrtc.DataChannel) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed && t.dc == dc
}

// healthy reports whether pc itself is still connected, in which case a
// lost channel can be replaced without renegotiating.
func healthy(pc *webrtc.PeerConnection) bool {
	ice := pc.ICEConnectionState()
	return pc.ConnectionState() == webrtc.PeerConnectionStateConnected &&
		(ice == webrtc.ICEConnectionStateConnected || ice == webrtc.ICEConnectionStateCompleted)
}

// channelLost handles a closed or failed data channel. While the peer
// connection is healthy the initiator opens a new channel; the answerer
// waits for it. Otherwise recovery is left to connection state handling.
func (t *Transport) channelLost(pc *webrtc.PeerConnection, attempts int, delay time.Duration, cause error) {
	if cause != nil {
		t.logger.Printf("Data channel error with peer %s: %v", t.id, cause)
	} else {
		t.logger.Printf("Data channel closed with peer %s", t.id)
	}

	if !healthy(pc) {
		if cause == nil {
			t.obs.OnChannelClose(t.id)
		}
		return
	}
	if !t.opts.Initiator {
		return
	}

	t.mu.Lock()
	if t.reopening {
		t.mu.Unlock()
		return
	}
	t.reopening = true
	t.mu.Unlock()

	go func() {
		defer func() {
			t.mu.Lock()
			t.reopening = false
			t.mu.Unlock()
		}()

		err := neterr.Retry(t.ctx, attempts, delay, neterr.DataChannelError, func(attempt int) error {
			t.logger.Printf("Re-establishing data channel with %s (attempt %d/%d)", t.id, attempt, attempts)
			return t.reopen(pc)
		})
		if err == nil || t.ctx.Err() != nil {
			return
		}
		t.logger.Printf("Failed to re-establish data channel with %s: %v", t.id, err)
		t.obs.OnChannelClose(t.id)
	}()
}

var errChannelNotOpen = errors.New("data channel did not open")

func (t *Transport) reopen(pc *webrtc.PeerConnection) error {
	if !t.current(pc) {
		return errors.New("peer connection replaced")
	}
	dc, err := t.openChannel(pc)
	if err != nil {
		return err
	}

	deadline := time.NewTimer(channelOpenTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return t.ctx.Err()
		case <-deadline.C:
			return errChannelNotOpen
		case <-poll.C:
			if dc.ReadyState() == webrtc.DataChannelStateOpen {
				return nil
			}
		}
	}
}

func (t *Transport) receive(frame []byte) {
	msg, err := t.codec.Decode(t.ctx, frame)
	if err != nil {
		if t.ctx.Err() == nil {
			t.logger.Printf("Dropping message from %s: %v", t.id, neterr.New(neterr.InvalidMessage, "decode", err).With("size", len(frame)))
		}
		return
	}
	t.obs.OnMessage(t.id, msg)
}

// Send encodes and sends one message. It is a no-op while the channel is
// not open.
func (t *Transport) Send(ctx context.Context, typ wire.MessageType, p wire.Payload, priority int) error {
	if !t.ChannelOpen() {
		t.logger.Printf("Cannot send %s to %s: data channel not open", typ, t.id)
		return nil
	}
	frame, err := t.codec.Encode(ctx, typ, p)
	if err != nil {
		return neterr.New(neterr.InvalidMessage, "encode "+typ.String(), err)
	}
	return t.SendRaw(frame, priority)
}

// SendRaw sends an encoded frame. Priority is accepted but every frame goes
// out in call order on the same channel.
func (t *Transport) SendRaw(frame []byte, priority int) error {
	t.mu.Lock()
	dc := t.dc
	t.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		t.logger.Printf("Cannot send raw frame to %s: data channel not open", t.id)
		return nil
	}
	if err := dc.Send(frame); err != nil {
		return neterr.New(neterr.DataChannelError, "send", err).With("priority", priority)
	}
	return nil
}
