// Package peer wraps one WebRTC peer connection and its unreliable
// "gameData" data channel.
package peer

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/mossy-p/textcloud/internal/neterr"
	"github.com/mossy-p/textcloud/internal/quality"
	"github.com/mossy-p/textcloud/internal/wire"
	"github.com/pion/webrtc/v4"
)

const ChannelLabel = "gameData"

type State string

const (
	StateNew        State = "new"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateFailed     State = "failed"
	StateClosed     State = "closed"
)

// Codec runs wire encoding off the caller's goroutine. *workerpool.Pool
// implements it.
type Codec interface {
	Encode(ctx context.Context, t wire.MessageType, p wire.Payload) ([]byte, error)
	Decode(ctx context.Context, frame []byte) (wire.Message, error)
}

// Observer receives transport events. Calls come from pion's goroutines
// and must not block for long.
type Observer interface {
	// OnLocalCandidate is called for every gathered local candidate.
	OnLocalCandidate(peerID string, c webrtc.ICECandidateInit)
	// OnOffer is called when the transport renegotiates on its own
	// (ICE restart or a recreated connection) and needs the offer relayed.
	OnOffer(peerID string, offer webrtc.SessionDescription)
	OnStateChange(peerID string, s State)
	OnChannelOpen(peerID string)
	// OnChannelClose means the channel is gone for good; the owner should
	// drop the peer.
	OnChannelClose(peerID string)
	OnMessage(peerID string, msg wire.Message)
	OnError(peerID string, err error)
}

type Transport struct {
	id      string
	opts    Options
	codec   Codec
	obs     Observer
	logger  *log.Logger
	monitor *quality.Monitor

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	pc             *webrtc.PeerConnection
	dc             *webrtc.DataChannel
	state          State
	remoteSet      bool
	pending        []webrtc.ICECandidateInit
	gathered       bool
	renegotiations int
	recovering     bool
	reopening      bool
	online         bool
	poor           bool
	closed         bool
}

// New creates the transport for the remote peer peerID. An initiator
// creates the data channel straight away.
func New(peerID string, codec Codec, obs Observer, opts Options) (*Transport, error) {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		id:      peerID,
		opts:    opts,
		codec:   codec,
		obs:     obs,
		logger:  opts.Logger,
		monitor: quality.NewMonitor(),
		ctx:     ctx,
		cancel:  cancel,
		state:   StateNew,
		online:  true,
	}
	if err := t.connect(); err != nil {
		cancel()
		return nil, err
	}
	go t.monitor.Run(ctx, t, opts.StatsInterval, t.reportQuality)
	return t, nil
}

func (t *Transport) PeerID() string  { return t.id }
func (t *Transport) Initiator() bool { return t.opts.Initiator }

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ChannelOpen reports whether the data channel can carry messages.
func (t *Transport) ChannelOpen() bool {
	t.mu.Lock()
	dc := t.dc
	t.mu.Unlock()
	return dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen
}

// Quality returns the averaged connection metrics.
func (t *Transport) Quality() quality.Stats {
	return t.monitor.Stats()
}

// GetStats reads the stats of the current peer connection.
func (t *Transport) GetStats() webrtc.StatsReport {
	return t.peerConnection().GetStats()
}

// connect builds a fresh peer connection, replacing the previous one.
func (t *Transport) connect() error {
	pc, err := t.opts.API.NewPeerConnection(Configuration(t.opts.ICE))
	if err != nil {
		return neterr.New(neterr.PeerConnectionFailed, "create peer connection", err)
	}

	t.mu.Lock()
	old := t.pc
	t.pc, t.dc = pc, nil
	t.remoteSet, t.gathered = false, false
	t.pending = nil
	t.mu.Unlock()
	if old != nil {
		old.Close()
	}

	t.watch(pc)
	if t.opts.Initiator {
		if _, err := t.openChannel(pc); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) peerConnection() *webrtc.PeerConnection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pc
}

// current reports whether pc is still the live connection. Callbacks from
// replaced connections are dropped.
func (t *Transport) current(pc *webrtc.PeerConnection) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed && t.pc == pc
}

func (t *Transport) watch(pc *webrtc.PeerConnection) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || !t.current(pc) {
			return
		}
		t.mu.Lock()
		t.gathered = true
		t.mu.Unlock()
		t.obs.OnLocalCandidate(t.id, c.ToJSON())
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if t.current(pc) {
			t.handleConnectionState(s)
		}
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		if t.current(pc) {
			t.handleICEState(s)
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != ChannelLabel {
			t.logger.Printf("Ignoring data channel %q from %s", dc.Label(), t.id)
			return
		}
		t.attach(pc, dc)
	})
}

func stateOf(s webrtc.PeerConnectionState) State {
	switch s {
	case webrtc.PeerConnectionStateConnecting, webrtc.PeerConnectionStateDisconnected:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	}
	return StateNew
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	if t.closed || t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	t.mu.Unlock()
	t.obs.OnStateChange(t.id, s)
}

// CreateOffer creates the local offer and waits for candidate gathering.
// Gathering gets GatherTimeout; if no candidate showed up by then it gets
// GatherExtension more. Whatever was gathered is returned, so a slow STUN
// server degrades to trickled candidates instead of failing the offer.
func (t *Transport) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	t.mu.Lock()
	pc, dc := t.pc, t.dc
	t.mu.Unlock()
	if dc == nil {
		return webrtc.SessionDescription{}, neterr.Terminal(neterr.DataChannelError, "no data channel available for offer", nil)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, offerFailed(err)
	}
	done := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, offerFailed(err)
	}

	desc, err := t.gather(ctx, pc, done)
	if err != nil {
		return webrtc.SessionDescription{}, offerFailed(err)
	}
	return desc, nil
}

func offerFailed(err error) error {
	return neterr.New(neterr.PeerConnectionFailed, "create offer", err).With("operation", "createOffer")
}

var errNoLocalDescription = errors.New("no local description after gathering")

func (t *Transport) gather(ctx context.Context, pc *webrtc.PeerConnection, done <-chan struct{}) (webrtc.SessionDescription, error) {
	local := func() (webrtc.SessionDescription, error) {
		if d := pc.LocalDescription(); d != nil {
			return *d, nil
		}
		return webrtc.SessionDescription{}, errNoLocalDescription
	}

	primary := time.NewTimer(t.opts.GatherTimeout)
	defer primary.Stop()
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()

	for waiting := true; waiting; {
		select {
		case <-done:
			return local()
		case <-ctx.Done():
			return webrtc.SessionDescription{}, ctx.Err()
		case <-poll.C:
			if pc.ConnectionState() == webrtc.PeerConnectionStateFailed {
				return webrtc.SessionDescription{}, errors.New("connection failed during ICE gathering")
			}
		case <-primary.C:
			waiting = false
		}
	}

	if t.hasCandidates() {
		t.logger.Printf("ICE gathering for %s timed out, using partial candidate set", t.id)
		return local()
	}

	extended := time.NewTimer(t.opts.GatherExtension)
	defer extended.Stop()
	for {
		select {
		case <-done:
			return local()
		case <-ctx.Done():
			return webrtc.SessionDescription{}, ctx.Err()
		case <-extended.C:
			t.logger.Printf("Extended ICE gathering timeout for %s, using current state", t.id)
			return local()
		case <-poll.C:
			if t.hasCandidates() {
				return local()
			}
		}
	}
}

func (t *Transport) hasCandidates() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gathered
}

// CreateAnswer answers the remote offer. Candidates trickle afterwards.
func (t *Transport) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	pc := t.peerConnection()
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, neterr.New(neterr.PeerConnectionFailed, "create answer", err).With("operation", "createAnswer")
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, neterr.New(neterr.PeerConnectionFailed, "create answer", err).With("operation", "createAnswer")
	}
	return answer, nil
}

// SetRemoteDescription applies the remote offer or answer, retrying with
// backoff, then flushes candidates that arrived early.
func (t *Transport) SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	pc := t.peerConnection()
	if t.State() == StateClosed || pc.SignalingState() == webrtc.SignalingStateClosed {
		return neterr.Terminal(neterr.PeerConnectionFailed, "connection closed", nil).With("operation", "setRemoteDescription")
	}

	err := neterr.Retry(ctx, t.opts.RemoteDescriptionAttempts, t.opts.RemoteDescriptionDelay, neterr.PeerConnectionFailed, func(attempt int) error {
		if err := pc.SetRemoteDescription(desc); err != nil {
			t.logger.Printf("setRemoteDescription for %s failed (attempt %d, signaling state %s): %v", t.id, attempt, pc.SignalingState(), err)
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	t.mu.Lock()
	pending := t.pending
	t.pending = nil
	if t.pc == pc {
		t.remoteSet = true
	}
	t.mu.Unlock()
	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			t.logger.Printf("Failed to add queued ICE candidate for %s: %v", t.id, err)
		}
	}
	return nil
}

// AddICECandidate adds a remote candidate, or queues it until the remote
// description is set.
func (t *Transport) AddICECandidate(c webrtc.ICECandidateInit) error {
	t.mu.Lock()
	if !t.remoteSet {
		t.pending = append(t.pending, c)
		t.mu.Unlock()
		return nil
	}
	pc := t.pc
	t.mu.Unlock()

	if err := pc.AddICECandidate(c); err != nil {
		return neterr.New(neterr.ICEConnectionFailed, "add ice candidate", err)
	}
	return nil
}

// SameSession reports whether offer continues the current session, as an
// ICE restart does, rather than coming from a new remote connection.
func (t *Transport) SameSession(offer webrtc.SessionDescription) bool {
	remote := t.peerConnection().RemoteDescription()
	if remote == nil {
		return false
	}
	fp := fingerprint(remote.SDP)
	return fp != "" && fp == fingerprint(offer.SDP)
}

func fingerprint(sdp string) string {
	for _, line := range strings.Split(sdp, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "a=fingerprint:"); ok {
			return v
		}
	}
	return ""
}

// Close tears the transport down. It does not notify the observer.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.state = StateClosed
	pc, dc := t.pc, t.dc
	t.mu.Unlock()

	t.cancel()
	if dc != nil {
		dc.Close()
	}
	if pc != nil {
		pc.Close()
	}
}

func (t *Transport) reportQuality(st quality.Stats) {
	poor := st.Level == quality.Poor && t.State() == StateConnected

	t.mu.Lock()
	was := t.poor
	t.poor = poor
	t.mu.Unlock()

	if poor && !was {
		t.obs.OnError(t.id, neterr.New(neterr.PoorConnection, "poor connection quality", nil).
			With("latency", st.Latency).
			With("packetLoss", st.PacketLoss).
			With("bandwidth", st.Bandwidth).
			With("jitter", st.Jitter))
	}
}
