// Package signaling is the peer side of the signaling server: the lobby
// socket for browsing and entering rooms, and the room socket that relays
// WebRTC negotiation between the members of a room.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/mossy-p/textcloud/internal/models"
	"github.com/mossy-p/textcloud/internal/neterr"
	"github.com/mossy-p/textcloud/internal/peer"
	"github.com/mossy-p/textcloud/internal/wire"
	"github.com/pion/webrtc/v4"
)

// Transport is the part of *peer.Transport the client drives.
type Transport interface {
	PeerID() string
	Initiator() bool
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	SameSession(offer webrtc.SessionDescription) bool
	ChannelOpen() bool
	State() peer.State
	Send(ctx context.Context, typ wire.MessageType, p wire.Payload, priority int) error
	SendRaw(frame []byte, priority int) error
	SetNetworkOnline(online bool)
	Close()
}

// TransportFactory creates the transport to one remote peer. The transport
// reports its events to obs.
type TransportFactory interface {
	NewTransport(peerID string, initiator bool, obs peer.Observer) (Transport, error)
}

// PeerFactory builds real WebRTC transports.
type PeerFactory struct {
	Codec   peer.Codec
	Options peer.Options
}

func (f PeerFactory) NewTransport(peerID string, initiator bool, obs peer.Observer) (Transport, error) {
	opts := f.Options
	opts.Initiator = initiator
	tr, err := peer.New(peerID, f.Codec, obs, opts)
	if err != nil {
		return nil, err
	}
	return tr, nil
}

// Events is implemented by the layer above the room socket.
type Events interface {
	// OnInit is called whenever the server assigns this client a peer id,
	// on the first join and after every reconnect.
	OnInit(peerID string, settings models.RoomSettings)
	OnSignalingChange(connected bool)
	// OnPeerConnected is called when the data channel to a peer opens.
	OnPeerConnected(peerID string)
	// OnPeerDisconnected is called when a peer left or its transport is
	// gone for good.
	OnPeerDisconnected(peerID string)
	OnMessage(peerID string, msg wire.Message)
	OnError(err error)
}

type Options struct {
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	// HandshakeBudget bounds how often one remote peer is re-handshaked
	// before it is dropped.
	HandshakeBudget int
	MaxPeers        int
	JoinTimeout     time.Duration
	OfferTimeout    time.Duration
	Logger          *log.Logger
}

func (o *Options) applyDefaults() {
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = 5
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = time.Second
	}
	if o.HandshakeBudget <= 0 {
		o.HandshakeBudget = 3
	}
	if o.MaxPeers <= 0 {
		o.MaxPeers = 10
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = 10 * time.Second
	}
	if o.OfferTimeout <= 0 {
		o.OfferTimeout = 25 * time.Second
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
}

// Client is one room membership. It owns the room socket and the
// transports to the other members.
type Client struct {
	serverURL string
	factory   TransportFactory
	events    Events
	opts      Options
	logger    *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	sock       *socket
	roomID     string
	password   string
	localID    string
	settings   models.RoomSettings
	connected  bool
	closed     bool
	rejected   models.ErrorCode
	peers      map[string]Transport
	candidates map[string][]webrtc.ICECandidateInit
	handshakes map[string]int
	lanes      map[string]chan func()
}

func New(serverURL string, factory TransportFactory, events Events, opts Options) *Client {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		serverURL:  serverURL,
		factory:    factory,
		events:     events,
		opts:       opts,
		logger:     opts.Logger,
		ctx:        ctx,
		cancel:     cancel,
		peers:      make(map[string]Transport),
		candidates: make(map[string][]webrtc.ICECandidateInit),
		handshakes: make(map[string]int),
		lanes:      make(map[string]chan func()),
	}
}

// Join enters the room and returns once the server has assigned a peer id.
// Failed attempts are retried with exponential backoff; a rejection by the
// server (room missing, full, wrong password) is not retried.
func (c *Client) Join(ctx context.Context, roomID, password string) error {
	c.mu.Lock()
	c.roomID, c.password = roomID, password
	c.rejected = ""
	c.mu.Unlock()

	return neterr.Retry(ctx, c.opts.ReconnectAttempts, c.opts.ReconnectDelay, neterr.SignalingConnectionFailed, func(attempt int) error {
		err := c.joinOnce(ctx)
		if err != nil {
			c.logger.Printf("Join attempt %d/%d for room %s failed: %v", attempt, c.opts.ReconnectAttempts, roomID, err)
		}
		return err
	})
}

func (c *Client) joinOnce(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return neterr.Terminal(neterr.SignalingConnectionFailed, "client closed", nil)
	}
	roomID, password := c.roomID, c.password
	c.mu.Unlock()

	u, err := endpoint(c.serverURL, "/room/"+roomID)
	if err != nil {
		return neterr.Terminal(neterr.SignalingConnectionFailed, "invalid server url", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.JoinTimeout)
	defer cancel()

	sock, err := dial(ctx, u, c.logger)
	if err != nil {
		return neterr.New(neterr.SignalingConnectionFailed, "dial room", err).With("roomId", roomID)
	}

	ready := make(chan string, 1)
	var (
		joined   bool
		joinMu   sync.Mutex
		rejected models.ErrorCode
	)
	sock.run(func(data []byte) {
		msg, ok := c.parse(data)
		if !ok {
			return
		}
		joinMu.Lock()
		isJoined := joined
		if !isJoined {
			switch msg.Type {
			case models.SignalTypeInit:
				joined = true
				joinMu.Unlock()
				c.onInit(sock, msg)
				ready <- msg.PeerID
				return
			case models.SignalTypeError:
				rejected = msg.Error
			}
		}
		joinMu.Unlock()
		if isJoined {
			c.handle(msg)
		}
	}, func() {
		joinMu.Lock()
		wasJoined := joined
		joinMu.Unlock()
		if wasJoined {
			c.onSocketClosed(sock)
		}
		close(ready)
	})

	// A socket the server already refused still reports why below.
	if err := sock.sendJSON(models.SignalMessage{Type: models.SignalTypeJoin, Password: password}); err != nil {
		c.logger.Printf("Failed to send join for room %s: %v", roomID, err)
	}

	select {
	case id, ok := <-ready:
		if ok {
			c.logger.Printf("Joined room %s as %s", roomID, id)
			return nil
		}
		joinMu.Lock()
		code := rejected
		joinMu.Unlock()
		if code != "" {
			return neterr.Terminal(neterr.SignalingServerError, "join rejected", code).With("code", string(code))
		}
		return neterr.New(neterr.SignalingConnectionFailed, "room socket closed before init", errSocketClosed)
	case <-ctx.Done():
		sock.Close()
		return neterr.New(neterr.SignalingConnectionFailed, "waiting for init", ctx.Err())
	}
}

func (c *Client) parse(data []byte) (models.SignalMessage, bool) {
	var msg models.SignalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Printf("Failed to parse signaling message: %v", err)
		return msg, false
	}
	return msg, true
}

func (c *Client) onInit(sock *socket, msg models.SignalMessage) {
	c.mu.Lock()
	if c.closed || sock.closed() {
		c.mu.Unlock()
		sock.Close()
		return
	}
	old := c.sock
	c.sock = sock
	c.localID = msg.PeerID
	if msg.RoomSettings != nil {
		c.settings = *msg.RoomSettings
	}
	c.connected = true
	settings := c.settings
	c.mu.Unlock()

	if old != nil && old != sock {
		old.Close()
	}
	c.events.OnInit(msg.PeerID, settings)
	c.events.OnSignalingChange(true)
}

// onSocketClosed handles the loss of a joined room socket. Every transport
// belonged to the old peer id, so all of them are dropped before the client
// rejoins under a new one.
func (c *Client) onSocketClosed(sock *socket) {
	c.mu.Lock()
	if c.sock != sock {
		c.mu.Unlock()
		return
	}
	c.sock = nil
	c.connected = false
	closed, rejected := c.closed, c.rejected
	c.mu.Unlock()

	if closed {
		return
	}
	c.logger.Printf("Disconnected from signaling server")
	c.dropAll()
	c.events.OnSignalingChange(false)

	if rejected != "" {
		c.events.OnError(neterr.Terminal(neterr.SignalingServerError, "removed from room", rejected).With("code", string(rejected)))
		return
	}
	go c.reconnect()
}

func (c *Client) reconnect() {
	err := neterr.Retry(c.ctx, c.opts.ReconnectAttempts, c.opts.ReconnectDelay, neterr.SignalingConnectionFailed, func(attempt int) error {
		c.logger.Printf("Reconnecting to signaling server (attempt %d/%d)", attempt, c.opts.ReconnectAttempts)
		return c.joinOnce(c.ctx)
	})
	if err != nil && c.ctx.Err() == nil {
		c.logger.Printf("Giving up on signaling server: %v", err)
		c.events.OnError(err)
	}
}

// LocalID is the peer id the server assigned on the latest join.
func (c *Client) LocalID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localID
}

func (c *Client) Settings() models.RoomSettings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// Connected reports whether the room socket is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Peers returns the ids of all peers with a transport, sorted.
func (c *Client) Peers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.peers))
	for id := range c.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Client) Transport(peerID string) (Transport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tr, ok := c.peers[peerID]
	return tr, ok
}

// Transports returns a snapshot of the live transports.
func (c *Client) Transports() []Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Transport, 0, len(c.peers))
	for _, tr := range c.peers {
		out = append(out, tr)
	}
	return out
}

// SetNetworkOnline forwards the host link state to every transport.
func (c *Client) SetNetworkOnline(online bool) {
	for _, tr := range c.Transports() {
		tr.SetNetworkOnline(online)
	}
}

// Close leaves the room and tears down every transport. No events are
// delivered afterwards.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.connected = false
	sock := c.sock
	c.sock = nil
	peers := c.peers
	c.peers = make(map[string]Transport)
	c.candidates = make(map[string][]webrtc.ICECandidateInit)
	c.mu.Unlock()

	c.cancel()
	if sock != nil {
		sock.Close()
	}
	for _, tr := range peers {
		tr.Close()
	}
}

func (c *Client) signal(msg models.SignalMessage) {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock == nil {
		c.logger.Printf("Cannot send %s to %s: not connected to signaling server", msg.Type, msg.TargetID)
		return
	}
	if err := sock.sendJSON(msg); err != nil {
		c.logger.Printf("Failed to send %s to %s: %v", msg.Type, msg.TargetID, err)
	}
}

func (c *Client) handle(msg models.SignalMessage) {
	switch msg.Type {
	case models.SignalTypePing:
	case models.SignalTypePeerJoin:
		c.logger.Printf("Peer %s joined, starting connection", msg.PeerID)
		c.enqueue(msg.PeerID, func() { c.initiate(msg.PeerID) })
	case models.SignalTypePeerLeave:
		c.logger.Printf("Peer %s left", msg.PeerID)
		c.dropPeer(msg.PeerID, true)
	case models.SignalTypeOffer:
		desc, err := decodeDescription(msg.Offer)
		if err != nil {
			c.logger.Printf("Bad offer from %s: %v", msg.PeerID, err)
			return
		}
		c.enqueue(msg.PeerID, func() { c.handleOffer(msg.PeerID, desc) })
	case models.SignalTypeAnswer:
		desc, err := decodeDescription(msg.Answer)
		if err != nil {
			c.logger.Printf("Bad answer from %s: %v", msg.PeerID, err)
			return
		}
		c.enqueue(msg.PeerID, func() { c.handleAnswer(msg.PeerID, desc) })
	case models.SignalTypeCandidate:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Candidate, &cand); err != nil {
			c.logger.Printf("Bad ICE candidate from %s: %v", msg.PeerID, err)
			return
		}
		c.enqueue(msg.PeerID, func() { c.handleCandidate(msg.PeerID, cand) })
	case models.SignalTypeConnectionTimeout:
		c.logger.Printf("Connection to %s timed out on the server", msg.PeerID)
		c.enqueue(msg.PeerID, func() { c.rehandshake(msg.PeerID, c.shouldInitiate(msg.PeerID)) })
	case models.SignalTypeRenegotiate:
		c.logger.Printf("Server asked to renegotiate with %s (attempt %d)", msg.TargetID, msg.Attempt)
		c.enqueue(msg.TargetID, func() { c.rehandshake(msg.TargetID, true) })
	case models.SignalTypeError:
		c.handleServerError(msg)
	default:
		c.logger.Printf("Unhandled signaling message type %q", msg.Type)
	}
}

func (c *Client) handleServerError(msg models.SignalMessage) {
	c.logger.Printf("Signaling server error: %s", msg.Error)
	switch msg.Error {
	case models.ErrInvalidPassword, models.ErrRoomFull, models.ErrRoomNotFound:
		c.mu.Lock()
		c.rejected = msg.Error
		c.mu.Unlock()
	case models.ErrPeerNotFound:
		c.events.OnError(neterr.New(neterr.PeerNotFound, "relay target is gone", msg.Error).With("peerId", msg.PeerID))
		if msg.PeerID != "" {
			c.dropPeer(msg.PeerID, true)
		}
		return
	}
	c.events.OnError(neterr.New(neterr.SignalingServerError, string(msg.Error), msg.Error))
}

func decodeDescription(raw json.RawMessage) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if len(raw) == 0 {
		return desc, errors.New("missing session description")
	}
	err := json.Unmarshal(raw, &desc)
	return desc, err
}

func encode(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
