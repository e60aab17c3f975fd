// Package network keeps a peer's world in step with the rest of the room.
// Owners broadcast the state of their bodies over the data channels; every
// peer applies what it receives under the same ownership rule, so the mesh
// converges without a central authority.
package network

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/mossy-p/textcloud/internal/models"
	"github.com/mossy-p/textcloud/internal/peer"
	"github.com/mossy-p/textcloud/internal/signaling"
	"github.com/mossy-p/textcloud/internal/world"
)

// Status is the connection status shown to the user.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusWaitingPeers Status = "waiting-peers"
	StatusConnected    Status = "connected"
	StatusIntrovert    Status = "introvert"
	StatusDisconnected Status = "disconnected"
)

// Mesh is the view of the room the manager needs. *signaling.Client
// implements it.
type Mesh interface {
	Connected() bool
	Transports() []signaling.Transport
	Transport(peerID string) (signaling.Transport, bool)
}

type Options struct {
	// PositionInterval is the minimum gap between position broadcasts of
	// one body.
	PositionInterval time.Duration
	DragInterval     time.Duration
	// SyncInterval is how often every owned body is re-broadcast.
	SyncInterval time.Duration
	TickInterval time.Duration
	ChunkSize    int

	BulkDelay      time.Duration
	BulkAttempts   int
	BulkRetryDelay time.Duration

	WaitInterval    time.Duration
	AttemptsPerPeer int

	// OnStatus is called on every status change with the number of peers
	// that have an open data channel.
	OnStatus func(s Status, peers int)
	// OnError receives failures the manager cannot act on.
	OnError func(err error)
	Logger  *log.Logger
}

func (o *Options) applyDefaults() {
	if o.PositionInterval <= 0 {
		o.PositionInterval = 50 * time.Millisecond
	}
	if o.DragInterval <= 0 {
		o.DragInterval = 50 * time.Millisecond
	}
	if o.SyncInterval <= 0 {
		o.SyncInterval = 50 * time.Millisecond
	}
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second / 60
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 10
	}
	if o.BulkDelay <= 0 {
		o.BulkDelay = 100 * time.Millisecond
	}
	if o.BulkAttempts <= 0 {
		o.BulkAttempts = 3
	}
	if o.BulkRetryDelay <= 0 {
		o.BulkRetryDelay = 2 * time.Second
	}
	if o.WaitInterval <= 0 {
		o.WaitInterval = time.Second
	}
	if o.AttemptsPerPeer <= 0 {
		o.AttemptsPerPeer = 3
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
}

// Manager reconciles the local world with the room. It implements
// signaling.Events.
type Manager struct {
	world  *world.World
	codec  peer.Codec
	opts   Options
	logger *log.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	mesh     Mesh
	status   Status
	lastPos  map[string]time.Time
	lastDrag map[string]time.Time
}

func New(w *world.World, codec peer.Codec, opts Options) *Manager {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		world:    w,
		codec:    codec,
		opts:     opts,
		logger:   opts.Logger,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		status:   StatusConnecting,
		lastPos:  make(map[string]time.Time),
		lastDrag: make(map[string]time.Time),
	}
}

// Attach sets the mesh the manager broadcasts to. The signaling client
// needs the manager to exist first, so this happens after construction.
func (m *Manager) Attach(mesh Mesh) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mesh = mesh
}

func (m *Manager) World() *world.World { return m.world }

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	if m.status == s {
		m.mu.Unlock()
		return
	}
	m.status = s
	m.mu.Unlock()

	peers := len(m.openTransports())
	m.logger.Printf("Network status: %s (%d peers)", s, peers)
	if m.opts.OnStatus != nil {
		m.opts.OnStatus(s, peers)
	}
}

func (m *Manager) currentMesh() Mesh {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mesh
}

// openTransports returns the transports whose data channel can carry
// messages.
func (m *Manager) openTransports() []signaling.Transport {
	mesh := m.currentMesh()
	if mesh == nil {
		return nil
	}
	var open []signaling.Transport
	for _, tr := range mesh.Transports() {
		if tr.ChannelOpen() && tr.State() == peer.StateConnected {
			open = append(open, tr)
		}
	}
	return open
}

// Run drives the physics tick and the periodic sync until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	tick := time.NewTicker(m.opts.TickInterval)
	defer tick.Stop()
	resync := time.NewTicker(m.opts.SyncInterval)
	defer resync.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			m.world.Step()
			for _, b := range m.world.Owned() {
				m.broadcastBody(ctx, b)
			}
		case <-resync.C:
			m.syncOwned(ctx)
		}
	}
}

// Close stops background syncs to new peers.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// WaitForPeers blocks until every peer known now has an open data channel,
// or until no more progress is being made. With no peers the manager goes
// straight to introvert mode.
func (m *Manager) WaitForPeers(ctx context.Context) Status {
	mesh := m.currentMesh()
	var peers []string
	if mesh != nil {
		for _, tr := range mesh.Transports() {
			peers = append(peers, tr.PeerID())
		}
	}
	if len(peers) == 0 {
		m.setStatus(StatusIntrovert)
		return StatusIntrovert
	}

	m.setStatus(StatusWaitingPeers)
	maxAttempts := len(peers) * m.opts.AttemptsPerPeer
	last := 0
	for attempt := 0; attempt < maxAttempts; attempt++ {
		connected := 0
		for _, id := range peers {
			if tr, ok := mesh.Transport(id); ok && tr.ChannelOpen() && tr.State() == peer.StateConnected {
				connected++
			}
		}
		if connected == len(peers) {
			m.logger.Printf("All %d peers connected", connected)
			break
		}
		if connected > 0 && connected == last && attempt > m.opts.AttemptsPerPeer {
			m.logger.Printf("Proceeding with %d of %d peers connected", connected, len(peers))
			break
		}
		last = connected

		timer := time.NewTimer(m.opts.WaitInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return m.Status()
		case <-timer.C:
		}
	}

	m.refreshStatus()
	return m.Status()
}

// refreshStatus derives the status from the signaling socket and the open
// channels.
func (m *Manager) refreshStatus() {
	mesh := m.currentMesh()
	switch {
	case mesh == nil || !mesh.Connected():
		m.setStatus(StatusDisconnected)
	case len(m.openTransports()) == 0:
		m.setStatus(StatusIntrovert)
	default:
		m.setStatus(StatusConnected)
	}
}

func (m *Manager) OnInit(peerID string, settings models.RoomSettings) {
	if old := m.world.LocalID(); old != "" && old != peerID {
		n := m.world.ReassignOwner(old, peerID)
		m.logger.Printf("Peer id changed from %s to %s, kept %d texts", old, peerID, n)
	}
	m.world.SetLocalID(peerID)
	if settings.MaxTexts > 0 {
		m.world.SetMaxTexts(settings.MaxTexts)
	}
}

func (m *Manager) OnSignalingChange(connected bool) {
	if !connected {
		m.setStatus(StatusDisconnected)
		return
	}
	m.refreshStatus()
}

func (m *Manager) OnPeerConnected(peerID string) {
	m.logger.Printf("Peer connected: %s", peerID)
	if m.Status() != StatusWaitingPeers {
		m.refreshStatus()
	}
	if m.ctx.Err() != nil {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.syncPeer(m.ctx, peerID); err != nil && m.ctx.Err() == nil {
			m.logger.Printf("Failed to sync texts to %s: %v", peerID, err)
			m.reportError(err)
		}
	}()
}

// OnPeerDisconnected removes every body the departed peer owned. All
// remaining peers do the same, so no one has to coordinate it.
func (m *Manager) OnPeerDisconnected(peerID string) {
	removed := m.world.RemoveOwnedBy(peerID)
	m.forget(removed...)
	m.logger.Printf("Peer disconnected: %s, removed %d texts", peerID, len(removed))
	if m.Status() != StatusWaitingPeers {
		m.refreshStatus()
	}
}

func (m *Manager) OnError(err error) {
	m.logger.Printf("Network error: %v", err)
	m.reportError(err)
}

func (m *Manager) reportError(err error) {
	if m.opts.OnError != nil {
		m.opts.OnError(err)
	}
}

func (m *Manager) forget(ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.lastPos, id)
		delete(m.lastDrag, id)
	}
}
