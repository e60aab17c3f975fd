package network

import (
	"context"
	"errors"
	"io"
	"log"
	"math"
	"math/rand/v2"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/textcloud/internal/models"
	"github.com/mossy-p/textcloud/internal/peer"
	"github.com/mossy-p/textcloud/internal/signaling"
	"github.com/mossy-p/textcloud/internal/wire"
	"github.com/mossy-p/textcloud/internal/workerpool"
	"github.com/mossy-p/textcloud/internal/world"
	"github.com/pion/webrtc/v4"
)

var quiet = log.New(io.Discard, "", 0)

// pipe is one direction of a fake data channel. Frames are decoded and
// handed straight to the remote manager.
type pipe struct {
	from   string
	to     string
	remote *Manager

	mu     sync.Mutex
	open   bool
	frames []wire.Message
	drop   func() bool
}

func (p *pipe) PeerID() string        { return p.to }
func (p *pipe) Initiator() bool       { return p.from < p.to }
func (p *pipe) SetNetworkOnline(bool) {}
func (p *pipe) Close()                { p.setOpen(false) }

func (p *pipe) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{}, errors.New("not negotiable")
}

func (p *pipe) CreateAnswer(context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{}, errors.New("not negotiable")
}

func (p *pipe) SetRemoteDescription(context.Context, webrtc.SessionDescription) error { return nil }
func (p *pipe) AddICECandidate(webrtc.ICECandidateInit) error                         { return nil }
func (p *pipe) SameSession(webrtc.SessionDescription) bool                            { return true }

func (p *pipe) setOpen(open bool) {
	p.mu.Lock()
	p.open = open
	p.mu.Unlock()
}

func (p *pipe) ChannelOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

func (p *pipe) State() peer.State {
	if p.ChannelOpen() {
		return peer.StateConnected
	}
	return peer.StateConnecting
}

func (p *pipe) Send(_ context.Context, typ wire.MessageType, payload wire.Payload, priority int) error {
	frame, err := wire.Encode(typ, payload)
	if err != nil {
		return err
	}
	return p.SendRaw(frame, priority)
}

func (p *pipe) SendRaw(frame []byte, _ int) error {
	msg, err := wire.Decode(frame)
	if err != nil {
		return err
	}
	p.mu.Lock()
	deliver := p.open && (p.drop == nil || !p.drop())
	p.mu.Unlock()
	if !deliver {
		return nil
	}

	if p.remote != nil {
		p.remote.OnMessage(p.from, msg)
	}
	p.mu.Lock()
	p.frames = append(p.frames, msg)
	p.mu.Unlock()
	return nil
}

func (p *pipe) sent(typ wire.MessageType) []wire.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []wire.Message
	for _, m := range p.frames {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

type fakeMesh struct {
	mu        sync.Mutex
	connected bool
	pipes     map[string]*pipe
}

func newFakeMesh() *fakeMesh {
	return &fakeMesh{connected: true, pipes: make(map[string]*pipe)}
}

func (f *fakeMesh) add(p *pipe) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pipes[p.to] = p
}

func (f *fakeMesh) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeMesh) Transports() []signaling.Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]signaling.Transport, 0, len(f.pipes))
	for _, p := range f.pipes {
		out = append(out, p)
	}
	return out
}

func (f *fakeMesh) Transport(peerID string) (signaling.Transport, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pipes[peerID]
	return p, ok
}

// clock is a manual time source shared by the managers of one test.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, localID string, clk *clock, opts Options) (*Manager, *fakeMesh) {
	t.Helper()
	pool := workerpool.New(2, time.Second, quiet)
	t.Cleanup(pool.Close)

	opts.Logger = quiet
	m := New(world.New(world.DefaultConfig(), nil), pool, opts)
	if clk != nil {
		m.now = clk.Now
	}
	m.OnInit(localID, models.RoomSettings{MaxTexts: 50, MaxUsers: 10})
	mesh := newFakeMesh()
	m.Attach(mesh)
	t.Cleanup(m.Close)
	return m, mesh
}

// link connects a and b with open channels in both directions.
func link(a, b *Manager, am, bm *fakeMesh) (ab, ba *pipe) {
	ab = &pipe{from: a.world.LocalID(), to: b.world.LocalID(), remote: b, open: true}
	ba = &pipe{from: b.world.LocalID(), to: a.world.LocalID(), remote: a, open: true}
	am.add(ab)
	bm.add(ba)
	return ab, ba
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestOwnedBodiesIgnoreRemoteUpdates(t *testing.T) {
	m, _ := newTestManager(t, "peer-a", nil, Options{})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		b, err := m.AddText(ctx, "owned", wire.Vec2{X: 200 + float64(i)*100, Y: 300})
		if err != nil {
			t.Fatalf("add text: %v", err)
		}
		ids = append(ids, b.NetworkID)
	}
	before := m.world.Bodies()

	rng := rand.New(rand.NewPCG(1, 2))
	coord := func() float64 { return rng.Float64()*3000 - 1000 }
	state := func() wire.BodyState {
		return wire.BodyState{
			NetworkID:       ids[rng.IntN(len(ids))],
			OwnerID:         "peer-b",
			Position:        wire.Vec2{X: coord(), Y: coord()},
			Velocity:        wire.Vec2{X: coord() / 100, Y: coord() / 100},
			Angle:           rng.Float64(),
			AngularVelocity: rng.Float64(),
		}
	}

	for i := 0; i < 500; i++ {
		var msg wire.Message
		switch rng.IntN(4) {
		case 0:
			msg = wire.Message{Type: wire.PositionUpdate, Payload: wire.Position{BodyState: state()}}
		case 1:
			batch := wire.PositionBatch{TotalChunks: 1}
			for j := 0; j < 1+rng.IntN(5); j++ {
				batch.Bodies = append(batch.Bodies, state())
			}
			msg = wire.Message{Type: wire.PositionUpdate, Payload: batch}
		case 2:
			s := state()
			msg = wire.Message{Type: wire.ReceiveDragEvent, Payload: wire.Drag{NetworkID: s.NetworkID, Position: s.Position, DragStart: rng.IntN(2) == 0}}
		case 3:
			msg = wire.Message{Type: wire.ReceiveNewText, Payload: wire.NewText{BodyState: state(), Text: "stolen"}}
		}
		m.OnMessage("peer-b", msg)
	}

	if after := m.world.Bodies(); !reflect.DeepEqual(before, after) {
		t.Fatalf("owned bodies changed:\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestRemoteConvergesAfterLoss(t *testing.T) {
	clk := &clock{now: time.Unix(1700000000, 0)}
	a, am := newTestManager(t, "peer-a", clk, Options{})
	b, bm := newTestManager(t, "peer-b", clk, Options{})
	ab, _ := link(a, b, am, bm)
	ctx := context.Background()

	body, err := a.AddText(ctx, "drifting", wire.Vec2{X: 640, Y: 360})
	if err != nil {
		t.Fatalf("add text: %v", err)
	}
	if _, ok := b.world.Get(body.NetworkID); !ok {
		t.Fatal("announcement did not reach b")
	}

	tick := func() {
		clk.Advance(a.opts.PositionInterval)
		a.world.Step()
		a.BroadcastBody(ctx, body.NetworkID)
		b.world.Step()
	}

	n := 0
	ab.mu.Lock()
	ab.drop = func() bool { n++; return n%3 != 0 }
	ab.mu.Unlock()
	for i := 0; i < 20; i++ {
		tick()
	}

	ab.mu.Lock()
	ab.drop = nil
	ab.mu.Unlock()
	if err := a.world.SetVelocity(body.NetworkID, wire.Vec2{}); err != nil {
		t.Fatalf("stop body: %v", err)
	}
	for i := 0; i < 40; i++ {
		tick()
	}

	want, _ := a.world.Get(body.NetworkID)
	got, ok := b.world.Get(body.NetworkID)
	if !ok {
		t.Fatal("body vanished at b")
	}
	if math.Abs(got.Position.X-want.Position.X) > 0.1 || math.Abs(got.Position.Y-want.Position.Y) > 0.1 {
		t.Fatalf("b at %+v, a at %+v", got.Position, want.Position)
	}
}

func TestPositionBroadcastThrottledPerBody(t *testing.T) {
	clk := &clock{now: time.Unix(1700000000, 0)}
	a, am := newTestManager(t, "peer-a", clk, Options{PositionInterval: 50 * time.Millisecond})
	b, bm := newTestManager(t, "peer-b", clk, Options{})
	ab, _ := link(a, b, am, bm)
	ctx := context.Background()

	first, _ := a.AddText(ctx, "one", wire.Vec2{X: 300, Y: 300})
	second, _ := a.AddText(ctx, "two", wire.Vec2{X: 600, Y: 300})

	a.BroadcastBody(ctx, first.NetworkID)
	a.BroadcastBody(ctx, first.NetworkID)
	a.BroadcastBody(ctx, second.NetworkID)
	if got := len(ab.sent(wire.PositionUpdate)); got != 2 {
		t.Fatalf("expected 2 position updates, got %d", got)
	}

	clk.Advance(49 * time.Millisecond)
	a.BroadcastBody(ctx, first.NetworkID)
	if got := len(ab.sent(wire.PositionUpdate)); got != 2 {
		t.Fatalf("update inside the interval was sent, got %d", got)
	}

	clk.Advance(time.Millisecond)
	a.BroadcastBody(ctx, first.NetworkID)
	if got := len(ab.sent(wire.PositionUpdate)); got != 3 {
		t.Fatalf("expected 3 position updates, got %d", got)
	}
}

func TestBroadcastRoundsToTwoDecimals(t *testing.T) {
	a, am := newTestManager(t, "peer-a", nil, Options{})
	b, bm := newTestManager(t, "peer-b", nil, Options{})
	ab, _ := link(a, b, am, bm)
	ctx := context.Background()

	body, _ := a.AddText(ctx, "round", wire.Vec2{X: 300.123456, Y: 300.987654})
	a.BroadcastBody(ctx, body.NetworkID)

	updates := ab.sent(wire.PositionUpdate)
	if len(updates) != 1 {
		t.Fatalf("expected one update, got %d", len(updates))
	}
	pos := updates[0].Payload.(wire.Position).Position
	if math.Abs(pos.X-300.12) > 1e-4 || math.Abs(pos.Y-300.99) > 1e-4 {
		t.Fatalf("position not rounded: %+v", pos)
	}
}

func TestDragFirstEventImmediateThenThrottled(t *testing.T) {
	clk := &clock{now: time.Unix(1700000000, 0)}
	a, am := newTestManager(t, "peer-a", clk, Options{DragInterval: 50 * time.Millisecond})
	b, bm := newTestManager(t, "peer-b", clk, Options{})
	ab, _ := link(a, b, am, bm)
	ctx := context.Background()

	body, _ := a.AddText(ctx, "drag me", wire.Vec2{X: 300, Y: 300})

	if err := a.Drag(ctx, body.NetworkID, wire.Vec2{X: 310, Y: 300}, true); err != nil {
		t.Fatalf("drag start: %v", err)
	}
	if err := a.Drag(ctx, body.NetworkID, wire.Vec2{X: 320, Y: 300}, false); err != nil {
		t.Fatalf("drag: %v", err)
	}
	drags := ab.sent(wire.ReceiveDragEvent)
	if len(drags) != 1 || !drags[0].Payload.(wire.Drag).DragStart {
		t.Fatalf("expected only the drag start, got %+v", drags)
	}

	clk.Advance(50 * time.Millisecond)
	if err := a.Drag(ctx, body.NetworkID, wire.Vec2{X: 330, Y: 300}, false); err != nil {
		t.Fatalf("drag: %v", err)
	}
	if got := len(ab.sent(wire.ReceiveDragEvent)); got != 2 {
		t.Fatalf("expected 2 drag events, got %d", got)
	}
	got, _ := b.world.Get(body.NetworkID)
	if got.Position.X != 330 {
		t.Fatalf("remote drag not applied, at %+v", got.Position)
	}

	a.EndDrag(body.NetworkID)
	if err := a.Drag(ctx, body.NetworkID, wire.Vec2{X: 340, Y: 300}, false); err != nil {
		t.Fatalf("drag: %v", err)
	}
	if got := len(ab.sent(wire.ReceiveDragEvent)); got != 3 {
		t.Fatalf("first event after a drag ended was throttled, got %d", got)
	}
}

func TestDragRejectsInvalidPositionAndForeignBodies(t *testing.T) {
	a, am := newTestManager(t, "peer-a", nil, Options{})
	b, bm := newTestManager(t, "peer-b", nil, Options{})
	link(a, b, am, bm)
	ctx := context.Background()

	body, _ := a.AddText(ctx, "mine", wire.Vec2{X: 300, Y: 300})
	if err := a.Drag(ctx, body.NetworkID, wire.Vec2{X: math.NaN(), Y: 1}, true); !errors.Is(err, ErrInvalidPosition) {
		t.Fatalf("expected ErrInvalidPosition, got %v", err)
	}
	if err := b.Drag(ctx, body.NetworkID, wire.Vec2{X: 100, Y: 100}, true); !errors.Is(err, world.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestPeriodicSyncChunksOwnedBodies(t *testing.T) {
	a, am := newTestManager(t, "peer-a", nil, Options{ChunkSize: 10})
	b, bm := newTestManager(t, "peer-b", nil, Options{})
	ab, _ := link(a, b, am, bm)
	ctx := context.Background()

	for i := 0; i < 23; i++ {
		if _, err := a.AddText(ctx, "t", wire.Vec2{X: 100 + float64(i)*40, Y: 300}); err != nil {
			t.Fatalf("add text: %v", err)
		}
	}
	a.syncOwned(ctx)

	updates := ab.sent(wire.PositionUpdate)
	if len(updates) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(updates))
	}
	sizes := []int{10, 10, 3}
	for i, u := range updates {
		batch := u.Payload.(wire.PositionBatch)
		if int(batch.ChunkID) != i || batch.TotalChunks != 3 || len(batch.Bodies) != sizes[i] {
			t.Fatalf("chunk %d: id %d of %d with %d bodies", i, batch.ChunkID, batch.TotalChunks, len(batch.Bodies))
		}
	}
}

func TestNewPeerReceivesOwnedTexts(t *testing.T) {
	a, am := newTestManager(t, "peer-a", nil, Options{BulkDelay: time.Millisecond})
	ctx := context.Background()
	for _, text := range []string{"one", "two", "three"} {
		if _, err := a.AddText(ctx, text, wire.Vec2{X: 400, Y: 300}); err != nil {
			t.Fatalf("add text: %v", err)
		}
	}

	b, bm := newTestManager(t, "peer-b", nil, Options{})
	ab, _ := link(a, b, am, bm)
	a.OnPeerConnected("peer-b")

	eventually(t, "bulk sync", func() bool { return len(ab.sent(wire.ReceiveNewText)) == 3 })
	if b.world.Len() != 3 {
		t.Fatalf("expected 3 bodies at b, got %d", b.world.Len())
	}
	for _, body := range b.world.Bodies() {
		if body.OwnerID != "peer-a" || b.world.Owns(body.NetworkID) {
			t.Fatalf("body %s should stay owned by peer-a", body.NetworkID)
		}
	}
}

func TestClickMergesDown(t *testing.T) {
	a, am := newTestManager(t, "peer-a", nil, Options{})
	b, bm := newTestManager(t, "peer-b", nil, Options{})
	link(a, b, am, bm)
	ctx := context.Background()

	body, _ := a.AddText(ctx, "abc", wire.Vec2{X: 400, Y: 300})
	if left, err := b.Click(ctx, body.NetworkID); err != nil || left != 2 {
		t.Fatalf("click: %d, %v", left, err)
	}
	got, _ := a.world.Get(body.NetworkID)
	if got.ClickLeft != 2 {
		t.Fatalf("click did not reach the owner, %d left", got.ClickLeft)
	}

	// a stale count from a reordered message never raises the count
	b.OnMessage("peer-a", wire.Message{Type: wire.ReceiveClickEvent, Payload: wire.Click{NetworkID: body.NetworkID, ClickLeft: 3}})
	if got, _ := b.world.Get(body.NetworkID); got.ClickLeft != 2 {
		t.Fatalf("click count went back up to %d", got.ClickLeft)
	}

	b.Click(ctx, body.NetworkID)
	b.Click(ctx, body.NetworkID)
	if _, ok := a.world.Get(body.NetworkID); ok {
		t.Fatal("text should be destroyed everywhere")
	}
	if _, ok := b.world.Get(body.NetworkID); ok {
		t.Fatal("text should be destroyed locally")
	}
}

func TestInvalidRemoteStateDropped(t *testing.T) {
	b, _ := newTestManager(t, "peer-b", nil, Options{})
	id := "text-1700000000000-abc123def"
	b.OnMessage("peer-a", wire.Message{Type: wire.ReceiveNewText, Payload: wire.NewText{
		BodyState: wire.BodyState{NetworkID: id, OwnerID: "peer-a", Position: wire.Vec2{X: 400, Y: 300}},
		Text:      "still",
	}})

	b.OnMessage("peer-a", wire.Message{Type: wire.PositionUpdate, Payload: wire.Position{BodyState: wire.BodyState{
		NetworkID: id, OwnerID: "peer-a", Position: wire.Vec2{X: math.NaN(), Y: 300},
	}}})
	b.OnMessage("peer-a", wire.Message{Type: wire.ReceiveDragEvent, Payload: wire.Drag{
		NetworkID: id, Position: wire.Vec2{X: 1, Y: math.Inf(1)},
	}})
	b.world.Step()

	got, ok := b.world.Get(id)
	if !ok || got.Position != (wire.Vec2{X: 400, Y: 300}) {
		t.Fatalf("invalid updates moved the body: %+v", got)
	}
}

func TestOutOfBoundsUpdateEvicts(t *testing.T) {
	b, _ := newTestManager(t, "peer-b", nil, Options{})
	id := "text-1700000000000-abc123def"
	b.OnMessage("peer-a", wire.Message{Type: wire.ReceiveNewText, Payload: wire.NewText{
		BodyState: wire.BodyState{NetworkID: id, OwnerID: "peer-a", Position: wire.Vec2{X: 400, Y: 300}},
		Text:      "stray",
	}})
	b.OnMessage("peer-a", wire.Message{Type: wire.PositionUpdate, Payload: wire.Position{BodyState: wire.BodyState{
		NetworkID: id, OwnerID: "peer-a", Position: wire.Vec2{X: -50000, Y: 300},
	}}})
	if _, ok := b.world.Get(id); ok {
		t.Fatal("out of bounds body should be removed")
	}
}

func TestDisconnectRemovesDepartedPeersTexts(t *testing.T) {
	a, am := newTestManager(t, "peer-a", nil, Options{})
	b, bm := newTestManager(t, "peer-b", nil, Options{})
	link(a, b, am, bm)
	ctx := context.Background()

	theirs, _ := a.AddText(ctx, "theirs", wire.Vec2{X: 300, Y: 300})
	mine, _ := b.AddText(ctx, "mine", wire.Vec2{X: 600, Y: 300})

	b.OnPeerDisconnected("peer-a")
	if _, ok := b.world.Get(theirs.NetworkID); ok {
		t.Fatal("departed peer's text should be removed")
	}
	if _, ok := b.world.Get(mine.NetworkID); !ok {
		t.Fatal("own text should remain")
	}
}

func TestRejoinKeepsOwnedTexts(t *testing.T) {
	m, _ := newTestManager(t, "peer-a", nil, Options{})
	body, _ := m.AddText(context.Background(), "persist", wire.Vec2{X: 300, Y: 300})

	m.OnInit("peer-a2", models.RoomSettings{MaxTexts: 5})
	if !m.world.Owns(body.NetworkID) {
		t.Fatal("text should follow the new peer id")
	}
	if m.world.Config().MaxTexts != 5 {
		t.Fatalf("room text limit not applied: %d", m.world.Config().MaxTexts)
	}
}

type statusLog struct {
	mu  sync.Mutex
	all []Status
}

func (s *statusLog) record(st Status, _ int) {
	s.mu.Lock()
	s.all = append(s.all, st)
	s.mu.Unlock()
}

func (s *statusLog) list() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Status(nil), s.all...)
}

func TestWaitForPeersWithoutPeersIsIntrovert(t *testing.T) {
	var statuses statusLog
	m, _ := newTestManager(t, "peer-a", nil, Options{OnStatus: statuses.record})

	if got := m.WaitForPeers(context.Background()); got != StatusIntrovert {
		t.Fatalf("expected introvert, got %s", got)
	}
	if got := statuses.list(); !reflect.DeepEqual(got, []Status{StatusIntrovert}) {
		t.Fatalf("unexpected statuses %v", got)
	}
}

func TestWaitForPeersUntilAllConnected(t *testing.T) {
	var statuses statusLog
	m, mesh := newTestManager(t, "peer-a", nil, Options{OnStatus: statuses.record, WaitInterval: 5 * time.Millisecond, AttemptsPerPeer: 200})
	p := &pipe{from: "peer-a", to: "peer-b"}
	mesh.add(p)

	go func() {
		time.Sleep(10 * time.Millisecond)
		p.setOpen(true)
	}()
	if got := m.WaitForPeers(context.Background()); got != StatusConnected {
		t.Fatalf("expected connected, got %s", got)
	}
	if got := statuses.list(); !reflect.DeepEqual(got, []Status{StatusWaitingPeers, StatusConnected}) {
		t.Fatalf("unexpected statuses %v", got)
	}
}

func TestWaitForPeersGivesUpOnSilentPeers(t *testing.T) {
	m, mesh := newTestManager(t, "peer-a", nil, Options{WaitInterval: time.Millisecond, AttemptsPerPeer: 3})
	mesh.add(&pipe{from: "peer-a", to: "peer-b"})
	mesh.add(&pipe{from: "peer-a", to: "peer-c"})

	if got := m.WaitForPeers(context.Background()); got != StatusIntrovert {
		t.Fatalf("expected introvert with no open channels, got %s", got)
	}
}

func TestWaitForPeersProceedsWithPartialMesh(t *testing.T) {
	m, mesh := newTestManager(t, "peer-a", nil, Options{WaitInterval: time.Millisecond, AttemptsPerPeer: 3})
	mesh.add(&pipe{from: "peer-a", to: "peer-b", open: true})
	mesh.add(&pipe{from: "peer-a", to: "peer-c"})

	if got := m.WaitForPeers(context.Background()); got != StatusConnected {
		t.Fatalf("expected connected with a partial mesh, got %s", got)
	}
}

func TestStatusFollowsSignalingAndPeers(t *testing.T) {
	m, mesh := newTestManager(t, "peer-a", nil, Options{})
	m.WaitForPeers(context.Background())

	p := &pipe{from: "peer-a", to: "peer-b", open: true}
	mesh.add(p)
	m.OnPeerConnected("peer-b")
	if got := m.Status(); got != StatusConnected {
		t.Fatalf("expected connected after a peer joined, got %s", got)
	}

	m.OnSignalingChange(false)
	if got := m.Status(); got != StatusDisconnected {
		t.Fatalf("expected disconnected, got %s", got)
	}

	m.OnSignalingChange(true)
	if got := m.Status(); got != StatusConnected {
		t.Fatalf("expected connected again, got %s", got)
	}

	p.setOpen(false)
	m.OnPeerDisconnected("peer-b")
	if got := m.Status(); got != StatusIntrovert {
		t.Fatalf("expected introvert after the last peer left, got %s", got)
	}
}

func TestRunStepsAndSyncs(t *testing.T) {
	a, am := newTestManager(t, "peer-a", nil, Options{TickInterval: time.Millisecond, SyncInterval: 5 * time.Millisecond})
	b, bm := newTestManager(t, "peer-b", nil, Options{})
	ab, _ := link(a, b, am, bm)

	body, _ := a.AddText(context.Background(), "running", wire.Vec2{X: 640, Y: 360})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	eventually(t, "batched sync", func() bool {
		for _, u := range ab.sent(wire.PositionUpdate) {
			if _, ok := u.Payload.(wire.PositionBatch); ok {
				return true
			}
		}
		return false
	})
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v", err)
	}
	moved, _ := a.world.Get(body.NetworkID)
	if moved.Position == body.Position {
		t.Fatal("owned body did not move")
	}
}
