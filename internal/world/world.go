// Package world holds the text bodies a peer simulates. It stands in for
// the physics engine: bodies drift in a bounded rectangle, owned bodies are
// integrated locally and remote bodies chase the last state their owner
// broadcast.
package world

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mossy-p/textcloud/internal/wire"
)

var (
	ErrTooManyTexts = errors.New("world: room text limit reached")
	ErrNotOwner     = errors.New("world: body is owned by another peer")
	ErrNotFound     = errors.New("world: no such body")
	ErrEmptyText    = errors.New("world: text is empty")
)

type Config struct {
	Width    float64
	Height   float64
	Padding  float64
	MinSpeed float64
	MaxSpeed float64
	// Interpolation is the fraction of the remaining distance a remote
	// body covers per step.
	Interpolation float64
	Epsilon       float64
	MaxTexts      int
}

func DefaultConfig() Config {
	return Config{
		Width:         1280,
		Height:        720,
		Padding:       20,
		MinSpeed:      2,
		MaxSpeed:      8,
		Interpolation: 0.3,
		Epsilon:       0.1,
		MaxTexts:      50,
	}
}

// Body is a snapshot of one text body.
type Body struct {
	NetworkID       string
	OwnerID         string
	Text            string
	Position        wire.Vec2
	Velocity        wire.Vec2
	Angle           float64
	AngularVelocity float64
	ClickLeft       int
	Dimensions      wire.Size
}

// State is the part of a body that travels in position updates.
func (b Body) State() wire.BodyState {
	return wire.BodyState{
		NetworkID:       b.NetworkID,
		OwnerID:         b.OwnerID,
		Position:        b.Position,
		Velocity:        b.Velocity,
		Angle:           b.Angle,
		AngularVelocity: b.AngularVelocity,
	}
}

// NewText is the announcement a receiver needs to recreate the body.
func (b Body) NewText() wire.NewText {
	return wire.NewText{BodyState: b.State(), Text: b.Text, ClickLeft: b.ClickLeft}
}

type body struct {
	Body
	target *target
}

type target struct {
	position wire.Vec2
	velocity wire.Vec2
}

// Outcome reports what ApplyRemote did with an update.
type Outcome int

const (
	Unknown Outcome = iota
	Ignored
	Evicted
	Targeted
)

func (o Outcome) String() string {
	switch o {
	case Ignored:
		return "ignored"
	case Evicted:
		return "evicted"
	case Targeted:
		return "targeted"
	}
	return "unknown"
}

type World struct {
	cfg     Config
	measure Measurer

	mu      sync.Mutex
	localID string
	bodies  map[string]*body
	now     func() time.Time
}

// New creates an empty world. A nil measurer uses DefaultMeasurer.
func New(cfg Config, measure Measurer) *World {
	def := DefaultConfig()
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = def.Width, def.Height
	}
	if cfg.MinSpeed <= 0 {
		cfg.MinSpeed = def.MinSpeed
	}
	if cfg.MaxSpeed < cfg.MinSpeed {
		cfg.MaxSpeed = math.Max(def.MaxSpeed, cfg.MinSpeed)
	}
	if cfg.Interpolation <= 0 || cfg.Interpolation > 1 {
		cfg.Interpolation = def.Interpolation
	}
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = def.Epsilon
	}
	if cfg.MaxTexts <= 0 {
		cfg.MaxTexts = def.MaxTexts
	}
	if measure == nil {
		measure = DefaultMeasurer
	}
	return &World{
		cfg:     cfg,
		measure: measure,
		bodies:  make(map[string]*body),
		now:     time.Now,
	}
}

// SetLocalID records the peer id assigned by the signaling server. Bodies
// whose owner matches it are authoritative here.
func (w *World) SetLocalID(id string) {
	w.mu.Lock()
	w.localID = id
	w.mu.Unlock()
}

func (w *World) LocalID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.localID
}

// SetMaxTexts applies the room's text limit.
func (w *World) SetMaxTexts(n int) {
	if n <= 0 {
		return
	}
	w.mu.Lock()
	w.cfg.MaxTexts = n
	w.mu.Unlock()
}

func (w *World) Config() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg
}

// AddText creates a locally owned body at pos, moving in a random direction.
func (w *World) AddText(text string, pos wire.Vec2) (Body, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Body{}, ErrEmptyText
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.bodies) >= w.cfg.MaxTexts {
		return Body{}, ErrTooManyTexts
	}

	dims := w.measure.Measure(text)
	heading := rand.Float64() * 2 * math.Pi
	speed := w.cfg.MinSpeed + rand.Float64()*(w.cfg.MaxSpeed-w.cfg.MinSpeed)
	b := &body{Body: Body{
		NetworkID:  newNetworkID(w.now()),
		OwnerID:    w.localID,
		Text:       text,
		Position:   w.clampInside(pos, dims),
		Velocity:   wire.Vec2{X: math.Cos(heading) * speed, Y: math.Sin(heading) * speed},
		ClickLeft:  utf8.RuneCountInString(text),
		Dimensions: dims,
	}}
	w.bodies[b.NetworkID] = b
	return b.Body, nil
}

// newNetworkID builds "text-<unix ms>-<9 chars>", exactly 28 bytes.
func newNetworkID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("text-%013d-%s", now.UnixMilli(), suffix)
}

// Insert adds a body announced by its owner. It returns false when the
// body already exists. Dimensions are always measured locally.
func (w *World) Insert(nt wire.NewText) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.bodies[nt.NetworkID]; ok {
		return false
	}
	clickLeft := nt.ClickLeft
	if clickLeft <= 0 {
		clickLeft = utf8.RuneCountInString(nt.Text)
	}
	w.bodies[nt.NetworkID] = &body{Body: Body{
		NetworkID:       nt.NetworkID,
		OwnerID:         nt.OwnerID,
		Text:            nt.Text,
		Position:        nt.Position,
		Velocity:        nt.Velocity,
		Angle:           nt.Angle,
		AngularVelocity: nt.AngularVelocity,
		ClickLeft:       clickLeft,
		Dimensions:      w.measure.Measure(nt.Text),
	}}
	return true
}

func (w *World) Get(networkID string) (Body, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.bodies[networkID]
	if !ok {
		return Body{}, false
	}
	return b.Body, true
}

// Owns reports whether the body exists and is owned by the local peer.
func (w *World) Owns(networkID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.bodies[networkID]
	return ok && w.owned(b)
}

func (w *World) owned(b *body) bool {
	return w.localID != "" && b.OwnerID == w.localID
}

func (w *World) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.bodies)
}

// Bodies returns every body ordered by network id.
func (w *World) Bodies() []Body {
	return w.collect(func(*body) bool { return true })
}

// Owned returns the locally owned bodies ordered by network id.
func (w *World) Owned() []Body {
	return w.collect(w.owned)
}

func (w *World) collect(keep func(*body) bool) []Body {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Body, 0, len(w.bodies))
	for _, b := range w.bodies {
		if keep(b) {
			out = append(out, b.Body)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NetworkID < out[j].NetworkID })
	return out
}

// ApplyRemote takes an owner's broadcast state as the interpolation target
// of a remote body. Updates for owned bodies are ignored and updates that
// would put the body outside the padded area remove it.
func (w *World) ApplyRemote(s wire.BodyState) Outcome {
	w.mu.Lock()
	defer w.mu.Unlock()

	b, ok := w.bodies[s.NetworkID]
	if !ok {
		return Unknown
	}
	if w.owned(b) {
		return Ignored
	}
	if w.outOfBounds(s.Position, b.Dimensions) {
		delete(w.bodies, s.NetworkID)
		return Evicted
	}

	b.target = &target{position: s.Position, velocity: w.clampSpeed(s.Velocity)}
	b.Angle = s.Angle
	b.AngularVelocity = s.AngularVelocity
	return Targeted
}

// ApplyDrag moves a remote body to where its owner dragged it. A drag start
// also stops the body.
func (w *World) ApplyDrag(d wire.Drag) Outcome {
	w.mu.Lock()
	defer w.mu.Unlock()

	b, ok := w.bodies[d.NetworkID]
	if !ok {
		return Unknown
	}
	if w.owned(b) {
		return Ignored
	}
	b.Position = d.Position
	b.target = nil
	if d.DragStart {
		b.Velocity = wire.Vec2{}
	}
	return Targeted
}

// Drag moves an owned body. Dragging a body owned elsewhere is refused.
func (w *World) Drag(networkID string, pos wire.Vec2, start bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	b, ok := w.bodies[networkID]
	if !ok {
		return ErrNotFound
	}
	if !w.owned(b) {
		return ErrNotOwner
	}
	b.Position = w.clampInside(pos, b.Dimensions)
	if start {
		b.Velocity = wire.Vec2{}
	}
	return nil
}

// SetVelocity changes the velocity of an owned body, keeping a non-zero
// speed within the configured band.
func (w *World) SetVelocity(networkID string, v wire.Vec2) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	b, ok := w.bodies[networkID]
	if !ok {
		return ErrNotFound
	}
	if !w.owned(b) {
		return ErrNotOwner
	}
	b.Velocity = w.clampSpeed(v)
	return nil
}

// Click registers a local click. It returns the clicks left and whether
// the body was removed.
func (w *World) Click(networkID string) (int, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	b, ok := w.bodies[networkID]
	if !ok {
		return 0, false, ErrNotFound
	}
	b.ClickLeft--
	if b.ClickLeft <= 0 {
		delete(w.bodies, networkID)
		return 0, true, nil
	}
	return b.ClickLeft, false, nil
}

// MergeClick applies a remote click count. Counts only go down, so
// duplicated or reordered click events converge on the lowest value.
func (w *World) MergeClick(networkID string, clickLeft int) (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	b, ok := w.bodies[networkID]
	if !ok {
		return 0, false
	}
	if clickLeft < b.ClickLeft {
		b.ClickLeft = clickLeft
	}
	if b.ClickLeft <= 0 {
		delete(w.bodies, networkID)
		return 0, true
	}
	return b.ClickLeft, false
}

func (w *World) Remove(networkID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.bodies[networkID]; !ok {
		return false
	}
	delete(w.bodies, networkID)
	return true
}

// RemoveOwnedBy drops every body owned by peerID and returns their ids.
func (w *World) RemoveOwnedBy(peerID string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var removed []string
	for id, b := range w.bodies {
		if b.OwnerID == peerID {
			delete(w.bodies, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// ReassignOwner moves every body owned by from to to. A peer that rejoins
// under a new id keeps its bodies this way.
func (w *World) ReassignOwner(from, to string) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := 0
	for _, b := range w.bodies {
		if b.OwnerID == from {
			b.OwnerID = to
			b.target = nil
			n++
		}
	}
	return n
}

// Step advances the world by one tick. Owned bodies move by their velocity
// and bounce off the padded walls. Remote bodies close part of the gap to
// their target, or coast when they have none.
func (w *World) Step() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, b := range w.bodies {
		b.Angle += b.AngularVelocity
		if !w.owned(b) && b.target != nil {
			w.interpolate(b)
			continue
		}
		b.Position.X += b.Velocity.X
		b.Position.Y += b.Velocity.Y
		if w.owned(b) {
			w.bounce(b)
		}
	}
}

func (w *World) interpolate(b *body) {
	f := w.cfg.Interpolation
	dx := b.target.position.X - b.Position.X
	dy := b.target.position.Y - b.Position.Y

	b.Position.X += dx * f
	b.Position.Y += dy * f
	b.Velocity.X += (b.target.velocity.X - b.Velocity.X) * f
	b.Velocity.Y += (b.target.velocity.Y - b.Velocity.Y) * f

	if math.Abs(dx) < w.cfg.Epsilon && math.Abs(dy) < w.cfg.Epsilon {
		b.target = nil
	}
}

func (w *World) bounce(b *body) {
	minX := w.cfg.Padding + b.Dimensions.Width/2
	maxX := w.cfg.Width - w.cfg.Padding - b.Dimensions.Width/2
	minY := w.cfg.Padding + b.Dimensions.Height/2
	maxY := w.cfg.Height - w.cfg.Padding - b.Dimensions.Height/2

	if b.Position.X < minX {
		b.Position.X = minX
		b.Velocity.X = math.Abs(b.Velocity.X)
	} else if b.Position.X > maxX {
		b.Position.X = maxX
		b.Velocity.X = -math.Abs(b.Velocity.X)
	}
	if b.Position.Y < minY {
		b.Position.Y = minY
		b.Velocity.Y = math.Abs(b.Velocity.Y)
	} else if b.Position.Y > maxY {
		b.Position.Y = maxY
		b.Velocity.Y = -math.Abs(b.Velocity.Y)
	}
}

func (w *World) outOfBounds(p wire.Vec2, dims wire.Size) bool {
	pad := w.cfg.Padding
	return p.X-dims.Width/2 < pad ||
		p.X+dims.Width/2 > w.cfg.Width-pad ||
		p.Y-dims.Height/2 < pad ||
		p.Y+dims.Height/2 > w.cfg.Height-pad
}

func (w *World) clampInside(p wire.Vec2, dims wire.Size) wire.Vec2 {
	pad := w.cfg.Padding
	return wire.Vec2{
		X: clamp(p.X, pad+dims.Width/2, w.cfg.Width-pad-dims.Width/2),
		Y: clamp(p.Y, pad+dims.Height/2, w.cfg.Height-pad-dims.Height/2),
	}
}

// clampSpeed keeps a moving body's speed within [MinSpeed, MaxSpeed]. A
// stationary body stays stationary.
func (w *World) clampSpeed(v wire.Vec2) wire.Vec2 {
	speed := math.Hypot(v.X, v.Y)
	if speed == 0 {
		return v
	}
	want := clamp(speed, w.cfg.MinSpeed, w.cfg.MaxSpeed)
	if want == speed {
		return v
	}
	scale := want / speed
	return wire.Vec2{X: v.X * scale, Y: v.Y * scale}
}

func clamp(v, lo, hi float64) float64 {
	if hi < lo {
		return (lo + hi) / 2
	}
	return math.Max(lo, math.Min(hi, v))
}
