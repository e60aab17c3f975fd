// Package registry holds the signaling server's rooms, connected peers,
// lobby subscribers and in-flight WebRTC handshakes.
package registry

import (
	"crypto/rand"
	"encoding/json"
	"log"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/textcloud/internal/models"
)

const (
	roomCodeLength = 6
	codeChars      = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
)

// Sender is one connected socket. Send must not block; it reports false
// when the message was dropped. Close must be safe to call more than once.
type Sender interface {
	ID() string
	Send(data []byte) bool
	Close()
}

// Directory mirrors room state somewhere outside the process. Its methods
// are called with the registry lock held and must not block.
type Directory interface {
	RoomCreated(meta models.RoomMetadata)
	RoomDeleted(roomID, code string)
	PeerJoined(roomID, peerID string)
	PeerLeft(roomID, peerID string)
}

type Config struct {
	StaleTimeout     time.Duration
	RecoveryAttempts int
	RecoveryDelay    time.Duration
	DefaultMaxUsers  int
	DefaultMaxTexts  int
	// EmptyRoomTTL removes rooms nobody joined within this long. Zero keeps
	// them until deleted explicitly.
	EmptyRoomTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		StaleTimeout:     30 * time.Second,
		RecoveryAttempts: 5,
		RecoveryDelay:    4 * time.Second,
		DefaultMaxUsers:  10,
		DefaultMaxTexts:  50,
		EmptyRoomTTL:     10 * time.Minute,
	}
}

// Room is a capacity-bounded group of peers.
type Room struct {
	ID        string
	Code      string
	Name      string
	Password  string
	CreatorID string
	MaxUsers  int
	MaxTexts  int
	Peers     map[string]struct{}
	CreatedAt time.Time
}

func (r *Room) info() models.RoomInfo {
	return models.RoomInfo{
		ID:           r.ID,
		Code:         r.Code,
		Name:         r.Name,
		CurrentUsers: len(r.Peers),
		MaxUsers:     r.MaxUsers,
		HasPassword:  r.Password != "",
	}
}

func (r *Room) settings() models.RoomSettings {
	return models.RoomSettings{MaxTexts: r.MaxTexts, MaxUsers: r.MaxUsers}
}

func (r *Room) metadata() models.RoomMetadata {
	return models.RoomMetadata{
		ID:          r.ID,
		Code:        r.Code,
		Name:        r.Name,
		CreatorID:   r.CreatorID,
		CreatedAt:   r.CreatedAt,
		MaxUsers:    r.MaxUsers,
		MaxTexts:    r.MaxTexts,
		HasPassword: r.Password != "",
	}
}

type member struct {
	sender Sender
	roomID string
}

// pendingConnection tracks an offer that has not been answered yet.
type pendingConnection struct {
	Initiator string
	Receiver  string
	CreatedAt time.Time
	Attempts  int
	LastHint  time.Time
}

func pendingKey(initiator, receiver string) string {
	return initiator + "-" + receiver
}

type Registry struct {
	cfg    Config
	logger *log.Logger
	dir    Directory
	now    func() time.Time

	mu      sync.Mutex
	rooms   map[string]*Room
	codes   map[string]string
	clients map[string]*member
	pending map[string]*pendingConnection
	lobby   map[string]Sender
}

func New(cfg Config, dir Directory, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		cfg:     cfg,
		logger:  logger,
		dir:     dir,
		now:     time.Now,
		rooms:   make(map[string]*Room),
		codes:   make(map[string]string),
		clients: make(map[string]*member),
		pending: make(map[string]*pendingConnection),
		lobby:   make(map[string]Sender),
	}
}

// SubscribeLobby adds a room-list observer and sends it the current rooms.
func (r *Registry) SubscribeLobby(s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lobby[s.ID()] = s
	r.send(s, models.LobbyMessage{Type: models.LobbyTypeRoomList, Rooms: r.roomInfosLocked()})
	r.logger.Printf("List client %s connected (%d subscribers)", s.ID(), len(r.lobby))
}

func (r *Registry) UnsubscribeLobby(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lobby, id)
	r.logger.Printf("List client %s disconnected", id)
}

// CreateRoom allocates a room. When creator is set it receives the
// password-carrying success message and is excluded from the sanitized
// room-created broadcast.
func (r *Registry) CreateRoom(creator Sender, creatorID string, req models.CreateRoomRequest) (models.RoomInfo, models.RoomSettings) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := &Room{
		ID:        uuid.New().String(),
		Code:      r.uniqueCodeLocked(),
		Name:      req.Name,
		Password:  req.Password,
		CreatorID: creatorID,
		MaxUsers:  req.MaxUsers,
		MaxTexts:  req.MaxTexts,
		Peers:     make(map[string]struct{}),
		CreatedAt: r.now(),
	}
	if room.MaxUsers <= 0 {
		room.MaxUsers = r.cfg.DefaultMaxUsers
	}
	if room.MaxTexts <= 0 {
		room.MaxTexts = r.cfg.DefaultMaxTexts
	}
	r.rooms[room.ID] = room
	r.codes[room.Code] = room.ID
	if r.dir != nil {
		r.dir.RoomCreated(room.metadata())
	}

	info, settings := room.info(), room.settings()
	excluded := ""
	if creator != nil {
		excluded = creator.ID()
		r.send(creator, models.LobbyMessage{
			Type:         models.LobbyTypeCreateSuccess,
			Room:         &info,
			Password:     room.Password,
			RoomSettings: &settings,
		})
	}
	r.publishLobbyLocked(models.LobbyMessage{Type: models.LobbyTypeRoomCreated, Room: &info}, excluded)

	r.logger.Printf("Room created: %s (code: %s, name: %q, max users: %d)", room.ID, room.Code, room.Name, room.MaxUsers)
	return info, settings
}

// EnterRoom validates that s may enter a room: it must exist, the password
// must match and there must be space. Membership is only granted by Join.
func (r *Registry) EnterRoom(s Sender, roomID, password string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.lookupLocked(roomID)
	var code models.ErrorCode
	switch {
	case room == nil:
		code = models.ErrRoomNotFound
	case room.Password != "" && room.Password != password:
		code = models.ErrInvalidPassword
	case len(room.Peers) >= room.MaxUsers:
		code = models.ErrRoomFull
	}
	if code != "" {
		r.send(s, models.LobbyMessage{Type: models.LobbyTypeError, Error: code})
		return code
	}

	r.send(s, models.LobbyMessage{Type: models.LobbyTypeEnterSuccess, RoomID: room.ID, Password: room.Password})
	r.logger.Printf("Client %s may enter room %s", s.ID(), room.ID)
	return nil
}

// Join adds the peer behind s to the room identified by id or code. On
// success the peer receives init, the other members receive peer-join and
// the lobby receives the new user count.
func (r *Registry) Join(s Sender, roomIdent string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.lookupLocked(roomIdent)
	if room == nil {
		return "", models.ErrRoomNotFound
	}
	if len(room.Peers) >= room.MaxUsers {
		return "", models.ErrRoomFull
	}

	peerID := s.ID()
	room.Peers[peerID] = struct{}{}
	r.clients[peerID] = &member{sender: s, roomID: room.ID}
	if r.dir != nil {
		r.dir.PeerJoined(room.ID, peerID)
	}

	settings := room.settings()
	r.send(s, models.SignalMessage{Type: models.SignalTypeInit, PeerID: peerID, RoomSettings: &settings})
	r.broadcastRoomLocked(room, models.SignalMessage{Type: models.SignalTypePeerJoin, PeerID: peerID}, peerID)
	r.publishCountLocked(room)

	r.logger.Printf("Peer %s joined room %s - %d/%d users", peerID, room.ID, len(room.Peers), room.MaxUsers)
	return room.ID, nil
}

// CheckJoinPassword re-validates the password a peer sends in its join
// message. A mismatch is reported to the peer and its socket is closed.
func (r *Registry) CheckJoinPassword(peerID, password string) error {
	r.mu.Lock()
	m, ok := r.clients[peerID]
	if !ok {
		r.mu.Unlock()
		return models.ErrPeerNotFound
	}
	room := r.rooms[m.roomID]
	if room == nil || room.Password == "" || room.Password == password {
		r.mu.Unlock()
		return nil
	}
	r.send(m.sender, models.SignalMessage{Type: models.SignalTypeError, Error: models.ErrInvalidPassword})
	r.mu.Unlock()

	r.logger.Printf("Invalid password from peer %s in room %s", peerID, room.ID)
	m.sender.Close()
	return models.ErrInvalidPassword
}

// Relay forwards an offer, answer or ICE candidate from one peer to
// another peer of the same room, stamping the sender's id.
func (r *Registry) Relay(from string, msg models.SignalMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sender, ok := r.clients[from]
	if !ok {
		return models.ErrPeerNotFound
	}
	if msg.TargetID == "" {
		r.send(sender.sender, models.SignalMessage{Type: models.SignalTypeError, Error: models.ErrMissingTargetID})
		return models.ErrMissingTargetID
	}
	target, ok := r.clients[msg.TargetID]
	if !ok || target.roomID != sender.roomID {
		r.send(sender.sender, models.SignalMessage{Type: models.SignalTypeError, Error: models.ErrPeerNotFound, PeerID: msg.TargetID})
		return models.ErrPeerNotFound
	}

	msg.PeerID = from
	r.send(target.sender, msg)

	now := r.now()
	switch msg.Type {
	case models.SignalTypeOffer:
		key := pendingKey(from, msg.TargetID)
		if p, exists := r.pending[key]; exists {
			// A re-offer keeps the first offer time so recovery stays bounded.
			p.LastHint = now
		} else {
			r.pending[key] = &pendingConnection{Initiator: from, Receiver: msg.TargetID, CreatedAt: now}
		}
		r.logger.Printf("Forwarding offer %s -> %s", from, msg.TargetID)
	case models.SignalTypeAnswer:
		delete(r.pending, pendingKey(msg.TargetID, from))
		r.logger.Printf("Forwarding answer %s -> %s", from, msg.TargetID)
	}
	return nil
}

// Leave removes a peer after its socket closed. Remaining members get
// peer-leave, the lobby gets the new count, and an empty room is deleted.
func (r *Registry) Leave(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.clients[peerID]
	if !ok {
		return
	}
	delete(r.clients, peerID)
	for key, p := range r.pending {
		if p.Initiator == peerID || p.Receiver == peerID {
			delete(r.pending, key)
		}
	}

	room, ok := r.rooms[m.roomID]
	if !ok {
		return
	}
	if _, inRoom := room.Peers[peerID]; !inRoom {
		return
	}
	delete(room.Peers, peerID)
	if r.dir != nil {
		r.dir.PeerLeft(room.ID, peerID)
	}
	r.logger.Printf("Peer %s left room %s (%d remaining)", peerID, room.ID, len(room.Peers))

	r.broadcastRoomLocked(room, models.SignalMessage{Type: models.SignalTypePeerLeave, PeerID: peerID}, peerID)
	r.publishCountLocked(room)
	if len(room.Peers) == 0 {
		r.removeRoomLocked(room)
		r.logger.Printf("Room %s empty, deleted", room.ID)
	}
}

// DeleteRoom removes a room on behalf of its creator and disconnects its
// members.
func (r *Registry) DeleteRoom(roomIdent, requesterID string) error {
	r.mu.Lock()
	room := r.lookupLocked(roomIdent)
	if room == nil {
		r.mu.Unlock()
		return models.ErrRoomNotFound
	}
	if room.CreatorID == "" || room.CreatorID != requesterID {
		r.mu.Unlock()
		return ErrNotCreator
	}

	var members []Sender
	for peerID := range room.Peers {
		if m, ok := r.clients[peerID]; ok {
			members = append(members, m.sender)
			delete(r.clients, peerID)
		}
		for key, p := range r.pending {
			if p.Initiator == peerID || p.Receiver == peerID {
				delete(r.pending, key)
			}
		}
	}
	r.removeRoomLocked(room)
	r.mu.Unlock()

	for _, s := range members {
		s.Close()
	}
	r.logger.Printf("Room %s deleted by %s (%d members disconnected)", room.ID, requesterID, len(members))
	return nil
}

// Rooms returns the sanitized room list ordered by creation time.
func (r *Registry) Rooms() []models.RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roomInfosLocked()
}

// Room looks a room up by id or code.
func (r *Registry) Room(roomIdent string) (models.RoomInfo, models.RoomSettings, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room := r.lookupLocked(roomIdent)
	if room == nil {
		return models.RoomInfo{}, models.RoomSettings{}, false
	}
	return room.info(), room.settings(), true
}

// Peers returns the ids of a room's members.
func (r *Registry) Peers(roomIdent string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	room := r.lookupLocked(roomIdent)
	if room == nil {
		return nil
	}
	ids := make([]string, 0, len(room.Peers))
	for id := range room.Peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PendingCount returns the number of unanswered offers.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// CloseAll disconnects every socket, for shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	var all []Sender
	for _, s := range r.lobby {
		all = append(all, s)
	}
	for _, m := range r.clients {
		all = append(all, m.sender)
	}
	r.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
}

func (r *Registry) lookupLocked(ident string) *Room {
	if room, ok := r.rooms[ident]; ok {
		return room
	}
	if len(ident) == roomCodeLength {
		if id, ok := r.codes[ident]; ok {
			return r.rooms[id]
		}
	}
	return nil
}

func (r *Registry) removeRoomLocked(room *Room) {
	delete(r.rooms, room.ID)
	delete(r.codes, room.Code)
	if r.dir != nil {
		r.dir.RoomDeleted(room.ID, room.Code)
	}
	r.publishLobbyLocked(models.LobbyMessage{Type: models.LobbyTypeRoomDeleted, RoomID: room.ID}, "")
}

func (r *Registry) roomInfosLocked() []models.RoomInfo {
	list := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		list = append(list, room)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	infos := make([]models.RoomInfo, 0, len(list))
	for _, room := range list {
		infos = append(infos, room.info())
	}
	return infos
}

func (r *Registry) publishCountLocked(room *Room) {
	count := len(room.Peers)
	r.publishLobbyLocked(models.LobbyMessage{Type: models.LobbyTypeRoomUpdated, RoomID: room.ID, CurrentUsers: &count}, "")
}

func (r *Registry) publishLobbyLocked(msg models.LobbyMessage, excludeID string) {
	data := r.marshal(msg)
	if data == nil {
		return
	}
	for id, s := range r.lobby {
		if id == excludeID {
			continue
		}
		if !s.Send(data) {
			r.logger.Printf("Failed to send %s to list client %s, buffer full", msg.Type, id)
		}
	}
}

func (r *Registry) broadcastRoomLocked(room *Room, msg models.SignalMessage, excludeID string) {
	data := r.marshal(msg)
	if data == nil {
		return
	}
	for peerID := range room.Peers {
		if peerID == excludeID {
			continue
		}
		m, ok := r.clients[peerID]
		if !ok {
			continue
		}
		if !m.sender.Send(data) {
			r.logger.Printf("Failed to send %s to peer %s, buffer full", msg.Type, peerID)
		}
	}
}

func (r *Registry) send(s Sender, msg any) {
	data := r.marshal(msg)
	if data == nil {
		return
	}
	if !s.Send(data) {
		r.logger.Printf("Failed to send message to %s, buffer full", s.ID())
	}
}

func (r *Registry) marshal(msg any) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Printf("Failed to marshal message: %v", err)
		return nil
	}
	return data
}

func (r *Registry) uniqueCodeLocked() string {
	for {
		code := generateRoomCode()
		if _, taken := r.codes[code]; !taken {
			return code
		}
	}
}

// generateRoomCode generates a random room code
func generateRoomCode() string {
	code := make([]byte, roomCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}
