package signaling

import (
	"context"
	"encoding/json"
	"log"
	"slices"
	"sync"

	"github.com/mossy-p/textcloud/internal/models"
	"github.com/mossy-p/textcloud/internal/neterr"
)

// Lobby is a connection to the room-list socket. It keeps a live copy of
// the room list and forwards every server event on Events.
type Lobby struct {
	sock   *socket
	events chan models.LobbyMessage
	logger *log.Logger

	mu    sync.Mutex
	rooms map[string]models.RoomInfo
	order []string
}

// Entry is a granted room entry: the room to join and the password to join
// it with.
type Entry struct {
	RoomID   string
	Password string
	Settings *models.RoomSettings
}

// DialLobby connects to the room-list socket of the server at serverURL.
func DialLobby(ctx context.Context, serverURL string, logger *log.Logger) (*Lobby, error) {
	if logger == nil {
		logger = log.Default()
	}
	u, err := endpoint(serverURL, "/rooms-list")
	if err != nil {
		return nil, neterr.Terminal(neterr.SignalingConnectionFailed, "invalid server url", err)
	}
	sock, err := dial(ctx, u, logger)
	if err != nil {
		return nil, neterr.New(neterr.SignalingConnectionFailed, "dial room list", err).With("url", u)
	}

	l := &Lobby{
		sock:   sock,
		events: make(chan models.LobbyMessage, 64),
		logger: logger,
		rooms:  make(map[string]models.RoomInfo),
	}
	sock.run(l.handle, func() { close(l.events) })
	return l, nil
}

// Events delivers server messages in arrival order. It is closed when the
// socket closes.
func (l *Lobby) Events() <-chan models.LobbyMessage {
	return l.events
}

// CreateRoom asks the server for a new room. The outcome arrives as
// room-create-success or error.
func (l *Lobby) CreateRoom(name string, maxUsers, maxTexts int, password string) error {
	return l.sock.sendJSON(models.LobbyMessage{
		Type:     models.LobbyTypeCreateRoom,
		Name:     name,
		MaxUsers: maxUsers,
		MaxTexts: maxTexts,
		Password: password,
	})
}

// EnterRoom asks to enter a room by id or code. The outcome arrives as
// room-enter-success or error.
func (l *Lobby) EnterRoom(roomID, password string) error {
	return l.sock.sendJSON(models.LobbyMessage{
		Type:     models.LobbyTypeEnterRoom,
		RoomID:   roomID,
		Password: password,
	})
}

// AwaitEntry consumes events until a create or enter request is answered.
// An error frame comes back as a terminal SIGNALING_SERVER_ERROR carrying
// the server's code.
func (l *Lobby) AwaitEntry(ctx context.Context) (Entry, error) {
	for {
		select {
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		case msg, ok := <-l.events:
			if !ok {
				return Entry{}, neterr.New(neterr.SignalingConnectionFailed, "room list closed", errSocketClosed)
			}
			switch msg.Type {
			case models.LobbyTypeCreateSuccess:
				if msg.Room == nil {
					continue
				}
				return Entry{RoomID: msg.Room.ID, Password: msg.Password, Settings: msg.RoomSettings}, nil
			case models.LobbyTypeEnterSuccess:
				return Entry{RoomID: msg.RoomID, Password: msg.Password}, nil
			case models.LobbyTypeError:
				return Entry{}, neterr.Terminal(neterr.SignalingServerError, string(msg.Error), msg.Error)
			}
		}
	}
}

// Rooms returns the known rooms in the order the server listed or created
// them.
func (l *Lobby) Rooms() []models.RoomInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.RoomInfo, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.rooms[id])
	}
	return out
}

func (l *Lobby) Close() {
	l.sock.Close()
}

func (l *Lobby) handle(data []byte) {
	var msg models.LobbyMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		l.logger.Printf("Failed to parse room list message: %v", err)
		return
	}

	switch msg.Type {
	case models.LobbyTypePing:
		return
	case models.LobbyTypeRoomList:
		l.replace(msg.Rooms)
	case models.LobbyTypeRoomCreated:
		if msg.Room != nil {
			l.upsert(*msg.Room)
		}
	case models.LobbyTypeRoomUpdated:
		l.updateCount(msg.RoomID, msg.CurrentUsers)
	case models.LobbyTypeRoomDeleted:
		l.remove(msg.RoomID)
	case models.LobbyTypeCreateSuccess:
		if msg.Room != nil {
			l.upsert(*msg.Room)
		}
	case models.LobbyTypeError:
		l.logger.Printf("Room list error: %s", msg.Error)
	}

	select {
	case l.events <- msg:
	default:
		l.logger.Printf("Dropping %s event, nobody is reading room list events", msg.Type)
	}
}

func (l *Lobby) replace(rooms []models.RoomInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rooms = make(map[string]models.RoomInfo, len(rooms))
	l.order = l.order[:0]
	for _, r := range rooms {
		l.rooms[r.ID] = r
		l.order = append(l.order, r.ID)
	}
}

func (l *Lobby) upsert(room models.RoomInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.rooms[room.ID]; !ok {
		l.order = append(l.order, room.ID)
	}
	l.rooms[room.ID] = room
}

func (l *Lobby) updateCount(roomID string, count *int) {
	if count == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.rooms[roomID]; ok {
		r.CurrentUsers = *count
		l.rooms[roomID] = r
	}
}

func (l *Lobby) remove(roomID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.rooms[roomID]; !ok {
		return
	}
	delete(l.rooms, roomID)
	if i := slices.Index(l.order, roomID); i >= 0 {
		l.order = slices.Delete(l.order, i, i+1)
	}
}
