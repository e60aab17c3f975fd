package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/textcloud/internal/models"
)

const writeWait = 10 * time.Second

var pingFrame = []byte(`{"type":"ping"}`)

// Client represents a WebSocket client connection. It implements
// registry.Sender.
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	h      *Handler
	logger *log.Logger
}

func (h *Handler) newClient(id string, conn *websocket.Conn) *Client {
	return &Client{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		h:      h,
		logger: h.logger,
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}

// HandleRoomList serves the lobby socket: the room snapshot on connect,
// live room events afterwards, and create-room / enter-room requests.
func (h *Handler) HandleRoomList(ctx *gin.Context) {
	conn, err := h.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		h.logger.Printf("Failed to upgrade connection: %v", err)
		return
	}

	client := h.newClient(uuid.New().String(), conn)
	h.reg.SubscribeLobby(client)

	go client.writePump()
	go client.readPump(h.handleLobbyMessage, func() {
		h.reg.UnsubscribeLobby(client.id)
	})
}

func (h *Handler) handleLobbyMessage(c *Client, data []byte) {
	var msg models.LobbyMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Printf("Failed to parse lobby message from %s: %v", c.id, err)
		c.sendJSON(models.LobbyMessage{Type: models.LobbyTypeError, Error: models.ErrInvalidMessage})
		return
	}

	switch msg.Type {
	case models.LobbyTypeCreateRoom:
		h.reg.CreateRoom(c, "", models.CreateRoomRequest{
			Name:     msg.Name,
			MaxUsers: msg.MaxUsers,
			MaxTexts: msg.MaxTexts,
			Password: msg.Password,
		})
	case models.LobbyTypeEnterRoom:
		h.reg.EnterRoom(c, msg.RoomID, msg.Password)
	default:
		h.logger.Printf("Unhandled lobby message type %q from %s", msg.Type, c.id)
	}
}

// HandleRoom serves a room socket. A missing or full room is reported in
// an error frame and the socket is closed.
func (h *Handler) HandleRoom(ctx *gin.Context) {
	roomIdent := ctx.Param("roomId")
	if roomIdent == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "roomId is required"})
		return
	}

	conn, err := h.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		h.logger.Printf("Failed to upgrade connection: %v", err)
		return
	}

	// Generate unique peer ID
	peerID := uuid.New().String()
	client := h.newClient(peerID, conn)
	roomID, err := h.reg.Join(client, roomIdent)
	if err != nil {
		h.logger.Printf("Rejected peer for room %s: %v", roomIdent, err)
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteJSON(models.SignalMessage{Type: models.SignalTypeError, Error: models.ErrorCode(err.Error())})
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(h.handleRoomMessage, func() {
		h.reg.Leave(peerID)
		h.logger.Printf("Peer %s disconnected from room %s", peerID, roomID)
	})
}

func (h *Handler) handleRoomMessage(c *Client, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Printf("Panic handling message from %s: %v", c.id, r)
			c.sendJSON(models.SignalMessage{Type: models.SignalTypeError, Error: models.ErrServerProcessing})
		}
	}()

	var msg models.SignalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Printf("Failed to parse message from %s: %v", c.id, err)
		c.sendJSON(models.SignalMessage{Type: models.SignalTypeError, Error: models.ErrInvalidMessageFormat})
		return
	}

	switch {
	case msg.Type.IsRelayed():
		h.reg.Relay(c.id, msg)
	case msg.Type == models.SignalTypeJoin:
		h.reg.CheckJoinPassword(c.id, msg.Password)
	default:
		h.logger.Printf("Unhandled message type %q from %s", msg.Type, c.id)
	}
}

func (c *Client) readPump(handle func(*Client, []byte), onClose func()) {
	defer func() {
		c.Close()
		c.conn.Close()
		onClose()
	}()

	idle := c.h.opts.IdleTimeout
	c.conn.SetReadDeadline(time.Now().Add(idle))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(idle))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Printf("WebSocket error: %v", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(idle))
		handle(c, message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.h.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Printf("Failed to write message: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, pingFrame); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.flush()
			code, reason := websocket.CloseNormalClosure, ""
			if c.h.shutdown.Load() {
				code, reason = websocket.CloseGoingAway, "Server shutting down"
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
			return
		}
	}
}

// flush writes whatever was queued before Close, such as the error frame
// explaining why the socket is being closed.
func (c *Client) flush() {
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) sendJSON(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Printf("Failed to marshal message: %v", err)
		return
	}
	if !c.Send(data) {
		c.logger.Printf("Failed to send message to %s, buffer full", c.id)
	}
}
