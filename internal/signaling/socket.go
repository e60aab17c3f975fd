package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// The server pings every 30s, so a silent minute and a half means the
	// socket is gone.
	readWait = 90 * time.Second
)

var errSocketClosed = errors.New("signaling socket closed")

// socket is the client half of a signaling websocket: one read pump, one
// write pump and a buffered send queue.
type socket struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *log.Logger
}

// endpoint joins the server base url and path, mapping http(s) to ws(s).
func endpoint(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String(), nil
}

func dial(ctx context.Context, rawURL string, logger *log.Logger) (*socket, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &socket{
		conn:   conn,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		logger: logger,
	}, nil
}

// run starts both pumps. handle is called for every text frame on the read
// goroutine; onClose runs once after the read side ends.
func (s *socket) run(handle func([]byte), onClose func()) {
	go s.writePump()
	go s.readPump(handle, onClose)
}

func (s *socket) sendJSON(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return errSocketClosed
	default:
	}
	select {
	case s.send <- data:
		return nil
	default:
		return errors.New("signaling send buffer full")
	}
}

func (s *socket) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *socket) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *socket) readPump(handle func([]byte), onClose func()) {
	defer func() {
		s.Close()
		s.conn.Close()
		onClose()
	}()

	s.conn.SetReadDeadline(time.Now().Add(readWait))
	s.conn.SetPingHandler(func(data string) error {
		s.conn.SetReadDeadline(time.Now().Add(readWait))
		return s.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) && !s.closed() {
				s.logger.Printf("Signaling socket error: %v", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(readWait))
		handle(message)
	}
}

func (s *socket) writePump() {
	defer s.conn.Close()

	for {
		select {
		case message := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Printf("Failed to write signaling message: %v", err)
				s.Close()
				return
			}
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
