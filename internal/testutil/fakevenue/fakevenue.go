// Package fakevenue provides a minimal in-process exchange double for
// exercising internal/session and internal/control end to end: a real
// loopback WebSocket server plus a session.Dialer that talks to it,
// without a real venue on the other end.
package fakevenue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/marketdata-platform/ingest/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is a fake venue: an httptest.Server speaking the WebSocket
// upgrade handshake, with helpers to push frames to whatever client is
// currently connected and to record what the client sent (its subscribe
// frames, in particular).
type Server struct {
	httpServer *httptest.Server

	mu       sync.Mutex
	conn     *websocket.Conn
	received [][]byte
	connectN int
}

// New starts a fake venue server. Call Close when done.
func New() *Server {
	s := &Server{}
	s.httpServer = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.conn = conn
	s.connectN++
	s.mu.Unlock()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, append([]byte(nil), data...))
		s.mu.Unlock()
	}
}

// URL returns the ws:// URL clients should dial.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.httpServer.URL, "http")
}

// Dialer returns a session.Dialer that connects to this server regardless
// of the URL it's given, so a Session configured for a real venue's URL
// can be pointed at the fake one in tests without rewriting its config.
func (s *Server) Dialer() session.Dialer {
	return dialerFunc(func(ctx context.Context, _ string, header map[string][]string) (*websocket.Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.URL(), nil)
		return conn, err
	})
}

type dialerFunc func(ctx context.Context, url string, header map[string][]string) (*websocket.Conn, error)

func (f dialerFunc) Dial(ctx context.Context, url string, header map[string][]string) (*websocket.Conn, error) {
	return f(ctx, url, header)
}

// Push sends raw bytes to the currently connected client, if any.
func (s *Server) Push(data []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// PushJSON marshals v and pushes it as a text frame.
func (s *Server) PushJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Push(data)
}

// Disconnect forcibly closes the current client connection, simulating a
// venue-initiated drop so reconnect logic can be exercised.
func (s *Server) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Received returns every frame the client has sent so far (its subscribe
// frames and any ping payloads), in arrival order.
func (s *Server) Received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.received))
	copy(out, s.received)
	return out
}

// ConnectCount reports how many times a client has (re)connected.
func (s *Server) ConnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectN
}

// Close shuts the underlying httptest.Server down.
func (s *Server) Close() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	s.httpServer.Close()
}
