// Package feedserver provides a websocket live feed for tests.
package feedserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

type Server struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	mu       sync.Mutex
	conns    []*websocket.Conn
	reject   atomic.Bool
	attempts atomic.Int64
	accepted atomic.Int64
}

// New starts a feed server. Callers must Close it.
func New() *Server {
	s := &Server{}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.attempts.Add(1)
	if s.reject.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
	s.accepted.Add(1)
	// consume control frames so close messages from the client are processed
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.remove(conn)
				return
			}
		}
	}()
}

func (s *Server) remove(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.conns {
		if c == conn {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			c.Close()
			return
		}
	}
}

// BaseURL is the http url of the server
func (s *Server) BaseURL() string {
	return s.srv.URL
}

// WebsocketURL is the feed endpoint of the server
func (s *Server) WebsocketURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
}

// Send delivers the message as text frame to all connected clients
func (s *Server) Send(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			return err
		}
	}
	return nil
}

// DropAll closes all client connections without a close handshake
func (s *Server) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

// Reject makes the server answer further connection attempts with 503
func (s *Server) Reject(reject bool) {
	s.reject.Store(reject)
}

// Clients returns the number of currently connected clients
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Attempts returns the number of connection attempts including rejected ones
func (s *Server) Attempts() int {
	return int(s.attempts.Load())
}

// Accepted returns the number of established connections
func (s *Server) Accepted() int {
	return int(s.accepted.Load())
}

func (s *Server) Close() {
	s.DropAll()
	s.srv.Close()
}
