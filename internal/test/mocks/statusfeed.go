package mocks

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MockStatusFeed simulates the backend's websocket status feed: every
// accepted connection receives a small JSON heartbeat at a fixed interval
// until the connection or the feed is closed.
type MockStatusFeed struct {
	*httptest.Server
	upgrader websocket.Upgrader
	interval time.Duration

	mu       sync.Mutex
	conns    []*websocket.Conn
	accepted int
	closed   bool
}

func NewMockStatusFeed(interval time.Duration) *MockStatusFeed {
	f := &MockStatusFeed{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		interval: interval,
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handleFeed))
	return f
}

// WSURL returns the ws:// address of the feed.
func (f *MockStatusFeed) WSURL() string {
	return "ws" + strings.TrimPrefix(f.Server.URL, "http")
}

// Accepted returns how many connections the feed has upgraded.
func (f *MockStatusFeed) Accepted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepted
}

// DropAll closes every live connection, simulating a feed outage while the
// HTTP listener stays up.
func (f *MockStatusFeed) DropAll() {
	f.mu.Lock()
	conns := f.conns
	f.conns = nil
	f.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Close shuts down the listener and all live connections.
func (f *MockStatusFeed) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.DropAll()
	f.Server.Close()
}

func (f *MockStatusFeed) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		conn.Close()
		return
	}
	f.conns = append(f.conns, conn)
	f.accepted++
	f.mu.Unlock()

	go f.pump(conn)
}

func (f *MockStatusFeed) pump(conn *websocket.Conn) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for range ticker.C {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"alive":true}`)); err != nil {
			return
		}
	}
}
