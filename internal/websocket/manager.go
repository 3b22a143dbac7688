// Package websocket pushes job-status snapshots to connected status
// reporters, so they do not have to poll GET /jobs themselves. Workers run
// in a separate process, so the manager also refreshes on a timer to pick
// up state changes the gateway did not make.
package websocket

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"email-extraction-service/internal/entity"
)

// Snapshotter is the read-only store slice the manager broadcasts from.
type Snapshotter interface {
	List(ctx context.Context, state entity.JobState, limit int) ([]entity.Job, error)
	CountByState(ctx context.Context) (entity.Metrics, error)
}

type update struct {
	Jobs    []entity.Job   `json:"jobs"`
	Metrics entity.Metrics `json:"metrics"`
}

type Manager struct {
	store   Snapshotter
	refresh time.Duration

	// one write lock per connection: gorilla allows at most one concurrent
	// writer, and snapshots come from both handler goroutines and Run's
	// ticker.
	clients   map[*websocket.Conn]*sync.Mutex
	clientsMu sync.Mutex
}

func NewManager(store Snapshotter, refresh time.Duration) *Manager {
	if refresh <= 0 {
		refresh = 2 * time.Second
	}
	return &Manager{
		store:   store,
		refresh: refresh,
		clients: make(map[*websocket.Conn]*sync.Mutex),
	}
}

// Run periodically broadcasts fresh snapshots while anyone is connected.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return
		case <-ticker.C:
			if m.ClientCount() > 0 {
				m.Broadcast()
			}
		}
	}
}

// AddClient registers a connection, sends it the current snapshot and
// reaps it when the peer goes away. Snapshot queries use a background
// context: the HTTP request context dies with the upgrade handler while
// the socket lives on.
func (m *Manager) AddClient(conn *websocket.Conn) {
	writeMu := &sync.Mutex{}
	m.clientsMu.Lock()
	m.clients[conn] = writeMu
	total := len(m.clients)
	m.clientsMu.Unlock()

	log.Printf("[ws] client connected total=%d", total)
	m.sendSnapshot(context.Background(), conn, writeMu)

	go func() {
		defer func() {
			m.clientsMu.Lock()
			delete(m.clients, conn)
			remaining := len(m.clients)
			m.clientsMu.Unlock()
			conn.Close()
			log.Printf("[ws] client disconnected total=%d", remaining)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Broadcast pushes the current snapshot to every client. Call after any
// gateway-side mutation (create, cancel).
func (m *Manager) Broadcast() {
	type client struct {
		conn    *websocket.Conn
		writeMu *sync.Mutex
	}
	m.clientsMu.Lock()
	conns := make([]client, 0, len(m.clients))
	for conn, mu := range m.clients {
		conns = append(conns, client{conn: conn, writeMu: mu})
	}
	m.clientsMu.Unlock()

	ctx := context.Background()
	for _, c := range conns {
		m.sendSnapshot(ctx, c.conn, c.writeMu)
	}
}

func (m *Manager) ClientCount() int {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	return len(m.clients)
}

func (m *Manager) sendSnapshot(ctx context.Context, conn *websocket.Conn, writeMu *sync.Mutex) {
	jobs, err := m.store.List(ctx, "", 100)
	if err != nil {
		log.Printf("[ws] snapshot query error: %v", err)
		return
	}
	metrics, err := m.store.CountByState(ctx)
	if err != nil {
		log.Printf("[ws] metrics query error: %v", err)
		return
	}
	writeMu.Lock()
	err = conn.WriteJSON(update{Jobs: jobs, Metrics: metrics})
	writeMu.Unlock()
	if err != nil {
		log.Printf("[ws] write error: %v", err)
	}
}

func (m *Manager) closeAll() {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	for conn := range m.clients {
		conn.Close()
		delete(m.clients, conn)
	}
}
