// Package stream fans execution result status changes out to live subscribers
package stream

import (
	"sync"
	"time"
)

// Event is one status transition of an execution result
type Event struct {
	ResultID  int64     `json:"result_id"`
	TaskID    int64     `json:"task_id"`
	RunID     string    `json:"run_id,omitempty"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Final     bool      `json:"final"`
	Timestamp time.Time `json:"timestamp"`
}

// Client represents a connected SSE client
type Client struct {
	ID     string
	Events chan Event
	Done   chan struct{}
}

// resultStream holds the subscribers of a single result
type resultStream struct {
	clients map[string]*Client
}

// Manager routes events to the subscribers of each result. Events for results
// nobody is watching are dropped.
type Manager struct {
	streams map[int64]*resultStream
	mu      sync.RWMutex
}

// NewManager creates a new stream manager
func NewManager() *Manager {
	return &Manager{
		streams: make(map[int64]*resultStream),
	}
}

// Subscribe registers a client for updates on a result
func (m *Manager) Subscribe(resultID int64, clientID string) *Client {
	client := &Client{
		ID:     clientID,
		Events: make(chan Event, 16),
		Done:   make(chan struct{}),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[resultID]
	if !ok {
		s = &resultStream{clients: make(map[string]*Client)}
		m.streams[resultID] = s
	}
	if old, ok := s.clients[clientID]; ok {
		close(old.Done)
	}
	s.clients[clientID] = client
	return client
}

// Unsubscribe removes a client and drops the stream once it has no clients.
// A client already replaced by a later Subscribe with the same ID is ignored.
func (m *Manager) Unsubscribe(resultID int64, client *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[resultID]
	if !ok {
		return
	}
	if current, ok := s.clients[client.ID]; ok && current == client {
		close(client.Done)
		delete(s.clients, client.ID)
	}
	if len(s.clients) == 0 {
		delete(m.streams, resultID)
	}
}

// Publish sends an event to every subscriber of its result
func (m *Manager) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.streams[ev.ResultID]
	if !ok {
		return
	}
	for _, client := range s.clients {
		select {
		case client.Events <- ev:
		default:
			// Client channel full, skip
		}
	}
}

// Subscribers returns the number of clients watching a result
func (m *Manager) Subscribers(resultID int64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if s, ok := m.streams[resultID]; ok {
		return len(s.clients)
	}
	return 0
}
