package p2p

import (
	"sync"
	"time"
)

// Metrics tracks gossip traffic
type Metrics struct {
	ConnectedPeers    int
	MessagesPublished int64
	MessagesReceived  int64
	InvalidMessages   int64
	LastUpdated       time.Time
	mu                sync.RWMutex
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{LastUpdated: time.Now()}
}

func (m *Metrics) incrementPublished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MessagesPublished++
	m.LastUpdated = time.Now()
}

func (m *Metrics) incrementReceived() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MessagesReceived++
	m.LastUpdated = time.Now()
}

func (m *Metrics) incrementInvalid() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InvalidMessages++
	m.LastUpdated = time.Now()
}

func (m *Metrics) setConnectedPeers(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConnectedPeers = n
	m.LastUpdated = time.Now()
}

// Stats is a point-in-time copy of Metrics
type Stats struct {
	ConnectedPeers    int
	MessagesPublished int64
	MessagesReceived  int64
	InvalidMessages   int64
	LastUpdated       time.Time
}

// Snapshot returns a copy of the counters
func (m *Metrics) Snapshot() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		ConnectedPeers:    m.ConnectedPeers,
		MessagesPublished: m.MessagesPublished,
		MessagesReceived:  m.MessagesReceived,
		InvalidMessages:   m.InvalidMessages,
		LastUpdated:       m.LastUpdated,
	}
}
