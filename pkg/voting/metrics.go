package voting

import (
	"sync"
	"time"
)

// ProcessorMetrics tracks vote processing
type ProcessorMetrics struct {
	votesAccepted    int64
	votesRejected    int64
	votesOverwritten int64
	weightSum        float64
	lastUpdate       time.Time
	mu               sync.RWMutex
}

// NewProcessorMetrics creates a new ProcessorMetrics instance
func NewProcessorMetrics() *ProcessorMetrics {
	return &ProcessorMetrics{}
}

// RecordAccepted counts an accepted vote and its weight
func (pm *ProcessorMetrics) RecordAccepted(weight float64, overwrite bool, at time.Time) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.votesAccepted++
	if overwrite {
		pm.votesOverwritten++
	}
	pm.weightSum += weight
	pm.lastUpdate = at
}

// RecordRejected counts a rejected vote
func (pm *ProcessorMetrics) RecordRejected(at time.Time) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.votesRejected++
	pm.lastUpdate = at
}

// GetStats returns the current processing statistics
func (pm *ProcessorMetrics) GetStats() ProcessorStats {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	avg := 0.0
	if pm.votesAccepted > 0 {
		avg = pm.weightSum / float64(pm.votesAccepted)
	}
	return ProcessorStats{
		VotesAccepted:    pm.votesAccepted,
		VotesRejected:    pm.votesRejected,
		VotesOverwritten: pm.votesOverwritten,
		AverageWeight:    avg,
		LastUpdate:       pm.lastUpdate,
	}
}

// ProcessorStats represents vote processing statistics
type ProcessorStats struct {
	VotesAccepted    int64
	VotesRejected    int64
	VotesOverwritten int64
	AverageWeight    float64
	LastUpdate       time.Time
}
