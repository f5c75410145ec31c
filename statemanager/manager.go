// Package statemanager tracks asynchronous API operations in memory so
// that 202 responses can be polled for their outcome. The map is bounded;
// the oldest operation is evicted when capacity is reached.
package statemanager

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxOperations bounds the in-memory operation map.
const DefaultMaxOperations = 1000

// Manager tracks operations started by the HTTP layer.
type Manager struct {
	mu            sync.RWMutex
	operations    map[string]*Operation
	maxOperations int
}

// New creates a manager keeping at most maxOperations entries; zero or
// negative selects the default.
func New(maxOperations int) *Manager {
	if maxOperations <= 0 {
		maxOperations = DefaultMaxOperations
	}
	return &Manager{
		operations:    make(map[string]*Operation),
		maxOperations: maxOperations,
	}
}

// Begin registers a running operation and returns its generated id.
func (m *Manager) Begin(kind string, batchID *uint) *Operation {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.operations) >= m.maxOperations {
		m.evictOldest()
	}

	op := &Operation{
		ID:        uuid.NewString(),
		Kind:      kind,
		BatchID:   batchID,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	m.operations[op.ID] = op

	copied := *op
	return &copied
}

// Finish resolves an operation to completed or failed. Unknown ids are
// ignored; the entry may have been evicted.
func (m *Manager) Finish(id string, err error, result map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.operations[id]
	if !ok {
		return
	}

	now := time.Now().UTC()
	op.CompletedAt = &now
	op.Duration = now.Sub(op.StartedAt).String()
	op.Result = result
	if err != nil {
		op.Status = StatusFailed
		op.Error = err.Error()
	} else {
		op.Status = StatusCompleted
	}
}

// Get returns a copy of one operation, or nil when unknown.
func (m *Manager) Get(id string) *Operation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	op, ok := m.operations[id]
	if !ok {
		return nil
	}
	copied := *op
	return &copied
}

// List returns copies of every tracked operation.
func (m *Manager) List() []*Operation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ops := make([]*Operation, 0, len(m.operations))
	for _, op := range m.operations {
		copied := *op
		ops = append(ops, &copied)
	}
	return ops
}

// GetStats aggregates the tracked operations.
func (m *Manager) GetStats() *Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &Stats{
		Total:    len(m.operations),
		ByStatus: make(map[Status]int),
		ByKind:   make(map[string]int),
	}

	var totalDuration time.Duration
	var finished int
	for _, op := range m.operations {
		stats.ByStatus[op.Status]++
		stats.ByKind[op.Kind]++
		if op.CompletedAt != nil {
			totalDuration += op.CompletedAt.Sub(op.StartedAt)
			finished++
		}
	}
	if finished > 0 {
		stats.AverageDuration = (totalDuration / time.Duration(finished)).String()
	}
	return stats
}

func (m *Manager) evictOldest() {
	var oldestID string
	var oldestTime time.Time
	for id, op := range m.operations {
		if oldestID == "" || op.StartedAt.Before(oldestTime) {
			oldestID = id
			oldestTime = op.StartedAt
		}
	}
	if oldestID != "" {
		delete(m.operations, oldestID)
	}
}
