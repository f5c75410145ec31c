// Package monitor exposes read-only projections over both stores for
// dashboards, plus the Prometheus collectors and health checks. Nothing
// here mutates state, and a store being down degrades the projection for
// that store only.
package monitor

import (
	"context"
	"time"

	"github.com/prodogs/DocumentEvaluator-sub001/common"
	"github.com/prodogs/DocumentEvaluator-sub001/db"
	"github.com/prodogs/DocumentEvaluator-sub001/llm"
)

// BatchStatus is the per-batch projection.
type BatchStatus struct {
	BatchID     uint            `json:"batch_id"`
	BatchNumber int             `json:"batch_number"`
	Name        string          `json:"name"`
	Status      string          `json:"status"`
	Counts      db.StatusCounts `json:"counts"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// SystemStatus is the system-wide projection. A negative count marks a
// value whose store was unreachable when sampled.
type SystemStatus struct {
	QueueDepth         int64 `json:"queue_depth"`
	ActiveLeases       int64 `json:"active_leases"`
	StuckProcessing    int64 `json:"stuck_processing"`
	LastHourThroughput int64 `json:"last_hour_throughput"`
}

// Health carries the reachability booleans.
type Health struct {
	CatalogStore bool `json:"catalog_store"`
	WorkStore    bool `json:"work_store"`
	LLMService   bool `json:"llm_service"`
}

// Healthy reports whether every dependency answered.
func (h Health) Healthy() bool {
	return h.CatalogStore && h.WorkStore && h.LLMService
}

// Monitor samples both stores and the analyzer.
type Monitor struct {
	catalog     *db.Catalog
	work        *db.Work
	client      *llm.Client
	taskTimeout time.Duration
	log         *common.ContextLogger
}

// New creates a monitor. taskTimeout feeds the stuck-processing projection.
func New(catalog *db.Catalog, work *db.Work, client *llm.Client, taskTimeout time.Duration) *Monitor {
	return &Monitor{
		catalog:     catalog,
		work:        work,
		client:      client,
		taskTimeout: taskTimeout,
		log:         common.ServiceLogger("monitor"),
	}
}

// BatchStatus projects one batch with its response counts. A work-store
// failure yields the batch row with zero counts rather than an error.
func (m *Monitor) BatchStatus(batchID uint) (*BatchStatus, error) {
	var b db.Batch
	if err := m.catalog.DB().First(&b, batchID).Error; err != nil {
		return nil, err
	}

	status := &BatchStatus{
		BatchID:     b.ID,
		BatchNumber: b.BatchNumber,
		Name:        b.Name,
		Status:      b.Status,
		StartedAt:   b.StartedAt,
		CompletedAt: b.CompletedAt,
	}

	counts, err := m.work.CountsForBatch(batchID)
	if err != nil {
		m.log.WithField("batch_id", batchID).WithError(err).
			Warn("work store unreachable, returning batch without counts")
		return status, nil
	}
	status.Counts = counts
	return status, nil
}

// SystemStatus projects the system-wide counters. Each counter degrades
// to -1 independently when its query fails.
func (m *Monitor) SystemStatus() SystemStatus {
	status := SystemStatus{
		QueueDepth:         -1,
		ActiveLeases:       -1,
		StuckProcessing:    -1,
		LastHourThroughput: -1,
	}

	if n, err := m.work.QueueDepth(); err == nil {
		status.QueueDepth = n
	}
	if n, err := m.work.ProcessingCount(); err == nil {
		status.ActiveLeases = n
	}
	if n, err := m.work.StuckCount(m.taskTimeout); err == nil {
		status.StuckProcessing = n
	}
	if n, err := m.work.CompletedSince(time.Now().UTC().Add(-time.Hour)); err == nil {
		status.LastHourThroughput = n
	}
	return status
}

// Check pings both stores and the analyzer.
func (m *Monitor) Check(ctx context.Context) Health {
	return Health{
		CatalogStore: m.catalog.Healthy(ctx),
		WorkStore:    m.work.Healthy(ctx),
		LLMService:   m.client.Healthy(ctx),
	}
}
