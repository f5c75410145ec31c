// Package recovery reconciles crash-interrupted state on startup, before
// the queue processor accepts work. It is purely local: the analyzer is
// never contacted. A remote task whose local lease is abandoned here may
// lose its result; re-running work silently would be worse.
package recovery

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/prodogs/DocumentEvaluator-sub001/common"
	"github.com/prodogs/DocumentEvaluator-sub001/db"
)

// Report summarizes one reconciliation run.
type Report struct {
	BatchesReverted  int    `json:"batches_reverted"`
	BatchesCompleted int    `json:"batches_completed"`
	BatchesResumed   int    `json:"batches_resumed"`
	StaleFailed      int64  `json:"stale_failed"`
	Marker           string `json:"marker"`
}

// Service performs the startup reconciliation.
type Service struct {
	catalog     *db.Catalog
	work        *db.Work
	taskTimeout time.Duration
	log         *common.ContextLogger
}

// New creates the recovery service.
func New(catalog *db.Catalog, work *db.Work, taskTimeout time.Duration) *Service {
	return &Service{
		catalog:     catalog,
		work:        work,
		taskTimeout: taskTimeout,
		log:         common.ServiceLogger("recovery"),
	}
}

// Run reconciles batches interrupted mid-flight and abandons stale leases.
//
// Batches found in STAGING or ANALYZING are settled from their response
// rows: no rows means staging never landed (back to SAVED), all terminal
// means the crash hit after the last write (COMPLETED), anything else goes
// to STAGED for a clean resume. PROCESSING rows with a missing or expired
// start timestamp are failed with a recovery marker.
func (s *Service) Run() (*Report, error) {
	report := &Report{
		Marker: fmt.Sprintf("abandoned by service restart (recovery %s)", uuid.NewString()),
	}

	var interrupted []db.Batch
	err := s.catalog.DB().
		Where("status IN ?", []string{db.BatchStaging, db.BatchAnalyzing}).
		Find(&interrupted).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list interrupted batches: %w", err)
	}

	for i := range interrupted {
		if err := s.reconcileBatch(&interrupted[i], report); err != nil {
			return nil, err
		}
	}

	failed, err := s.work.FailStaleProcessing(s.taskTimeout, report.Marker)
	if err != nil {
		return nil, err
	}
	report.StaleFailed = failed

	s.log.WithFields(map[string]interface{}{
		"reverted":     report.BatchesReverted,
		"completed":    report.BatchesCompleted,
		"resumed":      report.BatchesResumed,
		"stale_failed": report.StaleFailed,
	}).Info("startup recovery complete")
	return report, nil
}

func (s *Service) reconcileBatch(b *db.Batch, report *Report) error {
	counts, err := s.work.CountsForBatch(b.ID)
	if err != nil {
		return fmt.Errorf("failed to count responses for batch %d: %w", b.ID, err)
	}

	log := s.log.WithFields(map[string]interface{}{
		"batch_id": b.ID,
		"status":   b.Status,
		"total":    counts.Total,
	})

	var updates map[string]interface{}
	switch {
	case counts.Total == 0:
		// Staging never produced rows; the batch restarts from scratch.
		updates = map[string]interface{}{
			"status":     db.BatchSaved,
			"started_at": nil,
		}
		report.BatchesReverted++
		log.Warn("reverting interrupted batch to SAVED")
	case counts.AllTerminal():
		updates = map[string]interface{}{
			"status":       db.BatchCompleted,
			"completed_at": time.Now().UTC(),
		}
		report.BatchesCompleted++
		log.Info("completing interrupted batch")
	default:
		updates = map[string]interface{}{
			"status": db.BatchStaged,
		}
		report.BatchesResumed++
		log.Info("marking interrupted batch STAGED for resume")
	}

	res := s.catalog.DB().Model(&db.Batch{}).
		Where("id = ? AND status = ?", b.ID, b.Status).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to reconcile batch %d: %w", b.ID, res.Error)
	}
	return nil
}
