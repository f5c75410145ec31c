package db

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/prodogs/DocumentEvaluator-sub001/config"
)

// Work is the handle to the work store. It owns encoded bodies and the
// responses table. Every response state transition here is a conditional
// UPDATE on the prior status, so concurrent workers cannot double-apply one.
type Work struct {
	db *gorm.DB
}

// OpenWork connects to the work store and optionally migrates its schema.
func OpenWork(cfg config.DatabaseConfig) (*Work, error) {
	gdb, err := openPostgres(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open work store: %w", err)
	}

	w := &Work{db: gdb}
	if cfg.AutoMigrate {
		if err := w.Migrate(); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// DB exposes the underlying gorm handle for query composition.
func (w *Work) DB() *gorm.DB {
	return w.db
}

// Migrate creates or updates the work schema.
func (w *Work) Migrate() error {
	if err := w.db.AutoMigrate(&EncodedBody{}, &Response{}); err != nil {
		return fmt.Errorf("failed to migrate work schema: %w", err)
	}
	return nil
}

// Healthy reports whether the work store answers a ping.
func (w *Work) Healthy(ctx context.Context) bool {
	sqlDB, err := w.db.DB()
	if err != nil {
		return false
	}
	return sqlDB.PingContext(ctx) == nil
}

// Close releases the connection pool.
func (w *Work) Close() error {
	sqlDB, err := w.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertEncodedBody stores the encoded content for a document, replacing
// any previous body for the same document.
func (w *Work) UpsertEncodedBody(body *EncodedBody) error {
	err := w.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "document_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"content", "content_type", "doc_type", "file_size", "encoding",
		}),
	}).Create(body).Error
	if err != nil {
		return fmt.Errorf("failed to upsert encoded body for document %d: %w", body.DocumentID, err)
	}

	if body.ID == 0 {
		// The conflict path does not report the surviving row id.
		var existing EncodedBody
		if err := w.db.Select("id").Where("document_id = ?", body.DocumentID).First(&existing).Error; err != nil {
			return fmt.Errorf("failed to resolve encoded body id for document %d: %w", body.DocumentID, err)
		}
		body.ID = existing.ID
	}
	return nil
}

// GetEncodedBody loads the body row for a document.
func (w *Work) GetEncodedBody(documentID uint) (*EncodedBody, error) {
	var body EncodedBody
	if err := w.db.Where("document_id = ?", documentID).First(&body).Error; err != nil {
		return nil, err
	}
	return &body, nil
}

// GetEncodedBodyByID loads a body row by its synthetic id.
func (w *Work) GetEncodedBodyByID(id uint) (*EncodedBody, error) {
	var body EncodedBody
	if err := w.db.First(&body, id).Error; err != nil {
		return nil, err
	}
	return &body, nil
}

// InsertResponseSlot creates one QUEUED response row for a work unit.
// Staging is idempotent: a conflict on the (batch, document, prompt,
// connection) unique index is silently ignored.
func (w *Work) InsertResponseSlot(resp *Response) error {
	err := w.db.Clauses(clause.OnConflict{DoNothing: true}).Create(resp).Error
	if err != nil {
		return fmt.Errorf("failed to insert response slot: %w", err)
	}
	return nil
}

// LeaseFilter narrows the lease scan. Zero-value fields apply no
// constraint; the processor always passes the ANALYZING batch ids so rows
// of a batch that was staged but never run stay QUEUED.
type LeaseFilter struct {
	// BatchIDs restricts leasing to responses of the given batches.
	BatchIDs []uint

	// ExcludeConnectionIDs skips responses targeting the given
	// connections, used for circuits that are currently open.
	ExcludeConnectionIDs []uint
}

// LeaseQueued atomically claims up to limit QUEUED responses matching the
// filter, oldest first, flipping them to PROCESSING with a fresh task id
// and start timestamp. SELECT ... FOR UPDATE SKIP LOCKED is the lease
// primitive: two concurrent schedulers never claim the same row. This is
// the only code path that sets PROCESSING.
func (w *Work) LeaseQueued(limit int, filter LeaseFilter, newTaskID func() string) ([]Response, error) {
	if limit <= 0 {
		return nil, nil
	}

	var leased []Response
	err := w.db.Transaction(func(tx *gorm.DB) error {
		q := tx.Clauses(clause.Locking{
			Strength: "UPDATE",
			Options:  "SKIP LOCKED",
		}).
			Where("status = ?", ResponseQueued)
		if len(filter.BatchIDs) > 0 {
			q = q.Where("batch_id IN ?", filter.BatchIDs)
		}
		if len(filter.ExcludeConnectionIDs) > 0 {
			q = q.Where("connection_id NOT IN ?", filter.ExcludeConnectionIDs)
		}

		var rows []Response
		err := q.Order("id").Limit(limit).Find(&rows).Error
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		for i := range rows {
			taskID := newTaskID()
			res := tx.Model(&Response{}).
				Where("id = ? AND status = ?", rows[i].ID, ResponseQueued).
				Updates(map[string]interface{}{
					"status":                ResponseProcessing,
					"task_id":               taskID,
					"started_processing_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			rows[i].Status = ResponseProcessing
			rows[i].TaskID = &taskID
			rows[i].StartedProcessingAt = &now
			leased = append(leased, rows[i])
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to lease queued responses: %w", err)
	}
	return leased, nil
}

// SetRemoteTask records the analyzer's task handle on a leased response,
// replacing the provisional lease id. No-ops when the row left PROCESSING.
func (w *Work) SetRemoteTask(id uint, taskID string) (bool, error) {
	res := w.db.Model(&Response{}).
		Where("id = ? AND status = ?", id, ResponseProcessing).
		Update("task_id", taskID)
	if res.Error != nil {
		return false, fmt.Errorf("failed to record remote task for response %d: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Requeue returns a leased response to QUEUED, clearing the lease fields.
// Used when dispatch is refused locally, for example by an open circuit.
func (w *Work) Requeue(id uint) (bool, error) {
	res := w.db.Model(&Response{}).
		Where("id = ? AND status = ?", id, ResponseProcessing).
		Updates(map[string]interface{}{
			"status":                ResponseQueued,
			"task_id":               nil,
			"started_processing_at": nil,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to requeue response %d: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// CompletionResult carries the terminal fields of a successful task.
type CompletionResult struct {
	ResponseText     string
	ResponseJSON     JSON
	InputTokens      *int
	OutputTokens     *int
	TimeTakenSeconds *float64
	TokensPerSecond  *float64
	OverallScore     *float64
}

// MarkCompleted finalizes a PROCESSING response with its result. It returns
// false when the row is gone or no longer PROCESSING (batch reset or reaper
// won the race); the caller must treat that as a silent no-op.
func (w *Work) MarkCompleted(id uint, result CompletionResult) (bool, error) {
	now := time.Now().UTC()
	res := w.db.Model(&Response{}).
		Where("id = ? AND status = ?", id, ResponseProcessing).
		Updates(map[string]interface{}{
			"status":                  ResponseCompleted,
			"response_text":           result.ResponseText,
			"response_json":           result.ResponseJSON,
			"input_tokens":            result.InputTokens,
			"output_tokens":           result.OutputTokens,
			"time_taken_seconds":      result.TimeTakenSeconds,
			"tokens_per_second":       result.TokensPerSecond,
			"overall_score":           result.OverallScore,
			"completed_processing_at": now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to complete response %d: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// MarkFailed finalizes a PROCESSING response with an error message. Token
// and score fields stay null. Same no-op contract as MarkCompleted.
func (w *Work) MarkFailed(id uint, errorMessage string) (bool, error) {
	now := time.Now().UTC()
	res := w.db.Model(&Response{}).
		Where("id = ? AND status = ?", id, ResponseProcessing).
		Updates(map[string]interface{}{
			"status":                  ResponseFailed,
			"error_message":           errorMessage,
			"completed_processing_at": now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to fail response %d: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ReapStuck flips PROCESSING rows older than taskTimeout to TIMEOUT and
// returns the ids of affected responses with their batch ids so the caller
// can run batch fan-in. The reaper is the only authority that ends
// PROCESSING without a remote result.
func (w *Work) ReapStuck(taskTimeout time.Duration, errorMessage string) ([]Response, error) {
	cutoff := time.Now().UTC().Add(-taskTimeout)

	var stuck []Response
	err := w.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{
			Strength: "UPDATE",
			Options:  "SKIP LOCKED",
		}).
			Select("id", "batch_id").
			Where("status = ? AND started_processing_at < ?", ResponseProcessing, cutoff).
			Find(&stuck).Error
		if err != nil {
			return err
		}
		if len(stuck) == 0 {
			return nil
		}

		now := time.Now().UTC()
		ids := make([]uint, 0, len(stuck))
		for _, r := range stuck {
			ids = append(ids, r.ID)
		}
		return tx.Model(&Response{}).
			Where("id IN ? AND status = ?", ids, ResponseProcessing).
			Updates(map[string]interface{}{
				"status":                  ResponseTimeout,
				"error_message":           errorMessage,
				"completed_processing_at": now,
			}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reap stuck responses: %w", err)
	}
	return stuck, nil
}

// FailStaleProcessing marks PROCESSING rows as FAILED when their start
// timestamp is null or older than taskTimeout. Used only by startup
// recovery; the distinct marker message keeps these visible for audit.
func (w *Work) FailStaleProcessing(taskTimeout time.Duration, marker string) (int64, error) {
	cutoff := time.Now().UTC().Add(-taskTimeout)
	now := time.Now().UTC()

	res := w.db.Model(&Response{}).
		Where("status = ? AND (started_processing_at IS NULL OR started_processing_at < ?)",
			ResponseProcessing, cutoff).
		Updates(map[string]interface{}{
			"status":                  ResponseFailed,
			"error_message":           marker,
			"completed_processing_at": now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to fail stale processing responses: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// CountsForBatch aggregates the responses of one batch by status.
func (w *Work) CountsForBatch(batchID uint) (StatusCounts, error) {
	var rows []struct {
		Status string
		N      int64
	}
	err := w.db.Model(&Response{}).
		Select("status, COUNT(*) AS n").
		Where("batch_id = ?", batchID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return StatusCounts{}, fmt.Errorf("failed to count responses for batch %d: %w", batchID, err)
	}

	var counts StatusCounts
	for _, r := range rows {
		counts.Total += r.N
		switch r.Status {
		case ResponseQueued:
			counts.Queued = r.N
		case ResponseProcessing:
			counts.Processing = r.N
		case ResponseCompleted:
			counts.Completed = r.N
		case ResponseFailed:
			counts.Failed = r.N
		case ResponseTimeout:
			counts.Timeout = r.N
		}
	}
	return counts, nil
}

// NonTerminalCount returns the number of QUEUED or PROCESSING rows for a batch.
func (w *Work) NonTerminalCount(batchID uint) (int64, error) {
	var n int64
	err := w.db.Model(&Response{}).
		Where("batch_id = ? AND status IN ?", batchID,
			[]string{ResponseQueued, ResponseProcessing}).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count non-terminal responses for batch %d: %w", batchID, err)
	}
	return n, nil
}

// CompletedDocumentCount returns the number of distinct documents of a batch
// with at least one COMPLETED response.
func (w *Work) CompletedDocumentCount(batchID uint) (int64, error) {
	var n int64
	err := w.db.Model(&Response{}).
		Where("batch_id = ? AND status = ?", batchID, ResponseCompleted).
		Distinct("document_id").
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count completed documents for batch %d: %w", batchID, err)
	}
	return n, nil
}

// DeleteBatchResponses removes every response row of a batch. Used by
// batch reset; in-flight dispatches become no-op writes afterwards.
func (w *Work) DeleteBatchResponses(batchID uint) (int64, error) {
	res := w.db.Where("batch_id = ?", batchID).Delete(&Response{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete responses for batch %d: %w", batchID, res.Error)
	}
	return res.RowsAffected, nil
}

// ListBatchResponses returns the response rows of a batch in lease order.
func (w *Work) ListBatchResponses(batchID uint) ([]Response, error) {
	var rows []Response
	if err := w.db.Where("batch_id = ?", batchID).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list responses for batch %d: %w", batchID, err)
	}
	return rows, nil
}

// QueueDepth returns the number of QUEUED rows across all batches.
func (w *Work) QueueDepth() (int64, error) {
	var n int64
	if err := w.db.Model(&Response{}).Where("status = ?", ResponseQueued).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count queued responses: %w", err)
	}
	return n, nil
}

// ProcessingCount returns the number of PROCESSING rows across all batches.
func (w *Work) ProcessingCount() (int64, error) {
	var n int64
	if err := w.db.Model(&Response{}).Where("status = ?", ResponseProcessing).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count processing responses: %w", err)
	}
	return n, nil
}

// StuckCount returns the number of PROCESSING rows older than taskTimeout.
func (w *Work) StuckCount(taskTimeout time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-taskTimeout)
	var n int64
	err := w.db.Model(&Response{}).
		Where("status = ? AND started_processing_at < ?", ResponseProcessing, cutoff).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count stuck responses: %w", err)
	}
	return n, nil
}

// CompletedSince returns the number of responses that reached a terminal
// status after the given time. Used for throughput projections.
func (w *Work) CompletedSince(since time.Time) (int64, error) {
	var n int64
	err := w.db.Model(&Response{}).
		Where("status IN ? AND completed_processing_at > ?",
			[]string{ResponseCompleted, ResponseFailed, ResponseTimeout}, since).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count completed responses: %w", err)
	}
	return n, nil
}
