package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/prodogs/DocumentEvaluator-sub001/common"
	"github.com/prodogs/DocumentEvaluator-sub001/db"
	"github.com/prodogs/DocumentEvaluator-sub001/encoder"
	"github.com/prodogs/DocumentEvaluator-sub001/snapshot"
)

// ErrIllegalTransition is returned when an operation finds the batch in a
// status it cannot act on, including when a concurrent caller won the flip.
var ErrIllegalTransition = errors.New("illegal batch transition")

// Service drives batches through their lifecycle. Status flips are
// conditional UPDATEs on the prior status, so two concurrent callers of
// the same operation cannot both succeed.
type Service struct {
	catalog *db.Catalog
	work    *db.Work
	enc     *encoder.Encoder
	log     *common.ContextLogger
}

// NewService creates the batch service.
func NewService(catalog *db.Catalog, work *db.Work, enc *encoder.Encoder) *Service {
	return &Service{
		catalog: catalog,
		work:    work,
		enc:     enc,
		log:     common.ServiceLogger("batch"),
	}
}

// Save creates a new SAVED batch with the next sequential batch number and
// the immutable config snapshot.
func (s *Service) Save(name, description string, cfg db.BatchConfig) (*db.Batch, error) {
	if err := s.validateConnections(cfg.ConnectionIDs); err != nil {
		return nil, err
	}

	number, err := s.catalog.NextBatchNumber()
	if err != nil {
		return nil, err
	}

	snapshotJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch config: %w", err)
	}
	folderJSON, err := json.Marshal(cfg.FolderIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal folder ids: %w", err)
	}

	b := &db.Batch{
		BatchNumber:    number,
		Name:           name,
		Description:    description,
		Status:         db.BatchSaved,
		FolderIDs:      db.JSON(folderJSON),
		ConfigSnapshot: db.JSON(snapshotJSON),
	}
	if err := s.catalog.DB().Create(b).Error; err != nil {
		return nil, fmt.Errorf("failed to save batch: %w", err)
	}

	s.log.WithFields(map[string]interface{}{
		"batch_id":     b.ID,
		"batch_number": b.BatchNumber,
	}).Info("batch saved")
	return b, nil
}

// validateConnections rejects a config naming missing or inactive
// connections. An inactive connection cannot be selected for a new batch;
// rows already staged against one keep running to completion.
func (s *Service) validateConnections(ids []uint) error {
	if len(ids) == 0 {
		return nil
	}

	var conns []db.Connection
	if err := s.catalog.DB().Where("id IN ?", ids).Find(&conns).Error; err != nil {
		return fmt.Errorf("failed to load batch connections: %w", err)
	}
	byID := make(map[uint]*db.Connection, len(conns))
	for i := range conns {
		byID[conns[i].ID] = &conns[i]
	}

	for _, id := range ids {
		conn, ok := byID[id]
		if !ok {
			return fmt.Errorf("connection %d does not exist", id)
		}
		if !conn.IsActive {
			return fmt.Errorf("connection %d (%s) is inactive and cannot be selected", id, conn.Name)
		}
	}
	return nil
}

// Get loads one batch.
func (s *Service) Get(batchID uint) (*db.Batch, error) {
	var b db.Batch
	if err := s.catalog.DB().First(&b, batchID).Error; err != nil {
		return nil, fmt.Errorf("failed to load batch %d: %w", batchID, err)
	}
	return &b, nil
}

// Stage turns a batch into durable work units: one QUEUED response row per
// (document, prompt, connection) triple. Staging is idempotent; re-staging
// a STAGED batch creates no duplicate rows. On any failure the batch lands
// in FAILED_STAGING and the error propagates.
func (s *Service) Stage(batchID uint) error {
	b, err := s.Get(batchID)
	if err != nil {
		return err
	}
	if !Stageable(b.Status) {
		return fmt.Errorf("%w: cannot stage batch %d in status %s", ErrIllegalTransition, batchID, b.Status)
	}

	if err := s.transition(batchID, b.Status, db.BatchStaging, nil); err != nil {
		return err
	}

	log := s.log.WithField("batch_id", batchID)
	log.Info("staging batch")

	if err := s.stageInner(b, log); err != nil {
		if ferr := s.transition(batchID, db.BatchStaging, db.BatchFailedStaging, nil); ferr != nil {
			log.WithError(ferr).Error("failed to record staging failure")
		}
		return fmt.Errorf("failed to stage batch %d: %w", batchID, err)
	}

	if err := s.transition(batchID, db.BatchStaging, db.BatchStaged, nil); err != nil {
		return err
	}
	log.Info("batch staged")
	return nil
}

func (s *Service) stageInner(b *db.Batch, log *common.ContextLogger) error {
	var cfg db.BatchConfig
	if len(b.ConfigSnapshot) > 0 {
		if err := json.Unmarshal(b.ConfigSnapshot, &cfg); err != nil {
			return fmt.Errorf("failed to decode config snapshot: %w", err)
		}
	}
	if len(cfg.PromptIDs) == 0 || len(cfg.ConnectionIDs) == 0 {
		return fmt.Errorf("config snapshot names no prompts or no connections")
	}

	docs, err := s.assignDocuments(b, cfg.FolderIDs)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return fmt.Errorf("no valid documents assigned to batch %d", b.ID)
	}

	// One frozen snapshot per connection, shared by all its response rows.
	snapshots := make(map[uint]db.JSON, len(cfg.ConnectionIDs))
	for _, connID := range cfg.ConnectionIDs {
		snap, err := snapshot.Build(s.catalog, connID)
		if err != nil {
			return err
		}
		if snap == nil {
			log.WithField("connection_id", connID).Warn("connection missing, storing null snapshot")
		}
		snapshots[connID] = snap
	}

	slots := 0
	for i := range docs {
		doc := &docs[i]
		bodyID, err := s.ensureEncodedBody(doc)
		if err != nil {
			if errors.Is(err, encoder.ErrUnreadableFile) {
				log.WithField("document_id", doc.ID).WithError(err).
					Warn("skipping unreadable document")
				continue
			}
			return err
		}

		for _, promptID := range cfg.PromptIDs {
			for _, connID := range cfg.ConnectionIDs {
				err := s.work.InsertResponseSlot(&db.Response{
					BatchID:           b.ID,
					DocumentID:        doc.ID,
					PromptID:          promptID,
					ConnectionID:      connID,
					EncodedBodyID:     bodyID,
					ConnectionDetails: snapshots[connID],
					Status:            db.ResponseQueued,
				})
				if err != nil {
					return err
				}
				slots++
			}
		}
	}

	log.WithFields(map[string]interface{}{
		"documents": len(docs),
		"slots":     slots,
	}).Info("response slots ensured")
	return nil
}

// assignDocuments claims every valid, unassigned document of the batch's
// folders on first staging, then returns the batch's documents. The
// total_documents projection is refreshed.
func (s *Service) assignDocuments(b *db.Batch, folderIDs []uint) ([]db.Document, error) {
	var assigned int64
	err := s.catalog.DB().Model(&db.Document{}).
		Where("batch_id = ?", b.ID).
		Count(&assigned).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count assigned documents: %w", err)
	}

	if assigned == 0 && len(folderIDs) > 0 {
		res := s.catalog.DB().Model(&db.Document{}).
			Where("folder_id IN ? AND valid = ? AND batch_id IS NULL", folderIDs, db.DocumentValid).
			Update("batch_id", b.ID)
		if res.Error != nil {
			return nil, fmt.Errorf("failed to assign documents to batch %d: %w", b.ID, res.Error)
		}
	}

	var docs []db.Document
	if err := s.catalog.DB().Where("batch_id = ?", b.ID).Order("id").Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("failed to load batch documents: %w", err)
	}

	err = s.catalog.DB().Model(&db.Batch{}).
		Where("id = ?", b.ID).
		Update("total_documents", len(docs)).Error
	if err != nil {
		return nil, fmt.Errorf("failed to update total documents: %w", err)
	}
	return docs, nil
}

// ensureEncodedBody returns the encoded body id for a document, encoding
// the file now if the preprocessor has not already done so.
func (s *Service) ensureEncodedBody(doc *db.Document) (uint, error) {
	body, err := s.work.GetEncodedBody(doc.ID)
	if err == nil {
		return body.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("failed to look up encoded body for document %d: %w", doc.ID, err)
	}
	return s.enc.EncodeAndStore(doc)
}

// Run moves a STAGED batch to ANALYZING, making its QUEUED rows visible to
// the processor's lease. A SAVED batch is implicitly staged first. Response
// rows are never recreated here.
func (s *Service) Run(batchID uint) error {
	b, err := s.Get(batchID)
	if err != nil {
		return err
	}

	if b.Status == db.BatchSaved || b.Status == db.BatchFailedStaging {
		if err := s.Stage(batchID); err != nil {
			return err
		}
		b.Status = db.BatchStaged
	}

	if b.Status != db.BatchStaged {
		return fmt.Errorf("%w: cannot run batch %d in status %s", ErrIllegalTransition, batchID, b.Status)
	}

	err = s.transition(batchID, db.BatchStaged, db.BatchAnalyzing, map[string]interface{}{
		"started_at": time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	s.log.WithField("batch_id", batchID).Info("batch running")
	return nil
}

// Reset is the escape hatch: legal from any state. It deletes every
// response row of the batch and returns the batch to SAVED. In-flight
// dispatches are orphaned; their completions no-op against the guarded
// updates.
func (s *Service) Reset(batchID uint) error {
	if _, err := s.Get(batchID); err != nil {
		return err
	}

	deleted, err := s.work.DeleteBatchResponses(batchID)
	if err != nil {
		return err
	}

	res := s.catalog.DB().Model(&db.Batch{}).
		Where("id = ?", batchID).
		Updates(map[string]interface{}{
			"status":              db.BatchSaved,
			"started_at":          nil,
			"completed_at":        nil,
			"processed_documents": 0,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to reset batch %d: %w", batchID, res.Error)
	}

	s.log.WithFields(map[string]interface{}{
		"batch_id":          batchID,
		"deleted_responses": deleted,
	}).Info("batch reset")
	return nil
}

// FinalizeIfDone runs the all-done fan-in for one batch: when no
// non-terminal response rows remain, the batch flips ANALYZING -> COMPLETED.
// The flip is a conditional UPDATE, so concurrent terminal writers racing
// here complete the batch exactly once. Returns true for the winning call.
func (s *Service) FinalizeIfDone(batchID uint) (bool, error) {
	counts, err := s.work.CountsForBatch(batchID)
	if err != nil {
		return false, err
	}

	// Keep the progress projection fresh on every terminal write.
	processed, err := s.work.CompletedDocumentCount(batchID)
	if err == nil {
		_ = s.catalog.DB().Model(&db.Batch{}).
			Where("id = ?", batchID).
			Update("processed_documents", processed).Error
	}

	if !counts.AllTerminal() {
		return false, nil
	}

	res := s.catalog.DB().Model(&db.Batch{}).
		Where("id = ? AND status = ?", batchID, db.BatchAnalyzing).
		Updates(map[string]interface{}{
			"status":       db.BatchCompleted,
			"completed_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to complete batch %d: %w", batchID, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	s.log.WithFields(map[string]interface{}{
		"batch_id":  batchID,
		"completed": counts.Completed,
		"failed":    counts.Failed,
		"timeout":   counts.Timeout,
	}).Info("batch completed")
	return true, nil
}

// transition applies a guarded status flip with optional extra columns.
func (s *Service) transition(batchID uint, from, to string, extra map[string]interface{}) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}

	updates := map[string]interface{}{"status": to}
	for k, v := range extra {
		updates[k] = v
	}

	res := s.catalog.DB().Model(&db.Batch{}).
		Where("id = ? AND status = ?", batchID, from).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to transition batch %d to %s: %w", batchID, to, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: batch %d left %s concurrently", ErrIllegalTransition, batchID, from)
	}
	return nil
}
