package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/prodogs/DocumentEvaluator-sub001/config"
	containers "github.com/prodogs/DocumentEvaluator-sub001/containers/testing"
	"github.com/prodogs/DocumentEvaluator-sub001/db"
)

func setupStores(t *testing.T) (*db.Catalog, *db.Work) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	connStr, cleanup, err := containers.SetupPostgres(ctx, nil)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	admin, err := gorm.Open(postgres.Open(connStr), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, admin.Exec("CREATE DATABASE doc_catalog").Error)
	require.NoError(t, admin.Exec("CREATE DATABASE doc_work").Error)
	sqlDB, err := admin.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	catalog, err := db.OpenCatalog(config.DatabaseConfig{
		DSN:         containers.DSNForDatabase(connStr, "doc_catalog"),
		AutoMigrate: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = catalog.Close() })

	work, err := db.OpenWork(config.DatabaseConfig{
		DSN:         containers.DSNForDatabase(connStr, "doc_work"),
		AutoMigrate: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = work.Close() })

	return catalog, work
}

func seedResponse(t *testing.T, work *db.Work, batchID, documentID uint, status string) *db.Response {
	t.Helper()
	resp := &db.Response{
		BatchID:       batchID,
		DocumentID:    documentID,
		PromptID:      1,
		ConnectionID:  1,
		EncodedBodyID: 1,
		Status:        db.ResponseQueued,
	}
	require.NoError(t, work.InsertResponseSlot(resp))

	if status != db.ResponseQueued {
		updates := map[string]interface{}{"status": status}
		if status == db.ResponseProcessing {
			updates["started_processing_at"] = time.Now().UTC().Add(-time.Hour)
		}
		require.NoError(t, work.DB().Model(&db.Response{}).
			Where("id = ?", resp.ID).Updates(updates).Error)
	}
	return resp
}

func batchStatus(t *testing.T, catalog *db.Catalog, id uint) string {
	t.Helper()
	var b db.Batch
	require.NoError(t, catalog.DB().First(&b, id).Error)
	return b.Status
}

func TestRecoveryRun(t *testing.T) {
	catalog, work := setupStores(t)

	// STAGING with no rows: staging never landed.
	interrupted := &db.Batch{BatchNumber: 1, Name: "interrupted", Status: db.BatchStaging}
	require.NoError(t, catalog.DB().Create(interrupted).Error)

	// ANALYZING with every row terminal: the crash hit after the last write.
	done := &db.Batch{BatchNumber: 2, Name: "done", Status: db.BatchAnalyzing}
	require.NoError(t, catalog.DB().Create(done).Error)
	seedResponse(t, work, done.ID, 1, db.ResponseCompleted)

	// ANALYZING with work remaining plus an abandoned lease.
	partial := &db.Batch{BatchNumber: 3, Name: "partial", Status: db.BatchAnalyzing}
	require.NoError(t, catalog.DB().Create(partial).Error)
	seedResponse(t, work, partial.ID, 1, db.ResponseCompleted)
	stale := seedResponse(t, work, partial.ID, 2, db.ResponseProcessing)

	// A healthy batch is untouched.
	idle := &db.Batch{BatchNumber: 4, Name: "idle", Status: db.BatchStaged}
	require.NoError(t, catalog.DB().Create(idle).Error)

	report, err := New(catalog, work, 0).Run()
	require.NoError(t, err)

	assert.Equal(t, 1, report.BatchesReverted)
	assert.Equal(t, 1, report.BatchesCompleted)
	assert.Equal(t, 1, report.BatchesResumed)
	assert.Equal(t, int64(1), report.StaleFailed)

	assert.Equal(t, db.BatchSaved, batchStatus(t, catalog, interrupted.ID))
	assert.Equal(t, db.BatchCompleted, batchStatus(t, catalog, done.ID))
	assert.Equal(t, db.BatchStaged, batchStatus(t, catalog, partial.ID))
	assert.Equal(t, db.BatchStaged, batchStatus(t, catalog, idle.ID))

	var failed db.Response
	require.NoError(t, work.DB().First(&failed, stale.ID).Error)
	assert.Equal(t, db.ResponseFailed, failed.Status)
	require.NotNil(t, failed.ErrorMessage)
	assert.Contains(t, *failed.ErrorMessage, report.Marker)

	// A second run finds nothing left to settle.
	report, err = New(catalog, work, 0).Run()
	require.NoError(t, err)
	assert.Zero(t, report.BatchesReverted)
	assert.Zero(t, report.BatchesCompleted)
	assert.Zero(t, report.BatchesResumed)
	assert.Zero(t, report.StaleFailed)
}
