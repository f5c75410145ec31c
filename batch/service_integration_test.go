package batch

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/prodogs/DocumentEvaluator-sub001/config"
	containers "github.com/prodogs/DocumentEvaluator-sub001/containers/testing"
	"github.com/prodogs/DocumentEvaluator-sub001/db"
	"github.com/prodogs/DocumentEvaluator-sub001/encoder"
)

func setupService(t *testing.T) (*db.Catalog, *db.Work, *Service) {
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

	return catalog, work, NewService(catalog, work, encoder.New(work))
}

// seedSelection creates a folder with two valid documents on disk plus an
// active connection and a prompt, returning the config for a new batch.
func seedSelection(t *testing.T, catalog *db.Catalog) db.BatchConfig {
	t.Helper()

	dir := t.TempDir()
	folder := &db.Folder{Name: "docs", Path: dir, Status: db.FolderReady, Active: true}
	require.NoError(t, catalog.DB().Create(folder).Error)

	for _, name := range []string{"a.txt", "b.txt"} {
		path := filepath.Join(dir, name)
		content := "content of " + name
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		require.NoError(t, catalog.DB().Create(&db.Document{
			FolderID: folder.ID,
			Filepath: path,
			Filename: name,
			FileSize: int64(len(content)),
			Valid:    db.DocumentValid,
		}).Error)
	}

	provider := &db.Provider{Name: uuid.NewString(), ProviderType: "ollama"}
	require.NoError(t, catalog.DB().Create(provider).Error)

	conn := &db.Connection{
		Name:       uuid.NewString(),
		ProviderID: provider.ID,
		BaseURL:    "http://localhost:11434",
		IsActive:   true,
	}
	require.NoError(t, catalog.DB().Create(conn).Error)

	prompt := &db.Prompt{Text: "summarize", Active: true}
	require.NoError(t, catalog.DB().Create(prompt).Error)

	return db.BatchConfig{
		FolderIDs:     []uint{folder.ID},
		ConnectionIDs: []uint{conn.ID},
		PromptIDs:     []uint{prompt.ID},
	}
}

func TestSaveRejectsInactiveConnections(t *testing.T) {
	catalog, _, svc := setupService(t)
	cfg := seedSelection(t, catalog)

	inactive := &db.Connection{
		Name:       uuid.NewString(),
		ProviderID: 1,
		BaseURL:    "http://localhost:11434",
		IsActive:   false,
	}
	require.NoError(t, catalog.DB().Create(inactive).Error)

	bad := cfg
	bad.ConnectionIDs = []uint{inactive.ID}
	_, err := svc.Save("bad", "", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inactive")

	bad.ConnectionIDs = []uint{99999}
	_, err = svc.Save("bad", "", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")

	// The valid selection still saves.
	b, err := svc.Save("good", "", cfg)
	require.NoError(t, err)
	assert.Equal(t, db.BatchSaved, b.Status)
}

func TestStageIsIdempotent(t *testing.T) {
	catalog, work, svc := setupService(t)
	cfg := seedSelection(t, catalog)

	b, err := svc.Save("stage me", "", cfg)
	require.NoError(t, err)

	require.NoError(t, svc.Stage(b.ID))

	got, err := svc.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, db.BatchStaged, got.Status)
	assert.Equal(t, 2, got.TotalDocuments)

	counts, err := work.CountsForBatch(b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Total)
	assert.Equal(t, int64(2), counts.Queued)

	// Re-staging creates no duplicate slots.
	require.NoError(t, svc.Stage(b.ID))
	counts, err = work.CountsForBatch(b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Total)
}

func TestRunStagesAndStartsAnalyzing(t *testing.T) {
	catalog, work, svc := setupService(t)
	cfg := seedSelection(t, catalog)

	b, err := svc.Save("run me", "", cfg)
	require.NoError(t, err)

	// Run on a SAVED batch stages implicitly.
	require.NoError(t, svc.Run(b.ID))

	got, err := svc.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, db.BatchAnalyzing, got.Status)
	require.NotNil(t, got.StartedAt)

	// Only now is the batch visible to the scheduler's lease.
	ids, err := catalog.AnalyzingBatchIDs()
	require.NoError(t, err)
	assert.Contains(t, ids, b.ID)

	counts, err := work.CountsForBatch(b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Queued)

	// Running again is rejected.
	err = svc.Run(b.ID)
	require.ErrorIs(t, err, ErrIllegalTransition)
}

func TestResetThenRestageReproducesCounts(t *testing.T) {
	catalog, work, svc := setupService(t)
	cfg := seedSelection(t, catalog)

	b, err := svc.Save("reset me", "", cfg)
	require.NoError(t, err)
	require.NoError(t, svc.Run(b.ID))

	require.NoError(t, svc.Reset(b.ID))

	got, err := svc.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, db.BatchSaved, got.Status)
	assert.Nil(t, got.StartedAt)
	assert.Zero(t, got.ProcessedDocuments)

	counts, err := work.CountsForBatch(b.ID)
	require.NoError(t, err)
	assert.Zero(t, counts.Total)

	// Staging again rebuilds the identical slot set.
	require.NoError(t, svc.Stage(b.ID))
	counts, err = work.CountsForBatch(b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Total)
	assert.Equal(t, int64(2), counts.Queued)
}

func TestFinalizeIfDoneCompletesOnce(t *testing.T) {
	catalog, work, svc := setupService(t)
	cfg := seedSelection(t, catalog)

	b, err := svc.Save("finish me", "", cfg)
	require.NoError(t, err)
	require.NoError(t, svc.Run(b.ID))

	// Not done while rows remain queued.
	won, err := svc.FinalizeIfDone(b.ID)
	require.NoError(t, err)
	assert.False(t, won)

	leased, err := work.LeaseQueued(10, db.LeaseFilter{BatchIDs: []uint{b.ID}}, uuid.NewString)
	require.NoError(t, err)
	require.Len(t, leased, 2)
	for _, r := range leased {
		applied, err := work.MarkCompleted(r.ID, db.CompletionResult{ResponseText: "ok"})
		require.NoError(t, err)
		require.True(t, applied)
	}

	won, err = svc.FinalizeIfDone(b.ID)
	require.NoError(t, err)
	assert.True(t, won)

	got, err := svc.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, db.BatchCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, 2, got.ProcessedDocuments)

	// The conditional flip awards the completion to exactly one caller.
	won, err = svc.FinalizeIfDone(b.ID)
	require.NoError(t, err)
	assert.False(t, won)
}
