package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/prodogs/DocumentEvaluator-sub001/config"
)

// Catalog is the handle to the catalog store. It owns every entity except
// encoded bodies and responses.
type Catalog struct {
	db *gorm.DB
}

// OpenCatalog connects to the catalog store and optionally migrates its schema.
func OpenCatalog(cfg config.DatabaseConfig) (*Catalog, error) {
	gdb, err := openPostgres(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog store: %w", err)
	}

	c := &Catalog{db: gdb}
	if cfg.AutoMigrate {
		if err := c.Migrate(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// openPostgres opens a gorm connection with the configured pool limits.
func openPostgres(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	return gdb, nil
}

// DB exposes the underlying gorm handle for query composition.
func (c *Catalog) DB() *gorm.DB {
	return c.db
}

// Migrate creates or updates the catalog schema.
func (c *Catalog) Migrate() error {
	if err := c.db.AutoMigrate(
		&Folder{},
		&Document{},
		&DocumentType{},
		&Provider{},
		&LlmModel{},
		&Prompt{},
		&Connection{},
		&Batch{},
	); err != nil {
		return fmt.Errorf("failed to migrate catalog schema: %w", err)
	}
	return nil
}

// Healthy reports whether the catalog store answers a ping.
func (c *Catalog) Healthy(ctx context.Context) bool {
	sqlDB, err := c.db.DB()
	if err != nil {
		return false
	}
	return sqlDB.PingContext(ctx) == nil
}

// Close releases the connection pool.
func (c *Catalog) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// NextBatchNumber allocates the next monotonic batch number.
func (c *Catalog) NextBatchNumber() (int, error) {
	var max int
	if err := c.db.Model(&Batch{}).Select("COALESCE(MAX(batch_number), 0)").Scan(&max).Error; err != nil {
		return 0, fmt.Errorf("failed to read max batch number: %w", err)
	}
	return max + 1, nil
}

// ValidExtensions returns the set of extensions marked valid in the
// document_types catalog, lowercased and without the leading dot.
func (c *Catalog) ValidExtensions() (map[string]struct{}, error) {
	var types []DocumentType
	if err := c.db.Where("is_valid = ?", true).Find(&types).Error; err != nil {
		return nil, fmt.Errorf("failed to load document types: %w", err)
	}

	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[strings.ToLower(t.Extension)] = struct{}{}
	}
	return set, nil
}

// AnalyzingBatchIDs returns the ids of batches currently in ANALYZING. The
// queue processor leases work for these batches only.
func (c *Catalog) AnalyzingBatchIDs() ([]uint, error) {
	var ids []uint
	if err := c.db.Model(&Batch{}).Where("status = ?", BatchAnalyzing).Order("id").Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list analyzing batches: %w", err)
	}
	return ids, nil
}

// defaultDocumentTypes seeds the extension catalog on first boot.
var defaultDocumentTypes = []DocumentType{
	{Extension: "pdf", MimeType: "application/pdf", Description: "PDF document", IsValid: true},
	{Extension: "txt", MimeType: "text/plain", Description: "Plain text", IsValid: true},
	{Extension: "md", MimeType: "text/markdown", Description: "Markdown", IsValid: true},
	{Extension: "doc", MimeType: "application/msword", Description: "Word document", IsValid: true},
	{Extension: "docx", MimeType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document", Description: "Word document", IsValid: true},
	{Extension: "rtf", MimeType: "application/rtf", Description: "Rich text", IsValid: true},
	{Extension: "html", MimeType: "text/html", Description: "HTML document", IsValid: true},
	{Extension: "csv", MimeType: "text/csv", Description: "CSV data", IsValid: true},
	{Extension: "json", MimeType: "application/json", Description: "JSON data", IsValid: true},
	{Extension: "xml", MimeType: "application/xml", Description: "XML data", IsValid: true},
}

// SeedDocumentTypes inserts the default extension catalog, keeping any
// existing rows untouched.
func (c *Catalog) SeedDocumentTypes() error {
	for _, t := range defaultDocumentTypes {
		var existing DocumentType
		err := c.db.Where("extension = ?", t.Extension).First(&existing).Error
		if err == nil {
			continue
		}
		if err != gorm.ErrRecordNotFound {
			return fmt.Errorf("failed to check document type %q: %w", t.Extension, err)
		}
		if err := c.db.Create(&t).Error; err != nil {
			return fmt.Errorf("failed to seed document type %q: %w", t.Extension, err)
		}
	}
	return nil
}
