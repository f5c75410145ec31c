// Package preprocessor walks registered folders and records every file as
// a document row, validated against size limits and the extension catalog.
package preprocessor

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"gorm.io/gorm/clause"

	"github.com/prodogs/DocumentEvaluator-sub001/common"
	"github.com/prodogs/DocumentEvaluator-sub001/db"
	"github.com/prodogs/DocumentEvaluator-sub001/encoder"
)

// Stats summarizes one folder preprocessing run.
type Stats struct {
	Total   int `json:"total"`
	Valid   int `json:"valid"`
	Invalid int `json:"invalid"`
}

// Preprocessor scans folder subtrees and maintains document rows in the
// catalog store. The valid-extension set is cached in memory; call
// RefreshExtensions after editing the document type catalog.
type Preprocessor struct {
	catalog     *db.Catalog
	enc         *encoder.Encoder
	maxFileSize int64

	mu         sync.RWMutex
	extensions map[string]struct{}

	log *common.ContextLogger
}

// New creates a preprocessor. The extension cache starts empty and is
// filled on first use or by an explicit RefreshExtensions call. A nil
// encoder defers body encoding to staging time.
func New(catalog *db.Catalog, enc *encoder.Encoder, maxFileSize int64) *Preprocessor {
	return &Preprocessor{
		catalog:     catalog,
		enc:         enc,
		maxFileSize: maxFileSize,
		log:         common.ServiceLogger("preprocessor"),
	}
}

// RefreshExtensions reloads the valid-extension set from the catalog.
func (p *Preprocessor) RefreshExtensions() error {
	exts, err := p.catalog.ValidExtensions()
	if err != nil {
		return fmt.Errorf("failed to refresh extension cache: %w", err)
	}

	p.mu.Lock()
	p.extensions = exts
	p.mu.Unlock()

	p.log.WithField("count", len(exts)).Debug("extension cache refreshed")
	return nil
}

func (p *Preprocessor) validExtension(ext string) (bool, error) {
	p.mu.RLock()
	cached := p.extensions
	p.mu.RUnlock()

	if cached == nil {
		if err := p.RefreshExtensions(); err != nil {
			return false, err
		}
		p.mu.RLock()
		cached = p.extensions
		p.mu.RUnlock()
	}

	_, ok := cached[strings.ToLower(ext)]
	return ok, nil
}

// ProcessFolder walks one folder subtree and upserts a document row per
// file. The folder moves NOT_PROCESSED -> PREPROCESSING -> READY, or ERROR
// when the subtree itself cannot be walked. Individual bad files never
// abort the run; they are recorded as invalid documents.
func (p *Preprocessor) ProcessFolder(folderID uint) (*Stats, error) {
	var folder db.Folder
	if err := p.catalog.DB().First(&folder, folderID).Error; err != nil {
		return nil, fmt.Errorf("failed to load folder %d: %w", folderID, err)
	}

	if err := p.setFolderStatus(folderID, db.FolderPreprocessing); err != nil {
		return nil, err
	}

	log := p.log.WithFields(map[string]interface{}{
		"folder_id": folderID,
		"path":      folder.Path,
	})
	log.Info("preprocessing folder")

	stats := &Stats{}
	walkErr := filepath.WalkDir(folder.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == folder.Path {
				return err
			}
			log.WithField("filepath", path).WithError(err).Warn("skipping unreadable entry")
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != folder.Path {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}

		doc := p.buildDocument(folderID, path, d)
		stats.Total++
		if doc.Valid == db.DocumentValid {
			stats.Valid++
		} else {
			stats.Invalid++
		}

		// One transaction per file so a single conflict cannot poison the walk.
		if err := p.upsertDocument(doc); err != nil {
			log.WithField("filepath", path).WithError(err).Error("failed to upsert document")
			return nil
		}

		if doc.Valid == db.DocumentValid && p.enc != nil {
			if _, err := p.enc.EncodeAndStore(doc); err != nil {
				log.WithField("filepath", path).WithError(err).Warn("failed to encode document body")
			} else {
				log.WithFields(map[string]interface{}{
					"filepath": path,
					"size":     humanize.Bytes(uint64(doc.FileSize)),
				}).Debug("document encoded")
			}
		}
		return nil
	})

	if walkErr != nil {
		_ = p.setFolderStatus(folderID, db.FolderError)
		return stats, fmt.Errorf("failed to walk folder %s: %w", folder.Path, walkErr)
	}

	if err := p.setFolderStatus(folderID, db.FolderReady); err != nil {
		return stats, err
	}

	log.WithFields(map[string]interface{}{
		"total":   stats.Total,
		"valid":   stats.Valid,
		"invalid": stats.Invalid,
	}).Info("folder preprocessing complete")

	return stats, nil
}

// buildDocument stats and validates one file. Validation short-circuits on
// the first failing check: empty, oversized, unknown extension, unreadable.
func (p *Preprocessor) buildDocument(folderID uint, path string, d fs.DirEntry) *db.Document {
	doc := &db.Document{
		FolderID: folderID,
		Filepath: path,
		Filename: d.Name(),
		Valid:    db.DocumentInvalid,
	}

	info, err := d.Info()
	if err != nil {
		doc.ValidationReason = fmt.Sprintf("cannot stat file: %v", err)
		return doc
	}
	doc.FileSize = info.Size()

	switch {
	case info.Size() == 0:
		doc.ValidationReason = "file is empty"
	case info.Size() > p.maxFileSize:
		doc.ValidationReason = fmt.Sprintf("file size %s exceeds limit %s",
			humanize.Bytes(uint64(info.Size())), humanize.Bytes(uint64(p.maxFileSize)))
	default:
		ext := strings.TrimPrefix(filepath.Ext(path), ".")
		ok, err := p.validExtension(ext)
		if err != nil {
			doc.ValidationReason = fmt.Sprintf("extension catalog unavailable: %v", err)
		} else if !ok {
			doc.ValidationReason = fmt.Sprintf("extension %q is not in the document type catalog", ext)
		} else if f, err := os.Open(path); err != nil {
			doc.ValidationReason = fmt.Sprintf("file is not readable: %v", err)
		} else {
			_ = f.Close()
			doc.Valid = db.DocumentValid
			doc.ValidationReason = ""
		}
	}

	return doc
}

// upsertDocument inserts the document or, when the filepath already
// exists, refreshes its size and validity. Batch and task assignments on
// the existing row are preserved.
func (p *Preprocessor) upsertDocument(doc *db.Document) error {
	res := p.catalog.DB().Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "filepath"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"folder_id", "filename", "file_size", "valid", "validation_reason",
		}),
	}).Create(doc)
	if res.Error != nil {
		return fmt.Errorf("failed to upsert document %s: %w", doc.Filepath, res.Error)
	}

	if doc.ID == 0 {
		// Conflict path: resolve the surviving row id.
		var existing db.Document
		if err := p.catalog.DB().Select("id").
			Where("filepath = ?", doc.Filepath).
			First(&existing).Error; err != nil {
			return fmt.Errorf("failed to resolve document id for %s: %w", doc.Filepath, err)
		}
		doc.ID = existing.ID
	}
	return nil
}

func (p *Preprocessor) setFolderStatus(folderID uint, status string) error {
	res := p.catalog.DB().Model(&db.Folder{}).
		Where("id = ?", folderID).
		Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("failed to set folder %d status to %s: %w", folderID, status, res.Error)
	}
	return nil
}
