// Package snapshot captures immutable, non-secret views of a connection
// with its provider and model. The snapshot is attached to every response
// row at creation time so archived results keep displaying historical
// values after the live connection is mutated or deleted.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/prodogs/DocumentEvaluator-sub001/db"
)

// SchemaVersion identifies the snapshot layout for forward compatibility.
const SchemaVersion = 1

// ConnectionInfo holds the archived connection subfields. The secret is
// deliberately absent.
type ConnectionInfo struct {
	ID               uint   `json:"id"`
	Name             string `json:"name"`
	BaseURL          string `json:"base_url"`
	Port             *int   `json:"port,omitempty"`
	IsActive         bool   `json:"is_active"`
	ConnectionStatus string `json:"connection_status"`
}

// ProviderInfo holds the archived provider subfields.
type ProviderInfo struct {
	ID           uint   `json:"id"`
	Name         string `json:"name"`
	ProviderType string `json:"provider_type"`
}

// ModelInfo holds the archived model subfields.
type ModelInfo struct {
	ID          uint   `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
}

// Snapshot is the frozen JSON attached to response rows.
type Snapshot struct {
	Version    int            `json:"version"`
	CapturedAt time.Time      `json:"captured_at"`
	Connection ConnectionInfo `json:"connection"`
	Provider   *ProviderInfo  `json:"provider,omitempty"`
	Model      *ModelInfo     `json:"model,omitempty"`
}

// Build assembles the snapshot for a connection id and returns it as raw
// JSON. A missing connection yields (nil, nil): the caller stores a null
// snapshot rather than failing the whole staging run.
func Build(catalog *db.Catalog, connectionID uint) (db.JSON, error) {
	var conn db.Connection
	err := catalog.DB().First(&conn, connectionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load connection %d: %w", connectionID, err)
	}

	snap := Snapshot{
		Version:    SchemaVersion,
		CapturedAt: time.Now().UTC(),
		Connection: ConnectionInfo{
			ID:               conn.ID,
			Name:             conn.Name,
			BaseURL:          conn.BaseURL,
			Port:             conn.Port,
			IsActive:         conn.IsActive,
			ConnectionStatus: conn.ConnectionStatus,
		},
	}

	var provider db.Provider
	if err := catalog.DB().First(&provider, conn.ProviderID).Error; err == nil {
		snap.Provider = &ProviderInfo{
			ID:           provider.ID,
			Name:         provider.Name,
			ProviderType: provider.ProviderType,
		}
	}

	if conn.ModelID != nil {
		var model db.LlmModel
		if err := catalog.DB().First(&model, *conn.ModelID).Error; err == nil {
			snap.Model = &ModelInfo{
				ID:          model.ID,
				Name:        model.Name,
				DisplayName: model.DisplayName,
			}
		}
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal connection snapshot: %w", err)
	}
	return db.JSON(raw), nil
}

// Decode parses a stored snapshot. Nil input yields (nil, nil).
func Decode(raw db.JSON) (*Snapshot, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode connection snapshot: %w", err)
	}
	return &snap, nil
}
