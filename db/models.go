// Package db defines the gorm models and store handles for the two
// PostgreSQL databases backing the evaluation service.
//
// The catalog store owns folders, documents, connections, providers,
// models, prompts, document types and batches. The work store owns the
// encoded document bodies and the responses table, one row per unit of
// LLM work. The response row is the only link from the work store back
// to the catalog: batch, document, prompt and connection ids are stored
// by value with no cross-database foreign keys.
package db

import (
	"time"
)

// Folder status values.
const (
	FolderNotProcessed  = "NOT_PROCESSED"
	FolderPreprocessing = "PREPROCESSING"
	FolderReady         = "READY"
	FolderError         = "ERROR"
)

// Batch status values.
const (
	BatchSaved         = "SAVED"
	BatchStaging       = "STAGING"
	BatchStaged        = "STAGED"
	BatchFailedStaging = "FAILED_STAGING"
	BatchAnalyzing     = "ANALYZING"
	BatchCompleted     = "COMPLETED"
)

// Response status values.
const (
	ResponseQueued     = "QUEUED"
	ResponseProcessing = "PROCESSING"
	ResponseCompleted  = "COMPLETED"
	ResponseFailed     = "FAILED"
	ResponseTimeout    = "TIMEOUT"
)

// Connection status values.
const (
	ConnectionUnknown   = "unknown"
	ConnectionConnected = "connected"
	ConnectionFailed    = "failed"
)

// Document validity flags.
const (
	DocumentValid   = "Y"
	DocumentInvalid = "N"
)

// Folder is a filesystem subtree the user named for evaluation.
type Folder struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"not null" json:"name"`
	Path      string    `gorm:"uniqueIndex;not null" json:"path"`
	Status    string    `gorm:"not null;default:NOT_PROCESSED" json:"status"`
	Active    bool      `gorm:"not null;default:true" json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Document is one file observed inside a folder. It is created by the
// preprocessor and mutated only to assign a batch id and the latest task id.
type Document struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	FolderID         uint      `gorm:"index;not null" json:"folder_id"`
	Filepath         string    `gorm:"uniqueIndex;not null" json:"filepath"`
	Filename         string    `gorm:"not null" json:"filename"`
	FileSize         int64     `json:"file_size"`
	Valid            string    `gorm:"type:char(1);not null;default:N" json:"valid"`
	ValidationReason string    `json:"validation_reason"`
	BatchID          *uint     `gorm:"index" json:"batch_id"`
	TaskID           *string   `json:"task_id"`
	Meta             JSON      `gorm:"type:jsonb" json:"meta,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// DocumentType is one entry of the valid-extension catalog. The
// preprocessor caches the full set in memory with explicit refresh.
type DocumentType struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Extension   string `gorm:"uniqueIndex;not null" json:"extension"`
	MimeType    string `json:"mime_type"`
	Description string `json:"description"`
	IsValid     bool   `gorm:"not null;default:true" json:"is_valid"`
}

// Provider is an LLM provider family (ollama, openai, ...).
type Provider struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	Name         string `gorm:"uniqueIndex;not null" json:"name"`
	ProviderType string `gorm:"not null" json:"provider_type"`
	DefaultURL   string `json:"default_url"`
}

// LlmModel is a concrete model name under a provider.
type LlmModel struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Name        string `gorm:"not null" json:"name"`
	DisplayName string `json:"display_name"`
	ProviderID  *uint  `gorm:"index" json:"provider_id"`
}

// Prompt is a reusable instruction string.
type Prompt struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Text        string    `gorm:"type:text;not null" json:"text"`
	Description string    `json:"description"`
	Active      bool      `gorm:"not null;default:true" json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Connection is a specific usable endpoint: provider x model x URL x
// credentials. An inactive connection cannot be selected for a new batch;
// in-flight responses referencing it still run to completion.
type Connection struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	Name             string     `gorm:"uniqueIndex;not null" json:"name"`
	ProviderID       uint       `gorm:"index;not null" json:"provider_id"`
	ModelID          *uint      `gorm:"index" json:"model_id"`
	BaseURL          string     `gorm:"not null" json:"base_url"`
	Port             *int       `json:"port"`
	APIKey           string     `json:"-"`
	IsActive         bool       `gorm:"not null;default:true" json:"is_active"`
	ConnectionStatus string     `gorm:"not null;default:unknown" json:"connection_status"`
	LastTestedAt     *time.Time `json:"last_tested_at"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Batch is the unit of user intent: a saved selection of folders,
// connections and prompts to evaluate together. ConfigSnapshot is captured
// at save time and immutable once the batch is STAGED.
type Batch struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	BatchNumber        int        `gorm:"uniqueIndex;not null" json:"batch_number"`
	Name               string     `gorm:"not null" json:"name"`
	Description        string     `json:"description"`
	Status             string     `gorm:"index;not null;default:SAVED" json:"status"`
	FolderIDs          JSON       `gorm:"type:jsonb" json:"folder_ids,omitempty"`
	TotalDocuments     int        `json:"total_documents"`
	ProcessedDocuments int        `json:"processed_documents"`
	ConfigSnapshot     JSON       `gorm:"type:jsonb" json:"config_snapshot,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	StartedAt          *time.Time `json:"started_at"`
	CompletedAt        *time.Time `json:"completed_at"`
}

// BatchConfig is the decoded shape of Batch.ConfigSnapshot.
type BatchConfig struct {
	ConnectionIDs []uint `json:"connection_ids"`
	PromptIDs     []uint `json:"prompt_ids"`
	FolderIDs     []uint `json:"folder_ids"`
}

// IsTerminalResponse reports whether a response status is terminal.
func IsTerminalResponse(status string) bool {
	switch status {
	case ResponseCompleted, ResponseFailed, ResponseTimeout:
		return true
	}
	return false
}
