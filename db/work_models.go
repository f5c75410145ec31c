package db

import (
	"time"
)

// EncodedBody holds the base64 content of one document. It lives in the
// work store, is created once per document by the encoder and is immutable
// afterwards; re-encoding replaces the row in place (upsert on document id).
type EncodedBody struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	DocumentID  uint      `gorm:"uniqueIndex;not null" json:"document_id"`
	Content     string    `gorm:"type:text;not null" json:"-"`
	ContentType string    `json:"content_type"`
	DocType     string    `json:"doc_type"`
	FileSize    int64     `json:"file_size"`
	Encoding    string    `gorm:"not null;default:base64" json:"encoding"`
	CreatedAt   time.Time `json:"created_at"`
}

// Response is one durable unit of LLM work: exactly one row exists per
// (batch, document, prompt, connection), enforced by a unique index. All
// state transitions go through conditional UPDATEs on the prior status.
type Response struct {
	ID            uint `gorm:"primaryKey" json:"id"`
	BatchID       uint `gorm:"index;not null;uniqueIndex:idx_responses_unit,priority:1" json:"batch_id"`
	DocumentID    uint `gorm:"not null;uniqueIndex:idx_responses_unit,priority:2" json:"document_id"`
	PromptID      uint `gorm:"not null;uniqueIndex:idx_responses_unit,priority:3" json:"prompt_id"`
	ConnectionID  uint `gorm:"not null;uniqueIndex:idx_responses_unit,priority:4" json:"connection_id"`
	EncodedBodyID uint `gorm:"not null" json:"encoded_body_id"`

	// ConnectionDetails is the frozen non-secret snapshot captured at
	// response creation; it stays valid after the live connection changes.
	ConnectionDetails JSON `gorm:"type:jsonb" json:"connection_details,omitempty"`

	TaskID *string `gorm:"index" json:"task_id"`
	Status string  `gorm:"index;not null;default:QUEUED" json:"status"`

	ResponseText     *string  `gorm:"type:text" json:"response_text"`
	ResponseJSON     JSON     `gorm:"type:jsonb" json:"response_json,omitempty"`
	InputTokens      *int     `json:"input_tokens"`
	OutputTokens     *int     `json:"output_tokens"`
	TimeTakenSeconds *float64 `json:"time_taken_seconds"`
	TokensPerSecond  *float64 `json:"tokens_per_second"`
	OverallScore     *float64 `json:"overall_score"`
	ErrorMessage     *string  `json:"error_message"`

	CreatedAt             time.Time  `json:"created_at"`
	StartedProcessingAt   *time.Time `json:"started_processing_at"`
	CompletedProcessingAt *time.Time `json:"completed_processing_at"`
}

// StatusCounts aggregates response rows of one batch by status.
type StatusCounts struct {
	Total      int64 `json:"total"`
	Queued     int64 `json:"queued"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Timeout    int64 `json:"timeout"`
}

// Terminal returns the number of rows in a terminal status.
func (c StatusCounts) Terminal() int64 {
	return c.Completed + c.Failed + c.Timeout
}

// AllTerminal reports whether every row is terminal. False for an empty set.
func (c StatusCounts) AllTerminal() bool {
	return c.Total > 0 && c.Terminal() == c.Total
}
