package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Remote task status values reported by the analyzer.
const (
	TaskProcessing = "PROCESSING"
	TaskCompleted  = "COMPLETED"
	TaskFailed     = "FAILED"
)

// PromptItem wraps one prompt string in the analyzer request shape.
type PromptItem struct {
	Prompt string `json:"prompt"`
}

// AnalyzeRequest is the JSON POST body for submitting one work unit.
type AnalyzeRequest struct {
	DocID       string                 `json:"doc_id,omitempty"`
	ContentB64  string                 `json:"content_b64,omitempty"`
	Prompts     []PromptItem           `json:"prompts"`
	LlmProvider WireConfig             `json:"llm_provider"`
	MetaData    map[string]interface{} `json:"meta_data,omitempty"`
}

// AnalyzeAccepted is the synchronous acknowledgement carrying the remote
// task handle.
type AnalyzeAccepted struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// TaskResult is one per-prompt result inside a completed task.
type TaskResult struct {
	Prompt           string  `json:"prompt,omitempty"`
	ResponseText     string  `json:"response_text"`
	InputTokens      int     `json:"input_tokens"`
	OutputTokens     int     `json:"output_tokens"`
	TimeTakenSeconds float64 `json:"time_taken_seconds"`
}

// ScoringResult is the optional structured scoring payload. Absent scoring
// means a null overall score on the response row.
type ScoringResult struct {
	OverallScore *float64           `json:"overall_score"`
	Confidence   *float64           `json:"confidence"`
	Subscores    map[string]float64 `json:"subscores,omitempty"`
}

// TaskStatus is the polled state of a remote task.
type TaskStatus struct {
	Status        string          `json:"status"`
	Results       []TaskResult    `json:"results,omitempty"`
	ScoringResult *ScoringResult  `json:"scoring_result,omitempty"`
	Error         string          `json:"error,omitempty"`
	Raw           json.RawMessage `json:"-"`
}

// Client talks to the analyzer service fronting the LLM providers. The
// analyzer accepts work asynchronously and is polled for task state.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates an analyzer client for the given base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Analyze submits one work unit and returns the remote task handle.
func (c *Client) Analyze(ctx context.Context, req *AnalyzeRequest) (*AnalyzeAccepted, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal analyze request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build analyze request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("analyze request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read analyze response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("analyze returned HTTP %d: %s", resp.StatusCode, truncate(string(payload), 512))
	}

	var accepted AnalyzeAccepted
	if err := json.Unmarshal(payload, &accepted); err != nil {
		return nil, fmt.Errorf("failed to decode analyze response: %w", err)
	}
	if accepted.TaskID == "" {
		return nil, fmt.Errorf("analyze response carries no task id")
	}

	return &accepted, nil
}

// Status fetches the remote state of one task.
func (c *Client) Status(ctx context.Context, taskID string) (*TaskStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/analyze_status/%s", c.baseURL, taskID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build status request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read status response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("status returned HTTP %d: %s", resp.StatusCode, truncate(string(payload), 512))
	}

	var status TaskStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		return nil, fmt.Errorf("failed to decode status response: %w", err)
	}
	status.Raw = payload

	return &status, nil
}

// Healthy reports whether the analyzer answers at all. Any HTTP response
// counts; only transport failures mark it unreachable.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return true
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
