package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyze(t *testing.T) {
	var received AnalyzeRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/analyze", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"task_id":"task-abc","status":"accepted"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)
	accepted, err := client.Analyze(context.Background(), &AnalyzeRequest{
		DocID:      "batch_1_doc_2",
		ContentB64: "aGVsbG8=",
		Prompts:    []PromptItem{{Prompt: "summarize"}},
		LlmProvider: WireConfig{
			ProviderType: "ollama",
			BaseURL:      "http://localhost:11434",
			ModelName:    "gemma3",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "task-abc", accepted.TaskID)
	assert.Equal(t, "batch_1_doc_2", received.DocID)
	assert.Len(t, received.Prompts, 1)
}

func TestAnalyzeServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "provider exploded", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)
	_, err := client.Analyze(context.Background(), &AnalyzeRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 500")
}

func TestAnalyzeMissingTaskID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"accepted"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)
	_, err := client.Analyze(context.Background(), &AnalyzeRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no task id")
}

func TestStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/analyze_status/task-abc", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"status": "COMPLETED",
			"results": [{"response_text":"fine","input_tokens":10,"output_tokens":5,"time_taken_seconds":0.5}],
			"scoring_result": {"overall_score": 91.5}
		}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)
	status, err := client.Status(context.Background(), "task-abc")
	require.NoError(t, err)

	assert.Equal(t, TaskCompleted, status.Status)
	require.Len(t, status.Results, 1)
	assert.Equal(t, "fine", status.Results[0].ResponseText)
	require.NotNil(t, status.ScoringResult)
	require.NotNil(t, status.ScoringResult.OverallScore)
	assert.InDelta(t, 91.5, *status.ScoringResult.OverallScore, 1e-9)
	assert.NotEmpty(t, status.Raw)
}

func TestHealthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	client := NewClient(server.URL, time.Second)
	// Any HTTP answer counts as reachable.
	assert.True(t, client.Healthy(context.Background()))

	server.Close()
	assert.False(t, client.Healthy(context.Background()))
}
