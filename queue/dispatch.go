package queue

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/prodogs/DocumentEvaluator-sub001/db"
	"github.com/prodogs/DocumentEvaluator-sub001/llm"
)

// catalogResolver resolves model names from the catalog store for the
// wire-config formatter.
type catalogResolver struct {
	catalog *db.Catalog
}

var _ llm.ModelResolver = (*catalogResolver)(nil)

func (r *catalogResolver) ResolveModelName(modelID uint) (string, error) {
	var model db.LlmModel
	if err := r.catalog.DB().First(&model, modelID).Error; err != nil {
		return "", fmt.Errorf("failed to resolve model %d: %w", modelID, err)
	}
	return model.Name, nil
}

// DocID builds the traceability id sent to the analyzer as doc_id.
func DocID(batchID, documentID uint) string {
	return fmt.Sprintf("batch_%d_doc_%d", batchID, documentID)
}

// buildRequest assembles the analyzer request for one leased response:
// stored body, prompt text and the normalized provider wire shape.
func (p *Processor) buildRequest(resp *db.Response) (*llm.AnalyzeRequest, error) {
	body, err := p.work.GetEncodedBodyByID(resp.EncodedBodyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load encoded body %d: %w", resp.EncodedBodyID, err)
	}

	var prompt db.Prompt
	if err := p.catalog.DB().First(&prompt, resp.PromptID).Error; err != nil {
		return nil, fmt.Errorf("failed to load prompt %d: %w", resp.PromptID, err)
	}

	var conn db.Connection
	if err := p.catalog.DB().First(&conn, resp.ConnectionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("connection %d no longer exists", resp.ConnectionID)
		}
		return nil, fmt.Errorf("failed to load connection %d: %w", resp.ConnectionID, err)
	}

	var providerType string
	var provider db.Provider
	if err := p.catalog.DB().First(&provider, conn.ProviderID).Error; err == nil {
		providerType = provider.ProviderType
	}

	wire := llm.Format(llm.ConnectionView{
		ProviderType: providerType,
		BaseURL:      conn.BaseURL,
		Port:         conn.Port,
		ModelID:      conn.ModelID,
		APIKey:       conn.APIKey,
	}, p.resolver)

	return &llm.AnalyzeRequest{
		DocID:       DocID(resp.BatchID, resp.DocumentID),
		ContentB64:  body.Content,
		Prompts:     []llm.PromptItem{{Prompt: prompt.Text}},
		LlmProvider: wire,
		MetaData: map[string]interface{}{
			"batch_id":    resp.BatchID,
			"document_id": resp.DocumentID,
			"doc_type":    body.DocType,
		},
	}, nil
}

// completionFromStatus converts a terminal remote task into the fields
// written on the response row. Token counts across prompt results are
// summed; tokens/sec is null when the time denominator is not positive;
// the overall score comes from scoring_result.overall_score when present.
func completionFromStatus(status *llm.TaskStatus) db.CompletionResult {
	var (
		texts        []string
		inputTokens  int
		outputTokens int
		timeTaken    float64
	)
	for _, r := range status.Results {
		if r.ResponseText != "" {
			texts = append(texts, r.ResponseText)
		}
		inputTokens += r.InputTokens
		outputTokens += r.OutputTokens
		timeTaken += r.TimeTakenSeconds
	}

	result := db.CompletionResult{
		ResponseText: strings.Join(texts, "\n\n"),
		InputTokens:  &inputTokens,
		OutputTokens: &outputTokens,
	}
	if len(status.Raw) > 0 {
		result.ResponseJSON = db.JSON(status.Raw)
	}
	result.TimeTakenSeconds = &timeTaken
	if timeTaken > 0 {
		tps := float64(outputTokens) / timeTaken
		result.TokensPerSecond = &tps
	}
	if status.ScoringResult != nil {
		result.OverallScore = status.ScoringResult.OverallScore
	}
	return result
}
