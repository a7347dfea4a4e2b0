package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/vertexai/genai"
)

// DefaultTokenModel is the Gemini model whose tokenizer is used for page token counts.
const DefaultTokenModel = "gemini-1.5-pro"

// VertexClient wraps the generative model used for token counting. Page
// batches are sized against this model's tokenizer, so it should match the
// model the downstream consumer sends batches to.
type VertexClient struct {
	TokenModel *genai.GenerativeModel
	baseClient *genai.Client
}

// NewVertexClient creates a new client bound to a single model.
func NewVertexClient(ctx context.Context, projectID, region, modelName string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}
	if modelName == "" {
		modelName = DefaultTokenModel
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	return &VertexClient{
		TokenModel: baseClient.GenerativeModel(modelName),
		baseClient: baseClient,
	}, nil
}

// CountTokens asks the model's tokenizer how many tokens text occupies.
func (c *VertexClient) CountTokens(ctx context.Context, text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	resp, err := c.TokenModel.CountTokens(ctx, genai.Text(text))
	if err != nil {
		return 0, fmt.Errorf("failed to count tokens with vertex: %w", err)
	}
	return int(resp.TotalTokens), nil
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}
