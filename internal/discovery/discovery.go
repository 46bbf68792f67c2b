// Package discovery lists the models an OpenAI-family upstream actually
// exposes, for an admin read endpoint that reports live capability instead
// of relying on a static allow-list.
//
// Grounded on providers/openai.go's SDK-client construction (same
// openai-go client/option usage) generalized from a full chat-completion
// client to a models-listing one.
package discovery

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Model describes one model an upstream reports, mirroring the OpenAI
// /v1/models response shape.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// FetchOpenAIModels lists the live models an OpenAI-family upstream
// exposes, using the real SDK client rather than a hand-rolled HTTP GET.
func FetchOpenAIModels(ctx context.Context, baseURL, apiKey string) ([]Model, error) {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)

	page, err := client.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}

	models := make([]Model, 0, len(page.Data))
	for _, m := range page.Data {
		models = append(models, Model{
			ID:      m.ID,
			Object:  string(m.Object),
			Created: m.Created,
			OwnedBy: m.OwnedBy,
		})
	}
	return models, nil
}
