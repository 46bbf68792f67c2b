// Package providerfamilies registers the domain.FamilyOps table for the
// well-known upstream families (spec.md §9's "function table" design),
// grounded on the auth header conventions providers/openai.go,
// providers/anthropic.go, and providers/gemini.go already encode for the
// teacher's SDK-based provider clients — generalized here to the raw
// HTTP passthrough internal/streamproxy performs instead of an SDK call.
//
// Importing this package for its side effect (the init below) is required
// before any family's upstreams can serve traffic; cmd/gatewayd does this
// with a blank import.
package providerfamilies

import (
	"encoding/json"

	"github.com/relaygate/gateway/domain"
	"github.com/relaygate/gateway/internal/usage"
)

func init() {
	domain.RegisterFamilyOps(domain.FamilyOpenAI, domain.FamilyOps{
		AuthScheme:   bearerAuth,
		ValidatePath: hasPrefix("/v1/"),
		ExtractUsage: usage.Extract,
	})
	domain.RegisterFamilyOps(domain.FamilyAnthropic, domain.FamilyOps{
		AuthScheme:   anthropicAuth,
		ValidatePath: hasPrefix("/v1/"),
		ExtractUsage: usage.Extract,
	})
	domain.RegisterFamilyOps(domain.FamilyGoogle, domain.FamilyOps{
		AuthScheme:   googleAuth,
		ValidatePath: hasPrefix("/v1beta/"),
		ExtractUsage: extractGoogleUsage,
	})
	// FamilyCustom covers upstreams whose wire protocol the gateway doesn't
	// model (e.g. Bedrock, dispatched through streamproxy.BedrockDispatcher
	// rather than HTTPDispatcher). No header-based auth is needed — request
	// signing happens inside the AWS SDK client — and usage is extracted
	// from the same envelope shape as the OpenAI/Anthropic models Bedrock
	// hosts, so it reuses usage.Extract on a best-effort basis.
	domain.RegisterFamilyOps(domain.FamilyCustom, domain.FamilyOps{
		AuthScheme:   func(string) map[string]string { return map[string]string{} },
		ValidatePath: func(string) bool { return true },
		ExtractUsage: usage.Extract,
	})
}

func bearerAuth(secret string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + secret}
}

func anthropicAuth(secret string) map[string]string {
	return map[string]string{
		"x-api-key":         secret,
		"anthropic-version": "2023-06-01",
	}
}

func googleAuth(secret string) map[string]string {
	return map[string]string{"x-goog-api-key": secret}
}

func hasPrefix(prefix string) func(string) bool {
	return func(path string) bool {
		return len(path) >= len(prefix) && path[:len(prefix)] == prefix
	}
}

// extractGoogleUsage parses Gemini's generateContent response shape, which
// reports token counts under a top-level "usageMetadata" object instead of
// the OpenAI/Anthropic "usage" envelope internal/usage.Extract expects.
func extractGoogleUsage(body []byte) (domain.Usage, error) {
	var envelope struct {
		UsageMetadata struct {
			PromptTokenCount     int64 `json:"promptTokenCount"`
			CandidatesTokenCount int64 `json:"candidatesTokenCount"`
			TotalTokenCount      int64 `json:"totalTokenCount"`
			CachedContentTokens  int64 `json:"cachedContentTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return domain.Usage{}, err
	}
	m := envelope.UsageMetadata
	total := m.TotalTokenCount
	if total == 0 {
		total = m.PromptTokenCount + m.CandidatesTokenCount
	}
	return domain.Usage{
		Prompt:     m.PromptTokenCount,
		Completion: m.CandidatesTokenCount,
		Total:      total,
		Cached:     m.CachedContentTokens,
		CacheRead:  m.CachedContentTokens,
	}, nil
}
