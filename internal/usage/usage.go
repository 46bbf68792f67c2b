// Package usage implements the usage/billing extractor of spec.md §4.9:
// parsing OpenAI-style and Anthropic-style usage blocks out of raw,
// untyped JSON into a canonical domain.Usage, and computing final cost
// from a domain.PriceEntry.
//
// Extraction operates on parsed JSON (map[string]interface{} with
// json.Number) rather than SDK response structs, because the streaming
// proxy forwards upstream bytes verbatim — it never constructs an SDK
// response object. The field names mirror providers/openai.go's
// CompletionTokensDetails/PromptTokensDetails and providers/anthropic.go's
// anthropicUsage, ported to this byte-oriented shape.
package usage

import (
	"bytes"
	"encoding/json"
	"math"

	"github.com/relaygate/gateway/domain"
)

// Extract parses a raw (non-streaming) response body's top-level "usage"
// object into a canonical Usage. A missing or null usage object yields
// zeros, per spec.md §8 invariant 7.
func Extract(body []byte) (domain.Usage, error) {
	var envelope struct {
		Usage json.RawMessage `json:"usage"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return domain.Usage{}, err
	}
	return ExtractUsageBlock(envelope.Usage)
}

// ExtractUsageBlock parses one raw "usage" JSON object (already isolated
// from its envelope, e.g. by the SSE scanner for a streamed terminal
// event) into a canonical Usage.
func ExtractUsageBlock(raw json.RawMessage) (domain.Usage, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return domain.Usage{}, nil
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var m map[string]interface{}
	if err := decoder.Decode(&m); err != nil {
		return domain.Usage{}, err
	}
	return fromMap(m), nil
}

func fromMap(m map[string]interface{}) domain.Usage {
	// OpenAI-style fields take priority when present.
	if _, ok := m["prompt_tokens"]; ok {
		return fromOpenAI(m)
	}
	if _, ok := m["input_tokens"]; ok {
		return fromAnthropic(m)
	}
	// Anthropic's streamed message_delta carries output_tokens alone.
	if _, ok := m["output_tokens"]; ok {
		return fromAnthropic(m)
	}
	return domain.Usage{}
}

func fromOpenAI(m map[string]interface{}) domain.Usage {
	prompt := numberField(m, "prompt_tokens")
	completion := numberField(m, "completion_tokens")
	total := numberField(m, "total_tokens")
	if total == 0 {
		total = prompt + completion
	}

	var cached, reasoning int64
	if details, ok := m["prompt_tokens_details"].(map[string]interface{}); ok {
		cached = numberField(details, "cached_tokens")
	}
	if details, ok := m["completion_tokens_details"].(map[string]interface{}); ok {
		reasoning = numberField(details, "reasoning_tokens")
	}

	return domain.Usage{
		Prompt:     prompt,
		Completion: completion,
		Total:      total,
		Cached:     cached,
		CacheRead:  cached, // mirrored, per spec.md §4.9 extraction rule 1
		Reasoning:  reasoning,
	}
}

func fromAnthropic(m map[string]interface{}) domain.Usage {
	prompt := numberField(m, "input_tokens")
	completion := numberField(m, "output_tokens")
	cacheCreation := numberField(m, "cache_creation_input_tokens")
	cacheRead := numberField(m, "cache_read_input_tokens")

	return domain.Usage{
		Prompt:        prompt,
		Completion:    completion,
		Total:         prompt + completion,
		CacheCreation: cacheCreation,
		CacheRead:     cacheRead,
		Cached:        cacheRead, // mirrored, per spec.md §4.9 extraction rule 2
	}
}

// numberField reads a non-negative integer field, flooring floats and
// parsing numeric strings, per spec.md §4.9's "all non-negative integers,
// floored from floats, parsed from JSON numbers or numeric strings".
func numberField(m map[string]interface{}, key string) int64 {
	v, ok := m[key]
	if !ok || v == nil {
		return 0
	}
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return clampNonNegative(i)
		}
		if f, err := n.Float64(); err == nil {
			return clampNonNegative(int64(math.Floor(f)))
		}
	case float64:
		return clampNonNegative(int64(math.Floor(n)))
	case string:
		var num json.Number = json.Number(n)
		if i, err := num.Int64(); err == nil {
			return clampNonNegative(i)
		}
		if f, err := num.Float64(); err == nil {
			return clampNonNegative(int64(math.Floor(f)))
		}
	}
	return 0
}

func clampNonNegative(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

// ExtractStreamEvent parses one SSE "data:" payload (already stripped of
// its framing by streamproxy.Event.DataPayload) and returns the usage
// block it carries, if any, per spec.md §4.8's terminal-event extraction:
// OpenAI's final chunk (stream_options.include_usage), Google's final
// usageMetadata chunk, and Anthropic's message_start ("message.usage",
// input tokens) / message_delta (top-level "usage", output tokens) split.
// Returns false for the "[DONE]" sentinel, heartbeats, and chunks with no
// usage block.
func ExtractStreamEvent(data []byte) (domain.Usage, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || string(trimmed) == "[DONE]" {
		return domain.Usage{}, false
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	var m map[string]interface{}
	if err := decoder.Decode(&m); err != nil {
		return domain.Usage{}, false
	}

	if raw, ok := m["usage"]; ok {
		if u, ok := usageFromInterface(raw); ok {
			return u, true
		}
	}
	if raw, ok := m["usageMetadata"]; ok {
		if u, ok := googleUsageFromInterface(raw); ok {
			return u, true
		}
	}
	if message, ok := m["message"].(map[string]interface{}); ok {
		if raw, ok := message["usage"]; ok {
			if u, ok := usageFromInterface(raw); ok {
				return u, true
			}
		}
	}
	return domain.Usage{}, false
}

func usageFromInterface(raw interface{}) (domain.Usage, bool) {
	block, err := json.Marshal(raw)
	if err != nil {
		return domain.Usage{}, false
	}
	u, err := ExtractUsageBlock(block)
	if err != nil {
		return domain.Usage{}, false
	}
	return u, true
}

func googleUsageFromInterface(raw interface{}) (domain.Usage, bool) {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return domain.Usage{}, false
	}
	prompt := numberField(m, "promptTokenCount")
	completion := numberField(m, "candidatesTokenCount")
	total := numberField(m, "totalTokenCount")
	if total == 0 {
		total = prompt + completion
	}
	cached := numberField(m, "cachedContentTokenCount")
	return domain.Usage{
		Prompt:     prompt,
		Completion: completion,
		Total:      total,
		Cached:     cached,
		CacheRead:  cached,
	}, true
}

// MergeUsage folds b into a, keeping the larger non-zero value for each
// field. Anthropic's streamed usage splits input tokens (message_start)
// and output tokens (message_delta) across separate events, so a later
// event fills in what an earlier one left at zero instead of overwriting
// it.
func MergeUsage(a, b domain.Usage) domain.Usage {
	return domain.Usage{
		Prompt:        maxI64(a.Prompt, b.Prompt),
		Completion:    maxI64(a.Completion, b.Completion),
		Total:         maxI64(a.Total, b.Total),
		Cached:        maxI64(a.Cached, b.Cached),
		CacheRead:     maxI64(a.CacheRead, b.CacheRead),
		CacheCreation: maxI64(a.CacheCreation, b.CacheCreation),
		Reasoning:     maxI64(a.Reasoning, b.Reasoning),
	}
}

func maxI64(a, b int64) int64 {
	if b > a {
		return b
	}
	return a
}
