package usage

import (
	"testing"

	"github.com/relaygate/gateway/domain"
)

// TestExtractOpenAIWithDetails matches spec.md S4.
func TestExtractOpenAIWithDetails(t *testing.T) {
	body := []byte(`{"usage":{"prompt_tokens":1000,"completion_tokens":100,"total_tokens":1100,"prompt_tokens_details":{"cached_tokens":800},"completion_tokens_details":{"reasoning_tokens":50}}}`)
	u, err := Extract(body)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	want := [7]int64{1000, 100, 1100, 800, 50, 0, 800}
	got := [7]int64{u.Prompt, u.Completion, u.Total, u.Cached, u.Reasoning, u.CacheCreation, u.CacheRead}
	if got != want {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

// TestExtractAnthropicCacheTokens matches spec.md S5.
func TestExtractAnthropicCacheTokens(t *testing.T) {
	body := []byte(`{"usage":{"input_tokens":2000,"output_tokens":300,"cache_creation_input_tokens":500,"cache_read_input_tokens":1200}}`)
	u, err := Extract(body)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	want := [7]int64{2000, 300, 2300, 1200, 0, 500, 1200}
	got := [7]int64{u.Prompt, u.Completion, u.Total, u.Cached, u.Reasoning, u.CacheCreation, u.CacheRead}
	if got != want {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestExtractNullUsageIsZero(t *testing.T) {
	u, err := Extract([]byte(`{"usage":null}`))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if u != (domain.Usage{}) {
		t.Fatalf("expected all-zero usage, got %+v", u)
	}
}

func TestExtractMissingUsageIsZero(t *testing.T) {
	u, err := Extract([]byte(`{}`))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if u.Total != 0 || u.Prompt != 0 {
		t.Fatalf("expected zero usage, got %+v", u)
	}
}

func TestOpenAITotalFallsBackToSum(t *testing.T) {
	u, err := Extract([]byte(`{"usage":{"prompt_tokens":10,"completion_tokens":5}}`))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if u.Total != 15 {
		t.Fatalf("expected total fallback to prompt+completion=15, got %d", u.Total)
	}
}

func TestNumberFieldFloorsFloatsAndParsesStrings(t *testing.T) {
	body := []byte(`{"usage":{"prompt_tokens":10.9,"completion_tokens":"5"}}`)
	u, err := Extract(body)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if u.Prompt != 10 {
		t.Fatalf("expected floor(10.9)=10, got %d", u.Prompt)
	}
	if u.Completion != 5 {
		t.Fatalf("expected numeric string \"5\" parsed as 5, got %d", u.Completion)
	}
}

// TestExtractStreamEventOpenAITerminalChunk matches spec.md §4.8's OpenAI
// terminal-event extraction.
func TestExtractStreamEventOpenAITerminalChunk(t *testing.T) {
	u, ok := ExtractStreamEvent([]byte(`{"id":"x","choices":[],"usage":{"prompt_tokens":10,"completion_tokens":4,"total_tokens":14}}`))
	if !ok {
		t.Fatal("expected a usage block to be found")
	}
	if u.Prompt != 10 || u.Completion != 4 || u.Total != 14 {
		t.Fatalf("unexpected usage: %+v", u)
	}
}

func TestExtractStreamEventGoogleUsageMetadata(t *testing.T) {
	u, ok := ExtractStreamEvent([]byte(`{"candidates":[],"usageMetadata":{"promptTokenCount":7,"candidatesTokenCount":3,"totalTokenCount":10}}`))
	if !ok {
		t.Fatal("expected a usage block to be found")
	}
	if u.Prompt != 7 || u.Completion != 3 || u.Total != 10 {
		t.Fatalf("unexpected usage: %+v", u)
	}
}

func TestExtractStreamEventAnthropicMessageStart(t *testing.T) {
	u, ok := ExtractStreamEvent([]byte(`{"type":"message_start","message":{"id":"m","usage":{"input_tokens":20}}}`))
	if !ok {
		t.Fatal("expected a usage block to be found")
	}
	if u.Prompt != 20 {
		t.Fatalf("expected input_tokens=20 surfaced as Prompt, got %+v", u)
	}
}

func TestExtractStreamEventAnthropicMessageDelta(t *testing.T) {
	u, ok := ExtractStreamEvent([]byte(`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":9}}`))
	if !ok {
		t.Fatal("expected a usage block to be found")
	}
	if u.Completion != 9 {
		t.Fatalf("expected output_tokens=9 surfaced as Completion, got %+v", u)
	}
}

func TestExtractStreamEventSentinelAndHeartbeatAreIgnored(t *testing.T) {
	if _, ok := ExtractStreamEvent([]byte(`[DONE]`)); ok {
		t.Fatal("expected [DONE] sentinel to carry no usage")
	}
	if _, ok := ExtractStreamEvent([]byte(``)); ok {
		t.Fatal("expected an empty payload to carry no usage")
	}
	if _, ok := ExtractStreamEvent([]byte(`{"choices":[{"delta":{"content":"hi"}}]}`)); ok {
		t.Fatal("expected a content-only chunk to carry no usage")
	}
}

// TestMergeUsageFillsSplitAnthropicFields matches spec.md §4.8's note that
// Anthropic splits usage across message_start (input) and message_delta
// (output).
func TestMergeUsageFillsSplitAnthropicFields(t *testing.T) {
	start, _ := ExtractStreamEvent([]byte(`{"type":"message_start","message":{"usage":{"input_tokens":20}}}`))
	delta, _ := ExtractStreamEvent([]byte(`{"type":"message_delta","usage":{"output_tokens":9}}`))
	merged := MergeUsage(start, delta)
	if merged.Prompt != 20 || merged.Completion != 9 {
		t.Fatalf("expected merged usage to carry both fields, got %+v", merged)
	}
}

func TestExtractIdempotentAndOrderIndependent(t *testing.T) {
	a, _ := Extract([]byte(`{"usage":{"prompt_tokens":1,"completion_tokens":2,"total_tokens":3}}`))
	b, _ := Extract([]byte(`{"usage":{"total_tokens":3,"completion_tokens":2,"prompt_tokens":1}}`))
	if a != b {
		t.Fatalf("expected key order not to affect extraction: %+v vs %+v", a, b)
	}
	c, _ := Extract([]byte(`{"usage":{"prompt_tokens":1,"completion_tokens":2,"total_tokens":3}}`))
	if a != c {
		t.Fatal("expected extraction to be idempotent across repeated calls")
	}
}
