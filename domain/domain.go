// Package domain holds the shared entities routed, billed, and persisted by
// the gateway: API keys, upstreams, spending rules, circuit breaker state,
// affinity bindings, and the request log / billing snapshot pair.
//
// These types carry no behavior beyond small invariant checks — the
// components in internal/* own the logic that reads and mutates them.
package domain

import "time"

// ApiKey authenticates a downstream caller.
type ApiKey struct {
	ID                 string
	KeyHash             string
	KeyValueEncrypted   []byte
	KeyPrefix           string
	Name                string
	Active              bool
	ExpiresAt           *time.Time
	AllowedUpstreamIDs  []string
}

// Expired reports whether the key's validity window has closed as of now.
func (k ApiKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(now)
}

// AllowsUpstream reports whether id is in the key's allow-list.
func (k ApiKey) AllowsUpstream(id string) bool {
	for _, u := range k.AllowedUpstreamIDs {
		if u == id {
			return true
		}
	}
	return false
}

// Capability is a (provider-family, operation) tag a request requires and an
// upstream advertises. The string form is "<family>.<operation>", e.g.
// "openai.chat_completions", "custom.bedrock_invoke".
type Capability string

// Family returns the provider family portion of the capability tag.
func (c Capability) Family() string {
	for i := 0; i < len(c); i++ {
		if c[i] == '.' {
			return string(c[:i])
		}
	}
	return string(c)
}

// Known provider families. Every Capability used by an Upstream must share
// exactly one of these across the whole routeCapabilities set.
const (
	FamilyOpenAI    = "openai"
	FamilyAnthropic = "anthropic"
	FamilyGoogle    = "google"
	FamilyCustom    = "custom"
)

// Well-known capabilities exercised by the reference upstream families.
const (
	CapOpenAIChatCompletions = Capability("openai.chat_completions")
	CapAnthropicMessages     = Capability("anthropic.messages")
	CapGoogleGenerateContent = Capability("google.generate_content")
	CapBedrockInvoke         = Capability("custom.bedrock_invoke")
)

// AffinityMigration configures sticky-session migration for an upstream.
type AffinityMigration struct {
	Enabled   bool
	Metric    string // "tokens" | "length"
	Threshold int64
}

// Rule is a single spending constraint evaluated by the quota tracker.
type Rule struct {
	PeriodType  string  `json:"period_type" yaml:"period_type"` // "daily" | "monthly" | "rolling"
	Limit       float64 `json:"limit" yaml:"limit"`
	PeriodHours int     `json:"period_hours,omitempty" yaml:"period_hours,omitempty"` // required iff PeriodType == "rolling"
}

// Upstream is one configured LLM backend the router may select.
type Upstream struct {
	ID                      string
	Name                    string
	BaseURL                 string
	APIKeyEncrypted         []byte
	Priority                int // 0-100, lower = higher tier
	Weight                  float64
	RouteCapabilities       []Capability
	AllowedModels           []string // nil means "all models allowed"
	ModelRedirects          map[string]string
	BillingInputMultiplier  float64
	BillingOutputMultiplier float64
	SpendingRules           []Rule
	AffinityMigration       *AffinityMigration
	TimeoutSec              int
	Active                  bool
}

// HasCapability reports whether cap is in the upstream's advertised set.
func (u Upstream) HasCapability(cap Capability) bool {
	for _, c := range u.RouteCapabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// ModelAllowed reports whether model may be routed to this upstream. A nil
// AllowedModels means no restriction.
func (u Upstream) ModelAllowed(model string) bool {
	if u.AllowedModels == nil {
		return true
	}
	for _, m := range u.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// RedirectModel applies ModelRedirects, returning the original name if none
// is configured.
func (u Upstream) RedirectModel(model string) string {
	if u.ModelRedirects == nil {
		return model
	}
	if redirected, ok := u.ModelRedirects[model]; ok {
		return redirected
	}
	return model
}

// Family returns the single provider family shared by all of the upstream's
// route capabilities, or "" if it advertises none.
func (u Upstream) Family() string {
	if len(u.RouteCapabilities) == 0 {
		return ""
	}
	return u.RouteCapabilities[0].Family()
}

// ValidateCapabilityFamily enforces the invariant that routeCapabilities all
// belong to one provider family.
func (u Upstream) ValidateCapabilityFamily() error {
	if len(u.RouteCapabilities) == 0 {
		return nil
	}
	family := u.RouteCapabilities[0].Family()
	for _, c := range u.RouteCapabilities[1:] {
		if c.Family() != family {
			return errCrossFamilyCapabilities(u.Name, family, c)
		}
	}
	return nil
}

// CircuitBreakerState is the persisted/observable shape of one upstream's
// breaker. The live state machine lives in internal/circuitbreaker; this is
// the snapshot used for admin reads and DB persistence.
type CircuitBreakerState struct {
	State         string // "closed" | "open" | "half_open"
	FailureCount  int
	SuccessCount  int
	LastFailureAt *time.Time
	OpenedAt      *time.Time
	LastProbeAt   *time.Time
	Config        CircuitBreakerConfig
}

// CircuitBreakerConfig holds the tunables of one breaker.
type CircuitBreakerConfig struct {
	FailureThreshold  int
	SuccessThreshold  int
	OpenDurationSec   int
	ProbeIntervalSec  int
}

// DefaultCircuitBreakerConfig matches spec defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenDurationSec:  300,
		ProbeIntervalSec: 30,
	}
}

// AffinityBinding sticks a logical session to one upstream.
type AffinityBinding struct {
	SessionID         string
	UpstreamID        string
	EstablishedAt     time.Time
	AccumulatedMetric int64
}

// Usage is the canonical token accounting extracted from a provider response.
type Usage struct {
	Prompt        int64
	Completion    int64
	Total         int64
	Cached        int64
	Reasoning     int64
	CacheCreation int64
	CacheRead     int64
}

// FailoverEvent records one failed attempt in a request's routing history.
type FailoverEvent struct {
	UpstreamID    string
	UpstreamName  string
	AttemptedAt   time.Time
	ErrorType     string
	ErrorMessage  string
	StatusCode    int
}

// RoutingInfo captures how a request's upstream was chosen, for logging.
type RoutingInfo struct {
	Type             string // strategy label, e.g. "weighted", "affinity", "single"
	PriorityTier     int
	FailoverAttempts int
	FailoverHistory  []FailoverEvent
	Decision         string
}

// SessionInfo captures affinity-related facts about one request.
type SessionInfo struct {
	ID              string
	AffinityHit     bool
	AffinityMigrated bool
	Compensated     bool
}

// TokenCounts mirrors Usage in the shape persisted on a RequestLog row.
type TokenCounts struct {
	Prompt        int64
	Completion    int64
	Total         int64
	Cached        int64
	Reasoning     int64
	CacheCreation int64
	CacheRead     int64
}

// HeaderDiffEntry is one sanitized header decision recorded for a request.
type HeaderDiffEntry struct {
	Name  string
	Value string
}

// HeaderDiff is the full per-request header compensation trace, sanitized
// for persistence.
type HeaderDiff struct {
	Dropped      []string
	AuthReplaced *HeaderDiffEntry
	Compensated  []HeaderDiffEntry
	Unchanged    []HeaderDiffEntry
}

// RequestLog is the durable record of one proxied request.
type RequestLog struct {
	ID                string
	ApiKeyID          *string
	UpstreamID        *string
	Method            string
	Path              string
	Model             string
	Tokens            TokenCounts
	StatusCode        int
	DurationMs        int64
	RoutingDurationMs int64
	TTFTMs            *int64
	IsStream          bool
	ErrorMessage      *string
	Routing           RoutingInfo
	Session           SessionInfo
	HeaderDiff        *HeaderDiff
	CreatedAt         time.Time
}

// BillingStatus values for BillingSnapshot.
const (
	BillingStatusBilled   = "billed"
	BillingStatusUnbilled = "unbilled"
)

// Common UnbillableReason values.
const (
	UnbillableNoPrice    = "no_price"
	UnbillableNoUsage    = "no_usage"
	UnbillableParseError = "parse_error"
)

// BillingSnapshot freezes the pricing and token counts used to bill one
// request, 1:1 with a RequestLog row, cascade-deleted with it.
type BillingSnapshot struct {
	RequestLogID             string
	InputPricePerMillion     *float64
	OutputPricePerMillion    *float64
	CacheReadPricePerMillion *float64
	CacheWritePricePerMillion *float64
	InputMultiplier          float64
	OutputMultiplier         float64
	Tokens                   TokenCounts
	FinalCost                float64
	Currency                 string
	BillingStatus            string
	UnbillableReason         string
	BilledAt                 time.Time
}

// PriceEntry is one (model, source) price row. A manual override has
// Source == SourceManualOverride and supersedes any synced source.
type PriceEntry struct {
	Model                          string
	InputPricePerMillion           *float64
	OutputPricePerMillion          *float64
	CacheReadInputPricePerMillion  *float64
	CacheWriteInputPricePerMillion *float64
	Source                         string
	SyncedAt                       time.Time
}

// Known PriceEntry sources, in ascending preference order (last wins) when
// no manual override exists.
const (
	SourceOpenrouter      = "openrouter"
	SourceLitellm         = "litellm"
	SourceManualOverride  = "manual_override"
)
