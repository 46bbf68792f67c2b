package aigateway

import (
	"fmt"

	"github.com/relaygate/gateway/domain"
)

// TopologyConfig is the static upstream topology the gateway routes
// against, loaded once at startup from a YAML or JSON file. It replaces
// the teacher's Config/StrategyConfig/Target split — "pick a strategy,
// pick a target" becomes "declare every upstream and let router.Selector
// score them" — but keeps the same load/validate shape.
type TopologyConfig struct {
	Upstreams []UpstreamConfig `json:"upstreams" yaml:"upstreams"`
}

// UpstreamConfig is the on-disk shape of one domain.Upstream. PlainAPIKey
// holds the upstream credential in cleartext as it appears in the config
// file; Resolve encrypts it before it ever reaches an in-memory
// domain.Upstream.
type UpstreamConfig struct {
	ID                      string                     `json:"id" yaml:"id"`
	Name                    string                     `json:"name" yaml:"name"`
	BaseURL                 string                     `json:"base_url" yaml:"base_url"`
	PlainAPIKey             string                     `json:"api_key" yaml:"api_key"`
	Priority                int                        `json:"priority" yaml:"priority"`
	Weight                  float64                    `json:"weight" yaml:"weight"`
	RouteCapabilities       []string                   `json:"route_capabilities" yaml:"route_capabilities"`
	AllowedModels           []string                   `json:"allowed_models,omitempty" yaml:"allowed_models,omitempty"`
	ModelRedirects          map[string]string          `json:"model_redirects,omitempty" yaml:"model_redirects,omitempty"`
	BillingInputMultiplier  float64                    `json:"billing_input_multiplier" yaml:"billing_input_multiplier"`
	BillingOutputMultiplier float64                    `json:"billing_output_multiplier" yaml:"billing_output_multiplier"`
	SpendingRules           []domain.Rule              `json:"spending_rules,omitempty" yaml:"spending_rules,omitempty"`
	AffinityMigration       *domain.AffinityMigration  `json:"affinity_migration,omitempty" yaml:"affinity_migration,omitempty"`
	TimeoutSec              int                        `json:"timeout_sec" yaml:"timeout_sec"`
	Active                  bool                       `json:"active" yaml:"active"`
}

// secretCipher is the subset of keystore.Cipher Resolve needs, so config.go
// doesn't have to import keystore just for one method.
type secretCipher interface {
	Encrypt(plaintext string) ([]byte, error)
}

// Resolve turns the on-disk topology into the domain.Upstream set the
// gateway routes against, encrypting each upstream's cleartext API key
// with cipher. Billing multipliers default to 1.0 when left at the JSON
// zero value, matching spec.md's "no multiplier configured means no
// adjustment" default.
func (c TopologyConfig) Resolve(cipher secretCipher) ([]domain.Upstream, error) {
	out := make([]domain.Upstream, 0, len(c.Upstreams))
	for _, uc := range c.Upstreams {
		encrypted, err := cipher.Encrypt(uc.PlainAPIKey)
		if err != nil {
			return nil, fmt.Errorf("encrypting api key for upstream %q: %w", uc.ID, err)
		}

		inputMul := uc.BillingInputMultiplier
		if inputMul == 0 {
			inputMul = 1.0
		}
		outputMul := uc.BillingOutputMultiplier
		if outputMul == 0 {
			outputMul = 1.0
		}

		caps := make([]domain.Capability, 0, len(uc.RouteCapabilities))
		for _, rc := range uc.RouteCapabilities {
			caps = append(caps, domain.Capability(rc))
		}

		u := domain.Upstream{
			ID:                      uc.ID,
			Name:                    uc.Name,
			BaseURL:                 uc.BaseURL,
			APIKeyEncrypted:         encrypted,
			Priority:                uc.Priority,
			Weight:                  uc.Weight,
			RouteCapabilities:       caps,
			AllowedModels:           uc.AllowedModels,
			ModelRedirects:          uc.ModelRedirects,
			BillingInputMultiplier:  inputMul,
			BillingOutputMultiplier: outputMul,
			SpendingRules:           uc.SpendingRules,
			AffinityMigration:       uc.AffinityMigration,
			TimeoutSec:              uc.TimeoutSec,
			Active:                  uc.Active,
		}
		if err := u.ValidateCapabilityFamily(); err != nil {
			return nil, fmt.Errorf("upstream %q: %w", uc.ID, err)
		}
		out = append(out, u)
	}
	return out, nil
}

// ValidateConfig checks business rules beyond the JSON Schema's structural
// validation: unique, non-empty upstream ids, and at least one active
// upstream to route traffic to.
func ValidateConfig(cfg TopologyConfig) error {
	if len(cfg.Upstreams) == 0 {
		return fmt.Errorf("at least one upstream is required")
	}

	seen := make(map[string]bool, len(cfg.Upstreams))
	activeCount := 0
	for _, u := range cfg.Upstreams {
		if u.ID == "" {
			return fmt.Errorf("upstream %q: id is required", u.Name)
		}
		if seen[u.ID] {
			return fmt.Errorf("duplicate upstream id %q", u.ID)
		}
		seen[u.ID] = true

		if u.BaseURL == "" {
			return fmt.Errorf("upstream %q: base_url is required", u.ID)
		}
		if len(u.RouteCapabilities) == 0 {
			return fmt.Errorf("upstream %q: at least one route capability is required", u.ID)
		}
		if u.Weight < 0 {
			return fmt.Errorf("upstream %q: weight must be non-negative", u.ID)
		}
		for _, rule := range u.SpendingRules {
			switch rule.PeriodType {
			case "daily", "monthly", "rolling":
			default:
				return fmt.Errorf("upstream %q: unknown spending rule period_type %q", u.ID, rule.PeriodType)
			}
			if rule.PeriodType == "rolling" && rule.PeriodHours <= 0 {
				return fmt.Errorf("upstream %q: rolling spending rule requires period_hours > 0", u.ID)
			}
			if rule.Limit <= 0 {
				return fmt.Errorf("upstream %q: spending rule limit must be positive", u.ID)
			}
		}
		if u.Active {
			activeCount++
		}
	}
	if activeCount == 0 {
		return fmt.Errorf("at least one upstream must be active")
	}
	return nil
}
