// Package headercompensation builds the per-request outbound header set and
// its sanitized diff, per spec.md §4.7. It is grounded on
// cmd/ferrogw/proxy.go's Director (header deletion + auth injection) and
// each provider's AuthHeaders() method, generalized into a rule-driven
// (capability, headerName) -> drop | replace | compensate-if-missing table
// instead of one hardcoded Director closure per provider.
package headercompensation

import (
	"net/http"
	"sort"
	"strings"

	"github.com/relaygate/gateway/domain"
)

// Action is what a Rule does to one outbound header.
type Action string

const (
	ActionDrop       Action = "drop"
	ActionReplace    Action = "replace"
	ActionCompensate Action = "compensate"
)

// Rule maps one (capability, headerName) pair to an Action. Capability ==
// "" matches any capability. CompensateFrom names the source header to
// copy from when Action == ActionCompensate and the header is missing
// (e.g. "Cookie" to fill "X-Session-Id").
type Rule struct {
	Capability     domain.Capability
	HeaderName     string
	Action         Action
	CompensateFrom string
	BuiltIn        bool
	Enabled        bool
}

// RuleSet is an ordered list of rules; first enabled match per header wins.
type RuleSet struct {
	rules []Rule
}

// DefaultRuleSet returns the built-in rules every gateway installation
// carries. Built-in rules cannot be deleted, only disabled (Enabled=false)
// by replacing the entry via Disable.
func DefaultRuleSet() *RuleSet {
	return &RuleSet{rules: []Rule{
		{HeaderName: "Authorization", Action: ActionReplace, BuiltIn: true, Enabled: true},
		{HeaderName: "X-Api-Key", Action: ActionDrop, BuiltIn: true, Enabled: true},
		{HeaderName: "X-Provider", Action: ActionDrop, BuiltIn: true, Enabled: true},
	}}
}

// AddRule appends a user-defined rule, tried after all built-ins.
func (rs *RuleSet) AddRule(r Rule) {
	r.BuiltIn = false
	if !r.Enabled {
		r.Enabled = true
	}
	rs.rules = append(rs.rules, r)
}

// Disable turns off a built-in or user rule matching (capability, header)
// without removing it from the set.
func (rs *RuleSet) Disable(capability domain.Capability, header string) {
	for i := range rs.rules {
		if rs.rules[i].Capability == capability && strings.EqualFold(rs.rules[i].HeaderName, header) {
			rs.rules[i].Enabled = false
		}
	}
}

func (rs *RuleSet) match(capability domain.Capability, header string) (Rule, bool) {
	for _, r := range rs.rules {
		if !r.Enabled {
			continue
		}
		if r.Capability != "" && r.Capability != capability {
			continue
		}
		if strings.EqualFold(r.HeaderName, header) {
			return r, true
		}
	}
	return Rule{}, false
}

// Result is the output of Apply: the headers to send upstream plus the
// sanitized diff to persist.
type Result struct {
	Outbound http.Header
	Diff     domain.HeaderDiff
}

// Apply builds the outbound header set for one request. upstreamAuth is the
// already-resolved auth headers for the target upstream (from
// domain.FamilyOps.AuthScheme), applied for any header whose rule action is
// ActionReplace.
func Apply(rs *RuleSet, capability domain.Capability, inbound http.Header, upstreamAuth map[string]string) Result {
	outbound := make(http.Header, len(inbound))
	diff := domain.HeaderDiff{}

	names := make([]string, 0, len(inbound))
	for name := range inbound {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := inbound.Get(name)
		rule, matched := rs.match(capability, name)
		if !matched {
			sanitized := sanitize(name, value)
			outbound.Set(name, value)
			diff.Unchanged = append(diff.Unchanged, domain.HeaderDiffEntry{Name: name, Value: sanitized})
			continue
		}
		switch rule.Action {
		case ActionDrop:
			diff.Dropped = append(diff.Dropped, name)
		case ActionReplace:
			diff.Dropped = append(diff.Dropped, name) // inbound value never reaches upstream
		case ActionCompensate:
			// Already present inbound: compensate-if-missing does not apply;
			// treat as unchanged (sanitized pass-through).
			sanitized := sanitize(name, value)
			outbound.Set(name, value)
			diff.Unchanged = append(diff.Unchanged, domain.HeaderDiffEntry{Name: name, Value: sanitized})
		}
	}

	// Second pass: compensate rules whose header is missing entirely.
	for _, rule := range rs.rules {
		if !rule.Enabled || rule.Action != ActionCompensate {
			continue
		}
		if rule.Capability != "" && rule.Capability != capability {
			continue
		}
		if outbound.Get(rule.HeaderName) != "" {
			continue
		}
		source := inbound.Get(rule.CompensateFrom)
		if source == "" {
			continue
		}
		outbound.Set(rule.HeaderName, source)
		diff.Compensated = append(diff.Compensated, domain.HeaderDiffEntry{Name: rule.HeaderName, Value: sanitize(rule.HeaderName, source)})
	}

	// Auth is always replaced with the upstream's own credential, whether or
	// not an explicit Authorization header arrived inbound.
	for name, value := range upstreamAuth {
		outbound.Set(name, value)
		if diff.AuthReplaced == nil {
			diff.AuthReplaced = &domain.HeaderDiffEntry{Name: name, Value: sanitize(name, value)}
		}
	}

	return Result{Outbound: outbound, Diff: diff}
}

var sensitiveSubstrings = []string{"authorization", "api-key", "x-key", "secret", "token"}

// sanitize applies spec.md §6's persisted-diff masking rule.
func sanitize(name, value string) string {
	lower := strings.ToLower(name)
	if lower == "cookie" || lower == "set-cookie" {
		return "***"
	}
	for _, s := range sensitiveSubstrings {
		if strings.Contains(lower, s) {
			return maskToken(value)
		}
	}
	return value
}

// maskToken brackets a short prefix/suffix around a masked middle for
// Bearer/sk-prefixed tokens, and passes already-masked values through.
func maskToken(value string) string {
	if strings.Contains(value, "***") {
		return value
	}
	prefix := ""
	rest := value
	if strings.HasPrefix(value, "Bearer ") {
		prefix = "Bearer "
		rest = value[len("Bearer "):]
	}
	if len(rest) <= 8 {
		return prefix + "***"
	}
	return prefix + rest[:4] + "***" + rest[len(rest)-4:]
}
