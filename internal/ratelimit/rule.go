package ratelimit

import (
	"fmt"
	"strings"
	"time"

	"github.com/maltehedderich/admission-control-go/internal/config"
)

// Strategy identifies the admission policy a rule uses.
type Strategy string

const (
	// StrategyTokenBucket is the only implemented strategy.
	StrategyTokenBucket Strategy = "token_bucket"
	// StrategySlidingWindow is reserved for a future implementation.
	StrategySlidingWindow Strategy = "sliding_window"
	// StrategyFixedWindow is reserved for a future implementation.
	StrategyFixedWindow Strategy = "fixed_window"
)

// Scope determines which dimension of the caller a bucket is keyed on.
type Scope string

const (
	// ScopeIP keys buckets on the caller's network address.
	ScopeIP Scope = "ip"
	// ScopeUser keys buckets on an authenticated principal's identifier.
	ScopeUser Scope = "user"
	// ScopeUserResource keys buckets on a (principal, downstream dependency)
	// pair, for quotas that track a third-party API's own limit.
	ScopeUserResource Scope = "user+resource"
	// ScopeGlobal collapses all callers onto a single bucket.
	ScopeGlobal Scope = "global"
)

// ParseScope parses a scope string.
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(s)) {
	case ScopeIP:
		return ScopeIP, nil
	case ScopeUser:
		return ScopeUser, nil
	case ScopeUserResource:
		return ScopeUserResource, nil
	case ScopeGlobal:
		return ScopeGlobal, nil
	default:
		return "", fmt.Errorf("unknown scope: %s", s)
	}
}

// Rule is an immutable description of one quota. It is constructed once at
// load time and shared across all concurrent requests without
// synchronization.
type Rule struct {
	// Name identifies the rule in logs and audit records.
	Name string
	// Strategy is the admission policy. Only token_bucket is implemented.
	Strategy Strategy
	// MaxTokens is the bucket capacity.
	MaxTokens int
	// RefillRate is the number of tokens replenished per 60 seconds.
	RefillRate float64
	// Scope selects the caller dimension the bucket is keyed on.
	Scope Scope
	// Cost is the number of tokens one admitted request consumes.
	Cost int
	// Enabled gates the rule; a disabled rule always admits without
	// consulting storage.
	Enabled bool
	// Resource names the downstream dependency for user+resource scopes.
	Resource string
}

// NewRule constructs a validated Rule. Invalid values fail construction,
// never silently at use time.
func NewRule(name string, strategy Strategy, maxTokens int, refillRate float64, scope Scope, cost int, enabled bool) (*Rule, error) {
	if name == "" {
		return nil, fmt.Errorf("rule name is required")
	}
	switch strategy {
	case StrategyTokenBucket, StrategySlidingWindow, StrategyFixedWindow:
	case "":
		strategy = StrategyTokenBucket
	default:
		return nil, fmt.Errorf("rule %s: unknown strategy %q", name, strategy)
	}
	if maxTokens <= 0 {
		return nil, fmt.Errorf("rule %s: max tokens must be positive, got %d", name, maxTokens)
	}
	if refillRate <= 0 {
		return nil, fmt.Errorf("rule %s: refill rate must be positive, got %g", name, refillRate)
	}
	if cost <= 0 {
		return nil, fmt.Errorf("rule %s: cost must be positive, got %d", name, cost)
	}
	if _, err := ParseScope(string(scope)); err != nil {
		return nil, fmt.Errorf("rule %s: %w", name, err)
	}
	return &Rule{
		Name:       name,
		Strategy:   strategy,
		MaxTokens:  maxTokens,
		RefillRate: refillRate,
		Scope:      scope,
		Cost:       cost,
		Enabled:    enabled,
	}, nil
}

// WindowSeconds is the time to fully refill the bucket from empty. It is a
// derived display value for audit records, not a correctness-bearing
// quantity.
func (r *Rule) WindowSeconds() float64 {
	return float64(r.MaxTokens) / r.RefillRate * 60
}

// RefillPeriod returns WindowSeconds as a duration.
func (r *Rule) RefillPeriod() time.Duration {
	return time.Duration(r.WindowSeconds() * float64(time.Second))
}

// RuleTable maps an endpoint identifier, "{METHOD} {PATH}" or a logical
// operation name, to its Rule. It is immutable after construction; swap the
// whole table to change rules.
type RuleTable struct {
	rules map[string]*Rule
}

// NewRuleTable builds a table from rules keyed by endpoint.
func NewRuleTable(rules map[string]*Rule) *RuleTable {
	copied := make(map[string]*Rule, len(rules))
	for endpoint, rule := range rules {
		copied[endpoint] = rule
	}
	return &RuleTable{rules: copied}
}

// RuleTableFromConfig builds the table from static configuration
// declarations, failing on the first invalid rule.
func RuleTableFromConfig(declarations []config.RuleConfig) (*RuleTable, error) {
	rules := make(map[string]*Rule, len(declarations))
	for i := range declarations {
		decl := &declarations[i]
		cost := decl.Cost
		if cost == 0 {
			cost = 1
		}
		rule, err := NewRule(decl.Name, Strategy(decl.Strategy), decl.MaxTokens, decl.RefillPerMinute, Scope(strings.ToLower(decl.Scope)), cost, decl.IsEnabled())
		if err != nil {
			return nil, err
		}
		rule.Resource = decl.Resource
		if _, dup := rules[decl.Endpoint]; dup {
			return nil, fmt.Errorf("duplicate rule for endpoint %q", decl.Endpoint)
		}
		rules[decl.Endpoint] = rule
	}
	return NewRuleTable(rules), nil
}

// Lookup returns the rule bound to endpoint, if any.
func (t *RuleTable) Lookup(endpoint string) (*Rule, bool) {
	rule, ok := t.rules[endpoint]
	return rule, ok
}

// Len returns the number of configured rules.
func (t *RuleTable) Len() int {
	return len(t.rules)
}
