package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/maltehedderich/admission-control-go/internal/audit"
)

// captureSink records violations synchronously for assertions.
type captureSink struct {
	violations []audit.Violation
}

func (c *captureSink) LogViolation(v audit.Violation) {
	c.violations = append(c.violations, v)
}

// panicAlgorithm simulates a wiring bug inside the admission path.
type panicAlgorithm struct{}

func (panicAlgorithm) Allow(ctx context.Context, store Storage, key string, rule *Rule, cost int) (bool, time.Duration) {
	panic("wiring bug")
}

func mustRule(t *testing.T, name string, maxTokens int, refillRate float64, scope Scope, cost int, enabled bool) *Rule {
	t.Helper()
	rule, err := NewRule(name, StrategyTokenBucket, maxTokens, refillRate, scope, cost, enabled)
	if err != nil {
		t.Fatalf("failed to build rule: %v", err)
	}
	return rule
}

func newTestService(t *testing.T, rules map[string]*Rule, opts ...ServiceOption) (*Service, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	ms := NewMemoryStorage().WithClock(clock.Now)
	t.Cleanup(func() { ms.Close() })

	opts = append([]ServiceOption{WithClock(clock.Now)}, opts...)
	return NewService(NewRuleTable(rules), ms, opts...), clock
}

func TestService_BurstThenDeny(t *testing.T) {
	service, _ := newTestService(t, map[string]*Rule{
		"GET /search": mustRule(t, "search", 3, 3, ScopeIP, 1, true),
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result := service.Allow(ctx, "GET /search", "10.0.0.1", 0)
		if !result.Allowed {
			t.Fatalf("request %d within capacity should be allowed", i)
		}
		if result.RetryAfter != 0 {
			t.Errorf("request %d: allowed result should carry no retry interval", i)
		}
	}

	result := service.Allow(ctx, "GET /search", "10.0.0.1", 0)
	if result.Allowed {
		t.Fatal("request beyond capacity should be denied")
	}
	// One token deficit at 3 per minute: 20 seconds.
	if result.RetryAfter != 20*time.Second {
		t.Errorf("expected retry after 20s, got %v", result.RetryAfter)
	}
	if result.Rule == nil || result.Rule.Name != "search" {
		t.Error("denied result should carry the governing rule")
	}
}

func TestService_RefillRestoresAdmission(t *testing.T) {
	service, clock := newTestService(t, map[string]*Rule{
		"POST /export": mustRule(t, "export", 2, 2, ScopeUser, 1, true),
	})
	ctx := context.Background()

	service.Allow(ctx, "POST /export", "alice", 0)
	service.Allow(ctx, "POST /export", "alice", 0)
	if service.Allow(ctx, "POST /export", "alice", 0).Allowed {
		t.Fatal("drained bucket should deny")
	}

	// 30 seconds at 2 per minute refills one token.
	clock.Advance(30 * time.Second)

	if !service.Allow(ctx, "POST /export", "alice", 0).Allowed {
		t.Error("request after refill should be allowed")
	}
	if service.Allow(ctx, "POST /export", "alice", 0).Allowed {
		t.Error("only one token should have refilled")
	}
}

func TestService_IdentifiersAreIndependent(t *testing.T) {
	service, _ := newTestService(t, map[string]*Rule{
		"POST /export": mustRule(t, "export", 1, 1, ScopeUser, 1, true),
	})
	ctx := context.Background()

	if !service.Allow(ctx, "POST /export", "alice", 0).Allowed {
		t.Fatal("alice's first request should be allowed")
	}
	if service.Allow(ctx, "POST /export", "alice", 0).Allowed {
		t.Fatal("alice's bucket should be drained")
	}

	if !service.Allow(ctx, "POST /export", "bob", 0).Allowed {
		t.Error("bob's quota should be unaffected by alice's")
	}
}

func TestService_GlobalScopeSharesOneBucket(t *testing.T) {
	service, _ := newTestService(t, map[string]*Rule{
		"GET /feed": mustRule(t, "feed", 2, 2, ScopeGlobal, 1, true),
	})
	ctx := context.Background()

	// Different callers drain the same bucket.
	if !service.Allow(ctx, "GET /feed", "alice", 0).Allowed {
		t.Fatal("first request should be allowed")
	}
	if !service.Allow(ctx, "GET /feed", "bob", 0).Allowed {
		t.Fatal("second request should be allowed")
	}
	if service.Allow(ctx, "GET /feed", "carol", 0).Allowed {
		t.Error("global bucket should be shared across identifiers")
	}
}

func TestService_UnconfiguredEndpointAdmits(t *testing.T) {
	store := &failingStorage{}
	service := NewService(NewRuleTable(map[string]*Rule{}), store)
	ctx := context.Background()

	result := service.Allow(ctx, "GET /anything", "alice", 0)
	if !result.Allowed {
		t.Error("unconfigured endpoint should admit")
	}
	if result.Rule != nil {
		t.Error("unconfigured endpoint should carry no rule")
	}
	// Unconfigured endpoints never reach storage.
	if store.calls != 0 {
		t.Errorf("expected no storage calls, got %d", store.calls)
	}
}

func TestService_DisabledRuleAdmits(t *testing.T) {
	store := &failingStorage{}
	service := NewService(NewRuleTable(map[string]*Rule{
		"GET /search": mustRule(t, "search", 1, 1, ScopeIP, 1, false),
	}), store)
	ctx := context.Background()

	// A disabled rule never consults storage, so it admits indefinitely.
	for i := 0; i < 10; i++ {
		if !service.Allow(ctx, "GET /search", "10.0.0.1", 0).Allowed {
			t.Fatalf("request %d against a disabled rule should be allowed", i)
		}
	}
	if store.calls != 0 {
		t.Errorf("expected no storage calls for a disabled rule, got %d", store.calls)
	}
}

func TestService_CostDefaultsToRuleCost(t *testing.T) {
	service, _ := newTestService(t, map[string]*Rule{
		"POST /batch": mustRule(t, "batch", 10, 10, ScopeUser, 5, true),
	})
	ctx := context.Background()

	// Zero cost uses the rule's configured cost of 5; two requests drain
	// the 10-token bucket.
	if !service.Allow(ctx, "POST /batch", "alice", 0).Allowed {
		t.Fatal("first request should be allowed")
	}
	if !service.Allow(ctx, "POST /batch", "alice", 0).Allowed {
		t.Fatal("second request should be allowed")
	}
	if service.Allow(ctx, "POST /batch", "alice", 0).Allowed {
		t.Error("third request should be denied")
	}
}

func TestService_ExplicitCostOverridesRule(t *testing.T) {
	service, _ := newTestService(t, map[string]*Rule{
		"POST /batch": mustRule(t, "batch", 10, 10, ScopeUser, 1, true),
	})
	ctx := context.Background()

	if !service.Allow(ctx, "POST /batch", "alice", 10).Allowed {
		t.Fatal("cost equal to capacity should be allowed on a full bucket")
	}
	if service.Allow(ctx, "POST /batch", "alice", 1).Allowed {
		t.Error("bucket should be fully drained")
	}
}

func TestService_FailsOpenOnStorageOutage(t *testing.T) {
	store := &failingStorage{}
	service := NewService(NewRuleTable(map[string]*Rule{
		"GET /search": mustRule(t, "search", 1, 1, ScopeIP, 1, true),
	}), store)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if !service.Allow(ctx, "GET /search", "10.0.0.1", 0).Allowed {
			t.Fatalf("request %d during outage should be admitted", i)
		}
	}

	// Recovery is immediate: the decision is made fresh per request, so
	// storage must have been consulted every time.
	if store.calls != 4 {
		t.Errorf("expected 4 storage calls, got %d", store.calls)
	}
}

func TestService_FailsOpenOnPanic(t *testing.T) {
	service, _ := newTestService(t, map[string]*Rule{
		"GET /search": mustRule(t, "search", 1, 1, ScopeIP, 1, true),
	}, WithAlgorithm(panicAlgorithm{}))

	result := service.Allow(context.Background(), "GET /search", "10.0.0.1", 0)
	if !result.Allowed {
		t.Error("internal panic must admit the request")
	}
}

func TestService_DenialNotifiesAuditSink(t *testing.T) {
	sink := &captureSink{}
	service, _ := newTestService(t, map[string]*Rule{
		"POST /export": mustRule(t, "export", 1, 2, ScopeUser, 1, true),
	}, WithAuditSink(sink))
	ctx := context.Background()

	service.Allow(ctx, "POST /export", "alice", 0)
	service.Allow(ctx, "POST /export", "alice", 0)

	if len(sink.violations) != 1 {
		t.Fatalf("expected 1 violation, got %d", len(sink.violations))
	}

	v := sink.violations[0]
	if v.Identifier != "alice" {
		t.Errorf("expected identifier alice, got %s", v.Identifier)
	}
	if v.Endpoint != "POST /export" {
		t.Errorf("expected endpoint POST /export, got %s", v.Endpoint)
	}
	if v.RuleName != "export" {
		t.Errorf("expected rule export, got %s", v.RuleName)
	}
	if v.Limit != 1 {
		t.Errorf("expected limit 1, got %d", v.Limit)
	}
	// 1 token at 2 per minute: 30 second window.
	if v.WindowSeconds != 30 {
		t.Errorf("expected window of 30s, got %g", v.WindowSeconds)
	}
}

func TestService_AllowedRequestsSkipAudit(t *testing.T) {
	sink := &captureSink{}
	service, _ := newTestService(t, map[string]*Rule{
		"GET /search": mustRule(t, "search", 5, 5, ScopeIP, 1, true),
	}, WithAuditSink(sink))

	service.Allow(context.Background(), "GET /search", "10.0.0.1", 0)

	if len(sink.violations) != 0 {
		t.Errorf("allowed request should not produce a violation, got %d", len(sink.violations))
	}
}

func TestService_Remaining(t *testing.T) {
	service, _ := newTestService(t, map[string]*Rule{
		"GET /search": mustRule(t, "search", 10, 10, ScopeIP, 1, true),
	})
	ctx := context.Background()

	if got := service.Remaining(ctx, "GET /search", "10.0.0.1"); got != 10 {
		t.Errorf("untouched bucket should report full capacity, got %d", got)
	}

	service.Allow(ctx, "GET /search", "10.0.0.1", 3)
	if got := service.Remaining(ctx, "GET /search", "10.0.0.1"); got != 7 {
		t.Errorf("expected 7 remaining, got %d", got)
	}

	if got := service.Remaining(ctx, "GET /unknown", "10.0.0.1"); got != 0 {
		t.Errorf("unconfigured endpoint should report 0, got %d", got)
	}
}

func TestService_Reset(t *testing.T) {
	service, _ := newTestService(t, map[string]*Rule{
		"GET /search": mustRule(t, "search", 1, 1, ScopeIP, 1, true),
	})
	ctx := context.Background()

	service.Allow(ctx, "GET /search", "10.0.0.1", 0)
	if service.Allow(ctx, "GET /search", "10.0.0.1", 0).Allowed {
		t.Fatal("bucket should be drained")
	}

	service.Reset(ctx, BuildKey(ScopeIP, "10.0.0.1", "GET /search"))

	if !service.Allow(ctx, "GET /search", "10.0.0.1", 0).Allowed {
		t.Error("reset bucket should admit again")
	}
}

func TestService_RuleFor(t *testing.T) {
	service, _ := newTestService(t, map[string]*Rule{
		"GET /search": mustRule(t, "search", 10, 10, ScopeIP, 1, true),
		"GET /legacy": mustRule(t, "legacy", 10, 10, ScopeIP, 1, false),
	})

	if _, ok := service.RuleFor("GET /search"); !ok {
		t.Error("expected rule for GET /search")
	}
	if _, ok := service.RuleFor("GET /legacy"); ok {
		t.Error("disabled rule should not resolve")
	}
	if _, ok := service.RuleFor("GET /unknown"); ok {
		t.Error("unconfigured endpoint should not resolve")
	}
}
