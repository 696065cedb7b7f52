package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/maltehedderich/admission-control-go/internal/audit"
	"github.com/maltehedderich/admission-control-go/internal/logger"
	"github.com/maltehedderich/admission-control-go/internal/metrics"
	"github.com/maltehedderich/admission-control-go/internal/tracing"
)

// GlobalIdentifier replaces the caller identifier for global-scoped rules,
// collapsing every caller onto one bucket.
const GlobalIdentifier = "global"

// Result is the admission decision returned to callers.
type Result struct {
	// Allowed reports whether the request may proceed.
	Allowed bool
	// RetryAfter is how long a denied caller should wait. Zero when allowed.
	RetryAfter time.Duration
	// Rule is the rule that produced the decision, or nil when the endpoint
	// is unconfigured, the rule is disabled, or the service failed open.
	Rule *Rule
}

// Service orchestrates admission control: it resolves the rule for an
// endpoint, derives the scoped bucket key, runs the algorithm, and reports
// the decision. It is safe for concurrent use; the rule table is read-only
// and all bucket state lives in Storage.
type Service struct {
	rules   *RuleTable
	store   Storage
	algo    Algorithm
	sink    audit.Sink
	timeout time.Duration
	now     func() time.Time
	log     *logger.ComponentLogger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithAlgorithm overrides the admission algorithm.
func WithAlgorithm(algo Algorithm) ServiceOption {
	return func(s *Service) { s.algo = algo }
}

// WithAuditSink sets the violation sink notified on denials.
func WithAuditSink(sink audit.Sink) ServiceOption {
	return func(s *Service) { s.sink = sink }
}

// WithCheckTimeout bounds each storage check. Exceeding it is a storage
// failure and triggers fail-open, not an indefinite block.
func WithCheckTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithClock overrides the time source. Test use only.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates an admission service over the given rule table and
// storage backend.
func NewService(rules *RuleTable, store Storage, opts ...ServiceOption) *Service {
	s := &Service{
		rules:   rules,
		store:   store,
		sink:    audit.NopSink{},
		timeout: 100 * time.Millisecond,
		now:     time.Now,
		log:     logger.Get().WithComponent("admission"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.algo == nil {
		s.algo = NewTokenBucket()
	}
	return s
}

// BuildKey derives the bucket key for a scope, identifier, and endpoint.
// Two requests with the same key share exactly one bucket.
func BuildKey(scope Scope, identifier, endpoint string) string {
	if scope == ScopeGlobal {
		identifier = GlobalIdentifier
	}
	return fmt.Sprintf("%s:%s:%s", scope, identifier, endpoint)
}

// Allow decides whether one request for endpoint from identifier may
// proceed. A cost of zero uses the rule's configured cost.
//
// Allow never panics and never reports an infrastructure failure to the
// caller: unconfigured endpoints, disabled rules, storage outages, and
// internal bugs all admit the request. The only error surface is the
// boolean denial.
func (s *Service) Allow(ctx context.Context, endpoint, identifier string, cost int) (result Result) {
	start := s.now()
	defer func() {
		if r := recover(); r != nil {
			// Outermost fail-open layer: guards rule lookup and wiring bugs,
			// not just storage failures.
			s.log.Error("admission check panicked, admitting request", logger.Fields{
				"endpoint": endpoint,
				"panic":    fmt.Sprint(r),
			})
			metrics.RecordCheck("fail_open")
			result = Result{Allowed: true}
		}
		metrics.RecordCheckDuration(s.now().Sub(start))
	}()

	ctx, span := tracing.Start(ctx, "admission.allow")
	defer span.End()

	rule, ok := s.rules.Lookup(endpoint)
	if !ok || !rule.Enabled {
		metrics.RecordCheck("unconfigured")
		return Result{Allowed: true}
	}

	if cost <= 0 {
		cost = rule.Cost
	}

	key := BuildKey(rule.Scope, identifier, endpoint)

	checkCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	allowed, retryAfter := s.algo.Allow(checkCtx, s.store, key, rule, cost)

	if allowed {
		metrics.RecordCheck("allowed")
		s.log.Debug("request admitted", logger.Fields{
			"key":   key,
			"rule":  rule.Name,
			"cost":  cost,
			"limit": rule.MaxTokens,
		})
	} else {
		metrics.RecordCheck("denied")
		metrics.RecordDenial(rule.Name)
		s.log.Warn("request denied", logger.Fields{
			"key":            key,
			"rule":           rule.Name,
			"cost":           cost,
			"limit":          rule.MaxTokens,
			"window_seconds": rule.WindowSeconds(),
			"retry_after":    retryAfter.Seconds(),
		})
		// Fire-and-forget; the sink never blocks the response path.
		s.sink.LogViolation(audit.Violation{
			Timestamp:      s.now(),
			Identifier:     identifier,
			Endpoint:       endpoint,
			RuleName:       rule.Name,
			Limit:          rule.MaxTokens,
			WindowSeconds:  rule.WindowSeconds(),
			ViolationCount: cost,
		})
	}

	return Result{Allowed: allowed, RetryAfter: retryAfter, Rule: rule}
}

// RuleFor returns the enabled rule bound to endpoint, if any. Callers use
// it to resolve the identifier dimension before checking admission.
func (s *Service) RuleFor(endpoint string) (*Rule, bool) {
	rule, ok := s.rules.Lookup(endpoint)
	if !ok || !rule.Enabled {
		return nil, false
	}
	return rule, true
}

// Remaining reports the best-effort current token count for informational
// headers. It returns zero when the endpoint is unconfigured and the rule's
// capacity when the store is unreachable.
func (s *Service) Remaining(ctx context.Context, endpoint, identifier string) int {
	rule, ok := s.RuleFor(endpoint)
	if !ok {
		return 0
	}
	key := BuildKey(rule.Scope, identifier, endpoint)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return s.store.GetRemaining(ctx, key, rule.MaxTokens, rule.RefillRate)
}

// Reset deletes bucket state for key. Administrative and test use only;
// errors are logged and swallowed, never propagated.
func (s *Service) Reset(ctx context.Context, key string) {
	if err := s.store.Reset(ctx, key); err != nil {
		metrics.RecordStorageError("reset")
		s.log.Error("failed to reset bucket", logger.Fields{
			"key":   key,
			"error": err.Error(),
		})
	}
}

// Ping reports backend availability.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Close releases storage resources.
func (s *Service) Close() error {
	return s.store.Close()
}
