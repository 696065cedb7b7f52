// Package audit records rate-limit violations for compliance. Recording is
// fire-and-forget: the admission decision never waits on, or fails because
// of, audit persistence.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/maltehedderich/admission-control-go/internal/logger"
	"github.com/maltehedderich/admission-control-go/internal/metrics"
)

// Violation is one denied request, produced by the admission service.
type Violation struct {
	Timestamp      time.Time `json:"timestamp"`
	Identifier     string    `json:"identifier"`
	Endpoint       string    `json:"endpoint"`
	RuleName       string    `json:"rule_name"`
	Limit          int       `json:"limit"`
	WindowSeconds  float64   `json:"window_seconds"`
	ViolationCount int       `json:"violation_count"`
}

// Sink accepts violations without blocking the caller.
type Sink interface {
	LogViolation(v Violation)
}

// Recorder durably persists a violation. Implementations may be slow; the
// async sink keeps them off the request path.
type Recorder interface {
	Record(ctx context.Context, v Violation) error
}

// LogRecorder writes violations to the structured log. It is the default
// recorder; deployments with a compliance store plug in their own.
type LogRecorder struct {
	log *logger.ComponentLogger
}

// NewLogRecorder creates a log-backed recorder.
func NewLogRecorder() *LogRecorder {
	return &LogRecorder{log: logger.Get().WithComponent("audit")}
}

// Record implements Recorder.
func (r *LogRecorder) Record(ctx context.Context, v Violation) error {
	r.log.Info("rate limit violation", logger.Fields{
		"identifier":      v.Identifier,
		"endpoint":        v.Endpoint,
		"rule_name":       v.RuleName,
		"limit":           v.Limit,
		"window_seconds":  v.WindowSeconds,
		"violation_count": v.ViolationCount,
		"timestamp":       v.Timestamp.UTC().Format(time.RFC3339),
	})
	return nil
}

// AsyncSink decouples violation recording from the admission decision with
// a buffered channel and a single worker goroutine. A full buffer drops the
// record rather than blocking; recorder errors are logged and never
// retried.
type AsyncSink struct {
	recorder Recorder
	ch       chan Violation
	log      *logger.ComponentLogger
	wg       sync.WaitGroup
	once     sync.Once
}

// NewAsyncSink creates and starts an async sink with the given buffer size.
func NewAsyncSink(recorder Recorder, bufferSize int) *AsyncSink {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	s := &AsyncSink{
		recorder: recorder,
		ch:       make(chan Violation, bufferSize),
		log:      logger.Get().WithComponent("audit"),
	}

	s.wg.Add(1)
	go s.worker()

	return s
}

// LogViolation implements Sink. It never blocks.
func (s *AsyncSink) LogViolation(v Violation) {
	select {
	case s.ch <- v:
		metrics.RecordAuditRecorded()
	default:
		metrics.RecordAuditDropped()
		s.log.Debug("audit buffer full, dropping violation", logger.Fields{
			"endpoint": v.Endpoint,
			"rule":     v.RuleName,
		})
	}
}

// Close stops the worker after draining buffered violations.
func (s *AsyncSink) Close() {
	s.once.Do(func() {
		close(s.ch)
	})
	s.wg.Wait()
}

func (s *AsyncSink) worker() {
	defer s.wg.Done()

	for v := range s.ch {
		if err := s.recorder.Record(context.Background(), v); err != nil {
			s.log.Error("failed to record violation", logger.Fields{
				"endpoint": v.Endpoint,
				"rule":     v.RuleName,
				"error":    err.Error(),
			})
		}
	}
}

// NopSink discards all violations. Used when auditing is disabled.
type NopSink struct{}

// LogViolation implements Sink.
func (NopSink) LogViolation(Violation) {}
