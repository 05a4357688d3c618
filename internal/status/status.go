// Package status publishes job states and fetch outcomes to external sinks
// for dashboards and alerting.
package status

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"barkeeper/internal/models"
)

// Status is a job state.
type Status string

const (
	Running Status = "Running"
	Success Status = "Success"
	Fail    Status = "Fail"
)

// EventType distinguishes job events from per-unit outcomes.
type EventType string

const (
	EventJob     EventType = "job"
	EventOutcome EventType = "outcome"
)

// Event is what every sink receives.
type Event struct {
	Type      EventType            `json:"type"`
	Job       string               `json:"job,omitempty"`
	Status    Status               `json:"status,omitempty"`
	Details   string               `json:"details,omitempty"`
	Outcome   *models.FetchOutcome `json:"outcome,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// Key is the partition key for the event: the job name or the outcome's symbol.
func (e Event) Key() string {
	if e.Outcome != nil {
		return e.Outcome.Symbol.String()
	}
	return e.Job
}

// Sink is one destination for status events.
type Sink interface {
	Name() string
	Send(ctx context.Context, e Event) error
	Close() error
}

// Reporter fans events out to every sink. Sink failures are logged and never
// returned, so reporting cannot fail a run.
type Reporter struct {
	sinks  []Sink
	logger zerolog.Logger
	now    func() time.Time
	mu     sync.RWMutex
}

// NewReporter creates a reporter over sinks.
func NewReporter(logger zerolog.Logger, sinks ...Sink) *Reporter {
	return &Reporter{
		sinks:  sinks,
		logger: logger.With().Str("component", "status").Logger(),
		now:    time.Now,
	}
}

// AddSink registers another sink.
func (r *Reporter) AddSink(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, s)
}

// Sinks returns the names of the registered sinks.
func (r *Reporter) Sinks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.sinks))
	for i, s := range r.sinks {
		names[i] = s.Name()
	}
	return names
}

// Report publishes a job state.
func (r *Reporter) Report(ctx context.Context, job string, status Status, details string) {
	if r == nil {
		return
	}
	r.publish(ctx, Event{
		Type:      EventJob,
		Job:       job,
		Status:    status,
		Details:   details,
		Timestamp: r.now().UTC(),
	})
}

// ReportOutcome publishes one unit's outcome.
func (r *Reporter) ReportOutcome(ctx context.Context, o models.FetchOutcome) {
	if r == nil {
		return
	}
	r.publish(ctx, Event{
		Type:      EventOutcome,
		Job:       fmt.Sprintf("%s:%s", o.Symbol, o.Granularity),
		Status:    outcomeStatus(o),
		Details:   o.Reason,
		Outcome:   &o,
		Timestamp: r.now().UTC(),
	})
}

func outcomeStatus(o models.FetchOutcome) Status {
	if o.Succeeded() {
		return Success
	}
	return Fail
}

func (r *Reporter) publish(ctx context.Context, e Event) {
	r.mu.RLock()
	sinks := r.sinks
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range sinks {
		wg.Add(1)
		go func(s Sink) {
			defer wg.Done()
			if err := s.Send(ctx, e); err != nil {
				r.logger.Warn().
					Err(err).
					Str("sink", s.Name()).
					Str("job", e.Job).
					Msg("Status sink failed")
			}
		}(s)
	}
	wg.Wait()
}

// Close closes every sink.
func (r *Reporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = fmt.Errorf("closing %s: %w", s.Name(), err)
		}
	}
	return first
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// Send implements Sink. Outcomes are logged at debug since the orchestrator
// already logs them.
func (s *LogSink) Send(ctx context.Context, e Event) error {
	event := s.logger.Info()
	switch {
	case e.Type == EventOutcome:
		event = s.logger.Debug()
	case e.Status == Fail:
		event = s.logger.Error()
	}
	event.
		Str("event", "status").
		Str("type", string(e.Type)).
		Str("job", e.Job).
		Str("status", string(e.Status)).
		Str("details", e.Details).
		Msg("Job status")
	return nil
}

// Close implements Sink.
func (s *LogSink) Close() error { return nil }
