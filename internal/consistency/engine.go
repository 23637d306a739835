// Package consistency measures the lending invariants against live data and
// runs experiments that stress them.
package consistency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var ErrSteadyStateInvalid = errors.New("steady state invalid - aborting experiment")

// Experiment checks that the system keeps a hypothesis while Method runs.
type Experiment struct {
	Name        string
	Hypothesis  string
	SteadyState []Metric
	Method      []Action
	Validation  []Assertion
	Samples     int
	Interval    time.Duration
}

// Metric defines a measurable system property
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

// Action is one step of load applied during an experiment.
type Action struct {
	Type    string
	Target  string
	Execute func(context.Context) error
}

// Assertion validates experiment outcome
type Assertion struct {
	Metric    string
	Condition func(float64) bool
	Message   string
}

// Result captures experiment execution data
type Result struct {
	ExperimentName   string                 `json:"experiment_name"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	Duration         time.Duration          `json:"duration"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	Violations       []Violation            `json:"violations"`
	Observations     map[string][]DataPoint `json:"observations"`
	ErrorEvents      []ErrorEvent           `json:"error_events"`
	FailedAssertions []string               `json:"failed_assertions,omitempty"`
}

type Violation struct {
	MetricName string    `json:"metric_name"`
	Operator   string    `json:"operator"`
	Expected   float64   `json:"expected"`
	Actual     float64   `json:"actual"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func (v Violation) String() string {
	if v.Error != "" {
		return fmt.Sprintf("%s: query failed: %s", v.MetricName, v.Error)
	}
	return fmt.Sprintf("%s: expected %s %.0f, got %.0f", v.MetricName, v.Operator, v.Expected, v.Actual)
}

type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

// Engine runs invariant checks and experiments.
type Engine struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	results []Result
	mu      sync.Mutex
}

func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{
		tracer: otel.Tracer("booklibrary/consistency"),
		logger: logger,
	}
}

// Check evaluates every metric once and reports the ones out of bounds.
func (e *Engine) Check(ctx context.Context, metrics []Metric) (bool, []Violation) {
	ctx, span := e.tracer.Start(ctx, "consistency.check",
		trace.WithAttributes(attribute.Int("metrics", len(metrics))),
	)
	defer span.End()

	violations := make([]Violation, 0)
	for _, metric := range metrics {
		value, err := metric.Query(ctx)
		if err != nil {
			violations = append(violations, Violation{
				MetricName: metric.Name,
				Operator:   metric.Threshold.Operator,
				Expected:   metric.Threshold.Value,
				Actual:     -1,
				Error:      err.Error(),
				Timestamp:  time.Now(),
			})
			continue
		}

		if !evaluateThreshold(value, metric.Threshold) {
			violations = append(violations, Violation{
				MetricName: metric.Name,
				Operator:   metric.Threshold.Operator,
				Expected:   metric.Threshold.Value,
				Actual:     value,
				Timestamp:  time.Now(),
			})
		}
	}

	span.SetAttributes(attribute.Int("violations", len(violations)))
	return len(violations) == 0, violations
}

// Run executes an experiment: steady state, method, sampling, assertions.
func (e *Engine) Run(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "consistency.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)),
	)
	defer span.End()

	result := &Result{
		ExperimentName: exp.Name,
		StartTime:      time.Now(),
		Observations:   make(map[string][]DataPoint),
		ErrorEvents:    make([]ErrorEvent, 0),
	}

	span.AddEvent("validating_steady_state")
	if valid, violations := e.Check(ctx, exp.SteadyState); !valid {
		result.Violations = violations
		return result, ErrSteadyStateInvalid
	}
	result.SteadyStateValid = true

	span.AddEvent("applying_method")
	for _, action := range exp.Method {
		if err := action.Execute(ctx); err != nil {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
				Timestamp: time.Now(),
				Error:     err.Error(),
				Component: action.Target,
			})
			span.RecordError(err)
		}
	}

	span.AddEvent("observing_system")
	samples := exp.Samples
	if samples < 1 {
		samples = 1
	}
	for i := 0; i < samples; i++ {
		if i > 0 && exp.Interval > 0 {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(exp.Interval):
			}
		}
		e.sample(ctx, exp.SteadyState, result)
	}

	span.AddEvent("validating_assertions")
	result.FailedAssertions = validateAssertions(exp.Validation, result)
	result.HypothesisHeld = len(result.FailedAssertions) == 0 && len(result.Violations) == 0
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	e.mu.Lock()
	e.results = append(e.results, *result)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	e.logger.InfoContext(ctx, "experiment finished",
		"experiment", exp.Name,
		"hypothesis_held", result.HypothesisHeld,
		"violations", len(result.Violations),
		"duration", result.Duration)

	return result, nil
}

// Results returns the results of every experiment run so far.
func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.results...)
}

func (e *Engine) sample(ctx context.Context, metrics []Metric, result *Result) {
	for _, metric := range metrics {
		value, err := metric.Query(ctx)
		if err != nil {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
				Timestamp: time.Now(),
				Error:     err.Error(),
				Component: metric.Name,
			})
			continue
		}

		result.Observations[metric.Name] = append(
			result.Observations[metric.Name],
			DataPoint{Timestamp: time.Now(), Value: value},
		)

		if !evaluateThreshold(value, metric.Threshold) {
			result.Violations = append(result.Violations, Violation{
				MetricName: metric.Name,
				Operator:   metric.Threshold.Operator,
				Expected:   metric.Threshold.Value,
				Actual:     value,
				Timestamp:  time.Now(),
			})
		}
	}
}

func evaluateThreshold(value float64, threshold Threshold) bool {
	switch threshold.Operator {
	case ">":
		return value > threshold.Value
	case "<":
		return value < threshold.Value
	case ">=":
		return value >= threshold.Value
	case "<=":
		return value <= threshold.Value
	case "==":
		return value == threshold.Value
	default:
		return false
	}
}

// validateAssertions returns the messages of the assertions that failed on
// the final observation of their metric.
func validateAssertions(assertions []Assertion, result *Result) []string {
	var failed []string
	for _, assertion := range assertions {
		observations := result.Observations[assertion.Metric]
		if len(observations) == 0 {
			failed = append(failed, assertion.Message+" (no observations)")
			continue
		}

		finalValue := observations[len(observations)-1].Value
		if !assertion.Condition(finalValue) {
			failed = append(failed, assertion.Message)
		}
	}
	return failed
}
