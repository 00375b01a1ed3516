package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/changeflow/changeflow/pkg/engine"
	"github.com/changeflow/changeflow/pkg/telemetry"
)

// Error makes a violation usable as an error.
func (v Violation) Error() string {
	if v.ChangeID == "" {
		return fmt.Sprintf("%s: %s", v.Policy, v.Message)
	}
	return fmt.Sprintf("%s [%s]: %s", v.Policy, v.ChangeID, v.Message)
}

// Gate reviews plans against the policy engine. It implements engine.PlanGate.
type Gate struct {
	engine      *Engine
	environment string
	hostname    string

	mu   sync.Mutex
	last *Result
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithEnvironment sets the environment passed to policies.
func WithEnvironment(env string) GateOption {
	return func(g *Gate) { g.environment = env }
}

// WithHostname sets the hostname passed to policies.
func WithHostname(h string) GateOption {
	return func(g *Gate) { g.hostname = h }
}

// NewGate creates a gate backed by e.
func NewGate(e *Engine, opts ...GateOption) *Gate {
	g := &Gate{engine: e}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

var _ engine.PlanGate = (*Gate)(nil)

// Review evaluates the plan and rejects it when any violation blocks.
func (g *Gate) Review(ctx context.Context, pipeline *engine.Pipeline, plan *engine.Plan) (err error) {
	op := telemetry.StartOperation(ctx, "policy.review")
	defer func() { op.End(err) }()

	input := NewInput(pipeline, plan, &Context{
		Environment: g.environment,
		Hostname:    g.hostname,
		Timestamp:   time.Now(),
	})

	result, err := g.engine.Evaluate(op.Ctx, input)
	if err != nil {
		return engine.NewConfigurationError("policy evaluation failed", err).WithCode(engine.ErrCodePolicyDenied)
	}

	g.mu.Lock()
	g.last = result
	g.mu.Unlock()

	metrics := telemetry.MetricsFromContext(ctx)
	events := telemetry.EventsFromContext(ctx)
	for _, v := range result.Violations {
		logger := op.Logger.WithFields(map[string]interface{}{
			"policy":    v.Policy,
			"change_id": v.ChangeID,
			"severity":  string(v.Severity),
		})
		if v.Severity.Blocks() {
			logger.Error(v.Message)
		} else {
			logger.Warn(v.Message)
		}

		metrics.RecordPolicyViolation(v.Policy, string(v.Severity))
		if events != nil {
			if perr := events.PublishPolicyViolation(v.ChangeID, v.Policy, v.Message); perr != nil {
				op.Logger.WithError(perr).Warn("Failed to publish policy violation")
			}
		}
	}
	for _, w := range result.Warnings {
		op.Logger.Warn(w)
	}

	if result.Allowed {
		op.Logger.Debugf("Plan passed %d policies", len(result.EvaluatedPolicies))
		return nil
	}

	blocking := result.Blocking()
	errs := make([]error, 0, len(blocking))
	for _, v := range blocking {
		errs = append(errs, v)
	}
	return engine.NewConfigurationError("plan rejected by policy", errors.Join(errs...)).
		WithCode(engine.ErrCodePolicyDenied).
		WithDetail("violations", len(blocking))
}

// LastResult returns the result of the most recent review, or nil.
func (g *Gate) LastResult() *Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}
