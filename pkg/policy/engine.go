// Package policy evaluates per-client rule sets against a request context and
// reduces the triggered rules to one enforcement decision.
package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"aegis/pkg/metrics"
	"aegis/pkg/models"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	MessageNoPolicies = "No policies configured"
	MessageSatisfied  = "All policies satisfied"
)

// Source loads the active policies of a client with their rules.
type Source interface {
	ActivePolicies(ctx context.Context, clientID string) ([]models.Policy, error)
}

// Triggered is one rule whose condition held.
type Triggered struct {
	PolicyID   string                  `json:"policy_id"`
	PolicyName string                  `json:"policy_name"`
	PolicyType models.PolicyType       `json:"policy_type"`
	Level      models.EnforcementLevel `json:"enforcement_level"`
	RuleID     string                  `json:"rule_id"`
	RuleName   string                  `json:"rule_name"`
	Priority   int                     `json:"priority"`
	Message    string                  `json:"message"`
}

type Decision struct {
	Allowed          bool                    `json:"allowed"`
	EnforcementLevel models.EnforcementLevel `json:"enforcementLevel"`
	Message          string                  `json:"message"`
	RequiresMFA      bool                    `json:"requiresMfa"`
	Triggered        []Triggered             `json:"triggered,omitempty"`

	winner int
}

// Winner is the triggered rule that decided the outcome.
func (d Decision) Winner() (Triggered, bool) {
	if d.winner <= 0 || d.winner > len(d.Triggered) {
		return Triggered{}, false
	}
	return d.Triggered[d.winner-1], true
}

// Observer sees every non-ALLOW decision.
type Observer func(ctx context.Context, clientID string, d Decision)

type Engine struct {
	source    Source
	log       zerolog.Logger
	metrics   *metrics.Registry
	observers []Observer
	tracer    trace.Tracer
}

type Option func(*Engine)

func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.log = l } }

func WithMetrics(m *metrics.Registry) Option { return func(e *Engine) { e.metrics = m } }

func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

func NewEngine(source Source, opts ...Option) *Engine {
	e := &Engine{source: source, log: zerolog.Nop(), tracer: otel.Tracer("aegis/policy")}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate only fails when the policy source does; malformed rules are logged
// and skipped.
func (e *Engine) Evaluate(ctx context.Context, clientID string, evalCtx map[string]any) (Decision, error) {
	ctx, span := e.tracer.Start(ctx, "policy.Evaluate", trace.WithAttributes(attribute.String("aegis.client_id", clientID)))
	defer span.End()

	policies, err := e.source.ActivePolicies(ctx, clientID)
	if err != nil {
		span.SetStatus(codes.Error, "source unavailable")
		return Decision{}, fmt.Errorf("load policies for %s: %w", clientID, err)
	}
	d := e.decide(clientID, policies, evalCtx)
	span.SetAttributes(
		attribute.String("aegis.policy.level", string(d.EnforcementLevel)),
		attribute.Int("aegis.policy.triggered", len(d.Triggered)),
	)
	if e.metrics != nil {
		e.metrics.IncDecision(string(d.EnforcementLevel))
	}
	if d.EnforcementLevel != models.EnforcementAllow {
		e.log.WithLevel(logLevel(d.EnforcementLevel)).
			Str("client_id", clientID).
			Str("level", string(d.EnforcementLevel)).
			Int("triggered", len(d.Triggered)).
			Msg(d.Message)
		for _, o := range e.observers {
			o(ctx, clientID, d)
		}
	}
	return d, nil
}

func logLevel(l models.EnforcementLevel) zerolog.Level {
	switch l {
	case models.EnforcementBlock, models.EnforcementRequireMFA:
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}

// SortRules returns the active rules, highest priority first, ties by ID.
func SortRules(rules []models.PolicyRule) []models.PolicyRule {
	out := make([]models.PolicyRule, 0, len(rules))
	for _, r := range rules {
		if r.IsActive {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (e *Engine) decide(clientID string, policies []models.Policy, evalCtx map[string]any) Decision {
	active := make([]models.Policy, 0, len(policies))
	for _, p := range policies {
		if p.IsActive {
			active = append(active, p)
		}
	}
	if len(active) == 0 {
		return Decision{Allowed: true, EnforcementLevel: models.EnforcementAllow, Message: MessageNoPolicies}
	}
	sort.SliceStable(active, func(i, j int) bool { return active[i].CreatedAt.Before(active[j].CreatedAt) })

	var triggered []Triggered
	for _, p := range active {
		if p.EnforcementLevel.Severity() == 0 {
			e.log.Error().Str("client_id", clientID).Str("policy_id", p.ID).
				Str("level", string(p.EnforcementLevel)).Msg("policy has unknown enforcement level, skipped")
			continue
		}
		for _, rule := range SortRules(p.Rules) {
			hit, err := e.evalRule(rule, evalCtx)
			if err != nil {
				e.log.Error().Err(err).Str("client_id", clientID).Str("policy_id", p.ID).
					Str("rule_id", rule.ID).Msg("rule skipped")
				continue
			}
			if hit {
				triggered = append(triggered, Triggered{
					PolicyID:   p.ID,
					PolicyName: p.Name,
					PolicyType: p.Type,
					Level:      p.EnforcementLevel,
					RuleID:     rule.ID,
					RuleName:   rule.Name,
					Priority:   rule.Priority,
					Message:    rule.ErrorMessage,
				})
			}
		}
	}
	if len(triggered) == 0 {
		return Decision{Allowed: true, EnforcementLevel: models.EnforcementAllow, Message: MessageSatisfied}
	}

	bi := 0
	for i, t := range triggered[1:] {
		best := triggered[bi]
		switch {
		case t.Level.Severity() > best.Level.Severity():
			bi = i + 1
		case t.Level.Severity() == best.Level.Severity() && t.Priority > best.Priority:
			bi = i + 1
		}
	}
	best := triggered[bi]
	return Decision{
		Allowed:          best.Level != models.EnforcementBlock && best.Level != models.EnforcementRequireMFA,
		EnforcementLevel: best.Level,
		Message:          best.Message,
		RequiresMFA:      best.Level == models.EnforcementRequireMFA,
		Triggered:        triggered,
		winner:           bi + 1,
	}
}

func (e *Engine) evalRule(rule models.PolicyRule, evalCtx map[string]any) (bool, error) {
	if strings.TrimSpace(rule.ConditionField) == "" {
		return false, fmt.Errorf("%w: rule %s has no condition field", ErrConfiguration, rule.ID)
	}
	actual, ok := Resolve(evalCtx, rule.ConditionField)
	if !ok {
		return false, nil
	}
	hit, err := Apply(rule.Operator, actual, rule.ConditionValue)
	if err != nil && !errors.Is(err, ErrConfiguration) {
		err = fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return hit, err
}
