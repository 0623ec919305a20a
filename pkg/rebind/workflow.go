// Package rebind moves a user's trust to a new device after the user proves
// identity again. Every attempt except an idempotent resubmission leaves a
// rebinding log entry.
package rebind

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"aegis/pkg/audit"
	"aegis/pkg/metrics"
	"aegis/pkg/models"
	"aegis/pkg/policy"
	"aegis/pkg/ratelimit"
	"aegis/pkg/registry"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrInvalidRequest     = errors.New("invalid rebinding request")
	ErrVerificationFailed = errors.New("identity verification failed")
	ErrPolicyBlocked      = errors.New("rebinding blocked by policy")
)

const (
	DefaultVerifierTimeout = 10 * time.Second
	DefaultFailureLimit    = 5
)

// Devices is the registry surface the workflow needs.
type Devices interface {
	GetActive(ctx context.Context, deviceID string) (*models.Device, error)
	Deactivate(ctx context.Context, deviceID, reason string) error
}

// Evaluator gates rebinding on the client's policies.
type Evaluator interface {
	Evaluate(ctx context.Context, clientID string, evalCtx map[string]any) (policy.Decision, error)
}

type Request struct {
	User        string
	NewDeviceID string
	Method      Method
	Evidence    Evidence
	// ClientID selects the policies evaluated before verification.
	ClientID  string
	IPAddress string
	UserAgent string
}

type Outcome struct {
	Success       bool                    `json:"success"`
	AlreadyBound  bool                    `json:"alreadyBound,omitempty"`
	User          string                  `json:"user"`
	OldDeviceID   string                  `json:"oldDeviceId,omitempty"`
	NewDeviceID   string                  `json:"newDeviceId"`
	Method        Method                  `json:"verificationMethod"`
	FailureReason string                  `json:"failureReason,omitempty"`
	Enforcement   models.EnforcementLevel `json:"enforcementLevel,omitempty"`
}

type Workflow struct {
	devices      Devices
	bindings     Bindings
	trail        audit.Sink
	verifiers    map[Method]Verifier
	otp          Verifier
	policies     Evaluator
	events       registry.EventSink
	failures     ratelimit.Limiter
	failureLimit int
	timeout      time.Duration
	now          func() time.Time
	log          zerolog.Logger
	metrics      *metrics.Registry
	tracer       trace.Tracer
}

type Option func(*Workflow)

func WithVerifier(m Method, v Verifier) Option {
	return func(w *Workflow) { w.verifiers[m] = v }
}

// WithOTP sets the verifier used when policy demands a step-up.
func WithOTP(v Verifier) Option { return func(w *Workflow) { w.otp = v } }

func WithPolicy(e Evaluator) Option { return func(w *Workflow) { w.policies = e } }

// WithEventSink receives a device.rebound event after each successful bind.
func WithEventSink(s registry.EventSink) Option { return func(w *Workflow) { w.events = s } }

func WithFailureLimiter(l ratelimit.Limiter, limit int) Option {
	return func(w *Workflow) {
		w.failures = l
		if limit > 0 {
			w.failureLimit = limit
		}
	}
}

func WithVerifierTimeout(d time.Duration) Option {
	return func(w *Workflow) {
		if d > 0 {
			w.timeout = d
		}
	}
}

func WithClock(now func() time.Time) Option { return func(w *Workflow) { w.now = now } }

func WithLogger(l zerolog.Logger) Option { return func(w *Workflow) { w.log = l } }

func WithMetrics(m *metrics.Registry) Option { return func(w *Workflow) { w.metrics = m } }

func New(devices Devices, bindings Bindings, trail audit.Sink, opts ...Option) *Workflow {
	w := &Workflow{
		devices:      devices,
		bindings:     bindings,
		trail:        trail,
		verifiers:    map[Method]Verifier{},
		failures:     ratelimit.NewInMemory(time.Hour),
		failureLimit: DefaultFailureLimit,
		timeout:      DefaultVerifierTimeout,
		now:          func() time.Time { return time.Now().UTC() },
		log:          zerolog.Nop(),
		tracer:       otel.Tracer("aegis/rebind"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func failureKey(user string) string { return "rebind-fail:" + user }

// FailedAttempts is the number of failed attempts in the current window.
func (w *Workflow) FailedAttempts(ctx context.Context, user string) int {
	return w.failures.Peek(ctx, failureKey(user))
}

// Rebind runs one attempt. Verification and policy refusals return the
// outcome together with ErrVerificationFailed or ErrPolicyBlocked; any other
// error is a storage or provider failure and nothing was changed.
func (w *Workflow) Rebind(ctx context.Context, req Request) (Outcome, error) {
	req.User = strings.TrimSpace(req.User)
	req.NewDeviceID = strings.TrimSpace(req.NewDeviceID)
	req.Method = Method(strings.ToUpper(strings.TrimSpace(string(req.Method))))
	out := Outcome{User: req.User, NewDeviceID: req.NewDeviceID, Method: req.Method}
	if req.User == "" || req.NewDeviceID == "" || req.Method == "" {
		return out, ErrInvalidRequest
	}
	verifier, ok := w.verifiers[req.Method]
	if !ok {
		return out, fmt.Errorf("%w: unsupported verification method %q", ErrInvalidRequest, req.Method)
	}

	ctx, span := w.tracer.Start(ctx, "rebind.Rebind", trace.WithAttributes(
		attribute.String("aegis.user", req.User),
		attribute.String("aegis.rebind.method", string(req.Method)),
	))
	defer span.End()

	binding, err := w.bindings.GetBinding(ctx, req.User)
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		return out, fmt.Errorf("load binding: %w", err)
	}
	if binding != nil {
		out.OldDeviceID = binding.DeviceID
	}

	stepUp := false
	if w.policies != nil && req.ClientID != "" {
		d, err := w.policies.Evaluate(ctx, req.ClientID, map[string]any{
			"failedAttempts":     w.FailedAttempts(ctx, req.User),
			"verificationMethod": string(req.Method),
		})
		if err != nil {
			return out, fmt.Errorf("evaluate rebinding policy: %w", err)
		}
		out.Enforcement = d.EnforcementLevel
		if d.EnforcementLevel == models.EnforcementBlock {
			return w.refuse(ctx, req, out, d.Message, ErrPolicyBlocked)
		}
		// an OTP attempt already consumed its code
		stepUp = d.RequiresMFA && req.Method != MethodOTP
	}

	res, err := w.verify(ctx, verifier, req)
	if err == nil && res.Passed && stepUp {
		if w.otp == nil {
			res = fail("additional authentication required")
		} else {
			res, err = w.verify(ctx, w.otp, req)
		}
	}
	if err != nil {
		return out, err
	}
	if !res.Passed {
		return w.refuse(ctx, req, out, res.Reason, ErrVerificationFailed)
	}

	if binding != nil && binding.DeviceID == req.NewDeviceID && !binding.RequiresRebinding {
		out.Success = true
		out.AlreadyBound = true
		out.OldDeviceID = ""
		return out, nil
	}

	dev, err := w.devices.GetActive(ctx, req.NewDeviceID)
	if err != nil {
		if errors.Is(err, registry.ErrDeviceNotFound) || errors.Is(err, registry.ErrDeviceInactive) {
			return w.refuse(ctx, req, out, "new device not registered or inactive", ErrVerificationFailed)
		}
		return out, err
	}

	now := w.now()
	if err := w.bindings.Bind(ctx, req.User, req.NewDeviceID, now); err != nil {
		return out, fmt.Errorf("bind device: %w", err)
	}
	if old := out.OldDeviceID; old != "" && old != req.NewDeviceID {
		if err := w.devices.Deactivate(ctx, old, "rebound to "+req.NewDeviceID); err != nil && !errors.Is(err, registry.ErrDeviceNotFound) {
			w.log.Error().Err(err).Str("user", req.User).Str("device_id", old).Msg("old device not deactivated")
		}
	}
	if err := w.failures.Reset(ctx, failureKey(req.User)); err != nil {
		w.log.Warn().Err(err).Str("user", req.User).Msg("failure counter not reset")
	}
	out.Success = true
	w.record(ctx, req, out, now)
	if w.events != nil {
		evt := models.DeviceEvent{Type: models.DeviceEventRebound, DeviceID: req.NewDeviceID, ClientID: dev.ClientID, At: now}
		if out.OldDeviceID != "" {
			evt.Reason = "rebound from " + out.OldDeviceID
		}
		w.events.DeviceEvent(ctx, evt)
	}
	w.log.Info().Str("user", req.User).Str("old_device_id", out.OldDeviceID).
		Str("new_device_id", req.NewDeviceID).Str("method", string(req.Method)).Msg("device rebound")
	return out, nil
}

// verify bounds the verifier with the configured timeout. Running out of time
// is a failed verification.
func (w *Workflow) verify(ctx context.Context, v Verifier, req Request) (Result, error) {
	vctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	type answer struct {
		res Result
		err error
	}
	done := make(chan answer, 1)
	go func() {
		res, err := v.Verify(vctx, req.User, req.Evidence)
		done <- answer{res, err}
	}()
	select {
	case a := <-done:
		if a.err != nil && vctx.Err() != nil && ctx.Err() == nil {
			return fail("verification timed out"), nil
		}
		return a.res, a.err
	case <-vctx.Done():
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return fail("verification timed out"), nil
	}
}

func (w *Workflow) refuse(ctx context.Context, req Request, out Outcome, reason string, cause error) (Outcome, error) {
	out.FailureReason = reason
	w.failures.Allow(ctx, failureKey(req.User), w.failureLimit)
	w.record(ctx, req, out, w.now())
	w.log.Warn().Str("user", req.User).Str("new_device_id", req.NewDeviceID).
		Str("method", string(req.Method)).Str("reason", reason).Msg("device rebinding refused")
	return out, fmt.Errorf("%w: %s", cause, reason)
}

func (w *Workflow) record(ctx context.Context, req Request, out Outcome, at time.Time) {
	if w.metrics != nil {
		outcome := "failure"
		if out.Success {
			outcome = "success"
		}
		w.metrics.IncRebind(outcome)
	}
	if w.trail == nil {
		return
	}
	err := w.trail.AppendRebind(ctx, models.DeviceRebindingLog{
		User:               req.User,
		OldDeviceID:        out.OldDeviceID,
		NewDeviceID:        req.NewDeviceID,
		VerificationMethod: string(req.Method),
		IPAddress:          req.IPAddress,
		UserAgent:          req.UserAgent,
		Success:            out.Success,
		FailureReason:      out.FailureReason,
		CreatedAt:          at,
	})
	if err != nil {
		w.log.Error().Err(err).Str("user", req.User).Msg("rebinding log not written")
	}
}
