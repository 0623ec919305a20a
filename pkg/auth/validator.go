package auth

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"aegis/pkg/identity"
	"aegis/pkg/metrics"
	"aegis/pkg/models"
	"aegis/pkg/registry"
	"aegis/pkg/store"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultTolerance = 5 * time.Minute

	maxDeviceIDLen     = 255
	maxSignatureLen    = 512
	maxStringToSignLen = 2048
)

// DeviceSource is the slice of the registry the validator needs.
type DeviceSource interface {
	GetActive(ctx context.Context, deviceID string) (*models.Device, error)
	TouchLastSeen(ctx context.Context, deviceID string) error
}

// Credentials are the raw signing headers of a request.
type Credentials struct {
	Signature string
	DeviceID  string
	Timestamp string
	Nonce     string
}

func (c Credentials) complete() bool {
	return strings.TrimSpace(c.Signature) != "" &&
		strings.TrimSpace(c.DeviceID) != "" &&
		strings.TrimSpace(c.Timestamp) != "" &&
		strings.TrimSpace(c.Nonce) != ""
}

// Request is what the server observed, not what the client claims.
type Request struct {
	Credentials
	Method   string
	Path     string
	BodyHash string
}

type Validator struct {
	devices   DeviceSource
	replay    *ReplayGuard
	tolerance time.Duration
	now       func() time.Time
	log       zerolog.Logger
	metrics   *metrics.Registry
	tracer    trace.Tracer
}

type ValidatorOption func(*Validator)

func WithTolerance(d time.Duration) ValidatorOption {
	return func(v *Validator) {
		if d > 0 {
			v.tolerance = d
		}
	}
}

func WithNow(now func() time.Time) ValidatorOption {
	return func(v *Validator) { v.now = now }
}

func WithLogger(l zerolog.Logger) ValidatorOption {
	return func(v *Validator) { v.log = l }
}

func WithMetrics(m *metrics.Registry) ValidatorOption {
	return func(v *Validator) { v.metrics = m }
}

// NewValidator keeps nonces for twice the tolerance: a request stamped at the
// far future edge stays acceptable that long.
func NewValidator(devices DeviceSource, nonces store.Cache, opts ...ValidatorOption) *Validator {
	v := &Validator{
		devices:   devices,
		tolerance: DefaultTolerance,
		now:       time.Now,
		log:       zerolog.Nop(),
		tracer:    otel.Tracer("aegis/auth"),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.replay = NewReplayGuard(nonces, 2*v.tolerance)
	return v
}

func (v *Validator) Tolerance() time.Duration { return v.tolerance }

// Validate runs the checks in order and stops at the first failure. On
// success the device's last-seen time is updated.
func (v *Validator) Validate(ctx context.Context, req Request) (*models.Device, error) {
	ctx, span := v.tracer.Start(ctx, "auth.Validate")
	defer span.End()
	started := v.now()

	device, reason, err := v.validate(ctx, req)
	v.observe(span, req.DeviceID, reason, err, started)
	return device, err
}

// ValidateStringToSign checks a pre-built canonical string signed by the
// device, applying the same window and replay rules.
func (v *Validator) ValidateStringToSign(ctx context.Context, deviceID, signature, stringToSign string) (*models.Device, error) {
	ctx, span := v.tracer.Start(ctx, "auth.ValidateStringToSign")
	defer span.End()
	started := v.now()

	if strings.TrimSpace(deviceID) == "" || strings.TrimSpace(signature) == "" || strings.TrimSpace(stringToSign) == "" {
		v.observe(span, deviceID, ReasonMissingCredentials, reject(ReasonMissingCredentials), started)
		return nil, reject(ReasonMissingCredentials)
	}
	if len(stringToSign) > maxStringToSignLen {
		v.observe(span, deviceID, ReasonMalformedStringToSign, reject(ReasonMalformedStringToSign), started)
		return nil, reject(ReasonMalformedStringToSign)
	}
	sc, err := ParseStringToSign(stringToSign)
	if err != nil {
		v.log.Debug().Err(err).Str("device_id", deviceID).Msg("malformed string to sign")
		v.observe(span, deviceID, ReasonMalformedStringToSign, reject(ReasonMalformedStringToSign), started)
		return nil, reject(ReasonMalformedStringToSign)
	}
	req := Request{
		Credentials: Credentials{
			Signature: signature,
			DeviceID:  deviceID,
			Timestamp: strconv.FormatInt(sc.TimestampMillis, 10),
			Nonce:     sc.Nonce,
		},
		Method:   sc.Method,
		Path:     sc.Path,
		BodyHash: sc.BodyHash,
	}
	device, reason, err := v.validate(ctx, req)
	v.observe(span, deviceID, reason, err, started)
	return device, err
}

func (v *Validator) validate(ctx context.Context, req Request) (*models.Device, Reason, error) {
	if !req.complete() || len(req.DeviceID) > maxDeviceIDLen || len(req.Signature) > maxSignatureLen {
		return nil, ReasonMissingCredentials, reject(ReasonMissingCredentials)
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(req.Timestamp), 10, 64)
	if err != nil {
		return nil, ReasonStaleOrFutureRequest, reject(ReasonStaleOrFutureRequest)
	}
	// compare in millis; time.Time.Sub saturates for far-off timestamps
	now, tol := v.now().UnixMilli(), v.tolerance.Milliseconds()
	if ts < now-tol || ts > now+tol {
		return nil, ReasonStaleOrFutureRequest, reject(ReasonStaleOrFutureRequest)
	}
	fresh, err := v.replay.Claim(ctx, req.DeviceID, req.Nonce)
	if err != nil {
		v.log.Error().Err(err).Str("device_id", req.DeviceID).Msg("nonce store unavailable")
		return nil, "", ErrUnavailable
	}
	if !fresh {
		return nil, ReasonReplayDetected, reject(ReasonReplayDetected)
	}
	device, err := v.devices.GetActive(ctx, req.DeviceID)
	switch {
	case errors.Is(err, registry.ErrDeviceNotFound), errors.Is(err, registry.ErrDeviceInactive):
		return nil, ReasonUnknownOrInactiveDevice, reject(ReasonUnknownOrInactiveDevice)
	case err != nil:
		v.log.Error().Err(err).Str("device_id", req.DeviceID).Msg("device store unavailable")
		return nil, "", ErrUnavailable
	}
	canonical := CanonicalString(models.SignatureContext{
		DeviceID:        req.DeviceID,
		Method:          req.Method,
		Path:            req.Path,
		TimestampMillis: ts,
		Nonce:           req.Nonce,
		BodyHash:        req.BodyHash,
	})
	if !identity.Verify(device.SecretKey, canonical, req.Signature) {
		return nil, ReasonSignatureMismatch, reject(ReasonSignatureMismatch)
	}
	if err := v.devices.TouchLastSeen(ctx, req.DeviceID); err != nil {
		v.log.Warn().Err(err).Str("device_id", req.DeviceID).Msg("last seen update failed")
	}
	return device, ReasonOK, nil
}

func (v *Validator) observe(span trace.Span, deviceID string, reason Reason, err error, started time.Time) {
	span.SetAttributes(attribute.String("aegis.device_id", deviceID))
	if errors.Is(err, ErrUnavailable) {
		span.SetStatus(codes.Error, "unavailable")
		v.incReason("UNAVAILABLE")
		return
	}
	span.SetAttributes(attribute.String("aegis.auth.reason", string(reason)))
	if v.metrics != nil {
		v.metrics.ObserveSignatureLatency(v.now().Sub(started))
	}
	v.incReason(string(reason))
	if err != nil {
		span.SetStatus(codes.Error, string(reason))
		v.log.Info().Str("device_id", deviceID).Str("reason", string(reason)).Msg("request signature rejected")
		return
	}
	v.log.Debug().Str("device_id", deviceID).Msg("request signature valid")
}

func (v *Validator) incReason(reason string) {
	if v.metrics != nil {
		v.metrics.IncReason(reason)
	}
}
