package auth

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"aegis/pkg/httpx"
	"aegis/pkg/identity"
	"aegis/pkg/models"
)

// HeaderNames configures which request headers carry the signing credentials.
type HeaderNames struct {
	Signature string
	DeviceID  string
	Timestamp string
	Nonce     string
}

func DefaultHeaderNames() HeaderNames {
	return HeaderNames{
		Signature: "X-Signature",
		DeviceID:  "X-Device-Id",
		Timestamp: "X-Timestamp",
		Nonce:     "X-Nonce",
	}
}

func (h HeaderNames) withDefaults() HeaderNames {
	d := DefaultHeaderNames()
	if strings.TrimSpace(h.Signature) != "" {
		d.Signature = h.Signature
	}
	if strings.TrimSpace(h.DeviceID) != "" {
		d.DeviceID = h.DeviceID
	}
	if strings.TrimSpace(h.Timestamp) != "" {
		d.Timestamp = h.Timestamp
	}
	if strings.TrimSpace(h.Nonce) != "" {
		d.Nonce = h.Nonce
	}
	return d
}

// CredentialsFromRequest reads the signing headers.
func (h HeaderNames) CredentialsFromRequest(r *http.Request) Credentials {
	return Credentials{
		Signature: strings.TrimSpace(r.Header.Get(h.Signature)),
		DeviceID:  strings.TrimSpace(r.Header.Get(h.DeviceID)),
		Timestamp: strings.TrimSpace(r.Header.Get(h.Timestamp)),
		Nonce:     strings.TrimSpace(r.Header.Get(h.Nonce)),
	}
}

type contextKey string

const deviceContextKey contextKey = "aegis.device"

func WithDevice(ctx context.Context, d models.Device) context.Context {
	return context.WithValue(ctx, deviceContextKey, d)
}

// DeviceFromContext returns the device authenticated by Middleware.
func DeviceFromContext(ctx context.Context) (models.Device, bool) {
	v := ctx.Value(deviceContextKey)
	if v == nil {
		return models.Device{}, false
	}
	d, ok := v.(models.Device)
	return d, ok
}

type MiddlewareConfig struct {
	Headers      HeaderNames
	MaxBodyBytes int64
}

type MiddlewareOption func(*MiddlewareConfig)

func WithHeaderNames(h HeaderNames) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.Headers = h.withDefaults() }
}

func WithMaxBodyBytes(n int64) MiddlewareOption {
	return func(cfg *MiddlewareConfig) {
		if n > 0 {
			cfg.MaxBodyBytes = n
		}
	}
}

// Middleware rejects requests that fail signature validation. The body is
// hashed as received and handed on unchanged.
func Middleware(v *Validator, options ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := MiddlewareConfig{Headers: DefaultHeaderNames(), MaxBodyBytes: 1 << 20}
	for _, opt := range options {
		opt(&cfg)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body []byte
			if r.Body != nil {
				var err error
				body, err = io.ReadAll(io.LimitReader(r.Body, cfg.MaxBodyBytes+1))
				_ = r.Body.Close()
				if err != nil {
					httpx.Error(w, http.StatusBadRequest, "unreadable body")
					return
				}
				if int64(len(body)) > cfg.MaxBodyBytes {
					httpx.Error(w, http.StatusRequestEntityTooLarge, "body too large")
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
			}
			device, err := v.Validate(r.Context(), Request{
				Credentials: cfg.Headers.CredentialsFromRequest(r),
				Method:      r.Method,
				Path:        r.URL.Path,
				BodyHash:    identity.BodyHash(body),
			})
			if err != nil {
				WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithDevice(r.Context(), *device)))
		})
	}
}

// WriteError maps validation errors to a response that reveals no reason.
func WriteError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrUnauthorized) {
		httpx.Error(w, http.StatusUnauthorized, ErrUnauthorized.Error())
		return
	}
	httpx.Error(w, http.StatusServiceUnavailable, "service unavailable")
}
