package main

import (
	"net/http"
	"time"

	"aegis/pkg/audit"
	"aegis/pkg/auth"
	"aegis/pkg/config"
	"aegis/pkg/fraud"
	"aegis/pkg/httpx"
	"aegis/pkg/metrics"
	"aegis/pkg/policy"
	"aegis/pkg/ratelimit"
	"aegis/pkg/rebind"
	"aegis/pkg/registry"
	"aegis/pkg/stream"
	"aegis/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

type Server struct {
	Config    config.Config
	Log       zerolog.Logger
	Metrics   *metrics.Registry
	Registry  *registry.Registry
	Validator *auth.Validator
	Engine    *policy.Engine
	Policies  policyStore
	Rebind    *rebind.Workflow
	OTP       rebind.OTPVerifier
	Profiles  profileStore
	Bindings  bindingStore
	Trail     audit.Trail
	Fraud     *fraud.Service
	Limiter   ratelimit.Limiter
	Events    *stream.Hub
}

func (s *Server) headerNames() auth.HeaderNames {
	return auth.HeaderNames{
		Signature: s.Config.HeaderSignature,
		DeviceID:  s.Config.HeaderDeviceID,
		Timestamp: s.Config.HeaderTimestamp,
		Nonce:     s.Config.HeaderNonce,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware(serviceName))
	r.Use(s.limitRequestBodyMiddleware)
	r.Use(s.metricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": serviceName})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	r.Post("/v1/devices/register", s.register)
	r.Post("/v1/signatures/validate", s.validateSignature)
	r.Post("/v1/policies/{clientId}/evaluate", s.evaluatePolicy)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.Validator,
			auth.WithHeaderNames(s.headerNames()),
			auth.WithMaxBodyBytes(s.Config.MaxRequestBodyBytes),
		))
		r.Post("/v1/devices/rebind", s.rebindDevice)
		r.Get("/v1/devices/self", s.deviceSelf)
	})

	r.Group(func(r chi.Router) {
		r.Use(httpx.BearerTokenMiddleware(s.Config.AdminToken))
		r.Get("/v1/stream", stream.Handler(s.Events, stream.OriginPatterns(s.Config.StreamOrigins)))
		r.Post("/v1/fraud/reports", s.reportFraud)
		r.Get("/v1/fraud/stats", s.fraudStats)

		r.Post("/v1/admin/keys", s.issueKey)
		r.Get("/v1/admin/keys", s.listKeys)
		r.Post("/v1/admin/keys/{clientId}/revoke", s.revokeKey)
		r.Post("/v1/admin/keys/{clientId}/regenerate", s.regenerateKey)
		r.Post("/v1/admin/otp/{user}", s.issueOTP)
		r.Put("/v1/admin/profiles/{user}", s.enrollProfile)
		r.Post("/v1/admin/bindings/{user}/require-rebind", s.requireRebind)
		r.Get("/v1/admin/rebinds/{user}", s.rebindHistory)
		r.Put("/v1/admin/policies/{clientId}", s.savePolicy)
	})
	return r
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Config.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.Config.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware records per route pattern so path parameters do not
// explode the endpoint map.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(started)
		s.Metrics.Observe(r.Method+" "+route, status, elapsed)
		s.Metrics.ObserveLatency(route, elapsed)
	})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.Log.Error().Err(err).Str("op", op).Msg("request failed")
	httpx.Error(w, http.StatusServiceUnavailable, "service unavailable")
}
