package auth_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"aegis/pkg/auth"
	"aegis/pkg/identity"
	"aegis/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signHTTP(t *testing.T, f *fixture, h auth.HeaderNames, method, path, nonce, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	sc := models.SignatureContext{
		Method:          method,
		Path:            req.URL.Path,
		TimestampMillis: fixedNow.UnixMilli(),
		Nonce:           nonce,
		BodyHash:        identity.BodyHash([]byte(body)),
	}
	req.Header.Set(h.Signature, identity.Sign(f.device.SecretKey, auth.CanonicalString(sc)))
	req.Header.Set(h.DeviceID, f.device.DeviceID)
	req.Header.Set(h.Timestamp, strconv.FormatInt(fixedNow.UnixMilli(), 10))
	req.Header.Set(h.Nonce, nonce)
	return req
}

func echoDevice(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, ok := auth.DeviceFromContext(r.Context())
		require.True(t, ok)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		w.Header().Set("X-Authenticated-Device", d.DeviceID)
		_, _ = w.Write(body)
	})
}

func TestMiddlewarePassesSignedRequest(t *testing.T) {
	f := newFixture(t)
	mw := auth.Middleware(f.validator())
	req := signHTTP(t, f, auth.DefaultHeaderNames(), http.MethodPost, "/v1/devices/rebind?trace=1", "mw-1", `{"user":"alice"}`)
	rr := httptest.NewRecorder()
	mw(echoDevice(t)).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, f.device.DeviceID, rr.Header().Get("X-Authenticated-Device"))
	assert.Equal(t, `{"user":"alice"}`, rr.Body.String())
}

func TestMiddlewareCustomHeaderNames(t *testing.T) {
	f := newFixture(t)
	h := auth.HeaderNames{Signature: "X-Aegis-Sig", DeviceID: "X-Aegis-Device"}
	mw := auth.Middleware(f.validator(), auth.WithHeaderNames(h))
	full := auth.HeaderNames{Signature: "X-Aegis-Sig", DeviceID: "X-Aegis-Device", Timestamp: "X-Timestamp", Nonce: "X-Nonce"}
	req := signHTTP(t, f, full, http.MethodGet, "/v1/devices/self", "mw-2", "")
	rr := httptest.NewRecorder()
	mw(echoDevice(t)).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestMiddlewareRejectsWithoutLeakingReason(t *testing.T) {
	f := newFixture(t)
	mw := auth.Middleware(f.validator())
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { t.Fatal("handler must not run") })

	replay := signHTTP(t, f, auth.DefaultHeaderNames(), http.MethodPost, "/v1/x", "dup", "{}")
	mw(echoDevice(t)).ServeHTTP(httptest.NewRecorder(), replay)

	cases := map[string]*http.Request{
		"unsigned": httptest.NewRequest(http.MethodGet, "/v1/devices/self", nil),
		"replay":   signHTTP(t, f, auth.DefaultHeaderNames(), http.MethodPost, "/v1/x", "dup", "{}"),
		"tampered": func() *http.Request {
			r := signHTTP(t, f, auth.DefaultHeaderNames(), http.MethodPost, "/v1/x", "t-1", `{"a":1}`)
			r.Body = io.NopCloser(strings.NewReader(`{"a":2}`))
			return r
		}(),
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			mw(next).ServeHTTP(rr, req)
			assert.Equal(t, http.StatusUnauthorized, rr.Code)
			assert.JSONEq(t, `{"error":"unauthorized"}`, rr.Body.String())
		})
	}
}

func TestMiddlewareBodyLimit(t *testing.T) {
	f := newFixture(t)
	mw := auth.Middleware(f.validator(), auth.WithMaxBodyBytes(8))
	req := signHTTP(t, f, auth.DefaultHeaderNames(), http.MethodPost, "/v1/x", "big", strings.Repeat("a", 32))
	rr := httptest.NewRecorder()
	mw(echoDevice(t)).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestMiddlewareStorageFailureIs503(t *testing.T) {
	f := newFixture(t)
	v := auth.NewValidator(f.registry, brokenCache{}, auth.WithNow(func() time.Time { return fixedNow }))
	req := signHTTP(t, f, auth.DefaultHeaderNames(), http.MethodGet, "/v1/devices/self", "n", "")
	rr := httptest.NewRecorder()
	auth.Middleware(v)(echoDevice(t)).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.NotContains(t, rr.Body.String(), "connection reset")
}

func TestDeviceFromContextEmpty(t *testing.T) {
	_, ok := auth.DeviceFromContext(context.Background())
	assert.False(t, ok)
}
