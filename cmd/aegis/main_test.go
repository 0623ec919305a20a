package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"aegis/pkg/config"
	"aegis/pkg/models"

	"github.com/rs/zerolog"
)

func noTelemetry(context.Context, string, zerolog.Logger) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func memoryEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AEGIS_ADDR", "127.0.0.1:0")
	t.Setenv("AEGIS_STORE_BACKEND", "memory")
	t.Setenv("AEGIS_NONCE_BACKEND", "memory")
	t.Setenv("AEGIS_SEED_CLIENTS", "uco-bank")
	t.Setenv("AEGIS_KAFKA_BROKERS", "")
}

// TestMainDirect tests main() by overriding the package variables.
func TestMainDirect(t *testing.T) {
	origLogFatalf := logFatalf
	origInitTelemetry := initTelemetryFn
	origOpen := openBackendsFn
	origListen := listenFn
	defer func() {
		logFatalf = origLogFatalf
		initTelemetryFn = origInitTelemetry
		openBackendsFn = origOpen
		listenFn = origListen
	}()

	t.Run("main success path", func(t *testing.T) {
		memoryEnv(t)
		fatalCalled := false
		logFatalf = func(format string, args ...any) { fatalCalled = true }
		initTelemetryFn = noTelemetry
		openBackendsFn = openBackends
		listenFn = func(server *http.Server) error { return nil }

		main()

		if fatalCalled {
			t.Fatal("logFatalf should not be called on success")
		}
	})

	t.Run("main error path calls logFatalf", func(t *testing.T) {
		memoryEnv(t)
		fatalCalled := false
		logFatalf = func(format string, args ...any) { fatalCalled = true }
		initTelemetryFn = func(context.Context, string, zerolog.Logger) (func(context.Context) error, error) {
			return nil, errors.New("telemetry init failed")
		}

		main()

		if !fatalCalled {
			t.Fatal("logFatalf should be called on error")
		}
	})
}

func TestRunEdges(t *testing.T) {
	t.Run("config error", func(t *testing.T) {
		memoryEnv(t)
		t.Setenv("AEGIS_STORE_BACKEND", "sqlite")
		if err := run(testContext(t), "", noTelemetry, nil, nil); err == nil {
			t.Fatal("expected config error")
		}
	})

	t.Run("missing config file", func(t *testing.T) {
		memoryEnv(t)
		if err := run(testContext(t), filepath.Join(t.TempDir(), "absent.yaml"), noTelemetry, nil, nil); err == nil {
			t.Fatal("expected error for explicit missing config file")
		}
	})

	t.Run("production hardening", func(t *testing.T) {
		memoryEnv(t)
		t.Setenv("AEGIS_ENVIRONMENT", "production")
		t.Setenv("AEGIS_STRICT_PROD_SECURITY", "true")
		if err := run(testContext(t), "", noTelemetry, nil, nil); err == nil {
			t.Fatal("expected hardening error")
		}
	})

	t.Run("backend error", func(t *testing.T) {
		memoryEnv(t)
		err := run(testContext(t), "", noTelemetry,
			func(context.Context, config.Config, zerolog.Logger) (*backends, error) {
				return nil, errors.New("db down")
			}, nil)
		if err == nil || err.Error() != "db down" {
			t.Fatalf("expected backend error, got %v", err)
		}
	})

	t.Run("listen error", func(t *testing.T) {
		memoryEnv(t)
		err := run(testContext(t), "", noTelemetry, nil, func(*http.Server) error {
			return errors.New("address in use")
		})
		if err == nil {
			t.Fatal("expected listen error")
		}
	})

	t.Run("server closed is clean", func(t *testing.T) {
		memoryEnv(t)
		err := run(testContext(t), "", noTelemetry, nil, func(*http.Server) error {
			return http.ErrServerClosed
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestRunServesRoutes(t *testing.T) {
	memoryEnv(t)
	cfgFile := filepath.Join(t.TempDir(), "aegis.yaml")
	if err := os.WriteFile(cfgFile, []byte("admin_token: from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var captured *http.Server
	var closed bool
	err := run(testContext(t), cfgFile, noTelemetry,
		func(ctx context.Context, cfg config.Config, log zerolog.Logger) (*backends, error) {
			if cfg.AdminToken != "from-file" {
				t.Errorf("admin token = %q", cfg.AdminToken)
			}
			b, err := openBackends(ctx, cfg, log)
			if err != nil {
				return nil, err
			}
			inner := b.Close
			b.Close = func() { closed = true; inner() }
			return b, nil
		},
		func(server *http.Server) error {
			captured = server
			return nil
		})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !closed {
		t.Fatal("backends should be closed when run returns")
	}
	if captured == nil || captured.Addr != "127.0.0.1:0" {
		t.Fatalf("unexpected server %+v", captured)
	}

	rec := httptest.NewRecorder()
	captured.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	captured.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/policies/uco-bank/evaluate",
		strings.NewReader(`{"device":{"isRooted":true}}`)))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"enforcementLevel":"BLOCK"`) {
		t.Fatalf("seeded policies not served: %d %s", rec.Code, rec.Body.String())
	}
}

func TestSeedPoliciesSkipsConfiguredClients(t *testing.T) {
	cfg := testConfig()
	b, err := openBackends(testContext(t), cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	custom := models.Policy{ID: "p-1", ClientID: "uco-bank", Name: "custom", EnforcementLevel: models.EnforcementWarn, IsActive: true}
	if err := b.Policies.SavePolicy(testContext(t), custom); err != nil {
		t.Fatal(err)
	}
	if err := seedPolicies(testContext(t), b.Policies, []string{"uco-bank", "sbi"}, zerolog.Nop()); err != nil {
		t.Fatal(err)
	}
	ucb, _ := b.Policies.ActivePolicies(testContext(t), "uco-bank")
	if len(ucb) != 1 || ucb[0].ID != "p-1" {
		t.Fatalf("existing policies should be kept, got %+v", ucb)
	}
	sbi, _ := b.Policies.ActivePolicies(testContext(t), "sbi")
	if len(sbi) == 0 {
		t.Fatal("expected reference policies for sbi")
	}
}

func TestLimiterWithoutRedis(t *testing.T) {
	l := limiter(nil, time.Minute, "x:")
	if l == nil {
		t.Fatal("expected in-memory limiter")
	}
	if d := l.Allow(testContext(t), "k", 1); !d.Allowed {
		t.Fatal("first call should be allowed")
	}
	if d := l.Allow(testContext(t), "k", 1); d.Allowed {
		t.Fatal("second call should be limited")
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.DeviceEvent
}

func (r *recordingSink) DeviceEvent(_ context.Context, evt models.DeviceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func TestMultiSinkFansOut(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	multiSink{a, b}.DeviceEvent(context.Background(), models.DeviceEvent{Type: models.DeviceEventRegistered, DeviceID: "dev_1"})
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("expected both sinks to see the event: %d %d", len(a.events), len(b.events))
	}
}
