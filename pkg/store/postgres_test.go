package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

func TestValidatePostgresTLS(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{name: "verify_full_allowed", url: "postgres://u:p@db:5432/x?sslmode=verify-full"},
		{name: "require_allowed", url: "postgres://u:p@db:5432/x?sslmode=require"},
		{name: "prefer_denied", url: "postgres://u:p@db:5432/x?sslmode=prefer", wantErr: true},
		{name: "missing_sslmode_denied", url: "postgres://u:p@db:5432/x", wantErr: true},
		{name: "invalid_url_denied", url: "://bad", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := validatePostgresTLS(tt.url)
			if tt.wantErr != (err != nil) {
				t.Fatalf("validatePostgresTLS(%q) err=%v wantErr=%v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestDefaultPostgresURL(t *testing.T) {
	t.Setenv("DATABASE_USER", "")
	t.Setenv("POSTGRES_PASSWORD", "")
	t.Setenv("DATABASE_HOST", "")
	t.Setenv("DATABASE_PORT", "not-a-port")
	t.Setenv("DATABASE_NAME", "")
	t.Setenv("DATABASE_SSLMODE", "")

	dsn := defaultPostgresURL()
	if !strings.Contains(dsn, "postgres://aegis@localhost:5432/aegis") || !strings.Contains(dsn, "sslmode=disable") {
		t.Fatalf("unexpected default dsn: %s", dsn)
	}

	t.Setenv("DATABASE_USER", "svc")
	t.Setenv("POSTGRES_PASSWORD", "pw")
	t.Setenv("DATABASE_HOST", "db.internal")
	t.Setenv("DATABASE_PORT", "6543")
	t.Setenv("DATABASE_SSLMODE", "require")
	dsn = defaultPostgresURL()
	if !strings.Contains(dsn, "postgres://svc:pw@db.internal:6543/aegis") || !strings.Contains(dsn, "sslmode=require") {
		t.Fatalf("unexpected env dsn: %s", dsn)
	}
}

func TestPostgresOptionsFromEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u@h:5432/x?sslmode=require")
	t.Setenv("DATABASE_REQUIRE_TLS", "yes")
	t.Setenv("DATABASE_MAX_CONNS", "25")

	opts := PostgresOptionsFromEnv()
	if opts.DSN != "postgres://u@h:5432/x?sslmode=require" || !opts.RequireTLS || opts.MaxConns != 25 {
		t.Fatalf("unexpected options: %+v", opts)
	}

	for _, raw := range []string{"-1", "4294967297", "2147483648", "lots"} {
		t.Setenv("DATABASE_MAX_CONNS", raw)
		if got := PostgresOptionsFromEnv().MaxConns; got != 10 {
			t.Fatalf("DATABASE_MAX_CONNS=%s: expected default 10, got %d", raw, got)
		}
	}
}

func TestNewPostgresPoolRejectsInvalidInputs(t *testing.T) {
	if _, err := NewPostgresPool(context.Background(), PostgresOptions{DSN: "://bad"}, zerolog.Nop()); err == nil {
		t.Fatal("expected parse error for invalid dsn")
	}
	_, err := NewPostgresPool(context.Background(), PostgresOptions{
		DSN:        "postgres://u:p@db:5432/x?sslmode=disable",
		RequireTLS: true,
	}, zerolog.Nop())
	if err == nil || !strings.Contains(err.Error(), "insecure") {
		t.Fatalf("expected insecure transport error, got %v", err)
	}
}

func TestNewPostgresPoolRetriesThenFails(t *testing.T) {
	origSleep := postgresSleep
	origNew := pgxPoolNewWithConfig
	defer func() {
		postgresSleep = origSleep
		pgxPoolNewWithConfig = origNew
	}()
	postgresSleep = func(time.Duration) {}
	calls := 0
	var seenMax int32
	pgxPoolNewWithConfig = func(_ context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error) {
		calls++
		seenMax = cfg.MaxConns
		return nil, errors.New("boom")
	}

	_, err := NewPostgresPool(context.Background(), PostgresOptions{
		DSN:            "postgres://u:p@127.0.0.1:5432/x?sslmode=disable",
		MaxConns:       7,
		ConnectRetries: 3,
	}, zerolog.Nop())
	if err == nil || !strings.Contains(err.Error(), "db ping retries exhausted") {
		t.Fatalf("expected wrapped retry error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if seenMax != 7 {
		t.Fatalf("expected MaxConns=7, got %d", seenMax)
	}
}

func TestRequiresSecureTransport(t *testing.T) {
	cases := map[string]bool{"true": true, "1": true, "yes": true, "on": true, "off": false, "": false}
	for val, want := range cases {
		t.Run("value_"+val, func(t *testing.T) {
			t.Setenv("SECURE_TRANSPORT_TEST", val)
			if got := requiresSecureTransport("SECURE_TRANSPORT_TEST"); got != want {
				t.Fatalf("expected %v for %q, got %v", want, val, got)
			}
		})
	}
}
