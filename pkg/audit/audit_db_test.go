package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"aegis/pkg/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeAuditDB struct {
	execErr  error
	queryErr error
	rows     [][]any
	execSQL  string
	execArgs []any
	queryArg []any
}

func (f *fakeAuditDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = sql
	f.execArgs = append([]any(nil), args...)
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeAuditDB) Query(_ context.Context, _ string, args ...any) (pgx.Rows, error) {
	f.queryArg = append([]any(nil), args...)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return &fakeAuditRows{values: f.rows, idx: -1}, nil
}

// fakeAuditRows embeds pgx.Rows so only the methods the writer uses need bodies.
type fakeAuditRows struct {
	pgx.Rows
	values [][]any
	idx    int
}

func (r *fakeAuditRows) Next() bool { r.idx++; return r.idx < len(r.values) }
func (r *fakeAuditRows) Close()     {}
func (r *fakeAuditRows) Err() error { return nil }

func (r *fakeAuditRows) Scan(dest ...any) error {
	row := r.values[r.idx]
	if len(dest) != len(row) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(row))
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *string:
			*d = row[i].(string)
		case *bool:
			*d = row[i].(bool)
		case *time.Time:
			*d = row[i].(time.Time)
		default:
			return fmt.Errorf("unsupported scan dest %T", dest[i])
		}
	}
	return nil
}

func TestWriterAppendRebind(t *testing.T) {
	now := time.Date(2026, 2, 6, 12, 0, 0, 0, time.UTC)
	db := &fakeAuditDB{}
	w := &Writer{DB: db}
	rec := models.DeviceRebindingLog{
		User: "alice", OldDeviceID: "dev_old", NewDeviceID: "dev_new",
		VerificationMethod: "KYC", IPAddress: "10.1.2.3", UserAgent: "okhttp/4", Success: true, CreatedAt: now,
	}
	if err := w.AppendRebind(context.Background(), rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(db.execArgs) != 10 {
		t.Fatalf("expected 10 exec args, got %d", len(db.execArgs))
	}
	if id, _ := db.execArgs[0].(string); id == "" {
		t.Fatal("expected generated id")
	}
	if db.execArgs[5] != "10.1.2.3" || db.execArgs[9] != now {
		t.Fatalf("unexpected args: %v", db.execArgs)
	}
	if !strings.Contains(db.execSQL, "device_rebinding_logs") {
		t.Fatalf("unexpected sql: %s", db.execSQL)
	}

	db.execErr = errors.New("exec failed")
	if err := w.AppendRebind(context.Background(), rec); err == nil {
		t.Fatal("expected append error")
	}
}

func TestWriterRedactsRebind(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{DB: db, HashSalt: []byte("salt-1"), Redact: true}
	err := w.AppendRebind(context.Background(), models.DeviceRebindingLog{User: "alice", NewDeviceID: "dev_new", IPAddress: "10.1.2.3"})
	if err != nil {
		t.Fatal(err)
	}
	ip := db.execArgs[5].(string)
	if ip == "10.1.2.3" || len(ip) != 64 {
		t.Fatalf("expected hashed ip, got %q", ip)
	}
	if ua := db.execArgs[6].(string); ua != "" {
		t.Fatalf("empty user agent must stay empty, got %q", ua)
	}
}

func TestWriterAppendViolation(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{DB: db, HashSalt: []byte("s"), Redact: true}
	v := models.PolicyViolation{
		DeviceID: "dev_1", ClientID: "uco-bank", PolicyID: "p1", RuleID: "r1",
		ActionTaken: models.EnforcementBlock, SeverityScore: 80, RiskScore: 95,
		RequestDetails:   map[string]string{"transaction.amount": "700000", "transaction.beneficiaryAccount": "998877"},
		ViolationMessage: "limit",
	}
	if err := w.AppendViolation(context.Background(), v); err != nil {
		t.Fatal(err)
	}
	if len(db.execArgs) != 13 {
		t.Fatalf("expected 13 exec args, got %d", len(db.execArgs))
	}
	if db.execArgs[5] != "BLOCK" {
		t.Fatalf("unexpected action arg %v", db.execArgs[5])
	}
	var details map[string]string
	if err := json.Unmarshal(db.execArgs[8].([]byte), &details); err != nil {
		t.Fatal(err)
	}
	if details["transaction.amount"] != "700000" {
		t.Fatalf("amount should be kept: %v", details)
	}
	if details["transaction.beneficiaryAccount"] == "998877" {
		t.Fatalf("account leaked: %v", details)
	}
	if v.RequestDetails["transaction.beneficiaryAccount"] != "998877" {
		t.Fatal("caller map must not be mutated")
	}
}

func TestWriterRebindHistory(t *testing.T) {
	now := time.Now().UTC()
	db := &fakeAuditDB{rows: [][]any{
		{"id-2", "alice", "dev_a", "dev_b", "KYC", "", "", true, "", now},
		{"id-1", "alice", "dev_a", "dev_b", "KYC", "", "", false, "verification failed", now.Add(-time.Minute)},
	}}
	w := &Writer{DB: db}
	got, err := w.RebindHistory(context.Background(), "alice", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "id-2" || got[1].Success {
		t.Fatalf("unexpected history %+v", got)
	}
	if db.queryArg[1] != 50 {
		t.Fatalf("expected default limit, got %v", db.queryArg[1])
	}

	db.queryErr = errors.New("down")
	if _, err := w.RebindHistory(context.Background(), "alice", 5); err == nil {
		t.Fatal("expected query error")
	}
}

func TestMemoryLog(t *testing.T) {
	m := NewMemoryLog()
	var sink Sink = m
	_ = sink.AppendRebind(context.Background(), models.DeviceRebindingLog{User: "bob"})
	_ = sink.AppendViolation(context.Background(), models.PolicyViolation{DeviceID: "d"})
	if got := m.Rebinds(); len(got) != 1 || got[0].ID == "" || got[0].CreatedAt.IsZero() {
		t.Fatalf("unexpected rebinds %+v", got)
	}
	if got := m.Violations(); len(got) != 1 || got[0].ID == "" {
		t.Fatalf("unexpected violations %+v", got)
	}
}

func TestMemoryLogRebindHistory(t *testing.T) {
	var trail Trail = NewMemoryLog()
	ctx := context.Background()
	for i, user := range []string{"alice", "bob", "alice", "alice"} {
		_ = trail.AppendRebind(ctx, models.DeviceRebindingLog{User: user, NewDeviceID: fmt.Sprintf("dev_%d", i)})
	}
	got, err := trail.RebindHistory(ctx, "alice", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].NewDeviceID != "dev_3" || got[1].NewDeviceID != "dev_2" {
		t.Fatalf("unexpected history %+v", got)
	}
	if got, _ := trail.RebindHistory(ctx, "carol", 0); len(got) != 0 {
		t.Fatalf("expected no history, got %+v", got)
	}
}
