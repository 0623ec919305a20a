// Package audit appends rebinding attempts and policy violations to an
// append-only trail. Records are never updated or deleted.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"aegis/pkg/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Sink is the write side used by the rebinding workflow and the HTTP layer.
type Sink interface {
	AppendRebind(ctx context.Context, rec models.DeviceRebindingLog) error
	AppendViolation(ctx context.Context, v models.PolicyViolation) error
}

// Trail adds the operator read path.
type Trail interface {
	Sink
	RebindHistory(ctx context.Context, user string, limit int) ([]models.DeviceRebindingLog, error)
}

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Writer persists records in Postgres. With Redact set, network identifiers
// and sensitive request details are stored as salted hashes.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

func stamp(id *string, at *time.Time) {
	if *id == "" {
		*id = uuid.NewString()
	}
	if at.IsZero() {
		*at = time.Now().UTC()
	}
}

func (w *Writer) AppendRebind(ctx context.Context, rec models.DeviceRebindingLog) error {
	stamp(&rec.ID, &rec.CreatedAt)
	if w.Redact {
		rec = redactRebind(rec, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO device_rebinding_logs
		(id, username, old_device_id, new_device_id, verification_method, ip_address, user_agent, success, failure_reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, rec.ID, rec.User, rec.OldDeviceID, rec.NewDeviceID, rec.VerificationMethod, rec.IPAddress, rec.UserAgent, rec.Success, rec.FailureReason, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("append rebind log: %w", err)
	}
	return nil
}

func (w *Writer) AppendViolation(ctx context.Context, v models.PolicyViolation) error {
	stamp(&v.ID, &v.CreatedAt)
	if w.Redact {
		v = redactViolation(v, w.HashSalt)
	}
	details, err := json.Marshal(v.RequestDetails)
	if err != nil {
		return fmt.Errorf("encode request details: %w", err)
	}
	_, err = w.DB.Exec(ctx, `
		INSERT INTO policy_violations
		(id, device_id, client_id, policy_id, rule_id, action_taken, severity_score, risk_score,
		 request_details, violation_message, ip_address, user_agent, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, v.ID, v.DeviceID, v.ClientID, v.PolicyID, v.RuleID, string(v.ActionTaken), v.SeverityScore, v.RiskScore,
		details, v.ViolationMessage, v.IPAddress, v.UserAgent, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("append violation: %w", err)
	}
	return nil
}

// RebindHistory returns the newest attempts for a user first.
func (w *Writer) RebindHistory(ctx context.Context, user string, limit int) ([]models.DeviceRebindingLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := w.DB.Query(ctx, `
		SELECT id, username, old_device_id, new_device_id, verification_method, ip_address, user_agent, success, failure_reason, created_at
		FROM device_rebinding_logs WHERE username=$1 ORDER BY created_at DESC LIMIT $2
	`, user, limit)
	if err != nil {
		return nil, fmt.Errorf("query rebind history: %w", err)
	}
	defer rows.Close()
	var out []models.DeviceRebindingLog
	for rows.Next() {
		var rec models.DeviceRebindingLog
		if err := rows.Scan(&rec.ID, &rec.User, &rec.OldDeviceID, &rec.NewDeviceID, &rec.VerificationMethod,
			&rec.IPAddress, &rec.UserAgent, &rec.Success, &rec.FailureReason, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MemoryLog keeps records in process, for tests and single-node runs.
type MemoryLog struct {
	mu         sync.Mutex
	rebinds    []models.DeviceRebindingLog
	violations []models.PolicyViolation
}

func NewMemoryLog() *MemoryLog { return &MemoryLog{} }

func (m *MemoryLog) AppendRebind(_ context.Context, rec models.DeviceRebindingLog) error {
	stamp(&rec.ID, &rec.CreatedAt)
	m.mu.Lock()
	m.rebinds = append(m.rebinds, rec)
	m.mu.Unlock()
	return nil
}

func (m *MemoryLog) AppendViolation(_ context.Context, v models.PolicyViolation) error {
	stamp(&v.ID, &v.CreatedAt)
	m.mu.Lock()
	m.violations = append(m.violations, v)
	m.mu.Unlock()
	return nil
}

func (m *MemoryLog) Rebinds() []models.DeviceRebindingLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.DeviceRebindingLog(nil), m.rebinds...)
}

func (m *MemoryLog) RebindHistory(_ context.Context, user string, limit int) ([]models.DeviceRebindingLog, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.DeviceRebindingLog
	for i := len(m.rebinds) - 1; i >= 0 && len(out) < limit; i-- {
		if m.rebinds[i].User == user {
			out = append(out, m.rebinds[i])
		}
	}
	return out, nil
}

func (m *MemoryLog) Violations() []models.PolicyViolation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.PolicyViolation(nil), m.violations...)
}
