// Package fraud takes fraud reports from relying parties and pulls the
// reported device out of service.
package fraud

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"aegis/pkg/metrics"
	"aegis/pkg/models"
	"aegis/pkg/registry"
	"aegis/pkg/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidReport = errors.New("invalid fraud report")
	ErrUnknownDevice = errors.New("reported device not registered")
)

// Reports persists reports. *store.FraudRepo satisfies it.
type Reports interface {
	InsertReport(ctx context.Context, rep models.FraudReport) error
	Stats(ctx context.Context) (store.FraudStats, error)
}

type Devices interface {
	IsRegistered(ctx context.Context, deviceID string) bool
	Deactivate(ctx context.Context, deviceID, reason string) error
}

type Service struct {
	Reports Reports
	Devices Devices
	Metrics *metrics.Registry
	Log     zerolog.Logger
	Now     func() time.Time
}

// Report stores the report and deactivates the device. A report for an
// already inactive device is still stored.
func (s *Service) Report(ctx context.Context, rep models.FraudReport) (models.FraudReport, error) {
	rep.DeviceID = strings.TrimSpace(rep.DeviceID)
	rep.ReasonCode = strings.ToUpper(strings.TrimSpace(rep.ReasonCode))
	if rep.DeviceID == "" || rep.ReasonCode == "" {
		return rep, ErrInvalidReport
	}
	if !s.Devices.IsRegistered(ctx, rep.DeviceID) {
		return rep, ErrUnknownDevice
	}
	if rep.ID == "" {
		rep.ID = uuid.NewString()
	}
	if rep.CreatedAt.IsZero() {
		rep.CreatedAt = s.now()
	}
	if err := s.Reports.InsertReport(ctx, rep); err != nil {
		return rep, fmt.Errorf("store fraud report: %w", err)
	}
	if err := s.Devices.Deactivate(ctx, rep.DeviceID, "fraud: "+rep.ReasonCode); err != nil {
		return rep, fmt.Errorf("deactivate reported device: %w", err)
	}
	if s.Metrics != nil {
		s.Metrics.IncFraudReport(rep.ReasonCode)
	}
	s.Log.Warn().Str("device_id", rep.DeviceID).Str("reason_code", rep.ReasonCode).
		Str("bank_transaction_id", rep.BankTransactionID).Msg("fraud report applied")
	return rep, nil
}

func (s *Service) Stats(ctx context.Context) (store.FraudStats, error) {
	return s.Reports.Stats(ctx)
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// MemoryReports keeps reports in process for single-node and test setups.
type MemoryReports struct {
	mu      sync.Mutex
	reports []models.FraudReport
}

func NewMemoryReports() *MemoryReports { return &MemoryReports{} }

func (m *MemoryReports) InsertReport(_ context.Context, rep models.FraudReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.reports {
		if r.ID == rep.ID {
			return registry.ErrDuplicate
		}
	}
	m.reports = append(m.reports, rep)
	return nil
}

func (m *MemoryReports) Stats(context.Context) (store.FraudStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := store.FraudStats{ByReason: map[string]int64{}}
	devices := map[string]struct{}{}
	for _, r := range m.reports {
		stats.TotalReports++
		stats.ByReason[r.ReasonCode]++
		devices[r.DeviceID] = struct{}{}
	}
	stats.DistinctDevices = int64(len(devices))
	return stats, nil
}
