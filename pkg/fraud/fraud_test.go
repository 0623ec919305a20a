package fraud_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"aegis/pkg/fraud"
	"aegis/pkg/metrics"
	"aegis/pkg/models"
	"aegis/pkg/registry"
	"aegis/pkg/store"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []models.DeviceEvent
}

func (s *recordingSink) DeviceEvent(_ context.Context, evt models.DeviceEvent) {
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
}

func setup(t *testing.T) (*fraud.Service, *registry.Registry, *recordingSink, string) {
	t.Helper()
	ctx := context.Background()
	sink := &recordingSink{}
	reg := registry.New(registry.NewMemoryKeyStore(), registry.NewMemoryDeviceStore(), registry.WithEventSink(sink))
	key, err := reg.IssueKey(ctx, "uco-bank", "", time.Time{})
	require.NoError(t, err)
	id, err := reg.Register(ctx, "uco-bank", key.KeyValue, "")
	require.NoError(t, err)
	svc := &fraud.Service{
		Reports: fraud.NewMemoryReports(),
		Devices: reg,
		Metrics: metrics.NewRegistry(),
		Log:     zerolog.Nop(),
		Now:     func() time.Time { return time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC) },
	}
	return svc, reg, sink, id.DeviceID
}

func TestReportDeactivatesDevice(t *testing.T) {
	svc, reg, sink, deviceID := setup(t)
	ctx := context.Background()

	rep, err := svc.Report(ctx, models.FraudReport{DeviceID: " " + deviceID, BankTransactionID: "tx-1", ReasonCode: "sim_swap"})
	require.NoError(t, err)
	assert.NotEmpty(t, rep.ID)
	assert.Equal(t, "SIM_SWAP", rep.ReasonCode)
	assert.Equal(t, 2024, rep.CreatedAt.Year())

	_, err = reg.GetActive(ctx, deviceID)
	assert.ErrorIs(t, err, registry.ErrDeviceInactive)
	require.Len(t, sink.events, 2)
	assert.Equal(t, models.DeviceEventDeactivated, sink.events[1].Type)
	assert.Equal(t, "fraud: SIM_SWAP", sink.events[1].Reason)
	assert.Equal(t, int64(1), svc.Metrics.Snapshot().FraudReports["SIM_SWAP"])
}

func TestReportOnInactiveDeviceIsStored(t *testing.T) {
	svc, _, _, deviceID := setup(t)
	ctx := context.Background()

	_, err := svc.Report(ctx, models.FraudReport{DeviceID: deviceID, ReasonCode: "MULE"})
	require.NoError(t, err)
	_, err = svc.Report(ctx, models.FraudReport{DeviceID: deviceID, ReasonCode: "SIM_SWAP"})
	require.NoError(t, err)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.FraudStats{
		TotalReports:    2,
		DistinctDevices: 1,
		ByReason:        map[string]int64{"MULE": 1, "SIM_SWAP": 1},
	}, stats)
}

func TestReportRejections(t *testing.T) {
	svc, _, _, deviceID := setup(t)
	ctx := context.Background()

	_, err := svc.Report(ctx, models.FraudReport{ReasonCode: "MULE"})
	assert.ErrorIs(t, err, fraud.ErrInvalidReport)
	_, err = svc.Report(ctx, models.FraudReport{DeviceID: deviceID})
	assert.ErrorIs(t, err, fraud.ErrInvalidReport)
	_, err = svc.Report(ctx, models.FraudReport{DeviceID: "dev_missing", ReasonCode: "MULE"})
	assert.ErrorIs(t, err, fraud.ErrUnknownDevice)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalReports)
}

type failingReports struct{ fraud.MemoryReports }

func (*failingReports) InsertReport(context.Context, models.FraudReport) error {
	return errors.New("db down")
}

func TestReportStorageFailureKeepsDeviceActive(t *testing.T) {
	svc, reg, _, deviceID := setup(t)
	svc.Reports = &failingReports{}

	_, err := svc.Report(context.Background(), models.FraudReport{DeviceID: deviceID, ReasonCode: "MULE"})
	require.Error(t, err)
	_, err = reg.GetActive(context.Background(), deviceID)
	assert.NoError(t, err)
}
