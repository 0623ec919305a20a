package store

import (
	"context"
	"fmt"

	"aegis/pkg/models"
)

// FraudStats summarises reports received from relying parties.
type FraudStats struct {
	TotalReports    int64            `json:"total_reports"`
	DistinctDevices int64            `json:"distinct_devices"`
	ByReason        map[string]int64 `json:"by_reason"`
}

type FraudRepo struct {
	DB DB
}

func (r *FraudRepo) InsertReport(ctx context.Context, rep models.FraudReport) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO fraud_reports (id, device_id, bank_transaction_id, reason_code, description, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, rep.ID, rep.DeviceID, rep.BankTransactionID, rep.ReasonCode, rep.Description, rep.CreatedAt)
	return mapErr(err)
}

func (r *FraudRepo) Stats(ctx context.Context) (FraudStats, error) {
	stats := FraudStats{ByReason: map[string]int64{}}
	if err := r.DB.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT device_id) FROM fraud_reports
	`).Scan(&stats.TotalReports, &stats.DistinctDevices); err != nil {
		return stats, fmt.Errorf("count fraud reports: %w", err)
	}
	rows, err := r.DB.Query(ctx, `SELECT reason_code, COUNT(*) FROM fraud_reports GROUP BY reason_code`)
	if err != nil {
		return stats, fmt.Errorf("group fraud reports: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			reason string
			n      int64
		)
		if err := rows.Scan(&reason, &n); err != nil {
			return stats, err
		}
		stats.ByReason[reason] = n
	}
	return stats, rows.Err()
}
