// Package statebus moves fraud reports in and device lifecycle events out
// over Kafka.
package statebus

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"aegis/pkg/models"

	"github.com/rs/zerolog"
)

type Message struct {
	Key   []byte
	Value []byte
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

// FraudHandler applies one decoded report.
type FraudHandler func(ctx context.Context, rep models.FraudReport) error

// readBackoff is how long ConsumeFraudReports waits after a read error.
var readBackoff = 500 * time.Millisecond

// ConsumeFraudReports reads reports until ctx is done. Undecodable messages
// and reports without a device id are logged and dropped.
func ConsumeFraudReports(ctx context.Context, c Consumer, handle FraudHandler, log zerolog.Logger) {
	for {
		msg, err := c.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("fraud bus read error")
			select {
			case <-ctx.Done():
				return
			case <-time.After(readBackoff):
			}
			continue
		}
		var rep models.FraudReport
		if err := json.Unmarshal(msg.Value, &rep); err != nil {
			log.Warn().Err(err).Msg("fraud bus decode error")
			continue
		}
		rep.DeviceID = strings.TrimSpace(rep.DeviceID)
		if rep.DeviceID == "" {
			log.Warn().Str("bank_transaction_id", rep.BankTransactionID).Msg("fraud report without device id dropped")
			continue
		}
		if err := handle(ctx, rep); err != nil {
			log.Error().Err(err).Str("device_id", rep.DeviceID).Msg("fraud report not applied")
		}
	}
}
