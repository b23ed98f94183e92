// Package alert delivers pending alerts to the admin recipient set and
// tracks which alerts may be marked notified.
package alert

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/adverify/siteauditor/internal/audit"
	"github.com/adverify/siteauditor/internal/telemetry"
)

const defaultBatchLimit = 50

// Summary reports one dispatch pass.
type Summary struct {
	Processed int
	Succeeded int
	Failed    int
}

// Dispatcher fans pending alerts out to every recipient. Delivery is
// at-least-once: an alert is only marked notified when every recipient
// attempt succeeded, otherwise it stays active for the next pass.
type Dispatcher struct {
	alerts     audit.AlertStore
	recipients audit.RecipientDirectory
	transport  audit.NotificationTransport
	clock      audit.Clock
	logger     *zap.Logger
	batchLimit int
}

// NewDispatcher creates a Dispatcher. A batchLimit of 0 uses the default.
func NewDispatcher(
	alerts audit.AlertStore,
	recipients audit.RecipientDirectory,
	transport audit.NotificationTransport,
	clock audit.Clock,
	logger *zap.Logger,
	batchLimit int,
) *Dispatcher {
	if batchLimit <= 0 {
		batchLimit = defaultBatchLimit
	}
	return &Dispatcher{
		alerts:     alerts,
		recipients: recipients,
		transport:  transport,
		clock:      clock,
		logger:     logger,
		batchLimit: batchLimit,
	}
}

// ProcessPending runs one dispatch pass over the pending alert batch. An
// empty recipient set is a configuration problem: the whole batch is reported
// failed without any delivery attempt.
func (d *Dispatcher) ProcessPending(ctx context.Context) (Summary, error) {
	pending, err := d.alerts.ListPending(ctx, d.batchLimit)
	if err != nil {
		return Summary{}, fmt.Errorf("list pending alerts: %w", err)
	}
	if len(pending) == 0 {
		return Summary{}, nil
	}

	recipients, err := d.recipients.ListAdminRecipients(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list recipients: %w", err)
	}
	if len(recipients) == 0 {
		d.logger.Error("no admin recipients configured, alerts cannot be delivered",
			zap.Int("pending", len(pending)),
		)
		return Summary{Processed: len(pending), Failed: len(pending)}, nil
	}

	summary := Summary{Processed: len(pending)}
	var notified []string
	for _, a := range pending {
		if d.deliverToAll(ctx, a, recipients) {
			notified = append(notified, a.ID)
			summary.Succeeded++
			telemetry.ObserveDispatch("success")
		} else {
			summary.Failed++
			telemetry.ObserveDispatch("failure")
		}
	}

	if len(notified) > 0 {
		if err := d.alerts.MarkNotified(ctx, notified, d.clock.Now()); err != nil {
			// Delivery already happened; the alerts will be re-sent next
			// pass, which at-least-once semantics permit.
			return summary, fmt.Errorf("mark alerts notified: %w", err)
		}
	}
	return summary, nil
}

// deliverToAll attempts delivery of one alert to every recipient and reports
// whether all attempts succeeded. One failed recipient never prevents the
// remaining attempts.
func (d *Dispatcher) deliverToAll(ctx context.Context, a audit.Alert, recipients []audit.Recipient) bool {
	allOK := true
	for _, r := range recipients {
		if err := d.transport.Send(ctx, a, a.PublisherID, r.Email); err != nil {
			allOK = false
			d.logger.Warn("alert delivery failed",
				zap.String("alert_id", a.ID),
				zap.String("alert_type", a.Type),
				zap.String("recipient", r.Email),
				zap.Error(err),
			)
		}
	}
	return allOK
}
