package broadcast

import (
	"context"
	"errors"
	"log/slog"

	"leadcast/internal/domain"
	"leadcast/internal/observability"
)

// ProcessJob runs a queued broadcast. It is an idempotent consumer: a job
// for a lead that already left pending is acknowledged without sending, so
// a redelivered job never messages vendors twice. Returning an error leaves
// the job on the queue for redelivery.
func (d *Dispatcher) ProcessJob(ctx context.Context, job domain.BroadcastJob) error {
	lead, found, err := d.Store.GetLead(ctx, job.LeadID)
	if err != nil {
		return err
	}
	if !found {
		slog.Warn("broadcast job for unknown lead dropped", "lead_id", job.LeadID)
		return nil
	}
	if lead.Status != domain.LeadPending {
		slog.Info("broadcast job already processed", "lead_id", job.LeadID, "status", lead.Status)
		return nil
	}

	report, err := d.Broadcast(ctx, job.LeadID, job.Recipients)
	switch {
	case err == nil:
		observability.LeadTransitions.WithLabelValues(string(domain.LeadBroadcasted)).Inc()
		return nil
	case len(report.Results) > 0:
		// Vendors were already messaged; a retry would message them again.
		slog.Error("broadcast job finished sending but could not be recorded",
			"lead_id", job.LeadID, "sent", report.Sent, "err", err)
		return nil
	case errors.Is(err, ErrAlreadyDispatched):
		slog.Info("broadcast job already claimed", "lead_id", job.LeadID)
		return nil
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrNotFound):
		slog.Warn("broadcast job dropped", "lead_id", job.LeadID, "err", err)
		return nil
	default:
		return err
	}
}
