package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"leadcast/internal/domain"
	"leadcast/internal/inbound"
	"leadcast/internal/observability"
	sqsqueue "leadcast/internal/queue/sqs"
)

type ingestor interface {
	IngestMessage(ctx context.Context, ev domain.MessageEvent) (inbound.IngestResult, error)
	ApplyStatus(ctx context.Context, ev domain.StatusEvent) (inbound.StatusResult, error)
}

var errMessageNotFound = errors.New("message not found for status callback")

// processWebhookEvent applies one queued callback. Errors leave the event on
// the queue; malformed events are dropped since redelivery cannot fix them.
func processWebhookEvent(ctx context.Context, in ingestor, ev sqsqueue.WebhookEvent) error {
	// Make DB work bounded. Errors should cause SQS redrive.
	dbCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	switch {
	case ev.Kind == sqsqueue.KindMessage && ev.Message != nil:
		res, err := in.IngestMessage(dbCtx, *ev.Message)
		if errors.Is(err, domain.ErrValidation) {
			observability.WebhookEvents.WithLabelValues(ev.Kind, "invalid").Inc()
			slog.Warn("webhook event dropped", "kind", ev.Kind, "err", err)
			return nil
		}
		if err != nil {
			return err
		}
		slog.Debug("webhook message applied", "message_sid", res.MessageSID, "duplicate", res.Duplicate, "lead_id", res.LeadID)
		return nil

	case ev.Kind == sqsqueue.KindStatus && ev.Status != nil:
		res, err := in.ApplyStatus(dbCtx, *ev.Status)
		if errors.Is(err, domain.ErrValidation) {
			observability.WebhookEvents.WithLabelValues(ev.Kind, "invalid").Inc()
			slog.Warn("webhook event dropped", "kind", ev.Kind, "err", err)
			return nil
		}
		if err != nil {
			return err
		}
		// The outbound row may not be written yet; let SQS retry later.
		if !res.Found {
			return fmt.Errorf("%w: %s", errMessageNotFound, res.MessageSID)
		}
		return nil

	default:
		slog.Warn("webhook event dropped", "kind", ev.Kind, "err", "empty payload")
		return nil
	}
}
