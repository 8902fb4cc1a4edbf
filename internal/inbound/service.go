// Package inbound persists provider callbacks: received messages and
// delivery-status updates. Ingestion is idempotent on the provider message
// sid so at-least-once delivery never produces duplicate rows.
package inbound

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"leadcast/internal/classify"
	"leadcast/internal/domain"
	"leadcast/internal/observability"
	"leadcast/internal/phone"
	"leadcast/internal/store"
	"leadcast/internal/util"
)

const DefaultAssociationWindow = 7 * 24 * time.Hour

type Store interface {
	InsertMessage(ctx context.Context, in store.MessageInsert) (bool, error)
	UpdateMessageStatus(ctx context.Context, in store.MessageStatusUpdate) (bool, error)
	LatestLeadForPhone(ctx context.Context, phone string, since time.Time) (string, bool, error)
	UpsertThread(ctx context.Context, phone string, at time.Time) error
	InsertVendorResponse(ctx context.Context, in store.VendorResponseInsert) (bool, error)
	RecordQuote(ctx context.Context, in store.QuoteRecord) (store.QuoteResult, error)
	DeactivateVendor(ctx context.Context, phone string, now time.Time) (bool, error)
}

type Service struct {
	Store       Store
	CountryCode string
	// AssociationWindow bounds how far back an outbound broadcast can claim
	// an unlabelled reply.
	AssociationWindow time.Duration
	Now               func() time.Time
}

type IngestResult struct {
	MessageSID     string              `json:"message_sid"`
	Duplicate      bool                `json:"duplicate"`
	Direction      domain.Direction    `json:"direction"`
	LeadID         string              `json:"lead_id,omitempty"`
	Classification domain.ResponseType `json:"classification,omitempty"`
	QuoteCounted   bool                `json:"quote_counted,omitempty"`
	OptedOut       bool                `json:"opted_out,omitempty"`
}

type StatusResult struct {
	MessageSID string                `json:"message_sid"`
	Status     domain.DeliveryStatus `json:"status"`
	Found      bool                  `json:"found"`
}

// IngestMessage stores a message event once. A repeated sid reports
// Duplicate and performs no writes. For inbound messages the sender's thread
// is bumped and the reply is classified, which may count a quote or opt the
// vendor out.
func (s *Service) IngestMessage(ctx context.Context, ev domain.MessageEvent) (IngestResult, error) {
	if err := ev.Validate(); err != nil {
		return IngestResult{}, err
	}
	now := s.now()
	from := s.address(ev.From)
	to := s.address(ev.To)
	res := IngestResult{MessageSID: ev.MessageSID, Direction: ev.Direction}

	res.LeadID = explicitLead(ev)
	if res.LeadID == "" && ev.Direction == domain.DirectionInbound {
		id, found, err := s.Store.LatestLeadForPhone(ctx, from, now.Add(-s.window()))
		if err != nil {
			return IngestResult{}, err
		}
		if found {
			res.LeadID = id
		}
	}

	status := domain.ParseDeliveryStatus(ev.Status)
	if ev.Status == "" && ev.Direction == domain.DirectionInbound {
		status = domain.DeliveryDelivered
	}

	inserted, err := s.Store.InsertMessage(ctx, store.MessageInsert{
		SID:           ev.MessageSID,
		Direction:     ev.Direction,
		From:          from,
		To:            to,
		Body:          ev.Body,
		ButtonText:    ev.ButtonText,
		ButtonPayload: ev.ButtonPayload,
		Status:        status,
		Metadata:      ev.Metadata,
		LeadID:        res.LeadID,
		Now:           now,
	})
	if err != nil {
		return IngestResult{}, err
	}
	if !inserted {
		observability.WebhookEvents.WithLabelValues("message", "duplicate").Inc()
		slog.Info("inbound duplicate message", "message_sid", ev.MessageSID)
		res.Duplicate = true
		return res, nil
	}
	observability.WebhookEvents.WithLabelValues("message", "stored").Inc()

	if ev.Direction != domain.DirectionInbound {
		return res, nil
	}

	// The row is committed; a provider retry would now be dropped as a
	// duplicate, so follow-up writes are logged rather than failing the call.
	if err := s.Store.UpsertThread(ctx, from, now); err != nil {
		slog.Error("thread upsert failed", "err", err, "phone", from, "message_sid", ev.MessageSID)
	}

	kind := classify.Reply(ev.Body, ev.ButtonText, ev.ButtonPayload)
	res.Classification = kind
	observability.VendorResponses.WithLabelValues(string(kind)).Inc()

	if _, err := s.Store.InsertVendorResponse(ctx, store.VendorResponseInsert{
		ID:           util.NewID("vr"),
		LeadID:       res.LeadID,
		VendorPhone:  from,
		ResponseType: kind,
		MessageSID:   ev.MessageSID,
		ButtonText:   ev.ButtonText,
		Now:          now,
	}); err != nil {
		slog.Error("vendor response insert failed", "err", err, "message_sid", ev.MessageSID)
	}

	switch kind {
	case domain.ResponseHaveIt:
		if res.LeadID != "" {
			res.QuoteCounted = s.recordQuote(ctx, res.LeadID, from, ev.MessageSID, now)
		}
	case domain.ResponseStopMessages:
		deactivated, err := s.Store.DeactivateVendor(ctx, from, now)
		if err != nil {
			slog.Error("vendor opt-out failed", "err", err, "vendor_phone", from)
		}
		res.OptedOut = deactivated
		if deactivated {
			slog.Info("vendor opted out", "vendor_phone", from)
		}
	}

	slog.Info("inbound message stored",
		"message_sid", ev.MessageSID,
		"lead_id", res.LeadID,
		"vendor_phone", from,
		"classification", kind,
	)
	return res, nil
}

func (s *Service) recordQuote(ctx context.Context, leadID, vendorPhone, sid string, now time.Time) bool {
	q, err := s.Store.RecordQuote(ctx, store.QuoteRecord{
		LeadID:      leadID,
		VendorPhone: vendorPhone,
		MessageSID:  sid,
		EventID:     util.NewID("evt"),
		Now:         now,
	})
	if errors.Is(err, domain.ErrNotFound) {
		slog.Warn("quote for unknown lead", "lead_id", leadID, "message_sid", sid)
		return false
	}
	if err != nil {
		slog.Error("quote record failed", "err", err, "lead_id", leadID, "message_sid", sid)
		return false
	}
	if q.ToState != q.FromState {
		observability.LeadTransitions.WithLabelValues(string(q.ToState)).Inc()
	}
	return q.Counted
}

// ApplyStatus records a delivery-status callback. Unknown sids are not an
// error; the callback may outrun the outbound log write.
func (s *Service) ApplyStatus(ctx context.Context, ev domain.StatusEvent) (StatusResult, error) {
	if err := ev.Validate(); err != nil {
		return StatusResult{}, err
	}
	now := s.now()
	status := domain.ParseDeliveryStatus(ev.Status)

	deliveredAt, readAt := ev.DeliveredAt, ev.ReadAt
	if deliveredAt == nil && (status == domain.DeliveryDelivered || status == domain.DeliveryRead) {
		deliveredAt = &now
	}
	if readAt == nil && status == domain.DeliveryRead {
		readAt = &now
	}

	found, err := s.Store.UpdateMessageStatus(ctx, store.MessageStatusUpdate{
		SID:          ev.MessageSID,
		Status:       status,
		DeliveredAt:  deliveredAt,
		ReadAt:       readAt,
		ErrorCode:    ev.ErrorCode,
		ErrorMessage: ev.ErrorMessage,
	})
	if err != nil {
		return StatusResult{}, err
	}
	if !found {
		observability.WebhookEvents.WithLabelValues("status", "unknown_message").Inc()
		slog.Info("status for unknown message", "message_sid", ev.MessageSID, "status", status)
	} else {
		observability.WebhookEvents.WithLabelValues("status", "stored").Inc()
	}
	return StatusResult{MessageSID: ev.MessageSID, Status: status, Found: found}, nil
}

func explicitLead(ev domain.MessageEvent) string {
	if ev.LeadID != "" {
		return ev.LeadID
	}
	if v, ok := ev.Metadata["lead_id"].(string); ok {
		return v
	}
	return ""
}

// address strips the channel scheme and normalizes the number. Values that
// do not parse as phone numbers are stored as given.
func (s *Service) address(raw string) string {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "whatsapp:"))
	cc := s.CountryCode
	if cc == "" {
		cc = phone.DefaultCountryCode
	}
	if p, ok := phone.Normalize(raw, cc); ok {
		return p
	}
	return raw
}

func (s *Service) window() time.Duration {
	if s.AssociationWindow > 0 {
		return s.AssociationWindow
	}
	return DefaultAssociationWindow
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return util.NowUTC()
}
