package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"leadcast/internal/domain"
	"leadcast/internal/observability"
	"leadcast/internal/phone"
	"leadcast/internal/store"
	"leadcast/internal/util"
)

type ServiceStore interface {
	DispatchStore
	CreateLead(ctx context.Context, in store.LeadInsert) (bool, error)
	UpsertVendor(ctx context.Context, in store.VendorUpsert) (domain.Vendor, error)
	CloseLead(ctx context.Context, in store.LeadClose) (domain.LeadStatus, error)
	ListActiveVendors(ctx context.Context, category string, limit int) ([]domain.Vendor, error)
	SetVendorActive(ctx context.Context, phone string, active bool, now time.Time) (bool, error)
}

type Queue interface {
	EnqueueBroadcast(ctx context.Context, job domain.BroadcastJob) error
}

// Service turns a dispatch request into a lead and a broadcast. With a Queue
// configured the broadcast is handed to a worker instead of running inline.
type Service struct {
	Store       ServiceStore
	Dispatcher  *Dispatcher
	Queue       Queue
	CountryCode string
	Now         func() time.Time
}

type DispatchResult struct {
	LeadID string
	// Duplicate is set when the request id was already broadcast; Report then
	// reflects the stored counters and nothing is re-sent.
	Duplicate bool
	Queued    bool
	// Dropped counts businesses without a usable phone or repeating one.
	Dropped int
	// Skipped counts directory vendors that are inactive.
	Skipped int
	Report  domain.BroadcastReport
}

func (s *Service) Dispatch(ctx context.Context, req domain.DispatchRequest) (DispatchResult, error) {
	if err := req.Validate(); err != nil {
		return DispatchResult{}, err
	}
	now := s.now()
	res := DispatchResult{LeadID: strings.TrimSpace(req.RequestID)}

	fromDirectory := len(req.Businesses) == 0
	contacts := phone.NormalizeContacts(req.Businesses, s.countryCode())
	res.Dropped = len(req.Businesses) - len(contacts)
	if !fromDirectory && len(contacts) == 0 {
		return res, domain.ValidationError("no business has a valid phone number")
	}

	created, err := s.Store.CreateLead(ctx, store.LeadInsert{
		ID:              res.LeadID,
		NeedDescription: strings.TrimSpace(req.NeedDescription),
		LocationLabel:   strings.TrimSpace(req.UserLocationLabel),
		Quantity:        strings.TrimSpace(req.Quantity),
		Budget:          strings.TrimSpace(req.Budget),
		Now:             now,
	})
	if err != nil {
		return res, err
	}
	if !created {
		lead, found, err := s.Store.GetLead(ctx, res.LeadID)
		if err != nil {
			return res, err
		}
		if found && lead.Status != domain.LeadPending {
			return s.duplicate(res, lead), nil
		}
	}

	var recipients []domain.Recipient
	if fromDirectory {
		recipients, err = s.directoryRecipients(ctx, req.Category)
	} else {
		recipients, res.Skipped, err = s.upsertContacts(ctx, contacts, now)
	}
	if err != nil {
		return res, err
	}
	if len(recipients) == 0 {
		return res, domain.ValidationError("no active vendors to broadcast to")
	}

	if s.Queue != nil {
		if max := s.Dispatcher.maxVendors(); len(recipients) > max {
			return res, domain.ValidationError("too many vendors: %d > %d", len(recipients), max)
		}
		job := domain.BroadcastJob{LeadID: res.LeadID, Recipients: recipients, QueuedAt: now}
		if err := s.Queue.EnqueueBroadcast(ctx, job); err != nil {
			observability.Enqueues.WithLabelValues("broadcast", "error").Inc()
			return res, err
		}
		observability.Enqueues.WithLabelValues("broadcast", "ok").Inc()
		res.Queued = true
		res.Report = domain.BroadcastReport{Total: len(recipients), Results: []domain.SendResult{}}
		return res, nil
	}

	report, err := s.Dispatcher.Broadcast(ctx, res.LeadID, recipients)
	if errors.Is(err, ErrAlreadyDispatched) {
		lead, _, err := s.Store.GetLead(ctx, res.LeadID)
		if err != nil {
			return res, err
		}
		return s.duplicate(res, lead), nil
	}
	res.Report = report
	if err != nil {
		return res, err
	}
	observability.LeadTransitions.WithLabelValues(string(domain.LeadBroadcasted)).Inc()
	return res, nil
}

// upsertContacts registers each contact in the vendor directory and returns
// the active ones. Inactive vendors are counted as skipped.
func (s *Service) upsertContacts(ctx context.Context, contacts []domain.Business, now time.Time) ([]domain.Recipient, int, error) {
	recipients := make([]domain.Recipient, 0, len(contacts))
	skipped := 0
	for _, c := range contacts {
		var cats []string
		if c.Category != "" {
			cats = []string{c.Category}
		}
		v, err := s.Store.UpsertVendor(ctx, store.VendorUpsert{
			ID:         util.NewID("vnd"),
			Phone:      c.Phone,
			Name:       strings.TrimSpace(c.Name),
			Categories: cats,
			Now:        now,
		})
		if err != nil {
			return nil, skipped, err
		}
		if !v.Active {
			skipped++
			continue
		}
		recipients = append(recipients, domain.Recipient{VendorID: v.ID, Phone: v.Phone, Name: v.Name})
	}
	return recipients, skipped, nil
}

// directoryRecipients picks active vendors of a category, best rated and
// least recently broadcast first.
func (s *Service) directoryRecipients(ctx context.Context, category string) ([]domain.Recipient, error) {
	vendors, err := s.Store.ListActiveVendors(ctx, strings.TrimSpace(category), s.Dispatcher.maxVendors())
	if err != nil {
		return nil, err
	}
	out := make([]domain.Recipient, 0, len(vendors))
	for _, v := range vendors {
		out = append(out, domain.Recipient{VendorID: v.ID, Phone: v.Phone, Name: v.Name})
	}
	return out, nil
}

// SetVendorActive enables or disables a directory vendor by phone.
func (s *Service) SetVendorActive(ctx context.Context, rawPhone string, active bool) (string, error) {
	p, ok := phone.Normalize(rawPhone, s.countryCode())
	if !ok {
		return "", domain.ValidationError("invalid phone %q", rawPhone)
	}
	found, err := s.Store.SetVendorActive(ctx, p, active, s.now())
	if err != nil {
		return p, err
	}
	if !found {
		return p, domain.NotFoundError("vendor", p)
	}
	slog.Info("vendor active changed", "vendor_phone", p, "active", active)
	return p, nil
}

// duplicate answers a repeated request from the stored counters. A lead that
// another request is still broadcasting reports zero counters.
func (s *Service) duplicate(res DispatchResult, lead domain.Lead) DispatchResult {
	slog.Info("dispatch duplicate request", "lead_id", lead.ID, "status", lead.Status)
	res.Duplicate = true
	res.Report = domain.BroadcastReport{
		Total:   lead.VendorCount,
		Sent:    lead.BroadcastCount,
		Failed:  lead.VendorCount - lead.BroadcastCount,
		Results: []domain.SendResult{},
	}
	return res
}

// CloseLead moves a lead to a terminal state.
func (s *Service) CloseLead(ctx context.Context, leadID string, to domain.LeadStatus, reason string) (domain.LeadStatus, error) {
	if !to.Terminal() {
		return "", domain.ValidationError("close state must be %s or %s", domain.LeadFulfilled, domain.LeadAbandoned)
	}
	from, err := s.Store.CloseLead(ctx, store.LeadClose{
		LeadID:  leadID,
		ToState: to,
		EventID: util.NewID("evt"),
		Reason:  reason,
		Now:     s.now(),
	})
	if errors.Is(err, store.ErrInvalidTransition) {
		return from, domain.ValidationError("%v", err)
	}
	if err != nil {
		return from, err
	}
	observability.LeadTransitions.WithLabelValues(string(to)).Inc()
	slog.Info("lead closed", "lead_id", leadID, "from_state", from, "to_state", to)
	return from, nil
}

func (s *Service) countryCode() string {
	if s.CountryCode != "" {
		return s.CountryCode
	}
	return phone.DefaultCountryCode
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return util.NowUTC()
}
