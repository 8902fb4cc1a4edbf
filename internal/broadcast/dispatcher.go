package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"leadcast/internal/domain"
	"leadcast/internal/observability"
	"leadcast/internal/providers/twilio"
	"leadcast/internal/store"
	"leadcast/internal/util"
)

type DispatchStore interface {
	GetLead(ctx context.Context, id string) (domain.Lead, bool, error)
	ClaimDispatch(ctx context.Context, leadID string, now time.Time) (bool, error)
	InsertMessage(ctx context.Context, in store.MessageInsert) (bool, error)
	RecordVendorBroadcast(ctx context.Context, vendorID string, at time.Time) error
	CompleteBroadcast(ctx context.Context, in store.BroadcastOutcome) (domain.LeadStatus, error)
}

type Sender interface {
	SendTemplate(ctx context.Context, req twilio.TemplateRequest) (twilio.SendResponse, int, []byte, error)
}

// ErrAlreadyDispatched is returned by Broadcast when another caller already
// claimed the lead. Nothing was sent.
var ErrAlreadyDispatched = errors.New("lead already dispatched")

const (
	DefaultSendDelay   = 300 * time.Millisecond
	DefaultSendTimeout = 8 * time.Second
	DefaultMaxAttempts = 3
	DefaultMaxVendors  = 200
)

// Dispatcher sends one templated message per vendor, one vendor at a time.
type Dispatcher struct {
	Store  DispatchStore
	Sender Sender
	// ContentSID is the approved WhatsApp template; FromAddress is the
	// channel sender recorded on outbound rows.
	ContentSID        string
	FromAddress       string
	StatusCallbackURL string

	Limiter *rate.Limiter
	Breaker *gobreaker.CircuitBreaker

	SendDelay   time.Duration
	SendTimeout time.Duration
	MaxAttempts int
	MaxVendors  int

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Broadcast fans the lead out to every recipient. Per-vendor failures are
// recorded in the report and never abort the loop; only a missing lead,
// bad input or missing channel configuration return an error. The lead is
// claimed before the first send so concurrent callers cannot both send.
func (d *Dispatcher) Broadcast(ctx context.Context, leadID string, recipients []domain.Recipient) (domain.BroadcastReport, error) {
	if len(recipients) == 0 {
		return domain.BroadcastReport{}, domain.ValidationError("vendors must not be empty")
	}
	if max := d.maxVendors(); len(recipients) > max {
		return domain.BroadcastReport{}, domain.ValidationError("too many vendors: %d > %d", len(recipients), max)
	}
	for _, r := range recipients {
		if r.Phone == "" {
			return domain.BroadcastReport{}, domain.ValidationError("vendor %q has no phone", r.VendorID)
		}
	}
	if d.Sender == nil {
		return domain.BroadcastReport{}, domain.ConfigurationError("channel credentials")
	}
	if d.ContentSID == "" {
		return domain.BroadcastReport{}, domain.ConfigurationError("template id")
	}

	lead, found, err := d.Store.GetLead(ctx, leadID)
	if err != nil {
		return domain.BroadcastReport{}, err
	}
	if !found {
		return domain.BroadcastReport{}, domain.NotFoundError("lead", leadID)
	}
	claimed, err := d.Store.ClaimDispatch(ctx, lead.ID, d.now())
	if err != nil {
		return domain.BroadcastReport{}, err
	}
	if !claimed {
		return domain.BroadcastReport{}, ErrAlreadyDispatched
	}

	vars := TemplateVariables(lead)
	report := domain.BroadcastReport{Total: len(recipients), Results: make([]domain.SendResult, 0, len(recipients))}

	for i, r := range recipients {
		if i > 0 && d.SendDelay > 0 {
			if err := d.sleep(ctx, d.SendDelay); err != nil {
				// caller gave up; remaining vendors are recorded as not sent
				report.Results = append(report.Results, failedResult(r, err))
				report.Failed++
				continue
			}
		}

		res := d.sendOne(ctx, lead.ID, r, vars)
		report.Results = append(report.Results, res)
		if res.Status == domain.SendSent {
			report.Sent++
		} else {
			report.Failed++
		}
	}

	now := d.now()
	from, err := d.Store.CompleteBroadcast(context.WithoutCancel(ctx), store.BroadcastOutcome{
		LeadID:         lead.ID,
		VendorCount:    len(recipients),
		BroadcastCount: report.Sent,
		SentAt:         now,
		EventID:        util.NewID("evt"),
		Metadata: map[string]any{
			"sent":    report.Sent,
			"failed":  report.Failed,
			"results": report.Results,
		},
	})
	if err != nil {
		return report, err
	}

	slog.Info("broadcast complete",
		"lead_id", lead.ID,
		"from_state", from,
		"total", report.Total,
		"sent", report.Sent,
		"failed", report.Failed,
	)
	return report, nil
}

func (d *Dispatcher) sendOne(ctx context.Context, leadID string, r domain.Recipient, vars map[string]string) domain.SendResult {
	start := time.Now()
	var lastErr error

	for attempt := 0; attempt < d.maxAttempts(); attempt++ {
		if d.Limiter != nil {
			waitCtx, cancelWait := context.WithTimeout(ctx, d.sendTimeout())
			err := d.Limiter.Wait(waitCtx)
			cancelWait()
			if err != nil {
				observability.BroadcastSends.WithLabelValues("rate_limited_local").Inc()
				lastErr = err
				continue
			}
		}

		resp, httpStatus, err := d.executeWithBreaker(ctx, r.Phone, vars)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			observability.BroadcastSends.WithLabelValues("circuit_open").Inc()
			slog.Warn("broadcast send skipped, circuit open", "lead_id", leadID, "vendor_phone", r.Phone)
			return failedResult(r, errors.New("circuit_open"))
		}
		if err == nil {
			observability.BroadcastSends.WithLabelValues("sent").Inc()
			observability.BroadcastLatency.Observe(time.Since(start).Seconds())
			d.recordSent(ctx, leadID, r, resp)
			return domain.SendResult{VendorID: r.VendorID, Phone: r.Phone, Status: domain.SendSent, MessageSID: resp.Sid}
		}

		lastErr = err
		observability.BroadcastSends.WithLabelValues("error_" + strconv.Itoa(httpStatus)).Inc()
		slog.Warn("broadcast send failed",
			"lead_id", leadID,
			"vendor_phone", r.Phone,
			"attempt", attempt+1,
			"http_status", httpStatus,
			"err", err,
		)
		if !twilio.ShouldRetry(err, httpStatus) || attempt+1 >= d.maxAttempts() {
			break
		}
		if err := d.sleep(ctx, twilio.Backoff(attempt)); err != nil {
			lastErr = err
			break
		}
	}
	return failedResult(r, lastErr)
}

// recordSent persists the outbound row and bumps the vendor's counters. Both
// writes are best-effort: the message already left.
func (d *Dispatcher) recordSent(ctx context.Context, leadID string, r domain.Recipient, resp twilio.SendResponse) {
	now := d.now()
	if resp.Sid != "" {
		if _, err := d.Store.InsertMessage(ctx, store.MessageInsert{
			SID:       resp.Sid,
			Direction: domain.DirectionOutbound,
			From:      d.FromAddress,
			To:        r.Phone,
			Status:    domain.ParseDeliveryStatus(resp.Status),
			LeadID:    leadID,
			Metadata:  map[string]any{"content_sid": d.ContentSID, "vendor_id": r.VendorID},
			Now:       now,
		}); err != nil {
			slog.Error("broadcast outbound log failed", "err", err, "lead_id", leadID, "message_sid", resp.Sid)
		}
	}
	if r.VendorID != "" {
		if err := d.Store.RecordVendorBroadcast(ctx, r.VendorID, now); err != nil {
			slog.Error("broadcast vendor counter update failed", "err", err, "vendor_id", r.VendorID)
		}
	}
}

func (d *Dispatcher) executeWithBreaker(ctx context.Context, to string, vars map[string]string) (twilio.SendResponse, int, error) {
	var httpStatus int
	call := func() (any, error) {
		reqCtx, cancel := context.WithTimeout(ctx, d.sendTimeout())
		defer cancel()

		resp, status, _, err := d.Sender.SendTemplate(reqCtx, twilio.TemplateRequest{
			To:                to,
			ContentSID:        d.ContentSID,
			Variables:         vars,
			StatusCallbackURL: d.StatusCallbackURL,
		})
		httpStatus = status
		if err != nil {
			return nil, err
		}
		return resp, nil
	}

	var out any
	var err error
	if d.Breaker == nil {
		out, err = call()
	} else {
		out, err = d.Breaker.Execute(call)
	}
	if err != nil {
		return twilio.SendResponse{}, httpStatus, err
	}
	return out.(twilio.SendResponse), httpStatus, nil
}

// TemplateVariables fills the numbered placeholders of the broadcast
// template: item, location, quantity, budget.
func TemplateVariables(l domain.Lead) map[string]string {
	orDash := func(s string) string {
		if s == "" {
			return "-"
		}
		return s
	}
	return map[string]string{
		"1": orDash(l.NeedDescription),
		"2": orDash(l.LocationLabel),
		"3": orDash(l.Quantity),
		"4": orDash(l.Budget),
	}
}

func failedResult(r domain.Recipient, err error) domain.SendResult {
	msg := "send failed"
	if err != nil {
		msg = err.Error()
	}
	return domain.SendResult{VendorID: r.VendorID, Phone: r.Phone, Status: domain.SendFailed, Error: msg}
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return util.NowUTC()
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) error {
	if d.Sleep != nil {
		return d.Sleep(ctx, dur)
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (d *Dispatcher) sendTimeout() time.Duration {
	if d.SendTimeout > 0 {
		return d.SendTimeout
	}
	return DefaultSendTimeout
}

func (d *Dispatcher) maxAttempts() int {
	if d.MaxAttempts > 0 {
		return d.MaxAttempts
	}
	return DefaultMaxAttempts
}

func (d *Dispatcher) maxVendors() int {
	if d != nil && d.MaxVendors > 0 {
		return d.MaxVendors
	}
	return DefaultMaxVendors
}
