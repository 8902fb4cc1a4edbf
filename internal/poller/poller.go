// Package poller is the requester-side loop that watches one broadcast for
// vendor confirmations. A session moves Idle -> Polling -> Stopped; polls are
// scheduled one at a time with a re-armed timer and the session ends on its
// own once the budget measured from the start time is spent.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"leadcast/internal/domain"
	"leadcast/internal/phone"
	"leadcast/internal/status"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultBudget   = 90 * time.Second
)

type State int

const (
	Idle State = iota
	Polling
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type StopReason string

const (
	StopBudget   StopReason = "budget_elapsed"
	StopCanceled StopReason = "canceled"
	StopReplaced StopReason = "replaced"
)

type StatusFetcher interface {
	FetchStatus(ctx context.Context, requestID string) (status.Report, error)
}

// Notifier surfaces confirmations to the user. Notify fires once per vendor;
// AppendSystemMessage receives each poll's batch of new confirmations.
type Notifier interface {
	Notify(c Confirmation)
	AppendSystemMessage(requestID string, confirmed []Confirmation)
}

// Session is what the poller records when a broadcast has been initiated.
type Session struct {
	RequestID string
	StartedAt time.Time
	Vendors   []domain.Business
	Item      string
}

type Confirmation struct {
	RequestID  string    `json:"requestId"`
	VendorID   string    `json:"vendorId,omitempty"`
	VendorName string    `json:"vendorName,omitempty"`
	Phone      string    `json:"phone"`
	Snippet    string    `json:"snippet"`
	ReceivedAt time.Time `json:"receivedAt"`
	ChatLink   string    `json:"chatLink,omitempty"`
}

type Poller struct {
	Fetcher  StatusFetcher
	Notifier Notifier
	Clock    Clock
	Interval time.Duration
	Budget   time.Duration
	// OnStop, if set, is called once per session when it leaves Polling.
	OnStop func(s Session, reason StopReason)

	mu       sync.Mutex
	state    State
	gen      uint64
	session  Session
	notified map[string]struct{}
	next     Timer
	deadline Timer
}

func (p *Poller) clock() Clock {
	if p.Clock == nil {
		return RealClock()
	}
	return p.Clock
}

func (p *Poller) interval() time.Duration {
	if p.Interval > 0 {
		return p.Interval
	}
	return DefaultInterval
}

func (p *Poller) budget() time.Duration {
	if p.Budget > 0 {
		return p.Budget
	}
	return DefaultBudget
}

func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start begins a session. An active session is stopped first and its
// notified set discarded.
func (p *Poller) Start(s Session) {
	clk := p.clock()
	if s.StartedAt.IsZero() {
		s.StartedAt = clk.Now()
	}

	p.mu.Lock()
	prev, replaced := p.session, p.state == Polling
	if replaced {
		p.haltLocked()
	}
	p.gen++
	gen := p.gen
	p.state = Polling
	p.session = s
	p.notified = make(map[string]struct{})

	remaining := p.budget() - clk.Now().Sub(s.StartedAt)
	if remaining < 0 {
		remaining = 0
	}
	p.deadline = clk.AfterFunc(remaining, func() { p.stop(gen, StopBudget) })
	p.next = clk.AfterFunc(p.interval(), func() { p.poll(gen) })
	p.mu.Unlock()

	if replaced && p.OnStop != nil {
		p.OnStop(prev, StopReplaced)
	}
	slog.Debug("poller started", "request_id", s.RequestID, "budget", p.budget())
}

// Stop cancels the active session. An in-flight status call is not aborted
// but its result is discarded.
func (p *Poller) Stop() {
	p.mu.Lock()
	gen := p.gen
	p.mu.Unlock()
	p.stop(gen, StopCanceled)
}

func (p *Poller) stop(gen uint64, reason StopReason) {
	p.mu.Lock()
	if p.state != Polling || gen != p.gen {
		p.mu.Unlock()
		return
	}
	p.haltLocked()
	s := p.session
	p.mu.Unlock()

	slog.Debug("poller stopped", "request_id", s.RequestID, "reason", reason)
	if p.OnStop != nil {
		p.OnStop(s, reason)
	}
}

func (p *Poller) haltLocked() {
	p.state = Stopped
	if p.next != nil {
		p.next.Stop()
		p.next = nil
	}
	if p.deadline != nil {
		p.deadline.Stop()
		p.deadline = nil
	}
}

func (p *Poller) current(gen uint64) bool {
	return p.state == Polling && gen == p.gen
}

func (p *Poller) poll(gen uint64) {
	p.mu.Lock()
	if !p.current(gen) {
		p.mu.Unlock()
		return
	}
	id := p.session.RequestID
	p.mu.Unlock()

	rep, err := p.Fetcher.FetchStatus(context.Background(), id)

	p.mu.Lock()
	if !p.current(gen) {
		p.mu.Unlock()
		return
	}
	clk := p.clock()
	if clk.Now().Sub(p.session.StartedAt) >= p.budget() {
		p.mu.Unlock()
		p.stop(gen, StopBudget)
		return
	}
	var fresh []Confirmation
	if err != nil {
		// A failed poll is "no new data this cycle".
		slog.Debug("poll failed", "request_id", id, "err", err)
	} else {
		fresh = p.collectLocked(rep)
	}
	p.next = clk.AfterFunc(p.interval(), func() { p.poll(gen) })
	item := p.session.Item
	p.mu.Unlock()

	if len(fresh) == 0 || p.Notifier == nil {
		return
	}
	for i := range fresh {
		fresh[i].ChatLink = ChatLink(fresh[i].Phone, fresh[i].VendorName, item)
		p.Notifier.Notify(fresh[i])
	}
	p.Notifier.AppendSystemMessage(id, fresh)
}

func (p *Poller) collectLocked(rep status.Report) []Confirmation {
	var out []Confirmation
	for _, m := range rep.Confirmed() {
		key := m.VendorKey()
		if _, seen := p.notified[key]; seen {
			continue
		}
		p.notified[key] = struct{}{}
		out = append(out, Confirmation{
			RequestID:  p.session.RequestID,
			VendorID:   m.VendorID,
			VendorName: m.VendorName,
			Phone:      m.Phone,
			Snippet:    m.Snippet,
			ReceivedAt: m.ReceivedAt,
		})
	}
	return out
}

// ChatLink is a wa.me deep link that opens a chat with the vendor prefilled
// with a follow-up about item. It is empty when the phone has no digits.
func ChatLink(normalizedPhone, vendorName, item string) string {
	digits := phone.Digits(normalizedPhone)
	if digits == "" {
		return ""
	}
	greeting := "Hello"
	if vendorName != "" {
		greeting += " " + vendorName
	}
	text := greeting + ", I saw you have it in stock."
	if item != "" {
		text = fmt.Sprintf("%s, I saw you have %s in stock.", greeting, item)
	}
	return "https://wa.me/" + digits + "?text=" + url.QueryEscape(text)
}
