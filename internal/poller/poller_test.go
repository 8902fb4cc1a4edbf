package poller

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadcast/internal/domain"
	"leadcast/internal/status"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type scriptedFetcher struct {
	mu    sync.Mutex
	calls int
	// respond builds the report for the n-th call (1-based).
	respond func(n int) (status.Report, error)
}

func (f *scriptedFetcher) FetchStatus(ctx context.Context, requestID string) (status.Report, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if f.respond == nil {
		return status.Report{}, nil
	}
	return f.respond(n)
}

func (f *scriptedFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingNotifier struct {
	notified []Confirmation
	batches  [][]Confirmation
}

func (n *recordingNotifier) Notify(c Confirmation) { n.notified = append(n.notified, c) }

func (n *recordingNotifier) AppendSystemMessage(requestID string, confirmed []Confirmation) {
	n.batches = append(n.batches, confirmed)
}

func haveIt(vendorID, phone, name string) status.MessageView {
	return status.MessageView{
		MessageSID:   "SM" + vendorID,
		VendorID:     vendorID,
		VendorName:   name,
		Phone:        phone,
		Snippet:      "yes we have it",
		ResponseType: domain.ResponseHaveIt,
		ReceivedAt:   t0,
	}
}

func newPoller(clk *fakeClock, f StatusFetcher, n Notifier) *Poller {
	return &Poller{Fetcher: f, Notifier: n, Clock: clk, Interval: 5 * time.Second, Budget: 90 * time.Second}
}

func TestPollerStopsAfterBudget(t *testing.T) {
	clk := newFakeClock(t0)
	f := &scriptedFetcher{}
	var stops []StopReason
	p := newPoller(clk, f, &recordingNotifier{})
	p.OnStop = func(s Session, r StopReason) { stops = append(stops, r) }

	assert.Equal(t, Idle, p.State())
	p.Start(Session{RequestID: "req-1"})
	assert.Equal(t, Polling, p.State())

	clk.Advance(89 * time.Second)
	assert.Equal(t, 17, f.count())
	assert.Equal(t, Polling, p.State())

	clk.Advance(time.Second)
	assert.Equal(t, Stopped, p.State())
	assert.Equal(t, []StopReason{StopBudget}, stops)

	clk.Advance(time.Minute)
	assert.Equal(t, 17, f.count())
	assert.Zero(t, clk.pending())
}

func TestPollerNeverSurfacesLateConfirmation(t *testing.T) {
	clk := newFakeClock(t0)
	n := &recordingNotifier{}
	f := &scriptedFetcher{respond: func(int) (status.Report, error) {
		if clk.Now().Sub(t0) >= 90*time.Second {
			return status.Report{Messages: []status.MessageView{haveIt("v1", "+250788123456", "Amani")}}, nil
		}
		return status.Report{}, nil
	}}
	p := newPoller(clk, f, n)
	p.Start(Session{RequestID: "req-1"})

	clk.Advance(3 * time.Minute)

	assert.Empty(t, n.notified)
	assert.Equal(t, Stopped, p.State())
}

func TestPollerDiscardsSlowResultPastBudget(t *testing.T) {
	clk := newFakeClock(t0)
	n := &recordingNotifier{}
	f := &scriptedFetcher{}
	f.respond = func(call int) (status.Report, error) {
		if call == 17 {
			// The 85s poll takes 10s to come back.
			clk.mu.Lock()
			clk.now = clk.now.Add(10 * time.Second)
			clk.mu.Unlock()
			return status.Report{Messages: []status.MessageView{haveIt("v1", "+250788123456", "Amani")}}, nil
		}
		return status.Report{}, nil
	}
	p := newPoller(clk, f, n)
	p.Start(Session{RequestID: "req-1"})

	clk.Advance(85 * time.Second)

	assert.Equal(t, 17, f.count())
	assert.Empty(t, n.notified)
	assert.Equal(t, Stopped, p.State())
}

func TestPollerNotifiesEachVendorOnce(t *testing.T) {
	clk := newFakeClock(t0)
	n := &recordingNotifier{}
	f := &scriptedFetcher{respond: func(call int) (status.Report, error) {
		msgs := []status.MessageView{haveIt("v1", "+250788123456", "Amani")}
		if call >= 3 {
			msgs = append([]status.MessageView{haveIt("v2", "+250788654321", "Bella")}, msgs...)
		}
		return status.Report{Messages: msgs}, nil
	}}
	p := newPoller(clk, f, n)
	p.Start(Session{RequestID: "req-1", Item: "cement"})

	clk.Advance(20 * time.Second)

	require.Len(t, n.notified, 2)
	assert.Equal(t, "v1", n.notified[0].VendorID)
	assert.Equal(t, "v2", n.notified[1].VendorID)
	assert.Equal(t, "req-1", n.notified[0].RequestID)
	require.Len(t, n.batches, 2)
	assert.Len(t, n.batches[0], 1)
	assert.Len(t, n.batches[1], 1)

	link := n.notified[0].ChatLink
	assert.True(t, strings.HasPrefix(link, "https://wa.me/250788123456?text="), link)
	assert.Contains(t, link, "cement")
}

func TestPollerKeysByPhoneWithoutVendorID(t *testing.T) {
	clk := newFakeClock(t0)
	n := &recordingNotifier{}
	f := &scriptedFetcher{respond: func(int) (status.Report, error) {
		return status.Report{Messages: []status.MessageView{haveIt("", "+250788123456", "")}}, nil
	}}
	p := newPoller(clk, f, n)
	p.Start(Session{RequestID: "req-1"})

	clk.Advance(30 * time.Second)

	assert.Len(t, n.notified, 1)
}

func TestPollerKeepsVendorOnceWhenIDAppears(t *testing.T) {
	clk := newFakeClock(t0)
	n := &recordingNotifier{}
	f := &scriptedFetcher{respond: func(call int) (status.Report, error) {
		// the directory learns the number between polls
		if call == 1 {
			return status.Report{Messages: []status.MessageView{haveIt("", "+250788123456", "")}}, nil
		}
		return status.Report{Messages: []status.MessageView{haveIt("vnd_01", "+250788123456", "Amani")}}, nil
	}}
	p := newPoller(clk, f, n)
	p.Start(Session{RequestID: "req-1"})

	clk.Advance(30 * time.Second)

	require.Len(t, n.notified, 1)
	assert.Empty(t, n.notified[0].VendorID)
}

func TestPollerIgnoresFetchErrors(t *testing.T) {
	clk := newFakeClock(t0)
	n := &recordingNotifier{}
	f := &scriptedFetcher{respond: func(call int) (status.Report, error) {
		if call < 3 {
			return status.Report{}, errors.New("connection reset")
		}
		return status.Report{Messages: []status.MessageView{haveIt("v1", "+250788123456", "Amani")}}, nil
	}}
	p := newPoller(clk, f, n)
	p.Start(Session{RequestID: "req-1"})

	clk.Advance(15 * time.Second)

	assert.Equal(t, 3, f.count())
	assert.Len(t, n.notified, 1)
	assert.Equal(t, Polling, p.State())
}

func TestPollerStopDiscardsInFlightResult(t *testing.T) {
	clk := newFakeClock(t0)
	n := &recordingNotifier{}
	var p *Poller
	f := &scriptedFetcher{respond: func(int) (status.Report, error) {
		p.Stop()
		return status.Report{Messages: []status.MessageView{haveIt("v1", "+250788123456", "Amani")}}, nil
	}}
	var stops []StopReason
	p = newPoller(clk, f, n)
	p.OnStop = func(s Session, r StopReason) { stops = append(stops, r) }
	p.Start(Session{RequestID: "req-1"})

	clk.Advance(time.Minute)

	assert.Equal(t, 1, f.count())
	assert.Empty(t, n.notified)
	assert.Equal(t, []StopReason{StopCanceled}, stops)
	assert.Zero(t, clk.pending())
}

func TestPollerStartReplacesSession(t *testing.T) {
	clk := newFakeClock(t0)
	n := &recordingNotifier{}
	f := &scriptedFetcher{respond: func(int) (status.Report, error) {
		return status.Report{Messages: []status.MessageView{haveIt("v1", "+250788123456", "Amani")}}, nil
	}}
	var stopped []string
	p := newPoller(clk, f, n)
	p.OnStop = func(s Session, r StopReason) {
		if r == StopReplaced {
			stopped = append(stopped, s.RequestID)
		}
	}

	p.Start(Session{RequestID: "req-1"})
	clk.Advance(5 * time.Second)
	p.Start(Session{RequestID: "req-2"})
	clk.Advance(5 * time.Second)

	assert.Equal(t, []string{"req-1"}, stopped)
	require.Len(t, n.notified, 2)
	assert.Equal(t, "req-1", n.notified[0].RequestID)
	assert.Equal(t, "req-2", n.notified[1].RequestID)
	assert.Equal(t, 2, clk.pending())
}

func TestChatLink(t *testing.T) {
	assert.Equal(t, "", ChatLink("", "Amani", "cement"))
	assert.Equal(t, "https://wa.me/250788123456?text=Hello+Amani%2C+I+saw+you+have+cement+in+stock.",
		ChatLink("+250788123456", "Amani", "cement"))
}

func TestHistoryCapsAndOrders(t *testing.T) {
	h, err := NewHistory("")
	require.NoError(t, err)

	for i := 0; i < 12; i++ {
		require.NoError(t, h.Add(HistoryEntry{RequestID: string(rune('a' + i)), CreatedAt: t0.Add(time.Duration(i) * time.Minute)}))
	}
	got := h.List()
	require.Len(t, got, MaxHistory)
	assert.Equal(t, "l", got[0].RequestID)
	assert.Equal(t, "c", got[MaxHistory-1].RequestID)

	require.NoError(t, h.Add(HistoryEntry{RequestID: "f", Item: "again"}))
	got = h.List()
	require.Len(t, got, MaxHistory)
	assert.Equal(t, "f", got[0].RequestID)
	assert.Equal(t, "again", got[0].Item)
	assert.Equal(t, "l", got[1].RequestID)
	assert.Equal(t, "c", got[MaxHistory-1].RequestID)
}

func TestHistoryPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watch", "history.json")

	h, err := NewHistory(path)
	require.NoError(t, err)
	require.NoError(t, h.Add(HistoryEntry{RequestID: "req-1", Item: "cement", VendorCount: 3, CreatedAt: t0}))
	require.NoError(t, h.Add(HistoryEntry{RequestID: "req-2", Item: "sand", CreatedAt: t0.Add(time.Hour)}))

	reloaded, err := NewHistory(path)
	require.NoError(t, err)
	got := reloaded.List()
	require.Len(t, got, 2)
	assert.Equal(t, "req-2", got[0].RequestID)
	assert.Equal(t, "req-1", got[1].RequestID)
	assert.Equal(t, 3, got[1].VendorCount)
	assert.True(t, got[1].CreatedAt.Equal(t0))
}
