package inbound

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadcast/internal/domain"
	"leadcast/internal/store"
	"leadcast/internal/store/sqlite"
)

var t0 = time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)

const (
	vendorPhone  = "+250788123456"
	businessLine = "+250700000000"
)

func newService(t *testing.T) (*Service, *sqlite.Store) {
	t.Helper()
	s, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return &Service{Store: s, Now: func() time.Time { return t0 }}, s
}

// seedBroadcast creates a broadcasted lead with one outbound message to the
// vendor so replies can be associated with it.
func seedBroadcast(t *testing.T, s *sqlite.Store, leadID string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	_, err := s.CreateLead(ctx, store.LeadInsert{ID: leadID, NeedDescription: "tomatoes", Now: at})
	require.NoError(t, err)
	_, err = s.UpsertVendor(ctx, store.VendorUpsert{ID: "vnd_1", Phone: vendorPhone, Name: "Mama Shop", Now: at})
	require.NoError(t, err)
	_, err = s.InsertMessage(ctx, store.MessageInsert{
		SID: "SMout-" + leadID, Direction: domain.DirectionOutbound, From: businessLine, To: vendorPhone,
		Status: domain.DeliverySent, LeadID: leadID, Now: at,
	})
	require.NoError(t, err)
	_, err = s.CompleteBroadcast(ctx, store.BroadcastOutcome{
		LeadID: leadID, VendorCount: 1, BroadcastCount: 1, SentAt: at, EventID: "evt_" + leadID,
	})
	require.NoError(t, err)
}

func reply(sid, body string) domain.MessageEvent {
	return domain.MessageEvent{
		MessageSID: sid,
		Direction:  domain.DirectionInbound,
		From:       "whatsapp:" + vendorPhone,
		To:         "whatsapp:" + businessLine,
		Body:       body,
	}
}

func TestIngestMessageIsIdempotent(t *testing.T) {
	svc, s := newService(t)
	ctx := context.Background()

	first, err := svc.IngestMessage(ctx, reply("SM1", "hello"))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := svc.IngestMessage(ctx, reply("SM1", "hello"))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)

	th, found, err := s.GetThread(ctx, vendorPhone)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, th.MessageCount, "a duplicate must not bump the thread")

	var responses int
	require.NoError(t, s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM vendor_responses`).Scan(&responses))
	assert.Equal(t, 1, responses)
}

func TestIngestConcurrentDuplicatesProduceOneRow(t *testing.T) {
	svc, s := newService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]IngestResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := svc.IngestMessage(ctx, reply("SMdup", "HAVE IT"))
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()

	fresh := 0
	for _, r := range results {
		if !r.Duplicate {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)

	th, _, err := s.GetThread(ctx, vendorPhone)
	require.NoError(t, err)
	assert.Equal(t, 1, th.MessageCount)
}

func TestIngestStampsDirectionTimestamps(t *testing.T) {
	svc, s := newService(t)
	ctx := context.Background()

	_, err := svc.IngestMessage(ctx, reply("SMin", "hi"))
	require.NoError(t, err)
	out := reply("SMout", "template")
	out.Direction = domain.DirectionOutbound
	out.From, out.To = out.To, out.From
	res, err := svc.IngestMessage(ctx, out)
	require.NoError(t, err)
	assert.Empty(t, res.Classification, "outbound messages are not classified")

	in, _, err := s.GetMessage(ctx, "SMin")
	require.NoError(t, err)
	assert.NotNil(t, in.ReceivedAt)
	assert.Nil(t, in.SentAt)
	assert.Equal(t, vendorPhone, in.From)

	o, _, err := s.GetMessage(ctx, "SMout")
	require.NoError(t, err)
	assert.NotNil(t, o.SentAt)
	assert.Nil(t, o.ReceivedAt)

	_, found, err := s.GetThread(ctx, businessLine)
	require.NoError(t, err)
	assert.False(t, found, "threads track inbound senders only")
}

func TestIngestThreadCountsEveryInboundMessage(t *testing.T) {
	svc, s := newService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.IngestMessage(ctx, reply(fmt.Sprintf("SM%d", i), "hi"))
		require.NoError(t, err)
	}
	th, _, err := s.GetThread(ctx, vendorPhone)
	require.NoError(t, err)
	assert.Equal(t, 3, th.MessageCount)
}

func TestIngestRejectsIncompleteEvents(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.IngestMessage(context.Background(), domain.MessageEvent{MessageSID: "SM1", Direction: domain.DirectionInbound})
	assert.ErrorIs(t, err, domain.ErrValidation)

	ev := reply("SM2", "x")
	ev.Direction = "sideways"
	_, err = svc.IngestMessage(context.Background(), ev)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestHaveItAssociatesAndCountsQuoteOnce(t *testing.T) {
	svc, s := newService(t)
	ctx := context.Background()
	seedBroadcast(t, s, "req-1", t0.Add(-time.Hour))

	res, err := svc.IngestMessage(ctx, reply("SM1", "Yes we HAVE IT"))
	require.NoError(t, err)
	assert.Equal(t, "req-1", res.LeadID)
	assert.Equal(t, domain.ResponseHaveIt, res.Classification)
	assert.True(t, res.QuoteCounted)

	again, err := svc.IngestMessage(ctx, reply("SM2", "have it, come today"))
	require.NoError(t, err)
	assert.False(t, again.QuoteCounted)

	lead, _, err := s.GetLead(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, domain.LeadQuoted, lead.Status)
	assert.Equal(t, 1, lead.QuoteCount)

	responses, err := s.ListVendorResponses(ctx, "req-1")
	require.NoError(t, err)
	assert.Len(t, responses, 2, "every classified reply is recorded")
}

func TestButtonReplyIsClassified(t *testing.T) {
	svc, s := newService(t)
	ctx := context.Background()
	seedBroadcast(t, s, "req-2", t0.Add(-time.Hour))

	ev := reply("SMbtn", "")
	ev.ButtonText = "Have it"
	ev.ButtonPayload = "HAVE_IT"
	res, err := svc.IngestMessage(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, domain.ResponseHaveIt, res.Classification)
	assert.True(t, res.QuoteCounted)
}

func TestExplicitLeadWinsOverRecentBroadcast(t *testing.T) {
	svc, s := newService(t)
	ctx := context.Background()
	seedBroadcast(t, s, "req-3", t0.Add(-time.Hour))
	_, err := s.CreateLead(ctx, store.LeadInsert{ID: "req-4", NeedDescription: "onions", Now: t0})
	require.NoError(t, err)

	ev := reply("SM1", "HAVE IT")
	ev.Metadata = map[string]any{"lead_id": "req-4"}
	res, err := svc.IngestMessage(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, "req-4", res.LeadID)
}

func TestReplyOutsideWindowIsUnassociated(t *testing.T) {
	svc, s := newService(t)
	ctx := context.Background()
	seedBroadcast(t, s, "req-5", t0.Add(-8*24*time.Hour))

	res, err := svc.IngestMessage(ctx, reply("SM1", "HAVE IT"))
	require.NoError(t, err)
	assert.Empty(t, res.LeadID)
	assert.False(t, res.QuoteCounted)

	lead, _, err := s.GetLead(ctx, "req-5")
	require.NoError(t, err)
	assert.Equal(t, domain.LeadBroadcasted, lead.Status)
	assert.Zero(t, lead.QuoteCount)
}

func TestQuoteForUnknownLeadIsNotFatal(t *testing.T) {
	svc, _ := newService(t)
	ev := reply("SM1", "HAVE IT")
	ev.LeadID = "ghost"
	res, err := svc.IngestMessage(context.Background(), ev)
	require.NoError(t, err)
	assert.False(t, res.QuoteCounted)
}

func TestStopMessagesDeactivatesVendor(t *testing.T) {
	svc, s := newService(t)
	ctx := context.Background()
	seedBroadcast(t, s, "req-6", t0.Add(-time.Hour))

	res, err := svc.IngestMessage(ctx, reply("SM1", "please STOP MESSAGES"))
	require.NoError(t, err)
	assert.Equal(t, domain.ResponseStopMessages, res.Classification)
	assert.True(t, res.OptedOut)

	v, _, err := s.GetVendorByPhone(ctx, vendorPhone)
	require.NoError(t, err)
	assert.False(t, v.Active)

	lead, _, err := s.GetLead(ctx, "req-6")
	require.NoError(t, err)
	assert.Equal(t, domain.LeadBroadcasted, lead.Status)
}

func TestApplyStatus(t *testing.T) {
	svc, s := newService(t)
	ctx := context.Background()
	seedBroadcast(t, s, "req-7", t0.Add(-time.Hour))

	res, err := svc.ApplyStatus(ctx, domain.StatusEvent{MessageSID: "SMout-req-7", Status: "delivered"})
	require.NoError(t, err)
	assert.True(t, res.Found)

	res, err = svc.ApplyStatus(ctx, domain.StatusEvent{MessageSID: "SMout-req-7", Status: "read"})
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryRead, res.Status)

	// late "sent" callback must not downgrade
	_, err = svc.ApplyStatus(ctx, domain.StatusEvent{MessageSID: "SMout-req-7", Status: "sent"})
	require.NoError(t, err)

	m, _, err := s.GetMessage(ctx, "SMout-req-7")
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryRead, m.Status)
	require.NotNil(t, m.DeliveredAt)
	require.NotNil(t, m.ReadAt)
	assert.True(t, m.DeliveredAt.Equal(t0))
}

func TestApplyStatusFailureCarriesError(t *testing.T) {
	svc, s := newService(t)
	ctx := context.Background()
	seedBroadcast(t, s, "req-8", t0.Add(-time.Hour))

	_, err := svc.ApplyStatus(ctx, domain.StatusEvent{
		MessageSID: "SMout-req-8", Status: "undelivered", ErrorCode: "63016", ErrorMessage: "outside session window",
	})
	require.NoError(t, err)

	m, _, err := s.GetMessage(ctx, "SMout-req-8")
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryFailed, m.Status)
	assert.Equal(t, "63016", m.ErrorCode)
	assert.Nil(t, m.DeliveredAt)
}

func TestApplyStatusUnknownMessageIsNoop(t *testing.T) {
	svc, _ := newService(t)
	res, err := svc.ApplyStatus(context.Background(), domain.StatusEvent{MessageSID: "SMnope", Status: "delivered"})
	require.NoError(t, err)
	assert.False(t, res.Found)

	_, err = svc.ApplyStatus(context.Background(), domain.StatusEvent{MessageSID: "SMnope"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}
