package status

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadcast/internal/classify"
	"leadcast/internal/domain"
	"leadcast/internal/store"
)

var t0 = time.Date(2026, 5, 10, 14, 0, 0, 0, time.UTC)

type fakeStore struct {
	leads    map[string]domain.Lead
	messages map[string][]store.LeadMessage
	err      error
	dirs     []domain.Direction
}

func (f *fakeStore) GetLead(_ context.Context, id string) (domain.Lead, bool, error) {
	if f.err != nil {
		return domain.Lead{}, false, f.err
	}
	l, ok := f.leads[id]
	return l, ok, nil
}

func (f *fakeStore) ListLeadMessages(_ context.Context, leadID string, dir domain.Direction) ([]store.LeadMessage, error) {
	f.dirs = append(f.dirs, dir)
	return f.messages[leadID], nil
}

func inbound(sid, from, body string, at time.Time, vendorID, name string) store.LeadMessage {
	return store.LeadMessage{
		Message: domain.Message{
			SID: sid, Direction: domain.DirectionInbound, From: from, Body: body,
			ReceivedAt: &at, CreatedAt: at,
		},
		VendorID:   vendorID,
		VendorName: name,
	}
}

func newFixture() *fakeStore {
	sent := t0.Add(-10 * time.Minute)
	return &fakeStore{
		leads: map[string]domain.Lead{
			"req-1": {
				ID: "req-1", Status: domain.LeadQuoted, NeedDescription: "rice",
				VendorCount: 4, BroadcastCount: 4, QuoteCount: 7, BroadcastSentAt: &sent,
			},
		},
		messages: map[string][]store.LeadMessage{
			"req-1": {
				inbound("SM4", "+250788000004", "sorry NO STOCK today", t0.Add(4*time.Minute), "vnd_4", "Delta"),
				inbound("SM3", "+250788000003", "we have it at 1200", t0.Add(3*time.Minute), "vnd_3", "Gamma"),
				inbound("SM2", "+250788000002", "STOP MESSAGES", t0.Add(2*time.Minute), "vnd_2", "Beta"),
				inbound("SM1", "+250788000001", "HAVE IT", t0.Add(time.Minute), "vnd_1", "Alpha"),
				inbound("SM0", "+250788000001", "what size?", t0, "vnd_1", "Alpha"),
			},
		},
	}
}

func TestGetStatusRecomputesCountsFromBodies(t *testing.T) {
	fs := newFixture()
	agg := &Aggregator{Store: fs}

	rep, err := agg.GetStatus(context.Background(), "req-1")
	require.NoError(t, err)

	// lead.QuoteCount is 7 but only two bodies confirm; counts never trust it
	assert.Equal(t, Counts{HaveIt: 2, NoStock: 1, StopMessages: 1, Other: 1, Total: 5}, rep.Responses)
	assert.Equal(t, 7, rep.Lead.QuoteCount)
	assert.Equal(t, []domain.Direction{domain.DirectionInbound}, fs.dirs)

	for i, m := range rep.Messages {
		assert.Equal(t, classify.Classify(fs.messages["req-1"][i].Body), m.ResponseType)
	}
}

func TestGetStatusKeepsNewestFirstWithVendorDetail(t *testing.T) {
	agg := &Aggregator{Store: newFixture()}

	rep, err := agg.GetStatus(context.Background(), "req-1")
	require.NoError(t, err)

	require.Len(t, rep.Messages, 5)
	assert.Equal(t, "SM4", rep.Messages[0].MessageSID)
	assert.Equal(t, "Delta", rep.Messages[0].VendorName)
	assert.Equal(t, "+250788000004", rep.Messages[0].Phone)
	assert.Equal(t, "sorry NO STOCK today", rep.Messages[0].Snippet)

	assert.Equal(t, "req-1", rep.Lead.ID)
	assert.Equal(t, 4, rep.Lead.BroadcastCount)
	require.NotNil(t, rep.Lead.BroadcastSentAt)
}

func TestConfirmedIsOnePerVendor(t *testing.T) {
	fs := newFixture()
	fs.messages["req-1"] = append([]store.LeadMessage{
		inbound("SM5", "+250788000003", "HAVE IT still", t0.Add(5*time.Minute), "vnd_3", "Gamma"),
	}, fs.messages["req-1"]...)
	agg := &Aggregator{Store: fs}

	rep, err := agg.GetStatus(context.Background(), "req-1")
	require.NoError(t, err)

	confirmed := rep.Confirmed()
	require.Len(t, confirmed, 2)
	assert.Equal(t, "SM5", confirmed[0].MessageSID)
	assert.Equal(t, "vnd_1", confirmed[1].VendorID)
}

func TestConfirmedKeysOnPhone(t *testing.T) {
	rep := Report{Messages: []MessageView{
		{MessageSID: "SM2", VendorID: "vnd_1", Phone: "+250788000001", ResponseType: domain.ResponseHaveIt},
		{MessageSID: "SM1", Phone: "+250788000001", ResponseType: domain.ResponseHaveIt},
		{MessageSID: "SM0", VendorID: "vnd_2", ResponseType: domain.ResponseHaveIt},
	}}

	confirmed := rep.Confirmed()
	require.Len(t, confirmed, 2)
	assert.Equal(t, "SM2", confirmed[0].MessageSID)
	assert.Equal(t, "vnd_2", confirmed[1].VendorKey())
}

func TestGetStatusErrors(t *testing.T) {
	agg := &Aggregator{Store: newFixture()}

	_, err := agg.GetStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = agg.GetStatus(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrValidation)

	boom := errors.New("db down")
	agg = &Aggregator{Store: &fakeStore{err: boom}}
	_, err = agg.GetStatus(context.Background(), "req-1")
	assert.ErrorIs(t, err, boom)
}

func TestGetStatusEmptyLeadHasNoMessages(t *testing.T) {
	fs := newFixture()
	fs.leads["req-2"] = domain.Lead{ID: "req-2", Status: domain.LeadBroadcasted}
	agg := &Aggregator{Store: fs}

	rep, err := agg.GetStatus(context.Background(), "req-2")
	require.NoError(t, err)
	assert.NotNil(t, rep.Messages)
	assert.Empty(t, rep.Messages)
	assert.Zero(t, rep.Responses.Total)
}
