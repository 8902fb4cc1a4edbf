//go:build integration

package pg

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadcast/internal/domain"
	"leadcast/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// setupTestDB runs the migrations into a throwaway schema so tests can run
// against a shared database.
func setupTestDB(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN not set")
	}
	ctx := context.Background()

	schema := fmt.Sprintf("test_%d", time.Now().UnixNano())
	admin, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)

	scoped, err := withSearchPath(dsn, schema)
	require.NoError(t, err)
	s, err := Open(ctx, scoped, PoolOptions{MaxConns: 8}, true)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = s.Close()
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	})
	return s
}

func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	opts := q.Get("options")
	if opts != "" {
		opts += " -c search_path=" + schema
	} else {
		opts = "-c search_path=" + schema
	}
	q.Set("options", opts)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func seedLead(t *testing.T, s *Store, id string) {
	t.Helper()
	created, err := s.CreateLead(context.Background(), store.LeadInsert{
		ID: id, NeedDescription: "cement", LocationLabel: "Remera", Now: t0,
	})
	require.NoError(t, err)
	require.True(t, created)
}

func TestPGLeadLifecycle(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	seedLead(t, s, "req-1")

	created, err := s.CreateLead(ctx, store.LeadInsert{ID: "req-1", NeedDescription: "other", Now: t0})
	require.NoError(t, err)
	assert.False(t, created)

	from, err := s.CompleteBroadcast(ctx, store.BroadcastOutcome{
		LeadID: "req-1", VendorCount: 3, BroadcastCount: 2, SentAt: t0, EventID: "evt_b",
		Metadata: map[string]any{"sent": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.LeadPending, from)

	res, err := s.RecordQuote(ctx, store.QuoteRecord{LeadID: "req-1", VendorPhone: "+250788000001", MessageSID: "SMa", EventID: "evt_q1", Now: t0})
	require.NoError(t, err)
	assert.True(t, res.Counted)
	assert.Equal(t, domain.LeadQuoted, res.ToState)

	res, err = s.RecordQuote(ctx, store.QuoteRecord{LeadID: "req-1", VendorPhone: "+250788000001", MessageSID: "SMb", EventID: "evt_q2", Now: t0})
	require.NoError(t, err)
	assert.False(t, res.Counted)
	assert.Equal(t, 1, res.QuoteCount)

	_, err = s.CloseLead(ctx, store.LeadClose{LeadID: "req-1", ToState: domain.LeadFulfilled, EventID: "evt_c", Now: t0})
	require.NoError(t, err)
	_, err = s.CloseLead(ctx, store.LeadClose{LeadID: "req-1", ToState: domain.LeadAbandoned, EventID: "evt_c2", Now: t0})
	assert.True(t, errors.Is(err, store.ErrInvalidTransition))

	events, err := s.ListLeadEvents(ctx, "req-1")
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestPGInsertMessageConcurrentDuplicates(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.InsertMessage(ctx, store.MessageInsert{
				SID: "SM-race", Direction: domain.DirectionInbound, From: "+250788123456", To: "+250700000000",
				Status: domain.DeliveryDelivered, Now: t0,
			})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestPGStatusNeverDowngrades(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	_, err := s.InsertMessage(ctx, store.MessageInsert{
		SID: "SM2", Direction: domain.DirectionOutbound, From: "+250700000000", To: "+250788123456",
		Status: domain.DeliveryQueued, Now: t0,
	})
	require.NoError(t, err)

	_, err = s.UpdateMessageStatus(ctx, store.MessageStatusUpdate{SID: "SM2", Status: domain.DeliveryRead})
	require.NoError(t, err)
	_, err = s.UpdateMessageStatus(ctx, store.MessageStatusUpdate{SID: "SM2", Status: domain.DeliverySent})
	require.NoError(t, err)

	m, found, err := s.GetMessage(ctx, "SM2")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.DeliveryRead, m.Status)
}

func TestPGLatestLeadForPhone(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	seedLead(t, s, "req-old")
	seedLead(t, s, "req-new")
	for i, lead := range []string{"req-old", "req-new"} {
		_, err := s.InsertMessage(ctx, store.MessageInsert{
			SID: fmt.Sprintf("SMo%d", i), Direction: domain.DirectionOutbound, From: "+250700000000", To: "+250788123456",
			Status: domain.DeliverySent, LeadID: lead, Now: t0.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}

	id, found, err := s.LatestLeadForPhone(ctx, "+250788123456", t0.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "req-new", id)

	_, found, err = s.LatestLeadForPhone(ctx, "+250788123456", t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPGClaimDispatchOnce(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	seedLead(t, s, "req-claim")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimDispatch(ctx, "req-claim", t0)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	_, err := s.CompleteBroadcast(ctx, store.BroadcastOutcome{LeadID: "req-claim", VendorCount: 2, BroadcastCount: 2, SentAt: t0, EventID: "evt_b1"})
	require.NoError(t, err)
	_, err = s.CompleteBroadcast(ctx, store.BroadcastOutcome{LeadID: "req-claim", VendorCount: 5, BroadcastCount: 0, SentAt: t0, EventID: "evt_b2"})
	assert.True(t, errors.Is(err, store.ErrInvalidTransition))

	l, _, err := s.GetLead(ctx, "req-claim")
	require.NoError(t, err)
	assert.Equal(t, 2, l.VendorCount)
}
