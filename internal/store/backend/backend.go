// Package backend selects and opens the configured store implementation.
package backend

import (
	"context"
	"fmt"
	"time"

	"leadcast/internal/domain"
	"leadcast/internal/store"
	"leadcast/internal/store/pg"
	"leadcast/internal/store/sqlite"
)

// Store is the full persistence surface shared by the dispatch path and the
// webhook path. Both implementations must satisfy it.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	CreateLead(ctx context.Context, in store.LeadInsert) (bool, error)
	GetLead(ctx context.Context, id string) (domain.Lead, bool, error)
	ClaimDispatch(ctx context.Context, leadID string, now time.Time) (bool, error)
	CompleteBroadcast(ctx context.Context, in store.BroadcastOutcome) (domain.LeadStatus, error)
	CloseLead(ctx context.Context, in store.LeadClose) (domain.LeadStatus, error)
	RecordQuote(ctx context.Context, in store.QuoteRecord) (store.QuoteResult, error)
	ListLeadEvents(ctx context.Context, leadID string) ([]domain.LeadEvent, error)

	UpsertVendor(ctx context.Context, in store.VendorUpsert) (domain.Vendor, error)
	GetVendorByPhone(ctx context.Context, phone string) (domain.Vendor, bool, error)
	ListActiveVendors(ctx context.Context, category string, limit int) ([]domain.Vendor, error)
	RecordVendorBroadcast(ctx context.Context, vendorID string, at time.Time) error
	DeactivateVendor(ctx context.Context, phone string, now time.Time) (bool, error)
	SetVendorActive(ctx context.Context, phone string, active bool, now time.Time) (bool, error)

	InsertMessage(ctx context.Context, in store.MessageInsert) (bool, error)
	UpdateMessageStatus(ctx context.Context, in store.MessageStatusUpdate) (bool, error)
	GetMessage(ctx context.Context, sid string) (domain.Message, bool, error)
	ListLeadMessages(ctx context.Context, leadID string, dir domain.Direction) ([]store.LeadMessage, error)
	LatestLeadForPhone(ctx context.Context, phone string, since time.Time) (string, bool, error)

	UpsertThread(ctx context.Context, phone string, at time.Time) error
	GetThread(ctx context.Context, phone string) (domain.Thread, bool, error)

	InsertVendorResponse(ctx context.Context, in store.VendorResponseInsert) (bool, error)
	ListVendorResponses(ctx context.Context, leadID string) ([]domain.VendorResponse, error)
}

var (
	_ Store = (*pg.Store)(nil)
	_ Store = (*sqlite.Store)(nil)
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Options struct {
	Driver  string
	DSN     string
	Pool    pg.PoolOptions
	Migrate bool
}

func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", DriverPostgres:
		return pg.Open(ctx, opts.DSN, opts.Pool, opts.Migrate)
	case DriverSQLite:
		return sqlite.Open(ctx, opts.DSN)
	default:
		return nil, fmt.Errorf("%w: unknown STORE_DRIVER %q", domain.ErrConfiguration, opts.Driver)
	}
}
