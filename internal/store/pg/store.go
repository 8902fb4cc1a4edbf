package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"leadcast/internal/domain"
	"leadcast/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }

func (s *Store) Close() error {
	s.DB.Close()
	return nil
}

const leadColumns = `id, need_description, location_label, quantity, budget, status,
	vendor_count, broadcast_count, quote_count, broadcast_sent_at, created_at, updated_at`

func scanLead(row pgx.Row) (domain.Lead, error) {
	var l domain.Lead
	var status string
	err := row.Scan(&l.ID, &l.NeedDescription, &l.LocationLabel, &l.Quantity, &l.Budget, &status,
		&l.VendorCount, &l.BroadcastCount, &l.QuoteCount, &l.BroadcastSentAt, &l.CreatedAt, &l.UpdatedAt)
	l.Status = domain.LeadStatus(status)
	return l, err
}

// CreateLead inserts the lead unless a lead with the same id exists.
func (s *Store) CreateLead(ctx context.Context, in store.LeadInsert) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO leads (id, need_description, location_label, quantity, budget, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,'pending',$6,$6)
		ON CONFLICT (id) DO NOTHING
	`, in.ID, in.NeedDescription, in.LocationLabel, in.Quantity, in.Budget, in.Now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) GetLead(ctx context.Context, id string) (domain.Lead, bool, error) {
	l, err := scanLead(s.DB.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Lead{}, false, nil
		}
		return domain.Lead{}, false, err
	}
	return l, true, nil
}

// CompleteBroadcast stamps the aggregate counters after a send loop and
// records the transition. It returns the status the lead had before.
// ClaimDispatch marks a pending lead as being broadcast. Only one caller
// wins the claim; every other caller gets false and must not send.
func (s *Store) ClaimDispatch(ctx context.Context, leadID string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE leads SET dispatch_claimed_at=$2, updated_at=$2
		WHERE id=$1 AND status='pending' AND dispatch_claimed_at IS NULL
	`, leadID, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

// CompleteBroadcast records the broadcast counters once. The status only
// moves forward, so a lead that was quoted or closed mid-broadcast keeps
// its state and the event records the state actually applied.
func (s *Store) CompleteBroadcast(ctx context.Context, in store.BroadcastOutcome) (domain.LeadStatus, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var cur string
	var sentAt *time.Time
	if err := tx.QueryRow(ctx, `SELECT status, broadcast_sent_at FROM leads WHERE id=$1 FOR UPDATE`, in.LeadID).Scan(&cur, &sentAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.NotFoundError("lead", in.LeadID)
		}
		return "", err
	}
	from := domain.LeadStatus(cur)
	if sentAt != nil {
		return from, fmt.Errorf("%w: broadcast already recorded for %s", store.ErrInvalidTransition, in.LeadID)
	}
	to := from.Advance(domain.LeadBroadcasted)

	if _, err := tx.Exec(ctx, `
		UPDATE leads
		SET status=$2, vendor_count=$3, broadcast_count=$4, broadcast_sent_at=$5, updated_at=$5
		WHERE id=$1
	`, in.LeadID, string(to), in.VendorCount, in.BroadcastCount, in.SentAt); err != nil {
		return "", err
	}
	if err := insertLeadEvent(ctx, tx, in.EventID, in.LeadID, from, to, in.Metadata, in.SentAt); err != nil {
		return "", err
	}
	return from, tx.Commit(ctx)
}

func (s *Store) CloseLead(ctx context.Context, in store.LeadClose) (domain.LeadStatus, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var cur string
	if err := tx.QueryRow(ctx, `SELECT status FROM leads WHERE id=$1 FOR UPDATE`, in.LeadID).Scan(&cur); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.NotFoundError("lead", in.LeadID)
		}
		return "", err
	}
	from := domain.LeadStatus(cur)
	if from.Advance(in.ToState) != in.ToState {
		return from, fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, from, in.ToState)
	}
	if _, err := tx.Exec(ctx, `UPDATE leads SET status=$2, updated_at=$3 WHERE id=$1`, in.LeadID, string(in.ToState), in.Now); err != nil {
		return "", err
	}
	if err := insertLeadEvent(ctx, tx, in.EventID, in.LeadID, from, in.ToState, map[string]any{"reason": in.Reason}, in.Now); err != nil {
		return "", err
	}
	return from, tx.Commit(ctx)
}

// RecordQuote counts a vendor's confirmation once per lead and advances the
// lead to quoted.
func (s *Store) RecordQuote(ctx context.Context, in store.QuoteRecord) (store.QuoteResult, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return store.QuoteResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var cur string
	var count int
	if err := tx.QueryRow(ctx, `SELECT status, quote_count FROM leads WHERE id=$1 FOR UPDATE`, in.LeadID).Scan(&cur, &count); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.QuoteResult{}, domain.NotFoundError("lead", in.LeadID)
		}
		return store.QuoteResult{}, err
	}
	from := domain.LeadStatus(cur)
	res := store.QuoteResult{QuoteCount: count, FromState: from, ToState: from}

	ct, err := tx.Exec(ctx, `
		INSERT INTO lead_quotes (lead_id, vendor_phone, message_sid, created_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (lead_id, vendor_phone) DO NOTHING
	`, in.LeadID, in.VendorPhone, in.MessageSID, in.Now)
	if err != nil {
		return store.QuoteResult{}, err
	}
	if ct.RowsAffected() == 0 {
		return res, tx.Commit(ctx)
	}

	res.Counted = true
	res.ToState = from.Advance(domain.LeadQuoted)
	if err := tx.QueryRow(ctx, `
		UPDATE leads SET quote_count = quote_count + 1, status=$2, updated_at=$3
		WHERE id=$1
		RETURNING quote_count
	`, in.LeadID, string(res.ToState), in.Now).Scan(&res.QuoteCount); err != nil {
		return store.QuoteResult{}, err
	}
	if res.ToState != from {
		meta := map[string]any{"vendor_phone": in.VendorPhone, "message_sid": in.MessageSID}
		if err := insertLeadEvent(ctx, tx, in.EventID, in.LeadID, from, res.ToState, meta, in.Now); err != nil {
			return store.QuoteResult{}, err
		}
	}
	return res, tx.Commit(ctx)
}

func (s *Store) ListLeadEvents(ctx context.Context, leadID string) ([]domain.LeadEvent, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, lead_id, from_state, to_state, metadata, created_at
		FROM lead_events WHERE lead_id=$1 ORDER BY created_at, id
	`, leadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LeadEvent
	for rows.Next() {
		var ev domain.LeadEvent
		var from, to string
		var meta []byte
		if err := rows.Scan(&ev.ID, &ev.LeadID, &from, &to, &meta, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.FromState, ev.ToState = domain.LeadStatus(from), domain.LeadStatus(to)
		_ = json.Unmarshal(meta, &ev.Metadata)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func insertLeadEvent(ctx context.Context, tx pgx.Tx, id, leadID string, from, to domain.LeadStatus, meta map[string]any, now time.Time) error {
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO lead_events (id, lead_id, from_state, to_state, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, id, leadID, string(from), string(to), b, now)
	return err
}

const vendorColumns = `id, phone, name, categories, active, rating, broadcasts_received, last_broadcast_at`

func scanVendor(row pgx.Row) (domain.Vendor, error) {
	var v domain.Vendor
	var cats string
	err := row.Scan(&v.ID, &v.Phone, &v.Name, &cats, &v.Active, &v.Rating, &v.BroadcastsReceived, &v.LastBroadcastAt)
	v.Categories = store.SplitCategories(cats)
	return v, err
}

// UpsertVendor creates the vendor or refreshes its display name and
// categories. Counters, rating and the active flag are left untouched.
func (s *Store) UpsertVendor(ctx context.Context, in store.VendorUpsert) (domain.Vendor, error) {
	return scanVendor(s.DB.QueryRow(ctx, `
		INSERT INTO vendors (id, phone, name, categories, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$5)
		ON CONFLICT (phone) DO UPDATE SET
			name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE vendors.name END,
			categories = CASE WHEN EXCLUDED.categories <> '' THEN EXCLUDED.categories ELSE vendors.categories END,
			updated_at = EXCLUDED.updated_at
		RETURNING `+vendorColumns,
		in.ID, in.Phone, in.Name, store.JoinCategories(in.Categories), in.Now))
}

func (s *Store) GetVendorByPhone(ctx context.Context, phone string) (domain.Vendor, bool, error) {
	v, err := scanVendor(s.DB.QueryRow(ctx, `SELECT `+vendorColumns+` FROM vendors WHERE phone=$1`, phone))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Vendor{}, false, nil
		}
		return domain.Vendor{}, false, err
	}
	return v, true, nil
}

// ListActiveVendors returns active vendors, best rated first. An empty
// category matches every vendor.
func (s *Store) ListActiveVendors(ctx context.Context, category string, limit int) ([]domain.Vendor, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.Query(ctx, `
		SELECT `+vendorColumns+` FROM vendors
		WHERE active AND ($1 = '' OR (',' || categories || ',') LIKE ('%,' || $1 || ',%'))
		ORDER BY rating DESC, broadcasts_received ASC, id
		LIMIT $2
	`, store.JoinCategories([]string{category}), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Vendor
	for rows.Next() {
		v, err := scanVendor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) RecordVendorBroadcast(ctx context.Context, vendorID string, at time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE vendors SET broadcasts_received = broadcasts_received + 1, last_broadcast_at=$2, updated_at=$2
		WHERE id=$1
	`, vendorID, at)
	return err
}

func (s *Store) DeactivateVendor(ctx context.Context, phone string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `UPDATE vendors SET active=FALSE, updated_at=$2 WHERE phone=$1 AND active`, phone, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) SetVendorActive(ctx context.Context, phone string, active bool, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `UPDATE vendors SET active=$2, updated_at=$3 WHERE phone=$1`, phone, active, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// InsertMessage stores a channel message. A second insert with the same
// message sid is a no-op and reports inserted=false.
func (s *Store) InsertMessage(ctx context.Context, in store.MessageInsert) (bool, error) {
	meta, err := json.Marshal(in.Metadata)
	if err != nil {
		return false, err
	}
	var receivedAt, sentAt *time.Time
	if in.Direction == domain.DirectionInbound {
		receivedAt = &in.Now
	} else {
		sentAt = &in.Now
	}
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO messages (message_sid, direction, from_phone, to_phone, body, button_text, button_payload,
			status, error_code, error_message, metadata, lead_id, received_at, sent_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (message_sid) DO NOTHING
	`, in.SID, string(in.Direction), in.From, in.To, in.Body, nullIfEmpty(in.ButtonText), nullIfEmpty(in.ButtonPayload),
		string(in.Status), nullIfEmpty(in.ErrorCode), nullIfEmpty(in.ErrorMessage), meta, nullIfEmpty(in.LeadID),
		receivedAt, sentAt, in.Now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// UpdateMessageStatus applies a delivery callback. The status column only
// moves forward; timestamps and error fields are filled in when provided.
func (s *Store) UpdateMessageStatus(ctx context.Context, in store.MessageStatusUpdate) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE messages SET
			status = CASE WHEN $3 > (CASE status
				WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 WHEN 'failed' THEN 4 ELSE 0 END)
				THEN $2 ELSE status END,
			delivered_at = COALESCE(delivered_at, $4),
			read_at = COALESCE(read_at, $5),
			error_code = COALESCE($6, error_code),
			error_message = COALESCE($7, error_message)
		WHERE message_sid=$1
	`, in.SID, string(in.Status), in.Status.Rank(), in.DeliveredAt, in.ReadAt, nullIfEmpty(in.ErrorCode), nullIfEmpty(in.ErrorMessage))
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) GetMessage(ctx context.Context, sid string) (domain.Message, bool, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages m WHERE message_sid=$1`, sid)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	return m, true, nil
}

const messageColumns = `m.message_sid, m.direction, m.from_phone, m.to_phone, m.body,
	COALESCE(m.button_text,''), COALESCE(m.button_payload,''), m.status,
	COALESCE(m.error_code,''), COALESCE(m.error_message,''), m.metadata, COALESCE(m.lead_id,''),
	m.received_at, m.sent_at, m.delivered_at, m.read_at, m.created_at`

func scanMessage(row pgx.Row, extra ...any) (domain.Message, error) {
	var m domain.Message
	var direction, status string
	var meta []byte
	dest := []any{&m.SID, &direction, &m.From, &m.To, &m.Body, &m.ButtonText, &m.ButtonPayload, &status,
		&m.ErrorCode, &m.ErrorMessage, &meta, &m.LeadID, &m.ReceivedAt, &m.SentAt, &m.DeliveredAt, &m.ReadAt, &m.CreatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return domain.Message{}, err
	}
	m.Direction = domain.Direction(direction)
	m.Status = domain.DeliveryStatus(status)
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &m.Metadata)
	}
	return m, nil
}

// ListLeadMessages returns the lead's messages in one direction, newest
// first, joined with the sending vendor's directory entry.
func (s *Store) ListLeadMessages(ctx context.Context, leadID string, dir domain.Direction) ([]store.LeadMessage, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+messageColumns+`, COALESCE(v.id,''), COALESCE(v.name,'')
		FROM messages m
		LEFT JOIN vendors v ON v.phone = CASE WHEN m.direction='inbound' THEN m.from_phone ELSE m.to_phone END
		WHERE m.lead_id=$1 AND m.direction=$2
		ORDER BY COALESCE(m.received_at, m.sent_at, m.created_at) DESC, m.message_sid DESC
	`, leadID, string(dir))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.LeadMessage
	for rows.Next() {
		var lm store.LeadMessage
		m, err := scanMessage(rows, &lm.VendorID, &lm.VendorName)
		if err != nil {
			return nil, err
		}
		lm.Message = m
		out = append(out, lm)
	}
	return out, rows.Err()
}

// LatestLeadForPhone finds the lead of the most recent outbound message sent
// to phone at or after since.
func (s *Store) LatestLeadForPhone(ctx context.Context, phone string, since time.Time) (string, bool, error) {
	var leadID string
	err := s.DB.QueryRow(ctx, `
		SELECT lead_id FROM messages
		WHERE to_phone=$1 AND direction='outbound' AND lead_id IS NOT NULL AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT 1
	`, phone, since).Scan(&leadID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return leadID, true, nil
}

func (s *Store) UpsertThread(ctx context.Context, phone string, at time.Time) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO threads (phone, first_message_at, last_message_at, message_count)
		VALUES ($1,$2,$2,1)
		ON CONFLICT (phone) DO UPDATE SET
			message_count = threads.message_count + 1,
			last_message_at = GREATEST(threads.last_message_at, EXCLUDED.last_message_at)
	`, phone, at)
	return err
}

func (s *Store) GetThread(ctx context.Context, phone string) (domain.Thread, bool, error) {
	var t domain.Thread
	err := s.DB.QueryRow(ctx, `
		SELECT phone, first_message_at, last_message_at, message_count FROM threads WHERE phone=$1
	`, phone).Scan(&t.Phone, &t.FirstMessageAt, &t.LastMessageAt, &t.MessageCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Thread{}, false, nil
		}
		return domain.Thread{}, false, err
	}
	return t, true, nil
}

// InsertVendorResponse records one classification per inbound message.
func (s *Store) InsertVendorResponse(ctx context.Context, in store.VendorResponseInsert) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO vendor_responses (id, lead_id, vendor_phone, response_type, message_sid, button_text, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (message_sid) DO NOTHING
	`, in.ID, nullIfEmpty(in.LeadID), in.VendorPhone, string(in.ResponseType), in.MessageSID, nullIfEmpty(in.ButtonText), in.Now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) ListVendorResponses(ctx context.Context, leadID string) ([]domain.VendorResponse, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, COALESCE(lead_id,''), vendor_phone, response_type, message_sid, COALESCE(button_text,''), created_at
		FROM vendor_responses WHERE lead_id=$1 ORDER BY created_at, id
	`, leadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.VendorResponse
	for rows.Next() {
		var r domain.VendorResponse
		var kind string
		if err := rows.Scan(&r.ID, &r.LeadID, &r.VendorPhone, &kind, &r.MessageSID, &r.ButtonText, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.ResponseType = domain.ResponseType(kind)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
