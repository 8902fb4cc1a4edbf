// Package sqlite is the single-node store used for local development and
// tests. It mirrors the Postgres store statement for statement.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"leadcast/internal/domain"
	"leadcast/internal/store"
	"leadcast/internal/store/migrations"
)

type Store struct {
	DB *sql.DB
}

// Open opens (and migrates) the database at dsn. Writes are serialized on a
// single connection, so ":memory:" databases stay consistent too.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := migrations.Up(db, migrations.DialectSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }

func (s *Store) Close() error { return s.DB.Close() }

type scanner interface {
	Scan(dest ...any) error
}

const leadColumns = `id, need_description, location_label, quantity, budget, status,
	vendor_count, broadcast_count, quote_count, broadcast_sent_at, created_at, updated_at`

func scanLead(row scanner) (domain.Lead, error) {
	var l domain.Lead
	var status string
	var sentAt sql.NullTime
	err := row.Scan(&l.ID, &l.NeedDescription, &l.LocationLabel, &l.Quantity, &l.Budget, &status,
		&l.VendorCount, &l.BroadcastCount, &l.QuoteCount, &sentAt, &l.CreatedAt, &l.UpdatedAt)
	l.Status = domain.LeadStatus(status)
	l.BroadcastSentAt = timePtr(sentAt)
	return l, err
}

func (s *Store) CreateLead(ctx context.Context, in store.LeadInsert) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO leads (id, need_description, location_label, quantity, budget, status, created_at, updated_at)
		VALUES (?,?,?,?,?,'pending',?,?)
		ON CONFLICT (id) DO NOTHING
	`, in.ID, in.NeedDescription, in.LocationLabel, in.Quantity, in.Budget, in.Now.UTC(), in.Now.UTC())
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (s *Store) GetLead(ctx context.Context, id string) (domain.Lead, bool, error) {
	l, err := scanLead(s.DB.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id=?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Lead{}, false, nil
		}
		return domain.Lead{}, false, err
	}
	return l, true, nil
}

// ClaimDispatch marks a pending lead as being broadcast. Only one caller
// wins the claim.
func (s *Store) ClaimDispatch(ctx context.Context, leadID string, now time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE leads SET dispatch_claimed_at=?, updated_at=?
		WHERE id=? AND status='pending' AND dispatch_claimed_at IS NULL
	`, now.UTC(), now.UTC(), leadID)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (s *Store) CompleteBroadcast(ctx context.Context, in store.BroadcastOutcome) (domain.LeadStatus, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	from, err := leadStatus(ctx, tx, in.LeadID)
	if err != nil {
		return "", err
	}
	to := from.Advance(domain.LeadBroadcasted)
	at := in.SentAt.UTC()

	res, err := tx.ExecContext(ctx, `
		UPDATE leads
		SET status=?, vendor_count=?, broadcast_count=?, broadcast_sent_at=?, updated_at=?
		WHERE id=? AND broadcast_sent_at IS NULL
	`, string(to), in.VendorCount, in.BroadcastCount, at, at, in.LeadID)
	if err != nil {
		return "", err
	}
	if ok, err := affected(res); err != nil {
		return "", err
	} else if !ok {
		return from, fmt.Errorf("%w: broadcast already recorded for %s", store.ErrInvalidTransition, in.LeadID)
	}
	if err := insertLeadEvent(ctx, tx, in.EventID, in.LeadID, from, to, in.Metadata, at); err != nil {
		return "", err
	}
	return from, tx.Commit()
}

func (s *Store) CloseLead(ctx context.Context, in store.LeadClose) (domain.LeadStatus, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	from, err := leadStatus(ctx, tx, in.LeadID)
	if err != nil {
		return "", err
	}
	if from.Advance(in.ToState) != in.ToState {
		return from, fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, from, in.ToState)
	}
	now := in.Now.UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE leads SET status=?, updated_at=? WHERE id=?`, string(in.ToState), now, in.LeadID); err != nil {
		return "", err
	}
	if err := insertLeadEvent(ctx, tx, in.EventID, in.LeadID, from, in.ToState, map[string]any{"reason": in.Reason}, now); err != nil {
		return "", err
	}
	return from, tx.Commit()
}

func (s *Store) RecordQuote(ctx context.Context, in store.QuoteRecord) (store.QuoteResult, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return store.QuoteResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var cur string
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT status, quote_count FROM leads WHERE id=?`, in.LeadID).Scan(&cur, &count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.QuoteResult{}, domain.NotFoundError("lead", in.LeadID)
		}
		return store.QuoteResult{}, err
	}
	from := domain.LeadStatus(cur)
	res := store.QuoteResult{QuoteCount: count, FromState: from, ToState: from}
	now := in.Now.UTC()

	ins, err := tx.ExecContext(ctx, `
		INSERT INTO lead_quotes (lead_id, vendor_phone, message_sid, created_at)
		VALUES (?,?,?,?)
		ON CONFLICT (lead_id, vendor_phone) DO NOTHING
	`, in.LeadID, in.VendorPhone, in.MessageSID, now)
	if err != nil {
		return store.QuoteResult{}, err
	}
	if n, err := affected(ins); err != nil {
		return store.QuoteResult{}, err
	} else if !n {
		return res, tx.Commit()
	}

	res.Counted = true
	res.QuoteCount = count + 1
	res.ToState = from.Advance(domain.LeadQuoted)
	if _, err := tx.ExecContext(ctx, `
		UPDATE leads SET quote_count = quote_count + 1, status=?, updated_at=? WHERE id=?
	`, string(res.ToState), now, in.LeadID); err != nil {
		return store.QuoteResult{}, err
	}
	if res.ToState != from {
		meta := map[string]any{"vendor_phone": in.VendorPhone, "message_sid": in.MessageSID}
		if err := insertLeadEvent(ctx, tx, in.EventID, in.LeadID, from, res.ToState, meta, now); err != nil {
			return store.QuoteResult{}, err
		}
	}
	return res, tx.Commit()
}

func (s *Store) ListLeadEvents(ctx context.Context, leadID string) ([]domain.LeadEvent, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, lead_id, from_state, to_state, COALESCE(metadata,''), created_at
		FROM lead_events WHERE lead_id=? ORDER BY created_at, id
	`, leadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LeadEvent
	for rows.Next() {
		var ev domain.LeadEvent
		var from, to, meta string
		if err := rows.Scan(&ev.ID, &ev.LeadID, &from, &to, &meta, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.FromState, ev.ToState = domain.LeadStatus(from), domain.LeadStatus(to)
		if meta != "" {
			_ = json.Unmarshal([]byte(meta), &ev.Metadata)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func leadStatus(ctx context.Context, tx *sql.Tx, leadID string) (domain.LeadStatus, error) {
	var cur string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM leads WHERE id=?`, leadID).Scan(&cur); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.NotFoundError("lead", leadID)
		}
		return "", err
	}
	return domain.LeadStatus(cur), nil
}

func insertLeadEvent(ctx context.Context, tx *sql.Tx, id, leadID string, from, to domain.LeadStatus, meta map[string]any, now time.Time) error {
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO lead_events (id, lead_id, from_state, to_state, metadata, created_at)
		VALUES (?,?,?,?,?,?)
	`, id, leadID, string(from), string(to), string(b), now)
	return err
}

const vendorColumns = `id, phone, name, categories, active, rating, broadcasts_received, last_broadcast_at`

func scanVendor(row scanner) (domain.Vendor, error) {
	var v domain.Vendor
	var cats string
	var last sql.NullTime
	err := row.Scan(&v.ID, &v.Phone, &v.Name, &cats, &v.Active, &v.Rating, &v.BroadcastsReceived, &last)
	v.Categories = store.SplitCategories(cats)
	v.LastBroadcastAt = timePtr(last)
	return v, err
}

func (s *Store) UpsertVendor(ctx context.Context, in store.VendorUpsert) (domain.Vendor, error) {
	now := in.Now.UTC()
	if _, err := s.DB.ExecContext(ctx, `
		INSERT INTO vendors (id, phone, name, categories, created_at, updated_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT (phone) DO UPDATE SET
			name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE vendors.name END,
			categories = CASE WHEN excluded.categories <> '' THEN excluded.categories ELSE vendors.categories END,
			updated_at = excluded.updated_at
	`, in.ID, in.Phone, in.Name, store.JoinCategories(in.Categories), now, now); err != nil {
		return domain.Vendor{}, err
	}
	return scanVendor(s.DB.QueryRowContext(ctx, `SELECT `+vendorColumns+` FROM vendors WHERE phone=?`, in.Phone))
}

func (s *Store) GetVendorByPhone(ctx context.Context, phone string) (domain.Vendor, bool, error) {
	v, err := scanVendor(s.DB.QueryRowContext(ctx, `SELECT `+vendorColumns+` FROM vendors WHERE phone=?`, phone))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Vendor{}, false, nil
		}
		return domain.Vendor{}, false, err
	}
	return v, true, nil
}

func (s *Store) ListActiveVendors(ctx context.Context, category string, limit int) ([]domain.Vendor, error) {
	if limit <= 0 {
		limit = 50
	}
	cat := store.JoinCategories([]string{category})
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+vendorColumns+` FROM vendors
		WHERE active AND (? = '' OR (',' || categories || ',') LIKE ('%,' || ? || ',%'))
		ORDER BY rating DESC, broadcasts_received ASC, id
		LIMIT ?
	`, cat, cat, limit)
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
	at = at.UTC()
	_, err := s.DB.ExecContext(ctx, `
		UPDATE vendors SET broadcasts_received = broadcasts_received + 1, last_broadcast_at=?, updated_at=?
		WHERE id=?
	`, at, at, vendorID)
	return err
}

func (s *Store) DeactivateVendor(ctx context.Context, phone string, now time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE vendors SET active=0, updated_at=? WHERE phone=? AND active`, now.UTC(), phone)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// SetVendorActive re-enables or disables a vendor. It reports false when no
// vendor has the phone.
func (s *Store) SetVendorActive(ctx context.Context, phone string, active bool, now time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE vendors SET active=?, updated_at=? WHERE phone=?`, active, now.UTC(), phone)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (s *Store) InsertMessage(ctx context.Context, in store.MessageInsert) (bool, error) {
	meta, err := json.Marshal(in.Metadata)
	if err != nil {
		return false, err
	}
	now := in.Now.UTC()
	var receivedAt, sentAt any
	if in.Direction == domain.DirectionInbound {
		receivedAt = now
	} else {
		sentAt = now
	}
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO messages (message_sid, direction, from_phone, to_phone, body, button_text, button_payload,
			status, error_code, error_message, metadata, lead_id, received_at, sent_at, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (message_sid) DO NOTHING
	`, in.SID, string(in.Direction), in.From, in.To, in.Body, nullIfEmpty(in.ButtonText), nullIfEmpty(in.ButtonPayload),
		string(in.Status), nullIfEmpty(in.ErrorCode), nullIfEmpty(in.ErrorMessage), string(meta), nullIfEmpty(in.LeadID),
		receivedAt, sentAt, now)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (s *Store) UpdateMessageStatus(ctx context.Context, in store.MessageStatusUpdate) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE messages SET
			status = CASE WHEN ? > (CASE status
				WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 WHEN 'failed' THEN 4 ELSE 0 END)
				THEN ? ELSE status END,
			delivered_at = COALESCE(delivered_at, ?),
			read_at = COALESCE(read_at, ?),
			error_code = COALESCE(?, error_code),
			error_message = COALESCE(?, error_message)
		WHERE message_sid=?
	`, in.Status.Rank(), string(in.Status), utcPtr(in.DeliveredAt), utcPtr(in.ReadAt),
		nullIfEmpty(in.ErrorCode), nullIfEmpty(in.ErrorMessage), in.SID)
	if err != nil {
		return false, err
	}
	return affected(res)
}

const messageColumns = `m.message_sid, m.direction, m.from_phone, m.to_phone, m.body,
	COALESCE(m.button_text,''), COALESCE(m.button_payload,''), m.status,
	COALESCE(m.error_code,''), COALESCE(m.error_message,''), COALESCE(m.metadata,''), COALESCE(m.lead_id,''),
	m.received_at, m.sent_at, m.delivered_at, m.read_at, m.created_at`

func scanMessage(row scanner, extra ...any) (domain.Message, error) {
	var m domain.Message
	var direction, status, meta string
	var received, sent, delivered, read sql.NullTime
	dest := []any{&m.SID, &direction, &m.From, &m.To, &m.Body, &m.ButtonText, &m.ButtonPayload, &status,
		&m.ErrorCode, &m.ErrorMessage, &meta, &m.LeadID, &received, &sent, &delivered, &read, &m.CreatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return domain.Message{}, err
	}
	m.Direction = domain.Direction(direction)
	m.Status = domain.DeliveryStatus(status)
	m.ReceivedAt, m.SentAt = timePtr(received), timePtr(sent)
	m.DeliveredAt, m.ReadAt = timePtr(delivered), timePtr(read)
	if meta != "" {
		_ = json.Unmarshal([]byte(meta), &m.Metadata)
	}
	return m, nil
}

func (s *Store) GetMessage(ctx context.Context, sid string) (domain.Message, bool, error) {
	m, err := scanMessage(s.DB.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages m WHERE message_sid=?`, sid))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	return m, true, nil
}

func (s *Store) ListLeadMessages(ctx context.Context, leadID string, dir domain.Direction) ([]store.LeadMessage, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+messageColumns+`, COALESCE(v.id,''), COALESCE(v.name,'')
		FROM messages m
		LEFT JOIN vendors v ON v.phone = CASE WHEN m.direction='inbound' THEN m.from_phone ELSE m.to_phone END
		WHERE m.lead_id=? AND m.direction=?
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

func (s *Store) LatestLeadForPhone(ctx context.Context, phone string, since time.Time) (string, bool, error) {
	var leadID string
	err := s.DB.QueryRowContext(ctx, `
		SELECT lead_id FROM messages
		WHERE to_phone=? AND direction='outbound' AND lead_id IS NOT NULL AND created_at >= ?
		ORDER BY created_at DESC
		LIMIT 1
	`, phone, since.UTC()).Scan(&leadID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return leadID, true, nil
}

func (s *Store) UpsertThread(ctx context.Context, phone string, at time.Time) error {
	at = at.UTC()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO threads (phone, first_message_at, last_message_at, message_count)
		VALUES (?,?,?,1)
		ON CONFLICT (phone) DO UPDATE SET
			message_count = threads.message_count + 1,
			last_message_at = MAX(threads.last_message_at, excluded.last_message_at)
	`, phone, at, at)
	return err
}

func (s *Store) GetThread(ctx context.Context, phone string) (domain.Thread, bool, error) {
	var t domain.Thread
	err := s.DB.QueryRowContext(ctx, `
		SELECT phone, first_message_at, last_message_at, message_count FROM threads WHERE phone=?
	`, phone).Scan(&t.Phone, &t.FirstMessageAt, &t.LastMessageAt, &t.MessageCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Thread{}, false, nil
		}
		return domain.Thread{}, false, err
	}
	return t, true, nil
}

func (s *Store) InsertVendorResponse(ctx context.Context, in store.VendorResponseInsert) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO vendor_responses (id, lead_id, vendor_phone, response_type, message_sid, button_text, created_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT (message_sid) DO NOTHING
	`, in.ID, nullIfEmpty(in.LeadID), in.VendorPhone, string(in.ResponseType), in.MessageSID, nullIfEmpty(in.ButtonText), in.Now.UTC())
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (s *Store) ListVendorResponses(ctx context.Context, leadID string) ([]domain.VendorResponse, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, COALESCE(lead_id,''), vendor_phone, response_type, message_sid, COALESCE(button_text,''), created_at
		FROM vendor_responses WHERE lead_id=? ORDER BY created_at, id
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

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
