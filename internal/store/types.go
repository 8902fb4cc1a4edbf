package store

import (
	"errors"
	"strings"
	"time"

	"leadcast/internal/domain"
)

// ErrInvalidTransition is returned when a lead is asked to move to a state
// its current status does not allow.
var ErrInvalidTransition = errors.New("invalid lead transition")

type LeadInsert struct {
	ID              string
	NeedDescription string
	LocationLabel   string
	Quantity        string
	Budget          string
	Now             time.Time
}

// BroadcastOutcome is written once per broadcast, after the send loop.
type BroadcastOutcome struct {
	LeadID         string
	VendorCount    int
	BroadcastCount int
	SentAt         time.Time
	EventID        string
	Metadata       map[string]any
}

type LeadClose struct {
	LeadID  string
	ToState domain.LeadStatus
	EventID string
	Reason  string
	Now     time.Time
}

type VendorUpsert struct {
	ID         string
	Phone      string
	Name       string
	Categories []string
	Now        time.Time
}

type MessageInsert struct {
	SID           string
	Direction     domain.Direction
	From          string
	To            string
	Body          string
	ButtonText    string
	ButtonPayload string
	Status        domain.DeliveryStatus
	ErrorCode     string
	ErrorMessage  string
	Metadata      map[string]any
	LeadID        string
	Now           time.Time
}

type MessageStatusUpdate struct {
	SID          string
	Status       domain.DeliveryStatus
	DeliveredAt  *time.Time
	ReadAt       *time.Time
	ErrorCode    string
	ErrorMessage string
}

type VendorResponseInsert struct {
	ID           string
	LeadID       string
	VendorPhone  string
	ResponseType domain.ResponseType
	MessageSID   string
	ButtonText   string
	Now          time.Time
}

type QuoteRecord struct {
	LeadID      string
	VendorPhone string
	MessageSID  string
	EventID     string
	Now         time.Time
}

// QuoteResult reports what RecordQuote changed.
type QuoteResult struct {
	Counted    bool
	QuoteCount int
	FromState  domain.LeadStatus
	ToState    domain.LeadStatus
}

// LeadMessage is a stored message joined with the directory entry of the
// vendor that sent it, if any.
type LeadMessage struct {
	domain.Message
	VendorID   string
	VendorName string
}

func JoinCategories(c []string) string {
	out := make([]string, 0, len(c))
	for _, s := range c {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, ",")
}

func SplitCategories(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
