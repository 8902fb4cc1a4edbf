package domain

import "time"

type LeadStatus string

const (
	LeadPending     LeadStatus = "pending"
	LeadBroadcasted LeadStatus = "broadcasted"
	LeadQuoted      LeadStatus = "quoted"
	LeadFulfilled   LeadStatus = "fulfilled"
	LeadAbandoned   LeadStatus = "abandoned"
)

func (s LeadStatus) rank() int {
	switch s {
	case LeadPending:
		return 0
	case LeadBroadcasted:
		return 1
	case LeadQuoted:
		return 2
	case LeadFulfilled, LeadAbandoned:
		return 3
	default:
		return -1
	}
}

func (s LeadStatus) Valid() bool { return s.rank() >= 0 }

func (s LeadStatus) Terminal() bool { return s == LeadFulfilled || s == LeadAbandoned }

// Advance returns the status a lead in state s ends up in when asked to move
// to "to". Status never moves backwards and terminal states are final.
func (s LeadStatus) Advance(to LeadStatus) LeadStatus {
	if s.Terminal() || !to.Valid() {
		return s
	}
	if to.rank() > s.rank() {
		return to
	}
	return s
}

type Lead struct {
	ID              string     `json:"id"`
	NeedDescription string     `json:"need_description"`
	LocationLabel   string     `json:"location_label"`
	Quantity        string     `json:"quantity,omitempty"`
	Budget          string     `json:"budget,omitempty"`
	Status          LeadStatus `json:"status"`
	VendorCount     int        `json:"vendor_count"`
	BroadcastCount  int        `json:"broadcast_count"`
	QuoteCount      int        `json:"quote_count"`
	BroadcastSentAt *time.Time `json:"broadcast_sent_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type Vendor struct {
	ID                 string     `json:"id"`
	Phone              string     `json:"phone"`
	Name               string     `json:"name"`
	Categories         []string   `json:"categories,omitempty"`
	Active             bool       `json:"active"`
	Rating             float64    `json:"rating"`
	BroadcastsReceived int        `json:"broadcasts_received"`
	LastBroadcastAt    *time.Time `json:"last_broadcast_at,omitempty"`
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

func (d Direction) Valid() bool { return d == DirectionInbound || d == DirectionOutbound }

type DeliveryStatus string

const (
	DeliveryQueued    DeliveryStatus = "queued"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
	DeliveryFailed    DeliveryStatus = "failed"
)

// ParseDeliveryStatus maps provider status strings onto the delivery states
// we track. Unknown intermediate states ("accepted", "sending", "received")
// collapse to the nearest earlier state.
func ParseDeliveryStatus(s string) DeliveryStatus {
	switch s {
	case "queued", "accepted", "scheduled":
		return DeliveryQueued
	case "sent", "sending", "received", "receiving":
		return DeliverySent
	case "delivered":
		return DeliveryDelivered
	case "read":
		return DeliveryRead
	case "failed", "undelivered", "canceled":
		return DeliveryFailed
	default:
		return DeliveryQueued
	}
}

// Rank orders delivery states so late callbacks never downgrade a message.
func (s DeliveryStatus) Rank() int {
	switch s {
	case DeliverySent:
		return 1
	case DeliveryDelivered:
		return 2
	case DeliveryRead:
		return 3
	case DeliveryFailed:
		return 4
	default:
		return 0
	}
}

type Message struct {
	SID           string         `json:"message_sid"`
	Direction     Direction      `json:"direction"`
	From          string         `json:"from_number"`
	To            string         `json:"to_number"`
	Body          string         `json:"body"`
	ButtonText    string         `json:"button_text,omitempty"`
	ButtonPayload string         `json:"button_payload,omitempty"`
	Status        DeliveryStatus `json:"status"`
	ErrorCode     string         `json:"error_code,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	LeadID        string         `json:"lead_id,omitempty"`
	ReceivedAt    *time.Time     `json:"received_at,omitempty"`
	SentAt        *time.Time     `json:"sent_at,omitempty"`
	DeliveredAt   *time.Time     `json:"delivered_at,omitempty"`
	ReadAt        *time.Time     `json:"read_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

type Thread struct {
	Phone          string    `json:"phone"`
	FirstMessageAt time.Time `json:"first_message_at"`
	LastMessageAt  time.Time `json:"last_message_at"`
	MessageCount   int       `json:"message_count"`
}

type ResponseType string

const (
	ResponseHaveIt       ResponseType = "have_it"
	ResponseNoStock      ResponseType = "no_stock"
	ResponseStopMessages ResponseType = "stop_messages"
	ResponseOther        ResponseType = "other"
)

type VendorResponse struct {
	ID           string       `json:"id"`
	LeadID       string       `json:"lead_id,omitempty"`
	VendorPhone  string       `json:"vendor_phone"`
	ResponseType ResponseType `json:"response_type"`
	MessageSID   string       `json:"message_sid"`
	ButtonText   string       `json:"button_text,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// LeadEvent is the audit row appended on every lead state transition.
type LeadEvent struct {
	ID        string         `json:"id"`
	LeadID    string         `json:"lead_id"`
	FromState LeadStatus     `json:"from_state"`
	ToState   LeadStatus     `json:"to_state"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
