package domain

import (
	"strings"
	"time"
)

type Business struct {
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Category string `json:"category,omitempty"`
}

// DispatchRequest is what the requester submits to start a broadcast.
type DispatchRequest struct {
	RequestID         string     `json:"requestId"`
	UserLocationLabel string     `json:"userLocationLabel"`
	NeedDescription   string     `json:"needDescription"`
	Quantity          string     `json:"quantity,omitempty"`
	Budget            string     `json:"budget,omitempty"`
	Businesses        []Business `json:"businesses"`
	// Category selects active directory vendors when Businesses is empty.
	Category string `json:"category,omitempty"`
}

func (r DispatchRequest) Validate() error {
	if strings.TrimSpace(r.RequestID) == "" {
		return ValidationError("requestId is required")
	}
	if strings.TrimSpace(r.NeedDescription) == "" {
		return ValidationError("needDescription is required")
	}
	if len(r.Businesses) == 0 && strings.TrimSpace(r.Category) == "" {
		return ValidationError("businesses must not be empty without a category")
	}
	return nil
}

type SendStatus string

const (
	SendSent   SendStatus = "sent"
	SendFailed SendStatus = "failed"
)

type SendResult struct {
	VendorID   string     `json:"vendor_id"`
	Phone      string     `json:"phone"`
	Status     SendStatus `json:"status"`
	MessageSID string     `json:"message_sid,omitempty"`
	Error      string     `json:"error,omitempty"`
}

type BroadcastReport struct {
	Total   int          `json:"total"`
	Sent    int          `json:"sent"`
	Failed  int          `json:"failed"`
	Results []SendResult `json:"results"`
}

// Recipient is one vendor contact selected for a broadcast. Phone is always
// normalized.
type Recipient struct {
	VendorID string `json:"vendorId"`
	Phone    string `json:"phone"`
	Name     string `json:"name"`
}

// BroadcastJob is the unit queued for asynchronous dispatch.
type BroadcastJob struct {
	LeadID     string      `json:"leadId"`
	Recipients []Recipient `json:"recipients"`
	QueuedAt   time.Time   `json:"queuedAt"`
}

// MessageEvent is a provider "message received" (or logged outbound) event.
type MessageEvent struct {
	MessageSID    string         `json:"message_sid"`
	Direction     Direction      `json:"direction"`
	From          string         `json:"from_number"`
	To            string         `json:"to_number"`
	Body          string         `json:"body,omitempty"`
	ButtonText    string         `json:"button_text,omitempty"`
	ButtonPayload string         `json:"button_payload,omitempty"`
	Status        string         `json:"status,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	LeadID        string         `json:"lead_id,omitempty"`
}

func (e MessageEvent) Validate() error {
	var missing []string
	if e.MessageSID == "" {
		missing = append(missing, "message_sid")
	}
	if e.Direction == "" {
		missing = append(missing, "direction")
	}
	if e.From == "" {
		missing = append(missing, "from_number")
	}
	if e.To == "" {
		missing = append(missing, "to_number")
	}
	if len(missing) > 0 {
		return ValidationError("missing required fields: %s", strings.Join(missing, ", "))
	}
	if !e.Direction.Valid() {
		return ValidationError("invalid direction %q", e.Direction)
	}
	return nil
}

// StatusEvent is a provider delivery-status callback.
type StatusEvent struct {
	MessageSID   string     `json:"message_sid"`
	Status       string     `json:"status"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
	ReadAt       *time.Time `json:"read_at,omitempty"`
	ErrorCode    string     `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

func (e StatusEvent) Validate() error {
	if e.MessageSID == "" || e.Status == "" {
		return ValidationError("message_sid and status are required")
	}
	return nil
}
