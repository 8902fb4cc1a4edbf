// Package status answers "who has confirmed so far" for a lead. It is a pure
// read path: counts are recomputed from stored message bodies on every call.
package status

import (
	"context"
	"time"

	"leadcast/internal/classify"
	"leadcast/internal/domain"
	"leadcast/internal/phone"
	"leadcast/internal/store"
	"leadcast/internal/util"
)

const snippetLen = 120

type Store interface {
	GetLead(ctx context.Context, id string) (domain.Lead, bool, error)
	ListLeadMessages(ctx context.Context, leadID string, dir domain.Direction) ([]store.LeadMessage, error)
}

type Aggregator struct {
	Store Store
}

type LeadSummary struct {
	ID              string            `json:"id"`
	Status          domain.LeadStatus `json:"status"`
	NeedDescription string            `json:"need_description"`
	BroadcastCount  int               `json:"broadcast_count"`
	VendorCount     int               `json:"vendor_count"`
	QuoteCount      int               `json:"quote_count"`
	BroadcastSentAt *time.Time        `json:"broadcast_sent_at"`
}

type Counts struct {
	HaveIt       int `json:"have_it"`
	NoStock      int `json:"no_stock"`
	StopMessages int `json:"stop_messages"`
	Other        int `json:"other"`
	Total        int `json:"total"`
}

func (c *Counts) add(kind domain.ResponseType) {
	switch kind {
	case domain.ResponseHaveIt:
		c.HaveIt++
	case domain.ResponseNoStock:
		c.NoStock++
	case domain.ResponseStopMessages:
		c.StopMessages++
	default:
		c.Other++
	}
	c.Total++
}

type MessageView struct {
	MessageSID   string              `json:"message_sid"`
	VendorID     string              `json:"vendor_id,omitempty"`
	VendorName   string              `json:"vendor_name,omitempty"`
	Phone        string              `json:"phone"`
	Body         string              `json:"body"`
	Snippet      string              `json:"snippet"`
	ButtonText   string              `json:"button_text,omitempty"`
	ResponseType domain.ResponseType `json:"response_type"`
	ReceivedAt   time.Time           `json:"received_at"`
}

// VendorKey identifies the sender of a message by normalized phone. The
// vendor id is empty until the directory knows the number, so it is only used
// when the phone is missing.
func (m MessageView) VendorKey() string {
	if p, ok := phone.Normalize(m.Phone, ""); ok {
		return p
	}
	if m.Phone != "" {
		return m.Phone
	}
	return m.VendorID
}

type Report struct {
	Lead      LeadSummary   `json:"lead"`
	Responses Counts        `json:"responses"`
	Messages  []MessageView `json:"messages"`
}

// Confirmed returns the have_it messages, newest first, one per vendor.
func (r Report) Confirmed() []MessageView {
	seen := make(map[string]struct{})
	var out []MessageView
	for _, m := range r.Messages {
		if m.ResponseType != domain.ResponseHaveIt {
			continue
		}
		key := m.VendorKey()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, m)
	}
	return out
}

func (a *Aggregator) GetStatus(ctx context.Context, leadID string) (Report, error) {
	if leadID == "" {
		return Report{}, domain.ValidationError("requestId is required")
	}
	lead, found, err := a.Store.GetLead(ctx, leadID)
	if err != nil {
		return Report{}, err
	}
	if !found {
		return Report{}, domain.NotFoundError("lead", leadID)
	}

	msgs, err := a.Store.ListLeadMessages(ctx, leadID, domain.DirectionInbound)
	if err != nil {
		return Report{}, err
	}

	rep := Report{
		Lead: LeadSummary{
			ID:              lead.ID,
			Status:          lead.Status,
			NeedDescription: lead.NeedDescription,
			BroadcastCount:  lead.BroadcastCount,
			VendorCount:     lead.VendorCount,
			QuoteCount:      lead.QuoteCount,
			BroadcastSentAt: lead.BroadcastSentAt,
		},
		Messages: make([]MessageView, 0, len(msgs)),
	}
	for _, m := range msgs {
		kind := classify.Message(m.Message)
		rep.Responses.add(kind)

		at := m.CreatedAt
		if m.ReceivedAt != nil {
			at = *m.ReceivedAt
		}
		rep.Messages = append(rep.Messages, MessageView{
			MessageSID:   m.SID,
			VendorID:     m.VendorID,
			VendorName:   m.VendorName,
			Phone:        m.From,
			Body:         m.Body,
			Snippet:      util.Snippet(m.Body, snippetLen),
			ButtonText:   m.ButtonText,
			ResponseType: kind,
			ReceivedAt:   at,
		})
	}
	return rep, nil
}
