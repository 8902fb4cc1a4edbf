package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLeadStatusAdvanceNeverRegresses(t *testing.T) {
	assert.Equal(t, LeadBroadcasted, LeadPending.Advance(LeadBroadcasted))
	assert.Equal(t, LeadQuoted, LeadBroadcasted.Advance(LeadQuoted))
	assert.Equal(t, LeadQuoted, LeadQuoted.Advance(LeadBroadcasted))
	assert.Equal(t, LeadQuoted, LeadQuoted.Advance(LeadPending))
	assert.Equal(t, LeadFulfilled, LeadQuoted.Advance(LeadFulfilled))
	assert.Equal(t, LeadAbandoned, LeadPending.Advance(LeadAbandoned))
}

func TestLeadStatusTerminalIsFinal(t *testing.T) {
	assert.Equal(t, LeadFulfilled, LeadFulfilled.Advance(LeadAbandoned))
	assert.Equal(t, LeadAbandoned, LeadAbandoned.Advance(LeadQuoted))
	assert.Equal(t, LeadPending, LeadPending.Advance(LeadStatus("bogus")))
}

func TestDeliveryStatusRank(t *testing.T) {
	assert.Equal(t, DeliveryFailed, ParseDeliveryStatus("undelivered"))
	assert.Equal(t, DeliverySent, ParseDeliveryStatus("sending"))
	assert.Less(t, DeliveryDelivered.Rank(), DeliveryRead.Rank())
	assert.Less(t, DeliveryQueued.Rank(), DeliverySent.Rank())
}

func TestMessageEventValidate(t *testing.T) {
	err := MessageEvent{MessageSID: "SM1", Direction: DirectionInbound}.Validate()
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Contains(t, err.Error(), "from_number")
	assert.Contains(t, err.Error(), "to_number")

	err = MessageEvent{MessageSID: "SM1", Direction: "sideways", From: "a", To: "b"}.Validate()
	assert.True(t, errors.Is(err, ErrValidation))

	assert.NoError(t, MessageEvent{MessageSID: "SM1", Direction: DirectionOutbound, From: "a", To: "b"}.Validate())
}

func TestDispatchRequestValidate(t *testing.T) {
	assert.True(t, errors.Is(DispatchRequest{}.Validate(), ErrValidation))
	assert.True(t, errors.Is(DispatchRequest{RequestID: "r1", NeedDescription: "rice"}.Validate(), ErrValidation))
	assert.NoError(t, DispatchRequest{
		RequestID:       "r1",
		NeedDescription: "rice",
		Businesses:      []Business{{Name: "A", Phone: "0788123456"}},
	}.Validate())
	assert.NoError(t, DispatchRequest{RequestID: "r1", NeedDescription: "rice", Category: "food"}.Validate())
	assert.True(t, errors.Is(DispatchRequest{RequestID: "r1", NeedDescription: "rice", Category: " "}.Validate(), ErrValidation))
}
