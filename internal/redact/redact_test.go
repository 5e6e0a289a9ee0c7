package redact

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ticket struct {
	ID             string `json:"id"`
	PassengerPhone string `json:"passengerPhone"`
	Amount         int64  `json:"amount"`
}

func TestPayloadRedactsTicketPhone(t *testing.T) {
	in := ticket{ID: "LYNC-T-1", PassengerPhone: "254711000111", Amount: 50}
	out, ok := Payload("TICKET_ISSUED", in).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, Marker, out["passengerPhone"])
	assert.Equal(t, "LYNC-T-1", out["id"])
	assert.Equal(t, "254711000111", in.PassengerPhone, "input must not be modified")
}

func TestPayloadNested(t *testing.T) {
	in := map[string]any{
		"tickets": []any{map[string]any{"passengerPhone": "1"}, map[string]any{"passengerPhone": "2"}},
		"phone":   "254700000004",
	}
	out := Payload("TRIP_COMPLETED", in).(map[string]any)
	for _, tk := range out["tickets"].([]any) {
		assert.Equal(t, Marker, tk.(map[string]any)["passengerPhone"])
	}
	assert.Equal(t, "254700000004", out["phone"], "crew phone on non-ticket events is kept")

	sms := Payload("SMS_SENT", map[string]any{"phoneNumber": "254711"}).(map[string]any)
	assert.Equal(t, Marker, sms["phoneNumber"])
}

func TestPayloadUnencodable(t *testing.T) {
	assert.Nil(t, Payload("TICKET_ISSUED", map[string]any{"bad": make(chan int)}))
	assert.Nil(t, Payload("TICKET_ISSUED", nil))
}
