package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"blastengine/internal/types"
)

func TestResolve(t *testing.T) {
	r := &types.Recipient{Addresses: types.AddressList{
		{ID: "sms-unverified", Channel: types.ChannelSMS, Value: "+77010000001", OptIn: true},
		{ID: "sms-ok", Channel: types.ChannelSMS, Value: "+77010000002", Verified: true, OptIn: true},
		{ID: "sms-later", Channel: types.ChannelSMS, Value: "+77010000003", Verified: true, OptIn: true},
		{ID: "email-optout", Channel: types.ChannelEmail, Value: "a@example.com", Verified: true},
	}}

	tests := []struct {
		name    string
		channel types.Channel
		wantID  string
		wantOK  bool
	}{
		{"first reachable wins", types.ChannelSMS, "sms-ok", true},
		{"opted out is skipped", types.ChannelEmail, "", false},
		{"missing channel", types.ChannelWhatsApp, "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Resolve(r, tc.channel)
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.wantID, got.ID)
		})
	}
}

func TestResolve_NilRecipient(t *testing.T) {
	_, ok := Resolve(nil, types.ChannelSMS)
	assert.False(t, ok)
}

func TestReachable(t *testing.T) {
	r := &types.Recipient{Addresses: types.AddressList{
		{Channel: types.ChannelEmail, Value: "a@example.com", Verified: true, OptIn: true},
	}}
	got := Reachable(r, types.DefaultStrategy().Cascade)
	assert.Equal(t, []types.Channel{types.ChannelEmail}, got)
}
