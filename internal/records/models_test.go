package records

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeCallStatus(t *testing.T) {
	cases := []struct {
		raw   string
		ended bool
		want  CallStatus
	}{
		{"ended", false, CallStatusCompleted},
		{"call_ended", true, CallStatusCompleted},
		{"in-progress", false, CallStatusInProgress},
		{"Ongoing", false, CallStatusInProgress},
		{"no answer", false, CallStatusNoAnswer},
		{"cancelled", false, CallStatusCanceled},
		{"error", true, CallStatusFailed},
		{"", true, CallStatusCompleted},
		{"", false, CallStatusUnknown},
		{"mystery", false, CallStatusUnknown},
		{"mystery", true, CallStatusCompleted},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeCallStatus(tc.raw, tc.ended), "%q ended=%v", tc.raw, tc.ended)
	}
}

func TestParseProvider(t *testing.T) {
	p, ok := ParseProvider(" VAPI ")
	assert.True(t, ok)
	assert.Equal(t, ProviderVapi, p)

	p, ok = ParseProvider("retell")
	assert.True(t, ok)
	assert.Equal(t, ProviderRetell, p)

	_, ok = ParseProvider("twilio")
	assert.False(t, ok)
}
