package settings

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonical(t *testing.T) {
	cases := map[string]string{
		"target_id":         KeyTargetID,
		"quiet_start":       KeyQuietStart,
		"QUIET_END":         KeyQuietEnd,
		"model":             KeyModel,
		"timezone":          KeyTimezone,
		"rate_limit_window": KeyRateLimitWindow,
	}
	for in, want := range cases {
		got, ok := Canonical(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := Canonical("favourite_colour")
	assert.False(t, ok)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		key, value string
		want       string
		wantErr    bool
	}{
		{KeyQuietStart, "7:05", "07:05", false},
		{KeyQuietStart, "", "", false},
		{KeyQuietEnd, "24:00", "", true},
		{KeyQuietEnd, "8am", "", true},
		{KeyTimezone, "Asia/Tokyo", "Asia/Tokyo", false},
		{KeyTimezone, "Moon/Base", "", true},
		{KeyQuietMode, "IGNORE", "ignore", false},
		{KeyQuietMode, "drop", "", true},
		{KeyTargetID, "123456", "123456", false},
		{KeyTargetID, "@alice:example.org", "@alice:example.org", false},
		{KeyTargetID, "-5", "", true},
		{KeyTargetID, "12 34", "", true},
		{KeyTargetUsername, "@alice", "alice", false},
		{KeyContextTurns, "100", "100", false},
		{KeyContextTurns, "0", "", true},
		{KeyContextTurns, "many", "", true},
		{KeyRateLimitCount, "21", "", true},
		{KeyRateLimitWindow, "9", "", true},
		{KeyRateLimitWindow, "300", "300", false},
		{KeyManualOverrideMinutes, "1440", "1440", false},
		{KeyEnabled, "ON", "true", false},
		{KeyEnabled, "maybe", "", true},
		{KeyStyle, "  short and sweet ", "short and sweet", false},
		{"bogus", "x", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			got, err := Validate(tt.key, tt.value)
			if tt.wantErr {
				var verr *ValidationError
				require.True(t, errors.As(err, &verr), "want ValidationError, got %v", err)
				assert.Equal(t, tt.key, verr.Key)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAdminKeysSorted(t *testing.T) {
	keys := AdminKeys()
	assert.IsIncreasing(t, keys)
	assert.Contains(t, keys, KeyStyle)
	assert.NotContains(t, keys, KeyLastSender)
}
