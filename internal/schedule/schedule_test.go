package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNext(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name   string
		expr   string
		tz     string
		now    time.Time
		want   time.Time
		wantOK bool
	}{
		{
			name:   "daily in reference zone rolls to tomorrow",
			expr:   "0 9 * * *",
			now:    now,
			want:   time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC),
			wantOK: true,
		},
		{
			name:   "daily later today",
			expr:   "0 9 * * *",
			now:    time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC),
			want:   time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
			wantOK: true,
		},
		{
			name:   "strictly after now",
			expr:   "0 9 * * *",
			now:    time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
			want:   time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC),
			wantOK: true,
		},
		{
			name:   "every fifteen minutes",
			expr:   "*/15 * * * *",
			now:    now,
			want:   time.Date(2026, 3, 10, 10, 45, 0, 0, time.UTC),
			wantOK: true,
		},
		{
			name:   "comma list and range",
			expr:   "0 8,17 * * 1-5",
			now:    time.Date(2026, 3, 13, 18, 0, 0, 0, time.UTC), // Friday
			want:   time.Date(2026, 3, 16, 8, 0, 0, 0, time.UTC),
			wantOK: true,
		},
		{
			name:   "evaluated in task timezone",
			expr:   "0 9 * * *",
			tz:     "America/New_York",
			now:    now, // 06:30 EDT
			want:   time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC),
			wantOK: true,
		},
		{
			name: "malformed expression",
			expr: "not a cron",
			now:  now,
		},
		{
			name: "too many fields",
			expr: "0 0 9 * * *",
			now:  now,
		},
		{
			name: "out of range",
			expr: "61 * * * *",
			now:  now,
		},
		{
			name: "unknown timezone",
			expr: "0 9 * * *",
			tz:   "Mars/Olympus",
			now:  now,
		},
		{
			name: "empty",
			expr: "",
			now:  now,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := Next(tt.expr, tt.tz, tt.now)
			require.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.True(t, tt.want.Equal(got), "want %s, got %s", tt.want, got)
				assert.Equal(t, time.UTC, got.Location())
			} else {
				assert.True(t, got.IsZero())
			}
		})
	}
}

func TestNextDeterministic(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	first, ok := Next("30 6 * * 0", "Europe/Berlin", now)
	require.True(t, ok)
	for i := 0; i < 5; i++ {
		again, ok := Next("30 6 * * 0", "Europe/Berlin", now)
		require.True(t, ok)
		assert.True(t, first.Equal(again))
	}
}

func TestNextPtr(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 10, 30, 0, 0, time.UTC)
	assert.Nil(t, NextPtr("bogus", "", now))
	next := NextPtr("0 * * * *", "", now)
	require.NotNil(t, next)
	assert.Equal(t, time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC), *next)
}

func TestValid(t *testing.T) {
	t.Parallel()

	assert.True(t, Valid("0 9 * * 1-5"))
	assert.True(t, Valid("@daily"))
	assert.False(t, Valid("0 9 * *"))
	assert.True(t, ValidZone(""))
	assert.True(t, ValidZone("Asia/Tokyo"))
	assert.False(t, ValidZone("Nowhere/City"))
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Weekdays at 9 AM", Describe("0 9 * * 1-5"))
	assert.Equal(t, "*/5 * * * *", Describe("*/5 * * * *"))
}
