package expiry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndOfCalendarMonth(t *testing.T) {
	tests := []struct {
		name      string
		reference time.Time
		want      time.Time
	}{
		{
			name:      "first day of month",
			reference: time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
			want:      time.Date(2024, time.March, 31, 23, 59, 59, 999000000, time.UTC),
		},
		{
			name:      "last day of month",
			reference: time.Date(2024, time.April, 30, 23, 59, 0, 0, time.UTC),
			want:      time.Date(2024, time.April, 30, 23, 59, 59, 999000000, time.UTC),
		},
		{
			name:      "leap february",
			reference: time.Date(2024, time.February, 10, 12, 0, 0, 0, time.UTC),
			want:      time.Date(2024, time.February, 29, 23, 59, 59, 999000000, time.UTC),
		},
		{
			name:      "non-leap february",
			reference: time.Date(2023, time.February, 28, 1, 0, 0, 0, time.UTC),
			want:      time.Date(2023, time.February, 28, 23, 59, 59, 999000000, time.UTC),
		},
		{
			name:      "december rolls into next year boundary",
			reference: time.Date(2023, time.December, 15, 8, 30, 0, 0, time.UTC),
			want:      time.Date(2023, time.December, 31, 23, 59, 59, 999000000, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EndOfCalendarMonth(tt.reference, time.UTC)
			assert.True(t, tt.want.Equal(got), "got %s, want %s", got, tt.want)
		})
	}
}

func TestEndOfCalendarMonth_EvaluatedInTimezone(t *testing.T) {
	loc, err := time.LoadLocation("Pacific/Honolulu")
	require.NoError(t, err)

	// 1 апреля 05:00 UTC это ещё 31 марта в Гонолулу.
	reference := time.Date(2024, time.April, 1, 5, 0, 0, 0, time.UTC)
	got := EndOfCalendarMonth(reference, loc)

	want := time.Date(2024, time.March, 31, 23, 59, 59, 999000000, loc)
	assert.True(t, want.Equal(got), "got %s, want %s", got, want)
	assert.Equal(t, loc, got.Location())
}

func TestEndOfCalendarMonth_IndependentOfDay(t *testing.T) {
	want := time.Date(2025, time.June, 30, 23, 59, 59, 999000000, time.UTC)
	for day := 1; day <= 30; day++ {
		reference := time.Date(2025, time.June, day, 13, 0, 0, 0, time.UTC)
		got := EndOfCalendarMonth(reference, time.UTC)
		assert.True(t, want.Equal(got), "day %d: got %s", day, got)
	}
}

func TestCalculator_DefaultsToUTC(t *testing.T) {
	c := NewCalculator(nil)
	assert.Equal(t, time.UTC, c.Location())

	paidAt := time.Date(2025, time.January, 31, 23, 0, 0, 0, time.UTC)
	assert.True(t, c.ExpiresAt(paidAt).Equal(time.Date(2025, time.January, 31, 23, 59, 59, 999000000, time.UTC)))
}
