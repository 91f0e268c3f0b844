package period

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampDay(t *testing.T) {
	tests := []struct {
		name  string
		year  int
		month time.Month
		day   int
		want  int
	}{
		{"within_month", 2024, time.March, 15, 15},
		{"leap_february", 2024, time.February, 31, 29},
		{"common_february", 2023, time.February, 31, 28},
		{"thirty_day_month", 2024, time.April, 31, 30},
		{"exact_last_day", 2024, time.January, 31, 31},
		{"zero_clamps_up", 2024, time.January, 0, 1},
		{"negative_clamps_up", 2024, time.January, -4, 1},
		{"century_non_leap", 1900, time.February, 29, 28},
		{"four_hundred_leap", 2000, time.February, 30, 29},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClampDay(tc.year, tc.month, tc.day))
		})
	}
}

func TestNextAndPrev(t *testing.T) {
	assert.Equal(t, Period{2024, time.February}, Period{2024, time.January}.Next())
	assert.Equal(t, Period{2025, time.January}, Period{2024, time.December}.Next())
	assert.Equal(t, Period{2023, time.December}, Period{2024, time.January}.Prev())
	assert.Equal(t, Period{2024, time.May}, Period{2024, time.June}.Prev())
}

func TestCompare(t *testing.T) {
	a := Period{2024, time.March}
	assert.Equal(t, 0, a.Compare(Period{2024, time.March}))
	assert.Equal(t, -1, a.Compare(Period{2024, time.April}))
	assert.Equal(t, 1, a.Compare(Period{2023, time.December}))
	assert.True(t, Period{2023, time.December}.Before(a))
	assert.False(t, a.Before(a))
}

func TestEnumerate(t *testing.T) {
	t.Run("inclusive_target", func(t *testing.T) {
		got := Enumerate(Period{2023, time.December}, Period{2024, time.April})
		assert.Equal(t, []Period{
			{2024, time.January},
			{2024, time.February},
			{2024, time.March},
			{2024, time.April},
		}, got)
	})

	t.Run("crosses_year", func(t *testing.T) {
		got := Enumerate(Period{2023, time.November}, Period{2024, time.February})
		require.Len(t, got, 3)
		assert.Equal(t, Period{2023, time.December}, got[0])
		assert.Equal(t, Period{2024, time.February}, got[2])
	})

	t.Run("equal_is_empty", func(t *testing.T) {
		assert.Empty(t, Enumerate(Period{2024, time.May}, Period{2024, time.May}))
	})

	t.Run("reversed_is_empty", func(t *testing.T) {
		assert.Empty(t, Enumerate(Period{2024, time.June}, Period{2024, time.May}))
	})

	t.Run("restartable", func(t *testing.T) {
		from, to := Period{2022, time.July}, Period{2024, time.July}
		assert.Equal(t, Enumerate(from, to), Enumerate(from, to))
		assert.Len(t, Enumerate(from, to), 24)
	})
}

func TestDate(t *testing.T) {
	d := Period{2024, time.February}.Date(31)
	assert.Equal(t, time.Date(2024, time.February, 29, 0, 0, 0, 0, time.UTC), d)

	d = Period{2024, time.April}.Date(31)
	assert.Equal(t, 30, d.Day())

	assert.Equal(t, Period{2024, time.April}, Of(d))
}

func TestKeyRoundTrip(t *testing.T) {
	p := Period{2024, time.March}
	assert.Equal(t, "2024-03", p.Key())

	parsed, err := ParseKey("2024-03")
	require.NoError(t, err)
	assert.Equal(t, p, parsed)

	_, err = ParseKey("March 2024")
	assert.Error(t, err)
}

func TestNewNormalizes(t *testing.T) {
	assert.Equal(t, Period{2025, time.January}, New(2024, 13))
	assert.Equal(t, Period{2023, time.December}, New(2024, 0))
}

func TestTruncate(t *testing.T) {
	in := time.Date(2024, time.April, 15, 17, 45, 3, 99, time.UTC)
	assert.Equal(t, Date(2024, time.April, 15), Truncate(in))
}
