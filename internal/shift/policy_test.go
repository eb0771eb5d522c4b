package shift

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(t *testing.T, hhmm string) time.Time {
	t.Helper()
	tod, err := ParseTimeOfDay(hhmm)
	require.NoError(t, err)
	return tod.On(time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC))
}

func defaultPolicy(t *testing.T) *Policy {
	t.Helper()
	p, err := NewPolicy(Defaults(), "Morning")
	require.NoError(t, err)
	return p
}

func TestParseTimeOfDay(t *testing.T) {
	cases := map[string]string{
		"09:00":       "09:00",
		"14:30:45":    "14:30:45",
		"2:30 PM":     "14:30",
		"02:30:15 pm": "14:30:15",
		"12:00 AM":    "00:00",
	}
	for in, want := range cases {
		got, err := ParseTimeOfDay(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got.String(), in)
	}

	_, err := ParseTimeOfDay("25:99")
	assert.Error(t, err)
}

func TestWindow_HalfOpen(t *testing.T) {
	w := Window{Start: MustParseTimeOfDay("09:00"), End: MustParseTimeOfDay("11:00")}

	assert.True(t, w.Contains(MustParseTimeOfDay("09:00")))
	assert.True(t, w.Contains(MustParseTimeOfDay("10:59:59")))
	assert.False(t, w.Contains(MustParseTimeOfDay("11:00")))
	assert.False(t, w.Contains(MustParseTimeOfDay("08:59:59")))
}

func TestWindow_WrapsMidnight(t *testing.T) {
	w := Window{Start: MustParseTimeOfDay("22:00"), End: MustParseTimeOfDay("02:00")}
	require.True(t, w.Wraps())

	assert.True(t, w.Contains(MustParseTimeOfDay("23:30")))
	assert.True(t, w.Contains(MustParseTimeOfDay("00:15")))
	assert.True(t, w.Contains(MustParseTimeOfDay("01:59")))
	assert.False(t, w.Contains(MustParseTimeOfDay("02:00")))
	assert.False(t, w.Contains(MustParseTimeOfDay("12:00")))
}

func TestWindow_Active_WrapAfterMidnight(t *testing.T) {
	w := Window{Start: MustParseTimeOfDay("22:00"), End: MustParseTimeOfDay("02:00")}
	now := time.Date(2025, 3, 11, 1, 0, 0, 0, time.UTC)

	start, end := w.Active(now)
	assert.Equal(t, time.Date(2025, 3, 10, 22, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2025, 3, 11, 2, 0, 0, 0, time.UTC), end)

	now = time.Date(2025, 3, 10, 23, 0, 0, 0, time.UTC)
	start, end = w.Active(now)
	assert.Equal(t, time.Date(2025, 3, 10, 22, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2025, 3, 11, 2, 0, 0, 0, time.UTC), end)
}

func TestDefinition_Overnight(t *testing.T) {
	for _, d := range Defaults() {
		assert.False(t, d.Overnight(), d.Name)
	}
	night := Definition{
		Name:     "Night",
		Checkin:  Window{Start: MustParseTimeOfDay("21:00"), End: MustParseTimeOfDay("23:00")},
		Checkout: Window{Start: MustParseTimeOfDay("05:00"), End: MustParseTimeOfDay("07:00")},
	}
	assert.True(t, night.Overnight())
}

func TestPolicy_MorningWindows(t *testing.T) {
	p := defaultPolicy(t)

	assert.True(t, p.IsCheckinAllowed("Morning", at(t, "09:15")))
	assert.False(t, p.IsCheckinAllowed("Morning", at(t, "11:00")))
	assert.False(t, p.IsCheckoutAllowed("Morning", at(t, "09:16")))
	assert.True(t, p.IsCheckoutAllowed("Morning", at(t, "12:05")))
	assert.False(t, p.IsCheckoutAllowed("Morning", at(t, "13:40")))
}

func TestPolicy_UnknownShiftFallsBack(t *testing.T) {
	p := defaultPolicy(t)

	assert.Equal(t, "Morning", p.Resolve("Weekend").Name)
	assert.Equal(t, "Morning", p.Resolve("").Name)
	assert.Equal(t, "Evening", p.Resolve(" evening ").Name)
	assert.True(t, p.IsCheckinAllowed("night-owls", at(t, "09:30")))
}

func TestPolicy_WindowFor(t *testing.T) {
	p := defaultPolicy(t)
	now := at(t, "10:00")

	b := p.WindowFor("Morning", now)
	assert.Equal(t, "Morning", b.Shift)
	assert.Equal(t, at(t, "09:00"), b.CheckinStart)
	assert.Equal(t, at(t, "11:00"), b.CheckinEnd)
	assert.Equal(t, at(t, "12:00"), b.CheckoutStart)
	assert.Equal(t, at(t, "13:40"), b.CheckoutEnd)
}

func TestPolicy_Deterministic(t *testing.T) {
	p := defaultPolicy(t)
	now := at(t, "12:30")
	first := p.WindowFor("Evening", now)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, p.WindowFor("Evening", now))
		assert.False(t, p.IsCheckoutAllowed("Evening", now))
	}
}

func TestNewPolicy_Validation(t *testing.T) {
	_, err := NewPolicy(nil, "Morning")
	assert.Error(t, err)

	_, err = NewPolicy(Defaults(), "Night")
	assert.Error(t, err)

	dup := append(Defaults(), Definition{Name: "morning"})
	_, err = NewPolicy(dup, "Morning")
	assert.Error(t, err)
}
