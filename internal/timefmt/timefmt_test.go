package timefmt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatSecondsPrecision(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0.5, "0.500"},
		{5.2, "5.20"},
		{55, "55.0"},
		{550, "550"},
		{0, "0.000"},
		{99.94, "99.9"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatSeconds(tt.in))
	}
}

func TestElapsed(t *testing.T) {
	assert.Contains(t, Elapsed(0.5), "0.500")
	assert.Contains(t, Elapsed(5.2), "5.20")
	assert.Contains(t, Elapsed(55), "55.0")
	assert.Contains(t, Elapsed(550), "550")
	assert.Equal(t, "elapsed time 5.20 s;", Elapsed(5.2))
}

func TestElapsedWithProgress(t *testing.T) {
	got := Elapsed(10, 25)
	assert.Equal(t, "elapsed time 10.0 s; expected to end ~ 30.0s; total time ~ 40.0s;", got)
}

func TestElapsedZeroProgress(t *testing.T) {
	got := Elapsed(1, 0)
	// 1 * 100 / 0.01
	assert.Contains(t, got, "total time ~ 10000s;")
}

func TestElapsedClock(t *testing.T) {
	got := ElapsedClock(1800, 50)
	assert.Equal(t, "elapsed time 1800 s; expected to end ~ 0:30:00 total time ~ 1:00:00", got)
}

func TestClock(t *testing.T) {
	assert.Equal(t, "3:25:45", Clock(12345))
	assert.Equal(t, "0:00:00", Clock(0))
	assert.Equal(t, "23:59:59", Clock(86399))
	assert.Equal(t, "1:00:00", Clock(90000))
}

func TestClockDivmod(t *testing.T) {
	assert.Equal(t, "25:00:00", ClockDivmod(90000))
	assert.Equal(t, "3:25:45", ClockDivmod(12345))
}

func TestClockRoundTrip(t *testing.T) {
	for s := int64(0); s < secondsPerDay; s++ {
		got, err := ParseClock(Clock(float64(s)))
		require.NoError(t, err)
		if got != s {
			t.Fatalf("round trip of %d gave %d", s, got)
		}
	}
	got, err := ParseClock(Clock(float64(secondsPerDay + 42)))
	require.NoError(t, err)
	assert.Equal(t, int64(42), got)
}

func TestParseClockRejects(t *testing.T) {
	for _, in := range []string{"", "1:2", "a:00:00", "1:60:00", "1:00:61"} {
		_, err := ParseClock(in)
		assert.Error(t, err, in)
	}
}

func TestDateSecondsRoundTrip(t *testing.T) {
	loc := time.FixedZone("UTC+7", 7*3600)
	secs, err := DateToSeconds("2020-04-01 12:30:00", loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2020, 4, 1, 5, 30, 0, 0, time.UTC).Unix(), secs)
	assert.Equal(t, "2020-04-01 12:30:00", SecondsToDate(secs, loc))

	_, err = DateToSeconds("2020/04/01", loc)
	assert.Error(t, err)
}
