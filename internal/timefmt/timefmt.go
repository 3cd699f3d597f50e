// Package timefmt renders elapsed durations and wall-clock strings for log lines.
package timefmt

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the layout used by DateToSeconds and SecondsToDate.
const DateLayout = "2006-01-02 15:04:05"

const secondsPerDay = 24 * 3600

// FormatSeconds renders s with precision that shrinks as s grows:
// three decimals under 1s, two under 10s, one under 100s, none above.
func FormatSeconds(s float64) string {
	switch {
	case s < 1:
		return strconv.FormatFloat(s, 'f', 3, 64)
	case s < 10:
		return strconv.FormatFloat(s, 'f', 2, 64)
	case s < 100:
		return strconv.FormatFloat(s, 'f', 1, 64)
	default:
		return strconv.FormatFloat(s, 'f', 0, 64)
	}
}

// Elapsed renders "elapsed time X s;". If percentComplete is given (0-100),
// the remaining and total time are extrapolated linearly from it and appended.
func Elapsed(seconds float64, percentComplete ...float64) string {
	return elapsed(seconds, false, percentComplete...)
}

// ElapsedClock is like Elapsed but renders the estimates as H:MM:SS.
func ElapsedClock(seconds float64, percentComplete ...float64) string {
	return elapsed(seconds, true, percentComplete...)
}

func elapsed(seconds float64, clock bool, percentComplete ...float64) string {
	var b strings.Builder
	b.WriteString("elapsed time ")
	b.WriteString(FormatSeconds(seconds))
	b.WriteString(" s;")

	if len(percentComplete) == 0 {
		return b.String()
	}

	// progress below 0.01% would blow the estimate up
	total := seconds * 100 / math.Max(percentComplete[0], 0.01)
	remaining := total - seconds

	var remainingStr, totalStr string
	if clock {
		remainingStr = Clock(remaining)
		totalStr = Clock(total)
	} else {
		remainingStr = FormatSeconds(remaining) + "s;"
		totalStr = FormatSeconds(total) + "s;"
	}
	b.WriteString(" expected to end ~ ")
	b.WriteString(remainingStr)
	b.WriteString(" total time ~ ")
	b.WriteString(totalStr)
	return b.String()
}

// Since is Elapsed for the time passed since start.
func Since(start time.Time) string {
	return Elapsed(time.Since(start).Seconds())
}

// Clock renders seconds as H:MM:SS. Whole days wrap: 90000 renders as 1:00:00.
func Clock(seconds float64) string {
	s := int64(math.Floor(seconds))
	s %= secondsPerDay
	if s < 0 {
		s += secondsPerDay
	}
	return clock(s)
}

// ClockDivmod renders seconds as H:MM:SS without wrapping, so hours may exceed 23.
func ClockDivmod(seconds float64) string {
	s := int64(math.Floor(seconds))
	if s < 0 {
		s = 0
	}
	return clock(s)
}

func clock(s int64) string {
	h := s / 3600
	m := (s % 3600) / 60
	sec := s % 60
	return fmt.Sprintf("%d:%02d:%02d", h, m, sec)
}

// ParseClock is the inverse of Clock for strings of the form H:MM:SS.
func ParseClock(s string) (int64, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("clock %q: want H:MM:SS", s)
	}
	var total int64
	for i, mult := range []int64{3600, 60, 1} {
		v, err := strconv.ParseInt(parts[i], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("clock %q: %w", s, err)
		}
		if v < 0 || (i > 0 && v > 59) {
			return 0, fmt.Errorf("clock %q: field %d out of range", s, i)
		}
		total += v * mult
	}
	return total, nil
}

// DateToSeconds parses a DateLayout string in loc and returns epoch seconds.
func DateToSeconds(date string, loc *time.Location) (int64, error) {
	t, err := time.ParseInLocation(DateLayout, date, loc)
	if err != nil {
		return 0, err
	}
	return t.Unix(), nil
}

// SecondsToDate formats epoch seconds in loc using DateLayout.
func SecondsToDate(seconds int64, loc *time.Location) string {
	return time.Unix(seconds, 0).In(loc).Format(DateLayout)
}
