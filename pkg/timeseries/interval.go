package timeseries

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Interval is an allow-listed PostgreSQL interval such as "1 hour" or "2 years".
// Only a positive count and a single unit are accepted so the value is safe to
// render into DDL that does not take bind parameters.
type Interval struct {
	Count int
	Unit  string
}

var intervalPattern = regexp.MustCompile(`^([0-9]{1,6})\s*(second|minute|hour|day|week|month|year)s?$`)

var unitAliases = map[string]string{
	"s":   "second",
	"sec": "second",
	"m":   "minute",
	"min": "minute",
	"h":   "hour",
	"d":   "day",
	"w":   "week",
	"mon": "month",
	"y":   "year",
}

var approxUnit = map[string]time.Duration{
	"second": time.Second,
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
	"week":   7 * 24 * time.Hour,
	"month":  30 * 24 * time.Hour,
	"year":   365 * 24 * time.Hour,
}

// maxApprox bounds every interval so Approx stays inside time.Duration.
const maxApprox = 200 * 365 * 24 * time.Hour

// ParseInterval accepts "1 hour", "2 years", "90 days" and the short forms "1h", "7d".
func ParseInterval(raw string) (Interval, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return Interval{}, fmt.Errorf("%w: empty interval", ErrInvalidOptions)
	}
	if m := intervalPattern.FindStringSubmatch(s); m != nil {
		return newInterval(m[1], m[2], raw)
	}
	i := strings.IndexFunc(s, func(r rune) bool { return r < '0' || r > '9' })
	if i > 0 {
		if unit, ok := unitAliases[strings.TrimSpace(s[i:])]; ok {
			return newInterval(s[:i], unit, raw)
		}
	}
	return Interval{}, fmt.Errorf("%w: interval %q not allowed", ErrInvalidOptions, raw)
}

func newInterval(count, unit, raw string) (Interval, error) {
	n, err := strconv.Atoi(count)
	if err != nil || n <= 0 {
		return Interval{}, fmt.Errorf("%w: interval %q must be positive", ErrInvalidOptions, raw)
	}
	if int64(n) > int64(maxApprox/approxUnit[unit]) {
		return Interval{}, fmt.Errorf("%w: interval %q exceeds 200 years", ErrInvalidOptions, raw)
	}
	return Interval{Count: n, Unit: unit}, nil
}

// MustInterval is ParseInterval for constants; it panics on error.
func MustInterval(raw string) Interval {
	iv, err := ParseInterval(raw)
	if err != nil {
		panic(err)
	}
	return iv
}

// String renders the canonical SQL form, e.g. "1 day" or "2 years".
func (iv Interval) String() string {
	if iv.IsZero() {
		return ""
	}
	if iv.Count == 1 {
		return fmt.Sprintf("1 %s", iv.Unit)
	}
	return fmt.Sprintf("%d %ss", iv.Count, iv.Unit)
}

// IsZero reports whether the interval was never set.
func (iv Interval) IsZero() bool { return iv.Count == 0 }

// Approx converts to a time.Duration, treating a month as 30 days and a year as 365.
// It is only used to compare granularities.
func (iv Interval) Approx() time.Duration {
	return time.Duration(iv.Count) * approxUnit[iv.Unit]
}

// Literal renders the interval as a SQL literal for DDL bodies.
func (iv Interval) Literal() string {
	return "INTERVAL '" + iv.String() + "'"
}
