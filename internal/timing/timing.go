// Package timing turns ISO-8601 delay strings into absolute due instants.
package timing

import (
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/sosodev/duration"

	"jobflow/internal/domain"
)

const (
	secondsPerDay  = 24 * 60 * 60
	secondsPerWeek = 7 * secondsPerDay
)

// isoDelay is the ISO-8601 duration grammar: designators in order, each at
// most once, and a T only when a time component follows it.
var isoDelay = regexp.MustCompile(`^P(?:\d+(?:\.\d+)?Y)?(?:\d+(?:\.\d+)?M)?(?:\d+(?:\.\d+)?W)?(?:\d+(?:\.\d+)?D)?(?:T(?:\d+(?:\.\d+)?H)?(?:\d+(?:\.\d+)?M)?(?:\d+(?:\.\d+)?S)?)?$`)

// ParseDelay parses an ISO-8601 duration such as "PT3H" or "P1DT30M".
// Years and months are rejected because their length depends on the
// calendar; negative and overflowing offsets are rejected too.
func ParseDelay(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, domain.InvalidTiming(raw, "empty duration")
	}
	s = strings.ToUpper(s)
	if strings.HasPrefix(s, "-") {
		return 0, domain.InvalidTiming(raw, "negative duration")
	}
	if !isoDelay.MatchString(s) || strings.HasSuffix(s, "P") || strings.HasSuffix(s, "T") {
		return 0, domain.InvalidTiming(raw, "malformed ISO-8601 duration")
	}
	d, err := duration.Parse(s)
	if err != nil {
		return 0, domain.InvalidTiming(raw, err.Error())
	}
	if d.Negative {
		return 0, domain.InvalidTiming(raw, "negative duration")
	}
	if d.Years != 0 || d.Months != 0 {
		return 0, domain.InvalidTiming(raw, "years and months are not fixed-length")
	}
	secs := d.Weeks*secondsPerWeek + d.Days*secondsPerDay + d.Hours*3600 + d.Minutes*60 + d.Seconds
	if secs < 0 {
		return 0, domain.InvalidTiming(raw, "negative duration")
	}
	ns := secs * float64(time.Second)
	if ns >= float64(math.MaxInt64) || math.IsInf(ns, 0) || math.IsNaN(ns) {
		return 0, domain.InvalidTiming(raw, "duration overflows")
	}
	return time.Duration(ns), nil
}

// DueAt resolves raw against now once, at submission time.
func DueAt(now time.Time, raw string) (time.Time, error) {
	d, err := ParseDelay(raw)
	if err != nil {
		return time.Time{}, err
	}
	due := now.Add(d)
	if due.Before(now) {
		return time.Time{}, domain.InvalidTiming(raw, "due instant overflows")
	}
	return due, nil
}
