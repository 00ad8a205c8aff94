// human readable and writable stdlib types
// which can be used inside config file and on a command line
package model

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Duration is time.Duration which accepts 1w2d3h4m5s as well as the Go
// syntax (1h30m, 500ms) when unmarshalled.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalText(text []byte) error {
	if d == nil {
		return errors.New("can't unmarshal to nil")
	}
	parsed, err := ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

var humanDurationRx = regexp.MustCompile(`^(\d+w)?(\d+d)?(\d+h)?(\d+m)?(\d+s)?$`)

// ParseDuration parses strings matching ^(\d+w)?(\d+d)?(\d+h)?(\d+m)?(\d+s)?$
// into time.Duration. Each unit may appear once and in that order. Strings
// with sub-second units or fractions (500ms, 1.5h) go to time.ParseDuration.
// Empty string is rejected.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty duration")
	}
	m := humanDurationRx.FindStringSubmatch(s)
	if m == nil {
		if !goDurationOnly(s) {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		if d < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		return d, nil
	}
	var total time.Duration
	for _, seg := range m[1:] {
		if seg == "" {
			continue
		}
		val, err := strconv.ParseInt(seg[:len(seg)-1], 10, 64)
		if err != nil {
			return 0, errors.New("invalid number in " + seg)
		}
		var unit time.Duration
		switch seg[len(seg)-1] {
		case 'w':
			unit = 7 * 24 * time.Hour
		case 'd':
			unit = 24 * time.Hour
		case 'h':
			unit = time.Hour
		case 'm':
			unit = time.Minute
		case 's':
			unit = time.Second
		}
		if val > int64(math.MaxInt64/unit) {
			return 0, errors.New("duration overflow")
		}
		add := unit * time.Duration(val)
		if total > time.Duration(math.MaxInt64)-add {
			return 0, errors.New("duration overflow")
		}
		total += add
	}
	return total, nil
}

// goDurationOnly reports whether s uses units or fractions the human
// grammar does not know, so it has to be a Go duration.
func goDurationOnly(s string) bool {
	if strings.Contains(s, ".") {
		return true
	}
	for _, unit := range []string{"ns", "us", "µs", "ms"} {
		if strings.Contains(s, unit) {
			return true
		}
	}
	return false
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

var clockLayouts = []string{
	"15:04:05",
	"15:04",
}

// ParseTime parses a wall-clock instant. A bare clock time (15:04 or
// 15:04:05) means that time today, in the location of now.
func ParseTime(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty time")
	}
	for _, layout := range clockLayouts {
		t, err := time.ParseInLocation(layout, s, now.Location())
		if err == nil {
			y, mo, d := now.Date()
			return time.Date(y, mo, d, t.Hour(), t.Minute(), t.Second(), 0, now.Location()), nil
		}
	}
	for _, layout := range timeLayouts {
		t, err := time.ParseInLocation(layout, s, now.Location())
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q: expected RFC 3339, YYYY-MM-DD[ HH:MM[:SS]] or HH:MM[:SS]", s)
}
