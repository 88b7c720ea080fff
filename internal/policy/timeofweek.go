package policy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Time-of-week grammar: "<DAY>/<RANGES>/<TZ>". DAY is one of M T W R F
// S U (Thursday is R, Sunday is U). RANGES is "true" for the whole day
// or a comma list of "HH[:MM[:SS]]-HH[:MM[:SS]]". TZ is an IANA zone.

var (
	errInvalidDay          = errors.New("invalid day of the week")
	errInvalidTimezone     = errors.New("invalid timezone")
	errTimezoneRequired    = errors.New("timezone is required")
	errInvalidTimeRange    = errors.New("invalid time range")
	errStartAfterEnd       = errors.New("start of the range must not be after the end")
	errMalformedTimeOfWeek = errors.New("malformed day of week time range")
)

var dayLetters = map[string]time.Weekday{
	"M": time.Monday,
	"T": time.Tuesday,
	"W": time.Wednesday,
	"R": time.Thursday,
	"F": time.Friday,
	"S": time.Saturday,
	"U": time.Sunday,
}

// TimeRange is an inclusive range of seconds since local midnight.
type TimeRange struct {
	Start int
	End   int
}

// DayRanges is one parsed time-of-week value: the admitted ranges of a
// single weekday, interpreted in Loc.
type DayRanges struct {
	Day    time.Weekday
	Ranges []TimeRange
	Loc    *time.Location
}

// Admits reports whether t falls on the day inside any range, after
// converting t to the value's timezone. Both range ends are inclusive,
// so "10:00:00-10:00:00" admits exactly one second.
func (d DayRanges) Admits(t time.Time) bool {
	local := t.In(d.Loc)
	if local.Weekday() != d.Day {
		return false
	}
	sec := local.Hour()*3600 + local.Minute()*60 + local.Second()
	for _, r := range d.Ranges {
		if sec >= r.Start && sec <= r.End {
			return true
		}
	}
	return false
}

// ParseTimeOfWeek parses one "<DAY>/<RANGES>/<TZ>" value.
func ParseTimeOfWeek(s string) (DayRanges, error) {
	parts := strings.SplitN(s, "/", 3)
	if len(parts) < 2 {
		return DayRanges{}, fmt.Errorf("%w: %q", errMalformedTimeOfWeek, s)
	}
	if len(parts) < 3 || strings.TrimSpace(parts[2]) == "" {
		return DayRanges{}, errTimezoneRequired
	}

	day, ok := dayLetters[parts[0]]
	if !ok {
		return DayRanges{}, fmt.Errorf("%w: %q", errInvalidDay, parts[0])
	}

	loc, err := time.LoadLocation(parts[2])
	if err != nil {
		return DayRanges{}, fmt.Errorf("%w: %q", errInvalidTimezone, parts[2])
	}

	ranges, err := parseRanges(parts[1])
	if err != nil {
		return DayRanges{}, err
	}

	return DayRanges{Day: day, Ranges: ranges, Loc: loc}, nil
}

func parseRanges(s string) ([]TimeRange, error) {
	if s == "true" {
		return []TimeRange{{Start: 0, End: 23*3600 + 59*60 + 59}}, nil
	}

	var out []TimeRange
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		bounds := strings.SplitN(part, "-", 2)
		if len(bounds) != 2 {
			return nil, fmt.Errorf("%w: %q", errInvalidTimeRange, part)
		}
		start, err := parseClock(bounds[0])
		if err != nil {
			return nil, err
		}
		end, err := parseClock(bounds[1])
		if err != nil {
			return nil, err
		}
		if start > end {
			return nil, fmt.Errorf("%w: %q", errStartAfterEnd, part)
		}
		out = append(out, TimeRange{Start: start, End: end})
	}
	return out, nil
}

// parseClock parses "HH[:MM[:SS]]" into seconds since midnight.
func parseClock(s string) (int, error) {
	fields := strings.SplitN(strings.TrimSpace(s), ":", 3)

	h, err := atoiInRange(fields[0], 0, 23)
	if err != nil {
		return 0, fmt.Errorf("%w: hours in %q", errInvalidTimeRange, s)
	}
	m, sec := 0, 0
	if len(fields) > 1 {
		if m, err = atoiInRange(fields[1], 0, 59); err != nil {
			return 0, fmt.Errorf("%w: minutes in %q", errInvalidTimeRange, s)
		}
	}
	if len(fields) > 2 {
		if sec, err = atoiInRange(fields[2], 0, 59); err != nil {
			return 0, fmt.Errorf("%w: seconds in %q", errInvalidTimeRange, s)
		}
	}
	return h*3600 + m*60 + sec, nil
}

func atoiInRange(s string, lo, hi int) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%d out of range [%d, %d]", n, lo, hi)
	}
	return n, nil
}
