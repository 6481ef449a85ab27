package recurrence

import (
	"fmt"
	"strings"
	"time"
)

// WeekdaySet is a bitmask of weekdays, one bit per time.Weekday.
// The zero value is the empty set.
type WeekdaySet uint8

func Weekdays(days ...time.Weekday) WeekdaySet {
	var s WeekdaySet
	for _, d := range days {
		s = s.Add(d)
	}
	return s
}

func (s WeekdaySet) Add(d time.Weekday) WeekdaySet { return s | 1<<uint(d) }

func (s WeekdaySet) Has(d time.Weekday) bool { return s&(1<<uint(d)) != 0 }

func (s WeekdaySet) IsEmpty() bool { return s == 0 }

func (s WeekdaySet) Len() int {
	n := 0
	for d := time.Sunday; d <= time.Saturday; d++ {
		if s.Has(d) {
			n++
		}
	}
	return n
}

var weekdayLabels = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseWeekdaySet parses a comma-separated list of weekday labels
// ("mon,thu" or full names, case-insensitive). An empty string yields the
// empty set.
func ParseWeekdaySet(raw string) (WeekdaySet, error) {
	var s WeekdaySet
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return s, nil
	}
	for _, part := range strings.Split(raw, ",") {
		label := strings.ToLower(strings.TrimSpace(part))
		d, ok := weekdayLabels[label]
		if !ok {
			return 0, fmt.Errorf("invalid weekday %q", part)
		}
		s = s.Add(d)
	}
	return s, nil
}

// String renders the set as short labels in Sunday-first order, e.g.
// "mon,thu". The empty set renders as "".
func (s WeekdaySet) String() string {
	short := [...]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}
	parts := make([]string, 0, 7)
	for d := time.Sunday; d <= time.Saturday; d++ {
		if s.Has(d) {
			parts = append(parts, short[d])
		}
	}
	return strings.Join(parts, ",")
}
