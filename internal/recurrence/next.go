package recurrence

// Next returns the first occurrence of the rule strictly after ref.
//
// It is pure: no clock, no I/O. The strict inequality is what makes the
// engine's catch-up loop terminate and its second run a no-op, so every
// branch below must advance by at least one day.
func (r Rule) Next(ref Date) Date {
	switch r.Frequency {
	case Daily:
		return nextInSet(ref, r.Weekdays)
	case Weekly:
		set := r.Weekdays
		if set.IsEmpty() {
			// Plain weekly: the anchor's weekday is the single slot.
			set = Weekdays(r.Anchor.Weekday())
		}
		return nextInSet(ref, set)
	case Monthly:
		return nextMonthly(r.Anchor, ref)
	case Yearly:
		return nextYearly(r.Anchor, ref)
	case Custom:
		return nextInSet(ref, r.Weekdays)
	default:
		// Unknown frequency still makes forward progress.
		return ref.AddDays(1)
	}
}

// First returns the earliest occurrence on or after the anchor. Used to
// seed a fresh record's cursor: the anchor itself counts when it matches
// the rule.
func (r Rule) First() Date {
	return r.Next(r.Anchor.AddDays(-1))
}

// nextInSet advances day-by-day to the first date strictly after ref whose
// weekday is in the set. An empty set means every day qualifies. The search
// window is at most 7 days; with a non-empty set some day always matches.
func nextInSet(ref Date, set WeekdaySet) Date {
	d := ref.AddDays(1)
	if set.IsEmpty() {
		return d
	}
	for i := 0; i < 7; i++ {
		if set.Has(d.Weekday()) {
			return d
		}
		d = d.AddDays(1)
	}
	return ref.AddDays(1)
}

// nextMonthly walks month-by-month from ref's month, placing the anchor's
// day-of-month in each candidate month and clamping to the month's last day
// when the anchor day does not exist there (day 31 in February lands on the
// 28th or 29th).
func nextMonthly(anchor, ref Date) Date {
	year, month := ref.Year, ref.Month
	for {
		day := anchor.Day
		if last := DaysIn(year, month); day > last {
			day = last
		}
		candidate := Date{Year: year, Month: month, Day: day}
		if candidate.After(ref) {
			return candidate
		}
		month++
		if month > 12 {
			month = 1
			year++
		}
	}
}

// nextYearly places the anchor's month/day in each candidate year starting
// at ref's year. A Feb 29 anchor clamps to Feb 28 in non-leap years.
func nextYearly(anchor, ref Date) Date {
	for year := ref.Year; ; year++ {
		day := anchor.Day
		if last := DaysIn(year, anchor.Month); day > last {
			day = last
		}
		candidate := Date{Year: year, Month: anchor.Month, Day: day}
		if candidate.After(ref) {
			return candidate
		}
	}
}
