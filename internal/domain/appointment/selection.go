package appointment

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the site's dd/mm/yyyy date format.
const DateLayout = "02/01/2006"

var (
	dateRe  = regexp.MustCompile(`\b(\d{2}/\d{2}/\d{4})\b`)
	clockRe = regexp.MustCompile(`\b(\d{1,2}):(\d{2})\b`)
)

// Window bounds acceptable slots. Zero dates and negative minutes mean unbounded.
type Window struct {
	MinDate time.Time
	MaxDate time.Time
	MinTime int // minutes after midnight
	MaxTime int
}

// Unbounded accepts every slot.
func Unbounded() Window {
	return Window{MinTime: -1, MaxTime: -1}
}

// ParseWindow builds a Window from the profile strings; empty strings leave a side open.
func ParseWindow(minDate, maxDate, minTime, maxTime string) (Window, error) {
	w := Unbounded()
	var err error
	if minDate != "" {
		if w.MinDate, err = time.Parse(DateLayout, minDate); err != nil {
			return Window{}, fmt.Errorf("min_date %q: want dd/mm/yyyy", minDate)
		}
	}
	if maxDate != "" {
		if w.MaxDate, err = time.Parse(DateLayout, maxDate); err != nil {
			return Window{}, fmt.Errorf("max_date %q: want dd/mm/yyyy", maxDate)
		}
	}
	if minTime != "" {
		m, ok := ParseClock(minTime)
		if !ok {
			return Window{}, fmt.Errorf("min_time %q: want HH:MM", minTime)
		}
		w.MinTime = m
	}
	if maxTime != "" {
		m, ok := ParseClock(maxTime)
		if !ok {
			return Window{}, fmt.Errorf("max_time %q: want HH:MM", maxTime)
		}
		w.MaxTime = m
	}
	if !w.MinDate.IsZero() && !w.MaxDate.IsZero() && w.MaxDate.Before(w.MinDate) {
		return Window{}, fmt.Errorf("max_date %s is before min_date %s", maxDate, minDate)
	}
	if w.MinTime >= 0 && w.MaxTime >= 0 && w.MaxTime < w.MinTime {
		return Window{}, fmt.Errorf("max_time %s is before min_time %s", maxTime, minTime)
	}
	return w, nil
}

// HasDates reports whether either date bound is set.
func (w Window) HasDates() bool { return !w.MinDate.IsZero() || !w.MaxDate.IsZero() }

// HasTimes reports whether either time-of-day bound is set.
func (w Window) HasTimes() bool { return w.MinTime >= 0 || w.MaxTime >= 0 }

func (w Window) dateOK(d time.Time) bool {
	if !w.MinDate.IsZero() && d.Before(w.MinDate) {
		return false
	}
	if !w.MaxDate.IsZero() && d.After(w.MaxDate) {
		return false
	}
	return true
}

func (w Window) timeOK(m int) bool {
	if w.MinTime >= 0 && m < w.MinTime {
		return false
	}
	if w.MaxTime >= 0 && m > w.MaxTime {
		return false
	}
	return true
}

// Contains reports whether c lies inside the window. Candidates whose date or
// time cannot be parsed are outside any bounded window.
func (w Window) Contains(c SlotCandidate) bool {
	if w.HasDates() {
		d, ok := ParseDate(c.Date)
		if !ok || !w.dateOK(d) {
			return false
		}
	}
	if w.HasTimes() && c.Time != "" {
		m, ok := ParseClock(c.Time)
		if !ok || !w.timeOK(m) {
			return false
		}
	}
	return true
}

// ParseDate finds the first dd/mm/yyyy in s.
func ParseDate(s string) (time.Time, bool) {
	m := dateRe.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, false
	}
	d, err := time.Parse(DateLayout, m[1])
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}

// ParseClock turns "9:05" or "09:05" into minutes after midnight.
func ParseClock(s string) (int, bool) {
	m := clockRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if h > 23 || mm > 59 {
		return 0, false
	}
	return h*60 + mm, true
}

func formatClock(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

// CandidateFromLabel reads the date and optional time out of a slot link label.
func CandidateFromLabel(label, token string) SlotCandidate {
	c := SlotCandidate{Token: token}
	if m := dateRe.FindStringSubmatch(label); m != nil {
		c.Date = m[1]
	}
	rest := strings.Replace(label, c.Date, "", 1)
	if m, ok := ParseClock(rest); ok {
		c.Time = formatClock(m)
	}
	return c
}

// SelectBestSlot picks from a list of single-slot candidates. With no window it
// returns the first candidate whose date parses; otherwise the earliest date
// inside the window. Malformed dates are skipped.
func SelectBestSlot(candidates []SlotCandidate, w Window) (SlotCandidate, bool) {
	type dated struct {
		key string
		c   SlotCandidate
	}
	var valid []dated
	for _, c := range candidates {
		d, ok := ParseDate(c.Date)
		if !ok {
			continue
		}
		valid = append(valid, dated{key: d.Format("2006-01-02"), c: c})
	}
	if len(valid) == 0 {
		return SlotCandidate{}, false
	}
	if !w.HasDates() && !w.HasTimes() {
		return valid[0].c, true
	}
	sort.SliceStable(valid, func(i, j int) bool { return valid[i].key < valid[j].key })
	for _, v := range valid {
		if w.Contains(v.c) {
			return v.c, true
		}
	}
	return SlotCandidate{}, false
}

// SlotGrid is the date by time table layout. Cells hold the slot token for a
// column's date, or "" when that date has no opening at the row's time.
type SlotGrid struct {
	Dates []string  `json:"dates"`
	Rows  []GridRow `json:"rows"`
}

type GridRow struct {
	Time  string   `json:"time"`
	Cells []string `json:"cells"`
}

// SelectGridSlot walks rows top to bottom and returns the first (date, time)
// inside the window, so the earliest time of day wins over the earliest date.
// A date already claimed by an earlier row is not offered again.
func SelectGridSlot(g SlotGrid, w Window) (SlotCandidate, bool) {
	dates := make([]time.Time, len(g.Dates))
	parsed := make([]bool, len(g.Dates))
	for i, h := range g.Dates {
		dates[i], parsed[i] = ParseDate(h)
	}

	claimed := make(map[string]bool)
	for _, row := range g.Rows {
		m, ok := ParseClock(row.Time)
		if !ok || !w.timeOK(m) {
			continue
		}
		for col, token := range row.Cells {
			if token == "" || col >= len(dates) || !parsed[col] {
				continue
			}
			day := dates[col].Format(DateLayout)
			if claimed[day] {
				continue
			}
			claimed[day] = true
			if !w.dateOK(dates[col]) {
				continue
			}
			return SlotCandidate{
				Date:  day,
				Time:  formatClock(m),
				Token: token,
			}, true
		}
	}
	return SlotCandidate{}, false
}
