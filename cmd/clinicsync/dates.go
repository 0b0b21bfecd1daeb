package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var dateParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseDay resolves a date such as "2026-03-01", "yesterday" or
// "last monday" relative to base. The result is the start of that day in
// base's location.
func parseDay(text string, base time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if day, err := time.ParseInLocation("2006-01-02", text, base.Location()); err == nil {
		return day, nil
	}
	r, err := dateParser.Parse(text, base)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse date %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized date %q", text)
	}
	t := r.Time.In(base.Location())
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, base.Location()), nil
}

// dayRange returns [start of from, end of to). Empty bounds default to
// the last 30 days up to and including today.
func dayRange(from, to string, now time.Time) (time.Time, time.Time, error) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	start := today.AddDate(0, 0, -30)
	if from != "" {
		day, err := parseDay(from, now)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		start = day
	}

	end := today.AddDate(0, 0, 1)
	if to != "" {
		day, err := parseDay(to, now)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		end = day.AddDate(0, 0, 1)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("--to must not be before --from")
	}
	return start, end, nil
}
