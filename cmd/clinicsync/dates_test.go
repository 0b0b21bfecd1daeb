package main

import (
	"testing"
	"time"
)

func TestParseDay(t *testing.T) {
	// Thursday
	base := time.Date(2026, 3, 12, 15, 30, 0, 0, time.UTC)

	tests := []struct {
		text string
		want time.Time
	}{
		{"2026-03-01", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		{" 2025-12-31 ", time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)},
		{"yesterday", time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)},
		{"today", time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, err := parseDay(tt.text, base)
			if err != nil {
				t.Fatalf("parseDay(%q) failed: %v", tt.text, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("parseDay(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestParseDayRejectsGibberish(t *testing.T) {
	if _, err := parseDay("qwerty", time.Now()); err == nil {
		t.Error("expected error for unrecognized date")
	}
}

func TestDayRange(t *testing.T) {
	now := time.Date(2026, 3, 12, 15, 30, 0, 0, time.UTC)

	start, end, err := dayRange("", "", now)
	if err != nil {
		t.Fatalf("dayRange() failed: %v", err)
	}
	if want := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC); !start.Equal(want) {
		t.Errorf("default start = %v, want %v", start, want)
	}
	if want := time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC); !end.Equal(want) {
		t.Errorf("default end = %v, want %v", end, want)
	}

	start, end, err = dayRange("2026-03-01", "2026-03-01", now)
	if err != nil {
		t.Fatalf("dayRange() failed: %v", err)
	}
	if end.Sub(start) != 24*time.Hour {
		t.Errorf("single-day range spans %v, want 24h", end.Sub(start))
	}

	if _, _, err := dayRange("2026-03-05", "2026-03-01", now); err == nil {
		t.Error("expected error when --to is before --from")
	}
}
