package loadtest

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

func TestRunConverges(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping simulation in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	report, err := Run(ctx, Options{
		Dir:       t.TempDir(),
		Devices:   3,
		Patients:  5,
		Rounds:    2,
		BatchSize: 7,
	})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if report.Failures != 0 {
		t.Errorf("Got %d failed syncs", report.Failures)
	}
	if !report.Converged {
		t.Errorf("Devices did not converge: %v", report.Mismatches)
	}
	if report.Patients != 15 {
		t.Errorf("Expected 15 patients, got %d", report.Patients)
	}
	// Two rounds plus two final passes, three devices each.
	if report.Syncs.Count != 12 {
		t.Errorf("Expected 12 syncs, got %d", report.Syncs.Count)
	}
	// A patient, a visit and an event per registration.
	if report.Writes.Count != 45 {
		t.Errorf("Expected 45 writes, got %d", report.Writes.Count)
	}
	if report.Records < report.Patients*3 {
		t.Errorf("Instance holds %d records, expected at least %d", report.Records, report.Patients*3)
	}

	var buf bytes.Buffer
	report.Syncs.Print(&buf, "Sync latency")
	t.Log(buf.String())
}

func TestRunRequiresDir(t *testing.T) {
	if _, err := Run(context.Background(), Options{}); err == nil {
		t.Fatal("expected error without a directory")
	}
}

func TestShare(t *testing.T) {
	total := 0
	for round := 0; round < 3; round++ {
		total += share(10, 3, round)
	}
	if total != 10 {
		t.Errorf("shares add up to %d, want 10", total)
	}
	if share(10, 3, 0) != 4 || share(10, 3, 2) != 3 {
		t.Errorf("unexpected split: %d %d %d", share(10, 3, 0), share(10, 3, 1), share(10, 3, 2))
	}
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}

	stats := computeLatencyStats(durations)
	if stats.Count != 100 {
		t.Errorf("Count = %d, want 100", stats.Count)
	}
	if stats.Min != time.Millisecond || stats.Max != 100*time.Millisecond {
		t.Errorf("Min/Max = %v/%v", stats.Min, stats.Max)
	}
	if stats.P50 != 51*time.Millisecond {
		t.Errorf("P50 = %v, want 51ms", stats.P50)
	}
	if stats.P99 != 100*time.Millisecond {
		t.Errorf("P99 = %v, want 100ms", stats.P99)
	}
	if stats.Mean != 50500*time.Microsecond {
		t.Errorf("Mean = %v, want 50.5ms", stats.Mean)
	}

	if empty := computeLatencyStats(nil); empty.Count != 0 {
		t.Errorf("empty stats = %+v", empty)
	}

	var buf bytes.Buffer
	stats.Print(&buf, "Writes")
	if !strings.Contains(buf.String(), "P95:") {
		t.Errorf("Print() output missing P95: %q", buf.String())
	}
}
