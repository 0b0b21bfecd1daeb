// Package loadtest simulates a clinic with several devices registering
// patients offline and syncing with one remote instance.
//
// Each device gets its own database file. In every round the devices
// concurrently register patients (with a visit and a vitals event each)
// and then sync. After the rounds, two sequential passes let every device
// see every change, and the stores are compared.
package loadtest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net"
	"path/filepath"
	"sort"
	stdsync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pointcare/clinicsync/internal/clinic/db"
	"github.com/pointcare/clinicsync/internal/clinic/remote"
	"github.com/pointcare/clinicsync/internal/clinic/remote/server"
	"github.com/pointcare/clinicsync/internal/clinic/schema"
	"github.com/pointcare/clinicsync/internal/clinic/sync"
)

const (
	email    = "loadtest@clinic.local"
	password = "loadtest"
)

// Options sizes a simulation.
type Options struct {
	// Dir holds one database file per device. Required.
	Dir string

	// Devices is the number of simulated devices (default: 4)
	Devices int

	// Patients is the number of patients each device registers, spread
	// over the rounds (default: 20)
	Patients int

	// Rounds is the number of write-then-sync rounds (default: 3)
	Rounds int

	// BatchSize bounds pull pages and push batches (default: sync default)
	BatchSize int

	// Logger receives sync and server logs (default: discarded)
	Logger *log.Logger
}

// LatencyStats captures the distribution of operation durations.
type LatencyStats struct {
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration // Median
	P95   time.Duration
	P99   time.Duration
	Count int
}

// Report is the outcome of a simulation.
type Report struct {
	Devices int

	// Patients is the patient count every device should end with.
	Patients int

	// Records is the number of records held by the remote instance.
	Records int

	Writes LatencyStats
	Syncs  LatencyStats

	// Failures counts syncs that did not succeed.
	Failures int

	// Converged is true when every device ended with the same records at
	// the same versions and the expected number of patients.
	Converged bool

	// Mismatches describes how stores differ when they did not converge.
	Mismatches []string

	Elapsed time.Duration
}

type device struct {
	name   string
	db     *db.DB
	syncer sync.Syncer
}

// Run executes a simulation.
func Run(ctx context.Context, opts Options) (*Report, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("loadtest needs a directory for device databases")
	}
	if opts.Devices <= 0 {
		opts.Devices = 4
	}
	if opts.Patients <= 0 {
		opts.Patients = 20
	}
	if opts.Rounds <= 0 {
		opts.Rounds = 3
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	start := time.Now()

	srv, url, err := startInstance(opts.Logger)
	if err != nil {
		return nil, err
	}
	defer srv.Stop()

	devices := make([]*device, 0, opts.Devices)
	defer func() {
		for _, d := range devices {
			_ = d.db.Close()
		}
	}()
	client := remote.NewClient(nil)
	for i := 0; i < opts.Devices; i++ {
		name := fmt.Sprintf("device-%02d", i)
		database, err := db.Open(filepath.Join(opts.Dir, name+".db"))
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", name, err)
		}
		devices = append(devices, &device{
			name:   name,
			db:     database,
			syncer: sync.NewWithConfig(database, client, opts.Logger, sync.Config{BatchSize: opts.BatchSize}),
		})
	}

	var (
		mu       stdsync.Mutex
		writes   []time.Duration
		syncs    []time.Duration
		failures int
	)
	record := func(w []time.Duration, s time.Duration, ok bool) {
		mu.Lock()
		defer mu.Unlock()
		writes = append(writes, w...)
		syncs = append(syncs, s)
		if !ok {
			failures++
		}
	}

	for round := 0; round < opts.Rounds; round++ {
		count := share(opts.Patients, opts.Rounds, round)
		g, gctx := errgroup.WithContext(ctx)
		for _, d := range devices {
			g.Go(func() error {
				w, err := d.register(gctx, round, count)
				if err != nil {
					return err
				}
				took, ok := d.sync(gctx, url)
				record(w, took, ok)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	// The first pass pushes everything, the second hands it to everyone.
	for pass := 0; pass < 2; pass++ {
		for _, d := range devices {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			took, ok := d.sync(ctx, url)
			record(nil, took, ok)
		}
	}

	report := &Report{
		Devices:  opts.Devices,
		Patients: opts.Devices * opts.Patients,
		Records:  srv.Store().Len(),
		Writes:   computeLatencyStats(writes),
		Syncs:    computeLatencyStats(syncs),
		Failures: failures,
	}
	report.Mismatches, err = compare(ctx, devices, report.Patients)
	if err != nil {
		return nil, err
	}
	report.Converged = len(report.Mismatches) == 0
	report.Elapsed = time.Since(start)
	return report, nil
}

// share splits total over rounds, giving the remainder to the first ones.
func share(total, rounds, round int) int {
	n := total / rounds
	if round < total%rounds {
		n++
	}
	return n
}

func startInstance(logger *log.Logger) (*server.Server, string, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, "", fmt.Errorf("failed to generate secret: %w", err)
	}
	srv, err := server.New(&server.Config{
		Port:      0,
		JWTSecret: hex.EncodeToString(secret),
		Accounts:  []server.Account{{Email: email, Password: password, Name: "Load Test"}},
		Logger:    logger,
	})
	if err != nil {
		return nil, "", err
	}
	if err := srv.Start(); err != nil {
		return nil, "", err
	}
	_, port, err := net.SplitHostPort(srv.Addr())
	if err != nil {
		_ = srv.Stop()
		return nil, "", fmt.Errorf("failed to read instance address: %w", err)
	}
	return srv, "http://127.0.0.1:" + port, nil
}

var givenNames = []schema.LanguageString{
	{Content: map[string]string{"en": "Amal", "ar": "أمل"}},
	{Content: map[string]string{"en": "Nour", "ar": "نور"}},
	{Content: map[string]string{"en": "Khalil", "ar": "خليل"}},
	{Content: map[string]string{"en": "Rania"}},
	{Content: map[string]string{"ar": "يوسف"}},
}

// register adds count patients, each with a visit and a vitals event, and
// returns how long each write took.
func (d *device) register(ctx context.Context, round, count int) ([]time.Duration, error) {
	durations := make([]time.Duration, 0, count*3)
	timed := func(op func() error) error {
		start := time.Now()
		err := op()
		durations = append(durations, time.Since(start))
		return err
	}

	for i := 0; i < count; i++ {
		var patient *schema.Patient
		err := timed(func() (err error) {
			patient, err = d.db.AddPatient(ctx, &schema.Patient{
				GivenName:   givenNames[i%len(givenNames)],
				Surname:     schema.Text(schema.LanguageEnglish, fmt.Sprintf("%s-r%d-%03d", d.name, round, i)),
				DateOfBirth: fmt.Sprintf("%d-01-15", 1950+i%60),
				Sex:         []string{schema.SexFemale, schema.SexMale}[i%2],
				Camp:        fmt.Sprintf("Camp %d", i%4+1),
			})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("%s: failed to add patient: %w", d.name, err)
		}

		var visit *schema.Visit
		err = timed(func() (err error) {
			visit, err = d.db.AddVisit(ctx, &schema.Visit{PatientID: patient.ID})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("%s: failed to add visit: %w", d.name, err)
		}

		metadata, err := schema.EncodeMetadata(&schema.VitalsMetadata{
			HeartRate: fmt.Sprint(60 + i%40),
			Systolic:  fmt.Sprint(110 + i%30),
			Diastolic: fmt.Sprint(70 + i%20),
		})
		if err != nil {
			return nil, err
		}
		err = timed(func() error {
			_, err := d.db.AddEvent(ctx, &schema.Event{
				PatientID: patient.ID,
				VisitID:   visit.ID,
				Type:      schema.EventVitals,
				Metadata:  metadata,
			})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("%s: failed to add event: %w", d.name, err)
		}
	}
	return durations, nil
}

func (d *device) sync(ctx context.Context, url string) (time.Duration, bool) {
	start := time.Now()
	result := d.syncer.PerformSync(ctx, url, email, password)
	return time.Since(start), result.Success
}

// fingerprint maps every record of a store to its latest field version.
func fingerprint(ctx context.Context, database *db.DB) (map[string]int64, error) {
	out := make(map[string]int64)
	for _, kind := range schema.Kinds {
		for rec, err := range database.Records(ctx, kind) {
			if err != nil {
				return nil, err
			}
			out[rec.Ref().Key()] = rec.Version()
		}
	}
	return out, nil
}

// compare checks every device against the first one.
func compare(ctx context.Context, devices []*device, patients int) ([]string, error) {
	var mismatches []string
	var want map[string]int64
	for i, d := range devices {
		count, err := d.db.GetPatientCount(ctx)
		if err != nil {
			return nil, err
		}
		if count != patients {
			mismatches = append(mismatches, fmt.Sprintf("%s has %d patients, want %d", d.name, count, patients))
		}

		got, err := fingerprint(ctx, d.db)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			want = got
			continue
		}
		var missing, extra, stale int
		for key, v := range want {
			gv, ok := got[key]
			switch {
			case !ok:
				missing++
			case gv != v:
				stale++
			}
		}
		for key := range got {
			if _, ok := want[key]; !ok {
				extra++
			}
		}
		if missing+extra+stale > 0 {
			mismatches = append(mismatches, fmt.Sprintf("%s differs from %s: %d missing, %d extra, %d at another version",
				d.name, devices[0].name, missing, extra, stale))
		}
	}
	return mismatches, nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(durations)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(durations),
	}
}

// Print formats latency statistics under a title.
func (s LatencyStats) Print(w io.Writer, title string) {
	fmt.Fprintf(w, "%s:\n", title)
	fmt.Fprintf(w, "  Count:         %d\n", s.Count)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
