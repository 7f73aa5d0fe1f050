// Package loadtest simulates many devices writing the same records at once.
//
// Every device repeatedly reads a shared record and writes it back, either
// with strict optimistic locking (expectedVersion) or in best-effort mode
// (lastSeenVersion only). The run reports latency percentiles, how many
// writes were applied or rejected, how many conflicts the store detected,
// and whether every record's final version equals 1 + its applied writes.
package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/devsync/internal/store"
	dsync "github.com/mschirtzinger/devsync/internal/sync"
)

// Options configures a run.
type Options struct {
	Devices          int
	UpdatesPerDevice int
	Records          int

	// Strict sends expectedVersion; otherwise only lastSeenVersion is sent
	// and races surface as detected conflicts.
	Strict bool

	// Path is the database file. Empty uses a temporary file removed
	// after the run.
	Path string

	Logger zerolog.Logger
}

// LatencyStats captures per-write latency.
type LatencyStats struct {
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
	Count int
}

// Report is the outcome of a run.
type Report struct {
	Options           Options
	Latency           LatencyStats
	Applied           int
	VersionConflicts  int
	DetectedConflicts int
	Errors            int
	Duration          time.Duration

	// VersionMismatches lists records whose final version is not
	// 1 + applied updates. Always empty unless an update was lost.
	VersionMismatches []string
}

type result struct {
	latency  time.Duration
	recordID string
	applied  bool
	conflict bool
	failed   bool
}

// Run executes one load test.
func Run(ctx context.Context, opts Options) (*Report, error) {
	if opts.Devices <= 0 || opts.UpdatesPerDevice <= 0 || opts.Records <= 0 {
		return nil, fmt.Errorf("devices, updates and records must be positive")
	}

	path := opts.Path
	if path == "" {
		dir, err := os.MkdirTemp("", "devsync-loadtest-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create temp dir: %w", err)
		}
		defer os.RemoveAll(dir)
		path = filepath.Join(dir, "loadtest.db")
	}

	st, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	st.RawDB().SetMaxOpenConns(opts.Devices + 5)
	if err := st.InitSchema(ctx); err != nil {
		return nil, err
	}

	ctrl := dsync.NewController(st, opts.Logger)
	ids, err := seed(ctx, ctrl, opts.Records)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	results := make(chan result, opts.Devices*opts.UpdatesPerDevice)

	g, gctx := errgroup.WithContext(ctx)
	for d := 0; d < opts.Devices; d++ {
		device := fmt.Sprintf("device-%03d", d)
		rng := rand.New(rand.NewSource(int64(d) + 1))
		g.Go(func() error {
			for i := 0; i < opts.UpdatesPerDevice; i++ {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				results <- write(gctx, ctrl, device, ids[rng.Intn(len(ids))], i, opts.Strict)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(results)

	report := &Report{Options: opts, Duration: time.Since(start)}
	applied := make(map[string]int64, len(ids))
	var latencies []time.Duration
	for r := range results {
		latencies = append(latencies, r.latency)
		switch {
		case r.applied:
			report.Applied++
			applied[r.recordID]++
		case r.conflict:
			report.VersionConflicts++
		case r.failed:
			report.Errors++
		}
	}
	report.Latency = computeLatencyStats(latencies)

	for _, id := range ids {
		rec, err := store.GetRecord(ctx, st.RawDB(), id)
		if err != nil {
			return nil, err
		}
		if rec.Version != 1+applied[id] {
			report.VersionMismatches = append(report.VersionMismatches, id)
		}
	}

	conflicts, err := dsync.NewResolver(st, opts.Logger).ListUnresolved(ctx, 0)
	if err != nil {
		return nil, err
	}
	report.DetectedConflicts = len(conflicts)

	return report, nil
}

func seed(ctx context.Context, ctrl *dsync.Controller, n int) ([]string, error) {
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ch, err := ctrl.Create(ctx, dsync.CreateRequest{
			Collection: "loadtest",
			Data:       json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)),
			DeviceID:   "seed",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to seed record %d: %w", i, err)
		}
		ids = append(ids, ch.After.ID)
	}
	return ids, nil
}

// write reads the record and writes it back from device.
func write(ctx context.Context, ctrl *dsync.Controller, device, id string, seq int, strict bool) result {
	started := time.Now()
	res := result{recordID: id}

	cur, err := ctrl.Get(ctx, id)
	if err != nil {
		res.failed = true
		res.latency = time.Since(started)
		return res
	}

	v := cur.Version
	req := dsync.UpdateRequest{
		RecordID:        id,
		DeviceID:        device,
		LastSeenVersion: &v,
		Patch:           json.RawMessage(fmt.Sprintf(`{%q:%d}`, device, seq)),
	}
	if strict {
		req.ExpectedVersion = &v
	}

	_, err = ctrl.ApplyUpdate(ctx, req)
	res.latency = time.Since(started)
	switch _, isConflict := dsync.IsVersionConflict(err); {
	case err == nil:
		res.applied = true
	case isConflict:
		res.conflict = true
	default:
		res.failed = true
	}
	return res
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(sorted),
	}
}

// Print writes a human-readable summary.
func (r *Report) Print(w io.Writer) {
	mode := "best-effort"
	if r.Options.Strict {
		mode = "strict"
	}
	fmt.Fprintf(w, "Load test (%s): %d devices x %d updates over %d records in %v\n",
		mode, r.Options.Devices, r.Options.UpdatesPerDevice, r.Options.Records, r.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  Applied:            %d\n", r.Applied)
	fmt.Fprintf(w, "  Version conflicts:  %d\n", r.VersionConflicts)
	fmt.Fprintf(w, "  Detected conflicts: %d\n", r.DetectedConflicts)
	fmt.Fprintf(w, "  Errors:             %d\n", r.Errors)
	fmt.Fprintf(w, "Latency:\n")
	fmt.Fprintf(w, "  Min:  %v\n", r.Latency.Min)
	fmt.Fprintf(w, "  P50:  %v\n", r.Latency.P50)
	fmt.Fprintf(w, "  Mean: %v\n", r.Latency.Mean)
	fmt.Fprintf(w, "  P95:  %v\n", r.Latency.P95)
	fmt.Fprintf(w, "  P99:  %v\n", r.Latency.P99)
	fmt.Fprintf(w, "  Max:  %v\n", r.Latency.Max)
	if len(r.VersionMismatches) > 0 {
		fmt.Fprintf(w, "LOST UPDATES on %d records\n", len(r.VersionMismatches))
	}
}
