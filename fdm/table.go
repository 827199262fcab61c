package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/itohio/gofdm/pkg/sample"
)

const (
	tableHeader = "%10s %10s %18s %16s\n"
	tableRow    = "%10.3f %10.2f %18.3f %16.3f\n"

	// Fastest console refresh regardless of the sample rate
	minTablePeriod = 50 * time.Millisecond
)

// table prints new samples as a live console table.
type table struct {
	w       io.Writer
	source  sample.Consumer
	printed int
	header  bool
}

func newTable(w io.Writer, source sample.Consumer) *table {
	return &table{w: w, source: source}
}

// Run flushes new rows every period until ctx is done.
func (t *table) Run(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Flush()
		}
	}
}

// Flush prints rows appended since the previous flush.
func (t *table) Flush() {
	snap := t.source.Snapshot(-1)
	if len(snap) < t.printed {
		// History was cleared
		t.printed = 0
	}
	if len(snap) == t.printed {
		return
	}

	if !t.header {
		fmt.Fprintf(t.w, tableHeader, "Time (s)", "Force (N)", "Displacement (mm)", "Velocity (mm/s)")
		t.header = true
	}
	for _, r := range sample.Rows(snap[t.printed:]) {
		fmt.Fprintf(t.w, tableRow, r.TForce, r.Force, r.Displacement, r.Velocity)
	}
	t.printed = len(snap)
}

// Printed returns the number of rows printed.
func (t *table) Printed() int {
	return t.printed
}

// tablePeriod refreshes once per sample period, at most every minTablePeriod.
func tablePeriod(rate float64) time.Duration {
	if rate <= 0 {
		return time.Second
	}
	period := time.Duration(float64(time.Second) / rate)
	if period < minTablePeriod {
		return minTablePeriod
	}
	return period
}
