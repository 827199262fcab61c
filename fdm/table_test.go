package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/gofdm/pkg/sample"
)

func TestTable_Flush(t *testing.T) {
	var out bytes.Buffer
	buf := sample.NewBuffer(0)
	tbl := newTable(&out, buf)

	tbl.Flush()
	assert.Empty(t, out.String(), "no header before the first sample")

	buf.Append(sample.Sample{Force: 11, Displacement: 0})
	buf.Append(sample.Sample{TForce: 0.2, Force: 15, Displacement: 1.5, Velocity: 7.5})
	tbl.Flush()

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "Time (s)")
	assert.Contains(t, lines[0], "Velocity (mm/s)")
	assert.Equal(t, []string{"0.200", "15.00", "1.500", "7.500"}, strings.Fields(lines[2]))
	assert.Equal(t, 2, tbl.Printed())

	// Nothing new
	out.Reset()
	tbl.Flush()
	assert.Empty(t, out.String())

	buf.Append(sample.Sample{TForce: 0.4, Force: 18})
	tbl.Flush()
	lines = strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 1, "header printed once")
	assert.Equal(t, 3, tbl.Printed())
}

func TestTable_Cleared(t *testing.T) {
	var out bytes.Buffer
	buf := sample.NewBuffer(0)
	tbl := newTable(&out, buf)

	buf.Append(sample.Sample{Force: 1})
	buf.Append(sample.Sample{Force: 2})
	tbl.Flush()

	buf.Clear()
	buf.Append(sample.Sample{Force: 3})
	out.Reset()
	tbl.Flush()

	fields := strings.Fields(strings.TrimSpace(out.String()))
	require.Len(t, fields, 4)
	assert.Equal(t, "3.00", fields[1])
	assert.Equal(t, 1, tbl.Printed())
}

func TestTable_RunStopsOnCancel(t *testing.T) {
	var out bytes.Buffer
	buf := sample.NewBuffer(0)
	buf.Append(sample.Sample{Force: 1})
	tbl := newTable(&out, buf)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		tbl.Run(ctx, 5*time.Millisecond)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 1, tbl.Printed())
}

func TestTablePeriod(t *testing.T) {
	tests := []struct {
		rate float64
		want time.Duration
	}{
		{5, 200 * time.Millisecond},
		{1, time.Second},
		{100, minTablePeriod},
		{0, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tablePeriod(tt.rate), "rate %v", tt.rate)
	}
}
