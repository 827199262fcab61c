package instrument

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForceRule(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    float64
		wantErr bool
	}{
		{name: "typical", line: "12.34 N", want: 12.34},
		{name: "zero", line: "0.00 N", want: 0},
		{name: "negative", line: "-0.05 N", want: -0.05},
		{name: "no unit", line: "7.5", want: 7.5},
		{name: "threshold", line: "0.05 N", want: 0.05},
		{name: "unit only", line: "N", wantErr: true},
		{name: "garbage", line: "ERR N", wantErr: true},
		{name: "wrong unit", line: "12.34 kN", wantErr: true},
		{name: "nan", line: "NaN N", wantErr: true},
		{name: "inf", line: "Inf N", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ForceRule(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDisplacementRule(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    float64
		wantErr bool
	}{
		{name: "positive", line: "01A+00024.35", want: 24.35},
		{name: "negative", line: "01A-00001.50", want: -1.5},
		{name: "zero", line: "01A+00000.00", want: 0},
		{name: "other header", line: "02B+00100.00", want: 100},
		{name: "header only", line: "01A", wantErr: true},
		{name: "short", line: "1", wantErr: true},
		{name: "garbage", line: "01A+0002x.35", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DisplacementRule(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatRoundTrip(t *testing.T) {
	f, err := ForceRule(FormatForce(12.3))
	require.NoError(t, err)
	assert.Equal(t, 12.3, f)

	assert.Equal(t, "01A+00024.35", FormatDisplacement(24.35))
	assert.Equal(t, "01A-00001.50", FormatDisplacement(-1.5))
}

func TestOpen_ConnectionError(t *testing.T) {
	opener := MockOpener(map[string]*Mock{})

	ch, err := Open(ForceConfig("COM9", 0, 0), opener)
	assert.Nil(t, ch)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnection))
	assert.Contains(t, err.Error(), "COM9")
}

func TestOpen_Defaults(t *testing.T) {
	m := NewMock(nil, 0)
	ch, err := Open(ForceConfig("COM9", 0, 0), MockOpener(map[string]*Mock{"COM9": m}))
	require.NoError(t, err)
	defer ch.Close()

	assert.Equal(t, "force", ch.Name())
	assert.Equal(t, DefaultBaudRate, ch.Config().BaudRate)
	assert.Equal(t, DefaultReadTimeout, ch.Config().ReadTimeout)
}

func TestChannel_Query(t *testing.T) {
	force := NewMock(Script("12.34 N", "1.00 N"), 0)
	disp := NewMock(Script("01A+00024.35"), 0)
	opener := MockOpener(map[string]*Mock{"F": force, "D": disp})

	fc, err := Open(ForceConfig("F", 0, 50*time.Millisecond), opener)
	require.NoError(t, err)
	defer fc.Close()
	dc, err := Open(DisplacementConfig("D", 0, 50*time.Millisecond), opener)
	require.NoError(t, err)
	defer dc.Close()

	v, err := fc.Query()
	require.NoError(t, err)
	assert.Equal(t, 12.34, v)

	v, err = fc.Query()
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)

	v, err = dc.Query()
	require.NoError(t, err)
	assert.Equal(t, 24.35, v)

	assert.Equal(t, [][]byte{{0x3F, 0x0D}, {0x3F, 0x0D}}, force.Writes())
	assert.Equal(t, [][]byte{{0x31, 0x0D}}, disp.Writes())
}

func TestChannel_QueryParseError(t *testing.T) {
	m := NewMock(Script("garbage", "", "3.00 N"), 0)
	ch, err := Open(ForceConfig("F", 0, 20*time.Millisecond), MockOpener(map[string]*Mock{"F": m}))
	require.NoError(t, err)
	defer ch.Close()

	// Malformed line
	_, err = ch.Query()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrParse))
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "garbage", pe.Line)
	assert.Equal(t, "force", pe.Channel)

	// Missed reply times out and is a parse error too
	start := time.Now()
	_, err = ch.Query()
	assert.True(t, errors.Is(err, ErrParse))
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	// No internal retry: the next line is only read by the next query
	v, err := ch.Query()
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)
}

func TestChannel_DropsLateReply(t *testing.T) {
	// Reply arrives after the read timeout
	m := NewMock(Script("1.00 N", "2.00 N"), 60*time.Millisecond)
	ch, err := Open(ForceConfig("F", 0, 20*time.Millisecond), MockOpener(map[string]*Mock{"F": m}))
	require.NoError(t, err)
	defer ch.Close()

	_, err = ch.Query()
	assert.True(t, errors.Is(err, ErrParse))

	time.Sleep(80 * time.Millisecond)
	m.SetReadTimeout(200 * time.Millisecond)

	v, err := ch.Query()
	require.NoError(t, err)
	assert.Equal(t, 2.0, v, "stale reply must be discarded")
}

func TestChannel_CloseIdempotent(t *testing.T) {
	m := NewMock(Script("1.00 N"), 0)
	ch, err := Open(ForceConfig("F", 0, 0), MockOpener(map[string]*Mock{"F": m}))
	require.NoError(t, err)

	assert.NoError(t, ch.Close())
	assert.NoError(t, ch.Close())

	_, err = ch.Query()
	assert.True(t, errors.Is(err, ErrClosed))

	var never *Channel
	assert.NoError(t, never.Close())
}

func TestChannel_CloseUnblocksQuery(t *testing.T) {
	m := NewMock(nil, 0)
	ch, err := Open(ForceConfig("F", 0, 5*time.Second), MockOpener(map[string]*Mock{"F": m}))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := ch.Query()
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, ch.Close())

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errors.Is(err, io.ErrClosedPipe))
		assert.False(t, errors.Is(err, ErrParse))
	case <-time.After(time.Second):
		t.Fatal("Query did not return after Close")
	}
}

func TestReadLine(t *testing.T) {
	r := &chunkReader{data: []byte("12.34 N\r\n01A+1\n")}

	line, err := readLine(r, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "12.34 N\r", line)

	line, err = readLine(r, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "01A+1", line)

	// Exhausted reader behaves like a timeout
	line, err = readLine(r, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "", line)
}

func TestReadLine_Deadline(t *testing.T) {
	// A device trickling bytes without a terminator
	r := &trickleReader{delay: 10 * time.Millisecond}

	start := time.Now()
	line, err := readLine(r, start.Add(50*time.Millisecond))
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.NotEmpty(t, line)
	assert.Less(t, len(line), maxLineLength)
	assert.Less(t, elapsed, 100*time.Millisecond)
}

func TestChannel_QueryBoundedByTimeout(t *testing.T) {
	trickle := &trickleReader{delay: 5 * time.Millisecond}
	ch, err := Open(ForceConfig("COM9", DefaultBaudRate, 40*time.Millisecond), func(string, int, time.Duration) (Port, error) {
		return trickle, nil
	})
	require.NoError(t, err)
	defer ch.Close()

	start := time.Now()
	_, err = ch.Query()
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrParse)
	assert.Less(t, elapsed, 100*time.Millisecond)
}

// trickleReader returns one 'x' per read after delay, forever.
type trickleReader struct {
	delay time.Duration
}

func (r *trickleReader) Read(p []byte) (int, error) {
	time.Sleep(r.delay)
	p[0] = 'x'
	return 1, nil
}

func (r *trickleReader) Write(p []byte) (int, error) { return len(p), nil }
func (r *trickleReader) Close() error                { return nil }

// chunkReader returns one byte per read and 0, nil once empty.
type chunkReader struct {
	data []byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, nil
	}
	p[0] = r.data[0]
	r.data = r.data[1:]
	return 1, nil
}
