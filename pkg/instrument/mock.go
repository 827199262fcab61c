package instrument

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/itohio/gofdm/pkg/config"
)

// Responder produces the reply line (without terminator) to a command.
// ok=false means the instrument stays silent and the read times out.
type Responder func(cmd []byte) (line string, ok bool)

// Mock simulates an instrument port for testing and development.
type Mock struct {
	respond Responder
	latency time.Duration

	mu      sync.Mutex
	timeout time.Duration
	pending []byte
	readyAt time.Time
	writes  [][]byte
	closed  chan struct{}
	once    sync.Once
}

// Ensure Mock implements the transport interfaces.
var (
	_ Port         = (*Mock)(nil)
	_ InputFlusher = (*Mock)(nil)
)

// NewMock creates a simulated port that answers every write with respond
// after latency.
func NewMock(respond Responder, latency time.Duration) *Mock {
	if respond == nil {
		respond = func([]byte) (string, bool) { return "", false }
	}
	return &Mock{
		respond: respond,
		latency: latency,
		timeout: DefaultReadTimeout,
		closed:  make(chan struct{}),
	}
}

// SetReadTimeout sets the per-read timeout.
func (m *Mock) SetReadTimeout(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeout = timeout
}

// Write records the command and queues the reply.
func (m *Mock) Write(p []byte) (int, error) {
	if m.isClosed() {
		return 0, io.ErrClosedPipe
	}

	cmd := bytes.Clone(p)
	line, ok := m.respond(cmd)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, cmd)
	if ok {
		m.pending = append(m.pending, line...)
		m.pending = append(m.pending, '\r', '\n')
		m.readyAt = time.Now().Add(m.latency)
	}
	return len(p), nil
}

// Read returns queued reply bytes. With nothing ready before the timeout it
// returns 0 bytes and a nil error.
func (m *Mock) Read(p []byte) (int, error) {
	m.mu.Lock()
	deadline := time.Now().Add(m.timeout)
	m.mu.Unlock()

	for {
		if m.isClosed() {
			return 0, io.ErrClosedPipe
		}

		m.mu.Lock()
		now := time.Now()
		if len(m.pending) > 0 && !now.Before(m.readyAt) {
			n := copy(p, m.pending)
			m.pending = m.pending[n:]
			m.mu.Unlock()
			return n, nil
		}
		wait := deadline.Sub(now)
		if len(m.pending) > 0 {
			if ready := m.readyAt.Sub(now); ready < wait {
				wait = ready
			}
		}
		m.mu.Unlock()

		if wait <= 0 {
			return 0, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-m.closed:
			timer.Stop()
			return 0, io.ErrClosedPipe
		case <-timer.C:
		}
	}
}

// ResetInputBuffer drops unread reply bytes.
func (m *Mock) ResetInputBuffer() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = nil
	return nil
}

// Close closes the port. Blocked reads return immediately.
func (m *Mock) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

// Writes returns a copy of all commands written so far.
func (m *Mock) Writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([][]byte, len(m.writes))
	copy(result, m.writes)
	return result
}

func (m *Mock) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// MockOpener returns an Opener that hands out the given mocks by port name.
func MockOpener(mocks map[string]*Mock) Opener {
	return func(name string, baudRate int, timeout time.Duration) (Port, error) {
		m, ok := mocks[name]
		if !ok {
			return nil, fmt.Errorf("no such port: %s", name)
		}
		m.SetReadTimeout(timeout)
		return m, nil
	}
}

// Script returns a Responder that answers with lines in order and stays silent
// once they are exhausted. An empty entry simulates a missed reply.
func Script(lines ...string) Responder {
	var (
		mu   sync.Mutex
		next int
	)
	return func([]byte) (string, bool) {
		mu.Lock()
		defer mu.Unlock()
		if next >= len(lines) {
			return "", false
		}
		line := lines[next]
		next++
		return line, line != ""
	}
}

// FormatForce formats a force reading the way the force gauge does.
func FormatForce(v float64) string {
	return fmt.Sprintf("%.2f N", v)
}

// FormatDisplacement formats a reading the way the displacement indicator
// does, e.g. "01A+00024.35".
func FormatDisplacement(v float64) string {
	return fmt.Sprintf("01A%+09.2f", v)
}

// Rig simulates a test rig: a crosshead moving at constant speed onto a
// linear specimen watched by both instruments.
type Rig struct {
	cfg   config.MockConfig
	start time.Time
	now   func() time.Time
}

// NewRig creates a simulated rig. The clock starts at creation.
func NewRig(cfg *config.MockConfig) *Rig {
	if cfg == nil {
		cfg = &config.Default().Mock
	}
	return &Rig{
		cfg:   *cfg,
		start: time.Now(),
		now:   time.Now,
	}
}

// Force returns the force gauge responder.
func (r *Rig) Force() Responder {
	return func(cmd []byte) (string, bool) {
		if !bytes.Equal(cmd, []byte{0x3F, 0x0D}) {
			return "", false
		}
		elapsed, ok := r.elapsed()
		if !ok {
			return "", false
		}
		return FormatForce(r.forceAt(elapsed)), true
	}
}

// Displacement returns the displacement indicator responder.
func (r *Rig) Displacement() Responder {
	return func(cmd []byte) (string, bool) {
		if !bytes.Equal(cmd, []byte{0x31, 0x0D}) {
			return "", false
		}
		elapsed, ok := r.elapsed()
		if !ok {
			return "", false
		}
		return FormatDisplacement(r.displacementAt(elapsed)), true
	}
}

// elapsed returns the time since start, or false once the rig has stalled.
func (r *Rig) elapsed() (time.Duration, bool) {
	elapsed := r.now().Sub(r.start)
	if r.cfg.StallAfter > 0 && elapsed > r.cfg.StallAfter {
		return 0, false
	}
	return elapsed, true
}

// forceAt returns stiffness times travel past contact plus noise.
func (r *Rig) forceAt(elapsed time.Duration) float64 {
	travel := (elapsed - r.cfg.ContactDelay).Seconds() * r.cfg.Speed
	if travel < 0 {
		travel = 0
	}
	t := elapsed.Seconds()
	noise := (math.Sin(t*37) + math.Cos(t*53)) * r.cfg.NoiseLevel * 0.5
	force := r.cfg.Stiffness*travel + noise
	if force < 0 {
		force = 0
	}
	return force
}

// displacementAt returns the indicator reading; the indicator counts down as
// the crosshead advances.
func (r *Rig) displacementAt(elapsed time.Duration) float64 {
	return r.cfg.StartDisplacement - elapsed.Seconds()*r.cfg.Speed
}
