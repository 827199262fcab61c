package acquire

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itohio/gofdm/pkg/instrument"
	"github.com/itohio/gofdm/pkg/sample"
)

// ErrAlreadyRun is reported when Run is called on a used engine.
var ErrAlreadyRun = errors.New("engine already run")

// Config contains the test parameters the engine runs with.
type Config struct {
	TriggerThreshold float64 // Force at or above which recording starts
	TargetRate       float64 // Ticks per second
}

// Period returns the target tick period.
func (c Config) Period() time.Duration {
	if c.TargetRate <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / c.TargetRate)
}

// outcome is the result of one tick.
type outcome int

const (
	outcomeSkip   outcome = iota // Nothing recorded, keep polling
	outcomeRecord                // Sample appended
	outcomeEnd                   // Recording ended by a stalled instrument
	outcomeFault                 // Transport failure
)

// reading is one raw poll of both instruments.
type reading struct {
	tForce       time.Time
	tDisp        time.Time
	force        float64
	displacement float64
}

// Engine polls both instruments at a fixed rate, waits for the force trigger
// and records aligned samples into a Buffer.
//
// The engine assumes exclusive use of its instruments and buffer for the
// whole run. It is single-use: create a new engine per session.
type Engine struct {
	force instrument.Querier
	disp  instrument.Querier
	buf   *sample.Buffer
	cfg   Config
	clock Clock

	state atomic.Int32

	callbacks []func(Status)
	cbMu      sync.RWMutex

	// Owned by the Run goroutine
	startTime time.Time
	baseline  float64
	velocity  sample.Differentiator
	recorded  int
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock, used by tests.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// New creates an engine over the force and displacement instruments.
func New(force, disp instrument.Querier, buf *sample.Buffer, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		force: force,
		disp:  disp,
		buf:   buf,
		cfg:   cfg,
		clock: realClock{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the current engine state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// OnStatus registers a callback for state transitions. Callbacks run on the
// engine goroutine and must return quickly.
func (e *Engine) OnStatus(callback func(Status)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.callbacks = append(e.callbacks, callback)
}

// Run polls until ctx is cancelled, the recording ends or an instrument
// fails, and returns the final status. Cancellation is checked once per tick;
// an in-flight query is bounded by the instrument read timeout.
func (e *Engine) Run(ctx context.Context) Status {
	if !e.state.CompareAndSwap(int32(Idle), int32(Waiting)) {
		return Status{State: e.State(), Reason: ReasonFault, At: e.clock.Now(), Err: ErrAlreadyRun}
	}
	e.notify(Status{State: Waiting, Reason: ReasonStarted, At: e.clock.Now()})

	period := e.cfg.Period()
	for {
		if ctx.Err() != nil {
			return e.stop(ReasonCancelled, nil)
		}

		tickStart := e.clock.Now()

		out, err := e.tick()
		switch out {
		case outcomeEnd:
			return e.stop(ReasonStalled, err)
		case outcomeFault:
			// A port closed under a cancelled run is not a fault
			if ctx.Err() != nil {
				return e.stop(ReasonCancelled, nil)
			}
			return e.stop(ReasonFault, err)
		}

		// Soft real-time: sleep the remainder, never catch up after an overrun
		if elapsed := e.clock.Now().Sub(tickStart); elapsed < period {
			e.clock.Sleep(ctx, period-elapsed)
		}
	}
}

// tick performs one poll and advances the state machine.
func (e *Engine) tick() (outcome, error) {
	r, err := e.read()
	if err != nil {
		if !errors.Is(err, instrument.ErrParse) {
			return outcomeFault, err
		}
		if e.State() == Recording {
			return outcomeEnd, err
		}
		// Noise before the test starts
		return outcomeSkip, nil
	}

	if e.State() == Waiting {
		if r.force < e.cfg.TriggerThreshold {
			return outcomeSkip, nil
		}
		e.trigger(r)
	}

	e.record(r)
	return outcomeRecord, nil
}

// read queries the force instrument, then the displacement instrument, each
// timestamped immediately before its query. Both are always queried. A
// transport failure takes precedence over a parse failure.
func (e *Engine) read() (reading, error) {
	var r reading
	var errF, errD error

	r.tForce = e.clock.Now()
	r.force, errF = e.force.Query()

	r.tDisp = e.clock.Now()
	r.displacement, errD = e.disp.Query()

	switch {
	case errF != nil && !errors.Is(errF, instrument.ErrParse):
		return r, errF
	case errD != nil && !errors.Is(errD, instrument.ErrParse):
		return r, errD
	case errF != nil:
		return r, errF
	case errD != nil:
		return r, errD
	}
	return r, nil
}

// trigger fixes the start time and baseline and enters Recording.
func (e *Engine) trigger(r reading) {
	e.startTime = r.tForce
	e.baseline = r.displacement
	e.velocity.Reset()
	e.state.Store(int32(Recording))

	log.Printf("Triggered at %.3f N, baseline %.3f", r.force, r.displacement)
	e.notify(Status{
		State:     Recording,
		Reason:    ReasonTriggered,
		At:        r.tForce,
		StartTime: e.startTime,
		Baseline:  e.baseline,
	})
}

// record builds a complete sample and appends it. The triggering reading is
// the first sample with both times at 0.
func (e *Engine) record(r reading) {
	var tForce, tDisp float64
	if e.recorded > 0 {
		tForce = r.tForce.Sub(e.startTime).Seconds()
		tDisp = r.tDisp.Sub(e.startTime).Seconds()
	}

	adjusted := sample.Adjust(r.displacement, e.baseline)

	e.buf.Append(sample.Sample{
		TForce:          tForce,
		TDisp:           tDisp,
		Force:           r.force,
		DisplacementRaw: r.displacement,
		Displacement:    adjusted,
		Velocity:        e.velocity.Next(adjusted, tDisp),
		Skew:            tForce - tDisp,
	})
	e.recorded++
}

// stop enters Stopped and reports why.
func (e *Engine) stop(reason Reason, err error) Status {
	e.state.Store(int32(Stopped))

	st := Status{
		State:     Stopped,
		Reason:    reason,
		At:        e.clock.Now(),
		StartTime: e.startTime,
		Baseline:  e.baseline,
		Samples:   e.recorded,
		Err:       err,
	}
	if err != nil {
		log.Printf("Acquisition stopped (%s) after %d samples: %v", reason, e.recorded, err)
	} else {
		log.Printf("Acquisition stopped (%s) after %d samples", reason, e.recorded)
	}
	e.notify(st)
	return st
}

// notify invokes all registered callbacks.
func (e *Engine) notify(st Status) {
	e.cbMu.RLock()
	callbacks := make([]func(Status), len(e.callbacks))
	copy(callbacks, e.callbacks)
	e.cbMu.RUnlock()

	for _, cb := range callbacks {
		if cb != nil {
			cb(st)
		}
	}
}
