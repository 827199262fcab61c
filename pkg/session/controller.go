package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itohio/gofdm/pkg/acquire"
	"github.com/itohio/gofdm/pkg/config"
	"github.com/itohio/gofdm/pkg/instrument"
	"github.com/itohio/gofdm/pkg/sample"
)

var (
	// ErrConfig is returned by Start for invalid test parameters.
	ErrConfig = errors.New("invalid configuration")
	// ErrState is returned for operations invalid in the current state.
	ErrState = errors.New("invalid state")
)

// stopMargin is added to the worst-case stop latency before the channels are
// closed under a still-running engine.
const stopMargin = 100 * time.Millisecond

// Session describes one test run.
type Session struct {
	ID               uuid.UUID
	State            acquire.State
	TriggerThreshold float64
	TargetRate       float64
	StartTime        time.Time // Trigger instant, zero until triggered
	Baseline         float64   // Raw displacement at the trigger
	Reason           acquire.Reason
	Err              error // Cause of a stall or fault
}

// Config contains everything Start needs.
type Config struct {
	ForcePort        string
	DisplacementPort string
	BaudRate         int
	ReadTimeout      time.Duration
	TriggerThreshold float64
	TargetRate       float64
}

// FromConfig builds a session configuration from the application config.
func FromConfig(cfg *config.Config) Config {
	return Config{
		ForcePort:        cfg.Serial.ForcePort,
		DisplacementPort: cfg.Serial.DisplacementPort,
		BaudRate:         cfg.Serial.BaudRate,
		ReadTimeout:      cfg.Serial.ReadTimeout,
		TriggerThreshold: cfg.Acquisition.TriggerThreshold,
		TargetRate:       cfg.Acquisition.TargetRate,
	}
}

// Validate checks the test parameters.
func (c Config) Validate() error {
	if math.IsNaN(c.TargetRate) || math.IsInf(c.TargetRate, 0) || c.TargetRate <= 0 {
		return fmt.Errorf("%w: target rate must be positive, got %v", ErrConfig, c.TargetRate)
	}
	if math.IsNaN(c.TriggerThreshold) || math.IsInf(c.TriggerThreshold, 0) || c.TriggerThreshold <= 0 {
		return fmt.Errorf("%w: trigger threshold must be finite and positive, got %v", ErrConfig, c.TriggerThreshold)
	}
	if c.ReadTimeout < 0 {
		return fmt.Errorf("%w: read timeout must not be negative, got %v", ErrConfig, c.ReadTimeout)
	}
	return nil
}

// run tracks the components of one acquisition run for shutdown.
type run struct {
	id     uuid.UUID
	force  *instrument.Channel
	disp   *instrument.Channel
	engine *acquire.Engine
	cancel context.CancelFunc
	done   chan struct{} // Closed after the channels are closed and the final status is reported
	grace  time.Duration
}

// shutdown cancels the engine and waits for the run to finish. If the engine
// does not exit within the grace period the channels are closed first to
// unblock pending reads.
func (r *run) shutdown() {
	r.cancel()

	select {
	case <-r.done:
	case <-time.After(r.grace):
		log.Printf("Engine did not stop within %v, closing ports", r.grace)
		r.closeChannels()
		<-r.done
	}
}

func (r *run) closeChannels() {
	r.force.Close()
	r.disp.Close()
}

// Controller owns the session lifecycle: start, stop and clear. Only one
// session runs at a time.
type Controller struct {
	buf    *sample.Buffer
	opener instrument.Opener

	// lifecycle serialises Start, Stop and Clear, including run teardown.
	// It is never taken by the engine goroutine.
	lifecycle sync.Mutex

	mu      sync.Mutex
	session Session
	current *run

	callbacks []func(Session)
	cbMu      sync.RWMutex
}

// New creates a controller. A nil opener opens real serial ports.
func New(opener instrument.Opener) *Controller {
	if opener == nil {
		opener = instrument.OpenSerial
	}
	return &Controller{
		buf:     sample.NewBuffer(1024),
		opener:  opener,
		session: Session{State: acquire.Idle},
	}
}

// Samples returns the read-only view of the sample history.
func (c *Controller) Samples() sample.Consumer {
	return c.buf
}

// Snapshot returns a copy of samples [0, upto).
func (c *Controller) Snapshot(upto int) []sample.Sample {
	return c.buf.Snapshot(upto)
}

// Session returns a copy of the current session.
func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// State returns the current session state.
func (c *Controller) State() acquire.State {
	return c.Session().State
}

// OnUpdate registers a callback invoked after every session state change.
// Callbacks may run on the engine goroutine and must return quickly. They may
// read the controller but must not call Start, Stop or Clear.
func (c *Controller) OnUpdate(callback func(Session)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.callbacks = append(c.callbacks, callback)
}

// Start validates cfg, opens both instruments and launches the engine. It
// returns as soon as the engine is running.
func (c *Controller) Start(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	prev, err := c.detach("start")
	if err != nil {
		return err
	}
	// Release the previous run, its engine has already stopped
	if prev != nil {
		prev.shutdown()
	}

	c.buf.Clear()

	force, err := instrument.Open(instrument.ForceConfig(cfg.ForcePort, cfg.BaudRate, cfg.ReadTimeout), c.opener)
	if err != nil {
		return err
	}
	disp, err := instrument.Open(instrument.DisplacementConfig(cfg.DisplacementPort, cfg.BaudRate, cfg.ReadTimeout), c.opener)
	if err != nil {
		force.Close()
		return err
	}

	id := uuid.New()
	ecfg := acquire.Config{
		TriggerThreshold: cfg.TriggerThreshold,
		TargetRate:       cfg.TargetRate,
	}
	engine := acquire.New(force, disp, c.buf, ecfg)
	engine.OnStatus(func(st acquire.Status) {
		c.handleStatus(id, st)
	})

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		id:     id,
		force:  force,
		disp:   disp,
		engine: engine,
		cancel: cancel,
		done:   make(chan struct{}),
		grace:  ecfg.Period() + 2*force.Config().ReadTimeout + stopMargin,
	}

	c.mu.Lock()
	c.current = r
	c.session = Session{
		ID:               id,
		State:            acquire.Waiting,
		TriggerThreshold: cfg.TriggerThreshold,
		TargetRate:       cfg.TargetRate,
	}
	c.mu.Unlock()

	go func() {
		defer close(r.done)
		st := engine.Run(ctx)
		// The session is Stopped only once both ports are released
		r.closeChannels()
		c.update(id, st)
	}()

	log.Printf("Session %s started: force %s, displacement %s, trigger %.3f N, %.1f samples/s",
		id, cfg.ForcePort, cfg.DisplacementPort, cfg.TriggerThreshold, cfg.TargetRate)

	return nil
}

// Stop cancels the engine, waits for it to exit and closes both instruments.
// Stop is idempotent.
func (c *Controller) Stop() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	r := c.current
	c.current = nil
	c.mu.Unlock()

	if r == nil {
		return
	}

	// The engine reports through callbacks that take mu, so wait without it
	r.shutdown()
	log.Printf("Session %s stopped", r.id)
}

// Clear drops all samples and returns the controller to Idle. It fails while
// a session is waiting or recording.
func (c *Controller) Clear() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	prev, err := c.detach("clear")
	if err != nil {
		return err
	}
	if prev != nil {
		prev.shutdown()
	}

	c.buf.Clear()

	c.mu.Lock()
	c.session = Session{State: acquire.Idle}
	s := c.session
	c.mu.Unlock()

	c.notify(s)
	return nil
}

// detach takes the finished run out of the controller. It fails while a
// session is active. Must be called with lifecycle held.
func (c *Controller) detach(op string) (*run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s := c.session.State; s == acquire.Waiting || s == acquire.Recording {
		return nil, fmt.Errorf("%w: cannot %s while %s", ErrState, op, s)
	}
	r := c.current
	c.current = nil
	return r, nil
}

// handleStatus applies an engine transition to the session it belongs to.
// The final Stopped status is applied by the run goroutine once the ports
// are closed.
func (c *Controller) handleStatus(id uuid.UUID, st acquire.Status) {
	if st.State == acquire.Stopped {
		return
	}
	c.update(id, st)
}

func (c *Controller) update(id uuid.UUID, st acquire.Status) {
	c.mu.Lock()
	if c.session.ID != id {
		c.mu.Unlock()
		return
	}

	c.session.State = st.State
	c.session.Reason = st.Reason
	c.session.Err = st.Err
	if !st.StartTime.IsZero() {
		c.session.StartTime = st.StartTime
		c.session.Baseline = st.Baseline
	}
	s := c.session
	c.mu.Unlock()

	c.notify(s)
}

// notify invokes all registered callbacks.
func (c *Controller) notify(s Session) {
	c.cbMu.RLock()
	callbacks := make([]func(Session), len(c.callbacks))
	copy(callbacks, c.callbacks)
	c.cbMu.RUnlock()

	for _, cb := range callbacks {
		if cb != nil {
			cb(s)
		}
	}
}
