package remediation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/tinkerbelle-io/tb-recovery/internal/audit"
	"github.com/tinkerbelle-io/tb-recovery/internal/metrics"
)

// StateStore persists the whole ControllerState. Load of a missing blob
// returns an empty state.
type StateStore interface {
	Load(ctx context.Context) (*ControllerState, error)
	Save(ctx context.Context, state *ControllerState) error
}

// FailureDetector produces new records for failures not yet tracked.
type FailureDetector interface {
	Detect(ctx context.Context, existing *ControllerState) ([]*Record, error)
}

// Auditor records operator actions. *audit.Logger implements it.
type Auditor interface {
	Log(entry audit.Entry) error
}

// Config holds the controller's immutable runtime settings.
type Config struct {
	AutoPoll     bool
	PollInterval time.Duration
	StopTimeout  time.Duration
}

// Controller is the control loop. One goroutine owns every read-modify-write
// of the state: ticks run on it, and gateway calls are sent to it as commands.
type Controller struct {
	cfg        Config
	store      StateStore
	detector   FailureDetector
	reconciler *Reconciler
	governor   *Governor
	tasks      TaskRunner
	notifier   Notifier
	auditor    Auditor
	clock      clock.WithTicker
	log        *slog.Logger

	cmds chan command

	// mu guards cancel and done, which Start replaces on every launch.
	mu      sync.Mutex
	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	subsMu sync.Mutex
	subs   map[chan Status]struct{}
}

type command struct {
	fn    func(ctx context.Context) error
	reply chan error
}

// Deps bundles the collaborators of a Controller.
type Deps struct {
	Store    StateStore
	Detector FailureDetector
	Governor *Governor
	Tasks    TaskRunner
	Breaker  *CircuitBreaker
	Notifier Notifier
	Auditor  Auditor
	Clock    clock.WithTicker
	Logger   *slog.Logger
}

// NewController wires a controller. Notifier, Auditor and Breaker are optional.
func NewController(cfg Config, deps Deps) *Controller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Controller{
		cfg:        cfg,
		store:      deps.Store,
		detector:   deps.Detector,
		reconciler: NewReconciler(deps.Governor, deps.Tasks, deps.Breaker, deps.Clock, deps.Logger),
		governor:   deps.Governor,
		tasks:      deps.Tasks,
		notifier:   deps.Notifier,
		auditor:    deps.Auditor,
		clock:      deps.Clock,
		log:        deps.Logger.With("component", "remediation-controller"),
		cmds:       make(chan command),
		subs:       make(map[chan Status]struct{}),
	}
}

// Start launches the loop goroutine. The first tick runs immediately.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running.Load() {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.running.Store(true)
	c.log.Info("starting remediation controller",
		"interval", c.cfg.PollInterval, "auto_poll", c.cfg.AutoPoll)
	go c.run(ctx, done)
}

// Stop cancels the loop and waits for it up to the configured timeout.
func (c *Controller) Stop() error {
	cancel, done, ok := c.loop()
	if !ok {
		return nil
	}
	cancel()
	select {
	case <-done:
		c.log.Info("remediation controller stopped")
		return nil
	case <-time.After(c.cfg.StopTimeout):
		return fmt.Errorf("remediation controller did not stop within %s", c.cfg.StopTimeout)
	}
}

// Running reports whether the loop goroutine is active.
func (c *Controller) Running() bool {
	return c.running.Load()
}

// loop returns the handles of the current loop goroutine, if one is running.
func (c *Controller) loop() (context.CancelFunc, chan struct{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel, c.done, c.running.Load()
}

func (c *Controller) run(ctx context.Context, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		c.running.Store(false)
		c.mu.Unlock()
		close(done)
	}()

	ticker := c.clock.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	c.safeTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			c.safeTick(ctx)
		case cmd := <-c.cmds:
			cmd.reply <- c.safeRun(ctx, cmd.fn)
		}
	}
}

func (c *Controller) safeTick(ctx context.Context) {
	start := c.clock.Now()
	err := c.safeRun(ctx, c.Tick)
	metrics.TickDuration.Observe(c.clock.Since(start).Seconds())
	if err != nil {
		metrics.TicksTotal.WithLabelValues("error").Inc()
		c.log.Error("remediation tick failed", "error", err)
		return
	}
	metrics.TicksTotal.WithLabelValues("ok").Inc()
}

// safeRun keeps a panic inside one tick or command from killing the loop.
func (c *Controller) safeRun(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx)
}

// Tick runs one detect-then-reconcile cycle and persists the result once.
// It must only be called from the loop goroutine or while the loop is stopped.
func (c *Controller) Tick(ctx context.Context) error {
	state, err := c.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	if c.cfg.AutoPoll {
		c.detectInto(ctx, state)
	}

	transitions := c.reconciler.Reconcile(ctx, state)
	if err := c.governor.Check(state); err != nil {
		c.log.Warn("governor invariant violated", "error", err)
	}

	if err := c.store.Save(ctx, state); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	c.afterSave(ctx, state, transitions)
	return nil
}

// detectInto merges new detections into state. A listing failure means no
// detections this tick.
func (c *Controller) detectInto(ctx context.Context, state *ControllerState) int {
	found, err := c.detector.Detect(ctx, state)
	if err != nil {
		c.log.Warn("failure detection skipped", "error", err)
		return 0
	}
	for _, rec := range found {
		state.Remediations[rec.ID] = rec
	}
	metrics.DetectionsTotal.Add(float64(len(found)))
	return len(found)
}

func (c *Controller) afterSave(ctx context.Context, state *ControllerState, transitions []Transition) {
	counts := make(map[string]int)
	for _, r := range state.Remediations {
		counts[string(r.State)]++
	}
	metrics.SetStateCounts(counts)
	active := make(map[string]int, len(state.Governor))
	for domain, e := range state.Governor {
		active[domain] = e.Active
	}
	metrics.SetGovernor(active)

	if c.notifier != nil && len(transitions) > 0 {
		if err := c.notifier.Notify(ctx, transitions); err != nil {
			c.log.Warn("transition notification failed", "error", err)
		}
	}
	c.publish(BuildStatus(state))
}

// do runs fn on the loop goroutine and waits for its result.
func (c *Controller) do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, done, ok := c.loop()
	if !ok {
		return ErrNotRunning
	}
	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case c.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return ErrNotRunning
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return ErrNotRunning
	}
}

// Subscribe returns a channel that receives the latest status after every
// tick or mutating command. Slow readers only see the newest status.
func (c *Controller) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 1)
	c.subsMu.Lock()
	c.subs[ch] = struct{}{}
	c.subsMu.Unlock()
	return ch, func() {
		c.subsMu.Lock()
		delete(c.subs, ch)
		c.subsMu.Unlock()
	}
}

func (c *Controller) publish(st Status) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}

func (c *Controller) audit(entry audit.Entry) {
	if c.auditor == nil {
		return
	}
	entry.Timestamp = c.clock.Now().UTC()
	if err := c.auditor.Log(entry); err != nil {
		c.log.Warn("audit write failed", "action", entry.Action, "error", err)
	}
}

func isGatewayError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidState)
}
