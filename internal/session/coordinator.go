package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/microscope-core/internal/device"
)

// Default timeouts.
const (
	DefaultArmTimeout        = 5 * time.Second
	DefaultCompletionTimeout = 30 * time.Second
	DefaultAbortTimeout      = 5 * time.Second

	// persistTimeout bounds the repository write after a session.
	persistTimeout = 5 * time.Second

	// recentLimit is how many finished session ids Abort still accepts.
	recentLimit = 128
)

// Event channels published through the Publisher.
const (
	EventStarted  = "session.started"
	EventFinished = "session.finished"
)

// Metrics receives session measurements.
type Metrics interface {
	RecordArmLatency(sessionID, deviceID string, latency time.Duration)
	RecordSessionResult(sessionID string, success bool, participants int, duration time.Duration)
}

// Publisher broadcasts session events.
type Publisher interface {
	Broadcast(channel string, payload any)
}

// Logger defines the logging interface used by the session package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config holds coordinator defaults.
type Config struct {
	ArmTimeout        time.Duration
	CompletionTimeout time.Duration
	AbortTimeout      time.Duration
}

// Deps are the optional collaborators of a Coordinator. Any may be nil.
type Deps struct {
	Repository Repository
	Metrics    Metrics
	Publisher  Publisher
	Logger     Logger
}

// Coordinator runs time-correlated acquisitions across several devices:
// every participant is armed before any is triggered, and a failure anywhere
// stops all of them.
//
// Thread Safety: Run, Abort and Active are safe for concurrent use. Sessions
// with disjoint participants run independently.
type Coordinator struct {
	cfg     Config
	repo    Repository
	metrics Metrics
	pub     Publisher
	logger  Logger

	mu     sync.Mutex
	active map[string]*run
	recent []string
}

// run is the in-flight state of one session.
type run struct {
	id        string
	devices   []device.Device
	specs     []device.TriggerSpec
	plan      Plan
	outcomes  []Outcome
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	mu      sync.Mutex
	phase   Phase
	aborted bool
}

func (r *run) setPhase(p Phase) {
	r.mu.Lock()
	r.phase = p
	r.mu.Unlock()
}

func (r *run) currentPhase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

func (r *run) wasAborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

// NewCoordinator creates a coordinator. Zero timeouts take the defaults.
func NewCoordinator(cfg Config, deps Deps) *Coordinator {
	if cfg.ArmTimeout <= 0 {
		cfg.ArmTimeout = DefaultArmTimeout
	}
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = DefaultCompletionTimeout
	}
	if cfg.AbortTimeout <= 0 {
		cfg.AbortTimeout = DefaultAbortTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Coordinator{
		cfg:     cfg,
		repo:    deps.Repository,
		metrics: deps.Metrics,
		pub:     deps.Publisher,
		logger:  logger,
		active:  make(map[string]*run),
	}
}

// Run executes plan across participants. On failure the returned Result is
// still populated and the error is a *PartialFailureError naming every
// participant that did not complete. Plans that cannot run at all fail
// with ErrInvalidPlan or device.ErrUnsupportedOperation before any device
// is touched, and no Result is returned.
//
// Parameters:
//   - ctx: cancelling it aborts every participant
//   - participants: devices to synchronise; ids must be unique
//   - plan: trigger spec, per-device overrides and timeouts; zero
//     timeouts take the coordinator defaults
//
// The phases are flush (when requested), arm, trigger and wait. A failure
// in any phase aborts every participant that was armed.
func (c *Coordinator) Run(ctx context.Context, participants []device.Device, plan Plan) (*Result, error) {
	specs, err := c.validate(participants, plan)
	if err != nil {
		return nil, err
	}
	if plan.ArmTimeout <= 0 {
		plan.ArmTimeout = c.cfg.ArmTimeout
	}
	if plan.CompletionTimeout <= 0 {
		plan.CompletionTimeout = c.cfg.CompletionTimeout
	}

	// Abort(id) cancels runCtx
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &run{
		id:        NewID(),
		devices:   participants,
		specs:     specs,
		plan:      plan,
		outcomes:  make([]Outcome, len(participants)),
		startedAt: time.Now().UTC(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	for i, d := range participants {
		r.outcomes[i] = Outcome{Device: d.ID(), Trigger: specs[i]}
	}

	c.register(r)
	defer c.unregister(r)

	c.logger.Info("session started", "session", r.id, "devices", deviceIDs(participants))
	c.publish(EventStarted, map[string]any{
		"id":         r.id,
		"devices":    deviceIDs(participants),
		"started_at": r.startedAt,
	})

	runErr := c.execute(runCtx, r)

	// Persist and publish even when the run failed

	res := &Result{
		ID:         r.id,
		Success:    runErr == nil,
		Phase:      r.currentPhase(),
		Plan:       plan,
		Outcomes:   r.outcomes,
		StartedAt:  r.startedAt,
		FinishedAt: time.Now().UTC(),
	}
	for i := range res.Outcomes {
		if err := res.Outcomes[i].err; err != nil {
			res.Outcomes[i].Error = err.Error()
		}
	}
	if runErr != nil {
		res.Error = runErr.Error()
	}
	c.finish(ctx, res)
	return res, runErr
}

// validate resolves trigger specs and rejects plans that cannot run.
func (c *Coordinator) validate(participants []device.Device, plan Plan) ([]device.TriggerSpec, error) {
	if len(participants) == 0 {
		return nil, fmt.Errorf("%w: no participants", ErrInvalidPlan)
	}
	if plan.Duration < 0 || plan.ArmTimeout < 0 || plan.CompletionTimeout < 0 {
		return nil, fmt.Errorf("%w: negative timeout", ErrInvalidPlan)
	}

	seen := make(map[string]struct{}, len(participants))
	specs := make([]device.TriggerSpec, len(participants))
	for i, d := range participants {
		id := d.ID()
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: %s listed twice", ErrInvalidPlan, id)
		}
		seen[id] = struct{}{}

		spec, err := plan.SpecFor(id).Normalize()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", id, err)
		}
		if spec.Unbounded() && plan.Duration == 0 {
			return nil, fmt.Errorf("%w: %s: continuous trigger without a count needs a session duration",
				device.ErrUnsupportedOperation, id)
		}
		specs[i] = spec
	}
	for id := range plan.Overrides {
		if _, ok := seen[id]; !ok {
			return nil, fmt.Errorf("%w: override for non-participant %s", ErrInvalidPlan, id)
		}
	}
	return specs, nil
}

func (c *Coordinator) execute(ctx context.Context, r *run) error {
	if r.plan.Flush {
		r.setPhase(PhaseFlush)
		if !c.flush(ctx, r) {
			return c.fail(ctx, r, PhaseFlush)
		}
	}

	r.setPhase(PhaseArm)
	if !c.arm(ctx, r) {
		return c.fail(ctx, r, PhaseArm)
	}

	r.setPhase(PhaseTrigger)
	if !c.trigger(ctx, r) {
		return c.fail(ctx, r, PhaseTrigger)
	}

	r.setPhase(PhaseComplete)
	if !c.complete(ctx, r) {
		return c.fail(ctx, r, PhaseComplete)
	}

	r.setPhase(PhaseDone)
	return nil
}

func (c *Coordinator) flush(ctx context.Context, r *run) bool {
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range r.devices {
		g.Go(func() error {
			if err := d.Flush(gctx); err != nil {
				r.outcomes[i].Status = StatusFailed
				r.outcomes[i].err = err
				return err
			}
			return nil
		})
	}
	return g.Wait() == nil
}

// arm prepares every participant concurrently. A participant that has not
// answered when the arm timeout expires is lagging; one still pending when a
// sibling fails or the session is aborted is left for the abort broadcast.
func (c *Coordinator) arm(ctx context.Context, r *run) bool {
	armCtx, cancel := context.WithTimeout(ctx, r.plan.ArmTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(armCtx)
	for i, d := range r.devices {
		g.Go(func() error {
			start := time.Now()
			errCh := make(chan error, 1)
			go func() { errCh <- d.PrepareTrigger(gctx, r.specs[i]) }()

			out := &r.outcomes[i]
			interrupted := func() error {
				if errors.Is(armCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
					out.Status = StatusLagging
					out.err = fmt.Errorf("not armed within %s", r.plan.ArmTimeout)
				}
				return gctx.Err()
			}

			select {
			case err := <-errCh:
				out.ArmLatency = time.Since(start)
				if err != nil {
					if gctx.Err() != nil && errors.Is(err, gctx.Err()) {
						return interrupted()
					}
					out.Status = StatusFailed
					out.err = err
					return err
				}
				out.Status = StatusArmed
				if c.metrics != nil {
					c.metrics.RecordArmLatency(r.id, d.ID(), out.ArmLatency)
				}
				return nil
			case <-gctx.Done():
				out.ArmLatency = time.Since(start)
				return interrupted()
			}
		})
	}
	return g.Wait() == nil
}

// trigger fires the software participants. Hardware participants are
// already waiting for their external edge.
func (c *Coordinator) trigger(ctx context.Context, r *run) bool {
	if ctx.Err() != nil {
		return false
	}
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range r.devices {
		if r.specs[i].Mode.Hardware() {
			continue
		}
		g.Go(func() error {
			if err := d.Trigger(gctx); err != nil {
				r.outcomes[i].Status = StatusFailed
				r.outcomes[i].err = err
				return err
			}
			return nil
		})
	}
	return g.Wait() == nil
}

// complete waits for every participant to return to Idle. With a plan
// Duration, participants still running when it elapses are stopped and
// count as completed.
func (c *Coordinator) complete(ctx context.Context, r *run) bool {
	limit := r.plan.CompletionTimeout
	if r.plan.Duration > 0 {
		limit = r.plan.Duration
	}
	waitCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	g, gctx := errgroup.WithContext(waitCtx)
	for i, d := range r.devices {
		g.Go(func() error {
			out := &r.outcomes[i]
			err := d.Wait(gctx)
			if err == nil {
				out.Status = StatusCompleted
				return nil
			}

			timedOut := errors.Is(waitCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
			switch {
			case gctx.Err() == nil:
				out.Status = StatusFailed
				out.err = err
				return err
			case timedOut && r.plan.Duration > 0:
				return c.stopAfterDuration(ctx, d, out)
			case timedOut:
				out.Status = StatusLagging
				out.err = fmt.Errorf("not complete within %s", limit)
				return out.err
			}
			// Cancelled by a failing sibling or a session abort.
			return gctx.Err()
		})
	}
	return g.Wait() == nil
}

func (c *Coordinator) stopAfterDuration(ctx context.Context, d device.Device, out *Outcome) error {
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.AbortTimeout)
	defer cancel()
	if err := d.Abort(abortCtx); err != nil {
		out.Status = StatusFailed
		out.err = fmt.Errorf("stopping after session duration: %w", err)
		return out.err
	}
	out.Status = StatusCompleted
	return nil
}

// fail broadcasts Abort to every participant that may still be armed or
// running and builds the error naming every participant that did not
// complete. Participants lagging in the arm phase are skipped: their arm
// call has already been cancelled.
func (c *Coordinator) fail(ctx context.Context, r *run, phase Phase) error {
	aborted := r.wasAborted()

	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.AbortTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for i, d := range r.devices {
		out := &r.outcomes[i]
		if out.Status == StatusCompleted || (out.Status == StatusLagging && phase == PhaseArm) {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := d.Abort(abortCtx)
			switch {
			case err != nil:
				c.logger.Warn("abort during session failure failed", "session", r.id, "device", d.ID(), "error", err)
				if out.err == nil {
					out.err = fmt.Errorf("abort failed: %w", err)
				}
				if out.Status == "" {
					out.Status = StatusArmed
				}
			case out.Status == "" || out.Status == StatusArmed:
				out.Status = StatusAborted
				if out.err == nil {
					out.err = device.ErrAborted
				}
			}
		}()
	}
	wg.Wait()

	pf := &PartialFailureError{
		SessionID: r.id,
		Phase:     phase,
		Causes:    make(map[string]error),
	}
	for _, out := range r.outcomes {
		if out.Status == StatusCompleted {
			continue
		}
		pf.Devices = append(pf.Devices, out.Device)
		if out.err != nil {
			pf.Causes[out.Device] = out.err
		}
	}

	c.logger.Warn("session failed",
		"session", r.id,
		"phase", phase,
		"devices", pf.Devices,
		"aborted_by_request", aborted,
	)
	return pf
}

// Abort stops a running session. The session's participants are aborted
// and its Run returns a partial failure. Aborting a session that has
// already finished is not an error.
func (c *Coordinator) Abort(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	r, ok := c.active[sessionID]
	recent := slices.Contains(c.recent, sessionID)
	c.mu.Unlock()

	if !ok {
		if recent {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	r.mu.Lock()
	r.aborted = true
	r.mu.Unlock()
	r.cancel()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for session %s to stop: %w", sessionID, ctx.Err())
	}
}

// Active lists the sessions currently running.
func (c *Coordinator) Active() []Active {
	c.mu.Lock()
	runs := make([]*run, 0, len(c.active))
	for _, r := range c.active {
		runs = append(runs, r)
	}
	c.mu.Unlock()

	out := make([]Active, 0, len(runs))
	for _, r := range runs {
		out = append(out, Active{
			ID:        r.id,
			Devices:   deviceIDs(r.devices),
			Phase:     r.currentPhase(),
			StartedAt: r.startedAt,
		})
	}
	slices.SortFunc(out, func(a, b Active) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

func (c *Coordinator) register(r *run) {
	c.mu.Lock()
	c.active[r.id] = r
	c.mu.Unlock()
}

func (c *Coordinator) unregister(r *run) {
	c.mu.Lock()
	delete(c.active, r.id)
	c.recent = append(c.recent, r.id)
	if len(c.recent) > recentLimit {
		c.recent = c.recent[len(c.recent)-recentLimit:]
	}
	c.mu.Unlock()
	close(r.done)
}

// finish records metrics, persists the result and publishes the finish
// event. None of these can change the session outcome.
func (c *Coordinator) finish(ctx context.Context, res *Result) {
	if c.metrics != nil {
		c.metrics.RecordSessionResult(res.ID, res.Success, len(res.Outcomes), res.Duration())
	}
	if c.repo != nil {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		if err := c.repo.Save(saveCtx, res); err != nil {
			c.logger.Error("failed to persist session", "session", res.ID, "error", err)
		}
		cancel()
	}
	c.publish(EventFinished, res)

	c.logger.Info("session finished",
		"session", res.ID,
		"success", res.Success,
		"phase", res.Phase,
		"duration_ms", res.Duration().Milliseconds(),
	)
}

func (c *Coordinator) publish(channel string, payload any) {
	if c.pub != nil {
		c.pub.Broadcast(channel, payload)
	}
}

func deviceIDs(devices []device.Device) []string {
	ids := make([]string, len(devices))
	for i, d := range devices {
		ids[i] = d.ID()
	}
	return ids
}
