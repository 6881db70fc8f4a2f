package terraform

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fourclicks/deployd/pkg/telemetry"
)

// Completion describes a finished terraform operation. It is delivered once
// the output stream has been drained and the process has exited.
type Completion struct {
	Operation   Operation
	Project     string
	ProjectPath string
	Workspace   string

	// Confirmed is true when the classifier recognized a completion phrase.
	Confirmed bool

	// Err is the terminal error of the process, if any.
	Err error

	FinishedAt time.Time
}

// Success reports whether the operation exited cleanly and its output
// confirmed completion.
func (c Completion) Success() bool {
	return c.Err == nil && c.Confirmed
}

// Hook reacts to completed operations.
type Hook interface {
	Name() string
	OnCompletion(ctx context.Context, c Completion) error
}

// HookFunc adapts a function to Hook.
type HookFunc struct {
	HookName string
	Fn       func(ctx context.Context, c Completion) error
}

// Name implements Hook.
func (h HookFunc) Name() string { return h.HookName }

// OnCompletion implements Hook.
func (h HookFunc) OnCompletion(ctx context.Context, c Completion) error { return h.Fn(ctx, c) }

// DispatcherConfig is the configuration of a Dispatcher.
type DispatcherConfig struct {
	// HookTimeout bounds each hook run.
	HookTimeout time.Duration

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
}

// Dispatcher runs hooks in the background so they never hold up the
// stream. Hook failures are logged and counted, never returned.
type Dispatcher struct {
	cfg DispatcherConfig

	mu     sync.Mutex
	hooks  []Hook
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.HookTimeout == 0 {
		cfg.HookTimeout = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NopLogger()
	}
	cfg.Logger = cfg.Logger.NewComponentLogger("terraform-hooks")
	return &Dispatcher{cfg: cfg}
}

// Register adds a hook.
func (d *Dispatcher) Register(h Hook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks = append(d.hooks, h)
}

// Dispatch starts every hook for c and returns immediately. Completions
// arriving after Wait has been called are logged and dropped.
func (d *Dispatcher) Dispatch(c Completion) {
	if d == nil {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.cfg.Logger.Zerolog().Warn().
			Str("operation", string(c.Operation)).
			Str("project", c.Project).
			Str("workspace", c.Workspace).
			Msg("dispatcher is shutting down, completion dropped")
		return
	}
	hooks := append([]Hook(nil), d.hooks...)
	d.wg.Add(len(hooks))
	d.mu.Unlock()

	for _, h := range hooks {
		go func() {
			defer d.wg.Done()
			d.run(h, c)
		}()
	}
}

func (d *Dispatcher) run(h Hook, c Completion) {
	logger := d.cfg.Logger.WithFields(map[string]interface{}{
		"hook":      h.Name(),
		"operation": string(c.Operation),
		"project":   c.Project,
		"workspace": c.Workspace,
	})
	ctx, cancel := context.WithTimeout(logger.WithContext(context.Background()), d.cfg.HookTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.cfg.Metrics.RecordHookFailure(h.Name())
			logger.Errorf("hook panicked: %v", r)
		}
	}()

	if err := h.OnCompletion(ctx, c); err != nil {
		d.cfg.Metrics.RecordHookFailure(h.Name())
		logger.WithError(err).Error("completion hook failed")
		return
	}
	logger.Debug("completion hook finished")
}

// Wait stops accepting completions and blocks until all running hooks
// return or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for completion hooks: %w", ctx.Err())
	}
}
