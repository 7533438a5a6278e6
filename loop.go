package taskloop

import (
	"context"
	"os"
	"os/signal"
	"sync"

	"github.com/taskloop/taskloop/lease"
	"github.com/taskloop/taskloop/metrics"
	"github.com/taskloop/taskloop/pool"
)

// Loop holds the state shared by every task in a single Run invocation: the
// lease client tasks request leases from, and the metrics a task's state
// transitions and lease waits are recorded against.
type Loop struct {
	root *Task

	leaseClient     lease.Client
	metricsProvider metrics.Provider

	stateCounter  metrics.Counter
	leaseGauge    metrics.UpDownCounter
	leaseWaitHist metrics.Histogram
}

type loopConfig struct {
	handleInterrupt bool
	leaseClient     lease.Client
	metricsProvider metrics.Provider
}

func defaultLoopConfig() loopConfig {
	return loopConfig{
		handleInterrupt: true,
		leaseClient:     lease.NewClient(pool.NewDynamic(func() interface{} { return lease.NewTicket() })),
		metricsProvider: metrics.NewNoopProvider(),
	}
}

// Option configures a call to Run.
type Option func(*loopConfig)

// WithSignalHandling controls whether Run cancels its root task when the
// process receives SIGINT. Enabled by default.
func WithSignalHandling(enabled bool) Option {
	return func(c *loopConfig) { c.handleInterrupt = enabled }
}

// WithLeaseClient overrides the lease client tasks requesting a lease draw
// from. By default, Run uses an unbounded client backed by pool.NewDynamic,
// i.e. leases are always immediately ready; pass a client built around
// pool.NewFixed (via lease.NewClient) to cap concurrent admission.
func WithLeaseClient(c lease.Client) Option {
	return func(cfg *loopConfig) { cfg.leaseClient = c }
}

// WithMetrics installs a metrics.Provider that task state transitions,
// lease-holder counts and lease-wait durations are recorded against. By
// default Run uses metrics.NewNoopProvider.
func WithMetrics(p metrics.Provider) Option {
	return func(cfg *loopConfig) { cfg.metricsProvider = p }
}

var (
	globalLoopMu sync.Mutex
	globalLoop   *Loop
)

// Run installs a task loop, runs body as the root task, and blocks until the
// root task and its entire tree finish. Only one loop may be installed at a
// time; a nested call to Run returns ErrLoopAlreadyInstalled.
func Run(ctx context.Context, body Body, opts ...Option) error {
	cfg := defaultLoopConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	l := &Loop{
		leaseClient:     cfg.leaseClient,
		metricsProvider: cfg.metricsProvider,
	}
	l.stateCounter = l.metricsProvider.Counter(Namespace + "_task_state_transitions_total")
	l.leaseGauge = l.metricsProvider.UpDownCounter(Namespace + "_tasks_leased")
	l.leaseWaitHist = l.metricsProvider.Histogram(Namespace + "_lease_wait_seconds")

	globalLoopMu.Lock()
	if globalLoop != nil {
		globalLoopMu.Unlock()
		return ErrLoopAlreadyInstalled
	}
	globalLoop = l
	globalLoopMu.Unlock()
	defer func() {
		globalLoopMu.Lock()
		globalLoop = nil
		globalLoopMu.Unlock()
	}()

	runCtx := ctx
	if cfg.handleInterrupt {
		var stop context.CancelFunc
		runCtx, stop = signal.NotifyContext(ctx, os.Interrupt)
		defer stop()
	}

	root := newRootTask(l, body)
	l.root = root

	watchDone := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			root.Cancel(context.Background())
		case <-watchDone:
		}
	}()
	defer close(watchDone)

	go root.mainLoop(context.Background())

	err := root.finished.wait(context.Background())
	// Go's tracing garbage collector reclaims the task tree's reference
	// cycles (parent/child, dependency/reverse-dependency) on its own; no
	// equivalent of an explicit end-of-run collection pass is needed.
	return toTaskAbort(root, err)
}
