package coreobject

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	catrate "github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"github.com/prometheus/client_golang/prometheus"
)

// Core owns a core thread (or an injected [Executor]), the registry of the
// objects it constructs, and the condition variable their Synchronize calls
// share.
//
// A Core has an explicit lifecycle: New, Run (typically in its own
// goroutine), then Shutdown, which drains the core thread before tearing down
// the registry.
type Core struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	opts     *coreOptions
	logger   *logiface.Logger[logiface.Event]
	exec     Executor
	thread   *Thread // nil if the executor was injected
	accessor *Accessor
	registry *registry
	metrics  *coreMetrics // nil if disabled

	// logLimiter rate limits repetitive warnings, nil if disabled
	logLimiter *catrate.Limiter

	// mu guards object state, self reference promotion, and terminated, and
	// is the lock of loaded
	mu     sync.Mutex
	loaded *sync.Cond

	terminated bool // guarded by mu

	stats struct {
		created       atomic.Uint64
		finalized     atomic.Uint64
		resurrections atomic.Uint64
		scavenged     atomic.Uint64
	}
}

// terminationNotifier is implemented by executors that can report their own
// termination, so Synchronize waiters do not block forever.
type terminationNotifier interface {
	setOnTerminate(fn func()) bool
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

type closer interface {
	Close() error
}

// New creates a Core. Unless WithExecutor is used, it creates a [Thread],
// which must be run via Core.Run.
func New(opts ...Option) (*Core, error) {
	cfg, err := resolveCoreOptions(opts)
	if err != nil {
		return nil, err
	}

	reg, err := newRegistry(cfg.tombstones)
	if err != nil {
		return nil, err
	}

	c := &Core{
		opts:     cfg,
		logger:   cfg.logger,
		registry: reg,
	}
	c.loaded = sync.NewCond(&c.mu)

	if cfg.metrics {
		c.metrics = newCoreMetrics(c, cfg.namespace)
	}
	if len(cfg.logRates) != 0 {
		c.logLimiter = catrate.NewLimiter(cfg.logRates)
	}

	if cfg.executor != nil {
		c.exec = cfg.executor
	} else {
		threadCfg, err := resolveThreadOptions(cfg.threadOptions)
		if err != nil {
			return nil, err
		}
		if !threadCfg.loggerOK {
			threadCfg.logger = cfg.logger
		}
		if c.metrics != nil && threadCfg.latency == nil {
			threadCfg.latency = c.metrics.latency
		}
		c.thread = newThread(threadCfg)
		c.exec = c.thread
	}

	if n, ok := c.exec.(terminationNotifier); ok && n.setOnTerminate(c.onTerminate) {
		c.onTerminate()
	}

	c.accessor = NewAccessor(c.exec, c.logger)

	return c, nil
}

// onTerminate wakes every Synchronize waiter, which then fail.
func (c *Core) onTerminate() {
	c.mu.Lock()
	c.terminated = true
	c.mu.Unlock()
	c.loaded.Broadcast()
}

// Run runs the core thread, blocking until it terminates. See [Thread.Run].
// It returns ErrExternalExecutor if the Core was created with WithExecutor.
func (c *Core) Run(ctx context.Context) error {
	if c.thread == nil {
		return ErrExternalExecutor
	}
	return c.thread.Run(ctx)
}

// Thread returns the core thread created by New, or nil if the executor was
// injected.
func (c *Core) Thread() *Thread {
	return c.thread
}

// Executor returns the executor objects are initialized and destroyed on.
func (c *Core) Executor() Executor {
	return c.exec
}

// Shutdown drains the core thread, waiting for every queued command
// (including destroy commands queued by those commands), then tears down the
// registry. Objects still registered at that point were never released, and
// are reported as a [*LeakError].
//
// Called on the core thread, Shutdown only requests termination, and the
// registry is left as it is.
func (c *Core) Shutdown(ctx context.Context) error {
	if s, ok := c.exec.(shutdowner); ok {
		if err := s.Shutdown(ctx); err != nil {
			return err
		}
	}
	if c.exec.IsCoreThread() {
		return nil
	}
	c.onTerminate()
	return c.teardown()
}

// Close terminates the core thread without draining it, then tears down the
// registry like Shutdown. Objects whose lifecycle commands were dropped are
// reported as leaked.
func (c *Core) Close() error {
	if cl, ok := c.exec.(closer); ok {
		if err := cl.Close(); err != nil && !errors.Is(err, ErrThreadTerminated) {
			return err
		}
	}
	if c.exec.IsCoreThread() {
		return nil
	}
	c.onTerminate()
	return c.teardown()
}

func (c *Core) teardown() error {
	ids := c.registry.teardown()
	if len(ids) == 0 {
		c.logger.Info().
			Str(logKeyCategory, categoryRegistry).
			Uint64("created", c.stats.created.Load()).
			Uint64("finalized", c.stats.finalized.Load()).
			Log("registry torn down")
		return nil
	}
	err := &LeakError{ObjectIDs: ids}
	c.logger.Err().
		Str(logKeyCategory, categoryRegistry).
		Int("leaked", len(ids)).
		Err(err).
		Log("registry torn down with live objects")
	return err
}

// NewObject constructs and registers an object, in StateUninitialized. It
// must then be bound, see [Bind], or use Create.
func (c *Core) NewObject(requiresCoreThreadInit bool, opts ...ObjectOption) *Object {
	o := &Object{
		core:           c,
		opts:           resolveObjectOptions(opts),
		coreThreadInit: requiresCoreThreadInit,
	}
	c.registry.register(o)
	c.stats.created.Add(1)

	c.logger.Debug().
		Str(logKeyCategory, categoryRegistry).
		Uint64(logKeyObject, o.id).
		Str(logKeyName, o.opts.name).
		Bool("core_thread_init", requiresCoreThreadInit).
		Log("object constructed")

	return o
}

// Create constructs an object and binds it, returning its first strong
// reference.
func (c *Core) Create(requiresCoreThreadInit bool, opts ...ObjectOption) *Ref {
	return Bind(c.NewObject(requiresCoreThreadInit, opts...))
}

// Accessor returns the Core's accessor, for queuing commands that are not
// tied to an object.
func (c *Core) Accessor() *Accessor {
	return c.accessor
}

// IsCoreThread reports whether the caller is the core thread.
func (c *Core) IsCoreThread() bool {
	return c.exec.IsCoreThread()
}

// Lookup returns the registered object with the given id. It returns
// ErrObjectFinalized for recently finalized ids (see WithTombstones), and
// ErrUnknownObject otherwise.
func (c *Core) Lookup(id uint64) (*Object, error) {
	return c.registry.lookup(id)
}

// Objects returns every registered object, ordered by id.
func (c *Core) Objects() []*Object {
	return c.registry.objects()
}

// Len returns the number of registered objects.
func (c *Core) Len() int {
	return c.registry.len()
}

// Scavenge checks up to batchSize registry entries for objects that were
// garbage collected without ever being finalized (e.g. never bound, or
// references dropped without Release), removing and logging them. Returns the
// number removed.
func (c *Core) Scavenge(batchSize int) int {
	leaked := c.registry.scavenge(batchSize)
	var suppressed int
	for _, id := range leaked {
		if !c.allowLog(categoryRegistry) {
			suppressed++
			continue
		}
		c.logger.Warning().
			Str(logKeyCategory, categoryRegistry).
			Uint64(logKeyObject, id).
			Log("scavenged object that was never finalized")
	}
	if suppressed > 0 {
		c.logger.Warning().
			Str(logKeyCategory, categoryRegistry).
			Int("suppressed", suppressed).
			Log("scavenged object warnings rate limited")
	}
	c.stats.scavenged.Add(uint64(len(leaked)))
	return len(leaked)
}

// allowLog reports whether a rate limited event of the given category may be
// logged now.
func (c *Core) allowLog(category string) bool {
	if c.logLimiter == nil {
		return true
	}
	_, ok := c.logLimiter.Allow(category)
	return ok
}

// Metrics returns the Core's prometheus collector, or nil unless created with
// WithMetrics.
func (c *Core) Metrics() prometheus.Collector {
	if c.metrics == nil {
		return nil
	}
	return c.metrics
}

// pending returns the number of queued commands, if the executor reports it.
func (c *Core) pending() (int, bool) {
	if p, ok := c.exec.(interface{ Pending() int }); ok {
		return p.Pending(), true
	}
	return 0, false
}

// executed returns the number of executed commands, if the executor reports
// it.
func (c *Core) executed() (uint64, bool) {
	if e, ok := c.exec.(interface{ Executed() uint64 }); ok {
		return e.Executed(), true
	}
	return 0, false
}
