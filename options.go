package coreobject

import (
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/prometheus/client_golang/prometheus"
)

// defaultTombstones is the number of finalized ids remembered by the registry.
const defaultTombstones = 1024

// defaultLogRates limits repetitive per-object warnings, per category.
var defaultLogRates = map[time.Duration]int{
	time.Second: 10,
	time.Minute: 100,
}

// coreOptions holds configuration options for Core creation.
type coreOptions struct {
	logger        *logiface.Logger[logiface.Event]
	executor      Executor
	threadOptions []ThreadOption
	logRates      map[time.Duration]int
	tombstones    int
	metrics       bool
	namespace     string
}

// --- Core Options ---

// Option configures a Core instance.
type Option interface {
	applyCore(*coreOptions) error
}

// coreOptionImpl implements Option.
type coreOptionImpl struct {
	applyCoreFunc func(*coreOptions) error
}

func (o *coreOptionImpl) applyCore(opts *coreOptions) error {
	return o.applyCoreFunc(opts)
}

// WithLogger sets the structured logger used by the Core, and by the Thread
// it creates (unless overridden via WithThreadOptions). A nil logger disables
// logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &coreOptionImpl{func(opts *coreOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithExecutor makes the Core use the given executor as its core thread,
// instead of creating a [Thread]. This is how a [ManualThread] is injected,
// or how objects are driven by an externally owned loop.
func WithExecutor(executor Executor) Option {
	return &coreOptionImpl{func(opts *coreOptions) error {
		if executor == nil {
			return errors.New("coreobject: nil executor")
		}
		opts.executor = executor
		return nil
	}}
}

// WithThreadOptions configures the Thread created by New. Ignored if
// WithExecutor is used.
func WithThreadOptions(options ...ThreadOption) Option {
	return &coreOptionImpl{func(opts *coreOptions) error {
		opts.threadOptions = append(opts.threadOptions, options...)
		return nil
	}}
}

// WithTombstones sets how many finalized object ids the registry remembers,
// for diagnosing use of finalized ids. Zero disables tombstones.
func WithTombstones(size int) Option {
	return &coreOptionImpl{func(opts *coreOptions) error {
		if size < 0 {
			return errors.New("coreobject: negative tombstone size")
		}
		opts.tombstones = size
		return nil
	}}
}

// WithMetrics enables the prometheus collector returned by Core.Metrics,
// using the given metric namespace (may be empty). When enabled, command
// latency is observed after each command, adding a little overhead.
func WithMetrics(namespace string) Option {
	return &coreOptionImpl{func(opts *coreOptions) error {
		opts.metrics = true
		opts.namespace = namespace
		return nil
	}}
}

// WithLogRateLimits sets the sliding window rate limits applied to
// repetitive warnings, such as one per scavenged object. Each longer window
// must allow more events, at a lower rate, than every shorter one. A nil or
// empty map disables rate limiting. Defaults to 10 per second, and 100 per
// minute.
func WithLogRateLimits(rates map[time.Duration]int) Option {
	return &coreOptionImpl{func(opts *coreOptions) error {
		if err := validateRates(rates); err != nil {
			return err
		}
		opts.logRates = rates
		return nil
	}}
}

// validateRates applies the same rules catrate.NewLimiter panics on.
func validateRates(rates map[time.Duration]int) error {
	durations := slices.Sorted(maps.Keys(rates))
	for i, d := range durations {
		n := rates[d]
		if n <= 0 || d <= 0 {
			return errors.New("coreobject: log rate limits must be positive")
		}
		if i > 0 {
			prev := durations[i-1]
			if rates[prev] >= n || float64(n)/float64(d) >= float64(rates[prev])/float64(prev) {
				return errors.New("coreobject: each longer log rate window must allow more events at a lower rate")
			}
		}
	}
	return nil
}

// resolveCoreOptions applies Option instances to coreOptions.
func resolveCoreOptions(opts []Option) (*coreOptions, error) {
	cfg := &coreOptions{
		tombstones: defaultTombstones,
		logRates:   defaultLogRates,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyCore(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// --- Thread Options ---

type threadOptions struct {
	logger   *logiface.Logger[logiface.Event]
	latency  prometheus.Observer
	batch    int
	loggerOK bool
}

// ThreadOption configures a Thread instance.
type ThreadOption interface {
	applyThread(*threadOptions) error
}

type threadOptionImpl struct {
	applyThreadFunc func(*threadOptions) error
}

func (o *threadOptionImpl) applyThread(opts *threadOptions) error {
	return o.applyThreadFunc(opts)
}

// WithThreadLogger sets the structured logger used by the Thread.
func WithThreadLogger(logger *logiface.Logger[logiface.Event]) ThreadOption {
	return &threadOptionImpl{func(opts *threadOptions) error {
		opts.logger = logger
		opts.loggerOK = true
		return nil
	}}
}

// WithLatencyObserver records the execution time of every command, in
// seconds.
func WithLatencyObserver(observer prometheus.Observer) ThreadOption {
	return &threadOptionImpl{func(opts *threadOptions) error {
		opts.latency = observer
		return nil
	}}
}

// WithBatchSize sets how many commands the thread moves out of the queue per
// lock acquisition. Defaults to 256.
func WithBatchSize(n int) ThreadOption {
	return &threadOptionImpl{func(opts *threadOptions) error {
		if n <= 0 {
			return errors.New("coreobject: batch size must be positive")
		}
		opts.batch = n
		return nil
	}}
}

func resolveThreadOptions(opts []ThreadOption) (*threadOptions, error) {
	cfg := &threadOptions{
		batch: 256,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyThread(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// --- Object Options ---

type objectOptions struct {
	initializer func(*Object)
	destroyer   func(*Object)
	finalizer   func(*Object)
	name        string
}

// ObjectOption configures an Object, see Core.NewObject.
type ObjectOption interface {
	applyObject(*objectOptions)
}

type objectOptionImpl struct {
	applyObjectFunc func(*objectOptions)
}

func (o *objectOptionImpl) applyObject(opts *objectOptions) {
	o.applyObjectFunc(opts)
}

// WithName attaches a diagnostic name to the object.
func WithName(name string) ObjectOption {
	return &objectOptionImpl{func(opts *objectOptions) {
		opts.name = name
	}}
}

// WithInitializer sets the object's real initialization. For objects that
// require core thread init it runs on the core thread.
func WithInitializer(fn func(*Object)) ObjectOption {
	return &objectOptionImpl{func(opts *objectOptions) {
		opts.initializer = fn
	}}
}

// WithDestroyer sets the object's real destruction. For objects that require
// core thread init it runs on the core thread.
func WithDestroyer(fn func(*Object)) ObjectOption {
	return &objectOptionImpl{func(opts *objectOptions) {
		opts.destroyer = fn
	}}
}

// WithFinalizer sets a hook run once the object is destroyed and its last
// reference is gone, after it is removed from the registry. It runs on
// whichever goroutine dropped the last reference.
func WithFinalizer(fn func(*Object)) ObjectOption {
	return &objectOptionImpl{func(opts *objectOptions) {
		opts.finalizer = fn
	}}
}

func resolveObjectOptions(opts []ObjectOption) objectOptions {
	var cfg objectOptions
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyObject(&cfg)
	}
	return cfg
}
