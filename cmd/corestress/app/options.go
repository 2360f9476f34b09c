package app

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	flag "github.com/spf13/pflag"
)

// options holds the corestress flags.
type options struct {
	objects      int
	workers      int
	coreFraction float64
	batch        int
	tombstones   int
	logLevel     string
	metrics      bool
	timeout      time.Duration

	level logiface.Level
}

// newOptions returns options with their defaults.
func newOptions() *options {
	return &options{
		objects:      1000,
		workers:      8,
		coreFraction: 1,
		batch:        256,
		tombstones:   1024,
		logLevel:     logiface.LevelWarning.String(),
		timeout:      30 * time.Second,
	}
}

// AddFlags adds flags passed via command line
func (o *options) AddFlags(fs *flag.FlagSet) {
	fs.IntVarP(&o.objects, "objects", "n", o.objects, "Total number of objects to create")
	fs.IntVarP(&o.workers, "workers", "w", o.workers, "Number of goroutines creating and releasing objects")
	fs.Float64Var(&o.coreFraction, "core-fraction", o.coreFraction, "Fraction of objects that require core thread init, between 0 and 1")
	fs.IntVar(&o.batch, "batch", o.batch, "Commands moved out of the queue per lock acquisition")
	fs.IntVar(&o.tombstones, "tombstones", o.tombstones, "Finalized object ids remembered by the registry, 0 to disable")
	fs.StringVar(&o.logLevel, "log-level", o.logLevel, "Log level (emerg, alert, crit, err, warning, notice, info, debug, trace, disabled)")
	fs.BoolVar(&o.metrics, "metrics", o.metrics, "Print the core metrics, in the prometheus text format, when done")
	fs.DurationVar(&o.timeout, "timeout", o.timeout, "How long to wait for the core thread to drain at shutdown")
}

// Complete validates the flags, and resolves derived values.
func (o *options) Complete() error {
	level, err := parseLevel(o.logLevel)
	if err != nil {
		return err
	}
	o.level = level
	return o.validate()
}

func (o *options) validate() error {
	var errs []error
	if o.objects < 0 {
		errs = append(errs, errors.New("--objects must not be negative"))
	}
	if o.workers <= 0 {
		errs = append(errs, errors.New("--workers must be positive"))
	}
	if o.coreFraction < 0 || o.coreFraction > 1 {
		errs = append(errs, errors.New("--core-fraction must be between 0 and 1"))
	}
	if o.timeout <= 0 {
		errs = append(errs, errors.New("--timeout must be positive"))
	}
	return errors.Join(errs...)
}

// logger returns a JSON logger writing to w.
func (o *options) logger(w io.Writer) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(o.level),
	).Logger()
}

func parseLevel(s string) (logiface.Level, error) {
	for level := logiface.LevelDisabled; level <= logiface.LevelTrace; level++ {
		if level.String() == s {
			return level, nil
		}
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}
