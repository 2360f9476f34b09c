package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/joeycumines/go-coreobject"
)

// NewCommand creates the corestress command, which drives many objects
// through their lifecycle from concurrent goroutines, against a single core
// thread, then checks that every one of them was finalized.
func NewCommand(ctx context.Context) *cobra.Command {
	opts := newOptions()

	cmd := &cobra.Command{
		Use:           "corestress",
		Short:         "Stress the core object lifecycle protocol",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.Complete(); err != nil {
				return err
			}
			return opts.run(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	opts.AddFlags(cmd.Flags())

	return cmd
}

// workload counts what the object hooks observed.
type workload struct {
	created     atomic.Int64
	initialized atomic.Int64
	destroyed   atomic.Int64
	finalized   atomic.Int64
	commands    atomic.Int64
	misplaced   atomic.Int64
}

func (x *workload) hooks(core *coreobject.Core) []coreobject.ObjectOption {
	onCore := func(o *coreobject.Object) {
		if o.RequiresCoreThreadInit() && !core.IsCoreThread() {
			x.misplaced.Add(1)
		}
	}
	return []coreobject.ObjectOption{
		coreobject.WithInitializer(func(o *coreobject.Object) {
			onCore(o)
			x.initialized.Add(1)
		}),
		coreobject.WithDestroyer(func(o *coreobject.Object) {
			onCore(o)
			x.destroyed.Add(1)
		}),
		coreobject.WithFinalizer(func(*coreobject.Object) {
			x.finalized.Add(1)
		}),
	}
}

func (o *options) run(ctx context.Context, stdout, stderr io.Writer) error {
	coreOpts := []coreobject.Option{
		coreobject.WithLogger(o.logger(stderr)),
		coreobject.WithTombstones(o.tombstones),
		coreobject.WithThreadOptions(coreobject.WithBatchSize(o.batch)),
	}
	if o.metrics {
		coreOpts = append(coreOpts, coreobject.WithMetrics("corestress"))
	}
	core, err := coreobject.New(coreOpts...)
	if err != nil {
		return fmt.Errorf("unable to create core: %w", err)
	}

	// the core thread is stopped by Shutdown, so interrupts only stop the
	// workers, and queued lifecycle commands still drain
	ran := make(chan error, 1)
	go func() { ran <- core.Run(context.Background()) }()

	var stats workload
	hooks := stats.hooks(core)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for w := range o.workers {
		g.Go(func() error {
			for i := w; i < o.objects; i += o.workers {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := o.exercise(gctx, core, i, &stats, hooks); err != nil {
					return err
				}
			}
			return nil
		})
	}
	workErr := g.Wait()
	elapsed := time.Since(start)

	runtime.GC()
	scavenged := core.Scavenge(o.objects)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	shutdownErr := core.Shutdown(shutdownCtx)
	var leakErr *coreobject.LeakError
	if shutdownErr != nil && !errors.As(shutdownErr, &leakErr) {
		return errors.Join(workErr, fmt.Errorf("unable to shut down core: %w", shutdownErr))
	}
	if err := <-ran; err != nil {
		return errors.Join(workErr, fmt.Errorf("core thread failed: %w", err))
	}

	fmt.Fprintf(stdout, "objects:     %d in %s\n", stats.created.Load(), elapsed.Round(time.Microsecond))
	fmt.Fprintf(stdout, "initialized: %d\n", stats.initialized.Load())
	fmt.Fprintf(stdout, "destroyed:   %d\n", stats.destroyed.Load())
	fmt.Fprintf(stdout, "finalized:   %d\n", stats.finalized.Load())
	fmt.Fprintf(stdout, "commands:    %d\n", stats.commands.Load())
	fmt.Fprintf(stdout, "scavenged:   %d\n", scavenged)

	if o.metrics {
		if err := writeMetrics(stdout, core.Metrics()); err != nil {
			return err
		}
	}

	errs := []error{workErr, shutdownErr}
	if n := stats.misplaced.Load(); n > 0 {
		errs = append(errs, fmt.Errorf("%d lifecycle hooks ran off the core thread", n))
	}
	if created, finalized := stats.created.Load(), stats.finalized.Load(); created != finalized {
		errs = append(errs, fmt.Errorf("created %d objects, but finalized %d", created, finalized))
	}
	return errors.Join(errs...)
}

// exercise runs the i-th object through its lifecycle, mixing the ways the
// protocol can be driven: deferred or synchronous init, explicit destroy or
// resurrection on release, and queued commands holding the object alive.
func (o *options) exercise(ctx context.Context, core *coreobject.Core, i int, stats *workload, hooks []coreobject.ObjectOption) error {
	requiresCore := float64(i%100) < o.coreFraction*100

	ref := core.Create(requiresCore, append([]coreobject.ObjectOption{coreobject.WithName(fmt.Sprintf("object-%d", i))}, hooks...)...)
	stats.created.Add(1)
	defer ref.Release()

	obj := ref.Object()
	obj.Initialize()
	if requiresCore && i%2 == 0 {
		obj.Synchronize()
	}

	if err := obj.QueueCommand(func() { stats.commands.Add(1) }); err != nil {
		return fmt.Errorf("object %d: %w", obj.ID(), err)
	}

	if i%10 == 0 {
		v, err := obj.QueueReturnCommand(func(op *coreobject.AsyncOp) {
			stats.commands.Add(1)
			op.Complete(core.IsCoreThread())
		}).Wait(ctx)
		if err != nil {
			return fmt.Errorf("object %d: %w", obj.ID(), err)
		}
		if onCore, _ := v.(bool); !onCore {
			return fmt.Errorf("object %d: return command ran off the core thread", obj.ID())
		}
	}

	if i%3 == 0 {
		obj.Destroy()
	}

	return nil
}

func writeMetrics(w io.Writer, collector prometheus.Collector) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(collector); err != nil {
		return fmt.Errorf("unable to register metrics: %w", err)
	}
	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("unable to gather metrics: %w", err)
	}
	for _, f := range families {
		if _, err := expfmt.MetricFamilyToText(w, f); err != nil {
			return err
		}
	}
	return nil
}
