package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/imagekeeper/imagekeeper/defaults"
	"github.com/imagekeeper/imagekeeper/pkg/backend"
	"github.com/imagekeeper/imagekeeper/pkg/metrics"
	"github.com/imagekeeper/imagekeeper/pkg/parameters"
	"github.com/imagekeeper/imagekeeper/pkg/reconcile"
)

const jitterFactor = 0.1

func (a *app) syncCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize the image list with every backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runSync(ctx)
		},
	}

	flags := cmd.Flags()
	flags.Int(parameters.KeyWorkers, defaults.Workers, "number of backends synchronized in parallel")
	flags.Duration(parameters.KeyCallTimeout, defaults.CallTimeout, "timeout of every registry call but uploads")
	flags.Duration(parameters.KeyUploadTimeout, defaults.UploadTimeout, "timeout of a single image upload")
	flags.Bool(parameters.KeyDryRun, false, "log the actions without changing any backend")
	flags.Bool(parameters.KeyPrune, true, "delete disabled images at the end of each backend")
	flags.Duration(parameters.KeyInterval, 0, "run again with this period until interrupted; 0 runs once")
	flags.Int(parameters.KeyMetricsPort, 0, "serve Prometheus metrics on this port; 0 disables the endpoint")
	flags.String(parameters.KeyMetricsTLSCert, "", "certificate of the metrics endpoint")
	flags.String(parameters.KeyMetricsTLSKey, "", "private key of the metrics endpoint")
	flags.String(parameters.KeyPushgateway, "", "push metrics to this Pushgateway after every run")
	flags.String(parameters.KeyTextfile, "", "write metrics to this file after every run")
	flags.StringP(parameters.KeyOutput, "o", "table", "report format: table, yaml or json")
	a.bind(flags)
	return cmd
}

func (a *app) runSync(ctx context.Context) error {
	g, err := a.globals()
	if err != nil {
		return err
	}
	fetcher, err := newFetcher(g)
	if err != nil {
		return a.fail(err)
	}
	// Backends outlive a single run so that their sessions and in-memory
	// state are reused by periodic runs.
	backends, err := loadBackends(g, fetcher)
	if err != nil {
		return a.fail(err)
	}
	if _, err := loadCatalog(g); err != nil {
		return a.fail(err)
	}
	klog.Infof("synchronizing %s with %d backends", g.ImageList, len(backends))

	if g.Metrics.Port > 0 {
		stopCh := make(chan struct{})
		defer close(stopCh)
		go metrics.RunServer(metrics.ServerOptions{
			Port:    g.Metrics.Port,
			TLSCert: g.Metrics.TLSCert,
			TLSKey:  g.Metrics.TLSKey,
		}, stopCh)
	}

	engine := reconcile.NewEngine(reconcile.Options{
		Workers:       g.Reconcile.Workers,
		CallTimeout:   g.Reconcile.CallTimeout,
		UploadTimeout: g.Reconcile.UploadTimeout,
		DryRun:        g.Reconcile.DryRun,
		Prune:         g.Reconcile.Prune,
	})

	if g.Reconcile.Interval <= 0 {
		return a.fail(a.syncOnce(ctx, g, engine, backends))
	}

	wait.JitterUntilWithContext(ctx, func(ctx context.Context) {
		a.exitCode = exitOK
		if err := a.fail(a.syncOnce(ctx, g, engine, backends)); err != nil {
			klog.Errorf("synchronization failed: %v", err)
		}
	}, g.Reconcile.Interval, jitterFactor, true)
	klog.Info("stopped")
	return nil
}

// syncOnce reloads the image list and reconciles every backend with it.
func (a *app) syncOnce(ctx context.Context, g *parameters.Globals, engine *reconcile.Engine, backends []*backend.Backend) error {
	appliances, err := loadCatalog(g)
	if err != nil {
		return err
	}

	report, runErr := engine.Run(ctx, backends, appliances)
	if err := report.Print(a.out, g.Output); err != nil {
		klog.Errorf("unable to print the report: %v", err)
	}
	publishMetrics(g)

	if runErr != nil {
		return runErr
	}
	if failed := report.FailedBackends(); len(failed) > 0 {
		return fmt.Errorf("%d of %d backends failed: %s", len(failed), len(report.Backends), strings.Join(failed, ", "))
	}
	return nil
}

func publishMetrics(g *parameters.Globals) {
	if g.Metrics.Textfile != "" {
		if err := metrics.WriteTextfile(g.Metrics.Textfile); err != nil {
			klog.Error(err)
		}
	}
	if g.Metrics.Pushgateway != "" {
		if err := metrics.Push(g.Metrics.Pushgateway, "imagekeeper"); err != nil {
			klog.Error(err)
		}
	}
}
