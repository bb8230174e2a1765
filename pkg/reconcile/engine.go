// Package reconcile drives every backend towards the desired catalog.
//
// Backends are independent units of work and may be processed in parallel.
// Within a backend, appliances are handled one after another and the cleanup
// of disabled images always comes last, so a superseded image is disabled
// before its replacement is created and deleted only after it.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"

	"github.com/imagekeeper/imagekeeper/pkg/backend"
	"github.com/imagekeeper/imagekeeper/pkg/catalog"
	ikerrors "github.com/imagekeeper/imagekeeper/pkg/errors"
	"github.com/imagekeeper/imagekeeper/pkg/metrics"
)

// Options tunes a reconciliation run.
type Options struct {
	// Workers is the number of backends processed in parallel.
	Workers int
	// CallTimeout bounds every connector call but uploads.
	CallTimeout time.Duration
	// UploadTimeout bounds AddImage and UpdateImage.
	UploadTimeout time.Duration
	// DryRun logs the intended actions without changing any backend.
	DryRun bool
	// Prune deletes disabled images once all appliances are handled.
	Prune bool
}

// Engine reconciles backends against a list of appliances.
type Engine struct {
	opts Options
	now  func() time.Time
}

// NewEngine returns an Engine configured with opts.
func NewEngine(opts Options) *Engine {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Engine{opts: opts, now: time.Now}
}

// Run reconciles every backend and returns the report of the run. Failures
// of a backend or an appliance are recorded in the report and never stop
// the processing of their siblings. The returned error is only set when the
// run was cancelled.
func (e *Engine) Run(ctx context.Context, backends []*backend.Backend, appliances []catalog.Appliance) (*Report, error) {
	start := e.now()
	report := &Report{
		Started:    start,
		DryRun:     e.opts.DryRun,
		Backends:   make([]BackendReport, len(backends)),
		Appliances: len(appliances),
	}

	var g errgroup.Group
	g.SetLimit(e.opts.Workers)
	for i, b := range backends {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				report.Backends[i] = skippedBackend(b, err)
				return nil
			}
			report.Backends[i] = e.syncBackend(ctx, b, appliances)
			return nil
		})
	}
	_ = g.Wait()

	end := e.now()
	report.Duration = end.Sub(start)
	for _, br := range report.Backends {
		metrics.ReportBackendStatus(br.Name, br.Status.code())
	}
	metrics.RunCompleted(end, report.Duration)

	if err := ctx.Err(); err != nil {
		report.Cancelled = true
		return report, fmt.Errorf("reconciliation cancelled: %w", err)
	}
	return report, nil
}

func skippedBackend(b *backend.Backend, err error) BackendReport {
	return BackendReport{
		Name:   b.Config.Name,
		Type:   b.Config.Type,
		Status: StatusFailed,
		Error:  fmt.Sprintf("not processed: %v", err),
	}
}

func (e *Engine) syncBackend(ctx context.Context, b *backend.Backend, appliances []catalog.Appliance) BackendReport {
	name := b.Config.Name
	r := BackendReport{Name: name, Type: b.Config.Type}
	klog.Infof("backend %s: synchronizing %d appliances", name, len(appliances))

	err := e.call(ctx, func(ctx context.Context) error {
		return b.Connector.Connect(ctx)
	})
	if err != nil {
		klog.Errorf("backend %s: unable to connect: %v", name, err)
		recordFailure(name, err)
		r.Status = StatusFailed
		r.Error = err.Error()
		return r
	}

	dups := catalog.Duplicates(appliances)
	var failedUpdates []string
	for _, a := range appliances {
		if err := ctx.Err(); err != nil {
			r.Appliances = append(r.Appliances, ApplianceReport{
				Title:   a.Title,
				Outcome: OutcomeSkipped,
				Error:   err.Error(),
			})
			continue
		}
		if n, ok := dups[a.Title]; ok {
			err := ikerrors.NewDuplicateApplianceName(a.Title, n)
			klog.Errorf("backend %s: %v", name, err)
			recordFailure(name, err)
			r.Appliances = append(r.Appliances, ApplianceReport{Title: a.Title, Outcome: OutcomeFailed, Error: err.Error()})
			continue
		}
		ar, updateFailed := e.syncAppliance(ctx, b, a)
		if updateFailed {
			failedUpdates = append(failedUpdates, a.Title)
		}
		r.Appliances = append(r.Appliances, ar)
	}

	if e.opts.Prune && ctx.Err() == nil {
		if len(failedUpdates) > 0 {
			// The previous version of a failed update may already be DISABLED
			// and is the only usable copy until an update succeeds.
			r.Error = fmt.Sprintf("cleanup postponed, the update of %s failed", strings.Join(failedUpdates, ", "))
			klog.Warningf("backend %s: %s", name, r.Error)
		} else {
			r.Deleted, err = e.cleanup(ctx, b)
			if err != nil {
				r.Error = err.Error()
			}
		}
	}

	r.Status = r.status()
	klog.Infof("backend %s: %s", name, r.Status)
	return r
}

// syncAppliance brings a to its desired state on b. The boolean reports a
// failed update, after which the previous version may be left DISABLED.
func (e *Engine) syncAppliance(ctx context.Context, b *backend.Backend, a catalog.Appliance) (ApplianceReport, bool) {
	name := b.Config.Name
	r := ApplianceReport{Title: a.Title}

	var images []backend.RegistryImage
	err := e.call(ctx, func(ctx context.Context) error {
		var err error
		images, err = b.Connector.ListImages(ctx, &backend.ImageFilter{Name: a.Title, Status: backend.StatusActive})
		return err
	})
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			r.Outcome = OutcomeSkipped
			r.Error = cerr.Error()
			return r, false
		}
		// Adding without knowing the current state could leave two ACTIVE images.
		klog.Errorf("backend %s: unable to list images named %s: %v", name, a.Title, err)
		recordFailure(name, err)
		r.Outcome = OutcomeFailed
		r.Error = err.Error()
		return r, false
	}

	update := false
	switch len(images) {
	case 0:
		r.Changes = "not present"
	case 1:
		r.Changes = a.Changes(images[0].Tags)
		if r.Changes == "" {
			klog.V(2).Infof("backend %s: %s is up to date (%s)", name, a.Title, images[0].ID)
			r.Outcome = OutcomeUnchanged
			r.ImageID = images[0].ID
			return r, false
		}
		update = true
	default:
		r.Changes = fmt.Sprintf("%d active images", len(images))
		update = true
	}

	if e.opts.DryRun {
		r.Outcome = OutcomeAdded
		if update {
			r.Outcome = OutcomeUpdated
		}
		klog.Infof("backend %s: would %s %s: %s", name, r.Outcome.verb(), a.Title, r.Changes)
		return r, false
	}

	r.ImageID, err = e.upload(ctx, func(ctx context.Context) (string, error) {
		if update {
			return b.Connector.UpdateImage(ctx, a)
		}
		return b.Connector.AddImage(ctx, a)
	})
	if err != nil {
		klog.Errorf("backend %s: unable to synchronize %s: %v", name, a.Title, err)
		recordFailure(name, err)
		r.Outcome = OutcomeFailed
		r.Error = err.Error()
		return r, update
	}

	if update {
		r.Outcome = OutcomeUpdated
		metrics.ImageUpdated(name)
	} else {
		r.Outcome = OutcomeAdded
		metrics.ImageAdded(name)
	}
	klog.Infof("backend %s: %s %s as %s (%s)", name, r.Outcome, a.Title, r.ImageID, r.Changes)
	return r, false
}

// cleanup removes the disabled images of b. In dry run mode it only lists
// them.
func (e *Engine) cleanup(ctx context.Context, b *backend.Backend) ([]string, error) {
	name := b.Config.Name
	var ids []string
	err := e.call(ctx, func(ctx context.Context) error {
		if e.opts.DryRun {
			images, err := b.Connector.ListImages(ctx, &backend.ImageFilter{Status: backend.StatusDisabled})
			for _, img := range images {
				ids = append(ids, img.ID)
			}
			return err
		}
		var err error
		ids, err = b.Connector.DeleteDisabled(ctx)
		return err
	})

	if e.opts.DryRun {
		if len(ids) > 0 {
			klog.Infof("backend %s: would delete %d disabled images", name, len(ids))
		}
	} else {
		metrics.ImagesDeleted(name, len(ids))
		if len(ids) > 0 {
			klog.Infof("backend %s: deleted %d disabled images", name, len(ids))
		}
	}
	if err != nil {
		klog.Errorf("backend %s: cleanup failed: %v", name, err)
		recordFailure(name, err)
	}
	return ids, err
}

// call runs fn with a context bounded by CallTimeout.
func (e *Engine) call(ctx context.Context, fn func(context.Context) error) error {
	if e.opts.CallTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()
	return fn(ctx)
}

// upload runs fn with a context that ignores the cancellation of the run, so
// that an upload is never interrupted halfway. It is bounded by
// UploadTimeout.
func (e *Engine) upload(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	ctx = context.WithoutCancel(ctx)
	if e.opts.UploadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.UploadTimeout)
		defer cancel()
	}
	return fn(ctx)
}

// recordFailure counts err, or every error it aggregates, by reason.
func recordFailure(backendName string, err error) {
	var agg utilerrors.Aggregate
	if errors.As(err, &agg) {
		for _, e := range agg.Errors() {
			recordFailure(backendName, e)
		}
		return
	}
	metrics.Failure(backendName, string(ikerrors.ReasonFor(err)))
}
