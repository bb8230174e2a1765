package reconcile

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/imagekeeper/imagekeeper/pkg/metrics"
)

// Outcome is the result of the reconciliation of one appliance.
type Outcome string

const (
	OutcomeAdded     Outcome = "Added"
	OutcomeUpdated   Outcome = "Updated"
	OutcomeUnchanged Outcome = "Unchanged"
	OutcomeFailed    Outcome = "Failed"
	// OutcomeSkipped marks appliances left untouched after a cancellation.
	OutcomeSkipped Outcome = "Skipped"
)

func (o Outcome) verb() string {
	switch o {
	case OutcomeAdded:
		return "add"
	case OutcomeUpdated:
		return "update"
	}
	return strings.ToLower(string(o))
}

func (o Outcome) failed() bool {
	return o == OutcomeFailed || o == OutcomeSkipped
}

// Status is the aggregate result of a backend.
type Status string

const (
	StatusSucceeded       Status = "Succeeded"
	StatusPartiallyFailed Status = "PartiallyFailed"
	StatusFailed          Status = "Failed"
)

func (s Status) code() int {
	switch s {
	case StatusSucceeded:
		return metrics.StatusSucceeded
	case StatusPartiallyFailed:
		return metrics.StatusPartiallyFailed
	}
	return metrics.StatusFailed
}

// ApplianceReport is the outcome of one appliance on one backend.
type ApplianceReport struct {
	Title   string  `json:"title" yaml:"title"`
	Outcome Outcome `json:"outcome" yaml:"outcome"`
	ImageID string  `json:"imageId,omitempty" yaml:"imageId,omitempty"`
	Changes string  `json:"changes,omitempty" yaml:"changes,omitempty"`
	Error   string  `json:"error,omitempty" yaml:"error,omitempty"`
}

// BackendReport is the outcome of one backend.
type BackendReport struct {
	Name       string            `json:"name" yaml:"name"`
	Type       string            `json:"type" yaml:"type"`
	Status     Status            `json:"status" yaml:"status"`
	Appliances []ApplianceReport `json:"appliances,omitempty" yaml:"appliances,omitempty"`
	Deleted    []string          `json:"deleted,omitempty" yaml:"deleted,omitempty"`
	// Error is set when the backend could not be reached or cleaned up.
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
}

// status folds the appliance outcomes. A backend fails when nothing could be
// done on it and partially fails when anything went wrong.
func (r *BackendReport) status() Status {
	failed := 0
	for _, a := range r.Appliances {
		if a.Outcome.failed() {
			failed++
		}
	}
	switch {
	case failed > 0 && failed == len(r.Appliances):
		return StatusFailed
	case failed > 0 || r.Error != "":
		return StatusPartiallyFailed
	}
	return StatusSucceeded
}

// Report is the outcome of a reconciliation run.
type Report struct {
	Started    time.Time       `json:"started" yaml:"started"`
	Duration   time.Duration   `json:"duration" yaml:"duration"`
	DryRun     bool            `json:"dryRun,omitempty" yaml:"dryRun,omitempty"`
	Cancelled  bool            `json:"cancelled,omitempty" yaml:"cancelled,omitempty"`
	Appliances int             `json:"appliances" yaml:"appliances"`
	Backends   []BackendReport `json:"backends" yaml:"backends"`
}

// Succeeded reports whether every backend succeeded.
func (r *Report) Succeeded() bool {
	return len(r.FailedBackends()) == 0 && !r.Cancelled
}

// FailedBackends returns the names of the backends that did not succeed, in
// configuration order.
func (r *Report) FailedBackends() []string {
	var names []string
	for _, b := range r.Backends {
		if b.Status != StatusSucceeded {
			names = append(names, b.Name)
		}
	}
	return names
}

// Print writes the report to w as a table, YAML or JSON.
func (r *Report) Print(w io.Writer, format string) error {
	switch format {
	case "", "table":
		return r.printTable(w)
	case "yaml":
		data, err := yaml.Marshal(r)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	return fmt.Errorf("unknown output format %q, expected table, yaml or json", format)
}

func (r *Report) printTable(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "BACKEND\tAPPLIANCE\tOUTCOME\tIMAGE\tDETAIL")
	for _, b := range r.Backends {
		if b.Error != "" || len(b.Appliances) == 0 {
			fmt.Fprintf(tw, "%s\t-\t%s\t-\t%s\n", b.Name, b.Status, oneLine(b.Error))
		}
		for _, a := range b.Appliances {
			detail := a.Changes
			if a.Error != "" {
				detail = a.Error
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", b.Name, a.Title, a.Outcome, dash(a.ImageID), oneLine(detail))
		}
		if len(b.Deleted) > 0 {
			fmt.Fprintf(tw, "%s\t-\tDeleted\t%s\t\n", b.Name, strings.Join(b.Deleted, ","))
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	suffix := ""
	if r.DryRun {
		suffix = " (dry run)"
	}
	if failed := r.FailedBackends(); len(failed) > 0 {
		_, err := fmt.Fprintf(w, "\n%d/%d backends failed: %s%s\n", len(failed), len(r.Backends), strings.Join(failed, ", "), suffix)
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d backends synchronized in %s%s\n", len(r.Backends), r.Duration.Round(time.Millisecond), suffix)
	return err
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func oneLine(s string) string {
	return dash(strings.Join(strings.Fields(s), " "))
}
