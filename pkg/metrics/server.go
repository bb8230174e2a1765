package metrics

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"

	"k8s.io/klog/v2"
)

// ServerOptions configures the metrics endpoint.
type ServerOptions struct {
	Port int
	// TLSCert and TLSKey enable HTTPS when both are set.
	TLSCert string
	TLSKey  string
}

// RunServer serves /metrics until stopCh is closed.
func RunServer(opts ServerOptions, stopCh <-chan struct{}) {
	if opts.Port <= 0 {
		klog.Error("invalid port for metric server")
		return
	}

	handler := promhttp.HandlerFor(
		registry,
		promhttp.HandlerOpts{
			ErrorHandling: promhttp.HTTPErrorOnError,
		},
	)

	bindAddr := fmt.Sprintf(":%d", opts.Port)
	router := http.NewServeMux()
	router.Handle("/metrics", handler)
	srv := &http.Server{
		Addr:              bindAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		TLSNextProto:      map[string]func(*http.Server, *tls.Conn, http.Handler){}, // disable HTTP/2
	}

	go func() {
		<-stopCh
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			klog.Errorf("error stopping metrics server: %v", err)
		}
	}()

	var err error
	if opts.TLSCert != "" && opts.TLSKey != "" {
		err = srv.ListenAndServeTLS(opts.TLSCert, opts.TLSKey)
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		klog.Errorf("error starting metrics server: %v", err)
	}
}

// Push sends the current metrics to the Pushgateway at url under job.
func Push(url, job string) error {
	if err := push.New(url, job).Gatherer(registry).Push(); err != nil {
		return fmt.Errorf("unable to push metrics to %s: %w", url, err)
	}
	return nil
}

// WriteTextfile writes the current metrics to path in the text exposition
// format, for the node exporter textfile collector.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, registry); err != nil {
		return fmt.Errorf("unable to write metrics to %s: %w", path, err)
	}
	return nil
}

// ImageAdded counts an image created on backend.
func ImageAdded(backend string) {
	imageActions.WithLabelValues(backend, "added").Inc()
}

// ImageUpdated counts an image replaced by a new version on backend.
func ImageUpdated(backend string) {
	imageActions.WithLabelValues(backend, "updated").Inc()
}

// ImagesDeleted counts n disabled images removed from backend.
func ImagesDeleted(backend string, n int) {
	imageActions.WithLabelValues(backend, "deleted").Add(float64(n))
}

// Failure counts a failed operation on backend.
func Failure(backend, reason string) {
	failures.WithLabelValues(backend, reason).Inc()
}

// ReportBackendStatus sets the outcome of the last synchronization of
// backend to one of the Status constants.
func ReportBackendStatus(backend string, status int) {
	backendStatus.WithLabelValues(backend).Set(float64(status))
}

// RunCompleted records the end of a reconciliation run that took d.
func RunCompleted(end time.Time, d time.Duration) {
	lastRun.Set(float64(end.Unix()))
	runDuration.Set(d.Seconds())
}
