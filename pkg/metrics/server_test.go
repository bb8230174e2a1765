package metrics

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const metricsURL = "https://localhost:5000/metrics"

func TestMain(m *testing.M) {
	tlsKey, tlsCRT, err := generateTempCertificates()
	if err != nil {
		panic(err)
	}

	// sets the default http client to skip certificate check.
	http.DefaultTransport.(*http.Transport).TLSClientConfig = &tls.Config{
		InsecureSkipVerify: true,
	}

	ch := make(chan struct{})
	go RunServer(ServerOptions{Port: 5000, TLSCert: tlsCRT, TLSKey: tlsKey}, ch)

	// give http handlers/server some time to process certificates and
	// get online before running tests.
	time.Sleep(time.Second)

	code := m.Run()
	os.Remove(tlsKey)
	os.Remove(tlsCRT)
	close(ch)
	os.Exit(code)
}

func generateTempCertificates() (string, string, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", "", err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, key.Public(), key)
	if err != nil {
		return "", "", err
	}

	cert, err := os.CreateTemp("", "testcert-")
	if err != nil {
		return "", "", err
	}
	defer cert.Close()
	pem.Encode(cert, &pem.Block{
		Type:  "CERTIFICATE",
		Bytes: derBytes,
	})

	keyPath, err := os.CreateTemp("", "testkey-")
	if err != nil {
		return "", "", err
	}
	defer keyPath.Close()
	pem.Encode(keyPath, &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	return keyPath.Name(), cert.Name(), nil
}

func TestRun(t *testing.T) {
	resp, err := http.Get(metricsURL)
	if err != nil {
		t.Fatalf("error requesting metrics server: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, received %d instead.", resp.StatusCode)
	}
}

func TestImageActions(t *testing.T) {
	metricName := "imagekeeper_image_actions_total"
	for _, tt := range []struct {
		name string
		iter int
		expt float64
	}{
		{
			name: "zeroed",
			iter: 0,
			expt: 0,
		},
		{
			name: "increase to five",
			iter: 5,
			expt: 5,
		},
		{
			name: "increase to ten",
			iter: 5,
			expt: 10,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			ImagesDeleted("siteA", 0)
			for i := 0; i < tt.iter; i++ {
				ImagesDeleted("siteA", 1)
			}

			resp, err := http.Get(metricsURL)
			if err != nil {
				t.Fatalf("error requesting metrics server: %v", err)
			}

			metrics := findMetricsByCounter(resp.Body, metricName)
			m := findMetricByLabels(metrics, map[string]string{"backend": "siteA", "action": "deleted"})
			if m == nil {
				t.Fatal("unable to locate metric", metricName)
			}

			val := *m.Counter.Value
			if val != tt.expt {
				t.Errorf("expected %.0f, found %.0f", tt.expt, val)
			}
		})
	}
}

func TestBackendStatus(t *testing.T) {
	ReportBackendStatus("siteB", StatusSucceeded)
	ReportBackendStatus("siteB", StatusPartiallyFailed)
	Failure("siteB", "ArtifactUnavailable")

	resp, err := http.Get(metricsURL)
	if err != nil {
		t.Fatalf("error requesting metrics server: %v", err)
	}
	families := decodeFamilies(t, resp.Body)

	status := findMetricByLabels(families["imagekeeper_backend_status"], map[string]string{"backend": "siteB"})
	if status == nil || *status.Gauge.Value != StatusPartiallyFailed {
		t.Errorf("unexpected status metric %v", status)
	}
	failure := findMetricByLabels(families["imagekeeper_failures_total"], map[string]string{"backend": "siteB", "reason": "ArtifactUnavailable"})
	if failure == nil || *failure.Counter.Value != 1 {
		t.Errorf("unexpected failure metric %v", failure)
	}
}

func TestWriteTextfile(t *testing.T) {
	RunCompleted(time.Unix(1700000000, 0), 90*time.Second)

	path := filepath.Join(t.TempDir(), "imagekeeper.prom")
	if err := WriteTextfile(path); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	families := decodeFamilies(t, f)

	last := families["imagekeeper_last_run_timestamp_seconds"]
	if len(last) != 1 || *last[0].Gauge.Value != 1700000000 {
		t.Errorf("unexpected last run metric %v", last)
	}
	duration := families["imagekeeper_last_run_duration_seconds"]
	if len(duration) != 1 || *duration[0].Gauge.Value != 90 {
		t.Errorf("unexpected duration metric %v", duration)
	}
}

func TestPush(t *testing.T) {
	var (
		mu     sync.Mutex
		path   string
		method string
		body   string
	)
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		path, method, body = r.URL.Path, r.Method, string(data)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer gateway.Close()

	ImageAdded("siteC")
	if err := Push(gateway.URL, "imagekeeper"); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if path != "/metrics/job/imagekeeper" || method != http.MethodPut {
		t.Errorf("unexpected push %s %s", method, path)
	}
	if len(body) == 0 {
		t.Errorf("expected a non empty payload")
	}

	if err := Push("http://127.0.0.1:1", "imagekeeper"); err == nil || !strings.Contains(err.Error(), "unable to push metrics") {
		t.Errorf("got %v, want a push error", err)
	}
}

func findMetricsByCounter(buf io.ReadCloser, name string) []*io_prometheus_client.Metric {
	defer buf.Close()
	mf := io_prometheus_client.MetricFamily{}
	decoder := expfmt.NewDecoder(buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for err := decoder.Decode(&mf); err == nil; err = decoder.Decode(&mf) {
		if *mf.Name == name {
			return mf.Metric
		}
	}
	return nil
}

func decodeFamilies(t *testing.T, buf io.ReadCloser) map[string][]*io_prometheus_client.Metric {
	t.Helper()
	defer buf.Close()
	families := map[string][]*io_prometheus_client.Metric{}
	decoder := expfmt.NewDecoder(buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for {
		mf := &io_prometheus_client.MetricFamily{}
		if err := decoder.Decode(mf); err != nil {
			break
		}
		families[mf.GetName()] = mf.Metric
	}
	return families
}

func findMetricByLabels(metrics []*io_prometheus_client.Metric, labels map[string]string) *io_prometheus_client.Metric {
	for _, m := range metrics {
		matched := 0
		for _, l := range m.Label {
			if v, ok := labels[l.GetName()]; ok && v == l.GetValue() {
				matched++
			}
		}
		if matched == len(labels) {
			return m
		}
	}
	return nil
}
