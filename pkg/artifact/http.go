package artifact

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"k8s.io/klog/v2"

	"github.com/imagekeeper/imagekeeper/defaults"
)

const (
	httpRetryMax     = 4
	httpRetryWaitMin = time.Second
	httpRetryWaitMax = 30 * time.Second
)

type httpSource struct {
	client *retryablehttp.Client
}

// NewHTTPSource returns a Source downloading over HTTP(S) with retries.
func NewHTTPSource() Source {
	client := retryablehttp.NewClient()
	client.RetryMax = httpRetryMax
	client.RetryWaitMin = httpRetryWaitMin
	client.RetryWaitMax = httpRetryWaitMax
	client.Logger = klogAdapter{}
	return &httpSource{client: client}
}

func (s *httpSource) Open(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", defaults.UserAgent)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: unexpected status %s", u.Redacted(), resp.Status)
	}
	return resp.Body, nil
}

// klogAdapter routes retryablehttp logs to klog.
type klogAdapter struct{}

func (klogAdapter) Error(msg string, keysAndValues ...interface{}) {
	klog.ErrorS(nil, msg, keysAndValues...)
}

func (klogAdapter) Info(msg string, keysAndValues ...interface{}) {
	klog.V(4).InfoS(msg, keysAndValues...)
}

func (klogAdapter) Debug(msg string, keysAndValues ...interface{}) {
	klog.V(6).InfoS(msg, keysAndValues...)
}

func (klogAdapter) Warn(msg string, keysAndValues ...interface{}) {
	klog.V(2).InfoS(msg, keysAndValues...)
}
