package artifact

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"

	"github.com/imagekeeper/imagekeeper/defaults"
)

type gcsSource struct{}

// NewGCSSource returns a Source for gs://bucket/object locations. Set the
// anonymous query parameter to read public objects without credentials.
func NewGCSSource() Source {
	return gcsSource{}
}

func (gcsSource) Open(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	opts := []option.ClientOption{
		option.WithScopes(storage.ScopeReadOnly),
		option.WithUserAgent(defaults.UserAgent),
	}
	if u.Query().Get("anonymous") == "true" {
		opts = append(opts, option.WithoutAuthentication())
	}
	if endpoint := u.Query().Get("endpoint"); endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint), option.WithHTTPClient(http.DefaultClient))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}

	obj := client.Bucket(u.Host).Object(strings.TrimPrefix(u.Path, "/")).Retryer(
		storage.WithBackoff(gax.Backoff{
			Initial:    2 * time.Second,
			Max:        time.Minute,
			Multiplier: 2,
		}),
		storage.WithPolicy(storage.RetryAlways),
	)
	r, err := obj.NewReader(ctx)
	if err != nil {
		client.Close()
		return nil, err
	}
	return &gcsReader{Reader: r, client: client}, nil
}

// gcsReader closes the client together with the object reader.
type gcsReader struct {
	*storage.Reader
	client *storage.Client
}

func (r *gcsReader) Close() error {
	err := r.Reader.Close()
	if cerr := r.client.Close(); err == nil {
		err = cerr
	}
	return err
}
