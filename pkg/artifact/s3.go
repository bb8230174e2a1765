package artifact

import (
	"context"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

const defaultS3Region = "us-east-1"

type s3Source struct{}

// NewS3Source returns a Source for s3://bucket/key locations. The region,
// a custom endpoint and path-style addressing can be set with the region,
// endpoint and path_style query parameters. Credentials come from the default
// AWS chain.
func NewS3Source() Source {
	return s3Source{}
}

func (s3Source) Open(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	q := u.Query()
	cfg := &aws.Config{
		Region: aws.String(defaultS3Region),
	}
	if region := q.Get("region"); region != "" {
		cfg.Region = aws.String(region)
	}
	if endpoint := q.Get("endpoint"); endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
	}
	if q.Get("path_style") == "true" {
		cfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, err
	}
	out, err := s3.New(sess).GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.Host),
		Key:    aws.String(strings.TrimPrefix(u.Path, "/")),
	})
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}
