// Package artifact opens the disk images referenced by appliance locations.
//
// Local paths are read in place. Remote locations are downloaded once into
// the work directory, verified, and moved into the store directory where
// every backend of the run reads them from.
package artifact

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/goware/urlx"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"

	ikerrors "github.com/imagekeeper/imagekeeper/pkg/errors"
	"github.com/imagekeeper/imagekeeper/pkg/plugin"
)

// Source streams the object behind a remote location.
type Source interface {
	Open(ctx context.Context, u *url.URL) (io.ReadCloser, error)
}

// SourceFactory builds a Source.
type SourceFactory func() Source

// Namespace is the plugin namespace of artifact schemes.
var Namespace = plugin.Namespace{Name: "artifact scheme", Policy: plugin.UniqueTags}

// Options configures a Fetcher.
type Options struct {
	// StoreDir keeps verified downloads, keyed by location.
	StoreDir string
	// WorkDir receives downloads in progress.
	WorkDir string
}

// Fetcher opens artifacts by location. It is safe for concurrent use.
type Fetcher struct {
	schemes *plugin.Registry[SourceFactory]
	opts    Options
	group   singleflight.Group
}

// NewFetcher returns a Fetcher reading remote locations with schemes.
func NewFetcher(schemes *plugin.Registry[SourceFactory], opts Options) *Fetcher {
	return &Fetcher{schemes: schemes, opts: opts}
}

// Open returns a reader over the artifact at location. When checksum is set
// the content is verified before Open returns. Failures are reported as
// ArtifactUnavailable.
func (f *Fetcher) Open(ctx context.Context, location, checksum string) (io.ReadCloser, error) {
	path, err := f.Fetch(ctx, location, checksum)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, ikerrors.NewArtifactUnavailable(location, err)
	}
	return file, nil
}

// Fetch makes the artifact at location available on the local filesystem and
// returns its path.
func (f *Fetcher) Fetch(ctx context.Context, location, checksum string) (string, error) {
	u, err := parseLocation(location)
	if err != nil {
		return "", ikerrors.NewArtifactUnavailable(location, err)
	}

	if u.Scheme == "file" {
		if err := verifyFile(u.Path, checksum); err != nil {
			return "", ikerrors.NewArtifactUnavailable(location, err)
		}
		return u.Path, nil
	}

	key := u.String()
	path, err, shared := f.group.Do(key, func() (interface{}, error) {
		return f.download(ctx, key, u, checksum)
	})
	if err != nil {
		return "", ikerrors.NewArtifactUnavailable(location, err)
	}
	if shared {
		klog.V(4).Infof("artifact %s shared with a concurrent download", location)
	}
	return path.(string), nil
}

func (f *Fetcher) download(ctx context.Context, key string, u *url.URL, checksum string) (string, error) {
	if f.opts.StoreDir == "" {
		return "", fmt.Errorf("no store directory is configured for remote artifacts")
	}

	sum := sha256.Sum256([]byte(key))
	dest := filepath.Join(f.opts.StoreDir, hex.EncodeToString(sum[:]))
	if _, err := os.Stat(dest); err == nil {
		if err := verifyFile(dest, checksum); err == nil {
			klog.V(2).Infof("using cached artifact %s for %s", dest, u.Redacted())
			return dest, nil
		}
		klog.Warningf("cached artifact %s does not match %s, downloading it again", dest, checksum)
	}

	newSource, err := f.schemes.Resolve(u.Scheme)
	if err != nil {
		return "", err
	}

	workDir := f.opts.WorkDir
	if workDir == "" {
		workDir = f.opts.StoreDir
	}
	for _, dir := range []string{workDir, f.opts.StoreDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return "", err
		}
	}

	klog.Infof("downloading %s", u.Redacted())
	r, err := newSource().Open(ctx, u)
	if err != nil {
		return "", err
	}
	defer r.Close()

	tmp, err := os.CreateTemp(workDir, "download-")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	h, expected, err := newHash(checksum)
	if err != nil {
		tmp.Close()
		return "", err
	}
	var w io.Writer = tmp
	if h != nil {
		w = io.MultiWriter(tmp, h)
	}
	n, err := io.Copy(w, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("unable to download %s: %w", u.Redacted(), err)
	}
	if h != nil {
		if got := hex.EncodeToString(h.Sum(nil)); got != expected {
			return "", fmt.Errorf("checksum mismatch: got %s, want %s", got, expected)
		}
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", err
	}
	klog.V(2).Infof("stored %d bytes from %s in %s", n, u.Redacted(), dest)
	return dest, nil
}

// parseLocation turns a location into a URL. Plain paths use the file scheme.
func parseLocation(location string) (*url.URL, error) {
	if location == "" {
		return nil, fmt.Errorf("empty location")
	}
	if !strings.Contains(location, "://") {
		return &url.URL{Scheme: "file", Path: filepath.Clean(location)}, nil
	}

	u, err := url.Parse(location)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "file":
		if u.Path == "" {
			return nil, fmt.Errorf("file location %q has no path", location)
		}
	case "http", "https":
		return urlx.Parse(location)
	default:
		if u.Host == "" {
			return nil, fmt.Errorf("location %q has no bucket or account", location)
		}
	}
	return u, nil
}

// newHash returns the hash selected by a "<algorithm>:<hex>" checksum and the
// expected hex digest. An empty checksum disables verification.
func newHash(checksum string) (hash.Hash, string, error) {
	if checksum == "" {
		return nil, "", nil
	}
	algo, digest, ok := strings.Cut(checksum, ":")
	if !ok {
		return nil, "", fmt.Errorf("invalid checksum %q", checksum)
	}
	digest = strings.ToLower(digest)
	switch strings.ToLower(algo) {
	case "sha512":
		return sha512.New(), digest, nil
	case "sha256":
		return sha256.New(), digest, nil
	}
	return nil, "", fmt.Errorf("unsupported checksum algorithm %q", algo)
}

func verifyFile(path, checksum string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	h, expected, err := newHash(checksum)
	if err != nil || h == nil {
		return err
	}
	if _, err := io.Copy(h, file); err != nil {
		return err
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != expected {
		return fmt.Errorf("checksum mismatch for %s: got %s, want %s", path, got, expected)
	}
	return nil
}
