// Package memory implements an in-memory registry. It reads the artifacts it
// is given but keeps only their size and digest.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/imagekeeper/imagekeeper/defaults"
	"github.com/imagekeeper/imagekeeper/pkg/backend"
	"github.com/imagekeeper/imagekeeper/pkg/catalog"
	ikerrors "github.com/imagekeeper/imagekeeper/pkg/errors"
)

// FeatureTag is the tag the connector answers to.
const FeatureTag = "mockRegistry"

type image struct {
	backend.RegistryImage
	size   int64
	digest string
}

// Registry is an in-memory image registry.
type Registry struct {
	opts backend.Options
	now  func() time.Time

	mu        sync.Mutex
	connected bool
	images    map[string]*image
}

var _ backend.Connector = &Registry{}

// NewConnector returns an empty in-memory registry.
func NewConnector(opts backend.Options) (backend.Connector, error) {
	return New(opts), nil
}

// New returns an empty in-memory registry.
func New(opts backend.Options) *Registry {
	return &Registry{
		opts:   opts,
		now:    time.Now,
		images: map[string]*image{},
	}
}

func (r *Registry) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = true
	return nil
}

func (r *Registry) checkConnected() error {
	if !r.connected {
		return fmt.Errorf("backend %s: not connected", r.opts.Name)
	}
	return nil
}

func (r *Registry) ListImages(ctx context.Context, filter *backend.ImageFilter) ([]backend.RegistryImage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkConnected(); err != nil {
		return []backend.RegistryImage{}, ikerrors.NewImageListFailed(r.opts.Name, err)
	}

	list := []backend.RegistryImage{}
	for _, img := range r.images {
		if filter.Matches(img.RegistryImage) {
			list = append(list, copyImage(img.RegistryImage))
		}
	}
	backend.SortImages(list)
	return list, nil
}

func (r *Registry) AddImage(ctx context.Context, a catalog.Appliance) (string, error) {
	if r.opts.Artifacts == nil {
		return "", ikerrors.NewArtifactUnavailable(a.Location, fmt.Errorf("no artifact opener configured"))
	}
	src, err := r.opts.Artifacts.Open(ctx, a.Location, a.Checksum)
	if err != nil {
		klog.Errorf("backend %s: unable to open %s for %s: %v", r.opts.Name, a.Location, a.Title, err)
		return "", err
	}
	defer src.Close()

	h := sha256.New()
	size, err := io.Copy(h, src)
	if err != nil {
		return "", ikerrors.NewArtifactUnavailable(a.Location, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkConnected(); err != nil {
		return "", err
	}

	img := &image{
		RegistryImage: backend.RegistryImage{
			ID:         uuid.NewString(),
			Name:       a.Title,
			Status:     backend.StatusActive,
			Visibility: r.opts.DefaultVisibility,
			MinRAM:     a.EffectiveMinRAM(r.opts.DefaultMinRAM),
			Tags:       a.ManagedTags(),
			CreatedAt:  r.now(),
		},
		size:   size,
		digest: hex.EncodeToString(h.Sum(nil)),
	}
	if img.Visibility == "" {
		img.Visibility = defaults.Visibility
	}
	r.images[img.ID] = img
	klog.V(2).Infof("backend %s: added %s as %s (%d bytes)", r.opts.Name, a.Title, img.ID, size)
	return img.ID, nil
}

func (r *Registry) DeprecateImage(ctx context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkConnected(); err != nil {
		return false, ikerrors.NewUnknown(r.opts.Name, "deprecate", err)
	}

	found := false
	for _, img := range r.images {
		if img.Name != name || img.Status != backend.StatusActive {
			continue
		}
		img.Status = backend.StatusDisabled
		img.Visibility = defaults.DeprecatedVisibility
		found = true
		klog.V(2).Infof("backend %s: deprecated %s (%s)", r.opts.Name, name, img.ID)
	}
	return found, nil
}

func (r *Registry) DeleteDisabled(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkConnected(); err != nil {
		return nil, ikerrors.NewImageListFailed(r.opts.Name, err)
	}

	var deleted []string
	for id, img := range r.images {
		if img.Status == backend.StatusDisabled {
			delete(r.images, id)
			deleted = append(deleted, id)
		}
	}
	sort.Strings(deleted)
	return deleted, nil
}

func (r *Registry) UpdateImage(ctx context.Context, a catalog.Appliance) (string, error) {
	return backend.ReplaceImage(ctx, r, r.opts.Artifacts, a)
}

// Digest returns the hex SHA-256 of the payload of image id.
func (r *Registry) Digest(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	img, ok := r.images[id]
	if !ok {
		return "", false
	}
	return img.digest, true
}

func copyImage(img backend.RegistryImage) backend.RegistryImage {
	tags := make(map[string]string, len(img.Tags))
	for k, v := range img.Tags {
		tags[k] = v
	}
	img.Tags = tags
	return img
}
