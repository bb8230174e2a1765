// Package backend defines the connector contract between the reconciliation
// engine and the image registries, and loads the configured backends.
package backend

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"k8s.io/klog/v2"

	"github.com/imagekeeper/imagekeeper/pkg/catalog"
	"github.com/imagekeeper/imagekeeper/pkg/plugin"
)

// Status is the lifecycle status of an image.
type Status string

const (
	// StatusActive images are in use.
	StatusActive Status = "ACTIVE"
	// StatusDisabled images are deprecated and wait to be deleted.
	StatusDisabled Status = "DISABLED"
)

// RegistryImage is an image as reported by a registry.
type RegistryImage struct {
	ID         string
	Name       string
	Status     Status
	Visibility string
	MinRAM     int
	Tags       map[string]string
	CreatedAt  time.Time
}

// ImageFilter narrows ListImages. Zero fields match everything.
type ImageFilter struct {
	Name     string
	Status   Status
	Tag      string
	TagValue string
}

// Matches reports whether img passes the filter. A nil filter matches every
// image.
func (f *ImageFilter) Matches(img RegistryImage) bool {
	if f == nil {
		return true
	}
	if f.Name != "" && img.Name != f.Name {
		return false
	}
	if f.Status != "" && img.Status != f.Status {
		return false
	}
	if f.Tag != "" {
		v, ok := img.Tags[f.Tag]
		if !ok || (f.TagValue != "" && v != f.TagValue) {
			return false
		}
	}
	return true
}

// Connector drives the image lifecycle of one registry technology.
//
// Images move from ACTIVE to DISABLED through DeprecateImage and are removed
// by DeleteDisabled. AddImage is the only way an image is introduced.
type Connector interface {
	// Connect establishes the authenticated session used by the other
	// methods.
	Connect(ctx context.Context) error
	// ListImages returns the images matching filter. On failure it returns an
	// empty list along with the error.
	ListImages(ctx context.Context, filter *ImageFilter) ([]RegistryImage, error)
	// AddImage uploads the artifact of a and creates an ACTIVE image. It
	// returns the identifier of the new image.
	AddImage(ctx context.Context, a catalog.Appliance) (string, error)
	// DeprecateImage disables every ACTIVE image called name. It returns
	// false when no image matched.
	DeprecateImage(ctx context.Context, name string) (bool, error)
	// DeleteDisabled deletes every DISABLED image, continuing past failures.
	// It returns the identifiers of the deleted images.
	DeleteDisabled(ctx context.Context) ([]string, error)
	// UpdateImage deprecates the current image of a and adds the new one.
	UpdateImage(ctx context.Context, a catalog.Appliance) (string, error)
}

// ArtifactOpener opens the artifact behind an appliance location.
type ArtifactOpener interface {
	Open(ctx context.Context, location, checksum string) (io.ReadCloser, error)
}

// Options is handed to a connector factory.
type Options struct {
	// Name is the backend name, used in messages.
	Name string
	// Parameters are the backend specific settings.
	Parameters map[string]interface{}
	// DefaultMinRAM is the lower bound of the minimum RAM of new images.
	DefaultMinRAM int
	// DefaultVisibility is the visibility of new images.
	DefaultVisibility string
	// Artifacts opens appliance locations.
	Artifacts ArtifactOpener
}

// String returns the string parameter key, or "" when it is unset.
func (o Options) String(key string) string {
	v, ok := o.Parameters[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Int returns the integer parameter key, or def when it is unset.
func (o Options) Int(key string, def int) (int, error) {
	v, ok := o.Parameters[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("parameter %s must be an integer, got %v", key, n)
		}
		return int(n), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("parameter %s must be an integer, got %q", key, n)
		}
		return i, nil
	}
	return 0, fmt.Errorf("parameter %s must be an integer, got %T", key, v)
}

// Float returns the numeric parameter key, or def when it is unset.
func (o Options) Float(key string, def float64) (float64, error) {
	v, ok := o.Parameters[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("parameter %s must be a number, got %q", key, n)
		}
		return f, nil
	}
	return 0, fmt.Errorf("parameter %s must be a number, got %T", key, v)
}

// Duration returns the duration parameter key, or def when it is unset.
// Strings use the time.ParseDuration syntax and numbers are seconds.
func (o Options) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := o.Parameters[key]
	if !ok || v == nil {
		return def, nil
	}
	if s, ok := v.(string); ok {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("parameter %s: %w", key, err)
		}
		return d, nil
	}
	secs, err := o.Float(key, 0)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// Missing returns the keys that have no value in the parameters, in the
// order given.
func (o Options) Missing(keys ...string) []string {
	var missing []string
	for _, k := range keys {
		if o.String(k) == "" {
			missing = append(missing, k)
		}
	}
	return missing
}

// ConnectorFactory builds a connector for one backend.
type ConnectorFactory func(opts Options) (Connector, error)

// Namespace is the plugin namespace of connectors. Two connectors can not
// share a feature tag.
var Namespace = plugin.Namespace{Name: "connector", Policy: plugin.UniqueTags}

// ReplaceImage deprecates the images of a and then adds the new version. The
// artifact of a is opened first so that an unreadable artifact leaves the
// current images ACTIVE. It stops without adding when the deprecation fails.
func ReplaceImage(ctx context.Context, c Connector, artifacts ArtifactOpener, a catalog.Appliance) (string, error) {
	if artifacts != nil {
		r, err := artifacts.Open(ctx, a.Location, a.Checksum)
		if err != nil {
			return "", err
		}
		r.Close()
	}

	found, err := c.DeprecateImage(ctx, a.Title)
	if err != nil {
		return "", fmt.Errorf("unable to deprecate %s, the new version is not added: %w", a.Title, err)
	}
	if !found {
		klog.V(2).Infof("no previous version of %s to deprecate", a.Title)
	}
	return c.AddImage(ctx, a)
}

// SortImages orders images by name, then by creation time.
func SortImages(images []RegistryImage) {
	sort.SliceStable(images, func(i, j int) bool {
		if images[i].Name != images[j].Name {
			return images[i].Name < images[j].Name
		}
		return images[i].CreatedAt.Before(images[j].CreatedAt)
	})
}
