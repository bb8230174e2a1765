// Package filesystem implements a registry stored in a local directory.
//
// Every image lives in <path>/<id>/ with its metadata in image.json and its
// payload in disk.
package filesystem

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"

	"github.com/imagekeeper/imagekeeper/defaults"
	"github.com/imagekeeper/imagekeeper/pkg/backend"
	"github.com/imagekeeper/imagekeeper/pkg/catalog"
	ikerrors "github.com/imagekeeper/imagekeeper/pkg/errors"
)

// FeatureTag is the tag the connector answers to.
const FeatureTag = "filesystem"

const (
	metadataFile = "image.json"
	diskFile     = "disk"
	partialDir   = ".partial"
)

type metadata struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Status          backend.Status    `json:"status"`
	Visibility      string            `json:"visibility"`
	DiskFormat      string            `json:"diskFormat"`
	ContainerFormat string            `json:"containerFormat"`
	MinRAM          int               `json:"minRam"`
	Size            int64             `json:"size"`
	SHA256          string            `json:"sha256"`
	Tags            map[string]string `json:"tags,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
}

type driver struct {
	opts backend.Options
	root string
}

// NewConnector returns a registry rooted at the path parameter.
func NewConnector(opts backend.Options) (backend.Connector, error) {
	return &driver{opts: opts}, nil
}

func (d *driver) Connect(ctx context.Context) error {
	if missing := d.opts.Missing("path"); len(missing) > 0 {
		return ikerrors.NewMissingConfigOption(d.opts.Name, FeatureTag, missing)
	}
	root := filepath.Clean(d.opts.String("path"))
	if err := os.MkdirAll(filepath.Join(root, partialDir), 0o750); err != nil {
		return ikerrors.NewAuthFailed(d.opts.Name, err)
	}
	d.root = root
	return nil
}

func (d *driver) checkConnected() error {
	if d.root == "" {
		return fmt.Errorf("backend %s: not connected", d.opts.Name)
	}
	return nil
}

func (d *driver) ListImages(ctx context.Context, filter *backend.ImageFilter) ([]backend.RegistryImage, error) {
	list := []backend.RegistryImage{}
	if err := d.checkConnected(); err != nil {
		return list, ikerrors.NewImageListFailed(d.opts.Name, err)
	}

	entries, err := os.ReadDir(d.root)
	if err != nil {
		klog.Errorf("backend %s: unable to list images: %v", d.opts.Name, err)
		return []backend.RegistryImage{}, ikerrors.NewImageListFailed(d.opts.Name, err)
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		m, err := d.readMetadata(e.Name())
		if err != nil {
			klog.Warningf("backend %s: skipping %s: %v", d.opts.Name, e.Name(), err)
			continue
		}
		img := m.toImage()
		if filter.Matches(img) {
			list = append(list, img)
		}
	}
	backend.SortImages(list)
	return list, nil
}

func (d *driver) AddImage(ctx context.Context, a catalog.Appliance) (string, error) {
	if err := d.checkConnected(); err != nil {
		return "", err
	}
	if d.opts.Artifacts == nil {
		return "", ikerrors.NewArtifactUnavailable(a.Location, fmt.Errorf("no artifact opener configured"))
	}
	src, err := d.opts.Artifacts.Open(ctx, a.Location, a.Checksum)
	if err != nil {
		klog.Errorf("backend %s: unable to open %s for %s: %v", d.opts.Name, a.Location, a.Title, err)
		return "", err
	}
	defer src.Close()

	m := metadata{
		ID:              uuid.NewString(),
		Name:            a.Title,
		Status:          backend.StatusActive,
		Visibility:      d.opts.DefaultVisibility,
		DiskFormat:      a.DiskFormat(),
		ContainerFormat: a.ContainerFormatOrDefault(),
		MinRAM:          a.EffectiveMinRAM(d.opts.DefaultMinRAM),
		Tags:            a.ManagedTags(),
		CreatedAt:       time.Now().UTC(),
	}
	if m.Visibility == "" {
		m.Visibility = defaults.Visibility
	}

	staging := filepath.Join(d.root, partialDir, m.ID)
	if err := os.MkdirAll(staging, 0o750); err != nil {
		return "", err
	}
	defer os.RemoveAll(staging)

	disk, err := os.Create(filepath.Join(staging, diskFile))
	if err != nil {
		return "", err
	}
	h := sha256.New()
	m.Size, err = io.Copy(io.MultiWriter(disk, h), src)
	if cerr := disk.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", ikerrors.NewArtifactUnavailable(a.Location, err)
	}
	m.SHA256 = hex.EncodeToString(h.Sum(nil))

	if err := writeMetadata(staging, m); err != nil {
		return "", err
	}
	if err := os.Rename(staging, filepath.Join(d.root, m.ID)); err != nil {
		return "", err
	}
	klog.V(2).Infof("backend %s: added %s as %s (%d bytes)", d.opts.Name, a.Title, m.ID, m.Size)
	return m.ID, nil
}

func (d *driver) DeprecateImage(ctx context.Context, name string) (bool, error) {
	images, err := d.ListImages(ctx, &backend.ImageFilter{Name: name, Status: backend.StatusActive})
	if err != nil {
		return false, ikerrors.NewUnknown(d.opts.Name, "deprecate", err)
	}

	var errs []error
	for _, img := range images {
		m, err := d.readMetadata(img.ID)
		if err == nil {
			m.Status = backend.StatusDisabled
			m.Visibility = defaults.DeprecatedVisibility
			err = writeMetadata(filepath.Join(d.root, img.ID), m)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		klog.V(2).Infof("backend %s: deprecated %s (%s)", d.opts.Name, name, img.ID)
	}
	if len(errs) > 0 {
		return false, ikerrors.NewUnknown(d.opts.Name, "deprecate", utilerrors.NewAggregate(errs))
	}
	return len(images) > 0, nil
}

func (d *driver) DeleteDisabled(ctx context.Context) ([]string, error) {
	images, err := d.ListImages(ctx, &backend.ImageFilter{Status: backend.StatusDisabled})
	if err != nil {
		return nil, err
	}

	var deleted []string
	var errs []error
	for _, img := range images {
		if err := os.RemoveAll(filepath.Join(d.root, img.ID)); err != nil {
			klog.Errorf("backend %s: unable to delete %s: %v", d.opts.Name, img.ID, err)
			errs = append(errs, ikerrors.NewDeleteFailed(d.opts.Name, img.ID, err))
			continue
		}
		deleted = append(deleted, img.ID)
	}
	return deleted, utilerrors.NewAggregate(errs)
}

func (d *driver) UpdateImage(ctx context.Context, a catalog.Appliance) (string, error) {
	return backend.ReplaceImage(ctx, d, d.opts.Artifacts, a)
}

func (d *driver) readMetadata(id string) (metadata, error) {
	var m metadata
	data, err := os.ReadFile(filepath.Join(d.root, id, metadataFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return m, fmt.Errorf("no %s", metadataFile)
		}
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("invalid %s: %w", metadataFile, err)
	}
	return m, nil
}

func writeMetadata(dir string, m metadata) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, metadataFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, metadataFile))
}

func (m metadata) toImage() backend.RegistryImage {
	return backend.RegistryImage{
		ID:         m.ID,
		Name:       m.Name,
		Status:     m.Status,
		Visibility: m.Visibility,
		MinRAM:     m.MinRAM,
		Tags:       m.Tags,
		CreatedAt:  m.CreatedAt,
	}
}
