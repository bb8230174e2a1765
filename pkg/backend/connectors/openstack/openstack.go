// Package openstack implements a connector for the OpenStack Image service
// (Glance v2).
//
// Glance only lets administrators deactivate images, so a DISABLED image is
// one carrying the imagekeeper.status=DISABLED property. Its visibility is
// lowered at the same time.
package openstack

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack"
	"github.com/gophercloud/gophercloud/v2/openstack/image/v2/imagedata"
	"github.com/gophercloud/gophercloud/v2/openstack/image/v2/images"
	"golang.org/x/time/rate"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	"k8s.io/utils/ptr"

	"github.com/imagekeeper/imagekeeper/defaults"
	"github.com/imagekeeper/imagekeeper/pkg/backend"
	"github.com/imagekeeper/imagekeeper/pkg/catalog"
	ikerrors "github.com/imagekeeper/imagekeeper/pkg/errors"
)

// FeatureTag is the tag the connector answers to.
const FeatureTag = "openstack"

const (
	listPageSize       = 100
	activePollInterval = 2 * time.Second

	// imageStatusUploading is reported by Glance while a staged import
	// receives its data.
	imageStatusUploading images.ImageStatus = "uploading"
)

type driver struct {
	opts backend.Options

	region        string
	availability  string
	diskFormat    string
	minRAM        int
	visibility    string
	activeTimeout time.Duration
	limiter       *rate.Limiter

	client *gophercloud.ServiceClient
}

var _ backend.Connector = &driver{}

// NewConnector returns a Glance connector. Authentication options are
// checked by Connect.
func NewConnector(opts backend.Options) (backend.Connector, error) {
	d := &driver{
		opts:         opts,
		region:       opts.String("region"),
		availability: opts.String("interface"),
		diskFormat:   opts.String("disk_format"),
		visibility:   opts.String("visibility"),
		limiter:      rate.NewLimiter(rate.Inf, 1),
	}
	if d.visibility == "" {
		d.visibility = opts.DefaultVisibility
	}
	if d.visibility == "" {
		d.visibility = defaults.Visibility
	}

	var err error
	if d.minRAM, err = opts.Int("min_ram", opts.DefaultMinRAM); err != nil {
		return nil, err
	}
	if d.activeTimeout, err = opts.Duration("active_timeout", 0); err != nil {
		return nil, err
	}
	rps, err := opts.Float("rate_limit", 0)
	if err != nil {
		return nil, err
	}
	if rps > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return d, nil
}

func (d *driver) Connect(ctx context.Context) error {
	provider, err := d.authenticate(ctx)
	if err != nil {
		return err
	}
	client, err := openstack.NewImageV2(provider, gophercloud.EndpointOpts{
		Region:       d.region,
		Availability: availability(d.availability),
	})
	if err != nil {
		return ikerrors.NewAuthFailed(d.opts.Name, fmt.Errorf("no image service endpoint: %w", err))
	}
	d.client = client
	klog.V(2).Infof("backend %s: connected to %s", d.opts.Name, client.Endpoint)
	return nil
}

func availability(name string) gophercloud.Availability {
	switch strings.TrimSuffix(strings.ToLower(name), "url") {
	case "internal":
		return gophercloud.AvailabilityInternal
	case "admin":
		return gophercloud.AvailabilityAdmin
	}
	return gophercloud.AvailabilityPublic
}

func (d *driver) throttle(ctx context.Context) error {
	return d.limiter.Wait(ctx)
}

func (d *driver) ListImages(ctx context.Context, filter *backend.ImageFilter) ([]backend.RegistryImage, error) {
	list := []backend.RegistryImage{}
	if d.client == nil {
		return list, ikerrors.NewImageListFailed(d.opts.Name, fmt.Errorf("not connected"))
	}
	if err := d.throttle(ctx); err != nil {
		return list, ikerrors.NewImageListFailed(d.opts.Name, err)
	}

	opts := images.ListOpts{Limit: listPageSize}
	if filter != nil {
		opts.Name = filter.Name
	}
	pages, err := images.List(d.client, opts).AllPages(ctx)
	if err != nil {
		klog.Errorf("not authorized to retrieve the image list from the backend %s: %v", d.opts.Name, err)
		return list, ikerrors.NewImageListFailed(d.opts.Name, err)
	}
	all, err := images.ExtractImages(pages)
	if err != nil {
		return list, ikerrors.NewImageListFailed(d.opts.Name, err)
	}

	for _, img := range all {
		ri, ok := toRegistryImage(img)
		if ok && filter.Matches(ri) {
			list = append(list, ri)
		}
	}
	backend.SortImages(list)
	return list, nil
}

func (d *driver) AddImage(ctx context.Context, a catalog.Appliance) (string, error) {
	if d.client == nil {
		return "", ikerrors.NewUnknown(d.opts.Name, "add", fmt.Errorf("not connected"))
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

	diskFormat := a.DiskFormat()
	if a.Format == "" && d.diskFormat != "" {
		diskFormat = d.diskFormat
	}
	props := a.ManagedTags()
	props[defaults.TagStatus] = string(backend.StatusActive)

	if err := d.throttle(ctx); err != nil {
		return "", err
	}
	img, err := images.Create(ctx, d.client, images.CreateOpts{
		Name:            a.Title,
		DiskFormat:      diskFormat,
		ContainerFormat: a.ContainerFormatOrDefault(),
		Visibility:      ptr.To(images.ImageVisibility(d.visibility)),
		MinRAM:          a.EffectiveMinRAM(d.minRAM),
		Protected:       ptr.To(false),
		Properties:      props,
	}).Extract()
	if err != nil {
		return "", ikerrors.NewUnknown(d.opts.Name, "create", err)
	}
	klog.V(6).Infof("backend %s: created image %s", d.opts.Name, spew.Sdump(img))

	if err := d.throttle(ctx); err != nil {
		d.discard(img.ID)
		return "", err
	}
	if err := imagedata.Upload(ctx, d.client, img.ID, src).ExtractErr(); err != nil {
		d.discard(img.ID)
		return "", ikerrors.NewUnknown(d.opts.Name, "upload", err)
	}

	if d.activeTimeout > 0 {
		if err := d.waitActive(ctx, img.ID); err != nil {
			return img.ID, ikerrors.NewUnknown(d.opts.Name, "upload", err)
		}
	}
	klog.Infof("backend %s: added %s as %s", d.opts.Name, a.Title, img.ID)
	return img.ID, nil
}

// discard deletes an image whose upload failed.
func (d *driver) discard(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := images.Delete(ctx, d.client, id).ExtractErr(); err != nil {
		klog.Warningf("backend %s: unable to delete the incomplete image %s: %v", d.opts.Name, id, err)
	}
}

func (d *driver) waitActive(ctx context.Context, id string) error {
	return wait.PollUntilContextTimeout(ctx, activePollInterval, d.activeTimeout, true, func(ctx context.Context) (bool, error) {
		img, err := images.Get(ctx, d.client, id).Extract()
		if err != nil {
			return false, err
		}
		switch img.Status {
		case images.ImageStatusActive:
			return true, nil
		case images.ImageStatusKilled, images.ImageStatusDeleted, images.ImageStatusPendingDelete:
			return false, fmt.Errorf("image %s ended up %s", id, img.Status)
		}
		klog.V(4).Infof("backend %s: image %s is %s", d.opts.Name, id, img.Status)
		return false, nil
	})
}

func (d *driver) DeprecateImage(ctx context.Context, name string) (bool, error) {
	active, err := d.ListImages(ctx, &backend.ImageFilter{Name: name, Status: backend.StatusActive})
	if err != nil {
		return false, ikerrors.NewUnknown(d.opts.Name, "deprecate", err)
	}

	var errs []error
	for _, img := range active {
		op := images.AddOp
		if _, ok := img.Tags[defaults.TagStatus]; ok {
			op = images.ReplaceOp
		}
		if err := d.throttle(ctx); err != nil {
			errs = append(errs, err)
			break
		}
		_, err := images.Update(ctx, d.client, img.ID, images.UpdateOpts{
			images.UpdateImageProperty{Op: op, Name: defaults.TagStatus, Value: string(backend.StatusDisabled)},
			images.UpdateVisibility{Visibility: images.ImageVisibility(defaults.DeprecatedVisibility)},
		}).Extract()
		if err != nil {
			errs = append(errs, fmt.Errorf("image %s: %w", img.ID, err))
			continue
		}
		klog.Infof("backend %s: deprecated %s (%s)", d.opts.Name, name, img.ID)
	}
	if len(errs) > 0 {
		return false, ikerrors.NewUnknown(d.opts.Name, "deprecate", utilerrors.NewAggregate(errs))
	}
	return len(active) > 0, nil
}

func (d *driver) DeleteDisabled(ctx context.Context) ([]string, error) {
	disabled, err := d.ListImages(ctx, &backend.ImageFilter{Status: backend.StatusDisabled})
	if err != nil {
		return nil, err
	}

	var deleted []string
	var errs []error
	for _, img := range disabled {
		if err := d.throttle(ctx); err != nil {
			errs = append(errs, err)
			break
		}
		if err := images.Delete(ctx, d.client, img.ID).ExtractErr(); err != nil {
			klog.Errorf("backend %s: unable to delete %s (%s): %v", d.opts.Name, img.Name, img.ID, err)
			errs = append(errs, ikerrors.NewDeleteFailed(d.opts.Name, img.ID, err))
			continue
		}
		klog.Infof("backend %s: deleted %s (%s)", d.opts.Name, img.Name, img.ID)
		deleted = append(deleted, img.ID)
	}
	return deleted, utilerrors.NewAggregate(errs)
}

func (d *driver) UpdateImage(ctx context.Context, a catalog.Appliance) (string, error) {
	return backend.ReplaceImage(ctx, d, d.opts.Artifacts, a)
}

// toRegistryImage maps a Glance image. Only images holding usable data are
// ACTIVE; images whose creation or upload went wrong are DISABLED so that the
// cleanup removes them. Images already on their way out are not reported.
func toRegistryImage(img images.Image) (backend.RegistryImage, bool) {
	tags := make(map[string]string, len(img.Properties))
	for k, v := range img.Properties {
		if s, ok := v.(string); ok {
			tags[k] = s
		}
	}

	var status backend.Status
	switch img.Status {
	case images.ImageStatusActive, images.ImageStatusSaving, images.ImageStatusImporting, imageStatusUploading:
		status = backend.StatusActive
		if tags[defaults.TagStatus] == string(backend.StatusDisabled) {
			status = backend.StatusDisabled
		}
	case images.ImageStatusDeleted, images.ImageStatusPendingDelete:
		return backend.RegistryImage{}, false
	default:
		// queued, killed, deactivated
		status = backend.StatusDisabled
	}

	return backend.RegistryImage{
		ID:         img.ID,
		Name:       img.Name,
		Status:     status,
		Visibility: string(img.Visibility),
		MinRAM:     img.MinRAMMegabytes,
		Tags:       tags,
		CreatedAt:  img.CreatedAt,
	}, true
}
