// Package catalog reads the desired image list.
//
// The on-disk syntax is handled by a Format selected by feature tag. Whatever
// the format, the result is a list of Appliance descriptors.
package catalog

import (
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"

	"k8s.io/klog/v2"

	"github.com/imagekeeper/imagekeeper/defaults"
	ikerrors "github.com/imagekeeper/imagekeeper/pkg/errors"
	"github.com/imagekeeper/imagekeeper/pkg/plugin"
)

// Appliance describes an image that should exist on every backend.
type Appliance struct {
	// Title is the name of the image on the backends.
	Title string `json:"title"`
	// Format is the disk format, e.g. qcow2 or raw.
	Format string `json:"format"`
	// ContainerFormat defaults to bare.
	ContainerFormat string `json:"containerFormat,omitempty"`
	// Location references the artifact to upload.
	Location string `json:"location"`
	// MinRAM is the minimum amount of RAM in MiB.
	MinRAM *int `json:"minRam,omitempty"`
	// Version is an optional version declared by the image list.
	Version string `json:"version,omitempty"`
	// Checksum is an optional "sha512:<hex>" or "sha256:<hex>" digest of the
	// artifact.
	Checksum string `json:"checksum,omitempty"`
	// Tags are copied onto the image.
	Tags map[string]string `json:"tags,omitempty"`
}

// DiskFormat returns the disk format, falling back to the default one.
func (a Appliance) DiskFormat() string {
	if a.Format == "" {
		return defaults.DiskFormat
	}
	return strings.ToLower(a.Format)
}

// ContainerFormatOrDefault returns the container format, falling back to the
// default one.
func (a Appliance) ContainerFormatOrDefault() string {
	if a.ContainerFormat == "" {
		return defaults.ContainerFormat
	}
	return a.ContainerFormat
}

// EffectiveMinRAM returns max(defaultMinRAM, a.MinRAM).
func (a Appliance) EffectiveMinRAM(defaultMinRAM int) int {
	if a.MinRAM != nil && *a.MinRAM > defaultMinRAM {
		return *a.MinRAM
	}
	return defaultMinRAM
}

// ManagedTags returns the tags to set on an image created for a. They are
// the appliance tags plus the tags used to detect changes.
func (a Appliance) ManagedTags() map[string]string {
	tags := make(map[string]string, len(a.Tags)+4)
	for k, v := range a.Tags {
		tags[k] = v
	}
	tags[defaults.TagLocation] = a.Location
	tags[defaults.TagFormat] = a.DiskFormat()
	if a.Version != "" {
		tags[defaults.TagVersion] = a.Version
	}
	if a.Checksum != "" {
		tags[defaults.TagChecksum] = a.Checksum
	}
	return tags
}

// Changes describes how the managed tags of an image differ from a. An empty
// result means the image already holds the content a declares.
func (a Appliance) Changes(image map[string]string) string {
	return DiffTags(pick(image, changeKeys), pick(a.ManagedTags(), changeKeys))
}

// Format parses one image list syntax.
type Format interface {
	Parse(r io.Reader) ([]Appliance, error)
}

// FormatFactory builds a Format.
type FormatFactory func() Format

// Namespace is the plugin namespace of image list formats. Exactly one format
// must answer to the configured tag.
var Namespace = plugin.Namespace{Name: "image list format", Policy: plugin.ExactlyOneAtResolve}

// Load reads the image list at path with the format registered for tag.
func Load(path, tag string, formats *plugin.Registry[FormatFactory]) ([]Appliance, error) {
	newFormat, err := formats.Resolve(tag)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, ikerrors.NewImageListFileNotFound(path, err)
	}
	defer f.Close()

	appliances, err := newFormat().Parse(f)
	if err != nil {
		return nil, ikerrors.NewInvalidImageList(path, err)
	}
	if len(appliances) == 0 {
		return nil, ikerrors.NewNoImageFound(path)
	}

	for i, a := range appliances {
		if strings.TrimSpace(a.Title) == "" {
			return nil, ikerrors.NewInvalidImageList(path, fmt.Errorf("image %d has no title", i))
		}
		if strings.TrimSpace(a.Location) == "" {
			return nil, ikerrors.NewInvalidImageList(path, fmt.Errorf("image %q has no location", a.Title))
		}
		if a.MinRAM != nil && *a.MinRAM < 0 {
			return nil, ikerrors.NewInvalidImageList(path, fmt.Errorf("image %q has a negative minimum RAM", a.Title))
		}
	}

	klog.V(2).Infof("loaded %d appliances from %s (format %s)", len(appliances), path, tag)
	return appliances, nil
}

// Duplicates returns the titles declared more than once, with their count.
func Duplicates(appliances []Appliance) map[string]int {
	counts := make(map[string]int, len(appliances))
	for _, a := range appliances {
		counts[a.Title]++
	}
	dups := map[string]int{}
	for title, n := range counts {
		if n > 1 {
			dups[title] = n
		}
	}
	return dups
}

// Titles returns the sorted titles of appliances.
func Titles(appliances []Appliance) []string {
	titles := make([]string, 0, len(appliances))
	for _, a := range appliances {
		titles = append(titles, a.Title)
	}
	sort.Strings(titles)
	return titles
}

// ConvertRAM converts a RAM amount in bytes to the nearest upper integer in
// megabytes.
func ConvertRAM(bytes int64) int {
	return int(math.Ceil(float64(bytes) / 1048576))
}
