// Package helixnebula parses the HelixNebula image list, the hv:imagelist
// document published by AppDB for the EGI federated cloud.
package helixnebula

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"k8s.io/klog/v2"

	"github.com/imagekeeper/imagekeeper/pkg/catalog"
)

// FeatureTag is the tag the format answers to.
const FeatureTag = "helixnebula"

// Tags copied from an image entry onto the appliance.
var copiedTags = map[string]string{
	"ad:mpuri":      "mpuri",
	"sl:os":         "os",
	"sl:osname":     "os_distro",
	"sl:osversion":  "os_version",
	"sl:arch":       "architecture",
	"hv:hypervisor": "hypervisor_type",
}

// value accepts both JSON strings and numbers, the list uses either.
type value string

func (v *value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*v = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = value(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected a string or a number, got %s", data)
	}
	*v = value(n.String())
	return nil
}

type document struct {
	ImageList *struct {
		Title  value `json:"dc:title"`
		Images []struct {
			Image map[string]value `json:"hv:image"`
		} `json:"hv:images"`
	} `json:"hv:imagelist"`
}

type format struct{}

// NewFormat returns the HelixNebula parser.
func NewFormat() catalog.Format {
	return format{}
}

func (format) Parse(r io.Reader) ([]catalog.Appliance, error) {
	var doc document
	dec := json.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("unable to decode the image list: %w", err)
	}
	if doc.ImageList == nil {
		return nil, fmt.Errorf("the document has no hv:imagelist")
	}

	klog.V(4).Infof("parsing image list %q with %d images", doc.ImageList.Title, len(doc.ImageList.Images))

	appliances := make([]catalog.Appliance, 0, len(doc.ImageList.Images))
	for i, entry := range doc.ImageList.Images {
		a, err := toAppliance(entry.Image)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		appliances = append(appliances, a)
	}
	return appliances, nil
}

func toAppliance(image map[string]value) (catalog.Appliance, error) {
	a := catalog.Appliance{
		Title:    strings.TrimSpace(string(image["dc:title"])),
		Format:   strings.ToLower(string(image["hv:format"])),
		Location: string(image["hv:uri"]),
		Version:  string(image["hv:version"]),
		Tags:     map[string]string{},
	}

	if ram := string(image["hv:ram_minimum"]); ram != "" {
		size, err := strconv.ParseFloat(ram, 64)
		if err != nil {
			return a, fmt.Errorf("invalid hv:ram_minimum %q: %w", ram, err)
		}
		mib := catalog.ConvertRAM(int64(size))
		a.MinRAM = &mib
	}

	if sum := string(image["sl:checksum:sha512"]); sum != "" {
		a.Checksum = "sha512:" + strings.ToLower(sum)
	}

	for from, to := range copiedTags {
		if v := string(image[from]); v != "" {
			a.Tags[to] = v
		}
	}
	if id := string(image["dc:identifier"]); id != "" {
		a.Tags["appdb_id"] = id
	}
	return a, nil
}
