// Package simple parses the native image list: a YAML or JSON sequence of
// appliances.
package simple

import (
	"fmt"
	"io"

	"sigs.k8s.io/yaml"

	"github.com/imagekeeper/imagekeeper/pkg/catalog"
)

// FeatureTag is the tag the format answers to.
const FeatureTag = "imagekeeper"

type format struct{}

// NewFormat returns the native image list parser.
func NewFormat() catalog.Format {
	return format{}
}

func (format) Parse(r io.Reader) ([]catalog.Appliance, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var list []catalog.Appliance
	if err := yaml.UnmarshalStrict(data, &list); err != nil {
		return nil, fmt.Errorf("unable to decode the image list: %w", err)
	}
	return list, nil
}
