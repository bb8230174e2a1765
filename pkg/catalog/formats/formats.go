// Package formats holds the registration table of image list formats.
package formats

import (
	"github.com/imagekeeper/imagekeeper/pkg/catalog"
	"github.com/imagekeeper/imagekeeper/pkg/catalog/formats/helixnebula"
	"github.com/imagekeeper/imagekeeper/pkg/catalog/formats/simple"
	"github.com/imagekeeper/imagekeeper/pkg/plugin"
)

var table = []plugin.Entry[catalog.FormatFactory]{
	{Tag: helixnebula.FeatureTag, Name: "HelixNebula", Factory: helixnebula.NewFormat},
	{Tag: simple.FeatureTag, Name: "ImageKeeper", Factory: simple.NewFormat},
}

// Registry returns the registry of the built-in image list formats.
func Registry() (*plugin.Registry[catalog.FormatFactory], error) {
	return plugin.Discover(catalog.Namespace, table...)
}
