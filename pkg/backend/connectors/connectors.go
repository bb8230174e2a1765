// Package connectors holds the registration table of backend connectors.
package connectors

import (
	"github.com/imagekeeper/imagekeeper/pkg/backend"
	"github.com/imagekeeper/imagekeeper/pkg/backend/connectors/filesystem"
	"github.com/imagekeeper/imagekeeper/pkg/backend/connectors/memory"
	"github.com/imagekeeper/imagekeeper/pkg/backend/connectors/openstack"
	"github.com/imagekeeper/imagekeeper/pkg/plugin"
)

var table = []plugin.Entry[backend.ConnectorFactory]{
	{Tag: openstack.FeatureTag, Name: "glance", Factory: openstack.NewConnector},
	{Tag: filesystem.FeatureTag, Factory: filesystem.NewConnector},
	{Tag: memory.FeatureTag, Name: "memory", Factory: memory.NewConnector},
}

// Registry returns the registry of the built-in connectors.
func Registry() (*plugin.Registry[backend.ConnectorFactory], error) {
	return plugin.Discover(backend.Namespace, table...)
}
