package artifact

import "github.com/imagekeeper/imagekeeper/pkg/plugin"

var table = []plugin.Entry[SourceFactory]{
	{Tag: "http", Factory: NewHTTPSource},
	{Tag: "https", Factory: NewHTTPSource},
	{Tag: "s3", Name: "aws-s3", Factory: NewS3Source},
	{Tag: "gs", Name: "google-cloud-storage", Factory: NewGCSSource},
	{Tag: "azblob", Name: "azure-blob", Factory: NewAzureBlobSource},
}

// Schemes returns the registry of the built-in remote artifact schemes.
func Schemes() (*plugin.Registry[SourceFactory], error) {
	return plugin.Discover(Namespace, table...)
}
