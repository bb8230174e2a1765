package main

import (
	"github.com/imagekeeper/imagekeeper/pkg/artifact"
	"github.com/imagekeeper/imagekeeper/pkg/backend"
	"github.com/imagekeeper/imagekeeper/pkg/backend/connectors"
	"github.com/imagekeeper/imagekeeper/pkg/catalog"
	"github.com/imagekeeper/imagekeeper/pkg/catalog/formats"
	"github.com/imagekeeper/imagekeeper/pkg/parameters"
)

func newFetcher(g *parameters.Globals) (*artifact.Fetcher, error) {
	schemes, err := artifact.Schemes()
	if err != nil {
		return nil, err
	}
	return artifact.NewFetcher(schemes, artifact.Options{
		StoreDir: g.StoreDir,
		WorkDir:  g.WorkDir,
	}), nil
}

// loadBackends reads the backend file and builds a connector for every
// entry. No connector is contacted.
func loadBackends(g *parameters.Globals, artifacts backend.ArtifactOpener) ([]*backend.Backend, error) {
	configs, err := backend.LoadConfigFile(g.CloudList)
	if err != nil {
		return nil, err
	}
	registry, err := connectors.Registry()
	if err != nil {
		return nil, err
	}
	return backend.LoadBackends(configs, registry, backend.Options{
		DefaultMinRAM:     g.Image.MinRAM,
		DefaultVisibility: g.Image.Visibility,
		Artifacts:         artifacts,
	})
}

func loadCatalog(g *parameters.Globals) ([]catalog.Appliance, error) {
	registry, err := formats.Registry()
	if err != nil {
		return nil, err
	}
	return catalog.Load(g.ImageList, g.ImageListFormat, registry)
}
