package backend

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"

	ikerrors "github.com/imagekeeper/imagekeeper/pkg/errors"
	"github.com/imagekeeper/imagekeeper/pkg/plugin"
)

//go:embed schema/backends.schema.json
var schemaBytes []byte

var (
	compiledSchema *jsonschema.Schema
	compileOnce    sync.Once
	compileErr     error
	printer        = message.NewPrinter(language.English)
)

// Config is one entry of the backend file.
type Config struct {
	Name       string                 `json:"name"`
	Type       string                 `json:"type"`
	Parameters map[string]interface{} `json:"parameters"`
}

// Backend is a configured registry with its connector. It lives for one
// reconciliation run.
type Backend struct {
	Config    Config
	Connector Connector
}

func getSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaBytes))
		if err != nil {
			compileErr = fmt.Errorf("unmarshaling schema JSON: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("backends.schema.json", doc); err != nil {
			compileErr = fmt.Errorf("adding schema resource: %w", err)
			return
		}
		compiledSchema, compileErr = c.Compile("backends.schema.json")
		if compileErr != nil {
			compileErr = fmt.Errorf("compiling schema: %w", compileErr)
		}
	})
	return compiledSchema, compileErr
}

// LoadConfigFile reads and validates the backend file at path. The whole
// file is rejected on any violation.
func LoadConfigFile(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ikerrors.NewBackendFileNotFound(path, err)
	}
	return ParseConfig(path, data)
}

// ParseConfig validates the JSON or YAML backend list in data. path is only
// used in messages.
func ParseConfig(path string, data []byte) ([]Config, error) {
	jsonData, err := yaml.YAMLToJSON(data)
	if err != nil {
		return nil, ikerrors.NewInvalidBackendFile(path, err)
	}
	if err := validate(jsonData); err != nil {
		return nil, ikerrors.NewInvalidBackendFile(path, err)
	}

	var configs []Config
	if err := yaml.UnmarshalStrict(jsonData, &configs); err != nil {
		return nil, ikerrors.NewInvalidBackendFile(path, err)
	}
	if len(configs) == 0 {
		return nil, ikerrors.NewNoBackendDefined(path)
	}
	if dups := duplicateNames(configs); len(dups) > 0 {
		return nil, ikerrors.NewDuplicateBackendName(path, dups)
	}

	klog.V(2).Infof("loaded %d backends from %s", len(configs), path)
	return configs, nil
}

func validate(jsonData []byte) error {
	schema, err := getSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(jsonData))
	if err != nil {
		return err
	}
	err = schema.Validate(inst)
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err
	}
	issues := collectIssues(ve, nil)
	if len(issues) == 0 {
		return ve
	}
	return fmt.Errorf("%s", strings.Join(issues, "; "))
}

// collectIssues flattens the leaves of a validation error tree.
func collectIssues(ve *jsonschema.ValidationError, issues []string) []string {
	if len(ve.Causes) == 0 {
		if ve.ErrorKind == nil {
			return issues
		}
		path := "/" + strings.Join(ve.InstanceLocation, "/")
		return append(issues, fmt.Sprintf("%s: %s", path, ve.ErrorKind.LocalizedString(printer)))
	}
	for _, cause := range ve.Causes {
		issues = collectIssues(cause, issues)
	}
	return issues
}

func duplicateNames(configs []Config) []string {
	seen := sets.New[string]()
	dups := sets.New[string]()
	for _, c := range configs {
		if seen.Has(c.Name) {
			dups.Insert(c.Name)
		}
		seen.Insert(c.Name)
	}
	return sets.List(dups)
}

// LoadBackends builds one Backend per config with the connector registered
// for its type. Nothing is returned unless every backend resolves.
func LoadBackends(configs []Config, connectors *plugin.Registry[ConnectorFactory], opts Options) ([]*Backend, error) {
	if len(configs) == 0 {
		return nil, ikerrors.NewNoBackendDefined("<none>")
	}
	if dups := duplicateNames(configs); len(dups) > 0 {
		return nil, ikerrors.NewDuplicateBackendName("<config>", dups)
	}

	backends := make([]*Backend, 0, len(configs))
	for _, c := range configs {
		newConnector, err := connectors.Resolve(c.Type)
		if err != nil {
			return nil, ikerrors.NewBackendNotFound(c.Name, c.Type, err)
		}
		o := opts
		o.Name = c.Name
		o.Parameters = c.Parameters
		connector, err := newConnector(o)
		if err != nil {
			return nil, ikerrors.Wrap(ikerrors.ReasonInvalidBackendFile, err, "backend %s has invalid parameters", c.Name)
		}
		klog.V(4).Infof("backend %s: type %s, parameters: %s", c.Name, c.Type, DumpParameters(c.Parameters))
		backends = append(backends, &Backend{Config: c, Connector: connector})
	}
	return backends, nil
}

// Names returns the sorted names of backends.
func Names(backends []*Backend) []string {
	names := make([]string, 0, len(backends))
	for _, b := range backends {
		names = append(names, b.Config.Name)
	}
	sort.Strings(names)
	return names
}
