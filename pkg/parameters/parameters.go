package parameters

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/imagekeeper/imagekeeper/defaults"
)

// Configuration keys, shared by flags, environment variables and the
// optional configuration file.
const (
	KeyCloudList         = "cloud-list"
	KeyImageList         = "image-list"
	KeyImageListFormat   = "image-format"
	KeyStoreDir          = "store-dir"
	KeyWorkDir           = "work-dir"
	KeyDefaultMinRAM     = "default-min-ram"
	KeyDefaultVisibility = "default-visibility"
	KeyWorkers           = "workers"
	KeyCallTimeout       = "call-timeout"
	KeyUploadTimeout     = "upload-timeout"
	KeyDryRun            = "dry-run"
	KeyPrune             = "prune"
	KeyInterval          = "interval"
	KeyMetricsPort       = "metrics-port"
	KeyMetricsTLSCert    = "metrics-tls-cert"
	KeyMetricsTLSKey     = "metrics-tls-key"
	KeyPushgateway       = "metrics-pushgateway"
	KeyTextfile          = "metrics-textfile"
	KeyOutput            = "output"
)

// Globals is the configuration of one imagekeeper process. It is built once
// at startup and handed to every component.
type Globals struct {
	CloudList       string
	ImageList       string
	ImageListFormat string
	StoreDir        string
	WorkDir         string
	Image           struct {
		MinRAM     int
		Visibility string
	}
	Reconcile struct {
		Workers       int
		CallTimeout   time.Duration
		UploadTimeout time.Duration
		DryRun        bool
		Prune         bool
		Interval      time.Duration
	}
	Metrics struct {
		Port        int
		TLSCert     string
		TLSKey      string
		Pushgateway string
		Textfile    string
	}
	Output string
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyCloudList, defaults.CloudList)
	v.SetDefault(KeyImageList, defaults.ImageList)
	v.SetDefault(KeyImageListFormat, defaults.ImageListFormat)
	v.SetDefault(KeyStoreDir, defaults.StoreDir)
	v.SetDefault(KeyWorkDir, defaults.WorkDir)
	v.SetDefault(KeyDefaultMinRAM, defaults.MinRAM)
	v.SetDefault(KeyDefaultVisibility, defaults.Visibility)
	v.SetDefault(KeyWorkers, defaults.Workers)
	v.SetDefault(KeyCallTimeout, defaults.CallTimeout)
	v.SetDefault(KeyUploadTimeout, defaults.UploadTimeout)
	v.SetDefault(KeyPrune, true)
	v.SetDefault(KeyOutput, "table")
}

// FromViper reads Globals out of v and validates them.
func FromViper(v *viper.Viper) (*Globals, error) {
	g := &Globals{}
	g.CloudList = v.GetString(KeyCloudList)
	g.ImageList = v.GetString(KeyImageList)
	g.ImageListFormat = v.GetString(KeyImageListFormat)
	g.StoreDir = v.GetString(KeyStoreDir)
	g.WorkDir = v.GetString(KeyWorkDir)
	g.Image.MinRAM = v.GetInt(KeyDefaultMinRAM)
	g.Image.Visibility = v.GetString(KeyDefaultVisibility)
	g.Reconcile.Workers = v.GetInt(KeyWorkers)
	g.Reconcile.CallTimeout = v.GetDuration(KeyCallTimeout)
	g.Reconcile.UploadTimeout = v.GetDuration(KeyUploadTimeout)
	g.Reconcile.DryRun = v.GetBool(KeyDryRun)
	g.Reconcile.Prune = v.GetBool(KeyPrune)
	g.Reconcile.Interval = v.GetDuration(KeyInterval)
	g.Metrics.Port = v.GetInt(KeyMetricsPort)
	g.Metrics.TLSCert = v.GetString(KeyMetricsTLSCert)
	g.Metrics.TLSKey = v.GetString(KeyMetricsTLSKey)
	g.Metrics.Pushgateway = v.GetString(KeyPushgateway)
	g.Metrics.Textfile = v.GetString(KeyTextfile)
	g.Output = v.GetString(KeyOutput)

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Validate checks the values that cannot be checked by their consumers.
func (g *Globals) Validate() error {
	var problems []string
	if g.CloudList == "" {
		problems = append(problems, KeyCloudList+" must not be empty")
	}
	if g.ImageList == "" {
		problems = append(problems, KeyImageList+" must not be empty")
	}
	if g.ImageListFormat == "" {
		problems = append(problems, KeyImageListFormat+" must not be empty")
	}
	if g.Image.MinRAM < 0 {
		problems = append(problems, fmt.Sprintf("%s must not be negative, got %d", KeyDefaultMinRAM, g.Image.MinRAM))
	}
	switch g.Image.Visibility {
	case "public", "private", "shared", "community":
	default:
		problems = append(problems, fmt.Sprintf("%s must be one of public, private, shared or community, got %q", KeyDefaultVisibility, g.Image.Visibility))
	}
	if g.Reconcile.Workers < 1 {
		problems = append(problems, fmt.Sprintf("%s must be at least 1, got %d", KeyWorkers, g.Reconcile.Workers))
	}
	if g.Reconcile.CallTimeout <= 0 || g.Reconcile.UploadTimeout <= 0 {
		problems = append(problems, KeyCallTimeout+" and "+KeyUploadTimeout+" must be positive")
	}
	if (g.Metrics.TLSCert == "") != (g.Metrics.TLSKey == "") {
		problems = append(problems, KeyMetricsTLSCert+" and "+KeyMetricsTLSKey+" must be set together")
	}
	switch g.Output {
	case "table", "yaml", "json":
	default:
		problems = append(problems, fmt.Sprintf("%s must be one of table, yaml or json, got %q", KeyOutput, g.Output))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
