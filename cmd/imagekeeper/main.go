package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"k8s.io/component-base/cli"
	"k8s.io/klog/v2"

	"github.com/imagekeeper/imagekeeper/defaults"
	ikerrors "github.com/imagekeeper/imagekeeper/pkg/errors"
	"github.com/imagekeeper/imagekeeper/pkg/parameters"
	"github.com/imagekeeper/imagekeeper/pkg/version"
)

// Exit codes.
const (
	exitOK            = 0
	exitPartial       = 1
	exitConfiguration = 2
)

func main() {
	a := newApp(os.Stdout)
	code := cli.Run(a.command())
	if code != exitOK && a.exitCode != exitOK {
		code = a.exitCode
	}
	os.Exit(code)
}

// app carries the state shared by the subcommands of one invocation.
type app struct {
	v          *viper.Viper
	out        io.Writer
	configFile string
	exitCode   int
}

func newApp(out io.Writer) *app {
	v := viper.New()
	parameters.SetDefaults(v)
	v.SetEnvPrefix(defaults.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return &app{v: v, out: out}
}

func (a *app) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "imagekeeper",
		Short: "Keep a catalog of appliance images in sync across cloud image registries",
		Long: `imagekeeper reconciles the images of every configured cloud backend with a
declared image list. Superseded images are disabled before their replacement
is uploaded and deleted once the new version is in place.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.readConfigFile()
		},
		Run: func(cmd *cobra.Command, args []string) {
			if err := cmd.Help(); err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
		},
	}
	cmd.Version = version.String()

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "YAML file holding default values for the flags below")
	flags.String(parameters.KeyCloudList, defaults.CloudList, "file describing the cloud backends (JSON or YAML)")
	flags.String(parameters.KeyImageList, defaults.ImageList, "file listing the images to synchronize")
	flags.String(parameters.KeyImageListFormat, defaults.ImageListFormat, "format of the image list")
	flags.String(parameters.KeyStoreDir, defaults.StoreDir, "directory keeping downloaded images")
	flags.String(parameters.KeyWorkDir, defaults.WorkDir, "directory receiving downloads in progress")
	flags.Int(parameters.KeyDefaultMinRAM, defaults.MinRAM, "minimum RAM in MiB set on every new image")
	flags.String(parameters.KeyDefaultVisibility, defaults.Visibility, "visibility of new images")
	a.bind(flags)

	cmd.AddCommand(
		a.syncCommand(),
		a.validateCommand(),
		a.pluginsCommand(),
		a.versionCommand(),
	)
	return cmd
}

func (a *app) bind(flags *pflag.FlagSet) {
	if err := a.v.BindPFlags(flags); err != nil {
		klog.Fatalf("unable to bind flags: %v", err)
	}
}

func (a *app) readConfigFile() error {
	if a.configFile == "" {
		return nil
	}
	a.v.SetConfigFile(a.configFile)
	a.v.SetConfigType("yaml")
	if err := a.v.ReadInConfig(); err != nil {
		a.exitCode = exitConfiguration
		return fmt.Errorf("unable to read %s: %w", a.configFile, err)
	}
	klog.V(2).Infof("using configuration file %s", a.v.ConfigFileUsed())
	return nil
}

// globals assembles the configuration of this invocation.
func (a *app) globals() (*parameters.Globals, error) {
	g, err := parameters.FromViper(a.v)
	if err != nil {
		a.exitCode = exitConfiguration
		return nil, err
	}
	return g, nil
}

// fail records the exit code matching err and returns it.
func (a *app) fail(err error) error {
	if err == nil {
		return nil
	}
	if ikerrors.IsConfiguration(err) {
		a.exitCode = exitConfiguration
	} else if a.exitCode == exitOK {
		a.exitCode = exitPartial
	}
	return err
}

func (a *app) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of imagekeeper",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(a.out, version.String())
		},
	}
}
