package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/imagekeeper/imagekeeper/pkg/artifact"
	"github.com/imagekeeper/imagekeeper/pkg/backend/connectors"
	"github.com/imagekeeper/imagekeeper/pkg/catalog/formats"
	"github.com/imagekeeper/imagekeeper/pkg/plugin"
)

func (a *app) pluginsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List the connectors, image list formats and artifact schemes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.fail(a.runPlugins())
		},
	}
}

func (a *app) runPlugins() error {
	connectorRegistry, err := connectors.Registry()
	if err != nil {
		return err
	}
	formatRegistry, err := formats.Registry()
	if err != nil {
		return err
	}
	schemeRegistry, err := artifact.Schemes()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(a.out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "NAMESPACE\tTAG\tIMPLEMENTATION")
	printEntries(tw, connectorRegistry.Namespace(), connectorRegistry.Entries())
	printEntries(tw, formatRegistry.Namespace(), formatRegistry.Entries())
	printEntries(tw, schemeRegistry.Namespace(), schemeRegistry.Entries())
	return tw.Flush()
}

func printEntries[F any](tw *tabwriter.Writer, namespace string, entries []plugin.Entry[F]) {
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", namespace, e.Tag, e.Name)
	}
}
