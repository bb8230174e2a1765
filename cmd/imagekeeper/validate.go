package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/imagekeeper/imagekeeper/pkg/backend"
	"github.com/imagekeeper/imagekeeper/pkg/catalog"
)

func (a *app) validateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the backend file and the image list without contacting any backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runValidate()
		},
	}
}

func (a *app) runValidate() error {
	g, err := a.globals()
	if err != nil {
		return err
	}
	backends, err := loadBackends(g, nil)
	if err != nil {
		return a.fail(err)
	}
	appliances, err := loadCatalog(g)
	if err != nil {
		return a.fail(err)
	}

	fmt.Fprintf(a.out, "%s: %d backends (%s)\n", g.CloudList, len(backends), strings.Join(backend.Names(backends), ", "))
	fmt.Fprintf(a.out, "%s: %d appliances (%s)\n", g.ImageList, len(appliances), strings.Join(catalog.Titles(appliances), ", "))

	dups := catalog.Duplicates(appliances)
	if len(dups) == 0 {
		return nil
	}
	var titles []string
	for title, n := range dups {
		titles = append(titles, fmt.Sprintf("%s (%d times)", title, n))
	}
	sort.Strings(titles)
	return a.fail(fmt.Errorf("appliances declared more than once will be skipped: %s", strings.Join(titles, ", ")))
}
