package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rendis/advisor/internal/templates"
)

func newTemplatesCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "List or install the built-in workflow templates",
	}

	var serviceType, category string
	list := &cobra.Command{
		Use:   "list",
		Short: "List the template catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSERVICE TYPE\tCATEGORY\tSTEPS\tNAME")
			for _, def := range templates.All() {
				if serviceType != "" && def.ServiceType != serviceType {
					continue
				}
				if category != "" && def.Category != category {
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", def.ID, def.ServiceType, def.Category, len(def.ActiveSteps()), def.Name)
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&serviceType, "service-type", "", "filter by service type")
	list.Flags().StringVar(&category, "category", "", "filter by category")

	var overwrite bool
	install := &cobra.Command{
		Use:   "install [template-id...]",
		Short: "Install templates into the definition store (default: all)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				ids, err := templates.Install(cmd.Context(), a.store, overwrite, args...)
				for _, id := range ids {
					fmt.Fprintf(cmd.OutOrStdout(), "installed %s\n", id)
				}
				if err != nil {
					return err
				}
				if len(ids) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "nothing to install")
				}
				return nil
			})
		},
	}
	install.Flags().BoolVar(&overwrite, "overwrite", false, "replace workflows that already exist")

	cmd.AddCommand(list, install)
	return cmd
}
