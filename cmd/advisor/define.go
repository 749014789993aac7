package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/advisor/pkg/schema"
)

func newDefineCmd(c *cli) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "define <file|->",
		Short: "Validate and store a workflow definition (JSON or YAML)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readDocument(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			return c.withApp(cmd.Context(), func(a *app) error {
				def, result, err := a.validator.ParseDefinition(data)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				printIssues(out, result)
				if !result.Valid() {
					return result.ToError(schema.ErrCodeInvalidDefinition)
				}
				if dryRun {
					fmt.Fprintf(out, "%s is valid (%d active steps)\n", def.ID, len(def.ActiveSteps()))
					return nil
				}
				if err := a.store.SaveWorkflow(cmd.Context(), def); err != nil {
					return err
				}
				fmt.Fprintf(out, "stored %s (%d active steps)\n", def.ID, len(def.ActiveSteps()))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate only")
	return cmd
}

func readDocument(stdin io.Reader, arg string) ([]byte, error) {
	if arg == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(arg)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	return data, nil
}

func printIssues(w io.Writer, r *schema.ValidationResult) {
	for _, e := range r.Errors {
		fmt.Fprintf(w, "error   %s [%s] %s\n", e.Path, e.Code, e.Message)
	}
	for _, e := range r.Warnings {
		fmt.Fprintf(w, "warning %s [%s] %s\n", e.Path, e.Code, e.Message)
	}
}
