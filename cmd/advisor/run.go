package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rendis/advisor/internal/engine"
)

func newRunCmd(c *cli) *cobra.Command {
	var (
		req       engine.RunRequest
		input     string
		inputFile string
	)

	cmd := &cobra.Command{
		Use:   "run <workflow-id>",
		Short: "Execute a workflow and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.WorkflowID = args[0]
			data, err := parseInput(input, inputFile)
			if err != nil {
				return err
			}
			req.InputData = data

			return c.withApp(cmd.Context(), func(a *app) error {
				res, err := a.runner.ExecuteWorkflow(cmd.Context(), req)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				if !res.Success {
					return fmt.Errorf("execution did not complete: %v", res.Error)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.PracticeID, "practice", "", "practice id (required)")
	cmd.Flags().StringVar(&req.ClientID, "client-id", "", "client id")
	cmd.Flags().StringVar(&req.ClientName, "client-name", "", "client name used in prompts")
	cmd.Flags().StringVar(&req.ExecutedBy, "executed-by", "cli", "who started the execution")
	cmd.Flags().StringVar(&input, "input", "", "input data as a JSON object")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "input data file (JSON or YAML)")
	_ = cmd.MarkFlagRequired("practice")
	cmd.MarkFlagsMutuallyExclusive("input", "input-file")
	return cmd
}

// parseInput reads run input from an inline JSON object or a JSON/YAML file.
func parseInput(inline, file string) (map[string]any, error) {
	switch {
	case inline != "":
		var data map[string]any
		if err := json.Unmarshal([]byte(inline), &data); err != nil {
			return nil, fmt.Errorf("--input must be a JSON object: %w", err)
		}
		return data, nil
	case file != "":
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read input file: %w", err)
		}
		var data map[string]any
		if err := yaml.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("parse input file %s: %w", file, err)
		}
		return data, nil
	default:
		return nil, nil
	}
}
