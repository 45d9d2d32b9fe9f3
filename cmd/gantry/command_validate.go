package main

import (
	"fmt"
	"strings"

	"github.com/mattjoyce/gantry/internal/graph"
	"github.com/mattjoyce/gantry/internal/workflow"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate <workflow.yaml> [more...]",
	Short: "Validate workflow definitions",
	Long:  "Parse, schema-check, and dependency-resolve one or more workflow files without running anything.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return validateWorkflows(args)
	},
}

func registerValidateCommand(root *cobra.Command) {
	root.AddCommand(validateCmd)
}

func validateWorkflows(paths []string) error {
	failed := 0
	for _, path := range paths {
		wf, err := workflow.Load(path)
		if err != nil {
			fmt.Printf("✗ %s: %v\n", path, err)
			failed++
			continue
		}
		g, err := graph.Resolve(wf)
		if err != nil {
			fmt.Printf("✗ %s: %v\n", path, err)
			failed++
			continue
		}
		fmt.Printf("✓ %s\n", path)
		fmt.Printf("  name:        %s\n", wf.Name)
		fmt.Printf("  fingerprint: %s\n", wf.Fingerprint)
		fmt.Printf("  events:      %s\n", strings.Join(wf.Events, ", "))
		fmt.Printf("  jobs:        %s\n", strings.Join(g.Order, " → "))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d workflow(s) invalid", failed, len(paths))
	}
	return nil
}
