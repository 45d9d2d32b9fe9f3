package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mattjoyce/gantry/internal/doctor"
	"github.com/spf13/cobra"
)

var (
	doctorWorkflowsDir string
	doctorJSON         bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check a deployment before running it",
	Long: "Validate the service configuration, collaborator entrypoints, secret\n" +
		"material, and workflow definitions together, without executing anything.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDoctor()
	},
}

func registerDoctorCommand(root *cobra.Command) {
	root.AddCommand(doctorCmd)

	doctorCmd.Flags().StringVarP(&doctorWorkflowsDir, "workflows", "w", "workflows", "Directory of workflow YAML files")
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "Output the report as JSON")
}

func runDoctor() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	r := doctor.New(cfg, doctorWorkflowsDir).Validate()

	if doctorJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(r); err != nil {
			return err
		}
	} else {
		for _, issue := range r.Errors {
			fmt.Printf("✗ [%s] %s", issue.Category, issue.Message)
			if issue.Field != "" {
				fmt.Printf(" (%s)", issue.Field)
			}
			fmt.Println()
		}
		for _, issue := range r.Warnings {
			fmt.Printf("! [%s] %s", issue.Category, issue.Message)
			if issue.Field != "" {
				fmt.Printf(" (%s)", issue.Field)
			}
			fmt.Println()
		}
		if r.Valid {
			fmt.Printf("✓ configuration is valid (%d warning(s))\n", len(r.Warnings))
		}
	}

	if !r.Valid {
		return fmt.Errorf("%d error(s) found", len(r.Errors))
	}
	return nil
}
