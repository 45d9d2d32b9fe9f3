package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "gantry",
	Short: "Workflow orchestrator: YAML pipelines over external collaborators",
	Long: "gantry compiles YAML workflow definitions into dependency DAGs and drives\n" +
		"them to completion, delegating each job to an external collaborator process.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gantry version %s\n", version)
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file")
	rootCmd.AddCommand(versionCmd)

	registerValidateCommand(rootCmd)
	registerDoctorCommand(rootCmd)
	registerRunCommand(rootCmd)
	registerServeCommand(rootCmd)
	registerWatchCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
