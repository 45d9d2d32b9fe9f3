package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattjoyce/gantry/internal/tui/watch"
	"github.com/spf13/cobra"
)

var (
	watchAPIURL string
	watchAPIKey string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live terminal dashboard for a running gantry service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchService()
	},
}

func registerWatchCommand(root *cobra.Command) {
	root.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&watchAPIURL, "api-url", "http://127.0.0.1:8088", "Base URL of the gantry API")
	watchCmd.Flags().StringVar(&watchAPIKey, "api-key", os.Getenv("GANTRY_API_KEY"), "Bearer token for the API")
}

func watchService() error {
	p := tea.NewProgram(watch.New(watchAPIURL, watchAPIKey), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	return nil
}
