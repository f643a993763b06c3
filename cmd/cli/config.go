package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sevigo/hookci/internal/catalog"
	"github.com/sevigo/hookci/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Validate the service configuration and job catalog.",
	RunE: func(_ *cobra.Command, _ []string) error {
		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("%s configuration: %v\n", red("✗"), err)
			return err
		}
		fmt.Printf("%s configuration loaded\n", green("✓"))
		fmt.Printf("  server port:        %s\n", cfg.ServerPort)
		fmt.Printf("  worker pool:        %d x %d slots\n", cfg.Workers, cfg.WorkerConcurrency)
		fmt.Printf("  execution queue:    %d\n", cfg.QueueSize)
		fmt.Printf("  state retention:    %s\n", cfg.Retention)
		fmt.Printf("  state persistence:  %t\n", cfg.Persistence)

		if _, err := catalog.Load(cfg.CatalogPath); err != nil {
			fmt.Printf("%s job catalog %s: %v\n", red("✗"), cfg.CatalogPath, err)
			return err
		}
		fmt.Printf("%s job catalog %s is valid\n", green("✓"), cfg.CatalogPath)
		return nil
	},
}

func init() { //nolint:gochecknoinits // Cobra's init function for command registration
	rootCmd.AddCommand(configCmd)
}
