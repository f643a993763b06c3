package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var catalogPath string

var rootCmd = &cobra.Command{
	Use:   "hookci-cli",
	Short: "hookci-cli is the command-line interface for HookCI.",
	Long:  `A CLI for administering the HookCI service: validating configuration and inspecting the job catalog.`,
}

func init() { //nolint:gochecknoinits // Cobra's init function for command registration
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&catalogPath, "catalog", "c", "jobs.yaml", "Path to the job catalog file")

	if err := viper.BindPFlag("JOB_CATALOG_PATH", rootCmd.PersistentFlags().Lookup("catalog")); err != nil {
		slog.Error("Error binding flag", "error", err)
		os.Exit(1)
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	viper.SetEnvPrefix("HOOKCI")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}
