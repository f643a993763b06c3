package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sevigo/hookci/internal/catalog"
	"github.com/sevigo/hookci/internal/core"
)

var jobsRepo string

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List the jobs the catalog configures for a repository.",
	RunE: func(_ *cobra.Command, _ []string) error {
		cat, err := catalog.Load(viper.GetString("JOB_CATALOG_PATH"))
		if err != nil {
			return fmt.Errorf("failed to load job catalog: %w", err)
		}

		bold := color.New(color.Bold).SprintFunc()
		cyan := color.New(color.FgCyan).SprintFunc()

		fmt.Printf("Jobs for %s:\n", bold(jobsRepo))
		for _, name := range cat.Names(jobsRepo) {
			spec, _ := cat.Lookup(jobsRepo, name)

			triggers := make([]string, 0, len(spec.Triggers))
			for _, t := range spec.Triggers {
				triggers = append(triggers, string(t))
			}

			fmt.Printf("  %s\n", cyan(spec.Name))
			fmt.Printf("    triggers:     %s\n", strings.Join(triggers, ", "))
			if spec.RequireLabel != "" {
				fmt.Printf("    gate label:   %s\n", spec.RequireLabel)
			}
			fmt.Printf("    command:      %s\n", strings.Join(spec.Command, " "))
			fmt.Printf("    timeout:      %s\n", spec.Timeout)
			fmt.Printf("    max attempts: %d\n", spec.MaxAttempts)
		}

		for _, kind := range []core.EventKind{core.EventOpened, core.EventSynchronize, core.EventComment} {
			specs := cat.JobsFor(jobsRepo, kind, nil)
			names := make([]string, 0, len(specs))
			for _, s := range specs {
				names = append(names, s.Name)
			}
			fmt.Printf("on %-11s -> %s\n", kind, strings.Join(names, ", "))
		}
		return nil
	},
}

func init() { //nolint:gochecknoinits // Cobra's init function for command registration
	jobsCmd.Flags().StringVarP(&jobsRepo, "repo", "r", "", "Repository full name (owner/name)")
	_ = jobsCmd.MarkFlagRequired("repo")
	rootCmd.AddCommand(jobsCmd)
}
