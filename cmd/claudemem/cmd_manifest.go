package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"claudemem/internal/config"
	"claudemem/internal/ids"
	"claudemem/internal/manifest"
	"claudemem/internal/router"
)

var (
	manifestProject string
	manifestPrompt  string
	manifestLimit   int
)

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "context manifest assembly commands (spec §4.11)",
}

var manifestBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "build the token-budgeted context manifest for a project/prompt pair",
	Long: `build gathers a project's most recent observations and assembles the
progressively-disclosed, token-budgeted manifest text spec §4.11
describes, printing it to stdout for the hook that injects it into the
next agent turn.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		project := manifestProject
		if project == "" {
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("resolve cwd: %w", err)
			}
			project = wd
		}
		canonical, err := ids.CanonicalizePath(project)
		if err != nil {
			return fmt.Errorf("canonicalize project: %w", err)
		}

		projectDBPath := filepath.Join(canonical, ".oc", "memory.db")
		globalDBPath := filepath.Join(cfg.Home, "index.db")
		rt, err := router.Open(cfg.Router, projectDBPath, globalDBPath)
		if err != nil {
			return fmt.Errorf("open router: %w", err)
		}
		rt.SetMetrics(metrics)
		defer rt.Close()

		results, err := rt.Recent(manifestLimit)
		if err != nil {
			return fmt.Errorf("fetch recent observations: %w", err)
		}

		text := manifest.Build(cfg.Manifest, config.InjectionEnabled(true), results, nil, manifestPrompt, canonical)
		fmt.Println(text)
		return nil
	},
}

func init() {
	manifestBuildCmd.Flags().StringVar(&manifestProject, "project", "", "project root (defaults to cwd)")
	manifestBuildCmd.Flags().StringVar(&manifestPrompt, "prompt", "", "the upcoming user prompt, used for semantic overlap scoring")
	manifestBuildCmd.Flags().IntVar(&manifestLimit, "limit", 0, "max candidate observations to consider (0 uses the configured default)")
	manifestCmd.AddCommand(manifestBuildCmd)
}
