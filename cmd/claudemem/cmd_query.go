package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"claudemem/internal/core"
	"claudemem/internal/router"
	"claudemem/internal/types"
)

var (
	queryProject    string
	queryScope      string
	queryLimit      int
	queryTypes      string
	queryNoHybrid   bool
)

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "run a scoped, hybrid-ranked search against a project's memory (spec §4.8-§4.9)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		project := queryProject
		if project == "" {
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("resolve cwd: %w", err)
			}
			project = wd
		}

		c, err := core.Open(cfg, project, core.Dependencies{})
		if err != nil {
			return fmt.Errorf("open core: %w", err)
		}
		defer c.Close()
		c.Router.SetMetrics(metrics)
		c.Outbox.SetMetrics(metrics)

		var obsTypes []types.ObservationType
		if queryTypes != "" {
			for _, t := range strings.Split(queryTypes, ",") {
				obsTypes = append(obsTypes, types.ObservationType(strings.TrimSpace(t)))
			}
		}

		opt := router.Options{
			Scope: router.Scope(queryScope),
			Types: obsTypes,
			Limit: queryLimit,
		}

		scored, err := c.Search(args[0], opt, cfg.Hybrid, !queryNoHybrid, queryLimit)
		if err != nil {
			return fmt.Errorf("search: %w", err)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(scored)
	},
}

func init() {
	queryCmd.Flags().StringVar(&queryProject, "project", "", "project root (defaults to cwd)")
	queryCmd.Flags().StringVar(&queryScope, "scope", string(router.ScopeProject), "query scope: branch|project|global")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 0, "max results (0 uses the configured default)")
	queryCmd.Flags().StringVar(&queryTypes, "types", "", "comma-separated observation type filter")
	queryCmd.Flags().BoolVar(&queryNoHybrid, "no-hybrid", false, "skip hybrid re-ranking and use raw similarity order")
}
