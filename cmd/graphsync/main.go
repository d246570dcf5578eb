// Package main provides the graphsync CLI entry point.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scrypster/graphsync/internal/config"
	"github.com/scrypster/graphsync/pkg/logger"
)

var (
	version   = "0.1.0"
	commit    = "dev"
	buildTime = "unknown" // Set via ldflags: -X main.buildTime=$(date +%Y%m%d-%H%M%S)
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	var configFile string

	root := &cobra.Command{
		Use:   "graphsync",
		Short: "graphsync - keep a graph index in step with its system of record",
		Long: `graphsync mirrors conversations, memories, facts, contexts and spaces
from a transactional store into a Neo4j or Memgraph graph, driven by a durable
sync queue. Deletes cascade to nodes left with no remaining dependents.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			if configFile != "" {
				if err := os.Setenv(config.FileEnv, configFile); err != nil {
					return err
				}
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.Log.Env, cfg.Log.Level)
			if err != nil {
				return err
			}
			a.cfg, a.logger = cfg, log
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file (overrides "+config.FileEnv+")")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "graphsync v%s (%s) built %s\n", version, commit, buildTime)
		},
	})
	root.AddCommand(newWorkerCmd(a))
	root.AddCommand(newSchemaCmd(a))
	root.AddCommand(newEnqueueCmd(a))
	root.AddCommand(newRequeueCmd(a))
	root.AddCommand(newStatusCmd(a))
	return root
}
