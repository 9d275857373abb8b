package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/othman-fayed/SyncChanges/internal/config"
	"github.com/othman-fayed/SyncChanges/internal/connector"
	"github.com/othman-fayed/SyncChanges/internal/inspector"
	"github.com/othman-fayed/SyncChanges/internal/replicator"
	"github.com/othman-fayed/SyncChanges/internal/utils"
)

func main() {
	var (
		configFile  string
		envFile     string
		logLevel    string
		loop        bool
		interval    int
		analyzeOnly bool
		verify      bool
	)

	rootCmd := &cobra.Command{
		Use:   "syncchanges",
		Short: "Replicate change-tracked tables from a source database to its destinations",
		Long: `SyncChanges

Replicates row-level changes from a SQL Server source with change tracking
enabled to one or more destination databases, ordering and rewriting each
batch so it applies without violating referential integrity.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			// Setup logging
			logger := utils.SetupLogging(logLevel)

			// Load environment variables
			utils.LoadEnvironmentVariables(envFile, logger)

			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if interval > 0 {
				cfg.Interval = interval
			}

			// Handle graceful shutdown
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigChan
				logger.Info("Shutting down...")
				cancel()
			}()

			if analyzeOnly {
				return analyzeSchemas(ctx, cfg, logger)
			}

			repl := replicator.New(cfg, logger)
			repl.OnSynced = func(e replicator.SyncedEvent) {
				logger.Infof("Synced replication set %s to version %d", e.ReplicationSet, e.Version)
			}

			if loop {
				repl.Loop(ctx)
				return nil
			}

			success := repl.Run(ctx)
			if success && verify {
				for _, set := range cfg.ReplicationSets {
					mismatches, err := repl.VerifySet(ctx, set)
					if err != nil {
						return err
					}
					if len(mismatches) > 0 {
						return fmt.Errorf("verification failed: %d table(s) differ from source", len(mismatches))
					}
				}
			}
			if !success {
				return fmt.Errorf("one or more replication sets failed")
			}
			return nil
		},
	}

	// Define flags
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "config.yaml", "Path to the configuration document")
	rootCmd.Flags().StringVarP(&envFile, "env-file", "e", ".env", "Path to .env file")
	rootCmd.Flags().StringVarP(&logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.Flags().BoolVar(&loop, "loop", false, "Keep replicating every interval instead of exiting after one run")
	rootCmd.Flags().IntVarP(&interval, "interval", "i", 0, "Loop interval in seconds (overrides the configured value)")
	rootCmd.Flags().BoolVarP(&analyzeOnly, "analyze-only", "a", false, "Only analyze the replicated schemas without replicating data")
	rootCmd.Flags().BoolVarP(&verify, "verify", "v", false, "Verify destination row counts against the source after a successful run")

	// Execute
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// analyzeSchemas prints the schema analysis for every replication set
func analyzeSchemas(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	for _, set := range cfg.ReplicationSets {
		source := connector.NewDatabaseConnector(set.Source.Name, set.Source.ConnectionString, cfg.Timeout, logger)
		if err := source.Connect(ctx); err != nil {
			return err
		}

		si := inspector.NewSchemaInspector(source, logger)
		tables, err := si.InspectTables(ctx, set.Tables, set.ExcludeTables)
		if err != nil {
			source.Disconnect()
			return err
		}
		utils.PrintSchemaAnalysis(set.Source.Name, tables)
		source.Disconnect()
	}
	return nil
}
