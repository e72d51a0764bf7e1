// Command eventrepo inspects, archives and load-tests an event repository.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/codewandler/eventrepo/internal/config"
)

var (
	configPath string
	backendArg string
	dialectArg string
	dsnArg     string
	natsURLArg string
	logLevel   string
	jsonOutput bool

	cfg *config.Config
	log = slog.Default()
)

var rootCmd = &cobra.Command{
	Use:           "eventrepo <command>",
	Short:         "Event repository tooling",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		flagOverride(cmd, "backend", &c.Backend, backendArg)
		flagOverride(cmd, "dialect", &c.SQL.Dialect, dialectArg)
		flagOverride(cmd, "dsn", &c.SQL.DSN, dsnArg)
		flagOverride(cmd, "nats-url", &c.NATS.URL, natsURLArg)
		flagOverride(cmd, "log-level", &c.Log.Level, logLevel)
		if err := c.Validate(); err != nil {
			return err
		}
		cfg = c
		log = c.Log.Logger(os.Stderr)
		slog.SetDefault(log)
		return nil
	},
}

func flagOverride(cmd *cobra.Command, name string, dst *string, v string) {
	if cmd.Flags().Changed(name) {
		*dst = v
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $EVENTREPO_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&backendArg, "backend", "", "storage backend: sql, nats or memory")
	rootCmd.PersistentFlags().StringVar(&dialectArg, "dialect", "", "SQL dialect: postgres, mysql or sqlite")
	rootCmd.PersistentFlags().StringVar(&dsnArg, "dsn", "", "SQL data source name")
	rootCmd.PersistentFlags().StringVar(&natsURLArg, "nats-url", "", "NATS server URL")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	rootCmd.AddGroup(
		&cobra.Group{ID: "read", Title: "Reading:"},
		&cobra.Group{ID: "archive", Title: "Archives:"},
		&cobra.Group{ID: "system", Title: "System:"},
	)
	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(streamCmd)

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(loadtestCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
