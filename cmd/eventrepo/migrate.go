package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codewandler/eventrepo/adapters/sqldb"
	"github.com/codewandler/eventrepo/core/cqrs"
	"github.com/codewandler/eventrepo/core/es"
	"github.com/codewandler/eventrepo/internal/config"
)

var migrateStatus bool

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	Short:   "Apply the SQL schema migrations",
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Backend != config.BackendSQL {
			return errors.New("migrate only applies to the sql backend")
		}
		dialect, err := sqldb.ParseDialect(cfg.SQL.Dialect)
		if err != nil {
			return err
		}
		return runMigrate(cmd.Context(), sqldb.Config{
			Dialect: dialect,
			Driver:  cfg.SQL.Driver,
			DSN:     cfg.SQL.DSN,
			Migrate: !migrateStatus,
			Log:     log,
		})
	},
}

func runMigrate(ctx context.Context, c sqldb.Config) error {
	b, err := sqldb.Open(ctx, c, es.Schema(cqrs.ViewsSchema))
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	version, dirty, err := sqldb.MigrationVersion(b.DB(), b.Dialect())
	if err != nil {
		return fmt.Errorf("migration version: %w", err)
	}
	state := "clean"
	if dirty {
		state = "dirty"
	}
	fmt.Printf("%s schema at version %d (%s)\n", b.Dialect(), version, state)
	return nil
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateStatus, "status", false, "only print the current version")
}
