package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vilenarios/ar-io-bundler/internal/logger"
	"github.com/vilenarios/ar-io-bundler/pkg/config"
	"github.com/vilenarios/ar-io-bundler/pkg/store/db/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long: `Apply pending schema migrations to the configured Postgres database.

Required after upgrading when schema changes have been made. The memory
database driver needs no migrations.

Examples:
  # Run migrations with default config
  ar-bundler migrate

  # Run migrations with custom config
  ar-bundler migrate --config /etc/ar-bundler/config.yaml`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}

	if cfg.Database.Driver != "postgres" {
		fmt.Printf("No migrations needed for database driver %q\n", cfg.Database.Driver)
		return nil
	}

	logger.Info("running database migrations",
		"host", cfg.Database.Postgres.Host,
		"database", cfg.Database.Postgres.Database)

	if err := postgres.RunMigrations(context.Background(), cfg.Database.Postgres.ConnectionString()); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	fmt.Println("Migrations completed successfully")
	return nil
}
