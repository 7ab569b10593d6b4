package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bader1919/freepik-ai-orchestrator/internal/postgres"
	"github.com/bader1919/freepik-ai-orchestrator/internal/postgres/migrations"
)

var migrateDown bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long: `Connect to PostgreSQL and apply the embedded schema migrations.

Reads the DSN from --postgres-dsn flag, POSTGRES_DSN env var, or config file.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().String("postgres-dsn", "", "PostgreSQL connection string")
	migrateCmd.Flags().BoolVar(&migrateDown, "down", false, "roll back every migration instead of applying them")
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	logger := buildLogger(viper.GetString("log_level"), serviceName)
	dsn := viper.GetString("postgres_dsn")
	if cmd.Flags().Changed("postgres-dsn") {
		dsn, _ = cmd.Flags().GetString("postgres-dsn")
	}
	if dsn == "" {
		return fmt.Errorf("postgres_dsn is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	m, err := migrations.NewMigrator(pool, logger)
	if err != nil {
		return err
	}
	if migrateDown {
		err = m.Down(ctx)
	} else {
		err = m.Up(ctx)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "migrations complete")
	return nil
}
