package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmehdipour/campaign-mailer/internal/config"
	"github.com/jmehdipour/campaign-mailer/internal/db"
	"github.com/jmehdipour/campaign-mailer/internal/logger"
	"github.com/jmehdipour/campaign-mailer/migrations"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations (dev: DROP & CREATE tables)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log := logger.Init(cfg.Log.Level)

		sqlDB, err := db.NewMySQL(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer sqlDB.Close()

		sqlBytes, err := migrations.FS.ReadFile(migrations.MySQL)
		if err != nil {
			return fmt.Errorf("read migration file %s: %w", migrations.MySQL, err)
		}

		if _, err := sqlDB.Exec("SET FOREIGN_KEY_CHECKS = 0"); err != nil {
			return fmt.Errorf("disable fk checks: %w", err)
		}
		if _, err := sqlDB.Exec(string(sqlBytes)); err != nil {
			_, _ = sqlDB.Exec("SET FOREIGN_KEY_CHECKS = 1")
			return fmt.Errorf("exec migration: %w", err)
		}
		if _, err := sqlDB.Exec("SET FOREIGN_KEY_CHECKS = 1"); err != nil {
			return fmt.Errorf("enable fk checks: %w", err)
		}
		log.Info("mysql migration complete", zap.String("file", migrations.MySQL))

		if !cfg.ClickHouse.Enabled {
			return nil
		}

		chDB, err := db.NewClickHouse(cfg.ClickHouse.DatabaseConfig)
		if err != nil {
			return fmt.Errorf("open clickhouse: %w", err)
		}
		defer chDB.Close()

		if err := execStatements(cmd.Context(), chDB, migrations.ClickHouse); err != nil {
			return err
		}
		log.Info("clickhouse migration complete", zap.String("file", migrations.ClickHouse))
		return nil
	},
}

// execStatements runs a file statement by statement; the ClickHouse driver rejects multi-statement execs.
func execStatements(ctx context.Context, dbx *sqlx.DB, name string) error {
	b, err := migrations.FS.ReadFile(name)
	if err != nil {
		return fmt.Errorf("read migration file %s: %w", name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	for _, stmt := range strings.Split(string(b), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := dbx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %s: %w", name, err)
		}
	}
	return nil
}
