package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/BaSui01/agentrelay/config"
	"github.com/BaSui01/agentrelay/internal/migration"
	"go.uber.org/zap"
)

// runMigrate 解析公共参数后把动作交给 migration.CLI
//
//	agentrelay migrate [--config path] [--db-type t --db-url u] <action> [arg]
func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	fs.Usage = printMigrateUsage
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rest := fs.Args()
	if len(rest) == 0 {
		printMigrateUsage()
		return fmt.Errorf("missing migrate action")
	}
	if rest[0] == "help" {
		printMigrateUsage()
		return nil
	}

	logger := zap.NewNop()
	m, err := openMigrator(*configPath, *dbType, *dbURL, logger)
	if err != nil {
		return err
	}
	defer m.Close()

	cli := migration.NewCLI(m)
	cli.SetOutput(os.Stdout)
	return cli.Run(context.Background(), rest[0], rest[1:]...)
}

// openMigrator 优先使用 --db-type/--db-url，否则读取配置文件中的 database 段
func openMigrator(configPath, dbType, dbURL string, logger *zap.Logger) (*migration.DefaultMigrator, error) {
	if dbType != "" && dbURL != "" {
		return migration.NewMigratorFromURL(dbType, dbURL, logger)
	}

	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if dbType != "" {
		cfg.Database.Driver = dbType
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database, logger)
}

func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  agentrelay migrate [options] <action> [arg]

Actions:
  up          Apply all pending migrations
  down        Roll back the last migration
  down-all    Roll back every migration
  steps <n>   Apply n migrations (negative n rolls back)
  goto <v>    Migrate to a specific version
  force <v>   Force the recorded version (clears the dirty flag)
  version     Show the current version
  status      Show every migration and whether it is applied
  info        Show a summary

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  agentrelay migrate up --config /etc/agentrelay/relay.yaml
  agentrelay migrate --db-type sqlite --db-url "file:relay.db" status
  agentrelay migrate steps -1`)
}
