package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Strob0t/dispatchkit/internal/adapter/postgres"
	"github.com/Strob0t/dispatchkit/internal/config"
)

// runAdmin dispatches admin subcommands (migrate, rollback, migration-status,
// list-completions).
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "migrate":
		return runAdminMigrate(args[1:])
	case "rollback":
		return runAdminRollback(args[1:])
	case "migration-status":
		return runAdminMigrationStatus(args[1:])
	case "list-completions":
		return runAdminListCompletions(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: dispatchd admin <command> [options]

Commands:
  migrate             Apply pending completions schema migrations
  rollback            Roll back the last N migrations
  migration-status    Print the schema version and pending migrations
  list-completions    List stored completions for a cache key
  help                Show this help message

Examples:
  dispatchd admin migrate
  dispatchd admin rollback --steps 1
  dispatchd admin list-completions --key 3f1a... --limit 20
`)
}

func loadAdminConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Postgres.DSN == "" {
		return nil, errors.New("postgres.dsn (DATABASE_URL) is required for admin commands")
	}
	return cfg, nil
}

// openMigrator loads the admin config and opens a Migrator on its DSN.
func openMigrator() (*postgres.Migrator, error) {
	cfg, err := loadAdminConfig()
	if err != nil {
		return nil, err
	}
	return postgres.NewMigrator(cfg.Postgres.DSN)
}

func runAdminMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	m, err := openMigrator()
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	applied, err := m.Up(context.Background())
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Fprintln(os.Stderr, "Schema already up to date")
		return nil
	}
	fmt.Fprintf(os.Stderr, "Applied migrations %s\n", joinVersions(applied))
	return nil
}

func runAdminRollback(args []string) error {
	fs := flag.NewFlagSet("rollback", flag.ContinueOnError)
	steps := fs.Int("steps", 1, "number of migrations to roll back")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *steps < 1 {
		return fmt.Errorf("--steps must be >= 1")
	}
	m, err := openMigrator()
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	rolled, err := m.Down(context.Background(), *steps)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Rolled back %d migration(s) %s\n", len(rolled), joinVersions(rolled))
	return nil
}

func runAdminMigrationStatus(args []string) error {
	fs := flag.NewFlagSet("migration-status", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	m, err := openMigrator()
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	st, err := m.Status(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("version: %d\napplied: %s\npending: %s\n", st.Version, joinVersions(st.Applied), joinVersions(st.Pending))
	return nil
}

// joinVersions renders versions as "[1 2 3]", or "[]" when empty.
func joinVersions(vs []int64) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.FormatInt(v, 10)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func runAdminListCompletions(args []string) error {
	fs := flag.NewFlagSet("list-completions", flag.ContinueOnError)
	key := fs.String("key", "", "response cache key (required)")
	limit := fs.Int("limit", 20, "maximum rows")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *key == "" {
		return fmt.Errorf("--key is required")
	}

	cfg, err := loadAdminConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	recs, err := postgres.NewCompletionStore(pool).ListByCacheKey(ctx, *key, *limit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("No completions found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SESSION\tCLASS\tCOMPLETED\tARTIFACTS\tCHARS")
	for i := range recs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n",
			recs[i].SessionID, recs[i].Class, recs[i].CompletedAt.Format(time.RFC3339), len(recs[i].Artifacts), len(recs[i].Text))
	}
	return w.Flush()
}
