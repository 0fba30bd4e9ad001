package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/nerrad567/lockgate-core/internal/infrastructure/database"
	"github.com/nerrad567/lockgate-core/migrations"
)

// runMigrate inspects or changes the audit database schema without starting
// the server.
//
//	lockgate migrate          apply pending migrations
//	lockgate migrate status   list applied and pending migrations
//	lockgate migrate down     roll back the newest migration
func runMigrate(args []string, out io.Writer) error {
	action := "up"
	if len(args) > 0 {
		action = args[0]
	}
	if len(args) > 1 {
		return fmt.Errorf("migrate: unexpected argument %q", args[1])
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx := context.Background()
	db, err := database.Open(ctx, database.FromConfig(cfg.Database))
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer db.Close() //nolint:errcheck // read-mostly, nothing to flush

	switch action {
	case "up":
		n, err := db.Migrate(ctx, migrations.FS)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		fmt.Fprintf(out, "applied %d migration(s)\n", n)
	case "down":
		version, err := db.MigrateDown(ctx, migrations.FS)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		if version == "" {
			fmt.Fprintln(out, "nothing to roll back")
			return nil
		}
		fmt.Fprintf(out, "rolled back %s\n", version)
	case "status":
		status, err := db.MigrationStatus(ctx, migrations.FS)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		return printMigrationStatus(out, status)
	default:
		return errors.New("migrate: action must be one of up, down, status")
	}
	return nil
}

func printMigrationStatus(out io.Writer, status database.MigrationStatus) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0) //nolint:mnd // column padding
	fmt.Fprintln(tw, "VERSION\tSTATE\tAPPLIED AT")
	for _, r := range status.Applied {
		fmt.Fprintf(tw, "%s\tapplied\t%s\n", r.Version, r.AppliedAt.Format("2006-01-02 15:04:05"))
	}
	for _, m := range status.Pending {
		fmt.Fprintf(tw, "%s\tpending\t-\n", m.Version)
	}
	return tw.Flush()
}
