package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/microstorm/bletrack/internal/api"
	"github.com/microstorm/bletrack/internal/db"
)

const defaultStatusAddr = "http://127.0.0.1:8080"

// runStatus prints the latest estimate and counters of the host at addr.
func runStatus(ctx context.Context, w io.Writer, addr string) error {
	if addr == "" {
		addr = defaultStatusAddr
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	c := api.NewClient(addr, nil)
	stats, err := c.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "session   %s (%s)\n", stats.Session, stats.Version)
	fmt.Fprintf(w, "readings  %d (%d skipped, %d rejected)\n", stats.Readings, stats.SkippedReadings, stats.RejectedReadings)
	fmt.Fprintf(w, "epochs    %d run, %d dropped, %d failed, %d resamples\n", stats.EpochsRun, stats.EpochsDropped, stats.EpochsFailed, stats.Resamples)

	if stats.EpochsRun == 0 {
		fmt.Fprintln(w, "estimate  none yet")
		return nil
	}
	m, err := c.Estimate(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "estimate  (%.3f, %.3f) epoch %d n_eff %.1f\n", m.X, m.Y, m.Seq, m.NEff)
	return nil
}

// runMigrate handles the migrate subcommand.
func runMigrate(w io.Writer, path string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: bletrack -db <path> migrate up|down|version")
	}
	if path == "" || path == "none" {
		return fmt.Errorf("migrate needs -db")
	}
	database, err := db.OpenDB(path)
	if err != nil {
		return err
	}
	defer database.Close()

	switch args[0] {
	case "up":
		if err := database.MigrateUp(); err != nil {
			return err
		}
	case "down":
		if err := database.MigrateDown(); err != nil {
			return err
		}
	case "version":
	default:
		return fmt.Errorf("unknown migrate action %q", args[0])
	}

	v, dirty, err := database.MigrateVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "schema version %d (dirty=%v)\n", v, dirty)
	return nil
}
