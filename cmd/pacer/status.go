package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/djlord-it/pacer/internal/domain"
	"github.com/djlord-it/pacer/internal/pacing"
)

var statusCmd = &cli.Command{
	Name:  "status",
	Usage: "print queue, pacing and watch state from the database",
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cctx.Context, 30*time.Second)
		defer cancel()

		st, err := openStore(ctx, cfg)
		if err != nil {
			return cli.Exit(fmt.Sprintf("failed to open store: %v", err), exitRuntimeError)
		}
		defer st.close()

		engine := pacing.New(pacingConfig(cfg), st, nil)
		if err := printStatus(ctx, cctx.App.Writer, st, engine, time.Now()); err != nil {
			return cli.Exit(err.Error(), exitRuntimeError)
		}
		return nil
	},
}

func printStatus(ctx context.Context, out io.Writer, st appStore, engine *pacing.Engine, now time.Time) error {
	dests, err := st.ListDestinations(ctx)
	if err != nil {
		return fmt.Errorf("list destinations: %w", err)
	}
	pending, err := st.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	queued := make(map[string]int)
	for _, a := range pending {
		queued[a.Destination]++
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DESTINATION\tQUEUED\tLAST 24H\tSTATE\tNEXT ELIGIBLE")
	seen := make(map[string]bool)
	for _, d := range dests {
		seen[d.Destination] = true
		if err := printDestination(ctx, tw, engine, d.Destination, queued[d.Destination], now); err != nil {
			return err
		}
	}
	for _, a := range pending {
		if seen[a.Destination] {
			continue
		}
		seen[a.Destination] = true
		if err := printDestination(ctx, tw, engine, a.Destination, queued[a.Destination], now); err != nil {
			return err
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	watches, err := st.ListWatches(ctx, "")
	if err != nil {
		return fmt.Errorf("list watches: %w", err)
	}
	byState := make(map[domain.WatchState]int)
	for _, w := range watches {
		byState[w.State]++
	}
	unread, err := st.ListNotifications(ctx, true)
	if err != nil {
		return fmt.Errorf("list notifications: %w", err)
	}

	fmt.Fprintf(out, "\nqueued actions: %d\n", len(pending))
	fmt.Fprintf(out, "watches: %d watching, %d triggered, %d expired\n",
		byState[domain.WatchStateWatching], byState[domain.WatchStateTriggered], byState[domain.WatchStateExpired])
	fmt.Fprintf(out, "unread notifications: %d\n", len(unread))
	return nil
}

func printDestination(ctx context.Context, w io.Writer, engine *pacing.Engine, dest string, queued int, now time.Time) error {
	s, err := engine.Status(ctx, dest, now)
	if err != nil {
		return fmt.Errorf("status %s: %w", dest, err)
	}
	next := "now"
	if !s.Decision.Allowed {
		next = s.Decision.NextEligible.UTC().Format(time.RFC3339)
	}
	fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n", dest, queued, s.DispatchesInWindow, s.Decision.Reason, next)
	return nil
}
