package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/samber/lo"
	"github.com/urfave/cli/v2"

	"dexwatch/internal/app"
	"dexwatch/internal/config"
	"dexwatch/internal/storage"
	logx "dexwatch/pkg/logx"
)

func runCmd() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Watch the configured feeds and announce new tokens",
		Description: `Fetch every feed on its interval, keep the last 30 minutes of
		admitted tokens and send each one to every subscriber at most once.

		SIGINT and SIGTERM stop the watcher gracefully.`,
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(c.String("config"))
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}
	fatal := a.Err()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	return fatal
}

func validateCmd() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "Check the config file and exit",
		Action: func(c *cli.Context) error {
			cfg, err := config.NewConfigManager(c.String("config")).Parse()
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			feeds, err := cfg.ResolveFeeds()
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "config ok: %d feed(s): %v\n", len(feeds),
				lo.Map(feeds, func(f config.FeedSettings, _ int) string { return f.Name }))
			return nil
		},
	}
}

func historyCmd() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Print the published and delivered histories of each feed",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "feed",
				Aliases: []string{"f"},
				Usage:   "only print this feed",
			},
			&cli.BoolFlag{
				Name:  "ids",
				Usage: "list every identifier instead of counts",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.NewConfigManager(c.String("config")).Parse()
			if err != nil {
				return err
			}
			feeds, err := cfg.ResolveFeeds()
			if err != nil {
				return err
			}
			if name := c.String("feed"); name != "" {
				feeds = lo.Filter(feeds, func(f config.FeedSettings, _ int) bool { return f.Name == name })
				if len(feeds) == 0 {
					return fmt.Errorf("unknown feed %q", name)
				}
			}
			sc, err := cfg.StorageSettings()
			if err != nil {
				return err
			}
			store, err := storage.Open(sc, logx.Nop())
			if err != nil {
				return err
			}
			defer store.Close()
			return printHistory(c, store, feeds)
		},
	}
}

func printHistory(c *cli.Context, store storage.Store, feeds []config.FeedSettings) error {
	ctx := c.Context
	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	defer w.Flush()

	if !c.Bool("ids") {
		fmt.Fprintln(w, "FEED\tPUBLISHED\tDELIVERED\tPENDING")
	}
	var errs []error
	for _, f := range feeds {
		published, err := store.Published(f.StorageKey()).LoadReleases(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("feed %s: published: %w", f.Name, err))
			continue
		}
		delivered, err := store.Delivered(f.StorageKey()).LoadIDs(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("feed %s: delivered: %w", f.Name, err))
			continue
		}
		sent := lo.SliceToMap(delivered, func(id string) (string, struct{}) { return id, struct{}{} })
		pending := lo.Filter(published, func(r storage.Release, _ int) bool {
			_, ok := sent[r.Address]
			return !ok
		})

		if !c.Bool("ids") {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", f.Name, len(published), len(lo.Uniq(delivered)), len(pending))
			continue
		}
		for _, r := range published {
			state := "published"
			if _, ok := sent[r.Address]; ok {
				state = "delivered"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", f.Name, state, r.Address, r.Ticker, r.Name)
		}
	}
	return errors.Join(errs...)
}
