package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"shim/pkg/bus"
	"shim/pkg/coordinator"
	"shim/pkg/inbox"

	"github.com/spf13/cobra"
)

// newServeCmd creates the long-running coordinator process: maintenance
// loop plus inbox watcher.
func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		printEvents bool
		forceAfter  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator loop and watch the inbox",
		Long: "Runs health sweeps, deadline checks, retry recovery and rebalancing on the\n" +
			"configured sweep interval, and processes request files dropped into the inbox.\n" +
			"On SIGINT or SIGTERM it stops accepting new tasks and waits up to\n" +
			"shutdown_grace for in-flight work before exiting.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			router := bus.NewRouter(bus.RouterWithLogger(newLogger(cmd)))
			defer router.Close()

			a, err := openApp(cmd, opts, router)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			var events io.Writer
			if printEvents {
				events = cmd.OutOrStdout()
			}
			return serve(cmd.Context(), a, router, events, forceAfter)
		},
	}
	cmd.Flags().BoolVar(&printEvents, "print-events", false, "print every notification to stdout as JSON lines")
	cmd.Flags().DurationVar(&forceAfter, "force-after", 0, "cap the shutdown wait regardless of shutdown_grace")
	return cmd
}

// serve runs until ctx is cancelled, then shuts the coordinator down. The
// inbox keeps accepting results while in-flight work drains; new task
// files stay in the inbox for the next coordinator.
func serve(ctx context.Context, a *app, router *bus.Router, events io.Writer, forceAfter time.Duration) error {
	watcher := inbox.New(a.cfg.InboxDir, a.coord,
		inbox.WithLogger(a.logger),
		inbox.WithPollInterval(a.cfg.InboxPollInterval.Std()))
	if err := watcher.Init(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	var wg sync.WaitGroup
	if events != nil {
		sub := router.Subscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			printMessages(events, sub)
		}()
		defer sub.Close()
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := watcher.Run(runCtx); err != nil {
			a.logger.Printf("inbox: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := a.coord.Run(runCtx); err != nil {
			a.logger.Printf("coordinator: %v", err)
		}
	}()

	a.logger.Printf("shim: serving (db=%s inbox=%s routing=%s)", a.cfg.DBPath, watcher.Dir(), a.coord.Strategy())
	<-ctx.Done()
	a.logger.Printf("shim: shutting down")

	res, err := a.coord.Shutdown(runCtx, coordinator.ShutdownOptions{
		GracePeriod: a.cfg.ShutdownGrace.Std(),
		ForceAfter:  forceAfter,
	})
	cancel()
	router.Close()
	wg.Wait()
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if !res.Drained {
		a.logger.Printf("shim: exited with %d task(s) in flight", res.InFlight)
	}
	return nil
}

// printMessages writes each message as one JSON line until the
// subscription closes.
func printMessages(w io.Writer, sub bus.Subscription) {
	enc := json.NewEncoder(w)
	for msg := range sub.Messages {
		_ = enc.Encode(struct {
			ID          string    `json:"id"`
			Topic       string    `json:"topic"`
			Payload     any       `json:"payload"`
			PublishedAt time.Time `json:"published_at"`
		}{msg.ID, string(msg.Topic), msg.Payload, msg.PublishedAt})
	}
}
