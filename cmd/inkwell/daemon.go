package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cdurbin/inkwell/internal/monitor"
	"github.com/cdurbin/inkwell/internal/outbox"
	"github.com/cdurbin/inkwell/internal/watch"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the capture and sync daemon",
	Long: `Run the background daemon that:

  1. Watches notes/ for file changes and queues edits in the outbox
  2. Runs a periodic sync cycle (push, resolve, pull)
  3. Optionally serves a WebSocket monitor feed of sync activity

The daemon runs until interrupted. Log output goes to stderr unless
log.file is configured, in which case it rotates on disk.

Example usage:
  inkwell daemon                 # Watch and sync in the foreground
  inkwell daemon --monitor       # Also serve the WebSocket monitor`,
	RunE: func(cmd *cobra.Command, args []string) error {
		withMonitor, _ := cmd.Flags().GetBool("monitor")

		ws, err := findWorkspace()
		if err != nil {
			return err
		}
		db, err := openStore(ws)
		if err != nil {
			return err
		}
		defer db.Close()

		logWriter := daemonLogWriter(ws)

		eng, err := buildEngine(ws, db, logWriter)
		if err != nil {
			return err
		}

		ob := outbox.New(db, log.New(logWriter, "[outbox] ", log.LstdFlags))
		watcher, err := watch.New(db, ob, ws.NotesDir, &watch.Config{
			DebounceInterval: cfg.GetDuration("watch.debounce"),
			Logger:           log.New(logWriter, "[watch] ", log.LstdFlags),
			// A file edit should not wait for the next tick.
			Notify: eng.TriggerSync,
		})
		if err != nil {
			return err
		}

		var mon *monitor.Server
		if withMonitor || cfg.GetBool("monitor.enabled") {
			mon = monitor.NewServer(&monitor.Config{
				Port:   cfg.GetInt("monitor.port"),
				Logger: log.New(logWriter, "[monitor] ", log.LstdFlags),
			})
			mon.Attach(eng)
			if err := mon.Start(); err != nil {
				return err
			}
			fmt.Printf("Monitor: ws://%s/ws\n", mon.GetAddr())
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		fmt.Printf("inkwell daemon started (workspace: %s)\n", ws.Root)
		fmt.Println("Press Ctrl+C to stop...")

		var wg sync.WaitGroup
		errCh := make(chan error, 2)

		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := watcher.Start(ctx); err != nil {
				errCh <- fmt.Errorf("watcher: %w", err)
				cancel()
			}
		}()
		go func() {
			defer wg.Done()
			if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("engine: %w", err)
				cancel()
			}
		}()

		wg.Wait()

		if mon != nil {
			if stopErr := mon.Stop(); stopErr != nil {
				fmt.Fprintf(os.Stderr, "Error stopping monitor: %v\n", stopErr)
			}
		}

		select {
		case err := <-errCh:
			return err
		default:
		}
		fmt.Println("\ninkwell daemon stopped")
		return nil
	},
}

func init() {
	daemonCmd.Flags().Bool("monitor", false, "Serve the WebSocket monitor feed")
	rootCmd.AddCommand(daemonCmd)
}
