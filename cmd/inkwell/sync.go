package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cdurbin/inkwell/internal/outbox"
	"github.com/cdurbin/inkwell/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Synchronize queued local edits with the server",
	Long: `Manage synchronization between the local outbox and the server.

Local edits are queued durably and survive restarts. 'sync now' pushes
the queue immediately; 'sync status' shows what is waiting.`,
}

var syncNowCmd = &cobra.Command{
	Use:   "now",
	Short: "Run one sync cycle immediately",
	Long: `Drain the outbox, push pending mutations to the server, resolve any
conflicts, and pull remote changes. Blocks until the cycle completes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := findWorkspace()
		if err != nil {
			return err
		}
		db, err := openStore(ws)
		if err != nil {
			return err
		}
		defer db.Close()

		eng, err := buildEngine(ws, db, os.Stderr)
		if err != nil {
			return err
		}

		fmt.Printf("%s Syncing...\n", ui.RenderAccent("🔄"))
		start := time.Now()

		stats, err := eng.SyncNow(context.Background())
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}

		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Pushed:      %d\n", stats.Drained)
		fmt.Printf("   Applied:     %d\n", stats.Applied)
		if stats.AutoMerged > 0 {
			fmt.Printf("   Auto-merged: %d\n", stats.AutoMerged)
		}
		if stats.Resolved > 0 {
			fmt.Printf("   Resolved:    %d\n", stats.Resolved)
		}
		if stats.Retried > 0 {
			fmt.Printf("   Retrying:    %d\n", stats.Retried)
		}
		if stats.Dead > 0 {
			fmt.Printf("   %s Dead-lettered: %d (see 'inkwell dead list')\n", ui.RenderWarn("⚠"), stats.Dead)
		}
		fmt.Printf("   Pulled:      %d\n", stats.Pulled)
		return nil
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show outbox and sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := findWorkspace()
		if err != nil {
			return err
		}
		db, err := openStore(ws)
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := context.Background()
		ob := newQuietOutbox(db)

		counts, err := ob.Counts(ctx)
		if err != nil {
			return err
		}
		recordCount, err := db.RecordCount(ctx)
		if err != nil {
			return err
		}
		lastSuccess, err := db.LastSyncSuccess(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("\n%s Sync status\n", ui.RenderBold("inkwell"))
		fmt.Printf("   Database: %s\n", db.Path())
		fmt.Printf("   Records:  %d\n", recordCount)
		if cfg := cfg.ConfigFileUsed(); cfg != "" {
			fmt.Printf("   Config:   %s\n", cfg)
		}

		fmt.Println("\n   Outbox:")
		fmt.Printf("     Pending:    %d\n", counts[outbox.StatusPending])
		fmt.Printf("     In flight:  %d\n", counts[outbox.StatusInFlight])
		fmt.Printf("     Conflicted: %d\n", counts[outbox.StatusConflicted])
		if dead := counts[outbox.StatusDead]; dead > 0 {
			fmt.Printf("     %s Dead:     %d (see 'inkwell dead list')\n", ui.RenderWarn("⚠"), dead)
		} else {
			fmt.Printf("     Dead:       0\n")
		}

		if lastSuccess.IsZero() {
			fmt.Printf("\n   Last successful sync: %s\n\n", ui.RenderDim("never"))
			return nil
		}
		age := time.Since(lastSuccess).Round(time.Second)
		marker := ui.RenderPass("✓")
		if age > cfg.GetDuration("sync.reminder_after") {
			marker = ui.RenderWarn("⚠")
		}
		fmt.Printf("\n   %s Last successful sync: %s (%v ago)\n\n",
			marker, lastSuccess.Local().Format(time.RFC1123), age)
		return nil
	},
}

var syncDismissCmd = &cobra.Command{
	Use:   "dismiss-reminder",
	Short: "Snooze the long-offline reminder",
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := findWorkspace()
		if err != nil {
			return err
		}
		db, err := openStore(ws)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.DismissReminder(context.Background(), time.Now()); err != nil {
			return err
		}
		fmt.Printf("%s Reminder snoozed for %v\n", ui.RenderPass("✓"),
			cfg.GetDuration("sync.reminder_snooze"))
		return nil
	},
}

func init() {
	syncCmd.AddCommand(syncNowCmd)
	syncCmd.AddCommand(syncStatusCmd)
	syncCmd.AddCommand(syncDismissCmd)
	rootCmd.AddCommand(syncCmd)
}
