package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/cdurbin/inkwell/internal/ui"
)

var deadCmd = &cobra.Command{
	Use:     "dead",
	GroupID: "advanced",
	Short:   "Manage dead-lettered mutations",
	Long: `Inspect and act on mutations that exhausted their retry budget or
were permanently rejected by the server.

Dead entries never retry on their own. 'dead retry' puts an entry back
in the pending queue; 'dead discard' drops it permanently.`,
}

var deadListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered mutations",
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

		entries, err := newQuietOutbox(db).Dead(context.Background())
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Printf("%s No dead-lettered mutations\n", ui.RenderPass("✓"))
			return nil
		}

		fmt.Printf("\n%s %d dead-lettered mutation(s):\n\n", ui.RenderWarn("⚠"), len(entries))
		for _, e := range entries {
			fmt.Printf("  #%d  %s %s/%s\n", e.ID, e.Operation, e.EntityType, e.RecordID)
			fmt.Printf("      attempts: %d, queued: %s\n",
				e.AttemptCount, e.EnqueuedAt.Local().Format(time.RFC1123))
			if e.DeadReason != "" {
				fmt.Printf("      reason: %s\n", ui.RenderDim(e.DeadReason))
			}
		}
		fmt.Printf("\nUse 'inkwell dead retry <id>' or 'inkwell dead discard <id>'\n\n")
		return nil
	},
}

var deadRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Re-queue a dead-lettered mutation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid entry id %q", args[0])
		}

		ws, err := findWorkspace()
		if err != nil {
			return err
		}
		db, err := openStore(ws)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := newQuietOutbox(db).RetryDead(context.Background(), id); err != nil {
			return err
		}
		fmt.Printf("%s Entry #%d re-queued; it will push on the next sync cycle\n", ui.RenderPass("✓"), id)
		return nil
	},
}

var deadDiscardCmd = &cobra.Command{
	Use:   "discard <id>",
	Short: "Permanently discard a dead-lettered mutation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid entry id %q", args[0])
		}

		ws, err := findWorkspace()
		if err != nil {
			return err
		}
		db, err := openStore(ws)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := newQuietOutbox(db).DiscardDead(context.Background(), id); err != nil {
			return err
		}
		fmt.Printf("%s Entry #%d discarded\n", ui.RenderPass("✓"), id)
		return nil
	},
}

func init() {
	deadCmd.AddCommand(deadListCmd)
	deadCmd.AddCommand(deadRetryCmd)
	deadCmd.AddCommand(deadDiscardCmd)
	rootCmd.AddCommand(deadCmd)
}
