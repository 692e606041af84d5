package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cdurbin/inkwell/internal/audit"
	"github.com/cdurbin/inkwell/internal/schema"
	"github.com/cdurbin/inkwell/internal/ui"
)

var auditCmd = &cobra.Command{
	Use:     "audit <entity> <id>",
	GroupID: "advanced",
	Short:   "Show conflict resolutions recorded for a record",
	Long: `Show the audit log of conflict resolutions for one record.

Every resolved conflict is stored with the server, client, and resolved
record states. Pass --json to dump the full states for inspection.

Example usage:
  inkwell audit thought 7f3b...        # Summary of each resolution
  inkwell audit thought 7f3b... --json # Full record states as JSON`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		entityType := schema.EntityType(args[0])
		if !schema.ValidEntityType(entityType) {
			return fmt.Errorf("unknown entity type %q", args[0])
		}
		recordID := args[1]

		ws, err := findWorkspace()
		if err != nil {
			return err
		}
		db, err := openStore(ws)
		if err != nil {
			return err
		}
		defer db.Close()

		sink := audit.New(db, log.New(io.Discard, "", 0))
		entries, err := sink.List(context.Background(), entityType, recordID)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Printf("No resolutions recorded for %s/%s\n", entityType, recordID)
			return nil
		}

		if asJSON {
			return json.NewEncoder(os.Stdout).Encode(entries)
		}

		fmt.Printf("\n%d resolution(s) for %s/%s:\n\n", len(entries), entityType, recordID)
		for _, e := range entries {
			fmt.Printf("  %s  %s\n", ui.RenderAccent(e.ResolvedAt.Local().Format(time.RFC1123)), e.ID)
			fmt.Printf("      conflict: %s, strategy: %s\n", e.ConflictType, e.ResolutionStrategy)
		}
		fmt.Println()
		return nil
	},
}

func init() {
	auditCmd.Flags().Bool("json", false, "Output full record states as JSON")
	rootCmd.AddCommand(auditCmd)
}
