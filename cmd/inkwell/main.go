// Command inkwell is an offline-first note capture tool.
//
// Notes live as JSON files under notes/<entity>/<id>.json. Local edits
// are queued in a durable outbox and synchronized with the server when
// connectivity allows; conflicting edits are merged column by column.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cdurbin/inkwell/internal/config"
	"github.com/cdurbin/inkwell/internal/ui"
)

var rootCmd = &cobra.Command{
	Use:   "inkwell",
	Short: "Offline-first note capture with background sync",
	Long: `inkwell captures notes, thoughts, ideas and todos as local JSON files
and synchronizes them with a server in the background.

Edits made offline are queued durably and pushed when connectivity
returns. Concurrent edits to the same note are merged column by column;
every resolution is recorded in a local audit log.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

// cfg is constructed once in PersistentPreRunE and handed to everything
// the commands build.
var cfg *config.Config

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "setup", Title: "Setup Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s Error: %v\n", ui.RenderFail("✗"), err)
		os.Exit(1)
	}
}
