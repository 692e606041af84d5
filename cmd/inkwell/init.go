package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cdurbin/inkwell/internal/config"
	"github.com/cdurbin/inkwell/internal/schema"
	"github.com/cdurbin/inkwell/internal/store"
	"github.com/cdurbin/inkwell/internal/ui"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "setup",
	Short:   "Initialize inkwell in the current directory",
	Long: `Initialize inkwell in the current directory by creating:

  .inkwell/              state directory (config, database)
  .inkwell/config.toml   configuration with defaults
  .inkwell/inkwell.db    local record store and outbox
  notes/<entity>/        one directory per entity type

Pass --server to record the sync server URL in the generated config.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		serverURL, _ := cmd.Flags().GetString("server")

		cwd, err := os.Getwd()
		if err != nil {
			return err
		}

		stateDir := filepath.Join(cwd, config.WorkspaceDirName)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", stateDir, err)
		}

		configPath, err := config.WriteDefault(stateDir, serverURL)
		if err != nil {
			return err
		}

		notesDir := filepath.Join(cwd, "notes")
		for _, t := range schema.EntityTypes() {
			if err := os.MkdirAll(schema.EntityDir(notesDir, t), 0755); err != nil {
				return fmt.Errorf("failed to create notes directory: %w", err)
			}
		}

		db, err := store.Open(filepath.Join(stateDir, "inkwell.db"))
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.InitSchema(); err != nil {
			return err
		}

		fmt.Printf("%s Initialized inkwell workspace\n", ui.RenderPass("✓"))
		fmt.Printf("   Config:   %s\n", configPath)
		fmt.Printf("   Database: %s\n", db.Path())
		fmt.Printf("   Notes:    %s\n", notesDir)
		if serverURL == "" {
			fmt.Printf("\n%s No server URL configured; sync is disabled until server.url is set\n", ui.RenderWarn("⚠"))
		}
		return nil
	},
}

func init() {
	initCmd.Flags().String("server", "", "Sync server base URL")
	rootCmd.AddCommand(initCmd)
}
