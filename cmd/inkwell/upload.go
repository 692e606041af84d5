package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cdurbin/inkwell/internal/retry"
	"github.com/cdurbin/inkwell/internal/schema"
	"github.com/cdurbin/inkwell/internal/ui"
)

var uploadCmd = &cobra.Command{
	Use:     "upload <capture-id> <file>",
	GroupID: "sync",
	Short:   "Upload a capture's audio attachment",
	Long: `Upload the audio attachment for a capture record.

Large binary uploads use exponential backoff with jitter rather than the
regular sync schedule, and the longer upload timeout. The command blocks
through retries and reports the final outcome.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		captureID := args[0]
		filePath := args[1]

		if _, err := findWorkspace(); err != nil {
			return err
		}
		adapter, err := adapterFromConfig()
		if err != nil {
			return err
		}

		policy := retry.NewExponentialPolicy().WithJitter()
		ctx := context.Background()

		fmt.Printf("%s Uploading %s for capture %s...\n", ui.RenderAccent("⬆"), filePath, captureID)

		var lastErr error
		for attempt := 1; ; attempt++ {
			f, err := os.Open(filePath)
			if err != nil {
				return err
			}
			lastErr = adapter.Upload(ctx, schema.EntityCapture, captureID, f)
			f.Close()

			if lastErr == nil {
				fmt.Printf("%s Upload complete\n", ui.RenderPass("✓"))
				return nil
			}
			if !policy.ShouldRetry(lastErr, attempt) {
				break
			}
			delay, _ := policy.Delay(attempt)
			fmt.Printf("%s Attempt %d failed (%v), retrying in %v\n",
				ui.RenderWarn("⚠"), attempt, lastErr, delay.Round(time.Millisecond))
			time.Sleep(delay)
		}

		return fmt.Errorf("upload failed: %w", lastErr)
	},
}

func init() {
	rootCmd.AddCommand(uploadCmd)
}
