package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/raphaelgruber/scrapedeck/internal/models"
	"github.com/spf13/cobra"
)

var (
	terminateAll    bool
	terminateReason string
)

var terminateCmd = &cobra.Command{
	Use:   "terminate [task-id...]",
	Short: "Terminate scrape tasks",
	Long: `Terminate the given tasks, or every active task with --all. Termination is
best effort: tasks that already finished are reported as failed.

Examples:
  scrapedeck terminate 6f1c0d2e-...
  scrapedeck terminate --all --reason "wrong urls"`,
	RunE: runTerminate,
}

func init() {
	terminateCmd.Flags().BoolVar(&terminateAll, "all", false, "terminate every active task")
	terminateCmd.Flags().StringVar(&terminateReason, "reason", "user_requested", "reason sent with the request")
}

func runTerminate(cmd *cobra.Command, args []string) error {
	if !terminateAll && len(args) == 0 {
		return errors.New("give task ids or --all")
	}

	ctx := context.Background()
	reg := newRegistry(newAPIClient())

	var (
		res models.TerminateResult
		err error
	)
	if terminateAll {
		res, err = reg.TerminateAll(ctx, terminateReason, args...)
	} else {
		res, err = reg.Terminate(ctx, args, terminateReason)
	}

	if res.TotalTerminated == 0 && len(res.FailedIDs) == 0 && err == nil {
		fmt.Println("No active tasks")
		return nil
	}

	fmt.Print(renderTerminate(defaultTheme, res, nil))
	if err != nil {
		return err
	}
	if res.Outcome() == models.TerminateNone {
		return errors.New("no task was terminated")
	}
	return nil
}
