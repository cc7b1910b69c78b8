package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/raphaelgruber/scrapedeck/internal/service"
	"github.com/spf13/cobra"
)

var editAutosave time.Duration

var editCmd = &cobra.Command{
	Use:   "edit [task-id]",
	Short: "Review and edit scraped records",
	Long: `Open an interactive editor over a dataset. Without a task id the locally
staged dataset is resumed; with one, the task's records are fetched from the
server (the optimized version when the server has one).

The dataset is saved to staging on every auto-save tick, on 'save' and when
the editor exits. Type 'help' inside the editor for its commands.

Examples:
  scrapedeck edit
  scrapedeck edit 6f1c0d2e-... --autosave 1m`,
	Args:        cobra.MaximumNArgs(1),
	Annotations: map[string]string{fullScreen: "true"},
	RunE:        runEdit,
}

func init() {
	editCmd.Flags().DurationVar(&editAutosave, "autosave", 0, "auto-save interval (default from config, 0 disables)")
}

func runEdit(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	api := newAPIClient()
	session := service.NewSession(store, api, newPipeline(api, store, false), logger)

	if len(args) == 1 {
		res, err := session.LoadTask(ctx, args[0])
		if err != nil {
			return err
		}
		version := "original"
		if res.IsFixedVersion {
			version = "optimized"
		}
		fmt.Printf("Loaded %d records of task %s (%s version).\n", len(res.Records), args[0], version)
	} else {
		snap, err := session.LoadStaged()
		if errors.Is(err, service.ErrNothingStaged) {
			return errors.New("nothing staged; run 'scrapedeck scrape' first or pass a task id")
		}
		if err != nil {
			return err
		}
		fmt.Printf("Resumed %d staged records of task %s (saved %s).\n",
			len(snap.Records), snap.TaskID, snap.SavedAt.Local().Format(time.DateTime))
	}

	autosave := cfg.AutosaveInterval
	if cmd.Flags().Changed("autosave") {
		autosave = editAutosave
	}

	return newShell(ctx, session, os.Stdout, logger).run(os.Stdin, autosave)
}
