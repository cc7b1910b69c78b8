package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/raphaelgruber/scrapedeck/internal/models"
	"github.com/raphaelgruber/scrapedeck/internal/monitor"
	"github.com/raphaelgruber/scrapedeck/internal/service"
	"github.com/spf13/cobra"
)

var (
	scrapeFile           string
	scrapeMaxPages       int
	scrapeNoAIPagination bool
	scrapeNoAIExtraction bool
)

var scrapeCmd = &cobra.Command{
	Use:   "scrape [urls...]",
	Short: "Submit a scrape job and follow its progress",
	Long: `Submit one or more product listing URLs to the scraping API and follow the
task live until it finishes.

URLs come from the arguments and from --file (one per line, blank lines are
ignored). When the task completes, its records are staged locally for
'scrapedeck edit'.

Keys while monitoring:
  c         terminate every active task on the server
  q, ctrl+c stop monitoring (the task keeps running)

Examples:
  scrapedeck scrape https://shop.example/kurtas
  scrapedeck scrape --file urls.txt --max-pages 20
  scrapedeck scrape https://shop.example/sarees --no-ai-pagination`,
	Annotations: map[string]string{fullScreen: "true"},
	RunE:        runScrape,
}

func init() {
	scrapeCmd.Flags().StringVarP(&scrapeFile, "file", "f", "", "read URLs from a file, one per line")
	scrapeCmd.Flags().IntVar(&scrapeMaxPages, "max-pages", monitor.DefaultMaxPagesPerURL, "maximum pages to follow per URL")
	scrapeCmd.Flags().BoolVar(&scrapeNoAIPagination, "no-ai-pagination", false, "disable AI pagination detection")
	scrapeCmd.Flags().BoolVar(&scrapeNoAIExtraction, "no-ai-extraction", false, "disable AI extraction mode")
}

func runScrape(cmd *cobra.Command, args []string) error {
	input := strings.Join(args, "\n")
	if scrapeFile != "" {
		data, err := os.ReadFile(scrapeFile)
		if err != nil {
			return fmt.Errorf("read url file: %w", err)
		}
		input += "\n" + string(data)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	api := newAPIClient()
	ctrl := monitor.NewController(api, newRegistry(api), monitor.StreamDialer(api), logger,
		monitor.WithStatusPollInterval(cfg.PollInterval),
		monitor.WithControllerMetrics(collector),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = ctrl.Run(runCtx) }()

	taskID, err := ctrl.Submit(ctx, input, monitor.SubmitConfig{
		MaxPagesPerURL:   scrapeMaxPages,
		UseAIPagination:  !scrapeNoAIPagination,
		AIExtractionMode: !scrapeNoAIExtraction,
	})
	if err != nil {
		return err
	}

	var snap monitor.Snapshot
	var quit bool
	if isTerminal() {
		snap, quit, err = RunMonitor(ctx, ctrl, taskID)
	} else {
		fmt.Printf("Submitted task %s\n", taskID)
		snap, err = followPlain(ctx, ctrl, os.Stdout)
	}
	if err != nil {
		return err
	}
	if quit {
		return nil
	}

	return finishScrape(snap)
}

// followPlain prints progress as plain lines to w until the task ends.
func followPlain(ctx context.Context, ctrl *monitor.Controller, w io.Writer) (monitor.Snapshot, error) {
	printNotification := func(n monitor.Notification) {
		fmt.Fprintf(w, "[%s] %s\n", n.Level, n.Text)
	}
	lastPct, lastStage := -1, ""
	for {
		select {
		case <-ctx.Done():
			return ctrl.Snapshot(), nil
		case n := <-ctrl.Notifications():
			printNotification(n)
		case snap := <-ctrl.Updates():
			v := snap.View
			if v.Percentage != lastPct || v.Stage != lastStage {
				lastPct, lastStage = v.Percentage, v.Stage
				fmt.Fprintf(w, "%3d%% %s %s\n", v.Percentage, v.Stage, v.Details)
			}
			if !snap.Status.Terminal() {
				continue
			}
			// The terminal notification is sent before the snapshot is
			// published, but the select may pick the snapshot first.
			for {
				select {
				case n := <-ctrl.Notifications():
					printNotification(n)
				default:
					return snap, nil
				}
			}
		}
	}
}

// finishScrape stages the records of a completed task.
func finishScrape(snap monitor.Snapshot) error {
	task := snap.Task
	switch snap.Status {
	case models.StatusCompleted:
	case models.StatusFailed:
		if task != nil && task.Error != "" {
			return fmt.Errorf("scraping failed: %s", task.Error)
		}
		return errors.New("scraping failed")
	default:
		return nil
	}
	if task == nil || task.Result == nil || len(task.Result.Records) == 0 {
		fmt.Println("Task completed without records.")
		return nil
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	session := service.NewSession(store, nil, nil, logger)
	session.LoadRecords(task.ID, task.Result.Records)
	if _, err := session.Save(); err != nil {
		return err
	}
	fmt.Printf("Staged %d records from task %s. Run 'scrapedeck edit' to review them.\n",
		len(task.Result.Records), task.ID)
	return nil
}
