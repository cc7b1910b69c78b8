// Package cli provides the command-line interface for scrapedeck.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/raphaelgruber/scrapedeck/internal/client"
	"github.com/raphaelgruber/scrapedeck/internal/config"
	"github.com/raphaelgruber/scrapedeck/internal/metrics"
	"github.com/raphaelgruber/scrapedeck/internal/monitor"
	"github.com/raphaelgruber/scrapedeck/internal/pipeline"
	"github.com/raphaelgruber/scrapedeck/internal/staging"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// fullScreen marks commands that own the terminal; their logs go to the
// log file only.
const fullScreen = "full-screen"

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose bool

	// Global config, logger and metrics
	cfg        config.Config
	logger     *slog.Logger
	logCleanup func() error
	collector  *metrics.Collector
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "scrapedeck",
	Short: "Operator console for the AI product scraper",
	Long: `Scrapedeck submits scrape jobs to the scraping API, follows their progress
live, and lets you review, edit and upload the extracted product records.

Records of a completed scrape are staged locally. Edit them with
'scrapedeck edit' and upload them with 'scrapedeck upload'.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		if _, ok := cmd.Annotations[fullScreen]; ok && isTerminal() {
			logger, logCleanup = config.SetupFileLogger(cfg.LogFile, cfg.LogLevel)
		} else {
			logger, logCleanup = config.SetupLogger(cfg.LogFile, cfg.LogLevel)
		}
		slog.SetDefault(logger)

		collector = metrics.NewCollector()
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if verbose && collector != nil {
			printMetrics(collector.Snapshot())
		}
		if logCleanup != nil {
			if err := logCleanup(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
			}
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "print API call metrics on exit")

	rootCmd.AddCommand(scrapeCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(terminateCmd)
	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(versionCmd)
}

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd())) && term.IsTerminal(int(os.Stdin.Fd()))
}

// newAPIClient creates a scrape API client from the loaded config.
func newAPIClient() *client.Client {
	return client.New(cfg.ServerURL,
		client.WithTimeout(cfg.ClientTimeout),
		client.WithMetrics(collector),
		client.WithLogger(logger),
	)
}

func newRegistry(api *client.Client) *monitor.Registry {
	return monitor.NewRegistry(api, logger)
}

func openStore() (*staging.Store, error) {
	store, err := staging.Open(cfg.StagingDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open staging store: %w", err)
	}
	return store, nil
}

// newPipeline wires weight enrichment and upload for the staged dataset.
func newPipeline(api *client.Client, store *staging.Store, sendToExternal bool) *pipeline.Pipeline {
	weights := client.NewWeightClient(cfg.WeightURL,
		client.WithWeightRateLimit(cfg.WeightRPS),
		client.WithWeightMetrics(collector),
		client.WithWeightLogger(logger),
	)
	return &pipeline.Pipeline{
		Lookup:         weights,
		Uploader:       api,
		Stager:         store,
		Logger:         logger,
		SendToExternal: sendToExternal || cfg.SendToExternal,
	}
}

func printMetrics(snap metrics.Snapshot) {
	fmt.Fprintf(os.Stderr, "\nMetrics (uptime %.0fs)\n", snap.UptimeSeconds)
	for _, op := range snap.Operations {
		fmt.Fprintf(os.Stderr, "  %-14s %4d calls  %3d errors  avg %s\n",
			op.Name, op.Count, op.Errors, time.Duration(op.AvgTimeMs*float64(time.Millisecond)).Round(time.Millisecond))
	}
	for name, n := range snap.Counters {
		fmt.Fprintf(os.Stderr, "  %-14s %4d\n", name, n)
	}
}
