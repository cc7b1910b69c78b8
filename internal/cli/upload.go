package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/raphaelgruber/scrapedeck/internal/pipeline"
	"github.com/raphaelgruber/scrapedeck/internal/service"
	"github.com/spf13/cobra"
)

var uploadExternal bool

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Upload the staged dataset",
	Long: `Enrich the staged dataset with shipping weights and upload it to storage.
The staged copy is removed after a successful upload and kept otherwise.

Examples:
  scrapedeck upload
  scrapedeck upload --external`,
	Args: cobra.NoArgs,
	RunE: runUpload,
}

func init() {
	uploadCmd.Flags().BoolVar(&uploadExternal, "external", false, "also forward the batch to the external store")
}

func runUpload(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	api := newAPIClient()
	session := service.NewSession(store, api, newPipeline(api, store, uploadExternal), logger)

	snap, err := session.LoadStaged()
	if errors.Is(err, service.ErrNothingStaged) {
		fmt.Println("Nothing staged.")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Printf("Uploading %d records of task %s...\n", len(snap.Records), snap.TaskID)
	report, err := session.Upload(ctx)
	printEnrichReport(os.Stdout, report.Enrich)
	if err != nil {
		return err
	}
	fmt.Printf("Uploaded %d records.\n", report.Uploaded)
	return nil
}

func printEnrichReport(w io.Writer, r pipeline.EnrichReport) {
	if r.Total == 0 {
		return
	}
	fmt.Fprintf(w, "Weights: %d of %d looked up", r.Enriched, r.Total)
	if r.NoCategory > 0 {
		fmt.Fprintf(w, ", %d without category", r.NoCategory)
	}
	if len(r.Failures) > 0 {
		fmt.Fprintf(w, ", %d failed", len(r.Failures))
	}
	fmt.Fprintln(w)
	for _, f := range r.Failures {
		fmt.Fprintf(w, "  • #%d %s: %v\n", f.Index+1, f.Category, f.Err)
	}
	if r.Interrupted {
		fmt.Fprintln(w, "Enrichment interrupted.")
	}
}
