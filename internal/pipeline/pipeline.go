// Package pipeline turns the edited working set into an uploadable batch:
// collect, enrich with per-category weights, export.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/raphaelgruber/scrapedeck/internal/client"
	"github.com/raphaelgruber/scrapedeck/internal/dataset"
	"github.com/raphaelgruber/scrapedeck/internal/models"
)

// Batch metadata constants.
const (
	UploadType   = "manual_edit"
	UploadSource = "edit_interface"
)

// ErrEmptyBatch is returned by Export when there is nothing to upload.
var ErrEmptyBatch = errors.New("no records to upload")

// Source is the read side of the dataset editor.
type Source interface {
	Len() int
	Record(i int) (models.Record, error)
	Values(f dataset.Field, i int) ([]string, error)
}

// Lookup resolves a category to a weight.
type Lookup interface {
	LookupWeight(ctx context.Context, category string) (float64, error)
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(ctx context.Context, category string) (float64, error)

// LookupWeight calls f.
func (f LookupFunc) LookupWeight(ctx context.Context, category string) (float64, error) {
	return f(ctx, category)
}

// Uploader sends a batch to the storage collaborator.
type Uploader interface {
	UploadBatch(ctx context.Context, batch client.Batch) error
}

// Stager holds the locally staged copy of the dataset.
type Stager interface {
	ClearRecords() error
}

// Pipeline wires the collaborators of one upload.
type Pipeline struct {
	Lookup         Lookup
	Uploader       Uploader
	Stager         Stager
	Logger         *slog.Logger
	SendToExternal bool
	Now            func() time.Time
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Collect reads every working row into a clean record: text trimmed, numbers
// finite and non-negative, set fields read through the editor, timestamp
// defaulted to now.
func Collect(src Source, now time.Time) ([]models.Record, error) {
	out := make([]models.Record, 0, src.Len())
	for i := range src.Len() {
		r, err := src.Record(i)
		if err != nil {
			return nil, fmt.Errorf("collect row %d: %w", i, err)
		}

		r.Name = strings.TrimSpace(r.Name)
		r.Description = strings.TrimSpace(r.Description)
		r.SourceURL = strings.TrimSpace(r.SourceURL)
		r.Price = models.NonNegative(r.Price)
		r.DiscountedPrice = models.NonNegative(r.DiscountedPrice)
		r.Weight = models.NonNegative(r.Weight)
		r.Images = trimImages(r.Images)

		for _, f := range dataset.Fields {
			values, err := src.Values(f, i)
			if err != nil {
				return nil, fmt.Errorf("collect row %d %s: %w", i, f, err)
			}
			setField(&r, f, values)
		}

		if strings.TrimSpace(r.Timestamp) == "" {
			r.Timestamp = now.UTC().Format(time.RFC3339)
		}
		out = append(out, r)
	}
	return out, nil
}

func setField(r *models.Record, f dataset.Field, values []string) {
	switch f {
	case dataset.FieldSizes:
		r.Sizes = values
	case dataset.FieldColors:
		r.Colors = values
	case dataset.FieldCategories:
		r.Categories = values
	case dataset.FieldMaterial:
		r.Material = ""
		if len(values) > 0 {
			r.Material = values[0]
		}
	}
}

func trimImages(images []string) []string {
	out := make([]string, 0, len(images))
	for _, img := range images {
		if img = strings.TrimSpace(img); img != "" {
			out = append(out, img)
		}
	}
	return out
}

// EnrichFailure is one lookup that did not produce a weight.
type EnrichFailure struct {
	Index    int
	Category string
	Err      error
}

// EnrichReport summarizes an enrichment pass.
type EnrichReport struct {
	Total       int
	Enriched    int
	NoCategory  int
	Failures    []EnrichFailure
	Interrupted bool
}

// Enrich sets the weight of each record from its first category, one lookup
// at a time in index order. A failed lookup or a missing category leaves the
// weight at 0 and processing continues; cancellation stops further lookups.
func (p *Pipeline) Enrich(ctx context.Context, batch []models.Record) ([]models.Record, EnrichReport) {
	log := p.logger()
	report := EnrichReport{Total: len(batch)}

	out := make([]models.Record, len(batch))
	for i, r := range batch {
		out[i] = r.Clone()
	}

	for i := range out {
		if ctx.Err() != nil {
			report.Interrupted = true
			log.Warn("enrichment interrupted", "remaining", len(out)-i)
			break
		}

		category := out[i].FirstCategory()
		if category == "" {
			out[i].Weight = 0
			report.NoCategory++
			continue
		}

		w, err := p.Lookup.LookupWeight(ctx, category)
		if err != nil {
			out[i].Weight = 0
			report.Failures = append(report.Failures, EnrichFailure{Index: i, Category: category, Err: err})
			log.Warn("weight lookup failed", "index", i, "category", category, "error", err)
			continue
		}
		out[i].Weight = models.NonNegative(w)
		report.Enriched++
	}

	log.Info("enrichment done",
		"total", report.Total,
		"enriched", report.Enriched,
		"failed", len(report.Failures),
		"no_category", report.NoCategory,
	)
	return out, report
}

// Export strips transient fields, wraps the batch with upload metadata and
// uploads it. Success clears the staged copy; failure keeps it.
func (p *Pipeline) Export(ctx context.Context, batch []models.Record) error {
	if len(batch) == 0 {
		return ErrEmptyBatch
	}

	records := make([]models.Record, len(batch))
	for i, r := range batch {
		r = r.Clone()
		r.ImageSizes = nil
		records[i] = r
	}

	err := p.Uploader.UploadBatch(ctx, client.Batch{
		Records: records,
		Metadata: client.BatchMetadata{
			Timestamp:     p.now().UTC().Format(time.RFC3339),
			TotalProducts: len(records),
			UploadType:    UploadType,
			Source:        UploadSource,
		},
		SendToExternal: p.SendToExternal,
	})
	if err != nil {
		p.logger().Error("upload failed, staged records kept", "count", len(records), "error", err)
		return fmt.Errorf("export: %w", err)
	}

	if p.Stager != nil {
		if err := p.Stager.ClearRecords(); err != nil {
			p.logger().Warn("clear staged records", "error", err)
		}
	}
	p.logger().Info("batch uploaded", "count", len(records))
	return nil
}

// UploadReport is the outcome of Run.
type UploadReport struct {
	Uploaded int
	Enrich   EnrichReport
}

// Run collects, enriches and exports src.
func (p *Pipeline) Run(ctx context.Context, src Source) (UploadReport, error) {
	batch, err := Collect(src, p.now())
	if err != nil {
		return UploadReport{}, err
	}

	enriched, report := p.Enrich(ctx, batch)
	if report.Interrupted {
		return UploadReport{Enrich: report}, fmt.Errorf("enrich: %w", ctx.Err())
	}

	if err := p.Export(ctx, enriched); err != nil {
		return UploadReport{Enrich: report}, err
	}
	return UploadReport{Uploaded: len(enriched), Enrich: report}, nil
}
