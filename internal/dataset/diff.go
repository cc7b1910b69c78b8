package dataset

import (
	"slices"

	"github.com/raphaelgruber/scrapedeck/internal/models"
)

// ChangeKind classifies a row in a Diff.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeRemoved  ChangeKind = "removed"
	ChangeModified ChangeKind = "modified"
)

// RowChange describes how one row differs from the snapshot. Index is the
// working index (-1 for removed rows) and OriginalIndex the snapshot index
// (-1 for added rows).
type RowChange struct {
	Kind          ChangeKind
	Index         int
	OriginalIndex int
	Name          string
	Fields        []string
}

// Diff compares the working set with the snapshot by stable row id. Rows are
// reported in working order, followed by removed rows in snapshot order.
// Provenance fields (extraction_method, timestamp) are not compared.
func (e *Editor) Diff() []RowChange {
	orig := make(map[string]int, len(e.original))
	for i, r := range e.original {
		orig[r.id] = i
	}

	var changes []RowChange
	seen := make(map[string]struct{}, len(e.working))
	for i, w := range e.working {
		seen[w.id] = struct{}{}
		oi, ok := orig[w.id]
		if !ok {
			changes = append(changes, RowChange{Kind: ChangeAdded, Index: i, OriginalIndex: -1, Name: w.rec.Name})
			continue
		}
		if fields := changedFields(e.original[oi].rec, w.rec); len(fields) > 0 {
			changes = append(changes, RowChange{Kind: ChangeModified, Index: i, OriginalIndex: oi, Name: w.rec.Name, Fields: fields})
		}
	}
	for i, o := range e.original {
		if _, ok := seen[o.id]; !ok {
			changes = append(changes, RowChange{Kind: ChangeRemoved, Index: -1, OriginalIndex: i, Name: o.rec.Name})
		}
	}
	return changes
}

func changedFields(a, b models.Record) []string {
	var out []string
	add := func(name string, differ bool) {
		if differ {
			out = append(out, name)
		}
	}
	add("product_name", a.Name != b.Name)
	add("description", a.Description != b.Description)
	add("price", a.Price != b.Price)
	add("discounted_price", a.DiscountedPrice != b.DiscountedPrice)
	add("availability", a.Availability != b.Availability)
	add("sizes", !slices.Equal(a.Sizes, b.Sizes))
	add("colors", !slices.Equal(a.Colors, b.Colors))
	add("material", a.Material != b.Material)
	add("categories", !slices.Equal(a.Categories, b.Categories))
	add("product_images", !slices.Equal(a.Images, b.Images))
	add("is_premium", a.IsPremium != b.IsPremium)
	add("source_url", a.SourceURL != b.SourceURL)
	add("weight", a.Weight != b.Weight)
	return out
}
