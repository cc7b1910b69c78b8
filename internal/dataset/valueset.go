package dataset

import (
	"fmt"
	"slices"

	"github.com/raphaelgruber/scrapedeck/internal/models"
)

// Field names a multi-valued record field.
type Field string

const (
	FieldSizes      Field = "sizes"
	FieldColors     Field = "colors"
	FieldMaterial   Field = "material"
	FieldCategories Field = "categories"
)

// Fields lists every multi-valued field.
var Fields = []Field{FieldSizes, FieldColors, FieldMaterial, FieldCategories}

// ParseField validates a field name.
func ParseField(s string) (Field, error) {
	f := Field(s)
	if slices.Contains(Fields, f) {
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownField, s)
}

// SingleValued reports whether the field holds at most one value.
func (f Field) SingleValued() bool {
	return f == FieldMaterial
}

// getValues reads a field as an ordered set regardless of storage.
func getValues(r *models.Record, f Field) []string {
	switch f {
	case FieldSizes:
		return slices.Clone(r.Sizes)
	case FieldColors:
		return slices.Clone(r.Colors)
	case FieldCategories:
		return slices.Clone(r.Categories)
	case FieldMaterial:
		if r.Material == "" {
			return []string{}
		}
		return []string{r.Material}
	}
	return nil
}

// putValues stores an already normalized set into the record.
func putValues(r *models.Record, f Field, values []string) {
	switch f {
	case FieldSizes:
		r.Sizes = values
	case FieldColors:
		r.Colors = values
	case FieldCategories:
		r.Categories = values
	case FieldMaterial:
		r.Material = ""
		if len(values) > 0 {
			r.Material = values[0]
		}
	}
}

// normalize dedupes values and collapses single-valued fields to their first entry.
func normalize(f Field, values []string) []string {
	out := models.Dedupe(values)
	if out == nil {
		out = []string{}
	}
	if f.SingleValued() && len(out) > 1 {
		out = out[:1]
	}
	return out
}

// toggleValue returns the symmetric difference of current and {v}. A
// single-valued field is replaced by {v} unless v is already its value.
func toggleValue(f Field, current []string, v string) []string {
	if i := slices.Index(current, v); i >= 0 {
		return slices.Delete(slices.Clone(current), i, i+1)
	}
	if f.SingleValued() {
		return []string{v}
	}
	return append(slices.Clone(current), v)
}
