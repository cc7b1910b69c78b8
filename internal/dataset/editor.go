// Package dataset implements the in-memory dataset editor: a working set of
// records, an immutable snapshot taken at load time, dirty and selection
// tracking, structural edits and reset.
//
// An Editor is not safe for concurrent use. It is meant to be driven from a
// single event loop, the same one that renders it.
package dataset

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/scrapedeck/internal/models"
)

// CopySuffix is appended to the name of a duplicated record.
const CopySuffix = " (Copy)"

// row pairs a record with the stable id used to match it against the snapshot.
type row struct {
	id  string
	rec models.Record
}

// Handle addresses a row at a given editor generation. Any structural change
// (load, add, duplicate, delete, reset) invalidates existing handles.
type Handle struct {
	Index      int
	Generation uint64
}

// ToggleResult is returned by Toggle.
type ToggleResult struct {
	Values []string
	// ClosePicker is set for single-valued fields: the picker that issued the
	// toggle has made its one choice.
	ClosePicker bool
}

// Editor owns the working set for one edit session.
type Editor struct {
	working  []row
	original []row
	dirty    map[int]struct{}
	selected map[int]struct{}
	gen      uint64

	newID func() string
	now   func() time.Time
}

// New creates an empty editor.
func New() *Editor {
	return &Editor{
		dirty:    make(map[int]struct{}),
		selected: make(map[int]struct{}),
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

// Load replaces both the working set and the snapshot with deep copies of
// records and clears dirty and selection state.
func (e *Editor) Load(records []models.Record) {
	e.original = make([]row, len(records))
	e.working = make([]row, len(records))
	for i, r := range records {
		id := e.newID()
		e.original[i] = row{id: id, rec: r.Clone()}
		e.working[i] = row{id: id, rec: r.Clone()}
	}
	e.dirty = make(map[int]struct{})
	e.selected = make(map[int]struct{})
	e.gen++
}

// Len returns the number of working rows.
func (e *Editor) Len() int {
	return len(e.working)
}

// Generation returns the structural generation counter.
func (e *Editor) Generation() uint64 {
	return e.gen
}

// Record returns a copy of the working record at i.
func (e *Editor) Record(i int) (models.Record, error) {
	if err := e.check(i); err != nil {
		return models.Record{}, err
	}
	return e.working[i].rec.Clone(), nil
}

// Records returns copies of all working records in order.
func (e *Editor) Records() []models.Record {
	return cloneRows(e.working)
}

// Original returns copies of the snapshot records in load order.
func (e *Editor) Original() []models.Record {
	return cloneRows(e.original)
}

// Handle returns a generation-checked handle for row i.
func (e *Editor) Handle(i int) (Handle, error) {
	if err := e.check(i); err != nil {
		return Handle{}, err
	}
	return Handle{Index: i, Generation: e.gen}, nil
}

// Resolve returns the index a handle refers to, or ErrStaleHandle when the
// working set changed shape since the handle was issued.
func (e *Editor) Resolve(h Handle) (int, error) {
	if h.Generation != e.gen {
		return 0, ErrStaleHandle
	}
	if err := e.check(h.Index); err != nil {
		return 0, err
	}
	return h.Index, nil
}

// Values returns the current ordered set of field f for row i. Material is
// returned as a set of zero or one element.
func (e *Editor) Values(f Field, i int) ([]string, error) {
	if err := e.checkField(f, i); err != nil {
		return nil, err
	}
	return getValues(&e.working[i].rec, f), nil
}

// SetValues replaces field f of row i and marks the row dirty. It is the only
// path through which multi-valued fields change.
func (e *Editor) SetValues(f Field, i int, values []string) error {
	if err := e.checkField(f, i); err != nil {
		return err
	}
	putValues(&e.working[i].rec, f, normalize(f, values))
	e.touch(i)
	return nil
}

// Toggle adds v to field f of row i when absent and removes it when present.
// For single-valued fields the set becomes {v} and ClosePicker is set.
func (e *Editor) Toggle(f Field, i int, v string) (ToggleResult, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return ToggleResult{}, ErrEmptyValue
	}
	current, err := e.Values(f, i)
	if err != nil {
		return ToggleResult{}, err
	}
	if err := e.SetValues(f, i, toggleValue(f, current, v)); err != nil {
		return ToggleResult{}, err
	}
	return ToggleResult{
		Values:      getValues(&e.working[i].rec, f),
		ClosePicker: f.SingleValued(),
	}, nil
}

// SetName sets the record name.
func (e *Editor) SetName(i int, name string) error {
	return e.edit(i, func(r *models.Record) error {
		r.Name = name
		return nil
	})
}

// SetDescription sets the record description.
func (e *Editor) SetDescription(i int, description string) error {
	return e.edit(i, func(r *models.Record) error {
		r.Description = description
		return nil
	})
}

// SetSourceURL sets the record source url.
func (e *Editor) SetSourceURL(i int, source string) error {
	return e.edit(i, func(r *models.Record) error {
		r.SourceURL = strings.TrimSpace(source)
		return nil
	})
}

// SetPrice is the price change handler. The raw input is coerced to a
// non-negative number and the premium flag is recomputed from it. No other
// handler touches IsPremium except SetPremium.
func (e *Editor) SetPrice(i int, raw string) error {
	return e.edit(i, func(r *models.Record) error {
		r.Price = models.NonNegative(models.ParseNumber(raw))
		r.IsPremium = models.IsPremiumPrice(r.Price)
		return nil
	})
}

// SetDiscountedPrice sets the discounted price; 0 clears it.
func (e *Editor) SetDiscountedPrice(i int, raw string) error {
	return e.edit(i, func(r *models.Record) error {
		r.DiscountedPrice = models.NonNegative(models.ParseNumber(raw))
		return nil
	})
}

// SetAvailability sets the stock state from any accepted spelling.
func (e *Editor) SetAvailability(i int, availability string) error {
	return e.edit(i, func(r *models.Record) error {
		r.Availability = models.ParseAvailability(availability)
		return nil
	})
}

// SetPremium sets the premium flag independently of price.
func (e *Editor) SetPremium(i int, premium bool) error {
	return e.edit(i, func(r *models.Record) error {
		r.IsPremium = premium
		return nil
	})
}

// AddImage appends an absolute http(s) image url.
func (e *Editor) AddImage(i int, raw string) error {
	raw = strings.TrimSpace(raw)
	if !validImageURL(raw) {
		return fmt.Errorf("%w: %q", ErrInvalidImageURL, raw)
	}
	return e.edit(i, func(r *models.Record) error {
		r.Images = append(r.Images, raw)
		return nil
	})
}

// RemoveImage removes the image at position pos.
func (e *Editor) RemoveImage(i, pos int) error {
	return e.edit(i, func(r *models.Record) error {
		if pos < 0 || pos >= len(r.Images) {
			return fmt.Errorf("%w: image %d", ErrIndexOutOfRange, pos)
		}
		removed := r.Images[pos]
		r.Images = slices.Delete(r.Images, pos, pos+1)
		delete(r.ImageSizes, removed)
		return nil
	})
}

// MoveImage moves the image at from to position to.
func (e *Editor) MoveImage(i, from, to int) error {
	return e.edit(i, func(r *models.Record) error {
		n := len(r.Images)
		if from < 0 || from >= n || to < 0 || to >= n {
			return fmt.Errorf("%w: image %d -> %d", ErrIndexOutOfRange, from, to)
		}
		img := r.Images[from]
		r.Images = slices.Insert(slices.Delete(r.Images, from, from+1), to, img)
		return nil
	})
}

// AddRecord appends a manually added record and returns its index. The new
// row is dirty since it has no counterpart in the snapshot.
func (e *Editor) AddRecord(r models.Record) int {
	r = r.Clone()
	r.ExtractionMethod = models.ExtractionManualAdd
	if r.Timestamp == "" {
		r.Timestamp = e.now().Format(time.RFC3339)
	}
	return e.appendRow(r)
}

// Duplicate appends a copy of row i with CopySuffix on its name and returns
// the new index. The source row is not marked dirty; the copy is.
func (e *Editor) Duplicate(i int) (int, error) {
	if err := e.check(i); err != nil {
		return 0, err
	}
	r := e.working[i].rec.Clone()
	r.Name += CopySuffix
	r.ExtractionMethod = models.ExtractionManualAdd
	return e.appendRow(r), nil
}

// Delete removes row i. Dirty and selected indices above i shift down by one.
func (e *Editor) Delete(i int) error {
	if err := e.check(i); err != nil {
		return err
	}
	e.working = slices.Delete(e.working, i, i+1)
	e.dirty = shiftDown(e.dirty, i)
	e.selected = shiftDown(e.selected, i)
	e.gen++
	return nil
}

// DeleteSelected deletes every selected row and returns how many were removed.
func (e *Editor) DeleteSelected() (int, error) {
	if len(e.selected) == 0 {
		return 0, ErrNoSelection
	}
	idx := e.Selected()
	slices.Reverse(idx)
	for _, i := range idx {
		if err := e.Delete(i); err != nil {
			return 0, err
		}
	}
	return len(idx), nil
}

// Reset restores the working set from the snapshot and clears dirty and
// selection state.
func (e *Editor) Reset() {
	e.working = make([]row, len(e.original))
	for i, r := range e.original {
		e.working[i] = row{id: r.id, rec: r.rec.Clone()}
	}
	e.dirty = make(map[int]struct{})
	e.selected = make(map[int]struct{})
	e.gen++
}

// Dirty returns the dirty row indices in ascending order.
func (e *Editor) Dirty() []int {
	return sortedKeys(e.dirty)
}

// IsDirty reports whether row i changed since load, save or reset.
func (e *Editor) IsDirty(i int) bool {
	_, ok := e.dirty[i]
	return ok
}

// MarkSaved clears the dirty set after the working set was persisted. The
// snapshot is left untouched.
func (e *Editor) MarkSaved() {
	e.dirty = make(map[int]struct{})
}

// Select adds row i to the selection.
func (e *Editor) Select(i int) error {
	if err := e.check(i); err != nil {
		return err
	}
	e.selected[i] = struct{}{}
	return nil
}

// Deselect removes row i from the selection.
func (e *Editor) Deselect(i int) error {
	if err := e.check(i); err != nil {
		return err
	}
	delete(e.selected, i)
	return nil
}

// ToggleSelected flips the selection of row i and returns the new state.
func (e *Editor) ToggleSelected(i int) (bool, error) {
	if err := e.check(i); err != nil {
		return false, err
	}
	if _, ok := e.selected[i]; ok {
		delete(e.selected, i)
		return false, nil
	}
	e.selected[i] = struct{}{}
	return true, nil
}

// SelectAll selects every row.
func (e *Editor) SelectAll() {
	for i := range e.working {
		e.selected[i] = struct{}{}
	}
}

// ClearSelection empties the selection.
func (e *Editor) ClearSelection() {
	e.selected = make(map[int]struct{})
}

// Selected returns the selected indices in ascending order.
func (e *Editor) Selected() []int {
	return sortedKeys(e.selected)
}

// IsSelected reports whether row i is selected.
func (e *Editor) IsSelected(i int) bool {
	_, ok := e.selected[i]
	return ok
}

func (e *Editor) appendRow(r models.Record) int {
	e.working = append(e.working, row{id: e.newID(), rec: r})
	i := len(e.working) - 1
	e.dirty[i] = struct{}{}
	e.gen++
	return i
}

// edit applies fn to row i and marks it dirty when fn succeeds.
func (e *Editor) edit(i int, fn func(r *models.Record) error) error {
	if err := e.check(i); err != nil {
		return err
	}
	r := e.working[i].rec.Clone()
	if err := fn(&r); err != nil {
		return err
	}
	e.working[i].rec = r
	e.touch(i)
	return nil
}

func (e *Editor) touch(i int) {
	r := &e.working[i].rec
	if r.ExtractionMethod != models.ExtractionManualAdd {
		r.ExtractionMethod = models.ExtractionManualEdit
	}
	e.dirty[i] = struct{}{}
}

func (e *Editor) check(i int) error {
	if i < 0 || i >= len(e.working) {
		return fmt.Errorf("%w: %d (rows: %d)", ErrIndexOutOfRange, i, len(e.working))
	}
	return nil
}

func (e *Editor) checkField(f Field, i int) error {
	if !slices.Contains(Fields, f) {
		return fmt.Errorf("%w: %q", ErrUnknownField, f)
	}
	return e.check(i)
}

func validImageURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func shiftDown(set map[int]struct{}, k int) map[int]struct{} {
	out := make(map[int]struct{}, len(set))
	for i := range set {
		switch {
		case i < k:
			out[i] = struct{}{}
		case i > k:
			out[i-1] = struct{}{}
		}
	}
	return out
}

func sortedKeys(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for i := range set {
		out = append(out, i)
	}
	slices.Sort(out)
	return out
}

func cloneRows(rows []row) []models.Record {
	out := make([]models.Record, len(rows))
	for i, r := range rows {
		out[i] = r.rec.Clone()
	}
	return out
}
