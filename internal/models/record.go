// Package models defines the data structures shared by the scrapedeck console.
package models

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// PremiumThreshold is the price from which a record is premium by convention.
const PremiumThreshold = 25000

// MaxDisplayImages is how many images a row shows before "+N more".
const MaxDisplayImages = 4

// Availability is the stock state of a record.
type Availability string

const (
	AvailabilityInStock    Availability = "in-stock"
	AvailabilityOutOfStock Availability = "out-of-stock"
	AvailabilityLimited    Availability = "limited"
	AvailabilityPreorder   Availability = "preorder"
)

// Availabilities lists the accepted values in display order.
var Availabilities = []Availability{
	AvailabilityInStock,
	AvailabilityOutOfStock,
	AvailabilityLimited,
	AvailabilityPreorder,
}

// ParseAvailability maps the scraper's spellings ("InStock", "OutOfStock",
// "pre_order", ...) onto an Availability. Unknown values are in-stock.
func ParseAvailability(s string) Availability {
	key := strings.Map(func(r rune) rune {
		switch r {
		case '-', '_', ' ':
			return -1
		}
		return r
	}, strings.ToLower(strings.TrimSpace(s)))

	switch key {
	case "outofstock", "soldout", "unavailable":
		return AvailabilityOutOfStock
	case "limited", "limitedavailability", "limitedstock", "lowstock":
		return AvailabilityLimited
	case "preorder", "backorder":
		return AvailabilityPreorder
	default:
		return AvailabilityInStock
	}
}

// ExtractionMethod records how a record came to exist.
type ExtractionMethod string

const (
	ExtractionAIAgent    ExtractionMethod = "ai_agent"
	ExtractionManualEdit ExtractionMethod = "manual_edit"
	ExtractionManualAdd  ExtractionMethod = "manual_add"
)

// ParseExtractionMethod keeps the manual methods and folds every scraper
// method (pure_ai, dynamic_ai_selectors, ...) into ai_agent.
func ParseExtractionMethod(s string) ExtractionMethod {
	switch ExtractionMethod(s) {
	case ExtractionManualEdit, ExtractionManualAdd:
		return ExtractionMethod(s)
	default:
		return ExtractionAIAgent
	}
}

// IsPremiumPrice reports whether price meets the premium convention.
func IsPremiumPrice(price float64) bool {
	return price >= PremiumThreshold
}

// Record is one scraped or edited product.
type Record struct {
	Name             string           `json:"product_name"`
	Description      string           `json:"description"`
	Price            float64          `json:"price"`
	DiscountedPrice  float64          `json:"discounted_price"` // 0 means none
	Availability     Availability     `json:"availability"`
	Sizes            []string         `json:"sizes"`
	Colors           []string         `json:"colors"`
	Material         string           `json:"material"`
	Categories       []string         `json:"categories"`
	Images           []string         `json:"product_images"`
	IsPremium        bool             `json:"is_premium"`
	SourceURL        string           `json:"source_url,omitempty"`
	Weight           float64          `json:"weight"`
	ExtractionMethod ExtractionMethod `json:"extraction_method"`
	Timestamp        string           `json:"timestamp"`

	// ImageSizes is computed display metadata and is never exported.
	ImageSizes map[string]string `json:"image_sizes,omitempty"`
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	c := r
	c.Sizes = cloneStrings(r.Sizes)
	c.Colors = cloneStrings(r.Colors)
	c.Categories = cloneStrings(r.Categories)
	c.Images = cloneStrings(r.Images)
	if r.ImageSizes != nil {
		c.ImageSizes = make(map[string]string, len(r.ImageSizes))
		for k, v := range r.ImageSizes {
			c.ImageSizes[k] = v
		}
	}
	return c
}

// DisplayImages returns at most MaxDisplayImages images and the overflow count.
func (r Record) DisplayImages() ([]string, int) {
	if len(r.Images) <= MaxDisplayImages {
		return r.Images, 0
	}
	return r.Images[:MaxDisplayImages], len(r.Images) - MaxDisplayImages
}

// FirstCategory returns the first category or "".
func (r Record) FirstCategory() string {
	if len(r.Categories) == 0 {
		return ""
	}
	return r.Categories[0]
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

// recordWire is the tolerant decoding shape. The scraper nests availability
// and categories under metadata, emits prices as numbers or strings and
// variants as strings or option objects.
type recordWire struct {
	Name             string            `json:"product_name"`
	Description      string            `json:"description"`
	Price            json.RawMessage   `json:"price"`
	DiscountedPrice  json.RawMessage   `json:"discounted_price"`
	Availability     string            `json:"availability"`
	Sizes            json.RawMessage   `json:"sizes"`
	Colors           json.RawMessage   `json:"colors"`
	Material         json.RawMessage   `json:"material"`
	Categories       json.RawMessage   `json:"categories"`
	Images           json.RawMessage   `json:"product_images"`
	IsPremium        *bool             `json:"is_premium"`
	SourceURL        string            `json:"source_url"`
	URL              string            `json:"url"`
	Weight           json.RawMessage   `json:"weight"`
	ExtractionMethod string            `json:"extraction_method"`
	Timestamp        string            `json:"timestamp"`
	ImageSizes       map[string]string `json:"image_sizes"`
	Metadata         *struct {
		Availability string          `json:"availability"`
		Categories   json.RawMessage `json:"categories"`
	} `json:"metadata"`
}

// UnmarshalJSON decodes both scraper output and previously staged records.
func (r *Record) UnmarshalJSON(data []byte) error {
	var w recordWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	availability := w.Availability
	categories := w.Categories
	if w.Metadata != nil {
		if availability == "" {
			availability = w.Metadata.Availability
		}
		if isEmptyJSON(categories) {
			categories = w.Metadata.Categories
		}
	}

	*r = Record{
		Name:             w.Name,
		Description:      w.Description,
		Price:            NonNegative(decodeNumber(w.Price)),
		DiscountedPrice:  NonNegative(decodeNumber(w.DiscountedPrice)),
		Availability:     ParseAvailability(availability),
		Sizes:            Dedupe(decodeStrings(w.Sizes)),
		Colors:           Dedupe(decodeStrings(w.Colors)),
		Categories:       Dedupe(decodeStrings(categories)),
		Images:           decodeStrings(w.Images),
		SourceURL:        w.SourceURL,
		Weight:           NonNegative(decodeNumber(w.Weight)),
		ExtractionMethod: ParseExtractionMethod(w.ExtractionMethod),
		Timestamp:        w.Timestamp,
		ImageSizes:       w.ImageSizes,
	}
	if r.SourceURL == "" {
		r.SourceURL = w.URL
	}
	if materials := decodeStrings(w.Material); len(materials) > 0 {
		r.Material = materials[0]
	}
	if w.IsPremium != nil {
		r.IsPremium = *w.IsPremium
	} else {
		r.IsPremium = IsPremiumPrice(r.Price)
	}
	return nil
}

// Dedupe returns values with blanks and repeats removed, keeping first-seen order.
func Dedupe(values []string) []string {
	if values == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func isEmptyJSON(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte("[]"))
}

func decodeNumber(raw json.RawMessage) float64 {
	if isEmptyJSON(raw) {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return ParseNumber(s)
	}
	return 0
}

// optionLabelKeys are tried in order when a variant arrives as an object.
var optionLabelKeys = []string{"option_value_name", "name", "label", "value", "_id", "url", "src"}

// decodeStrings accepts a string, a list of strings/numbers/objects, or a
// single object and returns the readable values in order.
func decodeStrings(raw json.RawMessage) []string {
	if isEmptyJSON(raw) {
		return nil
	}

	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		if s, ok := decodeScalar(raw); ok {
			return []string{s}
		}
		return nil
	}

	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := decodeScalar(item); ok {
			out = append(out, s)
		}
	}
	return out
}

func decodeScalar(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		return s, s != ""
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64), true
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		for _, key := range optionLabelKeys {
			if v, ok := obj[key].(string); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v), true
			}
		}
	}
	return "", false
}
