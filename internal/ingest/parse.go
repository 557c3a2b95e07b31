package ingest

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	errNotNumber       = errors.New("not a number")
	errNegative        = errors.New("negative amount")
	errNotFinite       = errors.New("not a finite number")
	errEmpty           = errors.New("empty value")
	errUnknownTimeForm = errors.New("unrecognized timestamp format")
)

// Layouts carrying their own offset.
var zonedLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05Z07:00",
}

// Layouts interpreted in the reference location.
var localLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02",
	"2006/01/02 15:04:05",
	"2006/01/02 15:04",
	"2006/01/02",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
	"01/02/2006",
	"1/2/2006 15:04:05",
	"1/2/2006 15:04",
	"1/2/2006",
}

// ParseTimestamp accepts the formats commonly exported by spreadsheets and
// payment systems, plus Unix seconds or milliseconds.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errEmpty
	}
	if loc == nil {
		loc = time.UTC
	}

	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UTC(), nil
		}
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
		switch {
		case len(s) >= 13:
			return time.UnixMilli(n).UTC(), nil
		case len(s) >= 9:
			return time.Unix(n, 0).UTC(), nil
		}
	}

	return time.Time{}, errUnknownTimeForm
}

// ParseAmount accepts plain decimals, an optional leading currency symbol
// and thousands separators.
func ParseAmount(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errEmpty
	}
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errNotNumber
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errNotFinite
	}
	if v < 0 {
		return 0, errNegative
	}
	return v, nil
}

// NormalizeColumn lower-cases and trims a header, mapping spaces and
// hyphens to underscores.
func NormalizeColumn(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.TrimPrefix(name, "\ufeff")
	return strings.NewReplacer(" ", "_", "-", "_").Replace(name)
}

// optional normalizes a free-text categorical field; placeholders mean absent.
func optional(s string) string {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "nan", "null", "none", "n/a", "na":
		return ""
	}
	return s
}
