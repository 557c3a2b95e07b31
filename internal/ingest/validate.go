package ingest

import (
	"fmt"
	"time"
)

// Options tunes a Validate call.
type Options struct {
	// MinRows is the fewest valid rows accepted. Zero means DefaultMinRows.
	// Live-feed increments pass 1.
	MinRows int
	// Location interprets zone-less timestamps. Nil means UTC.
	Location *time.Location
	// MaxRejections caps the per-row reasons kept in the result (counts are
	// always exact). Zero means 100.
	MaxRejections int
}

func (o Options) withDefaults() Options {
	if o.MinRows <= 0 {
		o.MinRows = DefaultMinRows
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.MaxRejections <= 0 {
		o.MaxRejections = 100
	}
	return o
}

// Validate checks a batch and returns its normalized rows. Structural
// problems (no header, missing required columns, unknown source) fail the
// whole batch with a *ValidationError naming each problem. Malformed
// records are dropped and counted. Fewer than MinRows survivors yield an
// *InsufficientDataError.
func Validate(b *Batch, source Source, opts Options) (*Result, error) {
	opts = opts.withDefaults()

	var problems []string
	if !source.Valid() {
		problems = append(problems, fmt.Sprintf("unknown source %q", source))
	}
	if b == nil || len(b.Columns) == 0 {
		problems = append(problems, "batch has no header row")
		return nil, &ValidationError{Problems: problems}
	}

	index := make(map[string]int, len(b.Columns))
	for i, c := range b.Columns {
		name := NormalizeColumn(c)
		if _, dup := index[name]; dup {
			problems = append(problems, fmt.Sprintf("duplicate column %q", name))
			continue
		}
		index[name] = i
	}
	for _, req := range RequiredColumns {
		if _, ok := index[req]; !ok {
			problems = append(problems, fmt.Sprintf("missing required column %q", req))
		}
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	get := func(rec []string, col string) string {
		i, ok := index[col]
		if !ok || i >= len(rec) {
			return ""
		}
		return rec[i]
	}

	res := &Result{Rows: make([]Row, 0, len(b.Records))}
	seen := make(map[string]struct{}, len(b.Records))
	reject := func(n int, reason string) {
		res.Rejected++
		if len(res.Rejections) < opts.MaxRejections {
			res.Rejections = append(res.Rejections, Rejection{Row: n, Reason: reason})
		}
	}

	for i, rec := range b.Records {
		n := i + 1
		if blank(rec) {
			continue
		}

		amount, err := ParseAmount(get(rec, ColAmount))
		if err != nil {
			reject(n, "amount: "+err.Error())
			continue
		}
		ts, err := ParseTimestamp(get(rec, ColTimestamp), opts.Location)
		if err != nil {
			reject(n, "timestamp: "+err.Error())
			continue
		}

		row := Row{
			Amount:           amount,
			Timestamp:        ts,
			UserID:           optional(get(rec, ColUserID)),
			MerchantCategory: optional(get(rec, ColMerchantCategory)),
			Location:         optional(get(rec, ColLocation)),
			DeviceType:       optional(get(rec, ColDeviceType)),
			Source:           source,
		}
		row.ID = Identity(row.Amount, row.Timestamp, row.UserID, row.Source)

		if _, dup := seen[row.ID]; dup {
			res.Duplicates++
			continue
		}
		seen[row.ID] = struct{}{}
		res.Rows = append(res.Rows, row)
	}

	res.Accepted = len(res.Rows)
	if res.Accepted < opts.MinRows {
		return nil, &InsufficientDataError{Got: res.Accepted, Need: opts.MinRows}
	}
	return res, nil
}

func blank(rec []string) bool {
	for _, v := range rec {
		if v != "" && optional(v) != "" {
			return false
		}
	}
	return true
}
