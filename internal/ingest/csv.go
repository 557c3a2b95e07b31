package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
)

// ReadCSV reads a CSV document whose first record is the header.
// Records may have fewer fields than the header.
func ReadCSV(r io.Reader) (*Batch, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = false

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, &ValidationError{Problems: []string{"batch has no header row"}}
	}
	if err != nil {
		return nil, readError(err)
	}

	b := &Batch{Columns: header}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, readError(err)
		}
		b.Records = append(b.Records, rec)
	}
	return b, nil
}

// FromMaps builds a batch from keyed records, e.g. a JSON upload body.
// The column set is the union of all keys in sorted order.
func FromMaps(records []map[string]string) *Batch {
	cols := make(map[string]struct{})
	for _, m := range records {
		for k := range m {
			cols[k] = struct{}{}
		}
	}
	b := &Batch{Columns: make([]string, 0, len(cols))}
	for c := range cols {
		b.Columns = append(b.Columns, c)
	}
	sort.Strings(b.Columns)

	b.Records = make([][]string, 0, len(records))
	for _, m := range records {
		rec := make([]string, len(b.Columns))
		for i, c := range b.Columns {
			rec[i] = m[c]
		}
		b.Records = append(b.Records, rec)
	}
	return b
}

// Slice returns a batch with the same header and records[from:].
func (b *Batch) Slice(from int) *Batch {
	if from < 0 {
		from = 0
	}
	if from > len(b.Records) {
		from = len(b.Records)
	}
	return &Batch{Columns: b.Columns, Records: b.Records[from:]}
}

// readError keeps transport failures (such as an oversized body) distinct
// from malformed input.
func readError(err error) error {
	var pe *csv.ParseError
	if !errors.As(err, &pe) {
		return fmt.Errorf("read csv: %w", err)
	}
	return &ValidationError{Problems: []string{fmt.Sprintf("malformed csv: %v", err)}}
}
