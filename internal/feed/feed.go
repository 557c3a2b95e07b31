// Package feed polls an external worksheet for new transaction rows and
// hands them to a sink.
package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eelnxz09/anamoly-processing/internal/ingest"
)

var (
	ErrUnreachable  = errors.New("feed: unreachable")
	ErrSchema       = errors.New("feed: schema")
	ErrNotConnected = errors.New("feed: not connected")
)

// UnreachableError wraps a transport failure, an HTTP error status or a
// timeout. It is transient: the next poll cycle retries.
type UnreachableError struct {
	Endpoint string
	Status   int
	Err      error
}

func (e *UnreachableError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("feed %s unreachable: HTTP %d", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("feed %s unreachable: %v", e.Endpoint, e.Err)
}

func (e *UnreachableError) Unwrap() error        { return e.Err }
func (e *UnreachableError) Is(target error) bool { return target == ErrUnreachable }

// SchemaError reports required columns missing from the worksheet header.
type SchemaError struct {
	Missing []string
}

func (e *SchemaError) Error() string {
	return "feed schema: missing required columns " + strings.Join(e.Missing, ", ")
}

func (e *SchemaError) Is(target error) bool { return target == ErrSchema }

// Target identifies a worksheet.
type Target struct {
	Endpoint  string `json:"endpoint"`
	Worksheet string `json:"worksheet"`
}

func (t Target) String() string { return t.Endpoint + "#" + t.Worksheet }

// Source fetches the full worksheet: header plus every data row.
type Source interface {
	Fetch(ctx context.Context) (*ingest.Batch, error)
	Target() Target
}

// Sink consumes newly seen rows. It returns how many were appended.
// An error leaves the poll offset where it was.
type Sink interface {
	IngestFeed(ctx context.Context, batch *ingest.Batch) (int, error)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, batch *ingest.Batch) (int, error)

func (f SinkFunc) IngestFeed(ctx context.Context, batch *ingest.Batch) (int, error) {
	return f(ctx, batch)
}

// CheckHeader returns a SchemaError if a required column is absent.
func CheckHeader(columns []string) error {
	have := make(map[string]bool, len(columns))
	for _, c := range columns {
		have[ingest.NormalizeColumn(c)] = true
	}
	var missing []string
	for _, req := range ingest.RequiredColumns {
		if !have[req] {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return &SchemaError{Missing: missing}
	}
	return nil
}

// Status is a snapshot of a poller.
type Status struct {
	Target       Target    `json:"target"`
	Running      bool      `json:"running"`
	LastRow      int       `json:"last_row"`
	LastPoll     time.Time `json:"last_poll,omitempty"`
	LastSuccess  time.Time `json:"last_success,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	RowsAppended int64     `json:"rows_appended"`
	Breaker      string    `json:"breaker"`
}
