package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/eelnxz09/anamoly-processing/internal/ingest"
)

const DefaultFetchTimeout = 10 * time.Second

// SheetSource reads a worksheet exported as CSV over HTTP. The worksheet
// is selected with the "sheet" query parameter.
type SheetSource struct {
	client *resty.Client
	target Target
}

var _ Source = (*SheetSource)(nil)

// NewSheetSource creates a source for endpoint/worksheet. Retries are left
// to the poller.
func NewSheetSource(target Target, timeout time.Duration) *SheetSource {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "text/csv").
		SetRetryCount(0)
	return &SheetSource{client: client, target: target}
}

func (s *SheetSource) Target() Target { return s.target }

func (s *SheetSource) Fetch(ctx context.Context) (*ingest.Batch, error) {
	req := s.client.R().SetContext(ctx)
	if s.target.Worksheet != "" {
		req.SetQueryParam("sheet", s.target.Worksheet)
	}
	resp, err := req.Get(s.target.Endpoint)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		return nil, &UnreachableError{Endpoint: s.target.Endpoint, Err: err}
	}
	if resp.StatusCode() >= http.StatusBadRequest {
		return nil, &UnreachableError{Endpoint: s.target.Endpoint, Status: resp.StatusCode()}
	}

	batch, err := ingest.ReadCSV(bytes.NewReader(resp.Body()))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSchema, err)
	}
	if err := CheckHeader(batch.Columns); err != nil {
		return nil, err
	}
	return batch, nil
}
