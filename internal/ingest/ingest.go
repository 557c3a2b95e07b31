// Package ingest validates raw transaction rows and normalizes them into
// typed rows with a deterministic identity. It never writes to storage.
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultMinRows is the smallest batch a model can learn from.
const DefaultMinRows = 10

// Column names after header normalization.
const (
	ColAmount           = "amount"
	ColTimestamp        = "timestamp"
	ColUserID           = "user_id"
	ColMerchantCategory = "merchant_category"
	ColLocation         = "location"
	ColDeviceType       = "device_type"
)

// RequiredColumns must be present in every batch.
var RequiredColumns = []string{ColAmount, ColTimestamp}

var (
	ErrValidation       = errors.New("ingest: validation failed")
	ErrInsufficientData = errors.New("insufficient data")
)

// Source tags where a row came from. It participates in identity.
type Source string

const (
	SourceUpload   Source = "upload"
	SourceLiveFeed Source = "live-feed"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	return s == SourceUpload || s == SourceLiveFeed
}

// Batch is a tabular set of raw rows. Columns are normalized by Validate.
type Batch struct {
	Columns []string
	Records [][]string
}

// Row is a validated, normalized transaction row.
type Row struct {
	ID               string    `json:"id"`
	Amount           float64   `json:"amount"`
	Timestamp        time.Time `json:"timestamp"`
	UserID           string    `json:"user_id,omitempty"`
	MerchantCategory string    `json:"merchant_category,omitempty"`
	Location         string    `json:"location,omitempty"`
	DeviceType       string    `json:"device_type,omitempty"`
	Source           Source    `json:"source"`
}

// Rejection records why a single record was dropped.
type Rejection struct {
	Row    int    `json:"row"` // 1-based data row number
	Reason string `json:"reason"`
}

// Result is the outcome of validating one batch.
type Result struct {
	Rows       []Row       `json:"-"`
	Accepted   int         `json:"accepted"`
	Rejected   int         `json:"rejected"`
	Duplicates int         `json:"duplicates"` // collapsed within the batch
	Rejections []Rejection `json:"rejections,omitempty"`
}

// ValidationError lists every structural problem found in a batch.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// InsufficientDataError reports too few usable rows.
type InsufficientDataError struct {
	Got  int
	Need int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: %d valid rows, need at least %d", e.Got, e.Need)
}

func (e *InsufficientDataError) Is(target error) bool { return target == ErrInsufficientData }

// Identity derives the deterministic transaction id from the fields that
// define a transaction. Equal inputs always produce the same id.
func Identity(amount float64, ts time.Time, userID string, source Source) string {
	var b strings.Builder
	b.WriteString(strconv.FormatFloat(amount, 'f', -1, 64))
	b.WriteByte('|')
	b.WriteString(ts.UTC().Format(time.RFC3339Nano))
	b.WriteByte('|')
	b.WriteString(userID)
	b.WriteByte('|')
	b.WriteString(string(source))
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}
