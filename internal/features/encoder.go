package features

import (
	"sort"

	"github.com/eelnxz09/anamoly-processing/internal/warehouse"
)

// Unknown is the code for an absent value or one not seen at fit time.
const Unknown = 0

// categorical lists the encoded fields.
var categorical = []string{MerchantCategory, Location, DeviceType}

// Encoder maps categorical values to integer codes. Codes are assigned
// 1..k by descending frequency, ties broken lexically, so the encoding is
// stable for a given training set.
type Encoder struct {
	Codes map[string]map[string]int `json:"codes"`
}

// FitEncoder learns codes from the training transactions.
func FitEncoder(txs []*warehouse.Transaction) *Encoder {
	counts := make(map[string]map[string]int, len(categorical))
	for _, f := range categorical {
		counts[f] = make(map[string]int)
	}
	for _, tx := range txs {
		for _, f := range categorical {
			if v := field(tx, f); v != "" {
				counts[f][v]++
			}
		}
	}

	enc := &Encoder{Codes: make(map[string]map[string]int, len(categorical))}
	for _, f := range categorical {
		values := make([]string, 0, len(counts[f]))
		for v := range counts[f] {
			values = append(values, v)
		}
		c := counts[f]
		sort.Slice(values, func(i, j int) bool {
			if c[values[i]] != c[values[j]] {
				return c[values[i]] > c[values[j]]
			}
			return values[i] < values[j]
		})
		codes := make(map[string]int, len(values))
		for i, v := range values {
			codes[v] = i + 1
		}
		enc.Codes[f] = codes
	}
	return enc
}

// Code returns the code for value of field. A nil encoder encodes
// everything as Unknown.
func (e *Encoder) Code(field, value string) float64 {
	if e == nil || value == "" {
		return Unknown
	}
	return float64(e.Codes[field][value])
}

// Cardinality is the number of known values for field.
func (e *Encoder) Cardinality(field string) int {
	if e == nil {
		return 0
	}
	return len(e.Codes[field])
}

func field(tx *warehouse.Transaction, name string) string {
	switch name {
	case MerchantCategory:
		return tx.MerchantCategory
	case Location:
		return tx.Location
	case DeviceType:
		return tx.DeviceType
	}
	return ""
}
