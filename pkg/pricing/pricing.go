package pricing

import (
	"bytes"
	_ "embed"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// DefaultMode is assumed when a pricing row or a lookup carries no mode.
const DefaultMode = "standard"

//go:embed default_prices.csv
var defaultPrices []byte

// Rate holds per-1M-token unit prices for one (provider, model, mode) row.
type Rate struct {
	Provider string
	Model    string
	Mode     string

	InputPerM       float64
	CachedInputPerM float64
	OutputPerM      float64
}

// Calculator returns the identifier written to spans priced with this rate.
func (r Rate) Calculator() string {
	return r.Provider + "-" + r.Model + "-" + r.Mode
}

// FallbackRate is used when no row matches a lookup. It mirrors the embedded
// gpt-4o row so unknown models still accrue an order-of-magnitude cost.
var FallbackRate = Rate{
	Provider:        "openai",
	Model:           "gpt-4o",
	Mode:            DefaultMode,
	InputPerM:       2.50,
	CachedInputPerM: 1.25,
	OutputPerM:      10.00,
}

// Table is the in-memory pricing lookup. It is built once at startup and
// read-only afterwards, so it is safe to share without locking.
type Table struct {
	rates           map[string]Rate
	providerByModel map[string]string
}

// Load reads a pricing file from disk.
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pricing file %s: %w", path, err)
	}
	defer f.Close()

	t, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pricing file %s: %w", path, err)
	}
	return t, nil
}

// Default returns the table built from the embedded pricing file.
func Default() *Table {
	t, err := Parse(bytes.NewReader(defaultPrices))
	if err != nil {
		panic(fmt.Sprintf("embedded pricing table is invalid: %v", err))
	}
	return t
}

// Parse reads rows of provider,model,mode,input_per_M,cached_input_per_M,output_per_M.
// A header row starting with "provider" and empty lines are skipped. Keys are
// case-sensitive and an empty mode defaults to "standard".
func Parse(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	t := &Table{
		rates:           map[string]Rate{},
		providerByModel: map[string]string{},
	}

	line := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line+1, err)
		}
		line++

		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		if strings.TrimSpace(rec[0]) == "provider" {
			continue
		}
		if len(rec) < 6 {
			return nil, fmt.Errorf("line %d: expected 6 columns, got %d", line, len(rec))
		}

		rate := Rate{
			Provider: rec[0],
			Model:    rec[1],
			Mode:     rec[2],
		}
		if rate.Mode == "" {
			rate.Mode = DefaultMode
		}

		for i, dst := range []*float64{&rate.InputPerM, &rate.CachedInputPerM, &rate.OutputPerM} {
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[3+i]), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d column %d: invalid price %q", line, 4+i, rec[3+i])
			}
			*dst = v
		}

		t.rates[key(rate.Provider, rate.Model, rate.Mode)] = rate

		// first occurrence wins in the reverse index.
		if _, ok := t.providerByModel[rate.Model]; !ok {
			t.providerByModel[rate.Model] = rate.Provider
		}
	}

	return t, nil
}

// Len returns the number of loaded rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rates)
}

// Lookup returns the exact row for (provider, model, mode), if any.
func (t *Table) Lookup(provider, model, mode string) (Rate, bool) {
	if t == nil {
		return Rate{}, false
	}
	if mode == "" {
		mode = DefaultMode
	}
	r, ok := t.rates[key(provider, model, mode)]
	return r, ok
}

// Resolve returns the rate for (provider, model, mode), falling back to
// FallbackRate on a miss. The second return reports whether the fallback was
// used, so callers can tell substituted pricing apart from a real match.
func (t *Table) Resolve(provider, model, mode string) (Rate, bool) {
	if r, ok := t.Lookup(provider, model, mode); ok {
		return r, false
	}
	return FallbackRate, true
}

// ProviderForModel returns the provider of the first row mentioning model,
// or "" when the model is unknown.
func (t *Table) ProviderForModel(model string) string {
	if t == nil {
		return ""
	}
	return t.providerByModel[model]
}

func key(provider, model, mode string) string {
	return provider + "\x00" + model + "\x00" + mode
}
