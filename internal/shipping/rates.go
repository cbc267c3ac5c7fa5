// Package shipping prices delivery from a rate table keyed by destination
// country and currency.
package shipping

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/Knetic/govaluate"

	"github.com/utafrali/textile-orderflow/internal/domain"
	"github.com/utafrali/textile-orderflow/pkg/validator"
)

// AnyCountry matches every destination without its own rate.
const AnyCountry = "*"

// ErrNoRate is returned when no rate covers a destination and currency.
var ErrNoRate = errors.New("no shipping rate")

//go:embed rates.json
var defaultRates []byte

//go:embed schema.json
var schemaJSON []byte

var tableSchema = validator.MustCompileSchema(schemaJSON)

// ruleVars are the only names a free-shipping rule may reference.
var ruleVars = []string{"subtotal", "item_count"}

type rateFile struct {
	Rates []struct {
		Country          string `json:"country"`
		Currency         string `json:"currency"`
		Amount           string `json:"amount"`
		FreeShippingRule string `json:"free_shipping_rule"`
	} `json:"rates"`
}

type rateKey struct {
	country  string
	currency string
}

// Rate is one row of the table.
type Rate struct {
	Country  string
	Currency string
	Amount   int64
	freeRule *govaluate.EvaluableExpression
}

// Table is an immutable shipping-rate table.
type Table struct {
	rates map[rateKey]Rate
}

// Load reads the table from path, or the embedded default when path is empty.
func Load(path string) (*Table, error) {
	if path == "" {
		return Parse(defaultRates)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read shipping rates: %w", err)
	}
	return Parse(raw)
}

// Parse validates raw against the rate-table schema and compiles it.
func Parse(raw []byte) (*Table, error) {
	if err := tableSchema.Validate(raw); err != nil {
		return nil, fmt.Errorf("shipping rates: %w", err)
	}

	var f rateFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode shipping rates: %w", err)
	}

	t := &Table{rates: make(map[rateKey]Rate, len(f.Rates))}
	for i, r := range f.Rates {
		amount, err := domain.ParseMajor(r.Amount, r.Currency)
		if err != nil {
			return nil, fmt.Errorf("shipping rate %d: %w", i, err)
		}

		rate := Rate{Country: r.Country, Currency: r.Currency, Amount: amount}
		if r.FreeShippingRule != "" {
			expr, err := govaluate.NewEvaluableExpression(r.FreeShippingRule)
			if err != nil {
				return nil, fmt.Errorf("shipping rate %d: compile rule %q: %w", i, r.FreeShippingRule, err)
			}
			for _, v := range expr.Vars() {
				if !slices.Contains(ruleVars, v) {
					return nil, fmt.Errorf("shipping rate %d: rule references unknown variable %q", i, v)
				}
			}
			rate.freeRule = expr
		}

		key := rateKey{country: r.Country, currency: r.Currency}
		if _, dup := t.rates[key]; dup {
			return nil, fmt.Errorf("shipping rate %d: duplicate rate for %s/%s", i, r.Country, r.Currency)
		}
		t.rates[key] = rate
	}
	return t, nil
}

// Quote returns the shipping cost in minor units for an order of subtotal
// (minor units) and itemCount pieces. A country-specific rate wins over the
// wildcard; a matching free-shipping rule makes the cost zero.
func (t *Table) Quote(country, currency string, subtotal int64, itemCount int) (int64, error) {
	country, currency = strings.ToUpper(country), strings.ToUpper(currency)

	rate, ok := t.rates[rateKey{country, currency}]
	if !ok {
		rate, ok = t.rates[rateKey{AnyCountry, currency}]
	}
	if !ok {
		return 0, fmt.Errorf("%w to %s in %s", ErrNoRate, country, currency)
	}

	if rate.freeRule != nil {
		result, err := rate.freeRule.Evaluate(map[string]any{
			"subtotal":   domain.ToMajor(subtotal, currency).InexactFloat64(),
			"item_count": float64(itemCount),
		})
		if err != nil {
			return 0, fmt.Errorf("evaluate free shipping rule for %s/%s: %w", rate.Country, currency, err)
		}
		if free, _ := result.(bool); free {
			return 0, nil
		}
	}
	return rate.Amount, nil
}
