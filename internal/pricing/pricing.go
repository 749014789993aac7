package pricing

import (
	_ "embed"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/rendis/advisor/pkg/schema"
	"gopkg.in/yaml.v3"
)

//go:embed pricing.yaml
var defaultTableYAML []byte

const tokensPerMillion = 1_000_000

// ModelPrice is the USD price per million tokens for one model.
type ModelPrice struct {
	Input  float64 `yaml:"input" json:"input_per_million"`
	Output float64 `yaml:"output" json:"output_per_million"`
}

// Table is a versioned, read-only model price list. Safe for concurrent use.
type Table struct {
	version string
	models  map[string]ModelPrice
}

type tableFile struct {
	Version string                `yaml:"version"`
	Models  map[string]ModelPrice `yaml:"models"`
}

// Parse decodes a YAML pricing table. Prices must be finite and non-negative.
func Parse(data []byte) (*Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, schema.NewError(schema.ErrCodeInvalidConfig, "pricing table is not valid YAML").WithCause(err)
	}

	res := &schema.ValidationResult{}
	for id, p := range f.Models {
		if !validPrice(p.Input) {
			res.AddError("models."+id+".input", schema.ErrCodeInvalidConfig,
				fmt.Sprintf("model %q has invalid input price %v", id, p.Input))
		}
		if !validPrice(p.Output) {
			res.AddError("models."+id+".output", schema.ErrCodeInvalidConfig,
				fmt.Sprintf("model %q has invalid output price %v", id, p.Output))
		}
	}
	if err := res.ToError(schema.ErrCodeInvalidConfig); err != nil {
		return nil, err
	}

	models := make(map[string]ModelPrice, len(f.Models))
	for id, p := range f.Models {
		models[id] = p
	}
	return &Table{version: f.Version, models: models}, nil
}

// validPrice rejects negatives, NaN and infinities.
func validPrice(p float64) bool {
	return p >= 0 && !math.IsInf(p, 1)
}

// Default returns the embedded pricing table.
func Default() *Table {
	t, err := Parse(defaultTableYAML)
	if err != nil {
		panic(fmt.Sprintf("pricing: embedded table is invalid: %v", err))
	}
	return t
}

// Load reads a pricing table from path, or returns the embedded default when
// path is empty.
func Load(path string) (*Table, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing table %s: %w", path, err)
	}
	return Parse(data)
}

// Version returns the table version string.
func (t *Table) Version() string { return t.version }

// Price returns the price for model. Unknown models are free.
func (t *Table) Price(model string) (ModelPrice, bool) {
	p, ok := t.models[model]
	return p, ok
}

// Models returns the priced model identifiers, sorted.
func (t *Table) Models() []string {
	ids := make([]string, 0, len(t.models))
	for id := range t.models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Calculator computes the USD cost of a completion.
type Calculator struct {
	table *Table
}

// NewCalculator creates a Calculator over table. A nil table uses the default.
func NewCalculator(table *Table) *Calculator {
	if table == nil {
		table = Default()
	}
	return &Calculator{table: table}
}

// Table returns the underlying pricing table.
func (c *Calculator) Table() *Table { return c.table }

// Known reports whether model has a price.
func (c *Calculator) Known(model string) bool {
	_, ok := c.table.Price(model)
	return ok
}

// Cost returns promptTokens/1e6 * input + completionTokens/1e6 * output.
// Unknown models cost 0; negative token counts count as 0.
func (c *Calculator) Cost(model string, promptTokens, completionTokens int) float64 {
	p, ok := c.table.Price(model)
	if !ok {
		return 0
	}
	if promptTokens < 0 {
		promptTokens = 0
	}
	if completionTokens < 0 {
		completionTokens = 0
	}
	return float64(promptTokens)/tokensPerMillion*p.Input +
		float64(completionTokens)/tokensPerMillion*p.Output
}
