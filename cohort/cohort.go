package cohort

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/mjuetz34/survstat/statmodel"
)

// Table is a raw, row-oriented input table as produced by an external
// loader (e.g. a CSV reader).
type Table struct {
	Header []string
	Rows   [][]string
}

// Column is a validated, typed column.  Missing values are stored as NaN.
type Column struct {
	name   string
	kind   Kind
	values []float64

	// Level labels, indexed by code, for categorical columns and for
	// binary columns with declared levels.
	levels []string
}

// Name returns the column name.
func (col *Column) Name() string {
	return col.name
}

// Kind returns the column kind.
func (col *Column) Kind() Kind {
	return col.kind
}

// Len returns the number of rows.
func (col *Column) Len() int {
	return len(col.values)
}

// Value returns the value in row i, NaN if missing.
func (col *Column) Value(i int) float64 {
	return col.values[i]
}

// Values returns a copy of the column values.
func (col *Column) Values() []float64 {
	return append([]float64(nil), col.values...)
}

// NumMissing returns the number of missing values.
func (col *Column) NumMissing() int {
	var n int
	for _, v := range col.values {
		if math.IsNaN(v) {
			n++
		}
	}
	return n
}

// Label returns the display label of a coded value.
func (col *Column) Label(code float64) string {
	if col.levels != nil {
		k := int(code)
		if float64(k) == code && k >= 0 && k < len(col.levels) {
			return col.levels[k]
		}
	}
	return strconv.FormatFloat(code, 'g', -1, 64)
}

// Cohort is a validated patient table.  It is not modified after Load;
// Filter and Frame return new values.
type Cohort struct {
	n          int
	ids        []string
	cols       []*Column
	pos        map[string]int
	endpoints  []Endpoint
	covariates []string
}

// Load validates the table against the schema and returns the typed cohort.
func Load(tab *Table, schema *Schema) (*Cohort, error) {

	if err := schema.Validate(); err != nil {
		return nil, err
	}

	hpos := make(map[string]int)
	for j, h := range tab.Header {
		h = strings.TrimSpace(h)
		if _, ok := hpos[h]; ok {
			return nil, &statmodel.SchemaError{Column: h, Msg: "duplicate column in table header"}
		}
		hpos[h] = j
	}

	for i, row := range tab.Rows {
		if len(row) != len(tab.Header) {
			msg := fmt.Sprintf("row %d has %d fields, header has %d", i, len(row), len(tab.Header))
			return nil, &statmodel.SchemaError{Msg: msg}
		}
	}

	missing := schema.Missing
	if len(missing) == 0 {
		missing = DefaultMissing
	}
	na := make(map[string]bool)
	for _, m := range missing {
		na[m] = true
	}

	c := &Cohort{
		n:         len(tab.Rows),
		pos:       make(map[string]int),
		endpoints: append([]Endpoint(nil), schema.Endpoints...),
	}

	raw := func(name string) ([]string, error) {
		j, ok := hpos[name]
		if !ok {
			return nil, &statmodel.SchemaError{Column: name, Msg: "required column not found"}
		}
		x := make([]string, len(tab.Rows))
		for i, row := range tab.Rows {
			x[i] = strings.TrimSpace(row[j])
		}
		return x, nil
	}

	add := func(col *Column) {
		if _, ok := c.pos[col.name]; ok {
			return
		}
		c.pos[col.name] = len(c.cols)
		c.cols = append(c.cols, col)
	}

	for _, ep := range schema.Endpoints {
		for _, v := range []struct {
			name string
			kind Kind
		}{{ep.Time, Time}, {ep.Event, Event}} {
			if _, ok := c.pos[v.name]; ok {
				continue
			}
			x, err := raw(v.name)
			if err != nil {
				return nil, err
			}
			col, err := parseColumn(v.name, v.kind, nil, x, na)
			if err != nil {
				return nil, err
			}
			add(col)
		}
	}

	for _, cv := range schema.Covariates {
		x, err := raw(cv.Name)
		if err != nil {
			return nil, err
		}
		col, err := parseColumn(cv.Name, parseKind(cv.Kind), cv.Levels, x, na)
		if err != nil {
			return nil, err
		}
		add(col)
		c.covariates = append(c.covariates, cv.Name)
	}

	if schema.ID != "" {
		x, err := raw(schema.ID)
		if err != nil {
			return nil, err
		}
		c.ids = x
	}

	return c, nil
}

func parseColumn(name string, kind Kind, levels []string, x []string, na map[string]bool) (*Column, error) {

	col := &Column{
		name:   name,
		kind:   kind,
		values: make([]float64, len(x)),
	}

	if kind == Categorical {
		if len(levels) == 0 {
			levels = inferLevels(x, na)
		}
		col.levels = append([]string(nil), levels...)
	}
	if kind == Binary && len(levels) == 2 {
		col.levels = append([]string(nil), levels...)
	}

	code := make(map[string]int)
	for k, l := range col.levels {
		code[l] = k
	}

	for i, s := range x {

		if na[s] {
			col.values[i] = math.NaN()
			continue
		}

		if col.levels != nil {
			k, ok := code[s]
			if !ok {
				return nil, &statmodel.ValueError{Column: name, Row: i, Msg: fmt.Sprintf("unknown level '%s'", s)}
			}
			col.values[i] = float64(k)
			continue
		}

		v, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, &statmodel.ValueError{Column: name, Row: i, Msg: fmt.Sprintf("'%s' is not a finite number", s)}
		}

		switch kind {
		case Time:
			if v < 0 {
				return nil, &statmodel.ValueError{Column: name, Row: i, Msg: fmt.Sprintf("negative time %g", v)}
			}
		case Event, Binary:
			if v != 0 && v != 1 {
				return nil, &statmodel.ValueError{Column: name, Row: i, Msg: fmt.Sprintf("value %g is not 0 or 1", v)}
			}
		}
		col.values[i] = v
	}

	return col, nil
}

// inferLevels returns the distinct non-missing values, sorted numerically
// if all of them are numbers and lexically otherwise.
func inferLevels(x []string, na map[string]bool) []string {

	seen := make(map[string]bool)
	var levels []string
	numeric := true
	for _, s := range x {
		if na[s] || seen[s] {
			continue
		}
		seen[s] = true
		levels = append(levels, s)
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			numeric = false
		}
	}

	if numeric {
		sort.Slice(levels, func(i, j int) bool {
			a, _ := strconv.ParseFloat(levels[i], 64)
			b, _ := strconv.ParseFloat(levels[j], 64)
			return a < b
		})
	} else {
		sort.Strings(levels)
	}

	return levels
}

// NumRows returns the number of patients in the cohort.
func (c *Cohort) NumRows() int {
	return c.n
}

// IDs returns the patient identifiers, or nil if the schema has no ID column.
func (c *Cohort) IDs() []string {
	return c.ids
}

// Covariates returns the declared covariate names in schema order.
func (c *Cohort) Covariates() []string {
	return c.covariates
}

// Endpoints returns the declared endpoints.
func (c *Cohort) Endpoints() []Endpoint {
	return c.endpoints
}

// Endpoint returns the endpoint with the given name.
func (c *Cohort) Endpoint(name string) (Endpoint, error) {
	for _, ep := range c.endpoints {
		if ep.Name == name {
			return ep, nil
		}
	}
	return Endpoint{}, &statmodel.SchemaError{Msg: fmt.Sprintf("unknown endpoint '%s'", name)}
}

// Column returns the named column.
func (c *Cohort) Column(name string) (*Column, error) {
	j, ok := c.pos[name]
	if !ok {
		return nil, &statmodel.SchemaError{Column: name, Msg: "not in cohort"}
	}
	return c.cols[j], nil
}

// Encoding returns the level labels of a categorical (or labeled binary)
// covariate, indexed by code.
func (c *Cohort) Encoding(name string) ([]string, error) {
	col, err := c.Column(name)
	if err != nil {
		return nil, err
	}
	return col.levels, nil
}

// Levels returns the sorted distinct non-missing values of a column.
func (c *Cohort) Levels(name string) ([]float64, error) {

	col, err := c.Column(name)
	if err != nil {
		return nil, err
	}

	seen := make(map[float64]bool)
	var lv []float64
	for _, v := range col.values {
		if !math.IsNaN(v) && !seen[v] {
			seen[v] = true
			lv = append(lv, v)
		}
	}
	sort.Float64s(lv)

	return lv, nil
}

// Filter returns the sub-cohort of rows where the named column equals
// value.  Rows with a missing value are not included.
func (c *Cohort) Filter(name string, value float64) (*Cohort, error) {

	col, err := c.Column(name)
	if err != nil {
		return nil, err
	}

	var keep []int
	for i, v := range col.values {
		if v == value {
			keep = append(keep, i)
		}
	}

	sub := &Cohort{
		n:          len(keep),
		pos:        c.pos,
		endpoints:  c.endpoints,
		covariates: c.covariates,
		cols:       make([]*Column, len(c.cols)),
	}

	for j, col := range c.cols {
		nc := &Column{
			name:   col.name,
			kind:   col.kind,
			levels: col.levels,
			values: make([]float64, len(keep)),
		}
		for k, i := range keep {
			nc.values[k] = col.values[i]
		}
		sub.cols[j] = nc
	}

	if c.ids != nil {
		sub.ids = make([]string, len(keep))
		for k, i := range keep {
			sub.ids[k] = c.ids[i]
		}
	}

	return sub, nil
}
