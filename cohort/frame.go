package cohort

import (
	"fmt"
	"math"

	"github.com/mjuetz34/survstat/statmodel"
)

// Frame is a complete-case, column-major copy of some cohort variables,
// built for one analysis.  Frame satisfies statmodel.Dataset.
type Frame struct {
	names []string
	data  [][]float64

	// Positions of the retained rows in the cohort
	rows []int

	// Number of cohort rows dropped for missing values
	excluded int

	// Column names produced by each requested variable
	terms map[string][]string
}

// Frame returns the rows of the cohort with no missing value in any of
// vars.  If expand is true, each categorical variable with k levels is
// replaced by k-1 indicator columns named "var[level]", using the first
// level as the reference.  The frame data are fresh copies.
func (c *Cohort) Frame(vars []string, expand bool) (*Frame, error) {

	cols := make([]*Column, len(vars))
	seen := make(map[string]bool)
	for j, v := range vars {
		if seen[v] {
			return nil, &statmodel.SchemaError{Column: v, Msg: "requested twice"}
		}
		seen[v] = true
		col, err := c.Column(v)
		if err != nil {
			return nil, err
		}
		cols[j] = col
	}

	f := &Frame{
		terms: make(map[string][]string),
	}

	for i := 0; i < c.n; i++ {
		ok := true
		for _, col := range cols {
			if math.IsNaN(col.values[i]) {
				ok = false
				break
			}
		}
		if ok {
			f.rows = append(f.rows, i)
		} else {
			f.excluded++
		}
	}

	for _, col := range cols {

		if !expand || col.kind != Categorical {
			x := make([]float64, len(f.rows))
			for k, i := range f.rows {
				x[k] = col.values[i]
			}
			f.names = append(f.names, col.name)
			f.data = append(f.data, x)
			f.terms[col.name] = []string{col.name}
			continue
		}

		for lv := 1; lv < len(col.levels); lv++ {
			x := make([]float64, len(f.rows))
			for k, i := range f.rows {
				if col.values[i] == float64(lv) {
					x[k] = 1
				}
			}
			na := fmt.Sprintf("%s[%s]", col.name, col.levels[lv])
			f.names = append(f.names, na)
			f.data = append(f.data, x)
			f.terms[col.name] = append(f.terms[col.name], na)
		}
	}

	return f, nil
}

// Data returns the frame columns.
func (f *Frame) Data() [][]float64 {
	return f.data
}

// Names returns the frame column names.
func (f *Frame) Names() []string {
	return f.names
}

// Rows returns the cohort row positions of the frame rows.
func (f *Frame) Rows() []int {
	return f.rows
}

// NumRows returns the number of complete rows.
func (f *Frame) NumRows() int {
	return len(f.rows)
}

// Excluded returns the number of cohort rows dropped for missing values.
func (f *Frame) Excluded() int {
	return f.excluded
}

// Terms returns the frame column names generated by the given variables,
// in order.
func (f *Frame) Terms(vars ...string) []string {
	var t []string
	for _, v := range vars {
		t = append(t, f.terms[v]...)
	}
	return t
}

// Col returns the named frame column, or nil.
func (f *Frame) Col(name string) []float64 {
	for j, na := range f.names {
		if na == name {
			return f.data[j]
		}
	}
	return nil
}

var _ statmodel.Dataset = (*Frame)(nil)
