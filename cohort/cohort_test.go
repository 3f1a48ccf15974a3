package cohort

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/mjuetz34/survstat/statmodel"
)

func schema1() *Schema {
	return &Schema{
		ID: "id",
		Endpoints: []Endpoint{
			{Name: "os", Time: "time", Event: "death"},
			{Name: "pfs", Time: "ptime", Event: "prog"},
		},
		Covariates: []Covariate{
			{Name: "A", Kind: "binary"},
			{Name: "B", Kind: "binary", Levels: []string{"wt", "mut"}},
			{Name: "stage", Kind: "categorical"},
			{Name: "age", Kind: "continuous"},
		},
	}
}

func table1() *Table {
	return &Table{
		Header: []string{"id", "time", "death", "ptime", "prog", "A", "B", "stage", "age"},
		Rows: [][]string{
			{"p1", "5", "1", "3", "1", "1", "mut", "II", "60"},
			{"p2", "7", "0", "7", "0", "0", "wt", "I", "55.5"},
			{"p3", "2", "1", "1", "1", "1", "wt", "III", "NA"},
			{"p4", "9", "0", "4", "1", "0", "mut", "I", "70"},
			{"p5", "3", "1", "3", "0", "NA", "wt", "II", "48"},
			{"p6", "11", "0", "11", "0", "1", "mut", "", "66"},
		},
	}
}

func TestLoad(t *testing.T) {

	c, err := Load(table1(), schema1())
	require.NoError(t, err)

	assert.Equal(t, 6, c.NumRows())
	assert.Equal(t, []string{"p1", "p2", "p3", "p4", "p5", "p6"}, c.IDs())
	assert.Equal(t, []string{"A", "B", "stage", "age"}, c.Covariates())

	col, err := c.Column("B")
	require.NoError(t, err)
	assert.Equal(t, Binary, col.Kind())
	assert.Equal(t, []float64{1, 0, 0, 1, 0, 1}, col.Values())
	assert.Equal(t, "mut", col.Label(1))

	col, err = c.Column("A")
	require.NoError(t, err)
	assert.Equal(t, 1, col.NumMissing())
	assert.True(t, math.IsNaN(col.Value(4)))

	col, err = c.Column("time")
	require.NoError(t, err)
	assert.Equal(t, Time, col.Kind())

	ep, err := c.Endpoint("pfs")
	require.NoError(t, err)
	assert.Equal(t, "prog", ep.Event)

	_, err = c.Endpoint("dfs")
	var se *statmodel.SchemaError
	assert.True(t, errors.As(err, &se))
}

func TestEncoding(t *testing.T) {

	c, err := Load(table1(), schema1())
	require.NoError(t, err)

	// Inferred levels are sorted lexically.
	enc, err := c.Encoding("stage")
	require.NoError(t, err)
	assert.Equal(t, []string{"I", "II", "III"}, enc)

	col, _ := c.Column("stage")
	assert.Equal(t, 2.0, col.Value(2))
	assert.True(t, math.IsNaN(col.Value(5)))

	lv, err := c.Levels("stage")
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 2}, lv)

	// Numeric levels are sorted numerically, not lexically.
	assert.Equal(t, []string{"2", "10", "11"}, inferLevels([]string{"10", "2", "11", "NA"}, map[string]bool{"NA": true}))
}

func TestSchemaErrors(t *testing.T) {

	// Missing required column
	tab := table1()
	tab.Header[2] = "dead"
	_, err := Load(tab, schema1())
	var se *statmodel.SchemaError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "death", se.Column)

	// No endpoints
	s := schema1()
	s.Endpoints = nil
	_, err = Load(table1(), s)
	assert.True(t, errors.As(err, &se))

	// Bad kind
	s = schema1()
	s.Covariates[0].Kind = "ordinal"
	assert.True(t, errors.As(s.Validate(), &se))

	// Column used in two roles
	s = schema1()
	s.Covariates[3].Name = "time"
	require.True(t, errors.As(s.Validate(), &se))
	assert.Equal(t, "time", se.Column)

	// Ragged row
	tab = table1()
	tab.Rows[1] = tab.Rows[1][:4]
	_, err = Load(tab, schema1())
	assert.True(t, errors.As(err, &se))
}

func TestValueErrors(t *testing.T) {

	var ve *statmodel.ValueError

	tab := table1()
	tab.Rows[3][1] = "-1"
	_, err := Load(tab, schema1())
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "time", ve.Column)
	assert.Equal(t, 3, ve.Row)

	tab = table1()
	tab.Rows[0][2] = "2"
	_, err = Load(tab, schema1())
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "death", ve.Column)

	tab = table1()
	tab.Rows[0][6] = "unknown"
	_, err = Load(tab, schema1())
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "B", ve.Column)

	tab = table1()
	tab.Rows[1][8] = "old"
	_, err = Load(tab, schema1())
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "age", ve.Column)
}

func TestFrame(t *testing.T) {

	c, err := Load(table1(), schema1())
	require.NoError(t, err)

	f, err := c.Frame([]string{"time", "death", "A", "stage", "age"}, true)
	require.NoError(t, err)

	// Rows 2 (age), 4 (A) and 5 (stage) are incomplete.
	assert.Equal(t, 3, f.NumRows())
	assert.Equal(t, 3, f.Excluded())
	assert.Equal(t, []int{0, 1, 3}, f.Rows())
	assert.Equal(t, []string{"time", "death", "A", "stage[II]", "stage[III]", "age"}, f.Names())
	assert.Equal(t, []string{"stage[II]", "stage[III]"}, f.Terms("stage"))
	assert.Equal(t, []float64{1, 0, 0}, f.Col("stage[II]"))
	assert.Equal(t, []float64{60, 55.5, 70}, f.Col("age"))
	assert.Nil(t, f.Col("stage"))

	// Frames are copies.
	f.Col("age")[0] = -1
	col, _ := c.Column("age")
	assert.Equal(t, 60.0, col.Value(0))

	f, err = c.Frame([]string{"time", "stage"}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"time", "stage"}, f.Names())
	assert.Equal(t, 1, f.Excluded())

	_, err = c.Frame([]string{"time", "time"}, false)
	assert.Error(t, err)
	_, err = c.Frame([]string{"nosuch"}, false)
	assert.Error(t, err)
}

func TestFilter(t *testing.T) {

	c, err := Load(table1(), schema1())
	require.NoError(t, err)

	sub, err := c.Filter("B", 1)
	require.NoError(t, err)
	assert.Equal(t, 3, sub.NumRows())
	assert.Equal(t, []string{"p1", "p4", "p6"}, sub.IDs())

	col, _ := sub.Column("time")
	assert.Equal(t, []float64{5, 9, 11}, col.Values())

	// Missing values never match.
	sub, err = c.Filter("A", 1)
	require.NoError(t, err)
	assert.Equal(t, 3, sub.NumRows())
}

func TestDescribe(t *testing.T) {

	c, err := Load(table1(), schema1())
	require.NoError(t, err)

	s := c.Describe()
	assert.Equal(t, 6, s.NumRows)
	require.Len(t, s.Binary, 2)
	assert.Equal(t, BinarySummary{Name: "A", Positive: 3, Observed: 5, Rate: 0.6}, s.Binary[0])

	require.Len(t, s.Endpoints, 2)
	os := s.Endpoints[0]
	assert.Equal(t, 6, os.Usable)
	assert.Equal(t, 3, os.Events)
	assert.InDelta(t, 0.5, os.EventRate, 1e-12)
	assert.InDelta(t, 6.0, os.MedianTime, 1e-12)
}

func TestCrossTab(t *testing.T) {

	c, err := Load(table1(), schema1())
	require.NoError(t, err)

	ct, err := c.CrossTab("A", "B", "os")
	require.NoError(t, err)
	assert.Equal(t, 1, ct.Excluded)
	assert.Equal(t, []float64{0, 1}, ct.RowLevels)

	// A=1, B=1: p1 (event) and p6
	assert.Equal(t, Cell{Total: 2, Events: 1}, ct.Cells[1][1])
	// A=0, B=0: p2
	assert.Equal(t, Cell{Total: 1, Events: 0}, ct.Cells[0][0])

	assert.True(t, strings.Contains(ct.String(), "1/2"))

	_, err = c.CrossTab("A", "age", "os")
	assert.Error(t, err)
}

func TestSchemaYAML(t *testing.T) {

	src := `
id: id
endpoints:
  - {name: os, time: time, event: death}
covariates:
  - {name: A, kind: binary}
  - {name: stage, kind: categorical, levels: [I, II, III]}
missing: ["", "NA"]
`
	var s Schema
	require.NoError(t, yaml.Unmarshal([]byte(src), &s))
	require.NoError(t, s.Validate())
	assert.Equal(t, []string{"I", "II", "III"}, s.Covariates[1].Levels)
}
