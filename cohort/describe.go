package cohort

import (
	"fmt"
	"math"
	"sort"

	"github.com/mjuetz34/survstat/statmodel"
)

// BinarySummary counts the positive values of a binary covariate.
type BinarySummary struct {
	Name     string  `json:"name"`
	Positive int     `json:"positive"`
	Observed int     `json:"observed"`
	Rate     float64 `json:"rate"`
}

// EndpointSummary describes the events and follow-up of one endpoint.
type EndpointSummary struct {
	Name       string  `json:"name"`
	Usable     int     `json:"usable"`
	Events     int     `json:"events"`
	EventRate  float64 `json:"event_rate"`
	MedianTime float64 `json:"median_time"`
}

// Summary holds descriptive statistics of a cohort.
type Summary struct {
	NumRows   int               `json:"num_rows"`
	Binary    []BinarySummary   `json:"binary"`
	Endpoints []EndpointSummary `json:"endpoints"`
}

// Describe returns the cohort size, the positive rate of every binary
// covariate, and the event rate and median observed time of every endpoint.
func (c *Cohort) Describe() *Summary {

	s := &Summary{NumRows: c.n}

	for _, na := range c.covariates {
		col := c.cols[c.pos[na]]
		if col.kind != Binary {
			continue
		}
		bs := BinarySummary{Name: na}
		for _, v := range col.values {
			if math.IsNaN(v) {
				continue
			}
			bs.Observed++
			if v == 1 {
				bs.Positive++
			}
		}
		if bs.Observed > 0 {
			bs.Rate = float64(bs.Positive) / float64(bs.Observed)
		}
		s.Binary = append(s.Binary, bs)
	}

	for _, ep := range c.endpoints {
		time := c.cols[c.pos[ep.Time]].values
		status := c.cols[c.pos[ep.Event]].values
		es := EndpointSummary{Name: ep.Name}
		var ti []float64
		for i := range time {
			if math.IsNaN(time[i]) || math.IsNaN(status[i]) {
				continue
			}
			es.Usable++
			if status[i] == 1 {
				es.Events++
			}
			ti = append(ti, time[i])
		}
		if es.Usable > 0 {
			es.EventRate = float64(es.Events) / float64(es.Usable)
			es.MedianTime = median(ti)
		} else {
			es.MedianTime = math.NaN()
		}
		s.Endpoints = append(s.Endpoints, es)
	}

	return s
}

func median(x []float64) float64 {
	sort.Float64s(x)
	n := len(x)
	if n%2 == 1 {
		return x[n/2]
	}
	return (x[n/2-1] + x[n/2]) / 2
}

// Cell holds the counts for one cell of a cross tabulation.
type Cell struct {
	Total  int `json:"total"`
	Events int `json:"events"`
}

// CrossTab tabulates the events of an endpoint by two discrete covariates.
type CrossTab struct {
	RowVar    string    `json:"row_var"`
	ColVar    string    `json:"col_var"`
	Endpoint  string    `json:"endpoint"`
	RowLevels []float64 `json:"row_levels"`
	ColLevels []float64 `json:"col_levels"`

	// Cells[i][j] counts the rows at RowLevels[i] and ColLevels[j].
	Cells [][]Cell `json:"cells"`

	// Rows dropped for a missing covariate or event indicator
	Excluded int `json:"excluded"`
}

// CrossTab counts rows and events of the endpoint for every combination
// of the values of rowVar and colVar.
func (c *Cohort) CrossTab(rowVar, colVar, endpoint string) (*CrossTab, error) {

	ep, err := c.Endpoint(endpoint)
	if err != nil {
		return nil, err
	}

	for _, v := range []string{rowVar, colVar} {
		col, err := c.Column(v)
		if err != nil {
			return nil, err
		}
		if col.kind == Continuous {
			return nil, &statmodel.SchemaError{Column: v, Msg: "cannot cross tabulate a continuous covariate"}
		}
	}

	f, err := c.Frame([]string{rowVar, colVar, ep.Event}, false)
	if err != nil {
		return nil, err
	}

	ct := &CrossTab{
		RowVar:   rowVar,
		ColVar:   colVar,
		Endpoint: endpoint,
		Excluded: f.Excluded(),
	}
	ct.RowLevels = distinct(f.Col(rowVar))
	ct.ColLevels = distinct(f.Col(colVar))

	ct.Cells = make([][]Cell, len(ct.RowLevels))
	for i := range ct.Cells {
		ct.Cells[i] = make([]Cell, len(ct.ColLevels))
	}

	rv, cv, ev := f.Col(rowVar), f.Col(colVar), f.Col(ep.Event)
	for i := range rv {
		a := sort.SearchFloat64s(ct.RowLevels, rv[i])
		b := sort.SearchFloat64s(ct.ColLevels, cv[i])
		ct.Cells[a][b].Total++
		if ev[i] == 1 {
			ct.Cells[a][b].Events++
		}
	}

	return ct, nil
}

// String renders the cross tabulation as "events/total" cells.
func (ct *CrossTab) String() string {

	st := &statmodel.SummaryTable{
		Title: fmt.Sprintf("%s events by %s and %s", ct.Endpoint, ct.RowVar, ct.ColVar),
	}

	names := []string{fmt.Sprintf("%s \\ %s", ct.RowVar, ct.ColVar)}
	cols := []interface{}{make([]string, len(ct.RowLevels))}
	for i, v := range ct.RowLevels {
		cols[0].([]string)[i] = fmt.Sprintf("%g", v)
	}
	for j, w := range ct.ColLevels {
		names = append(names, fmt.Sprintf("%g", w))
		x := make([]string, len(ct.RowLevels))
		for i := range ct.RowLevels {
			x[i] = fmt.Sprintf("%d/%d", ct.Cells[i][j].Events, ct.Cells[i][j].Total)
		}
		cols = append(cols, x)
	}

	st.ColNames = names
	st.Cols = cols
	for range names {
		st.ColFmt = append(st.ColFmt, statmodel.FmtStrings)
	}
	if ct.Excluded > 0 {
		st.Msg = append(st.Msg, fmt.Sprintf("%d rows excluded for missing values", ct.Excluded))
	}

	return st.String()
}

func distinct(x []float64) []float64 {
	seen := make(map[float64]bool)
	var u []float64
	for _, v := range x {
		if !seen[v] {
			seen[v] = true
			u = append(u, v)
		}
	}
	sort.Float64s(u)
	return u
}
