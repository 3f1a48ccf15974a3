package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mjuetz34/survstat/cohort"
	"github.com/mjuetz34/survstat/simulate"
	"github.com/mjuetz34/survstat/statmodel"
)

// Positions of the simulated table columns
const (
	colB     = 2
	colAge   = 3
	colEvent = 5
)

func simTable(t *testing.T, n int) *cohort.Table {
	cfg := simulate.DefaultConfig()
	cfg.N = n
	cfg.Balanced = true
	tab, err := simulate.Table(cfg)
	require.NoError(t, err)
	return tab
}

func load(t *testing.T, tab *cohort.Table) *cohort.Cohort {
	c, err := cohort.Load(tab, simulate.Schema())
	require.NoError(t, err)
	return c
}

func baseConfig() *Config {
	cfg := DefaultConfig()
	cfg.Endpoint = "os"
	cfg.Covariates = []string{simulate.AVar, simulate.BVar, simulate.AgeVar}
	cfg.Grouping = []string{simulate.AVar}
	cfg.Forest.Trees = 100
	return cfg
}

func TestRun(t *testing.T) {

	c := load(t, simTable(t, 200))
	cfg := baseConfig()
	cfg.Grouping = []string{simulate.AVar, simulate.BVar}

	rep, err := Run(context.Background(), c, cfg, nil)
	require.NoError(t, err)

	_, err = uuid.Parse(rep.RunID)
	assert.NoError(t, err)
	assert.Equal(t, 200, rep.Summary.NumRows)

	b := rep.Overall
	assert.Equal(t, "all", b.Label)
	assert.Equal(t, 200, b.NumRows)
	assert.Equal(t, 200, b.Usable)
	assert.InDelta(t, 46, b.Events, 1)
	assert.Empty(t, b.Errors)
	assert.Equal(t, 0, rep.Excluded["usable"])

	// One curve per cell, ordered by codes
	require.Len(t, b.Curves, 4)
	assert.Equal(t, "A=0, B=0", b.Curves[0].Group)
	assert.Equal(t, "A=1, B=1", b.Curves[3].Group)
	var n int
	for _, cv := range b.Curves {
		n += cv.N
	}
	assert.Equal(t, 200, n)

	require.NotNil(t, b.LogRank)
	assert.Equal(t, 3, b.LogRank.DF)
	var obs float64
	for _, o := range b.LogRank.Observed {
		obs += o
	}
	assert.Equal(t, float64(b.Events), obs)
	assert.True(t, b.LogRank.PValue > 0 && b.LogRank.PValue < 1)

	require.NotNil(t, b.Cox)
	ta := b.Cox.Term(simulate.AVar)
	require.NotNil(t, ta)
	assert.InDelta(t, 1.8, float64(ta.HR), 0.3)
	assert.True(t, float64(ta.LCB) < float64(ta.HR) && float64(ta.HR) < float64(ta.UCB))
	tb := b.Cox.Term(simulate.BVar)
	require.NotNil(t, tb)
	assert.True(t, tb.HR < 1)
	assert.Equal(t, "Efron", b.Cox.Ties)
	assert.Equal(t, b.Events, b.Cox.Events)
	assert.True(t, b.Cox.Concordance > 0.5)
	assert.Contains(t, b.Cox.String(), simulate.AVar)

	require.NotNil(t, b.Forest)
	assert.Equal(t, 100, b.Forest.Trees)
	assert.Equal(t, 1, b.Forest.MaxFeatures)
	assert.Len(t, b.Forest.OOB, 200)
	assert.Len(t, b.Forest.Importance, 3)

	require.NotNil(t, b.ROC)
	assert.True(t, b.ROC.AUC > 0.5 && b.ROC.AUC <= 1)
	assert.True(t, b.ROC.LCB <= b.ROC.AUC && b.ROC.AUC <= b.ROC.UCB)
	assert.Equal(t, 200-b.Forest.NoOOB, b.ROC.NumPos+b.ROC.NumNeg)

	assert.Nil(t, rep.Strata)
	assert.Nil(t, rep.CrossTab)
}

func TestReproducible(t *testing.T) {

	c := load(t, simTable(t, 120))
	cfg := baseConfig()
	cfg.Forest.Workers = 3

	rep1, err := Run(context.Background(), c, cfg, nil)
	require.NoError(t, err)
	cfg.Forest.Workers = 1
	rep2, err := Run(context.Background(), c, cfg, nil)
	require.NoError(t, err)

	assert.NotEqual(t, rep1.RunID, rep2.RunID)
	assert.Equal(t, rep1.Overall.Forest.Importance, rep2.Overall.Forest.Importance)
	assert.Equal(t, rep1.Overall.ROC.AUC, rep2.Overall.ROC.AUC)
	assert.Equal(t, rep1.Overall.Cox.Terms, rep2.Overall.Cox.Terms)
}

func TestStratify(t *testing.T) {

	c := load(t, simTable(t, 200))
	cfg := baseConfig()
	cfg.Stratify = simulate.BVar
	cfg.Secondary = simulate.AVar

	rep, err := Run(context.Background(), c, cfg, nil)
	require.NoError(t, err)

	require.Len(t, rep.Strata, 2)
	assert.Equal(t, "B=0", rep.Strata[0].Label)
	assert.Equal(t, "B=1", rep.Strata[1].Label)
	assert.Equal(t, 140, rep.Strata[0].Bundle.NumRows)
	assert.Equal(t, 60, rep.Strata[1].Bundle.NumRows)

	var usable, events int
	for _, st := range rep.Strata {
		usable += st.Bundle.Usable
		events += st.Bundle.Events

		// The stratifier is removed from the models within its strata.
		require.NotNil(t, st.Bundle.Cox)
		assert.Nil(t, st.Bundle.Cox.Term(simulate.BVar))
		assert.NotNil(t, st.Bundle.Cox.Term(simulate.AVar))
		assert.Len(t, st.Bundle.Forest.Importance, 2)

		sec := st.Secondary
		require.NotNil(t, sec)
		assert.Equal(t, simulate.AVar, sec.Variable)
		assert.Len(t, sec.Curves, 2)
		require.NotNil(t, sec.LogRank)
		assert.Equal(t, 1, sec.LogRank.DF)
		require.NotNil(t, sec.Cox)
		assert.Len(t, sec.Cox.Terms, 1)
	}
	assert.Equal(t, rep.Overall.Usable, usable)
	assert.Equal(t, rep.Overall.Events, events)

	require.NotNil(t, rep.CrossTab)
	assert.Equal(t, simulate.AVar, rep.CrossTab.RowVar)
	assert.Equal(t, simulate.BVar, rep.CrossTab.ColVar)

	s := rep.String()
	for _, x := range []string{"Kaplan-Meier", "Log-rank", "Stratum B=1", "A within B=0", "Out-of-bag AUC"} {
		assert.Contains(t, s, x)
	}
}

func TestStratifyMissing(t *testing.T) {

	tab := simTable(t, 200)
	for i := 0; i < 10; i++ {
		tab.Rows[i][colAge] = "NA"
	}
	for i := 10; i < 15; i++ {
		tab.Rows[i][colB] = ""
	}
	c := load(t, tab)

	cfg := baseConfig()
	cfg.Stratify = simulate.BVar

	rep, err := Run(context.Background(), c, cfg, nil)
	require.NoError(t, err)

	assert.Equal(t, 185, rep.Overall.Usable)
	assert.Equal(t, 15, rep.Excluded["usable"])
	assert.Equal(t, 0, rep.Excluded[CompKM])
	assert.Equal(t, 15, rep.Excluded[CompCox])
	assert.Len(t, rep.Overall.Forest.OOB, 185)

	var usable, rows int
	for _, st := range rep.Strata {
		usable += st.Bundle.Usable
		rows += st.Bundle.NumRows
	}
	assert.Equal(t, 185, usable)
	assert.Equal(t, 195, rows)
}

func TestKeepStratifier(t *testing.T) {

	c := load(t, simTable(t, 200))
	cfg := baseConfig()
	cfg.Stratify = simulate.BVar
	cfg.KeepStratifier = true

	rep, err := Run(context.Background(), c, cfg, nil)
	require.NoError(t, err)

	for _, st := range rep.Strata {
		cx := st.Bundle.Cox
		require.NotNil(t, cx)
		assert.Equal(t, []string{simulate.BVar}, cx.Dropped)
		assert.Nil(t, cx.Term(simulate.BVar))
		assert.Contains(t, cx.String(), "Constant terms dropped: B")
		assert.Len(t, st.Bundle.Forest.Importance, 3)
	}
}

// zeroEvents removes the events of the patients with B=1.
func zeroEvents(tab *cohort.Table) {
	for _, r := range tab.Rows {
		if r[colB] == "1" {
			r[colEvent] = "0"
		}
	}
}

func TestTolerant(t *testing.T) {

	tab := simTable(t, 200)
	zeroEvents(tab)
	c := load(t, tab)

	cfg := baseConfig()
	cfg.Stratify = simulate.BVar

	_, err := Run(context.Background(), c, cfg, nil)
	require.Error(t, err)
	var ide *statmodel.InsufficientDataError
	assert.True(t, errors.As(err, &ide))
	assert.True(t, strings.HasPrefix(err.Error(), "B=1: "))

	cfg.Tolerant = true
	rep, err := Run(context.Background(), c, cfg, nil)
	require.NoError(t, err)

	assert.Empty(t, rep.Overall.Errors)
	assert.Empty(t, rep.Strata[0].Bundle.Errors)

	b := rep.Strata[1].Bundle
	assert.Equal(t, 0, b.Events)
	var comps []string
	for _, e := range b.Errors {
		comps = append(comps, e.Component)
	}
	assert.Equal(t, []string{CompLogRank, CompCox, CompROC}, comps)
	assert.Len(t, b.Curves, 2)
	assert.Nil(t, b.LogRank)
	assert.Nil(t, b.Cox)
	assert.NotNil(t, b.Forest)
	assert.Nil(t, b.ROC)

	assert.Contains(t, rep.String(), "FAILED cox")
}

func TestCompeting(t *testing.T) {

	tab := simTable(t, 200)
	tab.Header = append(tab.Header, "cdeath", "odeath")
	for i, r := range tab.Rows {
		cd, od := "0", "0"
		if r[colEvent] == "1" {
			if i%2 == 0 {
				cd = "1"
			} else {
				od = "1"
			}
		}
		tab.Rows[i] = append(r, cd, od)
	}

	schema := simulate.Schema()
	schema.Endpoints = append(schema.Endpoints,
		cohort.Endpoint{Name: "cancer", Time: simulate.TimeVar, Event: "cdeath"},
		cohort.Endpoint{Name: "other", Time: simulate.TimeVar, Event: "odeath"})
	c, err := cohort.Load(tab, schema)
	require.NoError(t, err)

	cfg := baseConfig()
	cfg.Endpoint = "cancer"
	cfg.Competing = "other"

	rep, err := Run(context.Background(), c, cfg, nil)
	require.NoError(t, err)

	inc := rep.Overall.Incidence
	require.Len(t, inc, 2)
	for _, ic := range inc {
		assert.Equal(t, "cancer", ic.Endpoint)
		assert.Equal(t, "other", ic.Competing)
		require.Len(t, ic.Cause, len(ic.Time))
		require.Len(t, ic.CompCause, len(ic.Time))
		for i := 1; i < len(ic.Time); i++ {
			assert.True(t, ic.Cause[i] >= ic.Cause[i-1])
			assert.True(t, ic.CompCause[i] >= ic.CompCause[i-1])
		}
		last := len(ic.Time) - 1
		assert.True(t, ic.Cause[last]+ic.CompCause[last] <= 1)
	}

	// Competing endpoints must share the time column.
	tab.Header = append(tab.Header, "ptime")
	for i, r := range tab.Rows {
		tab.Rows[i] = append(r, r[4])
	}
	schema.Endpoints = append(schema.Endpoints, cohort.Endpoint{Name: "late", Time: "ptime", Event: "odeath"})
	c, err = cohort.Load(tab, schema)
	require.NoError(t, err)
	cfg.Competing = "late"
	_, err = Run(context.Background(), c, cfg, nil)
	var se *statmodel.SchemaError
	assert.True(t, errors.As(err, &se))
}

func TestReportJSON(t *testing.T) {

	tab := simTable(t, 120)
	zeroEvents(tab)
	c := load(t, tab)

	cfg := baseConfig()
	cfg.Stratify = simulate.BVar
	cfg.Tolerant = true

	rep, err := Run(context.Background(), c, cfg, nil)
	require.NoError(t, err)

	// Curves that never reach one half have an undefined median.
	assert.True(t, math.IsNaN(float64(rep.Strata[1].Bundle.Curves[0].Median)))

	buf, err := json.Marshal(rep)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(buf, &m))
	assert.Equal(t, rep.RunID, m["run_id"])
	assert.Equal(t, "os", m["endpoint"])

	strata := m["strata"].([]interface{})
	require.Len(t, strata, 2)
	b1 := strata[1].(map[string]interface{})["bundle"].(map[string]interface{})
	cv := b1["curves"].([]interface{})[0].(map[string]interface{})
	assert.Nil(t, cv["median"])
	assert.Len(t, b1["errors"], 3)

	// The curve starts at an infinite threshold.
	rc := m["overall"].(map[string]interface{})["roc"].(map[string]interface{})
	pts := rc["points"].([]interface{})
	require.Len(t, pts, len(rep.Overall.ROC.Points))
	p0 := pts[0].(map[string]interface{})
	assert.Nil(t, p0["threshold"])
	assert.Equal(t, 0.0, p0["fpr"])
	assert.Equal(t, 0.0, p0["tpr"])
	last := pts[len(pts)-1].(map[string]interface{})
	assert.Equal(t, 1.0, last["fpr"])
	assert.Equal(t, 1.0, last["tpr"])
	assert.NotNil(t, rc["youden"].(map[string]interface{})["threshold"])
}

func TestFloatJSON(t *testing.T) {

	b, err := json.Marshal(Floats{1.5, math.NaN(), math.Inf(-1), 0})
	require.NoError(t, err)
	assert.Equal(t, "[1.5,null,null,0]", string(b))

	b, err = json.Marshal(struct {
		X Float `json:"x"`
		Y Float `json:"y"`
	}{Float(math.NaN()), 2})
	require.NoError(t, err)
	assert.Equal(t, `{"x":null,"y":2}`, string(b))
}

func TestRunErrors(t *testing.T) {

	c := load(t, simTable(t, 60))

	for _, f := range []func(*Config){
		func(cfg *Config) { cfg.Covariates = []string{"stage"} },
		func(cfg *Config) { cfg.Endpoint = "pfs" },
		func(cfg *Config) { cfg.Grouping = []string{simulate.AgeVar} },
		func(cfg *Config) { cfg.Stratify = simulate.AgeVar },
		func(cfg *Config) { cfg.Covariates = []string{simulate.TimeVar} },
	} {
		cfg := baseConfig()
		f(cfg)
		_, err := Run(context.Background(), c, cfg, nil)
		var se *statmodel.SchemaError
		assert.True(t, errors.As(err, &se), "%v", err)
	}

	// Invalid configurations never reach the cohort.
	for _, f := range []func(*Config){
		func(cfg *Config) { cfg.Endpoint = "" },
		func(cfg *Config) { cfg.Covariates = nil },
		func(cfg *Config) { cfg.Covariates = []string{"A", "A"} },
		func(cfg *Config) { cfg.Cox.Ties = "exact" },
		func(cfg *Config) { cfg.Cox.ConfLevel = 1 },
		func(cfg *Config) { cfg.Forest.Trees = 0 },
		func(cfg *Config) { cfg.Stratify, cfg.Secondary = "B", "B" },
		func(cfg *Config) { cfg.Competing = "os" },
	} {
		cfg := baseConfig()
		f(cfg)
		assert.Error(t, cfg.Validate())
		_, err := Run(context.Background(), c, cfg, nil)
		assert.Error(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := baseConfig()
	cfg.Tolerant = true
	_, err := Run(ctx, c, cfg, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoadConfig(t *testing.T) {

	src := `
endpoint: os
covariates: [A, B, age]
grouping: [A]
stratify: B
tolerant: true
forest:
  trees: 250
  max_depth: 5
cox:
  ties: breslow
  l2: 0.1
`
	cfg, err := LoadConfig(strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, "os", cfg.Endpoint)
	assert.Equal(t, []string{"A", "B", "age"}, cfg.Covariates)
	assert.Equal(t, "B", cfg.Stratify)
	assert.True(t, cfg.Tolerant)
	assert.Equal(t, 250, cfg.Forest.Trees)
	assert.Equal(t, 5, cfg.Forest.MaxDepth)
	assert.Equal(t, "breslow", cfg.Cox.Ties)
	assert.Equal(t, 0.1, cfg.Cox.L2)

	// Defaults are kept for settings that are not given.
	def := DefaultConfig()
	assert.Equal(t, def.Forest.MinLeaf, cfg.Forest.MinLeaf)
	assert.Equal(t, def.Forest.Seed, cfg.Forest.Seed)
	assert.Equal(t, def.Cox.ConfLevel, cfg.Cox.ConfLevel)
	assert.Equal(t, def.Cox.MaxIter, cfg.Cox.MaxIter)

	pc, err := cfg.phregConfig()
	require.NoError(t, err)
	assert.Equal(t, "Breslow", pc.Ties.String())

	_, err = LoadConfig(strings.NewReader(src + "colour: red\n"))
	assert.Error(t, err)

	_, err = LoadConfig(strings.NewReader("covariates: [A]\n"))
	assert.Error(t, err)

	_, err = LoadConfig(strings.NewReader(""))
	assert.Error(t, err)

	// Decoding alone leaves the endpoint to the caller.
	cfg, err = DecodeConfig(strings.NewReader("covariates: [A]\n"))
	require.NoError(t, err)
	assert.Equal(t, "", cfg.Endpoint)
	assert.Error(t, cfg.Validate())
	cfg.Endpoint = "os"
	assert.NoError(t, cfg.Validate())

	_, err = DecodeConfig(strings.NewReader("colour: red\n"))
	assert.Error(t, err)
}

func TestPenalized(t *testing.T) {

	c := load(t, simTable(t, 200))
	cfg := baseConfig()

	rep0, err := Run(context.Background(), c, cfg, nil)
	require.NoError(t, err)

	cfg.Cox.L2 = 5
	rep1, err := Run(context.Background(), c, cfg, nil)
	require.NoError(t, err)

	// The ridge penalty shrinks the coefficients toward zero.
	a0 := rep0.Overall.Cox.Term(simulate.AVar).Coef
	a1 := rep1.Overall.Cox.Term(simulate.AVar).Coef
	assert.True(t, math.Abs(a1) < math.Abs(a0))
}

// stageCohort adds a three level stage covariate to the simulated cohort.
// The first level does not occur among the rows with B=1.
func stageCohort(t *testing.T) *cohort.Cohort {

	tab := simTable(t, 200)
	tab.Header = append(tab.Header, "stage")
	var k int
	for i, r := range tab.Rows {
		var st string
		if r[colB] == "1" {
			st = []string{"II", "III"}[k%2]
			k++
		} else {
			st = []string{"I", "II", "III"}[i%3]
		}
		tab.Rows[i] = append(r, st)
	}

	schema := simulate.Schema()
	schema.Covariates = append(schema.Covariates,
		cohort.Covariate{Name: "stage", Kind: "categorical", Levels: []string{"I", "II", "III"}})
	c, err := cohort.Load(tab, schema)
	require.NoError(t, err)
	return c
}

func TestCollinearTerms(t *testing.T) {

	c := stageCohort(t)
	cfg := baseConfig()
	cfg.Covariates = append(cfg.Covariates, "stage")
	cfg.Stratify = simulate.BVar

	rep, err := Run(context.Background(), c, cfg, nil)
	require.NoError(t, err)

	cr := rep.Overall.Cox
	require.NotNil(t, cr)
	assert.Empty(t, cr.Dropped)
	assert.Len(t, cr.Terms, 5)
	assert.NotNil(t, cr.Term("stage[III]"))

	// Without the reference level the indicators sum to one, so the last
	// is a linear combination of the first.
	require.Len(t, rep.Strata, 2)
	b1 := rep.Strata[1].Bundle
	assert.Empty(t, b1.Errors)
	cr = b1.Cox
	require.NotNil(t, cr)
	assert.Equal(t, []string{"stage[III]"}, cr.Collinear)
	assert.Equal(t, []string{"stage[III]"}, cr.Dropped)
	assert.NotNil(t, cr.Term("stage[II]"))
	assert.Nil(t, cr.Term("stage[III]"))
	for _, tm := range cr.Terms {
		assert.False(t, math.IsNaN(float64(tm.SE)), tm.Name)
	}
	assert.Contains(t, cr.String(), "Collinear terms dropped: stage[III]")

	// The forest sees the indicators, not the level codes.
	var names []string
	for _, im := range rep.Overall.Forest.Importance {
		names = append(names, im.Feature)
	}
	assert.ElementsMatch(t, []string{"A", "B", "age", "stage[II]", "stage[III]"}, names)
	assert.Len(t, b1.Forest.Importance, 4)
}

func TestFullRank(t *testing.T) {

	x1 := []float64{1, -1, 1, -1}
	x2 := []float64{1, 1, -1, -1}

	assert.True(t, fullRank([][]float64{x1}, 4))
	assert.True(t, fullRank([][]float64{x1, x2}, 4))
	assert.False(t, fullRank([][]float64{x1, x2, {2, 0, 0, -2}}, 4))
	assert.False(t, fullRank([][]float64{x1, {-3, 3, -3, 3}}, 4))
	assert.False(t, fullRank([][]float64{x1, x2, x1, x2, x1}, 4))
}

func TestSingleLevelStratifier(t *testing.T) {

	c, err := load(t, simTable(t, 200)).Filter(simulate.BVar, 0)
	require.NoError(t, err)
	require.Equal(t, 140, c.NumRows())

	cfg := baseConfig()
	cfg.Stratify = simulate.BVar
	cfg.Tolerant = true

	_, err = Run(context.Background(), c, cfg, nil)
	var ie *statmodel.InsufficientDataError
	require.True(t, errors.As(err, &ie), "%v", err)
	assert.Contains(t, ie.Error(), "stratifying covariate 'B' has 1 observed values")

	// Without stratification the same rows are analyzed.
	cfg.Stratify = ""
	rep, err := Run(context.Background(), c, cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, 140, rep.Overall.NumRows)
}
