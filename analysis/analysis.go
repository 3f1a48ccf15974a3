// Package analysis runs the survival and prognostic modeling pipeline on
// a cohort: Kaplan-Meier curves by group with a log-rank test, a Cox
// regression, a random forest for the event indicator with out-of-bag
// ROC analysis, and optionally the same analyses within the strata of a
// covariate.
package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/mjuetz34/survstat/cohort"
	"github.com/mjuetz34/survstat/duration"
	"github.com/mjuetz34/survstat/forest"
	"github.com/mjuetz34/survstat/roc"
	"github.com/mjuetz34/survstat/statmodel"
)

// The analysis components, as used in error records and exclusion counts.
const (
	CompKM       = "km"
	CompLogRank  = "logrank"
	CompCox      = "cox"
	CompForest   = "forest"
	CompROC      = "roc"
	CompIncident = "cuminc"
)

type runner struct {
	cfg *Config
	ep  cohort.Endpoint
	cp  cohort.Endpoint
	log *slog.Logger
}

// Run performs the configured analysis of the cohort.  The cohort is not
// modified.  Errors from the statistical components are returned wrapped
// with the stratum and component in which they occurred, unless the
// configuration is tolerant, in which case they are recorded in the
// result bundles.
func Run(ctx context.Context, c *cohort.Cohort, cfg *Config, log *slog.Logger) (*Report, error) {

	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.check(c); err != nil {
		return nil, err
	}

	r := &runner{cfg: cfg, log: log}
	r.ep, _ = c.Endpoint(cfg.Endpoint)
	if cfg.Competing != "" {
		r.cp, _ = c.Endpoint(cfg.Competing)
	}

	rep := &Report{
		RunID:    uuid.NewString(),
		Endpoint: cfg.Endpoint,
		Config:   cfg,
		Summary:  c.Describe(),
		Stratify: cfg.Stratify,
	}
	log = log.With("run_id", rep.RunID, "endpoint", cfg.Endpoint)
	r.log = log
	log.Info("analysis started", "rows", c.NumRows(), "covariates", cfg.Covariates, "stratify", cfg.Stratify)

	var extra []string
	if cfg.Stratify != "" {
		extra = append(extra, cfg.Stratify)
	}

	var levels []float64
	if cfg.Stratify != "" {
		var err error
		levels, err = c.Levels(cfg.Stratify)
		if err != nil {
			return nil, err
		}
		if len(levels) < 2 {
			msg := fmt.Sprintf("stratifying covariate '%s' has %d observed values, at least 2 are needed", cfg.Stratify, len(levels))
			return nil, &statmodel.InsufficientDataError{What: "stratification", Msg: msg}
		}
	}

	var err error
	rep.Overall, err = r.bundle(ctx, c, "all", cfg.Covariates, cfg.Grouping, extra)
	if err != nil {
		return nil, err
	}
	rep.Excluded = rep.Overall.Excluded

	if cfg.Stratify != "" {
		rep.Strata, err = r.stratify(ctx, c, levels)
		if err != nil {
			return nil, err
		}
		if cfg.Secondary != "" {
			rep.CrossTab, err = c.CrossTab(cfg.Secondary, cfg.Stratify, cfg.Endpoint)
			if err != nil {
				return nil, err
			}
		}
	}

	log.Info("analysis finished", "usable", rep.Overall.Usable, "events", rep.Overall.Events,
		"strata", len(rep.Strata))

	return rep, nil
}

// stratify runs a bundle, and the secondary comparison, within each value
// of the stratifying covariate.
func (r *runner) stratify(ctx context.Context, c *cohort.Cohort, levels []float64) ([]*Stratum, error) {

	cfg := r.cfg
	col, err := c.Column(cfg.Stratify)
	if err != nil {
		return nil, err
	}

	covs, grouping := cfg.Covariates, cfg.Grouping
	if !cfg.KeepStratifier {
		covs = without(covs, cfg.Stratify)
		grouping = without(grouping, cfg.Stratify)
	}

	var strata []*Stratum
	for _, v := range levels {

		label := fmt.Sprintf("%s=%s", cfg.Stratify, col.Label(v))
		sub, err := c.Filter(cfg.Stratify, v)
		if err != nil {
			return nil, err
		}

		st := &Stratum{Value: v, Label: label}
		if len(covs) == 0 {
			err := &statmodel.InsufficientDataError{What: label, Msg: "no covariates besides the stratifying covariate"}
			return nil, err
		}
		st.Bundle, err = r.bundle(ctx, sub, label, covs, grouping, nil)
		if err != nil {
			return nil, err
		}

		if cfg.Secondary != "" {
			st.Secondary, err = r.secondary(sub, label)
			if err != nil {
				return nil, err
			}
		}

		strata = append(strata, st)
	}

	return strata, nil
}

func without(x []string, drop string) []string {
	var y []string
	for _, v := range x {
		if v != drop {
			y = append(y, v)
		}
	}
	return y
}

// recorder collects component failures for one bundle.
type recorder struct {
	label    string
	tolerant bool
	log      *slog.Logger
	errs     []ComponentError
}

// fail records err for the component if the run is tolerant, and
// otherwise returns it with context.
func (rc *recorder) fail(comp string, err error) error {
	if rc.tolerant {
		rc.log.Warn("analysis component failed", "stratum", rc.label, "component", comp, "error", err)
		rc.errs = append(rc.errs, ComponentError{Component: comp, Error: err.Error()})
		return nil
	}
	return fmt.Errorf("%s: %s: %w", rc.label, comp, err)
}

func (r *runner) recorder(label string) *recorder {
	return &recorder{label: label, tolerant: r.cfg.Tolerant, log: r.log}
}

// bundle runs all components on the given cohort.  The extra variables
// only enter the count of usable rows.
func (r *runner) bundle(ctx context.Context, c *cohort.Cohort, label string, covs, grouping, extra []string) (*Bundle, error) {

	b := &Bundle{
		Label:    label,
		NumRows:  c.NumRows(),
		Excluded: make(map[string]int),
	}
	rc := r.recorder(label)

	vars := []string{r.ep.Time, r.ep.Event}
	for _, v := range slices.Concat(covs, grouping, extra) {
		if !slices.Contains(vars, v) {
			vars = append(vars, v)
		}
	}
	uf, err := c.Frame(vars, false)
	if err != nil {
		return nil, err
	}
	b.Usable = uf.NumRows()
	b.Excluded["usable"] = uf.Excluded()
	for _, e := range uf.Col(r.ep.Event) {
		b.Events += int(e)
	}

	r.log.Debug("running bundle", "stratum", label, "rows", b.NumRows, "usable", b.Usable, "events", b.Events)

	// Kaplan-Meier and log-rank
	sfs, err := r.kaplanMeier(c, grouping, b)
	if err != nil {
		if err := rc.fail(CompKM, err); err != nil {
			return nil, err
		}
	} else if len(grouping) > 0 {
		lr, err := duration.NewLogRank(sfs...)
		if err != nil {
			if err := rc.fail(CompLogRank, err); err != nil {
				return nil, err
			}
		} else {
			b.LogRank = newLogRankResult(lr, grouping)
		}
	}

	if r.cfg.Competing != "" {
		if err := r.incidence(c, grouping, b); err != nil {
			if err := rc.fail(CompIncident, err); err != nil {
				return nil, err
			}
		}
	}

	// Cox regression
	b.Cox, err = r.cox(c, covs, b)
	if err != nil {
		if err := rc.fail(CompCox, err); err != nil {
			return nil, err
		}
	}

	// Forest and out-of-bag ROC
	var oob, y []float64
	b.Forest, oob, y, err = r.forest(ctx, c, covs, b)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		if err := rc.fail(CompForest, err); err != nil {
			return nil, err
		}
	} else {
		b.ROC, err = r.roc(y, oob)
		if err != nil {
			if err := rc.fail(CompROC, err); err != nil {
				return nil, err
			}
		}
	}

	b.Errors = rc.errs

	return b, nil
}

// groupKey identifies a combination of grouping covariate values.
type groupKey string

func keyOf(codes []float64) groupKey {
	var b strings.Builder
	for j, v := range codes {
		if j > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%g", v)
	}
	return groupKey(b.String())
}

type group struct {
	codes []float64
	rows  []int
}

// groups partitions the frame rows by the values of the grouping
// covariates.  The groups are ordered by their codes.
func groups(f *cohort.Frame, grouping []string) []*group {

	gcols := make([][]float64, len(grouping))
	for j, na := range grouping {
		gcols[j] = f.Col(na)
	}

	m := make(map[groupKey]*group)
	for i := 0; i < f.NumRows(); i++ {
		codes := make([]float64, len(grouping))
		for j := range grouping {
			codes[j] = gcols[j][i]
		}
		k := keyOf(codes)
		g, ok := m[k]
		if !ok {
			g = &group{codes: codes}
			m[k] = g
		}
		g.rows = append(g.rows, i)
	}

	var gs []*group
	for _, g := range m {
		gs = append(gs, g)
	}
	slices.SortFunc(gs, func(a, b *group) int { return slices.Compare(a.codes, b.codes) })

	return gs
}

func groupLabel(c *cohort.Cohort, grouping []string, codes []float64) string {
	if len(grouping) == 0 {
		return "all"
	}
	parts := make([]string, len(grouping))
	for j, na := range grouping {
		col, _ := c.Column(na)
		parts[j] = fmt.Sprintf("%s=%s", na, col.Label(codes[j]))
	}
	return strings.Join(parts, ", ")
}

func subset(x []float64, rows []int) []float64 {
	y := make([]float64, len(rows))
	for k, i := range rows {
		y[k] = x[i]
	}
	return y
}

// kaplanMeier estimates a survival curve for each combination of the
// grouping covariates.
func (r *runner) kaplanMeier(c *cohort.Cohort, grouping []string, b *Bundle) ([]*duration.SurvfuncRight, error) {

	f, err := c.Frame(append([]string{r.ep.Time, r.ep.Event}, grouping...), false)
	if err != nil {
		return nil, err
	}
	b.Excluded[CompKM] = f.Excluded()
	if f.NumRows() == 0 {
		return nil, &statmodel.InsufficientDataError{What: "Kaplan-Meier", Msg: "no complete rows"}
	}

	time := f.Col(r.ep.Time)
	status := f.Col(r.ep.Event)

	var sfs []*duration.SurvfuncRight
	for _, g := range groups(f, grouping) {
		sf, err := duration.NewSurvfuncRight(subset(time, g.rows), subset(status, g.rows)).Done()
		if err != nil {
			return nil, err
		}
		sfs = append(sfs, sf)
		b.Curves = append(b.Curves, newCurve(groupLabel(c, grouping, g.codes), g.codes, sf))
	}

	return sfs, nil
}

// incidence estimates the cumulative incidence of the endpoint and of the
// competing endpoint, for each combination of the grouping covariates.
// An event of the endpoint takes precedence over a competing event
// recorded at the same time.
func (r *runner) incidence(c *cohort.Cohort, grouping []string, b *Bundle) error {

	f, err := c.Frame(append([]string{r.ep.Time, r.ep.Event, r.cp.Event}, grouping...), false)
	if err != nil {
		return err
	}
	b.Excluded[CompIncident] = f.Excluded()

	time := f.Col(r.ep.Time)
	ev := f.Col(r.ep.Event)
	cev := f.Col(r.cp.Event)
	status := make([]float64, len(time))
	for i := range status {
		switch {
		case ev[i] == 1:
			status[i] = 1
		case cev[i] == 1:
			status[i] = 2
		}
	}

	for _, g := range groups(f, grouping) {
		ci, err := duration.NewCumincRight(subset(time, g.rows), subset(status, g.rows)).Done()
		if err != nil {
			return fmt.Errorf("%s: %w", groupLabel(c, grouping, g.codes), err)
		}
		b.Incidence = append(b.Incidence, newIncidence(groupLabel(c, grouping, g.codes), r.ep.Name, r.cp.Name, ci))
	}

	return nil
}

// cox fits the proportional hazards regression.  Categorical covariates
// are expanded to indicators.  Terms that are constant in the analysis
// rows are dropped, and so are terms that are linear combinations of the
// terms before them, such as the last indicator of a categorical
// covariate whose reference level does not occur.
func (r *runner) cox(c *cohort.Cohort, covs []string, b *Bundle) (*CoxResult, error) {

	f, err := c.Frame(append([]string{r.ep.Time, r.ep.Event}, covs...), true)
	if err != nil {
		return nil, err
	}
	b.Excluded[CompCox] = f.Excluded()

	var terms, dropped []string
	for _, t := range f.Terms(covs...) {
		if constant(f.Col(t)) {
			dropped = append(dropped, t)
		} else {
			terms = append(terms, t)
		}
	}
	terms, collinear := independent(f, terms)
	if len(dropped) > 0 || len(collinear) > 0 {
		r.log.Debug("dropping Cox terms", "stratum", b.Label, "constant", dropped, "collinear", collinear)
	}

	pc, err := r.cfg.phregConfig()
	if err != nil {
		return nil, err
	}
	pc.Log = r.log
	if r.cfg.Cox.L2 > 0 {
		pc.L2Penalty = make(map[string]float64)
		for _, t := range terms {
			pc.L2Penalty[t] = r.cfg.Cox.L2
		}
	}

	model, err := duration.NewPHReg(f, r.ep.Time, r.ep.Event, terms, pc)
	if err != nil {
		return nil, err
	}
	rslt, err := model.Fit()
	if err != nil {
		return nil, err
	}

	return newCoxResult(rslt, model, dropped, collinear, r.cfg.Cox.ConfLevel), nil
}

// independent splits terms into a set of linearly independent terms,
// taken in order, and the terms that depend on them.  The columns are
// centered since the proportional hazards model has no intercept.
func independent(f *cohort.Frame, terms []string) (keep, drop []string) {

	n := f.NumRows()
	var cols [][]float64
	for _, t := range terms {
		x := slices.Clone(f.Col(t))
		floats.AddConst(-stat.Mean(x, nil), x)
		if fullRank(append(slices.Clip(cols), x), n) {
			cols = append(cols, x)
			keep = append(keep, t)
		} else {
			drop = append(drop, t)
		}
	}

	return keep, drop
}

// fullRank returns true if the n x len(cols) matrix with the given
// columns has full column rank.
func fullRank(cols [][]float64, n int) bool {

	p := len(cols)
	if n < p {
		return false
	}

	m := mat.NewDense(n, p, nil)
	for j, x := range cols {
		m.SetCol(j, x)
	}

	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDNone) {
		return false
	}
	sv := svd.Values(nil)

	return sv[p-1] > 1e-8*sv[0]
}

func constant(x []float64) bool {
	for _, v := range x {
		if v != x[0] {
			return false
		}
	}
	return true
}

// forest grows the random forest for the event indicator, and returns the
// out-of-bag predictions with the matching outcomes for the rows that
// have one.  Categorical covariates enter as indicators, so that splits
// never depend on the order of the level codes.
func (r *runner) forest(ctx context.Context, c *cohort.Cohort, covs []string, b *Bundle) (*ForestResult, []float64, []float64, error) {

	f, err := c.Frame(append([]string{r.ep.Event}, covs...), true)
	if err != nil {
		return nil, nil, nil, err
	}
	b.Excluded[CompForest] = f.Excluded()
	features := f.Terms(covs...)

	fc := r.cfg.forestConfig()
	fc.Log = r.log.With("stratum", b.Label)

	// Features per split cannot exceed the number of features, which
	// may be reduced within strata.
	fc.MaxFeatures = min(fc.MaxFeatures, len(features))

	fst, err := forest.Fit(ctx, f, r.ep.Event, features, fc)
	if err != nil {
		return nil, nil, nil, err
	}

	res := newForestResult(fst)

	yall := f.Col(r.ep.Event)
	var oob, y []float64
	for i, p := range fst.OOB() {
		if !math.IsNaN(p) {
			oob = append(oob, p)
			y = append(y, yall[i])
		}
	}

	return res, oob, y, nil
}

func (r *runner) roc(y, oob []float64) (*ROCResult, error) {
	cv, err := roc.Compute(y, oob)
	if err != nil {
		return nil, err
	}
	return newROCResult(cv, r.cfg.Cox.ConfLevel), nil
}

// secondary compares the groups of the secondary covariate within a
// stratum.
func (r *runner) secondary(c *cohort.Cohort, label string) (*Secondary, error) {

	rc := r.recorder(label + " " + r.cfg.Secondary)
	b := &Bundle{Label: rc.label, Excluded: make(map[string]int)}
	grouping := []string{r.cfg.Secondary}

	sec := &Secondary{Variable: r.cfg.Secondary}

	sfs, err := r.kaplanMeier(c, grouping, b)
	if err != nil {
		if err := rc.fail(CompKM, err); err != nil {
			return nil, err
		}
	} else {
		lr, err := duration.NewLogRank(sfs...)
		if err != nil {
			if err := rc.fail(CompLogRank, err); err != nil {
				return nil, err
			}
		} else {
			sec.LogRank = newLogRankResult(lr, grouping)
		}
	}
	sec.Curves = b.Curves

	sec.Cox, err = r.cox(c, grouping, b)
	if err != nil {
		if err := rc.fail(CompCox, err); err != nil {
			return nil, err
		}
	}

	sec.Excluded = b.Excluded
	sec.Errors = rc.errs

	return sec, nil
}
