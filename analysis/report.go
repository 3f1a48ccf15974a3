package analysis

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/mjuetz34/survstat/cohort"
	"github.com/mjuetz34/survstat/duration"
	"github.com/mjuetz34/survstat/forest"
	"github.com/mjuetz34/survstat/roc"
	"github.com/mjuetz34/survstat/statmodel"
)

// Float is a float64 that is encoded as JSON null when it is not finite.
type Float float64

// MarshalJSON implements json.Marshaler.
func (x Float) MarshalJSON() ([]byte, error) {
	v := float64(x)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
}

// Floats is a float64 slice whose non-finite values are encoded as JSON
// null.
type Floats []float64

// MarshalJSON implements json.Marshaler.
func (x Floats) MarshalJSON() ([]byte, error) {
	if x == nil {
		return []byte("null"), nil
	}
	b := []byte{'['}
	for i, v := range x {
		if i > 0 {
			b = append(b, ',')
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			b = append(b, "null"...)
		} else {
			b = strconv.AppendFloat(b, v, 'g', -1, 64)
		}
	}
	return append(b, ']'), nil
}

// Report holds the results of an analysis run.
type Report struct {
	RunID    string          `json:"run_id"`
	Endpoint string          `json:"endpoint"`
	Config   *Config         `json:"config"`
	Summary  *cohort.Summary `json:"summary"`

	// Results for the whole cohort
	Overall *Bundle `json:"overall"`

	// Rows dropped from each analysis of the whole cohort for missing
	// values
	Excluded map[string]int `json:"excluded"`

	Stratify string     `json:"stratify,omitempty"`
	Strata   []*Stratum `json:"strata,omitempty"`

	// Events by the secondary and stratifying covariates
	CrossTab *cohort.CrossTab `json:"crosstab,omitempty"`
}

// ComponentError records a component that failed in a tolerant run.
type ComponentError struct {
	Component string `json:"component"`
	Error     string `json:"error"`
}

// Bundle holds the results of all components for one cohort or stratum.
type Bundle struct {
	Label string `json:"label"`

	// Rows in the cohort or stratum
	NumRows int `json:"num_rows"`

	// Rows complete in every variable used by the bundle, and their
	// number of events
	Usable int `json:"usable"`
	Events int `json:"events"`

	// Rows dropped for missing values, by component
	Excluded map[string]int `json:"excluded"`

	Curves    []*Curve       `json:"curves"`
	LogRank   *LogRankResult `json:"logrank,omitempty"`
	Incidence []*Incidence   `json:"incidence,omitempty"`
	Cox       *CoxResult     `json:"cox,omitempty"`
	Forest    *ForestResult  `json:"forest,omitempty"`
	ROC       *ROCResult     `json:"roc,omitempty"`

	Errors []ComponentError `json:"errors,omitempty"`
}

// Stratum holds the results for one value of the stratifying covariate.
type Stratum struct {
	Value     float64    `json:"value"`
	Label     string     `json:"label"`
	Bundle    *Bundle    `json:"bundle"`
	Secondary *Secondary `json:"secondary,omitempty"`
}

// Secondary compares the groups of the secondary covariate within a
// stratum.
type Secondary struct {
	Variable string           `json:"variable"`
	Curves   []*Curve         `json:"curves"`
	LogRank  *LogRankResult   `json:"logrank,omitempty"`
	Cox      *CoxResult       `json:"cox,omitempty"`
	Excluded map[string]int   `json:"excluded"`
	Errors   []ComponentError `json:"errors,omitempty"`
}

// Point is a step of a survival curve.
type Point struct {
	Time      float64 `json:"time"`
	Prob      float64 `json:"prob"`
	SE        Float   `json:"se"`
	NumRisk   float64 `json:"num_risk"`
	NumEvents float64 `json:"num_events"`
}

// Curve is the Kaplan-Meier curve of one group.
type Curve struct {
	Group  string  `json:"group"`
	Codes  Floats  `json:"codes,omitempty"`
	N      int     `json:"n"`
	Events float64 `json:"events"`

	// Median survival time, null if the curve does not fall to one half
	Median Float   `json:"median"`
	Points []Point `json:"points"`
}

func newCurve(label string, codes []float64, sf *duration.SurvfuncRight) *Curve {
	cv := &Curve{
		Group:  label,
		Codes:  codes,
		N:      sf.NumObs(),
		Events: sf.TotalEvents(),
		Median: Float(sf.Median()),
	}
	for _, p := range sf.Points() {
		cv.Points = append(cv.Points, Point{
			Time:      p.Time,
			Prob:      p.Prob,
			SE:        Float(p.SE),
			NumRisk:   p.NumRisk,
			NumEvents: p.NumEvents,
		})
	}
	return cv
}

// LogRankResult is the log-rank comparison of the curves of a bundle.
type LogRankResult struct {
	Variables []string `json:"variables"`
	Stat      float64  `json:"stat"`
	DF        int      `json:"df"`
	PValue    float64  `json:"p_value"`
	Observed  Floats   `json:"observed"`
	Expected  Floats   `json:"expected"`
}

func newLogRankResult(lr *duration.LogRank, vars []string) *LogRankResult {
	return &LogRankResult{
		Variables: vars,
		Stat:      lr.Stat(),
		DF:        lr.DF(),
		PValue:    lr.PValue(),
		Observed:  lr.Observed(),
		Expected:  lr.Expected(),
	}
}

// Incidence holds the cumulative incidence of an endpoint and of its
// competing endpoint in one group.
type Incidence struct {
	Group       string `json:"group"`
	Endpoint    string `json:"endpoint"`
	Competing   string `json:"competing"`
	Time        Floats `json:"time"`
	Cause       Floats `json:"cause"`
	CauseSE     Floats `json:"cause_se"`
	CompCause   Floats `json:"competing_cause,omitempty"`
	CompCauseSE Floats `json:"competing_cause_se,omitempty"`
}

func newIncidence(label, ep, comp string, ci *duration.CumincRight) *Incidence {
	inc := &Incidence{
		Group:     label,
		Endpoint:  ep,
		Competing: comp,
		Time:      ci.Time(),
	}

	// A group may lack events of either type; the estimator only knows
	// the causes up to the largest one observed.
	if ci.NumCauses() >= 1 {
		inc.Cause = ci.Incidence(1)
		inc.CauseSE = ci.IncidenceSE(1)
	}
	if ci.NumCauses() >= 2 {
		inc.CompCause = ci.Incidence(2)
		inc.CompCauseSE = ci.IncidenceSE(2)
	}

	return inc
}

// CoxTerm holds the estimates for one term of the Cox model.
type CoxTerm struct {
	Name   string  `json:"name"`
	Coef   float64 `json:"coef"`
	SE     Float   `json:"se"`
	HR     Float   `json:"hr"`
	LCB    Float   `json:"lcb"`
	UCB    Float   `json:"ucb"`
	ZScore Float   `json:"z"`
	PValue Float   `json:"p_value"`
}

// CoxResult is a fitted proportional hazards regression.
type CoxResult struct {
	Terms []CoxTerm `json:"terms"`

	// Terms left out of the fit: constant terms, then terms that are
	// linear combinations of the preceding terms
	Dropped   []string `json:"dropped,omitempty"`
	Collinear []string `json:"collinear,omitempty"`

	Ties        string  `json:"ties"`
	ConfLevel   float64 `json:"conf_level"`
	NumObs      int     `json:"num_obs"`
	Events      int     `json:"events"`
	Iterations  int     `json:"iterations"`
	LogLike     float64 `json:"loglike"`
	Concordance Float   `json:"concordance"`

	summary string
}

func newCoxResult(rslt *duration.PHResults, model *duration.PHReg, constant, collinear []string, level float64) *CoxResult {

	cr := &CoxResult{
		Dropped:     slices.Concat(constant, collinear),
		Collinear:   collinear,
		Ties:        model.Ties().String(),
		ConfLevel:   level,
		NumObs:      model.NumObs(),
		Events:      rslt.NumEvents(),
		Iterations:  rslt.Iterations(),
		LogLike:     rslt.LogLike(),
		Concordance: Float(rslt.Concordance()),
	}

	se := rslt.StdErr()
	hr := rslt.HazardRatios()
	lcb, ucb := rslt.HazardRatioConfInt(level)
	z := rslt.ZScores()
	pv := rslt.PValues()
	for j, na := range rslt.Names() {
		cr.Terms = append(cr.Terms, CoxTerm{
			Name:   na,
			Coef:   rslt.Params()[j],
			SE:     Float(se[j]),
			HR:     Float(hr[j]),
			LCB:    Float(lcb[j]),
			UCB:    Float(ucb[j]),
			ZScore: Float(z[j]),
			PValue: Float(pv[j]),
		})
	}

	sum := rslt.Summary().Level(level)
	if len(constant) > 0 {
		sum.Message(fmt.Sprintf("Constant terms dropped: %s", strings.Join(constant, ", ")))
	}
	if len(collinear) > 0 {
		sum.Message(fmt.Sprintf("Collinear terms dropped: %s", strings.Join(collinear, ", ")))
	}
	cr.summary = sum.String()

	return cr
}

// Term returns the named term, or nil.
func (cr *CoxResult) Term(name string) *CoxTerm {
	for j := range cr.Terms {
		if cr.Terms[j].Name == name {
			return &cr.Terms[j]
		}
	}
	return nil
}

// String returns the regression summary table.
func (cr *CoxResult) String() string {
	return cr.summary
}

// ForestResult summarizes a fitted random forest.
type ForestResult struct {
	Trees       int                 `json:"trees"`
	MaxFeatures int                 `json:"max_features"`
	Importance  []forest.Importance `json:"importance"`

	// Out-of-bag probabilities in analysis row order, null for rows
	// without one
	OOB       Floats    `json:"oob"`
	NoOOB     int       `json:"no_oob"`
	OOBError  Float     `json:"oob_error"`
	Confusion [2][2]int `json:"confusion"`

	summary string
}

func newForestResult(f *forest.Forest) *ForestResult {
	return &ForestResult{
		Trees:       f.NumTrees(),
		MaxFeatures: f.MaxFeatures(),
		Importance:  f.Importance(),
		OOB:         f.OOB(),
		NoOOB:       f.NumNoOOB(),
		OOBError:    Float(f.OOBError()),
		Confusion:   f.Confusion(),
		summary:     f.String(),
	}
}

// String returns the forest summary table.
func (fr *ForestResult) String() string {
	return fr.summary
}

// ROCResult is the ROC analysis of the out-of-bag predictions.
type ROCResult struct {
	AUC       float64 `json:"auc"`
	SE        float64 `json:"se"`
	ConfLevel float64 `json:"conf_level"`
	LCB       float64 `json:"lcb"`
	UCB       float64 `json:"ucb"`
	NumPos    int     `json:"num_pos"`
	NumNeg    int     `json:"num_neg"`

	// Threshold maximizing sensitivity plus specificity
	Youden ROCPoint `json:"youden"`

	// Curve points by decreasing threshold.  The first point has an
	// infinite threshold, encoded as null.
	Points []ROCPoint `json:"points"`
}

// ROCPoint is a point of the ROC curve.
type ROCPoint struct {
	Threshold Float   `json:"threshold"`
	FPR       float64 `json:"fpr"`
	TPR       float64 `json:"tpr"`
}

func rocPoint(p roc.Point) ROCPoint {
	return ROCPoint{Threshold: Float(p.Threshold), FPR: p.FPR, TPR: p.TPR}
}

func newROCResult(cv *roc.Curve, level float64) *ROCResult {
	lcb, ucb := cv.ConfInt(level)
	rr := &ROCResult{
		AUC:       cv.AUC,
		SE:        cv.StdErr(),
		ConfLevel: level,
		LCB:       lcb,
		UCB:       ucb,
		Youden:    rocPoint(cv.Youden()),
		NumPos:    cv.NumPos,
		NumNeg:    cv.NumNeg,
		Points:    make([]ROCPoint, len(cv.Points)),
	}
	for i, p := range cv.Points {
		rr.Points[i] = rocPoint(p)
	}
	return rr
}

// FPR returns the false positive rates of the ROC curve, by decreasing
// threshold.
func (rr *ROCResult) FPR() []float64 {
	x := make([]float64, len(rr.Points))
	for i, p := range rr.Points {
		x[i] = p.FPR
	}
	return x
}

// TPR returns the true positive rates of the ROC curve, by decreasing
// threshold.
func (rr *ROCResult) TPR() []float64 {
	x := make([]float64, len(rr.Points))
	for i, p := range rr.Points {
		x[i] = p.TPR
	}
	return x
}

// String returns a text summary of the report.
func (rep *Report) String() string {

	var b strings.Builder

	fmt.Fprintf(&b, "Analysis %s of endpoint %s\n\n", rep.RunID, rep.Endpoint)

	if s := rep.Summary; s != nil {
		b.WriteString(summaryTable(s))
		b.WriteString("\n")
	}

	writeBundle(&b, rep.Overall)

	for _, st := range rep.Strata {
		fmt.Fprintf(&b, "\n#### Stratum %s ####\n\n", st.Label)
		writeBundle(&b, st.Bundle)
		if sec := st.Secondary; sec != nil {
			fmt.Fprintf(&b, "\n-- %s within %s --\n\n", sec.Variable, st.Label)
			writeCurves(&b, sec.Curves)
			writeLogRank(&b, sec.LogRank)
			if sec.Cox != nil {
				b.WriteString(sec.Cox.String())
			}
			writeErrors(&b, sec.Errors)
		}
	}

	if rep.CrossTab != nil {
		b.WriteString("\n")
		b.WriteString(rep.CrossTab.String())
	}

	return b.String()
}

func summaryTable(s *cohort.Summary) string {

	var names []string
	var pos, obs []int
	var rate []float64
	for _, bs := range s.Binary {
		names = append(names, bs.Name)
		pos = append(pos, bs.Positive)
		obs = append(obs, bs.Observed)
		rate = append(rate, bs.Rate)
	}

	tab := &statmodel.SummaryTable{
		Title:    "Cohort",
		ColNames: []string{"Covariate", "Positive", "Observed", "Rate"},
		ColFmt:   []statmodel.Fmter{statmodel.FmtStrings, statmodel.FmtInts, statmodel.FmtInts, statmodel.FmtFloats},
		Cols:     []interface{}{names, pos, obs, rate},
	}
	tab.Top = append(tab.Top, fmt.Sprintf("  Patients: %8d", s.NumRows))
	for _, es := range s.Endpoints {
		tab.Msg = append(tab.Msg, fmt.Sprintf("%s: %d events in %d patients (%.1f%%), median follow-up %.1f",
			es.Name, es.Events, es.Usable, 100*es.EventRate, es.MedianTime))
	}

	return tab.String()
}

func writeBundle(b *strings.Builder, bd *Bundle) {

	if bd == nil {
		return
	}

	fmt.Fprintf(b, "%s: %d rows, %d usable, %d events\n\n", bd.Label, bd.NumRows, bd.Usable, bd.Events)
	writeCurves(b, bd.Curves)
	writeLogRank(b, bd.LogRank)

	for _, inc := range bd.Incidence {
		if len(inc.Time) == 0 {
			continue
		}
		last := len(inc.Time) - 1
		fmt.Fprintf(b, "Cumulative incidence (%s) at %.1f: %s %.3f", inc.Group, inc.Time[last], inc.Endpoint, at(inc.Cause, last))
		if inc.CompCause != nil {
			fmt.Fprintf(b, ", %s %.3f", inc.Competing, at(inc.CompCause, last))
		}
		b.WriteString("\n")
	}

	if bd.Cox != nil {
		b.WriteString("\n")
		b.WriteString(bd.Cox.String())
	}
	if bd.Forest != nil {
		b.WriteString("\n")
		b.WriteString(bd.Forest.String())
		b.WriteString("Variable importance (mean decrease in Gini):\n")
		for _, imp := range bd.Forest.Importance {
			fmt.Fprintf(b, "  %-20s %10.4f\n", imp.Feature, imp.Score)
		}
	}
	if bd.ROC != nil {
		r := bd.ROC
		fmt.Fprintf(b, "\nOut-of-bag AUC: %.4f (%.0f%% CI %.4f-%.4f), %d events, %d non-events\n",
			r.AUC, 100*r.ConfLevel, r.LCB, r.UCB, r.NumPos, r.NumNeg)
	}

	writeErrors(b, bd.Errors)
}

func at(x []float64, i int) float64 {
	if i < len(x) {
		return x[i]
	}
	return math.NaN()
}

func writeCurves(b *strings.Builder, curves []*Curve) {

	if len(curves) == 0 {
		return
	}

	var groups []string
	var n []int
	var ev, med []float64
	for _, cv := range curves {
		groups = append(groups, cv.Group)
		n = append(n, cv.N)
		ev = append(ev, cv.Events)
		med = append(med, float64(cv.Median))
	}

	tab := &statmodel.SummaryTable{
		Title:    "Kaplan-Meier estimates",
		ColNames: []string{"Group", "N", "Events", "Median"},
		ColFmt:   []statmodel.Fmter{statmodel.FmtStrings, statmodel.FmtInts, statmodel.FmtFloats, statmodel.FmtFloats},
		Cols:     []interface{}{groups, n, ev, med},
	}
	b.WriteString(tab.String())
}

func writeLogRank(b *strings.Builder, lr *LogRankResult) {
	if lr == nil {
		return
	}
	fmt.Fprintf(b, "Log-rank test (%s): chi-square %.4f on %d df, p = %.4g\n",
		strings.Join(lr.Variables, ", "), lr.Stat, lr.DF, lr.PValue)
}

func writeErrors(b *strings.Builder, errs []ComponentError) {
	for _, e := range errs {
		fmt.Fprintf(b, "FAILED %s: %s\n", e.Component, e.Error)
	}
}
