// Package duration supports various methods for statistical analysis
// of duration data (survival analysis).
package duration

import (
	"fmt"
	"log/slog"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/mjuetz34/survstat/statmodel"
)

// PHParameter contains a parameter value for a proportional hazards
// regression model.
type PHParameter struct {
	coeff []float64
}

// GetCoeff returns the array of model coefficients from a parameter value.
func (p *PHParameter) GetCoeff() []float64 {
	return p.coeff
}

// SetCoeff sets the array of model coefficients for a parameter value.
func (p *PHParameter) SetCoeff(x []float64) {
	p.coeff = x
}

// Clone returns a deep copy of the parameter value.
func (p *PHParameter) Clone() statmodel.Parameter {
	q := make([]float64, len(p.coeff))
	copy(q, p.coeff)
	return &PHParameter{q}
}

// TiesMethod selects the approximation to the partial likelihood used
// when several events share a time.
type TiesMethod int

// Efron is the default.  Breslow is required with case weights.
const (
	EfronTies TiesMethod = iota
	BreslowTies
)

func (tm TiesMethod) String() string {
	if tm == BreslowTies {
		return "Breslow"
	}
	return "Efron"
}

// ParseTies converts "efron" or "breslow" to a TiesMethod.
func ParseTies(s string) (TiesMethod, error) {
	switch s {
	case "", "efron":
		return EfronTies, nil
	case "breslow":
		return BreslowTies, nil
	}
	return EfronTies, fmt.Errorf("unknown ties method '%s'", s)
}

// PHReg describes a proportional hazards regression model for right
// censored data.
type PHReg struct {

	// The names of the variables.  The order agrees with the order of 'data'.
	varnames []string

	// The data to which the model is fit
	data [][]statmodel.Dtype

	// Starting values, optional
	start []float64

	// Position of the event variable
	statuspos int

	// Position of the time variable
	timepos int

	// Position of the entry time variable
	entrypos int

	// Position of an offset variable
	offsetpos int

	// Position of a case weight variable
	weightpos int

	// Position of a stratum variable
	stratapos int

	// Start and end position of the strata
	stratumix [][2]int

	// The sorted times at which events occur in each stratum
	etimes [][]float64

	// enter[i][j] are the row indices that enter the risk set at
	// the jth distinct time in stratum i
	enter [][][]int

	// event[i][j] are the row indices that have an event at
	// the jth distinct time in stratum i
	event [][][]int

	// exit[i][j] are the row indices that exit the risk set at
	// the jth distinct time in stratum i
	exit [][][]int

	// The sum of covariates with events in each stratum
	sumx [][]float64

	// L2 (ridge) weights for each variable
	l2wgt []float64

	// The positions of the covariates in the data
	xpos []int

	// If skip[i] is true, case i is skipped since it is censored before the first event.
	skip []bool

	// The number of cases that are skipped because they are censored before the first event
	skipEarlyCensor int

	ties TiesMethod

	// Newton-Raphson convergence tolerance and iteration limit
	tol     float64
	maxiter int

	// Optimization settings
	optsettings *optimize.Settings

	// Optimization method, nil for Newton-Raphson
	optmethod optimize.Method

	log *slog.Logger

	nslices [][]float64
}

// NumObs returns the number of observations in the data set.
func (ph *PHReg) NumObs() int {
	return len(ph.data[0])
}

// NumParams returns the number of model parameters (regression coefficients).
func (ph *PHReg) NumParams() int {
	return len(ph.xpos)
}

// Dataset returns the data columns that are used to fit the model.
func (ph *PHReg) Dataset() [][]statmodel.Dtype {
	return ph.data
}

// Xpos return the positions of the covariates in the model's data.
func (ph *PHReg) Xpos() []int {
	return ph.xpos
}

// Ties returns the method used to handle tied event times.
func (ph *PHReg) Ties() TiesMethod {
	return ph.ties
}

// PHRegConfig defines configuration parameters for a proportional hazards regression.
type PHRegConfig struct {

	// A logger to which progress and diagnostic information is written,
	// optional.
	Log *slog.Logger

	// Start contains starting values for the regression parameter estimates
	Start []float64

	// WeightVar is the name of the variable for frequency-weighting the cases, if an empty
	// string, all weights are equal to 1.
	WeightVar string

	// OffsetVar is the name of a variable that defines an offset.
	OffsetVar string

	// StrataVar is the name of a variable that defines strata.
	StrataVar string

	// EntryVar is the name of a variable that defines entry (left truncation) times.
	EntryVar string

	// L2Penalty maps covariate names to ridge penalty weights.
	L2Penalty map[string]float64

	// Ties is the method for handling tied event times.
	Ties TiesMethod

	// Tol is the Newton-Raphson convergence tolerance on the norm of the
	// parameter update.
	Tol float64

	// MaxIter is the maximum number of Newton-Raphson iterations.
	MaxIter int

	// OptMethod is a Gonum optimization method used to fit the model
	// in place of Newton-Raphson, optional.
	OptMethod optimize.Method

	// OptSettings configures the Gonum optimization routine.
	OptSettings *optimize.Settings
}

// DefaultPHRegConfig returns a default configuration struct for a proportional hazards regression.
func DefaultPHRegConfig() *PHRegConfig {

	return &PHRegConfig{
		Ties:    EfronTies,
		Tol:     1e-8,
		MaxIter: 100,
	}
}

// NewPHReg returns a PHReg value that can be used to fit a
// proportional hazards regression model.  Covariates are used as given;
// rescale them beforehand if their magnitudes are very different.  The
// data columns are reordered in place when strata are present.
func NewPHReg(data statmodel.Dataset, time, status string, predictors []string, config *PHRegConfig) (*PHReg, error) {

	if config == nil {
		config = DefaultPHRegConfig()
	}

	pos := make(map[string]int)
	for i, v := range data.Names() {
		pos[v] = i
	}

	timepos, ok := pos[time]
	if !ok {
		return nil, &statmodel.SchemaError{Column: time, Msg: "time variable not found in dataset"}
	}

	statuspos, ok := pos[status]
	if !ok {
		return nil, &statmodel.SchemaError{Column: status, Msg: "status variable not found in dataset"}
	}

	if len(predictors) == 0 {
		return nil, &statmodel.InsufficientDataError{What: "proportional hazards regression", Msg: "no covariates"}
	}

	var xpos []int
	for _, xna := range predictors {
		xp, ok := pos[xna]
		if !ok {
			return nil, &statmodel.SchemaError{Column: xna, Msg: "predictor not found in dataset"}
		}
		xpos = append(xpos, xp)
	}

	var err error
	getpos := func(vn string) int {
		if vn == "" {
			return -1
		}
		loc, ok := pos[vn]
		if !ok && err == nil {
			err = &statmodel.SchemaError{Column: vn, Msg: "not found in dataset"}
		}
		if !ok {
			return -1
		}
		return loc
	}

	weightpos := getpos(config.WeightVar)
	stratapos := getpos(config.StrataVar)
	offsetpos := getpos(config.OffsetVar)
	entrypos := getpos(config.EntryVar)
	if err != nil {
		return nil, err
	}

	if weightpos != -1 && config.Ties == EfronTies {
		return nil, fmt.Errorf("case weights require Breslow ties")
	}

	varnames := data.Names()

	var l2wgt []float64
	if len(config.L2Penalty) > 0 {
		l2wgt = make([]float64, len(xpos))
		for j, k := range xpos {
			l2wgt[j] = config.L2Penalty[varnames[k]]
		}
	}

	if config.Start != nil && len(config.Start) != len(xpos) {
		return nil, fmt.Errorf("%d starting values for %d covariates", len(config.Start), len(xpos))
	}

	tol := config.Tol
	if tol <= 0 {
		tol = 1e-8
	}
	maxiter := config.MaxIter
	if maxiter <= 0 {
		maxiter = 100
	}

	lg := config.Log
	if lg == nil {
		lg = slog.New(slog.DiscardHandler)
	}

	ph := &PHReg{
		data:        data.Data(),
		varnames:    varnames,
		timepos:     timepos,
		statuspos:   statuspos,
		xpos:        xpos,
		weightpos:   weightpos,
		offsetpos:   offsetpos,
		entrypos:    entrypos,
		stratapos:   stratapos,
		start:       config.Start,
		l2wgt:       l2wgt,
		ties:        config.Ties,
		tol:         tol,
		maxiter:     maxiter,
		log:         lg,
		optsettings: config.OptSettings,
		optmethod:   config.OptMethod,
	}

	if err := ph.init(); err != nil {
		return nil, err
	}

	return ph, nil
}

func (ph *PHReg) init() error {
	if err := ph.check(); err != nil {
		return err
	}
	ph.sortByStratum()
	ph.setupTimes()
	ph.setupCovs()

	var nevent int
	for s := range ph.event {
		for _, ev := range ph.event[s] {
			nevent += len(ev)
		}
	}
	if nevent == 0 {
		return &statmodel.InsufficientDataError{What: "proportional hazards regression", Msg: "no events"}
	}

	return nil
}

// check validates the data before any rows are reordered, so that row
// numbers in errors refer to the caller's rows.
func (ph *PHReg) check() error {

	time := ph.data[ph.timepos]
	status := ph.data[ph.statuspos]

	if len(time) == 0 {
		return &statmodel.InsufficientDataError{What: "proportional hazards regression", Msg: "no observations"}
	}

	for i := range time {
		if math.IsNaN(time[i]) || time[i] < 0 {
			return &statmodel.ValueError{Column: ph.varnames[ph.timepos], Row: i, Msg: fmt.Sprintf("invalid time %g", time[i])}
		}
		if status[i] != 0 && status[i] != 1 {
			return &statmodel.ValueError{Column: ph.varnames[ph.statuspos], Row: i, Msg: fmt.Sprintf("value %g is not 0 or 1", status[i])}
		}
	}

	if ph.entrypos != -1 {
		entry := ph.data[ph.entrypos]
		for i := range entry {
			if !(entry[i] >= 0 && entry[i] <= time[i]) {
				msg := fmt.Sprintf("entry time %g is negative or after the event/censoring time", entry[i])
				return &statmodel.ValueError{Column: ph.varnames[ph.entrypos], Row: i, Msg: msg}
			}
		}
	}

	for _, k := range append([]int{ph.weightpos, ph.offsetpos, ph.stratapos}, ph.xpos...) {
		if k == -1 {
			continue
		}
		for i, v := range ph.data[k] {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return &statmodel.ValueError{Column: ph.varnames[k], Row: i, Msg: "not a finite number"}
			}
		}
	}

	return nil
}

func (a argsort) Len() int {
	return len(a.s)
}

func (a argsort) Swap(i, j int) {
	a.s[i], a.s[j] = a.s[j], a.s[i]
	a.inds[i], a.inds[j] = a.inds[j], a.inds[i]
}

func (a argsort) Less(i, j int) bool {
	return a.s[i] < a.s[j]
}

type argsort struct {
	s    []statmodel.Dtype
	inds []int
}

func (ph *PHReg) sortByStratum() {

	time := ph.data[ph.timepos]
	nobs := len(time)

	if ph.stratapos == -1 {
		ph.stratumix = [][2]int{{0, nobs}}
		return
	}

	strata := ph.data[ph.stratapos]

	inds := make([]int, nobs)
	for i := range inds {
		inds[i] = i
	}
	a := argsort{s: strata, inds: inds}
	sort.Stable(a)

	tmp := make([]statmodel.Dtype, nobs)

	re := func(pos int) {
		if pos == -1 {
			return
		}
		x := ph.data[pos]
		for i, j := range inds {
			tmp[i] = x[j]
		}
		x, tmp = tmp, x
		ph.data[pos] = x
	}

	re(ph.timepos)
	re(ph.statuspos)
	re(ph.offsetpos)
	re(ph.weightpos)
	re(ph.entrypos)

	for _, k := range ph.xpos {
		re(k)
	}

	var i0 int
	for i := 0; i <= len(strata); i++ {
		if i == len(strata) || (i > 0 && strata[i-1] != strata[i]) {
			ph.stratumix = append(ph.stratumix, [2]int{i0, i})
			i0 = i
		}
	}
}

func (ph *PHReg) setupTimes() {

	ph.skipEarlyCensor = 0

	time := ph.data[ph.timepos]
	status := ph.data[ph.statuspos]
	nobs := len(time)

	// Track cases that are omitted since they are
	// censored before the first event in their stratum.
	ph.skip = make([]bool, nobs)

	// Get the sorted distinct times where events occur
	for _, ix := range ph.stratumix {

		var et []float64

		for i := ix[0]; i < ix[1]; i++ {
			if status[i] == 1 {
				et = append(et, time[i])
			}
		}

		if len(et) > 0 {
			sort.Float64s(et)

			// Deduplicate
			j := 0
			for i := 1; i < len(et); i++ {
				if et[i] != et[j] {
					j++
					et[j] = et[i]
				}
			}
			et = et[0 : j+1]
		}
		ph.etimes = append(ph.etimes, et)

		// Indices of cases that enter or exit the risk set,
		// or have an event at each time point.
		enter := make([][]int, len(et))
		exit := make([][]int, len(et))
		event := make([][]int, len(et))
		ph.enter = append(ph.enter, enter)
		ph.exit = append(ph.exit, exit)
		ph.event = append(ph.event, event)

		// No events in this stratum
		if len(et) == 0 {
			continue
		}

		// Risk set exit times
		for i := ix[0]; i < ix[1]; i++ {
			ii := sort.SearchFloat64s(et, time[i])
			switch {
			case ii == len(et):
				// Censored after last event, never exits
			case et[ii] == time[i]:
				// Event or censored at an event time
				exit[ii] = append(exit[ii], i)
			case ii == 0:
				// Censored before first event, never enters
				ph.skip[i] = true
				ph.skipEarlyCensor++
			default:
				// Censored between event times
				exit[ii-1] = append(exit[ii-1], i)
			}
		}

		// Event times
		for i := ix[0]; i < ix[1]; i++ {
			if status[i] == 0 || ph.skip[i] {
				continue
			}
			ii := sort.SearchFloat64s(et, time[i])
			event[ii] = append(event[ii], i)
		}

		// Risk set entry times
		if ph.entrypos == -1 {
			// Everyone enters at time 0
			for i := ix[0]; i < ix[1]; i++ {
				if !ph.skip[i] {
					enter[0] = append(enter[0], i)
				}
			}
		} else {
			entry := ph.data[ph.entrypos]
			for i := ix[0]; i < ix[1]; i++ {
				if ph.skip[i] {
					continue
				}
				ii := sort.SearchFloat64s(et, entry[i])
				if ii < len(et) {
					// Enter on or between event times
					enter[ii] = append(enter[ii], i)
				}
			}
		}
	}
}

func (ph *PHReg) putNslice(x []float64) {
	ph.nslices = append(ph.nslices, x)
}

func (ph *PHReg) getNslice() []float64 {

	if len(ph.nslices) == 0 {
		return make([]float64, ph.NumObs())
	}
	q := len(ph.nslices) - 1
	x := ph.nslices[q]
	zero(x)
	ph.nslices = ph.nslices[0:q]

	return x
}

func (ph *PHReg) setupCovs() {

	ph.sumx = ph.sumx[0:0]
	status := ph.data[ph.statuspos]

	var wgt []statmodel.Dtype
	if ph.weightpos != -1 {
		wgt = ph.data[ph.weightpos]
	}

	// Get the sum of covariates in each stratum,
	// including only covariates for cases with the event
	for _, ix := range ph.stratumix {
		sumx := make([]float64, len(ph.xpos))
		for j, k := range ph.xpos {
			x := ph.data[k]
			for i := ix[0]; i < ix[1]; i++ {
				if !ph.skip[i] && status[i] == 1 {
					if wgt == nil {
						sumx[j] += x[i]
					} else {
						sumx[j] += wgt[i] * x[i]
					}
				}
			}
		}
		ph.sumx = append(ph.sumx, sumx)
	}
}

// linpred places the linear predictor, including any offset, into lp.
func (ph *PHReg) linpred(params, lp []float64) {

	zero(lp)
	for j, k := range ph.xpos {
		floats.AddScaled(lp, params[j], ph.data[k])
	}

	if ph.offsetpos != -1 {
		floats.Add(lp, ph.data[ph.offsetpos])
	}
}

// LogLike returns the log-likelihood at the given parameter value. The 'exact'
// parameter is ignored here.
func (ph *PHReg) LogLike(param statmodel.Parameter, exact bool) float64 {

	coeff := param.GetCoeff()

	var ll float64
	if ph.ties == BreslowTies {
		ll = ph.breslowLogLike(coeff)
	} else {
		ll = ph.efronLogLike(coeff)
	}

	// Account for L2 weights if present.
	if len(ph.l2wgt) > 0 {
		for j, x := range coeff {
			ll -= ph.l2wgt[j] * x * x
		}
	}

	return ll
}

// breslowLogLike returns the log-likelihood value for the
// proportional hazards regression model at the given parameter
// values, using the Breslow method to resolve ties.
func (ph *PHReg) breslowLogLike(params []float64) float64 {

	var wgt []statmodel.Dtype
	if ph.weightpos != -1 {
		wgt = ph.data[ph.weightpos]
	}

	lp := ph.getNslice()
	elp := ph.getNslice()
	ph.linpred(params, lp)

	ql := float64(0)
	for s, ix := range ph.stratumix {

		// We can add any constant here due to invariance in
		// the partial likelihood.
		mx := floats.Max(lp[ix[0]:ix[1]])
		for i := ix[0]; i < ix[1]; i++ {
			lp[i] -= mx
			elp[i] = math.Exp(lp[i])
		}
		if wgt != nil {
			for i := ix[0]; i < ix[1]; i++ {
				lp[i] *= wgt[i]
				elp[i] *= wgt[i]
			}
		}

		rlp := float64(0)
		for k := 0; k < len(ph.etimes[s]); k++ {

			// Update for new entries
			for _, i := range ph.enter[s][k] {
				rlp += elp[i]
			}

			for _, i := range ph.event[s][k] {
				ql += lp[i]
			}

			if wgt != nil {
				var n float64
				for _, i := range ph.event[s][k] {
					n += wgt[i]
				}
				ql -= n * math.Log(rlp)
			} else {
				ql -= float64(len(ph.event[s][k])) * math.Log(rlp)
			}

			// Update for new exits
			for _, i := range ph.exit[s][k] {
				rlp -= elp[i]
			}
		}
	}

	ph.putNslice(lp)
	ph.putNslice(elp)

	return ql
}

// efronLogLike returns the log-likelihood value for the proportional
// hazards regression model at the given parameter values, using the
// Efron method to resolve ties.  Case weights are not supported.
func (ph *PHReg) efronLogLike(params []float64) float64 {

	lp := ph.getNslice()
	elp := ph.getNslice()
	ph.linpred(params, lp)

	ql := float64(0)
	for s, ix := range ph.stratumix {

		mx := floats.Max(lp[ix[0]:ix[1]])
		for i := ix[0]; i < ix[1]; i++ {
			lp[i] -= mx
			elp[i] = math.Exp(lp[i])
		}

		rlp := float64(0)
		for k := 0; k < len(ph.etimes[s]); k++ {

			for _, i := range ph.enter[s][k] {
				rlp += elp[i]
			}

			// The tied events leave the risk set gradually, in
			// d equal fractions.
			var dlp float64
			for _, i := range ph.event[s][k] {
				ql += lp[i]
				dlp += elp[i]
			}
			d := float64(len(ph.event[s][k]))
			for l := range ph.event[s][k] {
				ql -= math.Log(rlp - float64(l)*dlp/d)
			}

			for _, i := range ph.exit[s][k] {
				rlp -= elp[i]
			}
		}
	}

	ph.putNslice(lp)
	ph.putNslice(elp)

	return ql
}

// BaselineCumHaz returns the Breslow (Nelson-Aalen type) estimator of
// the baseline cumulative hazard function for the given stratum, at the
// event times of the stratum.
func (ph *PHReg) BaselineCumHaz(stratum int, params []float64) ([]float64, []float64) {

	h0 := make([]float64, len(ph.event[stratum]))

	lp := make([]float64, ph.NumObs())
	ph.linpred(params, lp)

	elp := 0.0
	for k := range ph.etimes[stratum] {

		// Update for new entries
		for _, i := range ph.enter[stratum][k] {
			elp += math.Exp(lp[i])
		}

		h0[k] = float64(len(ph.event[stratum][k])) / elp

		// Update for new exits
		for _, i := range ph.exit[stratum][k] {
			elp -= math.Exp(lp[i])
		}
	}

	floats.CumSum(h0, h0)

	return ph.etimes[stratum], h0
}

// NumStrata returns the number of strata.
func (ph *PHReg) NumStrata() int {
	return len(ph.stratumix)
}

func zero(x []float64) {
	for i := range x {
		x[i] = 0
	}
}

// Score computes the score vector for the proportional hazards
// regression model at the given parameter setting.
func (ph *PHReg) Score(params statmodel.Parameter, score []float64) {

	coeff := params.GetCoeff()
	if ph.ties == BreslowTies {
		ph.breslowScore(coeff, score)
	} else {
		ph.efronScore(coeff, score)
	}

	// Account for L2 weights if present.
	if len(ph.l2wgt) > 0 {
		for j, x := range coeff {
			score[j] -= 2 * ph.l2wgt[j] * x
		}
	}
}

// breslowScore calculates the score vector for the proportional
// hazards regression model at the given parameter values, using the
// Breslow approach to resolving ties.
func (ph *PHReg) breslowScore(params, score []float64) {

	zero(score)

	var wgt []statmodel.Dtype
	if ph.weightpos != -1 {
		wgt = ph.data[ph.weightpos]
	}

	lp := ph.getNslice()
	ph.linpred(params, lp)

	for s, ix := range ph.stratumix {

		for j := 0; j < len(ph.xpos); j++ {
			score[j] += ph.sumx[s][j]
		}

		// We can add any constant here due to invariance in
		// the partial likelihood.
		mx := floats.Max(lp[ix[0]:ix[1]])
		for i := ix[0]; i < ix[1]; i++ {
			lp[i] = math.Exp(lp[i] - mx)
		}
		if wgt != nil {
			for i := ix[0]; i < ix[1]; i++ {
				lp[i] *= wgt[i]
			}
		}

		rlp := float64(0)
		rlpv := make([]float64, len(ph.xpos))
		for q := range ph.etimes[s] {

			// Update for new entries
			for _, i := range ph.enter[s][q] {
				rlp += lp[i]
				for j, k := range ph.xpos {
					rlpv[j] += lp[i] * ph.data[k][i]
				}
			}

			d := float64(len(ph.event[s][q]))
			if wgt != nil {
				d = 0
				for _, i := range ph.event[s][q] {
					d += wgt[i]
				}
			}
			floats.AddScaledTo(score, score, -d/rlp, rlpv)

			// Update for new exits
			for _, i := range ph.exit[s][q] {
				rlp -= lp[i]
				for j, k := range ph.xpos {
					rlpv[j] -= lp[i] * ph.data[k][i]
				}
			}
		}
	}

	ph.putNslice(lp)
}

// efronScore calculates the score vector using the Efron approach to
// resolving ties.
func (ph *PHReg) efronScore(params, score []float64) {

	zero(score)

	lp := ph.getNslice()
	ph.linpred(params, lp)

	p := len(ph.xpos)
	rlpv := make([]float64, p)
	dlpv := make([]float64, p)

	for s, ix := range ph.stratumix {

		floats.Add(score, ph.sumx[s])

		mx := floats.Max(lp[ix[0]:ix[1]])
		for i := ix[0]; i < ix[1]; i++ {
			lp[i] = math.Exp(lp[i] - mx)
		}

		rlp := float64(0)
		zero(rlpv)
		for q := range ph.etimes[s] {

			for _, i := range ph.enter[s][q] {
				rlp += lp[i]
				for j, k := range ph.xpos {
					rlpv[j] += lp[i] * ph.data[k][i]
				}
			}

			var dlp float64
			zero(dlpv)
			for _, i := range ph.event[s][q] {
				dlp += lp[i]
				for j, k := range ph.xpos {
					dlpv[j] += lp[i] * ph.data[k][i]
				}
			}

			d := float64(len(ph.event[s][q]))
			for l := range ph.event[s][q] {
				c := float64(l) / d
				den := rlp - c*dlp
				for j := range score {
					score[j] -= (rlpv[j] - c*dlpv[j]) / den
				}
			}

			for _, i := range ph.exit[s][q] {
				rlp -= lp[i]
				for j, k := range ph.xpos {
					rlpv[j] -= lp[i] * ph.data[k][i]
				}
			}
		}
	}

	ph.putNslice(lp)
}

// Hessian computes the Hessian matrix for the model evaluated at the
// given parameter setting.  The Hessian type parameter is not used
// here.
func (ph *PHReg) Hessian(params statmodel.Parameter, ht statmodel.HessType, hess []float64) {

	coeff := params.GetCoeff()
	if ph.ties == BreslowTies {
		ph.breslowHess(coeff, hess)
	} else {
		ph.efronHess(coeff, hess)
	}

	// Account for L2 weights if present.
	p := len(coeff)
	if len(ph.l2wgt) > 0 {
		for j := 0; j < len(coeff); j++ {
			k := j*p + j
			hess[k] -= 2 * ph.l2wgt[j]
		}
	}
}

// moments adds (sign = 1) or removes (sign = -1) case i with risk
// weight w to the running first and second moment sums.
func (ph *PHReg) moments(i int, w, sign float64, d1s, d2s []float64) {

	p := len(ph.xpos)
	for j1, k1 := range ph.xpos {
		x1 := ph.data[k1]
		d1s[j1] += sign * w * x1[i]
		for j2 := 0; j2 <= j1; j2++ {
			x2 := ph.data[ph.xpos[j2]]
			u := sign * w * x1[i] * x2[i]
			d2s[j1*p+j2] += u
			if j2 != j1 {
				d2s[j2*p+j1] += u
			}
		}
	}
}

// breslowHess calculates the Hessian matrix for the proportional
// hazards regression model at the given parameter values.
func (ph *PHReg) breslowHess(params []float64, hess []float64) {

	zero(hess)

	var wgt []statmodel.Dtype
	if ph.weightpos != -1 {
		wgt = ph.data[ph.weightpos]
	}

	lp := ph.getNslice()
	ph.linpred(params, lp)

	p := len(ph.xpos)
	d1s := make([]float64, p)
	d2s := make([]float64, p*p)

	for s, ix := range ph.stratumix {

		// We can add any constant here due to invariance in
		// the partial likelihood.
		mx := floats.Max(lp[ix[0]:ix[1]])
		for i := ix[0]; i < ix[1]; i++ {
			lp[i] = math.Exp(lp[i] - mx)
		}
		if wgt != nil {
			for i := ix[0]; i < ix[1]; i++ {
				lp[i] *= wgt[i]
			}
		}

		rlp := float64(0)

		zero(d1s)
		zero(d2s)

		for k := 0; k < len(ph.etimes[s]); k++ {

			// Update for new entries
			for _, i := range ph.enter[s][k] {
				rlp += lp[i]
				ph.moments(i, lp[i], 1, d1s, d2s)
			}

			d := float64(len(ph.event[s][k]))
			if wgt != nil {
				d = 0
				for _, i := range ph.event[s][k] {
					d += wgt[i]
				}
			}

			jj := 0
			for j1 := 0; j1 < p; j1++ {
				for j2 := 0; j2 < p; j2++ {
					hess[jj] -= d * d2s[j1*p+j2] / rlp
					hess[jj] += d * d1s[j1] * d1s[j2] / (rlp * rlp)
					jj++
				}
			}

			// Update for new exits
			for _, i := range ph.exit[s][k] {
				rlp -= lp[i]
				ph.moments(i, lp[i], -1, d1s, d2s)
			}
		}
	}

	ph.putNslice(lp)
}

// efronHess calculates the Hessian matrix using the Efron approach to
// resolving ties.
func (ph *PHReg) efronHess(params []float64, hess []float64) {

	zero(hess)

	lp := ph.getNslice()
	ph.linpred(params, lp)

	p := len(ph.xpos)
	d1s := make([]float64, p)
	d2s := make([]float64, p*p)
	e1s := make([]float64, p)
	e2s := make([]float64, p*p)
	a := make([]float64, p)

	for s, ix := range ph.stratumix {

		mx := floats.Max(lp[ix[0]:ix[1]])
		for i := ix[0]; i < ix[1]; i++ {
			lp[i] = math.Exp(lp[i] - mx)
		}

		rlp := float64(0)
		zero(d1s)
		zero(d2s)

		for k := 0; k < len(ph.etimes[s]); k++ {

			for _, i := range ph.enter[s][k] {
				rlp += lp[i]
				ph.moments(i, lp[i], 1, d1s, d2s)
			}

			var dlp float64
			zero(e1s)
			zero(e2s)
			for _, i := range ph.event[s][k] {
				dlp += lp[i]
				ph.moments(i, lp[i], 1, e1s, e2s)
			}

			d := float64(len(ph.event[s][k]))
			for l := range ph.event[s][k] {
				c := float64(l) / d
				den := rlp - c*dlp
				for j := range a {
					a[j] = d1s[j] - c*e1s[j]
				}
				jj := 0
				for j1 := 0; j1 < p; j1++ {
					for j2 := 0; j2 < p; j2++ {
						hess[jj] -= (d2s[jj] - c*e2s[jj]) / den
						hess[jj] += a[j1] * a[j2] / (den * den)
						jj++
					}
				}
			}

			for _, i := range ph.exit[s][k] {
				rlp -= lp[i]
				ph.moments(i, lp[i], -1, d1s, d2s)
			}
		}
	}

	ph.putNslice(lp)
}

func negative(x []float64) {
	for i := 0; i < len(x); i++ {
		x[i] *= -1
	}
}

// PHResults describes the results of a proportional hazards model.
type PHResults struct {
	statmodel.BaseResults

	// Number of optimizer iterations
	iterations int

	// Concordance of the fitted linear predictor, computed on demand
	concordance *float64
}

// failMessage logs information that can help diagnose optimization failures.
func (ph *PHReg) failMessage(x, grad []float64) {

	for j := range x {
		na := ph.varnames[ph.xpos[j]]
		attrs := []any{"variable", na, "coefficient", x[j]}
		if grad != nil {
			attrs = append(attrs, "gradient", grad[j])
		}
		ph.log.Warn("PHReg failed", attrs...)
	}

	time := ph.data[ph.timepos]
	status := ph.data[ph.statuspos]

	for s, ix := range ph.stratumix {

		n := float64(ix[1] - ix[0])
		var e, mt float64
		for i := ix[0]; i < ix[1]; i++ {
			e += status[i]
			mt += time[i]
		}

		attrs := []any{"stratum", s + 1, "size", ix[1] - ix[0], "events", e,
			"event_rate", e / n, "mean_time", mt / n}

		// Get the mean and standard deviation of covariates.
		for _, k := range ph.xpos {
			x := ph.data[k][ix[0]:ix[1]]
			mn := floats.Sum(x) / n
			var v float64
			for _, y := range x {
				v += (y - mn) * (y - mn)
			}
			attrs = append(attrs, slog.Group(ph.varnames[k], "mean", mn, "sd", math.Sqrt(v/n)))
		}
		ph.log.Warn("PHReg stratum", attrs...)
	}
}

// newtonRaphson maximizes the partial log-likelihood from the given
// starting point.  Each step solves the Newton equations against the
// information matrix, and is halved until the log-likelihood does not
// decrease.  The iterations stop when the norm of the update falls
// below the tolerance.
func (ph *PHReg) newtonRaphson(start []float64) ([]float64, float64, int, error) {

	p := len(ph.xpos)
	b := append([]float64(nil), start...)
	par := &PHParameter{b}
	score := make([]float64, p)
	hess := make([]float64, p*p)
	bnew := make([]float64, p)

	ll := ph.LogLike(par, false)
	var stepnorm float64

	for iter := 1; iter <= ph.maxiter; iter++ {

		ph.Score(par, score)
		ph.Hessian(par, statmodel.ObsHess, hess)

		info := mat.NewDense(p, p, hess)
		info.Scale(-1, info)
		var step mat.VecDense
		if err := step.SolveVec(info, mat.NewVecDense(p, score)); err != nil {
			ph.failMessage(b, score)
			return nil, 0, iter, &statmodel.ConvergenceError{
				Iterations: iter,
				StepNorm:   stepnorm,
				Msg:        fmt.Sprintf("singular information matrix (%v)", err),
			}
		}
		delta := step.RawVector().Data

		// Step-halving
		var llnew float64
		for h := 0; ; h++ {
			floats.AddTo(bnew, b, delta)
			llnew = ph.LogLike(&PHParameter{bnew}, false)
			if llnew >= ll || math.Abs(llnew-ll) <= 1e-12*math.Abs(ll) || h == 30 {
				break
			}
			floats.Scale(0.5, delta)
		}

		stepnorm = floats.Norm(delta, 2)
		copy(b, bnew)
		ll = llnew
		ph.log.Debug("PHReg Newton step", "iteration", iter, "loglike", ll, "step_norm", stepnorm)

		if math.IsNaN(ll) || math.IsInf(ll, 0) {
			break
		}

		if stepnorm < ph.tol {
			return b, ll, iter, nil
		}
	}

	ph.failMessage(b, score)
	return nil, 0, ph.maxiter, &statmodel.ConvergenceError{
		Iterations: ph.maxiter,
		StepNorm:   stepnorm,
		Msg:        "proportional hazards regression did not converge",
	}
}

func (ph *PHReg) xnames() []string {
	var xna []string
	for _, k := range ph.xpos {
		xna = append(xna, ph.varnames[k])
	}
	return xna
}

// Fit fits the model to the data.
func (ph *PHReg) Fit() (*PHResults, error) {

	nvar := len(ph.xpos)

	start := ph.start
	if start == nil {
		start = make([]float64, nvar)
	}

	var param []float64
	var ll float64
	var iter int

	if ph.optmethod == nil {
		var err error
		param, ll, iter, err = ph.newtonRaphson(start)
		if err != nil {
			return nil, err
		}
	} else {
		p := optimize.Problem{
			Func: func(x []float64) float64 {
				return -ph.LogLike(&PHParameter{x}, false)
			},
			Grad: func(grad, x []float64) {
				ph.Score(&PHParameter{x}, grad)
				negative(grad)
			},
			Hess: func(hess *mat.SymDense, x []float64) {
				h := make([]float64, nvar*nvar)
				ph.Hessian(&PHParameter{x}, statmodel.ObsHess, h)
				for i := 0; i < nvar; i++ {
					for j := i; j < nvar; j++ {
						hess.SetSym(i, j, -h[i*nvar+j])
					}
				}
			},
		}

		settings := ph.optsettings
		if settings == nil {
			settings = &optimize.Settings{
				GradientThreshold: 1e-6,
			}
		}

		optrslt, err := optimize.Minimize(p, start, settings, ph.optmethod)
		if err != nil {
			if optrslt != nil {
				ph.failMessage(optrslt.X, optrslt.Gradient)
			}
			return nil, fmt.Errorf("proportional hazards regression: %w", err)
		}
		if err = optrslt.Status.Err(); err != nil {
			return nil, fmt.Errorf("proportional hazards regression: %w", err)
		}

		param = make([]float64, len(optrslt.X))
		copy(param, optrslt.X)
		ll = -optrslt.F
		iter = optrslt.Stats.MajorIterations
	}

	vcov, err := statmodel.GetVcov(ph, &PHParameter{param})
	if err != nil {
		return nil, &statmodel.ConvergenceError{Iterations: iter, Msg: err.Error()}
	}

	results := &PHResults{
		BaseResults: statmodel.NewBaseResults(ph, ll, param, ph.xnames(), vcov),
		iterations:  iter,
	}

	return results, nil
}

// Iterations returns the number of iterations used to fit the model.
func (rslt *PHResults) Iterations() int {
	return rslt.iterations
}

// HazardRatios returns the exponentiated coefficients.
func (rslt *PHResults) HazardRatios() []float64 {
	hr := make([]float64, len(rslt.Params()))
	for j, b := range rslt.Params() {
		hr[j] = math.Exp(b)
	}
	return hr
}

// HazardRatioConfInt returns confidence limits for the hazard ratios at
// the given coverage level.
func (rslt *PHResults) HazardRatioConfInt(level float64) ([]float64, []float64) {
	lcb, ucb := rslt.ConfInt(level)
	for j := range lcb {
		lcb[j] = math.Exp(lcb[j])
		ucb[j] = math.Exp(ucb[j])
	}
	return lcb, ucb
}

// NumEvents returns the number of events used in the fit.
func (rslt *PHResults) NumEvents() int {
	_, e, _, _ := rslt.summaryStats()
	return e
}

// Concordance returns Harrell's concordance index of the fitted linear
// predictor, ignoring strata.
func (rslt *PHResults) Concordance() float64 {

	if rslt.concordance != nil {
		return *rslt.concordance
	}

	ph := rslt.Model().(*PHReg)
	lp := make([]float64, ph.NumObs())
	ph.linpred(rslt.Params(), lp)

	c, err := HarrellC(ph.data[ph.timepos], ph.data[ph.statuspos], lp)
	if err != nil {
		c = math.NaN()
	}
	rslt.concordance = &c

	return c
}

func (rslt *PHResults) summaryStats() (int, int, int, int) {

	ph := rslt.Model().(*PHReg)
	data := ph.Dataset()

	status := data[ph.statuspos]

	var entry []statmodel.Dtype
	if ph.entrypos != -1 {
		entry = data[ph.entrypos]
	}

	var n, e, pe, ns int
	for _, ix := range ph.stratumix {
		n += ix[1] - ix[0]
		for i := ix[0]; i < ix[1]; i++ {
			e += int(status[i])
		}
		if entry != nil {
			for i := ix[0]; i < ix[1]; i++ {
				if entry[i] > 0 {
					pe++
				}
			}
		}
		ns++
	}

	return n, e, pe, ns
}

// PHSummary summarizes a fitted proportional hazards regression model.
type PHSummary struct {

	// The model
	ph *PHReg

	// The results structure
	results *PHResults

	// Coverage level of the hazard ratio confidence intervals
	level float64

	// Messages that are appended to the table
	messages []string
}

// Summary displays a summary table of the model results.
func (rslt *PHResults) Summary() *PHSummary {

	ph := rslt.Model().(*PHReg)

	return &PHSummary{
		ph:      ph,
		results: rslt,
		level:   0.95,
	}
}

// Level sets the coverage level of the confidence intervals.
func (phs *PHSummary) Level(level float64) *PHSummary {
	phs.level = level
	return phs
}

// Message adds a line of text below the table.
func (phs *PHSummary) Message(msg string) *PHSummary {
	phs.messages = append(phs.messages, msg)
	return phs
}

// String returns a string representation of a summary table for the model.
func (phs *PHSummary) String() string {

	n, e, pe, ns := phs.results.summaryStats()

	ph := phs.ph
	sum := &statmodel.SummaryTable{
		Msg: append([]string(nil), phs.messages...),
	}

	sum.Title = "Proportional hazards regression analysis"

	sum.Top = append(sum.Top, fmt.Sprintf("  Sample size: %10d", n))
	sum.Top = append(sum.Top, fmt.Sprintf("  Strata:      %10d", ns))
	sum.Top = append(sum.Top, fmt.Sprintf("  Events:      %10d", e))
	sum.Top = append(sum.Top, fmt.Sprintf("  Ties:        %10s", ph.ties))
	sum.Top = append(sum.Top, fmt.Sprintf("  Log-like:    %10.4f", phs.results.LogLike()))
	sum.Top = append(sum.Top, fmt.Sprintf("  Concordance: %10.4f", phs.results.Concordance()))

	lcb, ucb := phs.results.HazardRatioConfInt(phs.level)
	sum.ColNames = []string{"Variable   ", "Coefficient", "SE", "HR", "LCB", "UCB", "Z-score", "P-value"}
	sum.ColFmt = []statmodel.Fmter{statmodel.FmtStrings, statmodel.FmtFloats, statmodel.FmtFloats,
		statmodel.FmtFloats, statmodel.FmtFloats, statmodel.FmtFloats, statmodel.FmtFloats, statmodel.FmtFloats}
	sum.Cols = []interface{}{phs.results.Names(), phs.results.Params(), phs.results.StdErr(),
		phs.results.HazardRatios(), lcb, ucb, phs.results.ZScores(), phs.results.PValues()}

	if pe > 0 {
		msg := fmt.Sprintf("%d observations have positive entry times", pe)
		sum.Msg = append(sum.Msg, msg)
	}

	if ph.skipEarlyCensor > 0 {
		msg := fmt.Sprintf("%d observations dropped for being censored before the first event", ph.skipEarlyCensor)
		sum.Msg = append(sum.Msg, msg)
	}

	return sum.String()
}
