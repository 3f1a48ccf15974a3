package duration

import (
	"fmt"
	"math"
	"sort"

	"github.com/mjuetz34/survstat/statmodel"
)

// SurvfuncRight uses the method of Kaplan and Meier to estimate the
// survival distribution based on (possibly) right censored data.  Create
// it with NewSurvfuncRight, optionally set case weights and entry times,
// then call Done to fit.
type SurvfuncRight struct {

	// The minimum of the event time and censoring time.
	time []float64

	// The status indicator, which is 1 if the event occurred at the
	// time given in time, and 0 otherwise.  This is optional, and is
	// assumed to be identically equal to 1 if not present.
	status []float64

	// Case weights, optional.
	weight []float64

	// Entry times, optional.
	entry []float64

	// Times at which events occur, sorted.
	times []float64

	// Number of events at each time in Times.
	nEvents []float64

	// Number of people at risk just before each time in times
	nRisk []float64

	// The estimated survival function evaluated at each time in Times
	survProb []float64

	// The standard errors for the estimates in SurvProb.
	survProbSE []float64

	// Distinct observed times (events and censorings), with the
	// total weight observed at or after each of them.
	rtimes []float64
	rtotal []float64
	revent []float64

	// Distinct entry times, with the total weight entering at or
	// after each of them.
	etimes []float64
	etotal []float64

	events map[float64]float64
	total  map[float64]float64
	enter  map[float64]float64
}

// SurvPoint is one step of a fitted survival function.
type SurvPoint struct {
	Time      float64 `json:"time"`
	Prob      float64 `json:"prob"`
	SE        float64 `json:"se"`
	NumRisk   float64 `json:"num_risk"`
	NumEvents float64 `json:"num_events"`
}

// NewSurvfuncRight creates a new value for fitting a survival function.
// If status is nil, every time is an event time.
func NewSurvfuncRight(time, status []float64) *SurvfuncRight {

	return &SurvfuncRight{
		time:   time,
		status: status,
	}
}

// Weight specifies case weights.
func (sf *SurvfuncRight) Weight(weight []float64) *SurvfuncRight {
	sf.weight = weight
	return sf
}

// Entry specifies entry times.  Each entry time must be strictly less
// than the corresponding event or censoring time.
func (sf *SurvfuncRight) Entry(entry []float64) *SurvfuncRight {
	sf.entry = entry
	return sf
}

// Time returns the times at which the survival function changes.
func (sf *SurvfuncRight) Time() []float64 {
	return sf.times
}

// NumRisk returns the number of people at risk at each time point
// where the survival function changes.
func (sf *SurvfuncRight) NumRisk() []float64 {
	return sf.nRisk
}

// NumEvents returns the number of events at each time point where the
// survival function changes.
func (sf *SurvfuncRight) NumEvents() []float64 {
	return sf.nEvents
}

// SurvProb returns the estimated survival probabilities at the points
// where the survival function changes.
func (sf *SurvfuncRight) SurvProb() []float64 {
	return sf.survProb
}

// SurvProbSE returns the standard errors of the estimated survival
// probabilities at the points where the survival function changes.
func (sf *SurvfuncRight) SurvProbSE() []float64 {
	return sf.survProbSE
}

// TotalEvents returns the total (weighted) number of events.
func (sf *SurvfuncRight) TotalEvents() float64 {
	var d float64
	for _, x := range sf.nEvents {
		d += x
	}
	return d
}

// NumObs returns the number of observations.
func (sf *SurvfuncRight) NumObs() int {
	return len(sf.time)
}

func (sf *SurvfuncRight) check() error {

	n := len(sf.time)
	if n == 0 {
		return &statmodel.InsufficientDataError{What: "survival function", Msg: "no observations"}
	}

	for _, v := range []struct {
		name string
		x    []float64
	}{{"status", sf.status}, {"weight", sf.weight}, {"entry", sf.entry}} {
		if v.x != nil && len(v.x) != n {
			msg := fmt.Sprintf("length %d differs from %d times", len(v.x), n)
			return &statmodel.ValueError{Column: v.name, Row: -1, Msg: msg}
		}
	}

	for i, t := range sf.time {
		if math.IsNaN(t) || t < 0 {
			return &statmodel.ValueError{Column: "time", Row: i, Msg: fmt.Sprintf("invalid time %g", t)}
		}
		if sf.status != nil && sf.status[i] != 0 && sf.status[i] != 1 {
			return &statmodel.ValueError{Column: "status", Row: i, Msg: fmt.Sprintf("value %g is not 0 or 1", sf.status[i])}
		}
		if sf.weight != nil && !(sf.weight[i] >= 0) {
			return &statmodel.ValueError{Column: "weight", Row: i, Msg: fmt.Sprintf("invalid weight %g", sf.weight[i])}
		}
		if sf.entry != nil && !(sf.entry[i] < t) {
			msg := fmt.Sprintf("entry time %g is not before the event/censoring time %g", sf.entry[i], t)
			return &statmodel.ValueError{Column: "entry", Row: i, Msg: msg}
		}
	}

	return nil
}

func (sf *SurvfuncRight) scanData() {

	sf.events = make(map[float64]float64)
	sf.total = make(map[float64]float64)
	sf.enter = make(map[float64]float64)

	for i, t := range sf.time {

		w := float64(1)
		if sf.weight != nil {
			w = sf.weight[i]
		}

		if sf.status == nil || sf.status[i] == 1 {
			sf.events[t] += w
		}
		sf.total[t] += w

		if sf.entry != nil {
			sf.enter[sf.entry[i]] += w
		}
	}
}

func rollback(x []float64) {
	var z float64
	for i := len(x) - 1; i >= 0; i-- {
		z += x[i]
		x[i] = z
	}
}

func sortedKeys(m map[float64]float64) []float64 {
	x := make([]float64, 0, len(m))
	for t := range m {
		x = append(x, t)
	}
	sort.Float64s(x)
	return x
}

func (sf *SurvfuncRight) eventstats() {

	// Get the sorted distinct times (event or censoring)
	sf.times = sortedKeys(sf.total)

	// Get the weighted event count and risk set size at each time
	// point (in same order as Times).
	sf.nEvents = make([]float64, len(sf.times))
	sf.nRisk = make([]float64, len(sf.times))
	for i, t := range sf.times {
		sf.nEvents[i] = sf.events[t]
		sf.nRisk[i] = sf.total[t]
	}
	rollback(sf.nRisk)

	sf.rtimes = append([]float64(nil), sf.times...)
	sf.rtotal = append([]float64(nil), sf.nRisk...)
	sf.revent = append([]float64(nil), sf.nEvents...)

	// Adjust for entry times
	if sf.entry != nil {
		sf.etimes = sortedKeys(sf.enter)
		sf.etotal = make([]float64, len(sf.etimes))
		for i, t := range sf.etimes {
			sf.etotal[i] = sf.enter[t]
		}
		rollback(sf.etotal)

		entry := make([]float64, len(sf.times))
		for t, w := range sf.enter {
			ii := sort.SearchFloat64s(sf.times, t)
			if t < sf.times[ii] {
				ii--
			}
			if ii >= 0 {
				entry[ii] += w
			}
		}
		rollback(entry)
		for i := 0; i < len(sf.nRisk); i++ {
			sf.nRisk[i] -= entry[i]
		}
	}
}

// compress removes times where no events occurred.
func (sf *SurvfuncRight) compress() {

	var ix []int
	for i := 0; i < len(sf.times); i++ {
		// Only retain events, except for the last point,
		// which is retained even if there are no events.
		if sf.nEvents[i] > 0 || i == len(sf.times)-1 {
			ix = append(ix, i)
		}
	}

	if len(ix) < len(sf.times) {
		for i, j := range ix {
			sf.times[i] = sf.times[j]
			sf.nEvents[i] = sf.nEvents[j]
			sf.nRisk[i] = sf.nRisk[j]
		}
		sf.times = sf.times[0:len(ix)]
		sf.nEvents = sf.nEvents[0:len(ix)]
		sf.nRisk = sf.nRisk[0:len(ix)]
	}
}

func (sf *SurvfuncRight) fit() {

	sf.survProb = make([]float64, len(sf.times))
	x := float64(1)
	for i := range sf.times {
		if sf.nEvents[i] > 0 {
			x *= 1 - sf.nEvents[i]/sf.nRisk[i]
		}
		sf.survProb[i] = x
	}

	// Greenwood's formula, or its weighted analogue.
	sf.survProbSE = make([]float64, len(sf.times))
	x = 0
	if sf.weight == nil {
		for i := range sf.times {
			d := sf.nEvents[i]
			n := sf.nRisk[i]
			if d > 0 {
				x += d / (n * (n - d))
			}
			sf.survProbSE[i] = math.Sqrt(x) * sf.survProb[i]
		}
	} else {
		for i := range sf.times {
			d := sf.nEvents[i]
			n := sf.nRisk[i]
			if d > 0 {
				x += d / (n * n)
			}
			sf.survProbSE[i] = math.Sqrt(x)
		}
	}
}

// Done validates the data and fits the survival function.
func (sf *SurvfuncRight) Done() (*SurvfuncRight, error) {
	if err := sf.check(); err != nil {
		return nil, err
	}
	sf.scanData()
	sf.eventstats()
	sf.compress()
	sf.fit()
	return sf, nil
}

// At returns the estimated survival probability at time t.  The
// estimate is a right-continuous step function, equal to 1 before the
// first event time.
func (sf *SurvfuncRight) At(t float64) float64 {
	i := sort.Search(len(sf.times), func(i int) bool { return sf.times[i] > t })
	if i == 0 {
		return 1
	}
	return sf.survProb[i-1]
}

// Median returns the smallest time at which the estimated survival
// probability is 0.5 or less, or NaN if the estimate never falls that low.
func (sf *SurvfuncRight) Median() float64 {
	for i, p := range sf.survProb {
		if p <= 0.5 {
			return sf.times[i]
		}
	}
	return math.NaN()
}

// NumRiskAt returns the (weighted) number of people at risk just before
// time t.
func (sf *SurvfuncRight) NumRiskAt(t float64) float64 {
	r := suffixAt(sf.rtimes, sf.rtotal, t)
	if sf.entry != nil {
		r -= suffixAt(sf.etimes, sf.etotal, t)
	}
	return r
}

// NumEventsAt returns the (weighted) number of events at exactly time t.
func (sf *SurvfuncRight) NumEventsAt(t float64) float64 {
	i := sort.SearchFloat64s(sf.rtimes, t)
	if i < len(sf.rtimes) && sf.rtimes[i] == t {
		return sf.revent[i]
	}
	return 0
}

func suffixAt(x, s []float64, t float64) float64 {
	i := sort.SearchFloat64s(x, t)
	if i == len(x) {
		return 0
	}
	return s[i]
}

// Points returns the steps of the fitted survival function.
func (sf *SurvfuncRight) Points() []SurvPoint {
	pts := make([]SurvPoint, len(sf.times))
	for i := range sf.times {
		pts[i] = SurvPoint{
			Time:      sf.times[i],
			Prob:      sf.survProb[i],
			SE:        sf.survProbSE[i],
			NumRisk:   sf.nRisk[i],
			NumEvents: sf.nEvents[i],
		}
	}
	return pts
}

// StepPoints returns the survival function as a polyline, starting at
// (0, 1), with a vertical segment at each step.  The result can be
// passed directly to a line plotter.
func (sf *SurvfuncRight) StepPoints() (x, y []float64) {

	m := len(sf.times)
	x = make([]float64, 2*m+1)
	y = make([]float64, 2*m+1)

	j := 0
	x[j] = 0
	y[j] = 1
	j++

	for i := range sf.times {
		x[j] = sf.times[i]
		y[j] = y[j-1]
		j++
		x[j] = sf.times[i]
		y[j] = sf.survProb[i]
		j++
	}

	return x, y
}
