package duration

import (
	"fmt"
	"math"
	"sort"

	"github.com/mjuetz34/survstat/statmodel"
)

// CumincRight estimates the cumulative incidence functions for
// duration data with competing risks.  Create it with NewCumincRight,
// optionally set case weights and entry times, then call Done to fit.
type CumincRight struct {

	// The minimum of the event time and censoring time.
	time []float64

	// The status indicator, which is 1, 2, ... for the event types,
	// and 0 for a censored outcome.
	status []float64

	// Case weights, optional.
	weight []float64

	// Entry times, optional.
	entry []float64

	// Times at which events of any type occur, sorted.
	times []float64

	// The number of occurrences of events of each type at each
	// time in times.
	events [][]float64

	// Number of events of any type at each time in times
	eventsAll []float64

	// Risk set size at each time in times
	nRisk []float64

	// The estimated all-cause survival function
	probsAll []float64

	// The cause specific cumulative incidence rates.  probs[k]
	// contains the rates for the events with status==k+1.
	probs [][]float64

	// The standard errors of the values in probs
	probsSE [][]float64

	cevents   []map[float64]float64
	eventsany map[float64]float64
	total     map[float64]float64
	enter     map[float64]float64
}

// NewCumincRight creates a CumincRight value that can be used to estimate
// the cumulative incidence functions from the given data.
func NewCumincRight(time, status []float64) *CumincRight {
	return &CumincRight{
		time:   time,
		status: status,
	}
}

// Weight specifies case weights.
func (ci *CumincRight) Weight(weight []float64) *CumincRight {
	ci.weight = weight
	return ci
}

// Entry specifies entry times.
func (ci *CumincRight) Entry(entry []float64) *CumincRight {
	ci.entry = entry
	return ci
}

// Time returns the times at which events of any type occur.
func (ci *CumincRight) Time() []float64 {
	return ci.times
}

// NumCauses returns the number of distinct event types.
func (ci *CumincRight) NumCauses() int {
	return len(ci.probs)
}

// NumRisk returns the risk set size at each event time.
func (ci *CumincRight) NumRisk() []float64 {
	return ci.nRisk
}

// NumEvents returns the number of events of type k (1-based) at each
// event time.
func (ci *CumincRight) NumEvents(k int) []float64 {
	return ci.events[k-1]
}

// SurvProb returns the all-cause survival function at each event time.
func (ci *CumincRight) SurvProb() []float64 {
	return ci.probsAll
}

// Incidence returns the cumulative incidence of events of type k
// (1-based) at each event time.
func (ci *CumincRight) Incidence(k int) []float64 {
	return ci.probs[k-1]
}

// IncidenceSE returns the standard errors of the values returned by
// Incidence.
func (ci *CumincRight) IncidenceSE(k int) []float64 {
	return ci.probsSE[k-1]
}

// At returns the cumulative incidence of events of type k (1-based) at
// time t.
func (ci *CumincRight) At(k int, t float64) float64 {
	i := sort.Search(len(ci.times), func(i int) bool { return ci.times[i] > t })
	if i == 0 {
		return 0
	}
	return ci.probs[k-1][i-1]
}

func (ci *CumincRight) check() error {

	n := len(ci.time)
	if n == 0 {
		return &statmodel.InsufficientDataError{What: "cumulative incidence", Msg: "no observations"}
	}

	for _, v := range []struct {
		name string
		x    []float64
	}{{"status", ci.status}, {"weight", ci.weight}, {"entry", ci.entry}} {
		if v.x != nil && len(v.x) != n {
			msg := fmt.Sprintf("length %d differs from %d times", len(v.x), n)
			return &statmodel.ValueError{Column: v.name, Row: -1, Msg: msg}
		}
	}
	if ci.status == nil {
		return &statmodel.ValueError{Column: "status", Row: -1, Msg: "status is required"}
	}

	var nev int
	for i, t := range ci.time {
		if math.IsNaN(t) || t < 0 {
			return &statmodel.ValueError{Column: "time", Row: i, Msg: fmt.Sprintf("invalid time %g", t)}
		}
		s := ci.status[i]
		if s < 0 || s != math.Trunc(s) {
			return &statmodel.ValueError{Column: "status", Row: i, Msg: fmt.Sprintf("value %g is not a non-negative integer", s)}
		}
		if s > 0 {
			nev++
		}
		if ci.weight != nil && !(ci.weight[i] >= 0) {
			return &statmodel.ValueError{Column: "weight", Row: i, Msg: fmt.Sprintf("invalid weight %g", ci.weight[i])}
		}
		if ci.entry != nil && !(ci.entry[i] < t) {
			msg := fmt.Sprintf("entry time %g is not before the event/censoring time %g", ci.entry[i], t)
			return &statmodel.ValueError{Column: "entry", Row: i, Msg: msg}
		}
	}

	if nev == 0 {
		return &statmodel.InsufficientDataError{What: "cumulative incidence", Msg: "no events"}
	}

	return nil
}

func (ci *CumincRight) scanData() {

	ci.eventsany = make(map[float64]float64)
	ci.total = make(map[float64]float64)
	ci.enter = make(map[float64]float64)

	for i, t := range ci.time {

		w := float64(1)
		if ci.weight != nil {
			w = ci.weight[i]
		}

		// Make room for an event type we have not yet seen
		k := int(ci.status[i])
		for k > len(ci.cevents) {
			ci.cevents = append(ci.cevents, make(map[float64]float64))
		}

		if k > 0 {
			ci.cevents[k-1][t] += w
			ci.eventsany[t] += w
		}
		ci.total[t] += w

		if ci.entry != nil {
			ci.enter[ci.entry[i]] += w
		}
	}
}

func (ci *CumincRight) eventstats() {

	ci.times = sortedKeys(ci.total)

	// Get the weighted event count and risk set size at each time
	// point (in same order as times).
	ci.eventsAll = make([]float64, len(ci.times))
	ci.nRisk = make([]float64, len(ci.times))
	for i, t := range ci.times {
		ci.eventsAll[i] = ci.eventsany[t]
		ci.nRisk[i] = ci.total[t]
	}
	rollback(ci.nRisk)

	// Adjust for entry times
	if ci.entry != nil {
		entry := make([]float64, len(ci.times))
		for t, w := range ci.enter {
			ii := sort.SearchFloat64s(ci.times, t)
			if ii == len(ci.times) || t < ci.times[ii] {
				ii--
			}
			if ii >= 0 {
				entry[ii] += w
			}
		}
		rollback(entry)
		for i := range ci.nRisk {
			ci.nRisk[i] -= entry[i]
		}
	}
}

// compress removes times where no events occurred.
func (ci *CumincRight) compress() {

	var ix []int
	for i := range ci.times {
		if ci.eventsAll[i] > 0 {
			ix = append(ix, i)
		}
	}

	for i, j := range ix {
		ci.times[i] = ci.times[j]
		ci.eventsAll[i] = ci.eventsAll[j]
		ci.nRisk[i] = ci.nRisk[j]
	}
	ci.times = ci.times[0:len(ix)]
	ci.eventsAll = ci.eventsAll[0:len(ix)]
	ci.nRisk = ci.nRisk[0:len(ix)]
}

func (ci *CumincRight) fitall() {

	ci.probsAll = make([]float64, len(ci.times))

	x := float64(1)
	for i := range ci.times {
		x *= 1 - ci.eventsAll[i]/ci.nRisk[i]
		ci.probsAll[i] = x
	}
}

func (ci *CumincRight) fit() {

	for _, ev := range ci.cevents {

		// Obtain the number of events of each cause at each time.
		evr := make([]float64, len(ci.times))
		for t, n := range ev {
			ii := sort.SearchFloat64s(ci.times, t)
			evr[ii] += n
		}

		cir := make([]float64, len(ci.times))
		x := float64(0)
		for i, y := range evr {
			v := y / ci.nRisk[i]
			if i > 0 {
				v *= ci.probsAll[i-1]
			}
			x += v
			cir[i] = x
		}

		ci.probs = append(ci.probs, cir)
		ci.events = append(ci.events, evr)
	}
}

// fitse computes the delta method standard errors of Choudhury (2002).
func (ci *CumincRight) fitse() {

	for k := range ci.probs {

		var x1, x2, x3, x4, x5, x6 float64
		se := make([]float64, len(ci.times))

		for i := range ci.times {

			q := ci.probs[k][i]
			da := ci.eventsAll[i]
			d := ci.events[k][i]
			n := ci.nRisk[i]
			s := float64(1)
			if i > 0 {
				s = ci.probsAll[i-1]
			}
			s /= n

			// The all-cause term is undefined once the risk set is exhausted.
			if n > da {
				ra := da / (n * (n - da))
				x1 += ra
				x2 += q * ra
				x3 += q * q * ra
			}

			ra := (n - d) * d / n
			x4 += s * s * ra

			ra = s * d / n
			x5 += ra
			x6 += q * ra

			v := q*q*x1 - 2*q*x2 + x3 + x4 - 2*q*x5 + 2*x6
			se[i] = math.Sqrt(math.Max(v, 0))
		}

		ci.probsSE = append(ci.probsSE, se)
	}
}

// Done validates the data and computes all results.
func (ci *CumincRight) Done() (*CumincRight, error) {
	if err := ci.check(); err != nil {
		return nil, err
	}
	ci.scanData()
	ci.eventstats()
	ci.compress()
	ci.fitall()
	ci.fit()
	ci.fitse()
	return ci, nil
}
