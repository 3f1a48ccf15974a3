package duration

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/mjuetz34/survstat/statmodel"
)

// LogRank tests the equality of two or more survival distributions,
// using the fitted Kaplan-Meier curves of the groups.
type LogRank struct {

	// Chi-square statistic
	stat float64

	// Degrees of freedom, one less than the number of groups
	df int

	pvalue float64

	// Observed and expected number of events per group
	observed []float64
	expected []float64

	// Distinct event times pooled over the groups
	times []float64
}

// NewLogRank computes the log-rank test comparing the given survival
// functions.  At each distinct event time of the pooled sample, the
// observed events of each group are compared to the events expected
// under a common hazard, and the differences are accumulated with their
// hypergeometric covariance.  The statistic uses the first K-1 groups.
func NewLogRank(curves ...*SurvfuncRight) (*LogRank, error) {

	k := len(curves)
	if k < 2 {
		return nil, &statmodel.InsufficientDataError{
			What: "log-rank test",
			Msg:  fmt.Sprintf("%d groups, at least 2 are needed", k),
		}
	}

	tset := make(map[float64]bool)
	for g, sf := range curves {
		if sf.TotalEvents() == 0 {
			return nil, &statmodel.InsufficientDataError{
				What: "log-rank test",
				Msg:  fmt.Sprintf("group %d has no events", g),
			}
		}
		for i, t := range sf.Time() {
			if sf.NumEvents()[i] > 0 {
				tset[t] = true
			}
		}
	}

	times := make([]float64, 0, len(tset))
	for t := range tset {
		times = append(times, t)
	}
	sort.Float64s(times)

	lr := &LogRank{
		df:       k - 1,
		observed: make([]float64, k),
		expected: make([]float64, k),
		times:    times,
	}

	m := k - 1
	v := make([]float64, m*m)
	nr := make([]float64, k)
	ne := make([]float64, k)

	for _, t := range times {

		var n, d float64
		for g, sf := range curves {
			nr[g] = sf.NumRiskAt(t)
			ne[g] = sf.NumEventsAt(t)
			n += nr[g]
			d += ne[g]
		}

		for g := range curves {
			lr.observed[g] += ne[g]
			lr.expected[g] += d * nr[g] / n
		}

		if n <= 1 {
			continue
		}

		// Hypergeometric covariance of the event counts
		f := d * (n - d) / (n * n * (n - 1))
		for a := 0; a < m; a++ {
			for b := 0; b < m; b++ {
				if a == b {
					v[a*m+b] += f * nr[a] * (n - nr[a])
				} else {
					v[a*m+b] -= f * nr[a] * nr[b]
				}
			}
		}
	}

	z := make([]float64, m)
	for g := 0; g < m; g++ {
		z[g] = lr.observed[g] - lr.expected[g]
	}

	vm := mat.NewDense(m, m, v)
	var w mat.VecDense
	if err := w.SolveVec(vm, mat.NewVecDense(m, z)); err != nil {
		return nil, &statmodel.InsufficientDataError{
			What: "log-rank test",
			Msg:  fmt.Sprintf("singular covariance matrix (%v)", err),
		}
	}

	lr.stat = mat.Dot(mat.NewVecDense(m, z), &w)
	if lr.stat < 0 {
		lr.stat = 0
	}
	lr.pvalue = 1 - distuv.ChiSquared{K: float64(lr.df)}.CDF(lr.stat)

	return lr, nil
}

// Stat returns the chi-square statistic.
func (lr *LogRank) Stat() float64 {
	return lr.stat
}

// DF returns the degrees of freedom of the reference distribution.
func (lr *LogRank) DF() int {
	return lr.df
}

// PValue returns the p-value for the null hypothesis of equal survival
// distributions.
func (lr *LogRank) PValue() float64 {
	return lr.pvalue
}

// Observed returns the observed number of events in each group.
func (lr *LogRank) Observed() []float64 {
	return lr.observed
}

// Expected returns the expected number of events in each group under
// the null hypothesis.
func (lr *LogRank) Expected() []float64 {
	return lr.expected
}

// Times returns the pooled event times.
func (lr *LogRank) Times() []float64 {
	return lr.times
}
