package duration

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/mjuetz34/survstat/statmodel"
)

// HarrellC returns Harrell's concordance index for risk scores, where a
// larger score predicts an earlier event.  A pair of cases is comparable
// when the case with the shorter time had an event.  Pairs with equal
// scores count one half.
func HarrellC(time, status, score []float64) (float64, error) {

	if len(status) != len(time) || len(score) != len(time) {
		return 0, &statmodel.ValueError{Row: -1, Msg: "time, status and score must have the same length"}
	}

	var numer, denom float64
	for i := range time {
		if status[i] != 1 {
			continue
		}
		for j := range time {
			if time[i] >= time[j] {
				continue
			}
			denom++
			switch {
			case score[i] > score[j]:
				numer++
			case score[i] == score[j]:
				numer += 0.5
			}
		}
	}

	if denom == 0 {
		return 0, &statmodel.InsufficientDataError{What: "concordance", Msg: "no comparable pairs"}
	}

	return numer / denom, nil
}

// Concordance calculates the survival concordance of Uno et al.
// (https://www.ncbi.nlm.nih.gov/pmc/articles/PMC3079915).  Every
// comparable pair is used.
type Concordance struct {

	// The risk scores that are being assessed
	score []float64

	// Event or censoring time
	time []float64

	// Event status
	status []float64

	// The survival function for the censoring distribution
	sf *SurvfuncRight
}

// NewConcordance creates a new Concordance value with the given parameters.
func NewConcordance(time, status, score []float64) *Concordance {

	c := &Concordance{
		time:   time,
		status: status,
		score:  score,
	}

	return c
}

// Done signals that the Concordance value has been built and now can be fit.
func (c *Concordance) Done() (*Concordance, error) {

	n := len(c.time)
	if len(c.status) != n || len(c.score) != n {
		return nil, &statmodel.ValueError{Row: -1, Msg: "time, status and score must have the same length"}
	}

	// Sort everything by time
	ii := make([]int, n)
	time1 := make([]float64, n)
	statusr := make([]float64, n)
	status1 := make([]float64, n)
	score1 := make([]float64, n)
	copy(time1, c.time)
	floats.Argsort(time1, ii)
	for i, j := range ii {
		// We want the survival function for censoring
		statusr[i] = 1 - c.status[j]
		status1[i] = c.status[j]
		score1[i] = c.score[j]
	}

	// Get the survival function for censoring
	sf, err := NewSurvfuncRight(time1, statusr).Done()
	if err != nil {
		return nil, fmt.Errorf("censoring distribution: %w", err)
	}
	c.sf = sf

	c.time = time1
	c.status = status1
	c.score = score1

	return c, nil
}

// censorSurv returns the censoring survival function just before time t.
func (c *Concordance) censorSurv(t float64) float64 {
	st := c.sf.Time()
	jj := sort.SearchFloat64s(st, t)
	if jj == 0 {
		return 1
	}
	return c.sf.SurvProb()[jj-1]
}

// Concordance returns the concordance statistic, using the given truncation
// parameter.  Pairs are weighted by the inverse squared probability of
// remaining uncensored.
func (c *Concordance) Concordance(trunc float64) (float64, error) {

	time := c.time
	status := c.status
	score := c.score

	jt := sort.SearchFloat64s(time, trunc)
	if jt <= 0 {
		return 0, &statmodel.InsufficientDataError{What: "concordance", Msg: "no data below the truncation point"}
	}

	var numer, denom float64

	for j1 := 0; j1 < jt; j1++ {

		if status[j1] != 1 {
			continue
		}

		g := c.censorSurv(time[j1])
		w := 1 / (g * g)

		for j2 := j1 + 1; j2 < len(time); j2++ {
			if time[j2] <= time[j1] {
				continue
			}
			denom += w
			switch {
			case score[j1] > score[j2]:
				numer += w
			case score[j1] == score[j2]:
				numer += w / 2
			}
		}
	}

	if denom == 0 {
		return 0, &statmodel.InsufficientDataError{What: "concordance", Msg: "no comparable pairs"}
	}

	return numer / denom, nil
}
