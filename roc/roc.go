// Package roc evaluates how well predicted probabilities discriminate
// between the two classes of a binary outcome.
package roc

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/mjuetz34/survstat/statmodel"
)

// Point is one point of the ROC curve.  The rates are those obtained by
// classifying scores at or above Threshold as positive.
type Point struct {
	Threshold float64 `json:"threshold"`
	FPR       float64 `json:"fpr"`
	TPR       float64 `json:"tpr"`
}

// Curve is an ROC curve with its area.
type Curve struct {

	// The points of the curve, by decreasing threshold.  The first
	// point has an infinite threshold and lies at the origin.
	Points []Point `json:"points"`

	AUC float64 `json:"auc"`

	// Number of positive and negative cases
	NumPos int `json:"num_pos"`
	NumNeg int `json:"num_neg"`
}

// Compute returns the ROC curve of the scores for the binary outcome y,
// which must contain only the values 0 and 1.  The thresholds are the
// distinct score values.  The area is obtained with the trapezoidal rule
// and equals the probability that a random positive case scores higher
// than a random negative case, counting ties one half.
func Compute(y, score []float64) (*Curve, error) {

	if len(y) != len(score) {
		msg := fmt.Sprintf("%d outcomes and %d scores", len(y), len(score))
		return nil, &statmodel.ValueError{Row: -1, Msg: msg}
	}

	classes := make([]bool, len(y))
	var npos, nneg int
	for i, v := range y {
		switch v {
		case 1:
			classes[i] = true
			npos++
		case 0:
			nneg++
		default:
			return nil, &statmodel.ValueError{Column: "outcome", Row: i, Msg: fmt.Sprintf("value %g is not 0 or 1", v)}
		}
		if math.IsNaN(score[i]) {
			return nil, &statmodel.ValueError{Column: "score", Row: i, Msg: "score is NaN"}
		}
	}

	if npos == 0 || nneg == 0 {
		return nil, &statmodel.UndefinedAUCError{Label: majority(npos, nneg), N: len(y)}
	}

	x := append([]float64(nil), score...)
	stat.SortWeightedLabeled(x, classes, nil)
	tpr, fpr, thresh := stat.ROC(nil, x, classes, nil)

	c := &Curve{
		Points: make([]Point, len(thresh)),
		AUC:    integrate.Trapezoidal(fpr, tpr),
		NumPos: npos,
		NumNeg: nneg,
	}
	for i := range thresh {
		c.Points[i] = Point{Threshold: thresh[i], FPR: fpr[i], TPR: tpr[i]}
	}

	return c, nil
}

func majority(npos, nneg int) float64 {
	if npos > 0 {
		return 1
	}
	return 0
}

// StdErr returns the standard error of the AUC using the approximation
// of Hanley and McNeil (1982).
func (c *Curve) StdErr() float64 {
	a := c.AUC
	q1 := a / (2 - a)
	q2 := 2 * a * a / (1 + a)
	n1 := float64(c.NumPos)
	n0 := float64(c.NumNeg)
	v := a*(1-a) + (n1-1)*(q1-a*a) + (n0-1)*(q2-a*a)
	return math.Sqrt(math.Max(v, 0) / (n1 * n0))
}

// ConfInt returns a Wald confidence interval for the AUC at the given
// level, clamped to [0, 1].
func (c *Curve) ConfInt(level float64) (lcb, ucb float64) {
	f := distuv.UnitNormal.Quantile(1 - (1-level)/2)
	se := c.StdErr()
	lcb = math.Max(0, c.AUC-f*se)
	ucb = math.Min(1, c.AUC+f*se)
	return lcb, ucb
}

// Youden returns the point maximizing TPR - FPR.  Among equal values the
// point with the highest threshold is returned.
func (c *Curve) Youden() Point {
	var best Point
	bj := math.Inf(-1)
	for _, p := range c.Points {
		if math.IsInf(p.Threshold, 1) {
			continue
		}
		if j := p.TPR - p.FPR; j > bj {
			bj = j
			best = p
		}
	}
	return best
}

// MannWhitney returns the Mann-Whitney estimate of the probability that
// a positive case scores higher than a negative case, counting ties one
// half.  It is computed from the ranks of the scores.
func MannWhitney(y, score []float64) (float64, error) {

	if len(y) != len(score) {
		msg := fmt.Sprintf("%d outcomes and %d scores", len(y), len(score))
		return 0, &statmodel.ValueError{Row: -1, Msg: msg}
	}

	n := len(y)
	for i, s := range score {
		if math.IsNaN(s) {
			return 0, &statmodel.ValueError{Column: "score", Row: i, Msg: "score is NaN"}
		}
	}

	ii := make([]int, n)
	for i := range ii {
		ii[i] = i
	}
	sort.Slice(ii, func(a, b int) bool { return score[ii[a]] < score[ii[b]] })

	// Mid-ranks, averaging over tied scores
	rank := make([]float64, n)
	for i := 0; i < n; {
		j := i
		for j < n && score[ii[j]] == score[ii[i]] {
			j++
		}
		r := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			rank[ii[k]] = r
		}
		i = j
	}

	var rs, n1, n0 float64
	for i, v := range y {
		switch v {
		case 1:
			rs += rank[i]
			n1++
		case 0:
			n0++
		default:
			return 0, &statmodel.ValueError{Column: "outcome", Row: i, Msg: fmt.Sprintf("value %g is not 0 or 1", v)}
		}
	}

	if n1 == 0 || n0 == 0 {
		return 0, &statmodel.UndefinedAUCError{Label: majority(int(n1), int(n0)), N: n}
	}

	return (rs - n1*(n1+1)/2) / (n1 * n0), nil
}
