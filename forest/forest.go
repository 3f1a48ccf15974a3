// Package forest implements a random forest classifier for a binary
// outcome.  Each tree is grown on a bootstrap sample of the rows, splits
// are chosen by Gini impurity among a random subset of the features, and
// the rows left out of a tree's bootstrap sample provide out-of-bag
// predictions and error estimates.
package forest

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/mjuetz34/survstat/statmodel"
)

// MaxTrees is the largest number of trees a forest can hold.
const MaxTrees = 10000

// Config holds the parameters of a forest.
type Config struct {

	// Log receives progress messages, optional.
	Log *slog.Logger

	// Number of trees to grow.
	NumTrees int

	// Number of features considered at each split.  If zero, the
	// integer part of the square root of the number of features is
	// used, but at least one.
	MaxFeatures int

	// Nodes with fewer than 2*MinLeafSize rows are not split, and no
	// split produces a child with fewer than MinLeafSize rows.
	MinLeafSize int

	// Maximum depth of the trees, zero for no limit.
	MaxDepth int

	// Seed of the random number generators.  Tree i draws from a PCG
	// generator seeded with (Seed, i).
	Seed uint64

	// Number of trees grown concurrently.  If zero, GOMAXPROCS is used.
	Workers int
}

// DefaultConfig returns default values for the forest parameters.
func DefaultConfig() *Config {
	return &Config{
		NumTrees:    500,
		MinLeafSize: 1,
		Seed:        42,
	}
}

// Importance is the mean decrease in Gini impurity attributed to a
// feature.
type Importance struct {
	Feature string  `json:"feature"`
	Score   float64 `json:"score"`
}

// Forest is a fitted random forest.
type Forest struct {
	cfg      Config
	features []string
	trees    []*Tree

	// Out-of-bag predicted probabilities, NaN for rows that were in
	// the bootstrap sample of every tree.
	oob []float64

	// Number of trees for which each row was out-of-bag
	oobCount []int

	// Observed outcome
	y []float64

	importance []float64
}

func (cfg *Config) check(p int) error {

	switch {
	case cfg.NumTrees < 1 || cfg.NumTrees > MaxTrees:
		return fmt.Errorf("forest: number of trees %d is not in [1, %d]", cfg.NumTrees, MaxTrees)
	case cfg.MaxFeatures < 0 || cfg.MaxFeatures > p:
		return fmt.Errorf("forest: %d features per split requested, %d features available", cfg.MaxFeatures, p)
	case cfg.MinLeafSize < 1:
		return fmt.Errorf("forest: minimum leaf size %d is less than 1", cfg.MinLeafSize)
	case cfg.MaxDepth < 0:
		return fmt.Errorf("forest: negative maximum depth %d", cfg.MaxDepth)
	case cfg.Workers < 0:
		return fmt.Errorf("forest: negative number of workers %d", cfg.Workers)
	}

	return nil
}

// Fit grows a forest predicting the binary variable outcome from the
// given features.  The outcome must be coded 0/1 and the features must
// not contain missing values.  Trees are grown concurrently, and the
// result does not depend on the number of workers.
func Fit(ctx context.Context, data statmodel.Dataset, outcome string, features []string, config *Config) (*Forest, error) {

	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config

	if len(features) == 0 {
		return nil, &statmodel.InsufficientDataError{What: "forest", Msg: "no features"}
	}
	if err := cfg.check(len(features)); err != nil {
		return nil, err
	}

	pos := make(map[string]int)
	for j, na := range data.Names() {
		pos[na] = j
	}
	cols := data.Data()

	yp, ok := pos[outcome]
	if !ok {
		return nil, &statmodel.SchemaError{Column: outcome, Msg: "outcome variable not found"}
	}
	y := cols[yp]
	if len(y) == 0 {
		return nil, &statmodel.InsufficientDataError{What: "forest", Msg: "no observations"}
	}

	var npos int
	for i, v := range y {
		if v != 0 && v != 1 {
			return nil, &statmodel.ValueError{Column: outcome, Row: i, Msg: fmt.Sprintf("value %g is not 0 or 1", v)}
		}
		if v == 1 {
			npos++
		}
	}

	x := make([][]float64, len(features))
	for j, na := range features {
		k, ok := pos[na]
		if !ok {
			return nil, &statmodel.SchemaError{Column: na, Msg: "feature not found"}
		}
		x[j] = cols[k]
		for i, v := range x[j] {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, &statmodel.ValueError{Column: na, Row: i, Msg: "value is not finite"}
			}
		}
	}

	if cfg.MaxFeatures == 0 {
		cfg.MaxFeatures = max(1, int(math.Sqrt(float64(len(features)))))
	}
	if cfg.Workers == 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.DiscardHandler)
	}

	f := &Forest{
		cfg:      cfg,
		features: features,
		trees:    make([]*Tree, cfg.NumTrees),
		y:        y,
	}

	cfg.Log.Debug("growing forest", "trees", cfg.NumTrees, "rows", len(y), "features", len(features),
		"max_features", cfg.MaxFeatures, "workers", cfg.Workers)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for i := range f.trees {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			gr := &grower{
				x:    x,
				y:    y,
				cfg:  &cfg,
				mtry: cfg.MaxFeatures,
				rng:  rand.New(rand.NewPCG(cfg.Seed, uint64(i))),
			}
			f.trees[i] = gr.grow()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("forest: %w", err)
	}

	f.aggregate(x)

	cfg.Log.Info("forest grown", "trees", cfg.NumTrees, "rows", len(y), "events", npos,
		"oob_error", f.OOBError(), "no_oob", f.NumNoOOB())

	return f, nil
}

// aggregate combines the per-tree results, in tree order.
func (f *Forest) aggregate(x [][]float64) {

	n := len(f.y)
	f.oob = make([]float64, n)
	f.oobCount = make([]int, n)
	f.importance = make([]float64, len(f.features))

	for _, tr := range f.trees {
		for _, i := range tr.oob {
			f.oob[i] += tr.predictRow(x, i)
			f.oobCount[i]++
		}
		for j, v := range tr.gain {
			f.importance[j] += v
		}
	}

	for i, c := range f.oobCount {
		if c == 0 {
			f.oob[i] = math.NaN()
		} else {
			f.oob[i] /= float64(c)
		}
	}

	for j := range f.importance {
		f.importance[j] /= float64(len(f.trees))
	}
}

// NumTrees returns the number of trees in the forest.
func (f *Forest) NumTrees() int {
	return len(f.trees)
}

// Tree returns the i'th tree of the forest.
func (f *Forest) Tree(i int) *Tree {
	return f.trees[i]
}

// Features returns the names of the features, in the order expected by
// Predict.
func (f *Forest) Features() []string {
	return f.features
}

// MaxFeatures returns the number of features considered at each split.
func (f *Forest) MaxFeatures() int {
	return f.cfg.MaxFeatures
}

// OOB returns the out-of-bag predicted probability of class 1 for each
// row.  Rows that were never out-of-bag have value NaN.
func (f *Forest) OOB() []float64 {
	return f.oob
}

// OOBCount returns the number of trees for which each row was out-of-bag.
func (f *Forest) OOBCount() []int {
	return f.oobCount
}

// NumNoOOB returns the number of rows that were never out-of-bag.
func (f *Forest) NumNoOOB() int {
	var m int
	for _, c := range f.oobCount {
		if c == 0 {
			m++
		}
	}
	return m
}

// Confusion returns the out-of-bag confusion counts, classifying a row
// as 1 when its out-of-bag probability exceeds one half.  Element [i][j]
// counts rows with observed class i and predicted class j.  Rows without
// an out-of-bag prediction are not counted.
func (f *Forest) Confusion() [2][2]int {
	var cm [2][2]int
	for i, p := range f.oob {
		if math.IsNaN(p) {
			continue
		}
		var pred int
		if p > 0.5 {
			pred = 1
		}
		cm[int(f.y[i])][pred]++
	}
	return cm
}

// OOBError returns the out-of-bag misclassification rate.
func (f *Forest) OOBError() float64 {
	cm := f.Confusion()
	n := cm[0][0] + cm[0][1] + cm[1][0] + cm[1][1]
	if n == 0 {
		return math.NaN()
	}
	return float64(cm[0][1]+cm[1][0]) / float64(n)
}

// Importance returns the mean decrease in Gini impurity of each feature,
// averaged over the trees and sorted in decreasing order.
func (f *Forest) Importance() []Importance {
	imp := make([]Importance, len(f.features))
	for j, na := range f.features {
		imp[j] = Importance{Feature: na, Score: f.importance[j]}
	}
	sort.SliceStable(imp, func(a, b int) bool { return imp[a].Score > imp[b].Score })
	return imp
}

// Predict returns the predicted probability of class 1 for the feature
// values in x, given in the order of Features.
func (f *Forest) Predict(x []float64) float64 {
	var s float64
	for _, tr := range f.trees {
		s += tr.Predict(x)
	}
	return s / float64(len(f.trees))
}

// PredictData returns the predicted probabilities for the rows of data,
// which must contain all the features.
func (f *Forest) PredictData(data statmodel.Dataset) ([]float64, error) {

	pos := make(map[string]int)
	for j, na := range data.Names() {
		pos[na] = j
	}
	cols := data.Data()

	x := make([][]float64, len(f.features))
	for j, na := range f.features {
		k, ok := pos[na]
		if !ok {
			return nil, &statmodel.SchemaError{Column: na, Msg: "feature not found"}
		}
		x[j] = cols[k]
	}

	if len(x) == 0 || len(x[0]) == 0 {
		return nil, nil
	}

	pr := make([]float64, len(x[0]))
	for i := range pr {
		var s float64
		for _, tr := range f.trees {
			s += tr.predictRow(x, i)
		}
		pr[i] = s / float64(len(f.trees))
	}

	return pr, nil
}

// String returns a short description of the forest, in the manner of the
// randomForest print method.
func (f *Forest) String() string {

	cm := f.Confusion()
	tab := &statmodel.SummaryTable{
		Title:    "Random forest classification",
		ColNames: []string{"Observed", "Predicted 0", "Predicted 1", "Class error"},
		ColFmt:   []statmodel.Fmter{statmodel.FmtStrings, statmodel.FmtInts, statmodel.FmtInts, statmodel.FmtFloats},
		Cols: []interface{}{
			[]string{"0", "1"},
			[]int{cm[0][0], cm[1][0]},
			[]int{cm[0][1], cm[1][1]},
			[]float64{classErr(cm[0][1], cm[0][0]), classErr(cm[1][0], cm[1][1])},
		},
	}

	tab.Top = append(tab.Top, fmt.Sprintf("  Trees:          %8d", len(f.trees)))
	tab.Top = append(tab.Top, fmt.Sprintf("  Split features: %8d", f.cfg.MaxFeatures))
	tab.Top = append(tab.Top, fmt.Sprintf("  OOB error:      %7.2f%%", 100*f.OOBError()))
	tab.Top = append(tab.Top, fmt.Sprintf("  Never OOB:      %8d", f.NumNoOOB()))

	return tab.String()
}

func classErr(wrong, right int) float64 {
	if wrong+right == 0 {
		return math.NaN()
	}
	return float64(wrong) / float64(wrong+right)
}
