package forest

import (
	"math/rand/v2"
	"sort"
)

// Node is a node of a classification tree.  The nodes of a tree are
// stored in a slice, and children are referenced by their position in
// that slice.
type Node struct {

	// The feature used to split the node, or -1 for a leaf.
	Feature int `json:"feature"`

	// Rows with feature value at or below Threshold go to the left child.
	Threshold float64 `json:"threshold,omitempty"`

	Left  int `json:"left,omitempty"`
	Right int `json:"right,omitempty"`

	// Number of bootstrap rows reaching the node
	Size int `json:"size"`

	// Proportion of class 1 among the rows reaching the node
	Prob float64 `json:"prob"`
}

// Leaf returns true if the node has no children.
func (nd *Node) Leaf() bool {
	return nd.Feature < 0
}

// Tree is a classification tree grown on a bootstrap sample.
type Tree struct {
	nodes []Node

	// Rows not drawn into the bootstrap sample
	oob []int

	// Decrease in Gini impurity attributed to each feature, weighted by
	// node size
	gain []float64
}

// Nodes returns the nodes of the tree.  The root is at position zero.
func (tr *Tree) Nodes() []Node {
	return tr.nodes
}

// OOB returns the rows that are out-of-bag for the tree.
func (tr *Tree) OOB() []int {
	return tr.oob
}

// Predict returns the class-1 proportion of the leaf reached by x.
func (tr *Tree) Predict(x []float64) float64 {
	j := 0
	for {
		nd := &tr.nodes[j]
		if nd.Leaf() {
			return nd.Prob
		}
		if x[nd.Feature] <= nd.Threshold {
			j = nd.Left
		} else {
			j = nd.Right
		}
	}
}

// predictRow is Predict for a row of columnar data.
func (tr *Tree) predictRow(x [][]float64, i int) float64 {
	j := 0
	for {
		nd := &tr.nodes[j]
		if nd.Leaf() {
			return nd.Prob
		}
		if x[nd.Feature][i] <= nd.Threshold {
			j = nd.Left
		} else {
			j = nd.Right
		}
	}
}

// grower holds the state used to grow one tree.
type grower struct {
	x    [][]float64
	y    []float64
	cfg  *Config
	mtry int
	rng  *rand.Rand

	// Scratch space
	feat []int
	ord  []int
}

type work struct {
	node  int
	rows  []int
	depth int
}

func gini(n, pos float64) float64 {
	if n == 0 {
		return 0
	}
	p := pos / n
	return 2 * p * (1 - p)
}

// grow draws a bootstrap sample and grows a tree on it, using an explicit
// stack of pending nodes.
func (g *grower) grow() *Tree {

	n := len(g.y)
	p := len(g.x)

	rows := make([]int, n)
	inbag := make([]bool, n)
	for i := range rows {
		rows[i] = g.rng.IntN(n)
		inbag[rows[i]] = true
	}

	tr := &Tree{
		gain: make([]float64, p),
	}
	for i, b := range inbag {
		if !b {
			tr.oob = append(tr.oob, i)
		}
	}

	g.feat = make([]int, p)
	tr.nodes = append(tr.nodes, Node{Feature: -1})
	stack := []work{{node: 0, rows: rows}}

	for len(stack) > 0 {

		w := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		var pos float64
		for _, i := range w.rows {
			pos += g.y[i]
		}
		nn := float64(len(w.rows))
		tr.nodes[w.node].Size = len(w.rows)
		tr.nodes[w.node].Prob = pos / nn

		if pos == 0 || pos == nn || len(w.rows) < 2*g.cfg.MinLeafSize {
			continue
		}
		if g.cfg.MaxDepth > 0 && w.depth >= g.cfg.MaxDepth {
			continue
		}

		feature, thresh, gain := g.split(w.rows, pos)
		if feature < 0 {
			continue
		}
		tr.gain[feature] += gain

		var left, right []int
		for _, i := range w.rows {
			if g.x[feature][i] <= thresh {
				left = append(left, i)
			} else {
				right = append(right, i)
			}
		}

		l := len(tr.nodes)
		tr.nodes = append(tr.nodes, Node{Feature: -1}, Node{Feature: -1})
		nd := &tr.nodes[w.node]
		nd.Feature = feature
		nd.Threshold = thresh
		nd.Left = l
		nd.Right = l + 1

		// Push the right child first so that the left subtree is
		// grown first.
		stack = append(stack, work{node: l + 1, rows: right, depth: w.depth + 1})
		stack = append(stack, work{node: l, rows: left, depth: w.depth + 1})
	}

	return tr
}

// split finds the best split of the given rows over a random subset of
// the features.  It returns a negative feature if no split decreases the
// impurity.
func (g *grower) split(rows []int, pos float64) (int, float64, float64) {

	p := len(g.x)
	for j := range g.feat {
		g.feat[j] = j
	}

	// Partial Fisher-Yates shuffle to select mtry features
	for j := 0; j < g.mtry; j++ {
		k := j + g.rng.IntN(p-j)
		g.feat[j], g.feat[k] = g.feat[k], g.feat[j]
	}

	n := float64(len(rows))
	parent := n * gini(n, pos)
	minLeaf := g.cfg.MinLeafSize

	bestFeat := -1
	var bestThresh, bestGain float64

	g.ord = append(g.ord[:0], rows...)
	for _, j := range g.feat[:g.mtry] {

		xj := g.x[j]
		sort.Slice(g.ord, func(a, b int) bool { return xj[g.ord[a]] < xj[g.ord[b]] })

		var nl, pl float64
		for k := 0; k < len(g.ord)-1; k++ {
			nl++
			pl += g.y[g.ord[k]]

			lo, hi := xj[g.ord[k]], xj[g.ord[k+1]]
			if lo == hi || k+1 < minLeaf || len(g.ord)-k-1 < minLeaf {
				continue
			}

			nr := n - nl
			pr := pos - pl
			gain := parent - nl*gini(nl, pl) - nr*gini(nr, pr)
			if gain > bestGain+1e-12 {
				bestFeat = j
				bestGain = gain
				bestThresh = lo + (hi-lo)/2
				if bestThresh >= hi {
					bestThresh = lo
				}
			}
		}
	}

	return bestFeat, bestThresh, bestGain
}
