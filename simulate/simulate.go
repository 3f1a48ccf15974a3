// Package simulate generates synthetic cohorts with a known proportional
// hazards structure.  Each patient carries two binary covariates A and B
// and an age, and has an exponential event time with hazard
//
//	BaseHazard * HazardRatioA^A * HazardRatioB^B
//
// Follow-up ends at a common administrative censoring time, chosen so
// that the expected proportion of patients with an observed event equals
// EventRate.
package simulate

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/mjuetz34/survstat/cohort"
	"github.com/mjuetz34/survstat/statmodel"
)

// Config holds the parameters of a synthetic cohort.
type Config struct {
	N    int    `yaml:"n" json:"n" validate:"gte=1"`
	Seed uint64 `yaml:"seed" json:"seed"`

	// Proportions of patients with A=1 and B=1.  The two covariates
	// are independent.
	PropA float64 `yaml:"prop_a" json:"prop_a" validate:"gte=0,lte=1"`
	PropB float64 `yaml:"prop_b" json:"prop_b" validate:"gte=0,lte=1"`

	HazardRatioA float64 `yaml:"hazard_ratio_a" json:"hazard_ratio_a" validate:"gt=0"`
	HazardRatioB float64 `yaml:"hazard_ratio_b" json:"hazard_ratio_b" validate:"gt=0"`

	// Event rate per unit time when A=0 and B=0.
	BaseHazard float64 `yaml:"base_hazard" json:"base_hazard" validate:"gt=0"`

	// Expected proportion of observed events.
	EventRate float64 `yaml:"event_rate" json:"event_rate" validate:"gt=0,lt=1"`

	// If true, use a deterministic design: the covariate cells have
	// their expected sizes and the event times within a cell are the
	// quantiles of its exposure distribution.  Only the row order
	// depends on Seed.
	Balanced bool `yaml:"balanced" json:"balanced"`
}

// DefaultConfig returns the parameters of a cohort resembling a head and
// neck cancer series, with time in months.
func DefaultConfig() *Config {
	return &Config{
		N:            195,
		Seed:         42,
		PropA:        0.55,
		PropB:        0.30,
		HazardRatioA: 1.8,
		HazardRatioB: 0.4,
		BaseHazard:   0.02,
		EventRate:    0.23,
	}
}

var validate = validator.New()

// Columns of the generated table
const (
	IDVar    = "id"
	AVar     = "A"
	BVar     = "B"
	AgeVar   = "age"
	TimeVar  = "time"
	EventVar = "event"
)

// Schema returns the schema of the generated tables, with the single
// endpoint "os".
func Schema() *cohort.Schema {
	return &cohort.Schema{
		ID: IDVar,
		Endpoints: []cohort.Endpoint{
			{Name: "os", Time: TimeVar, Event: EventVar},
		},
		Covariates: []cohort.Covariate{
			{Name: AVar, Kind: "binary"},
			{Name: BVar, Kind: "binary"},
			{Name: AgeVar, Kind: "continuous"},
		},
	}
}

type patient struct {
	a, b  int
	age   float64
	time  float64
	event int
}

func (cfg *Config) hazard(a, b int) float64 {
	return cfg.BaseHazard * math.Pow(cfg.HazardRatioA, float64(a)) * math.Pow(cfg.HazardRatioB, float64(b))
}

// cells returns the four covariate cells with their probabilities.
func (cfg *Config) cells() [4]struct {
	a, b int
	p    float64
} {
	pa, pb := cfg.PropA, cfg.PropB
	return [4]struct {
		a, b int
		p    float64
	}{
		{0, 0, (1 - pa) * (1 - pb)},
		{0, 1, (1 - pa) * pb},
		{1, 0, pa * (1 - pb)},
		{1, 1, pa * pb},
	}
}

// CensorTime returns the administrative censoring time giving the
// configured expected event rate.
func (cfg *Config) CensorTime() float64 {

	cells := cfg.cells()
	f := func(c float64) float64 {
		var r float64
		for _, cl := range cells {
			r += cl.p * (1 - math.Exp(-cfg.hazard(cl.a, cl.b)*c))
		}
		return r - cfg.EventRate
	}

	// The event rate increases in the censoring time, so bracket the
	// root and bisect.
	lo, hi := 0.0, 1/cfg.BaseHazard
	for f(hi) < 0 {
		lo = hi
		hi *= 2
	}
	for i := 0; i < 200; i++ {
		m := lo + (hi-lo)/2
		if f(m) < 0 {
			lo = m
		} else {
			hi = m
		}
	}

	return lo + (hi-lo)/2
}

// Table generates a cohort table.
func Table(cfg *Config) (*cohort.Table, error) {

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("simulate: %w", err)
	}

	c := cfg.CensorTime()
	rng := rand.New(rand.NewPCG(cfg.Seed, 0))

	var pts []patient
	if cfg.Balanced {
		pts = cfg.balanced(c)
	} else {
		pts = cfg.random(c, rng)
	}

	// Randomize the row order, so that the patients of a covariate cell
	// are not contiguous.
	rng.Shuffle(len(pts), func(i, j int) { pts[i], pts[j] = pts[j], pts[i] })

	tab := &cohort.Table{
		Header: []string{IDVar, AVar, BVar, AgeVar, TimeVar, EventVar},
		Rows:   make([][]string, len(pts)),
	}
	for i, pt := range pts {
		tab.Rows[i] = []string{
			fmt.Sprintf("P%04d", i+1),
			strconv.Itoa(pt.a),
			strconv.Itoa(pt.b),
			strconv.FormatFloat(pt.age, 'f', 0, 64),
			strconv.FormatFloat(pt.time, 'f', 4, 64),
			strconv.Itoa(pt.event),
		}
	}

	return tab, nil
}

// Cohort generates a cohort table and loads it.
func Cohort(cfg *Config) (*cohort.Cohort, error) {
	tab, err := Table(cfg)
	if err != nil {
		return nil, err
	}
	return cohort.Load(tab, Schema())
}

func (cfg *Config) random(c float64, rng *rand.Rand) []patient {

	ba := distuv.Bernoulli{P: cfg.PropA, Src: rng}
	bb := distuv.Bernoulli{P: cfg.PropB, Src: rng}
	age := distuv.Normal{Mu: 58, Sigma: 12, Src: rng}

	pts := make([]patient, cfg.N)
	for i := range pts {
		pt := &pts[i]
		pt.a = int(ba.Rand())
		pt.b = int(bb.Rand())
		pt.age = math.Round(age.Rand())

		ex := distuv.Exponential{Rate: cfg.hazard(pt.a, pt.b), Src: rng}
		pt.time = ex.Rand()
		if pt.time <= c {
			pt.event = 1
		} else {
			pt.time = c
		}
	}

	return pts
}

// balanced returns the deterministic design.  Ages follow a golden ratio
// sequence through the normal quantiles, which keeps them nearly
// uncorrelated with the event times.
func (cfg *Config) balanced(c float64) []patient {

	const phi = 0.6180339887498949
	age := distuv.Normal{Mu: 58, Sigma: 12}

	pts := make([]patient, 0, cfg.N)
	var tot int
	for k, cl := range cfg.cells() {

		n := int(math.Round(float64(cfg.N) * cl.p))
		if k == 3 || tot+n > cfg.N {
			n = cfg.N - tot
		}
		tot += n

		ex := distuv.Exponential{Rate: cfg.hazard(cl.a, cl.b)}
		for j := 0; j < n; j++ {
			pt := patient{a: cl.a, b: cl.b}
			pt.time = ex.Quantile((float64(j) + 0.5) / float64(n))
			if pt.time <= c {
				pt.event = 1
			} else {
				pt.time = c
			}
			_, v := math.Modf(float64(j+1) * phi)
			pt.age = math.Round(age.Quantile(v))
			pts = append(pts, pt)
		}
	}

	return pts
}

// Truth returns the log hazard ratios used to generate the data, in the
// order A, B.
func (cfg *Config) Truth() []float64 {
	return []float64{math.Log(cfg.HazardRatioA), math.Log(cfg.HazardRatioB)}
}

// EventCounts returns the number of events and rows in a generated table.
func EventCounts(tab *cohort.Table) (events, rows int, err error) {
	j := -1
	for k, h := range tab.Header {
		if h == EventVar {
			j = k
		}
	}
	if j < 0 {
		return 0, 0, &statmodel.SchemaError{Column: EventVar, Msg: "column not found"}
	}
	for _, r := range tab.Rows {
		if r[j] == "1" {
			events++
		}
	}
	return events, len(tab.Rows), nil
}
