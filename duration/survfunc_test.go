package duration

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/mjuetz34/survstat/statmodel"
)

func TestSF1(t *testing.T) {

	var time []float64
	var status []float64
	n := 20

	for i := 0; i < n; i++ {
		time = append(time, float64(i))
		status = append(status, 1)
	}

	sf, err := NewSurvfuncRight(time, status).Done()
	require.NoError(t, err)

	// Check times and risk set sizes
	times := sf.Time()
	nrisk := sf.NumRisk()
	for i := 0; i < n; i++ {
		if times[i] != float64(i) {
			t.Fail()
		}
		if nrisk[i] != float64(n-i) {
			t.Fail()
		}
	}

	// From Python Statsmodels
	se := []float64{0.04873397, 0.06708204, 0.0798436, 0.08944272,
		0.09682458, 0.10246951, 0.10665365, 0.10954451,
		0.11124298, 0.1118034, 0.11124298, 0.10954451,
		0.10665365, 0.10246951, 0.09682458, 0.08944272,
		0.0798436, 0.06708204, 0.04873397}

	// Check probabilities and standard errors
	sp := sf.SurvProb()
	spse := sf.SurvProbSE()
	for i := 0; i < n; i++ {
		p := 1 - float64(i+1)/float64(n)
		if math.Abs(sp[i]-p) > 1e-6 {
			t.Fail()
		}

		if i < n-1 && math.Abs(spse[i]-se[i]) > 1e-6 {
			t.Fail()
		}
	}
}

func TestSF2(t *testing.T) {

	var time []float64
	var status []float64
	var weight []float64
	n := 20

	for i := 0; i < n; i++ {
		time = append(time, 10+float64(i))
		status = append(status, float64(i%2))
		weight = append(weight, float64(1+i%3))
	}

	sf, err := NewSurvfuncRight(time, status).Weight(weight).Done()
	require.NoError(t, err)

	// Check times and risk set sizes
	times := sf.Time()
	for i := 0; i < 10; i++ {
		if times[i] != float64(11+2*i) {
			t.Fail()
		}
	}

	nriskExp := []float64{38, 33, 30, 26, 21, 18, 14, 9, 6, 2}
	nrisk := sf.NumRisk()
	if !floats.EqualApprox(nrisk, nriskExp, 1e-6) {
		t.Fail()
	}

	// From Python Statsmodels
	pr := []float64{0.94736842, 0.91866029, 0.82679426, 0.7631947, 0.7268521,
		0.60571008, 0.51918007, 0.46149339, 0.2307467, 0.}
	se := []float64{0.03721615, 0.04799287, 0.07507762, 0.09271045, 0.10422477,
		0.14185225, 0.17414403, 0.20657159, 0.35497205, 0.79120488}

	// Check probabilities and standard errors
	if !floats.EqualApprox(pr, sf.SurvProb(), 1e-6) {
		t.Fail()
	}
	if !floats.EqualApprox(se, sf.SurvProbSE(), 1e-6) {
		t.Fail()
	}
}

func TestSF3(t *testing.T) {

	var time []float64
	var status []float64
	var entry []float64
	n := 20

	for i := 0; i < n; i++ {
		time = append(time, 10+float64(i))
		status = append(status, float64(i%2))
		entry = append(entry, float64((10+i)/2))
	}

	sf, err := NewSurvfuncRight(time, status).Entry(entry).Done()
	require.NoError(t, err)

	// Check times and risk set sizes
	times := sf.Time()
	if len(times) != 10 {
		t.Fail()
	}
	for i := 0; i < 10; i++ {
		if times[i] != float64(11+2*i) {
			t.Fail()
		}
	}

	// From Python Statsmodels
	nriskExp := []float64{11, 13, 15, 13, 11, 9, 7, 5, 3, 1}
	nrisk := sf.NumRisk()
	if !floats.EqualApprox(nrisk, nriskExp, 1e-6) {
		t.Fail()
	}

	// From Python Statsmodels
	pr := []float64{0.90909091, 0.83916084, 0.78321678, 0.72296934, 0.65724485,
		0.58421765, 0.50075798, 0.40060639, 0.26707092, 0}
	se := []float64{0.08667842, 0.10447861, 0.11148966, 0.11807514, 0.12429443,
		0.13018111, 0.13572541, 0.14076208, 0.14385416}

	// Check probabilities and standard errors
	if !floats.EqualApprox(sf.SurvProb(), pr, 1e-6) {
		t.Fail()
	}
	if !floats.EqualApprox(sf.SurvProbSE()[0:9], se[0:9], 1e-6) {
		t.Fail()
	}
}

func TestSF4(t *testing.T) {

	var time []float64
	var status []float64
	var entry []float64
	var weight []float64
	n := 20

	for i := 0; i < n; i++ {
		time = append(time, 10+float64(i))
		status = append(status, float64(i%2))
		entry = append(entry, float64((10+i)/2))
		weight = append(weight, float64(1+(i%3)))
	}

	sf, err := NewSurvfuncRight(time, status).Entry(entry).Weight(weight).Done()
	require.NoError(t, err)

	// Check times and risk set sizes
	times := sf.Time()
	if len(times) != 10 {
		t.Fail()
	}
	for i := 0; i < 10; i++ {
		if times[i] != float64(11+2*i) {
			t.Fail()
		}
	}

	// From Python Statsmodels
	nriskExp := []float64{23, 25, 30, 26, 21, 18, 14, 9, 6, 2}
	nrisk := sf.NumRisk()
	if !floats.EqualApprox(nrisk, nriskExp, 1e-6) {
		t.Fail()
	}

	// From Python Statsmodels
	pr := []float64{0.91304348, 0.87652174, 0.78886957, 0.72818729, 0.69351171,
		0.57792642, 0.4953655, 0.44032489, 0.22016245, 0.}
	se := []float64{0.06148755, 0.07335338, 0.09334908, 0.10803995, 0.11806865,
		0.1523137, 0.18276637, 0.21389069, 0.35928061, 0.79314725}

	// Check probabilities and standard errors
	if !floats.EqualApprox(sf.SurvProb(), pr, 1e-6) {
		t.Fail()
	}
	if !floats.EqualApprox(sf.SurvProbSE(), se, 1e-6) {
		t.Fail()
	}
}

func TestSF5(t *testing.T) {

	var time []float64
	var status []float64
	var entry []float64
	var weight []float64
	n := 20

	for i := 0; i < n; i++ {
		time = append(time, 10+float64(i/2))
		status = append(status, float64(i%2))
		entry = append(entry, float64((10+i)/2))
		weight = append(weight, float64(1+(i%3)))
	}

	sf, err := NewSurvfuncRight(time, status).Entry(entry).Weight(weight).Done()
	require.NoError(t, err)

	// Check times and risk set sizes
	times := sf.Time()
	if len(times) != 10 {
		t.Fail()
	}
	for i := 0; i < 10; i++ {
		if times[i] != float64(10+i) {
			t.Fail()
		}
	}

	// From Python Statsmodels
	nriskExp := []float64{19, 21, 20, 19, 21, 20, 15, 12, 8, 3}
	nrisk := sf.NumRisk()
	if !floats.EqualApprox(nriskExp, nrisk, 1e-6) {
		t.Fail()
	}

	// From Python Statsmodels
	pr := []float64{0.89473684, 0.85213033, 0.72431078, 0.64806754, 0.61720718,
		0.5246261, 0.45467595, 0.41678629, 0.26049143, 0.08683048}
	se := []float64{0.07443229, 0.08836142, 0.12372445, 0.14438804, 0.15203776,
		0.1749728, 0.19875706, 0.21551987, 0.30548946, 0.56173484}

	// Check probabilities and standard errors
	if !floats.EqualApprox(pr, sf.SurvProb(), 1e-6) {
		t.Fail()
	}
	if !floats.EqualApprox(se, sf.SurvProbSE(), 1e-6) {
		t.Fail()
	}
}

func TestSFTies(t *testing.T) {

	time := []float64{1, 1, 2, 2, 3}
	status := []float64{1, 0, 1, 1, 0}

	sf, err := NewSurvfuncRight(time, status).Done()
	require.NoError(t, err)

	// The censoring at time 1 leaves the risk set after the event.
	assert.Equal(t, []float64{1, 2, 3}, sf.Time())
	assert.Equal(t, []float64{5, 3, 1}, sf.NumRisk())
	assert.Equal(t, []float64{1, 2, 0}, sf.NumEvents())
	assert.True(t, floats.EqualApprox([]float64{0.8, 0.8 / 3, 0.8 / 3}, sf.SurvProb(), 1e-12))
	assert.Equal(t, 3.0, sf.TotalEvents())

	assert.Equal(t, 1.0, sf.At(0.5))
	assert.Equal(t, 0.8, sf.At(1))
	assert.Equal(t, 0.8, sf.At(1.5))
	assert.InDelta(t, 0.8/3, sf.At(2), 1e-12)
	assert.InDelta(t, 0.8/3, sf.At(50), 1e-12)
	assert.Equal(t, 2.0, sf.Median())

	x, y := sf.StepPoints()
	assert.Equal(t, []float64{0, 1, 1, 2, 2, 3, 3}, x)
	assert.True(t, floats.EqualApprox([]float64{1, 1, 0.8, 0.8, 0.8 / 3, 0.8 / 3, 0.8 / 3}, y, 1e-12))

	pts := sf.Points()
	require.Len(t, pts, 3)
	assert.Equal(t, 5.0, pts[0].NumRisk)
	assert.InDelta(t, 0.8*math.Sqrt(1.0/20), pts[0].SE, 1e-12)
}

func TestSFNoEvents(t *testing.T) {

	time := []float64{4, 1, 3, 3, 2}
	status := []float64{0, 0, 0, 0, 0}

	sf, err := NewSurvfuncRight(time, status).Done()
	require.NoError(t, err)

	for _, p := range sf.SurvProb() {
		assert.Equal(t, 1.0, p)
	}
	for _, t0 := range []float64{0, 1, 2.5, 4, 10} {
		assert.Equal(t, 1.0, sf.At(t0))
	}
	assert.Equal(t, 0.0, sf.TotalEvents())
	assert.True(t, math.IsNaN(sf.Median()))
}

func TestSFMonotone(t *testing.T) {

	rng := rand.New(rand.NewPCG(1, 2))
	for k := 0; k < 20; k++ {
		n := 5 + rng.IntN(100)
		time := make([]float64, n)
		status := make([]float64, n)
		for i := range time {
			// Coarse times give many ties.
			time[i] = float64(rng.IntN(15))
			if rng.Float64() < 0.6 {
				status[i] = 1
			}
		}

		sf, err := NewSurvfuncRight(time, status).Done()
		require.NoError(t, err)

		sp := sf.SurvProb()
		for i := 1; i < len(sp); i++ {
			assert.LessOrEqual(t, sp[i], sp[i-1])
		}
		for _, p := range sp {
			assert.True(t, p >= 0 && p <= 1)
		}
		_, y := sf.StepPoints()
		for i := 1; i < len(y); i++ {
			assert.LessOrEqual(t, y[i], y[i-1])
		}
	}
}

func TestSFRiskAt(t *testing.T) {

	var time, status, entry []float64
	for i := 0; i < 20; i++ {
		time = append(time, 10+float64(i))
		status = append(status, float64(i%2))
		entry = append(entry, float64((10+i)/2))
	}

	sf, err := NewSurvfuncRight(time, status).Entry(entry).Done()
	require.NoError(t, err)

	// Agrees with the risk sets at the event times.
	for i, t0 := range sf.Time() {
		assert.InDelta(t, sf.NumRisk()[i], sf.NumRiskAt(t0), 1e-12)
	}

	// Direct count at a time that is not observed.
	t0 := 12.5
	var r float64
	for i := range time {
		if time[i] >= t0 && entry[i] < t0 {
			r++
		}
	}
	assert.Equal(t, r, sf.NumRiskAt(t0))
	assert.Equal(t, 0.0, sf.NumRiskAt(100))

	assert.Equal(t, 1.0, sf.NumEventsAt(11))
	assert.Equal(t, 0.0, sf.NumEventsAt(10))
	assert.Equal(t, 0.0, sf.NumEventsAt(10.5))
}

func TestSFErrors(t *testing.T) {

	var ve *statmodel.ValueError

	_, err := NewSurvfuncRight([]float64{1, -2}, []float64{1, 0}).Done()
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, 1, ve.Row)

	_, err = NewSurvfuncRight([]float64{1, 2}, []float64{1, 2}).Done()
	assert.True(t, errors.As(err, &ve))

	_, err = NewSurvfuncRight([]float64{1, 2}, []float64{1}).Done()
	assert.True(t, errors.As(err, &ve))

	_, err = NewSurvfuncRight([]float64{1, 2}, []float64{1, 0}).Entry([]float64{0, 2}).Done()
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "entry", ve.Column)

	var ie *statmodel.InsufficientDataError
	_, err = NewSurvfuncRight(nil, nil).Done()
	assert.True(t, errors.As(err, &ie))
}
