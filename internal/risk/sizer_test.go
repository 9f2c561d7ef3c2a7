package risk

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoPolymarket/cluster-trader/internal/cluster"
)

func defaultSizer() *Sizer {
	return NewSizer(SizerConfig{
		RiskPercent: 0.10,
		RiskShares:  [cluster.Stages]float64{0.2, 0.2, 0.4, 0.2},
		DefaultLots: [cluster.Stages]float64{0.01, 0.01, 0.02, 0.01},
	})
}

func TestSizeReferenceScenario(t *testing.T) {
	out := defaultSizer().Size(SizeInput{
		NAV:           10000,
		StopDistances: [cluster.Stages]float64{9, 10, 11, 12},
		ValuePerUnit:  100,
		LotStep:       0.01,
		MinLot:        0.01,
	})

	require.False(t, out.Fallback)
	assert.Equal(t, [cluster.Stages]float64{0.22, 0.20, 0.36, 0.17}, out.Lots)
	assert.InDelta(t, 1000, out.NominalRisk, 1e-9)
	assert.InDelta(t, 998, out.RealizedRisk, 1e-6)
}

func TestSizeBoundedByBudgetPlusRounding(t *testing.T) {
	s := defaultSizer()
	for _, nav := range []float64{500, 1234.56, 10000, 87654.3} {
		in := SizeInput{
			NAV:           nav,
			StopDistances: [cluster.Stages]float64{9, 10, 11, 12},
			ValuePerUnit:  100,
			LotStep:       0.01,
			MinLot:        0.01,
		}
		out := s.Size(in)
		var slack float64
		for _, d := range in.StopDistances {
			slack += in.LotStep * d * in.ValuePerUnit
		}
		assert.LessOrEqual(t, out.RealizedRisk, out.NominalRisk+slack, "nav %f", nav)
	}
}

func TestSizeClampsToMinimumLot(t *testing.T) {
	out := defaultSizer().Size(SizeInput{
		NAV:           100,
		StopDistances: [cluster.Stages]float64{9, 10, 11, 12},
		ValuePerUnit:  100,
		LotStep:       0.01,
		MinLot:        0.01,
	})
	for _, l := range out.Lots {
		assert.Equal(t, 0.01, l)
	}
}

func TestSizeFallsBackWithoutLotStep(t *testing.T) {
	out := defaultSizer().Size(SizeInput{
		NAV:           10000,
		StopDistances: [cluster.Stages]float64{9, 10, 11, 12},
		ValuePerUnit:  100,
		MinLot:        0.01,
	})
	require.True(t, out.Fallback)
	assert.Equal(t, [cluster.Stages]float64{0.01, 0.01, 0.02, 0.01}, out.Lots)
	assert.NotEmpty(t, out.Reason)
	assert.InDelta(t, 0.01*900+0.01*1000+0.02*1100+0.01*1200, out.RealizedRisk, 1e-9)
}

func TestSizeMaxLotsCap(t *testing.T) {
	s := NewSizer(SizerConfig{
		RiskPercent: 0.10,
		RiskShares:  [cluster.Stages]float64{0.2, 0.2, 0.4, 0.2},
		MaxLots:     0.05,
	})
	out := s.Size(SizeInput{
		NAV:           10000,
		StopDistances: [cluster.Stages]float64{9, 10, 11, 12},
		ValuePerUnit:  100,
		LotStep:       0.01,
		MinLot:        0.01,
	})
	for _, l := range out.Lots {
		assert.True(t, math.Abs(l-0.05) < 1e-9, "lot %f", l)
	}
}
