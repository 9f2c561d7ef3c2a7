package risk

import (
	"fmt"
	"math"

	"github.com/GoPolymarket/cluster-trader/internal/cluster"
)

// SizerConfig is the cluster-wide risk budget and per-stage allocation.
type SizerConfig struct {
	RiskPercent float64
	RiskShares  [cluster.Stages]float64
	DefaultLots [cluster.Stages]float64
	// MaxLots caps each stage when > 0.
	MaxLots float64
}

// SizeInput carries the per-cluster venue facts.
type SizeInput struct {
	NAV           float64
	StopDistances [cluster.Stages]float64
	ValuePerUnit  float64
	LotStep       float64
	MinLot        float64
}

// Sizing is the per-stage lot allocation chosen for one cluster.
type Sizing struct {
	Lots         [cluster.Stages]float64 `json:"lots"`
	NominalRisk  float64                 `json:"nominal_risk"`
	RealizedRisk float64                 `json:"realized_risk"`
	Fallback     bool                    `json:"fallback"`
	Reason       string                  `json:"reason,omitempty"`
}

// Sizer turns a NAV and per-stage stop distances into lots.
type Sizer struct {
	cfg SizerConfig
}

// NewSizer returns a Sizer for cfg.
func NewSizer(cfg SizerConfig) *Sizer {
	return &Sizer{cfg: cfg}
}

// Size splits NAV*RiskPercent across the four stages and converts each
// share into lots for its stop distance. Missing lot step or minimum lot
// selects the configured default lots instead of failing.
func (s *Sizer) Size(in SizeInput) Sizing {
	nominal := in.NAV * s.cfg.RiskPercent
	if reason := s.unusable(in); reason != "" {
		out := Sizing{Lots: s.cfg.DefaultLots, NominalRisk: nominal, Fallback: true, Reason: reason}
		out.RealizedRisk = realized(out.Lots, in)
		return out
	}

	var out Sizing
	out.NominalRisk = nominal
	for i := range out.Lots {
		allocated := nominal * s.cfg.RiskShares[i]
		raw := allocated / (in.StopDistances[i] * in.ValuePerUnit)
		lots := cluster.RoundToStep(raw, in.LotStep)
		if lots < in.MinLot {
			lots = in.MinLot
		}
		if s.cfg.MaxLots > 0 && lots > s.cfg.MaxLots {
			lots = cluster.FloorToStep(s.cfg.MaxLots, in.LotStep)
		}
		out.Lots[i] = lots
	}
	out.RealizedRisk = realized(out.Lots, in)
	return out
}

func (s *Sizer) unusable(in SizeInput) string {
	switch {
	case in.LotStep <= 0 || math.IsNaN(in.LotStep):
		return "lot step unavailable"
	case in.MinLot <= 0 || math.IsNaN(in.MinLot):
		return "minimum lot unavailable"
	case in.ValuePerUnit <= 0:
		return "value per unit unavailable"
	case in.NAV <= 0:
		return fmt.Sprintf("nav %.2f unusable", in.NAV)
	}
	for i, d := range in.StopDistances {
		if d <= 0 {
			return fmt.Sprintf("stage %d stop distance %.5f unusable", i+1, d)
		}
	}
	return ""
}

func realized(lots [cluster.Stages]float64, in SizeInput) float64 {
	var total float64
	for i, l := range lots {
		total += l * in.StopDistances[i] * in.ValuePerUnit
	}
	return total
}

// Share returns the configured risk share of the stage at index i.
func (s *Sizer) Share(i int) float64 {
	if i < 0 || i >= cluster.Stages {
		return 0
	}
	return s.cfg.RiskShares[i]
}
