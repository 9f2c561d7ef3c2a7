package cluster

import "github.com/shopspring/decimal"

// RoundPrice rounds p to the instrument's quoted digits.
func RoundPrice(p float64, digits int) float64 {
	if digits < 0 {
		return p
	}
	return decimal.NewFromFloat(p).Round(int32(digits)).InexactFloat64()
}

// RoundToStep rounds v to the nearest multiple of step, half away from zero.
func RoundToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	s := decimal.NewFromFloat(step)
	return decimal.NewFromFloat(v).Div(s).Round(0).Mul(s).InexactFloat64()
}

// FloorToStep rounds v down to a multiple of step.
func FloorToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	s := decimal.NewFromFloat(step)
	return decimal.NewFromFloat(v).Div(s).Floor().Mul(s).InexactFloat64()
}

// Offset moves price by distance in the favourable direction for dir, or
// against it when distance is negative.
func Offset(dir Direction, price, distance float64) float64 {
	return decimal.NewFromFloat(price).Add(decimal.NewFromFloat(dir.Sign() * distance)).InexactFloat64()
}
