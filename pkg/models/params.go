package models

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Params is a model's parameters flattened into one vector in a fixed tensor order.
type Params []float64

// NewParams returns a zero vector of length n.
func NewParams(n int) Params {
	return make(Params, n)
}

// Clone returns a deep copy.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	copy(out, p)
	return out
}

// Len returns the number of scalar parameters.
func (p Params) Len() int {
	return len(p)
}

// Sub returns p - o. Both vectors must have the same length.
func (p Params) Sub(o Params) Params {
	out := p.Clone()
	floats.Sub(out, o)
	return out
}

// Norm returns the L2 norm.
func (p Params) Norm() float64 {
	return floats.Norm(p, 2)
}

// SquaredDistance returns the squared Euclidean distance between p and o.
func (p Params) SquaredDistance(o Params) float64 {
	d := floats.Distance(p, o, 2)
	return d * d
}

// Distance returns the Euclidean distance between p and o.
func (p Params) Distance(o Params) float64 {
	return floats.Distance(p, o, 2)
}

// Cosine returns the cosine similarity of p and o, or 0 when either has zero norm.
func (p Params) Cosine(o Params) float64 {
	na, nb := p.Norm(), o.Norm()
	if na == 0 || nb == 0 {
		return 0
	}
	c := floats.Dot(p, o) / (na * nb)
	return math.Max(-1, math.Min(1, c))
}

// SameShape reports whether p and o have equal length.
func (p Params) SameShape(o Params) bool {
	return len(p) == len(o)
}
