package ramp

import "math"

// Plan yields the intermediate set-points of a throttled ramp, one step at a
// time. The final target is not part of the sequence; together with it the
// ramp issues ceil(|target-start|/size) set-points.
type Plan struct {
	start, target, size float64
	k                   int
}

func NewPlan(start, target, size float64) *Plan {
	return &Plan{start: start, target: target, size: size}
}

// Next returns the next intermediate set-point and false once only the final
// target remains.
func (p *Plan) Next() (float64, bool) {
	if p.size <= 0 {
		return p.target, false
	}
	p.k++
	dist := math.Abs(p.target - p.start)
	if float64(p.k) >= dist/p.size {
		return p.target, false
	}
	return p.start + math.Copysign(float64(p.k)*p.size, p.target-p.start), true
}

// Steps returns the full sequence, final target included.
func (p Plan) Steps() []float64 {
	p.k = 0
	var out []float64
	for {
		v, ok := p.Next()
		out = append(out, v)
		if !ok {
			return out
		}
	}
}
