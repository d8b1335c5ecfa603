package simulator

import (
	"errors"
	"math"
)

var ErrNegativeCoefficient = errors.New("heat exchange coefficient must be >= 0")

// ModelParams drive the first-order thermal behaviour of a simulated head.
type ModelParams struct {
	Ambient     float64
	Coefficient float64 // >= 0, heat exchange with ambient per tick when idle. 0 for no drift.
	Rate        float64 // max degrees moved toward the setpoint per tick while regulating
}

func (p *ModelParams) Validate() error {
	if p.Coefficient < 0 {
		return ErrNegativeCoefficient
	}
	return nil
}

type Model struct {
	params ModelParams
}

func NewModel(params ModelParams) (*Model, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Model{params: params}, nil
}

// Step advances temp by one tick.
func (m *Model) Step(temp, setpoint float64, regulating bool) float64 {
	if !regulating {
		return temp + m.params.Coefficient*(m.params.Ambient-temp)
	}
	diff := setpoint - temp
	if math.Abs(diff) <= m.params.Rate {
		return setpoint
	}
	return temp + math.Copysign(m.params.Rate, diff)
}
