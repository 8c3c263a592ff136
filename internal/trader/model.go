package trader

import (
	"errors"
	"fmt"
	"math"
)

// Model maps feature rows to target rows.
type Model interface {
	Fit(x, y [][]float64, epochs int) error
	Predict(x [][]float64) ([][]float64, error)
}

// Pipe is a fitted column transformation.
type Pipe interface {
	Fit(rows [][]float64)
	Transform(rows [][]float64) [][]float64
	Inverse(rows [][]float64) [][]float64
}

var errShape = errors.New("inconsistent row shapes")

// LinearRegressor is a multi-output linear model trained by batch gradient descent.
type LinearRegressor struct {
	Weights      [][]float64 `json:"weights"` // [output][input]
	Bias         []float64   `json:"bias"`
	LearningRate float64     `json:"learning_rate"`
}

// NewLinearRegressor returns an untrained regressor.
func NewLinearRegressor(learningRate float64) *LinearRegressor {
	if learningRate <= 0 {
		learningRate = 0.05
	}
	return &LinearRegressor{LearningRate: learningRate}
}

func width(rows [][]float64) (int, error) {
	if len(rows) == 0 {
		return 0, errors.New("no rows")
	}
	n := len(rows[0])
	for _, r := range rows {
		if len(r) != n {
			return 0, errShape
		}
	}
	return n, nil
}

func (m *LinearRegressor) Fit(x, y [][]float64, epochs int) error {
	if len(x) != len(y) {
		return fmt.Errorf("%w: %d feature rows, %d target rows", errShape, len(x), len(y))
	}
	in, err := width(x)
	if err != nil {
		return err
	}
	out, err := width(y)
	if err != nil {
		return err
	}
	m.Weights = make([][]float64, out)
	for o := range m.Weights {
		m.Weights[o] = make([]float64, in)
	}
	m.Bias = make([]float64, out)

	n := float64(len(x))
	gradW := make([][]float64, out)
	for o := range gradW {
		gradW[o] = make([]float64, in)
	}
	gradB := make([]float64, out)
	for epoch := 0; epoch < epochs; epoch++ {
		for o := 0; o < out; o++ {
			clear(gradW[o])
		}
		clear(gradB)
		for i, row := range x {
			for o := 0; o < out; o++ {
				e := m.predictOne(row, o) - y[i][o]
				if math.IsNaN(e) {
					continue
				}
				for j, v := range row {
					gradW[o][j] += e * v
				}
				gradB[o] += e
			}
		}
		for o := 0; o < out; o++ {
			for j := range gradW[o] {
				m.Weights[o][j] -= m.LearningRate * gradW[o][j] / n
			}
			m.Bias[o] -= m.LearningRate * gradB[o] / n
		}
	}
	return nil
}

func (m *LinearRegressor) predictOne(row []float64, o int) float64 {
	s := m.Bias[o]
	for j, v := range row {
		s += m.Weights[o][j] * v
	}
	return s
}

func (m *LinearRegressor) Predict(x [][]float64) ([][]float64, error) {
	if len(m.Weights) == 0 {
		return nil, errors.New("model is not trained")
	}
	out := make([][]float64, len(x))
	for i, row := range x {
		if len(row) != len(m.Weights[0]) {
			return nil, fmt.Errorf("%w: want %d features, got %d", errShape, len(m.Weights[0]), len(row))
		}
		out[i] = make([]float64, len(m.Weights))
		for o := range m.Weights {
			out[i][o] = m.predictOne(row, o)
		}
	}
	return out, nil
}

// StandardScaler centers columns and scales them to unit variance. NaNs are
// ignored when fitting and transformed to 0.
type StandardScaler struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

func (s *StandardScaler) Fit(rows [][]float64) {
	if len(rows) == 0 {
		return
	}
	cols := len(rows[0])
	s.Mean = make([]float64, cols)
	s.Std = make([]float64, cols)
	counts := make([]float64, cols)
	for _, r := range rows {
		for j, v := range r {
			if !math.IsNaN(v) {
				s.Mean[j] += v
				counts[j]++
			}
		}
	}
	for j := range s.Mean {
		if counts[j] > 0 {
			s.Mean[j] /= counts[j]
		}
	}
	for _, r := range rows {
		for j, v := range r {
			if !math.IsNaN(v) {
				d := v - s.Mean[j]
				s.Std[j] += d * d
			}
		}
	}
	for j := range s.Std {
		if counts[j] > 0 {
			s.Std[j] = math.Sqrt(s.Std[j] / counts[j])
		}
		if s.Std[j] == 0 {
			s.Std[j] = 1
		}
	}
}

func (s *StandardScaler) Transform(rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i, r := range rows {
		out[i] = make([]float64, len(r))
		for j, v := range r {
			if math.IsNaN(v) || j >= len(s.Mean) {
				continue
			}
			out[i][j] = (v - s.Mean[j]) / s.Std[j]
		}
	}
	return out
}

func (s *StandardScaler) Inverse(rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i, r := range rows {
		out[i] = make([]float64, len(r))
		for j, v := range r {
			if j >= len(s.Mean) {
				out[i][j] = v
				continue
			}
			out[i][j] = v*s.Std[j] + s.Mean[j]
		}
	}
	return out
}

var (
	_ Model = (*LinearRegressor)(nil)
	_ Pipe  = (*StandardScaler)(nil)
)
