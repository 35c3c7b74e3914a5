// Package maths holds the small fixed-capacity linear algebra used by
// calibration: an augmented matrix with Gauss-Jordan elimination.
package maths

import (
	"math"

	"printcore/pkg/errors"
)

// Matrix is a dense row-major matrix with a fixed backing array. Rows and
// Cols describe the active window; the backing slice is allocated once.
type Matrix struct {
	Rows, Cols int
	a          []float64
}

// NewMatrix allocates a rows x cols matrix of zeros.
func NewMatrix(rows, cols int) *Matrix {
	return &Matrix{Rows: rows, Cols: cols, a: make([]float64, rows*cols)}
}

// At returns the element at (i, j).
func (m *Matrix) At(i, j int) float64 {
	return m.a[i*m.Cols+j]
}

// Set assigns the element at (i, j).
func (m *Matrix) Set(i, j int, v float64) {
	m.a[i*m.Cols+j] = v
}

// Add accumulates into the element at (i, j).
func (m *Matrix) Add(i, j int, v float64) {
	m.a[i*m.Cols+j] += v
}

// SwapRows exchanges rows i and j over the first n columns.
func (m *Matrix) SwapRows(i, j, n int) {
	if i == j {
		return
	}
	for k := 0; k < n; k++ {
		m.a[i*m.Cols+k], m.a[j*m.Cols+k] = m.a[j*m.Cols+k], m.a[i*m.Cols+k]
	}
}

// GaussJordan solves the augmented system held in the first numRows rows and
// numRows+1 columns of m, leaving the solution in solution[0:numRows]. It
// uses partial pivoting; a vanishing pivot reports a singular system.
func (m *Matrix) GaussJordan(solution []float64, numRows int) error {
	cols := numRows + 1
	for i := 0; i < numRows; i++ {
		// Pick the row with the largest leading value as the pivot.
		vmax := math.Abs(m.At(i, i))
		pivot := i
		for j := i + 1; j < numRows; j++ {
			if rmax := math.Abs(m.At(j, i)); rmax > vmax {
				vmax = rmax
				pivot = j
			}
		}
		if vmax < 1e-10 {
			return errors.New(errors.ErrCalibrationSingular, "singular matrix at row %d", i)
		}
		m.SwapRows(i, pivot, cols)

		v := m.At(i, i)
		for j := 0; j < numRows; j++ {
			if j == i {
				continue
			}
			factor := m.At(j, i) / v
			m.Set(j, i, 0)
			for k := i + 1; k < cols; k++ {
				m.Add(j, k, -m.At(i, k)*factor)
			}
		}
	}

	for i := 0; i < numRows; i++ {
		solution[i] = m.At(i, numRows) / m.At(i, i)
	}
	return nil
}
