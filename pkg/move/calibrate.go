// Delta auto-calibration: least-squares fit of the probed height errors
// over 4 or 7 geometry factors, applied to the delta parameters and to the
// queued motor end points.
package move

import (
	"fmt"

	"printcore/pkg/errors"
	"printcore/pkg/kinematics"
	"printcore/pkg/maths"
	"printcore/pkg/platform"
)

// FinishedBedProbing acts on the recorded probe points. A negative sParam
// reports the probed heights; otherwise the point count requested (or all
// recorded points for zero) feeds delta calibration on a delta and the bed
// equation fit elsewhere.
func (m *Move) FinishedBedProbing(sParam int) (string, error) {
	numPoints := m.bed.NumberOfProbePoints()

	if sParam < 0 {
		reply := "Bed probe heights:"
		for i := 0; i < numPoints; i++ {
			reply += fmt.Sprintf(" %.2f", m.bed.ZBedProbePoint(i))
		}
		return reply, nil
	}

	if numPoints < sParam {
		return "", errors.New(errors.ErrCalibrationPoints,
			"bed calibration error: %d points requested but only %d provided", sParam, numPoints)
	}

	if sParam == 0 {
		sParam = numPoints
	}

	if m.kin.IsDeltaMode() {
		return m.DoDeltaCalibration(sParam)
	}
	return m.bed.SetProbedBedEquation(sParam)
}

// DoDeltaCalibration adjusts the three endstop corrections and either the
// delta radius (4 factors) or the tower positions and diagonal rod length
// (7 factors), from numPoints probed heights.
func (m *Move) DoDeltaCalibration(numPoints int) (string, error) {
	if numPoints < 4 || numPoints > MaxDeltaCalibrationPoints {
		return "", errors.New(errors.ErrCalibrationPoints,
			"delta calibration error: %d probe points provided but must be between 4 and %d",
			numPoints, MaxDeltaCalibrationPoints)
	}

	deltaParams := m.kin.Delta
	numFactors := 4
	if numPoints >= 7 {
		numFactors = 7
	}

	// Derivatives of the height error with respect to each factor, at
	// every probed point.
	derivativeMatrix := maths.NewMatrix(numPoints, kinematics.NumFactors)
	for i := 0; i < numPoints; i++ {
		machinePos := [platform.Axes]float64{m.bed.XBedProbePoint(i), m.bed.YBedProbePoint(i), 0.0}
		ha := deltaParams.Transform(machinePos, platform.A)
		hb := deltaParams.Transform(machinePos, platform.B)
		hc := deltaParams.Transform(machinePos, platform.C)
		for j := 0; j < numFactors; j++ {
			derivativeMatrix.Set(i, j, deltaParams.ComputeDerivative(j, ha, hb, hc))
		}
	}

	// Normal equations for the least-squares fit.
	normalMatrix := maths.NewMatrix(kinematics.NumFactors, kinematics.NumFactors+1)
	for i := 0; i < numFactors; i++ {
		for j := 0; j < numFactors; j++ {
			temp := 0.0
			for k := 0; k < numPoints; k++ {
				temp += derivativeMatrix.At(k, i) * derivativeMatrix.At(k, j)
			}
			normalMatrix.Set(i, j, temp)
		}
		temp := 0.0
		for k := 0; k < numPoints; k++ {
			temp += derivativeMatrix.At(k, i) * -m.bed.ZBedProbePoint(k)
		}
		normalMatrix.Set(i, numFactors, temp)
	}

	solution := make([]float64, kinematics.NumFactors)
	if err := normalMatrix.GaussJordan(solution, numFactors); err != nil {
		return "", err
	}

	m.AdjustDeltaParameters(solution, numFactors == 7)
	return deltaParams.PrintParameters(true), nil
}

// AdjustDeltaParameters applies a calibration increment and corrects the
// queued motor end points for the change in homed carriage heights, so
// moves already in the ring land where they were aimed.
func (m *Move) AdjustDeltaParameters(v []float64, allSeven bool) {
	deltaParams := m.kin.Delta

	var homedCarriageHeights [platform.Axes]float64
	for axis := 0; axis < platform.Axes; axis++ {
		homedCarriageHeights[axis] = deltaParams.HomedCarriageHeight(axis)
	}

	if allSeven {
		deltaParams.AdjustSeven([7]float64{v[0], v[1], v[2], v[3], v[4], v[5], v[6]})
	} else {
		deltaParams.AdjustFour([4]float64{v[0], v[1], v[2], v[3]})
	}

	lastQueuedMove := m.addPointer.Prev()
	endCoordinates := lastQueuedMove.DriveCoordinates()

	m.stepMu.Lock()
	for axis := 0; axis < platform.Axes; axis++ {
		heightAdjust := deltaParams.HomedCarriageHeight(axis) - homedCarriageHeights[axis]
		ep := endCoordinates[axis] + int32(heightAdjust*m.platform.DriveStepsPerUnit(axis))
		lastQueuedMove.SetDriveCoordinate(ep, axis)
		m.liveEndPoints[axis] = ep
	}
	m.liveCoordinatesValid = false // force the live XYZ position to be recalculated
	m.stepMu.Unlock()
}
