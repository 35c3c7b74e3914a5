// Delta (parallel-arm) geometry: forward/inverse transforms and the
// parameter derivatives used by auto-calibration.
package kinematics

import (
	"fmt"
	"math"

	"printcore/pkg/platform"
)

// Default delta geometry used before a machine definition is loaded.
const (
	DefaultPrintRadius      = 50.0
	DefaultDeltaHomedHeight = 200.0
)

// DeltaParameters holds the tower geometry of a linear delta machine and
// the cached coefficients of its inverse transform. The cached values are
// consistent with (towerX, towerY, diagonal) at all times: every mutator
// calls Recalc.
type DeltaParameters struct {
	Diagonal    float64
	Radius      float64
	PrintRadius float64
	HomedHeight float64

	TowerX             [platform.Axes]float64
	TowerY             [platform.Axes]float64
	EndstopAdjustments [platform.Axes]float64

	homedCarriageHeight float64
	deltaMode           bool
	isEquilateral       bool

	// Inverse-transform coefficients, derived from the tower positions.
	xbc, xca, xab          float64
	ybc, yca, yab          float64
	coreFa, coreFb, coreFc float64
	q, q2, d2              float64
}

// NewDeltaParameters returns an initialized, non-delta parameter set.
func NewDeltaParameters() *DeltaParameters {
	return &DeltaParameters{
		PrintRadius:   DefaultPrintRadius,
		HomedHeight:   DefaultDeltaHomedHeight,
		isEquilateral: true,
	}
}

// DeltaMode reports whether the geometry describes a usable delta machine.
func (dp *DeltaParameters) DeltaMode() bool {
	return dp.deltaMode
}

// IsEquilateral reports whether the towers still form a regular triangle.
func (dp *DeltaParameters) IsEquilateral() bool {
	return dp.isEquilateral
}

// HomedCarriageHeight returns the carriage height of a tower when homed,
// including that tower's endstop adjustment.
func (dp *DeltaParameters) HomedCarriageHeight(axis int) float64 {
	return dp.homedCarriageHeight + dp.EndstopAdjustments[axis]
}

// SetRadius places the towers at a regular triangle of the given radius
// and recomputes the cached coefficients.
func (dp *DeltaParameters) SetRadius(r float64) {
	dp.Radius = r
	dp.isEquilateral = true

	cos30 := math.Sqrt(3.0) / 2.0
	sin30 := 0.5

	dp.TowerX[platform.A] = -(r * cos30)
	dp.TowerX[platform.B] = r * cos30
	dp.TowerX[platform.C] = 0.0

	dp.TowerY[platform.A] = -(r * sin30)
	dp.TowerY[platform.B] = -(r * sin30)
	dp.TowerY[platform.C] = r

	dp.Recalc()
}

// SetDiagonal sets the diagonal rod length and recomputes.
func (dp *DeltaParameters) SetDiagonal(d float64) {
	dp.Diagonal = d
	dp.Recalc()
}

// SetHomedHeight sets the homed height and recomputes the carriage height.
func (dp *DeltaParameters) SetHomedHeight(h float64) {
	dp.homedCarriageHeight += h - dp.HomedHeight
	dp.HomedHeight = h
}

// SetEndstopAdjustment sets one tower's endstop adjustment. Callers are
// expected to normalise afterwards.
func (dp *DeltaParameters) SetEndstopAdjustment(axis int, v float64) {
	dp.EndstopAdjustments[axis] = v
}

// Recalc rebuilds the cached inverse-transform coefficients and the homed
// carriage height from the current tower positions and diagonal.
func (dp *DeltaParameters) Recalc() {
	dp.deltaMode = dp.Radius > 0.0 && dp.Diagonal > dp.Radius
	if !dp.deltaMode {
		return
	}

	dp.xbc = dp.TowerX[platform.C] - dp.TowerX[platform.B]
	dp.xca = dp.TowerX[platform.A] - dp.TowerX[platform.C]
	dp.xab = dp.TowerX[platform.B] - dp.TowerX[platform.A]
	dp.ybc = dp.TowerY[platform.C] - dp.TowerY[platform.B]
	dp.yca = dp.TowerY[platform.A] - dp.TowerY[platform.C]
	dp.yab = dp.TowerY[platform.B] - dp.TowerY[platform.A]
	dp.coreFa = fsquare(dp.TowerX[platform.A]) + fsquare(dp.TowerY[platform.A])
	dp.coreFb = fsquare(dp.TowerX[platform.B]) + fsquare(dp.TowerY[platform.B])
	dp.coreFc = fsquare(dp.TowerX[platform.C]) + fsquare(dp.TowerY[platform.C])
	dp.q = 2 * (dp.xca*dp.yab - dp.xab*dp.yca)
	dp.q2 = fsquare(dp.q)
	dp.d2 = fsquare(dp.Diagonal)

	// Calculate the base carriage height when the machine is homed. Any
	// sensible trial height works; the diagonal is convenient.
	tempHeight := dp.Diagonal
	pos, _ := dp.InverseTransform(
		tempHeight+dp.EndstopAdjustments[platform.A],
		tempHeight+dp.EndstopAdjustments[platform.B],
		tempHeight+dp.EndstopAdjustments[platform.C])
	dp.homedCarriageHeight = dp.HomedHeight + tempHeight - pos[platform.Z]
}

// NormaliseEndstopAdjustments makes the average of the endstop adjustments
// zero without changing the individual homed carriage heights.
func (dp *DeltaParameters) NormaliseEndstopAdjustments() {
	eav := (dp.EndstopAdjustments[platform.A] + dp.EndstopAdjustments[platform.B] + dp.EndstopAdjustments[platform.C]) / 3.0
	dp.EndstopAdjustments[platform.A] -= eav
	dp.EndstopAdjustments[platform.B] -= eav
	dp.EndstopAdjustments[platform.C] -= eav
	dp.HomedHeight += eav
	dp.homedCarriageHeight += eav // no need for a full recalc, this is sufficient
}

// Transform returns the carriage height along one tower for a Cartesian
// machine position.
func (dp *DeltaParameters) Transform(machinePos [platform.Axes]float64, axis int) float64 {
	return machinePos[platform.Z] +
		math.Sqrt(dp.d2-fsquare(machinePos[platform.X]-dp.TowerX[axis])-fsquare(machinePos[platform.Y]-dp.TowerY[axis]))
}

// InverseTransform converts carriage heights (Ha, Hb, Hc) to a machine
// position. The returned flag is false when the quadratic discriminant is
// negative, i.e. the heights do not describe a reachable position; the
// position is then computed with the discriminant clamped to zero.
func (dp *DeltaParameters) InverseTransform(ha, hb, hc float64) ([platform.Axes]float64, bool) {
	fa := dp.coreFa + fsquare(ha)
	fb := dp.coreFb + fsquare(hb)
	fc := dp.coreFc + fsquare(hc)

	// Set up P, Q, R, S, U such that x = (Uz - S)/Q, y = (P - Rz)/Q.
	p := (dp.xbc * fa) + (dp.xca * fb) + (dp.xab * fc)
	s := (dp.ybc * fa) + (dp.yca * fb) + (dp.yab * fc)
	r := 2 * ((dp.xbc * ha) + (dp.xca * hb) + (dp.xab * hc))
	u := 2 * ((dp.ybc * ha) + (dp.yca * hb) + (dp.yab * hc))

	a := fsquare(u) + fsquare(r) + dp.q2
	minusHalfB := s*u + p*r + ha*dp.q2 + dp.TowerX[platform.A]*u*dp.q - dp.TowerY[platform.A]*r*dp.q
	c := fsquare(s+dp.TowerX[platform.A]*dp.q) + fsquare(p-dp.TowerY[platform.A]*dp.q) + (fsquare(ha)-dp.d2)*dp.q2

	disc := fsquare(minusHalfB) - a*c
	ok := disc >= 0
	if !ok {
		disc = 0
	}

	var pos [platform.Axes]float64
	z := (minusHalfB - math.Sqrt(disc)) / a
	pos[platform.X] = (u*z - s) / dp.q
	pos[platform.Y] = (p - r*z) / dp.q
	pos[platform.Z] = z
	return pos, ok
}

// Calibration factor indices accepted by ComputeDerivative and applied by
// AdjustFour / AdjustSeven:
//
//	0, 1, 2  A, B, C tower endstop adjustments
//	3, 4     A, B tower X positions
//	5        C tower Y position (moved so the centroid Y is preserved)
//	6        diagonal rod length
const (
	FactorEndstopA = iota
	FactorEndstopB
	FactorEndstopC
	FactorTowerXA
	FactorTowerXB
	FactorTowerYC
	FactorDiagonal
	NumFactors
)

// ComputeDerivative returns d(height error)/d(parameter) at the given
// carriage heights, by symmetric finite difference with a 0.2mm step.
// For the endstop factors the perturbation is applied to the carriage
// height itself rather than to a geometric parameter.
func (dp *DeltaParameters) ComputeDerivative(deriv int, ha, hb, hc float64) float64 {
	const perturb = 0.2 // perturbation amount in mm
	hiParams := *dp
	loParams := *dp
	switch deriv {
	case FactorEndstopA, FactorEndstopB, FactorEndstopC:
		// handled via the carriage heights below

	case FactorTowerXA, FactorTowerXB:
		hiParams.TowerX[deriv-FactorTowerXA] += perturb
		loParams.TowerX[deriv-FactorTowerXA] -= perturb

	case FactorTowerYC:
		yAdj := perturb * (1.0 / 3.0)
		hiParams.TowerY[platform.A] -= yAdj
		hiParams.TowerY[platform.B] -= yAdj
		hiParams.TowerY[platform.C] += perturb - yAdj
		loParams.TowerY[platform.A] += yAdj
		loParams.TowerY[platform.B] += yAdj
		loParams.TowerY[platform.C] -= perturb - yAdj

	case FactorDiagonal:
		hiParams.Diagonal += perturb
		loParams.Diagonal -= perturb
	}

	hiParams.Recalc()
	loParams.Recalc()

	heights := func(delta float64) (float64, float64, float64) {
		switch deriv {
		case FactorEndstopA:
			return ha + delta, hb, hc
		case FactorEndstopB:
			return ha, hb + delta, hc
		case FactorEndstopC:
			return ha, hb, hc + delta
		}
		return ha, hb, hc
	}

	hiHa, hiHb, hiHc := heights(perturb)
	loHa, loHb, loHc := heights(-perturb)
	hiPos, _ := hiParams.InverseTransform(hiHa, hiHb, hiHc)
	loPos, _ := loParams.InverseTransform(loHa, loHb, loHc)

	return (hiPos[platform.Z] - loPos[platform.Z]) / (2 * perturb)
}

// AdjustFour applies a 4-factor calibration increment: the three endstop
// adjustments and the delta radius. The geometry stays equilateral.
func (dp *DeltaParameters) AdjustFour(v [4]float64) {
	dp.EndstopAdjustments[platform.A] += v[0]
	dp.EndstopAdjustments[platform.B] += v[1]
	dp.EndstopAdjustments[platform.C] += v[2]
	dp.NormaliseEndstopAdjustments()
	dp.SetRadius(dp.Radius + v[3]) // recalculates tower positions and coefficients
}

// AdjustSeven applies a 7-factor calibration increment: the three endstop
// adjustments, the A and B tower X positions, the C tower Y position and
// the diagonal rod length. The geometry is no longer equilateral.
func (dp *DeltaParameters) AdjustSeven(v [7]float64) {
	oldCarriageHeightA := dp.HomedCarriageHeight(platform.A) // save for later

	dp.EndstopAdjustments[platform.A] += v[0]
	dp.EndstopAdjustments[platform.B] += v[1]
	dp.EndstopAdjustments[platform.C] += v[2]
	dp.NormaliseEndstopAdjustments()

	dp.TowerX[platform.A] += v[3]
	dp.TowerX[platform.B] += v[4]

	yAdj := v[5] * (1.0 / 3.0)
	dp.TowerY[platform.A] -= yAdj
	dp.TowerY[platform.B] -= yAdj
	dp.TowerY[platform.C] += v[5] - yAdj
	dp.Diagonal += v[6]
	dp.isEquilateral = false

	dp.Recalc()

	// Moving the towers and changing the diagonal shifts the homed carriage
	// height. Compensate so the net change at tower A matches the endstop
	// correction that was requested.
	heightError := dp.HomedCarriageHeight(platform.A) - oldCarriageHeightA - v[0]
	dp.HomedHeight -= heightError
	dp.homedCarriageHeight -= heightError
}

// PrintParameters renders the geometry report line. The condensed radius
// form is used for equilateral geometries unless full is set.
func (dp *DeltaParameters) PrintParameters(full bool) string {
	s := fmt.Sprintf("Endstops X%.2f Y%.2f Z%.2f, height %.2f, diagonal %.2f, ",
		dp.EndstopAdjustments[platform.A], dp.EndstopAdjustments[platform.B], dp.EndstopAdjustments[platform.C],
		dp.HomedHeight, dp.Diagonal)
	if dp.isEquilateral && !full {
		return s + fmt.Sprintf("radius %.2f", dp.Radius)
	}
	return s + fmt.Sprintf("towers (%.2f,%.2f) (%.2f,%.2f) (%.2f,%.2f)",
		dp.TowerX[platform.A], dp.TowerY[platform.A],
		dp.TowerX[platform.B], dp.TowerY[platform.B],
		dp.TowerX[platform.C], dp.TowerY[platform.C])
}

func fsquare(v float64) float64 {
	return v * v
}
