// Bed-plane / ruled-surface / barycentric height compensation, fitted from
// probed points, plus the probe-point bookkeeping behind it.
package move

import (
	"fmt"

	"printcore/pkg/errors"
	"printcore/pkg/log"
	"printcore/pkg/platform"
)

// Probe table capacities.
const (
	MaxProbePoints            = 10
	MaxDeltaCalibrationPoints = 10
)

// Triangle0 is the barycentric tolerance: a point belongs to a triangle
// when all three coordinates exceed it.
const Triangle0 = -0.001

// Probe point coordinate-set mask bits.
const (
	xSet uint8 = 1 << iota
	ySet
	zSet
)

// BedCompensation holds the probe-point table and the fitted correction.
type BedCompensation struct {
	xBedProbePoints [MaxProbePoints]float64
	yBedProbePoints [MaxProbePoints]float64
	zBedProbePoints [MaxProbePoints]float64
	probePointSet   [MaxProbePoints]uint8

	// 5-point barycentric auxiliary table: the four corners expanded away
	// from the centre so the triangles cover the whole bed, plus the
	// centre itself at index 4.
	baryXBedProbePoints [5]float64
	baryYBedProbePoints [5]float64
	baryZBedProbePoints [5]float64

	// 3-point plane coefficients.
	aX, aY, aC float64

	// 4-point rectangle scale factors mapping x/y into [0, 1].
	xRectangle, yRectangle float64

	identityBedTransform bool

	logger *log.Logger
}

// NewBedCompensation returns an identity compensation with the default
// probe layout guessed from the axis maxima.
func NewBedCompensation(p platform.Platform, logger *log.Logger) *BedCompensation {
	bc := &BedCompensation{identityBedTransform: true, logger: logger}
	for point := 0; point < MaxProbePoints; point++ {
		if point < 4 {
			bc.xBedProbePoints[point] = (0.3 + 0.6*float64(point%2)) * p.AxisMaximum(platform.X)
			bc.yBedProbePoints[point] = (0.0 + 0.9*float64(point/2)) * p.AxisMaximum(platform.Y)
		}
	}
	bc.xRectangle = 1.0 / (0.8 * p.AxisMaximum(platform.X))
	bc.yRectangle = bc.xRectangle
	return bc
}

// SetIdentity discards any fitted compensation.
func (bc *BedCompensation) SetIdentity() {
	bc.identityBedTransform = true
}

// IsIdentity reports whether compensation is currently a no-op.
func (bc *BedCompensation) IsIdentity() bool { return bc.identityBedTransform }

// SetXBedProbePoint records the X coordinate of a probe point.
func (bc *BedCompensation) SetXBedProbePoint(index int, x float64) {
	if index < 0 || index >= MaxProbePoints {
		bc.logger.Errorf("probe point X index %d out of range", index)
		return
	}
	bc.xBedProbePoints[index] = x
	bc.probePointSet[index] |= xSet
}

// SetYBedProbePoint records the Y coordinate of a probe point.
func (bc *BedCompensation) SetYBedProbePoint(index int, y float64) {
	if index < 0 || index >= MaxProbePoints {
		bc.logger.Errorf("probe point Y index %d out of range", index)
		return
	}
	bc.yBedProbePoints[index] = y
	bc.probePointSet[index] |= ySet
}

// SetZBedProbePoint records the probed height of a probe point.
func (bc *BedCompensation) SetZBedProbePoint(index int, z float64) {
	if index < 0 || index >= MaxProbePoints {
		bc.logger.Errorf("probe point Z index %d out of range", index)
		return
	}
	bc.zBedProbePoints[index] = z
	bc.probePointSet[index] |= zSet
}

// XBedProbePoint returns the X coordinate of a probe point.
func (bc *BedCompensation) XBedProbePoint(index int) float64 { return bc.xBedProbePoints[index] }

// YBedProbePoint returns the Y coordinate of a probe point.
func (bc *BedCompensation) YBedProbePoint(index int) float64 { return bc.yBedProbePoints[index] }

// ZBedProbePoint returns the probed height of a probe point.
func (bc *BedCompensation) ZBedProbePoint(index int) float64 { return bc.zBedProbePoints[index] }

// AllProbeCoordinatesSet reports whether x, y and z are all recorded.
func (bc *BedCompensation) AllProbeCoordinatesSet(index int) bool {
	return bc.probePointSet[index] == xSet|ySet|zSet
}

// XYProbeCoordinatesSet reports whether x and y are recorded.
func (bc *BedCompensation) XYProbeCoordinatesSet(index int) bool {
	return bc.probePointSet[index]&xSet != 0 && bc.probePointSet[index]&ySet != 0
}

// NumberOfProbePoints counts fully-recorded points; the first incomplete
// point terminates the count.
func (bc *BedCompensation) NumberOfProbePoints() int {
	for i := 0; i < MaxProbePoints; i++ {
		if !bc.AllProbeCoordinatesSet(i) {
			return i
		}
	}
	return MaxProbePoints
}

// ClearProbePoints forgets all recorded points.
func (bc *BedCompensation) ClearProbePoints() {
	for i := range bc.probePointSet {
		bc.probePointSet[i] = 0
	}
}

// BedTransform adds the fitted correction to the Z of a machine position.
// Applied after the axis-skew transform.
func (bc *BedCompensation) BedTransform(xyz *[platform.Axes]float64) {
	if bc.identityBedTransform {
		return
	}
	switch bc.NumberOfProbePoints() {
	case 0:
	case 3:
		xyz[platform.Z] += bc.aX*xyz[platform.X] + bc.aY*xyz[platform.Y] + bc.aC
	case 4:
		xyz[platform.Z] += bc.secondDegreeTransformZ(xyz[platform.X], xyz[platform.Y])
	case 5:
		xyz[platform.Z] += bc.triangleZ(xyz[platform.X], xyz[platform.Y])
	default:
		bc.logger.Errorf("bed transform: wrong number of sample points")
	}
}

// InverseBedTransform subtracts the fitted correction. Applied before the
// inverse axis-skew transform.
func (bc *BedCompensation) InverseBedTransform(xyz *[platform.Axes]float64) {
	if bc.identityBedTransform {
		return
	}
	switch bc.NumberOfProbePoints() {
	case 0:
	case 3:
		xyz[platform.Z] -= bc.aX*xyz[platform.X] + bc.aY*xyz[platform.Y] + bc.aC
	case 4:
		xyz[platform.Z] -= bc.secondDegreeTransformZ(xyz[platform.X], xyz[platform.Y])
	case 5:
		xyz[platform.Z] -= bc.triangleZ(xyz[platform.X], xyz[platform.Y])
	default:
		bc.logger.Errorf("inverse bed transform: wrong number of sample points")
	}
}

// SetProbedBedEquation fits the correction for the recorded points and
// returns a report line.
func (bc *BedCompensation) SetProbedBedEquation(numPoints int) (string, error) {
	switch numPoints {
	case 3:
		// Plane through the three points, by the cross product of two
		// edge vectors.
		x10 := bc.xBedProbePoints[1] - bc.xBedProbePoints[0]
		y10 := bc.yBedProbePoints[1] - bc.yBedProbePoints[0]
		z10 := bc.zBedProbePoints[1] - bc.zBedProbePoints[0]
		x20 := bc.xBedProbePoints[2] - bc.xBedProbePoints[0]
		y20 := bc.yBedProbePoints[2] - bc.yBedProbePoints[0]
		z20 := bc.zBedProbePoints[2] - bc.zBedProbePoints[0]
		a := y10*z20 - z10*y20
		b := z10*x20 - x10*z20
		c := x10*y20 - y10*x20
		d := -(bc.xBedProbePoints[1]*a + bc.yBedProbePoints[1]*b + bc.zBedProbePoints[1]*c)
		bc.aX = -a / c
		bc.aY = -b / c
		bc.aC = -d / c
		bc.identityBedTransform = false

	case 4:
		// Ruled-surface quadratic over the axis-aligned rectangle; the
		// corner points are indexed counter-clockwise from the origin
		// corner:
		//
		//   ^  [1]      [2]
		//   |
		//   Y
		//   |
		//   |  [0]      [3]
		//      -----X---->
		bc.xRectangle = 1.0 / (bc.xBedProbePoints[3] - bc.xBedProbePoints[0])
		bc.yRectangle = 1.0 / (bc.yBedProbePoints[1] - bc.yBedProbePoints[0])
		bc.identityBedTransform = false

	case 5:
		// Expand each corner away from the centre point so the four
		// triangles fanned from the centre cover the whole bed.
		for i := 0; i < 4; i++ {
			x10 := bc.xBedProbePoints[i] - bc.xBedProbePoints[4]
			y10 := bc.yBedProbePoints[i] - bc.yBedProbePoints[4]
			z10 := bc.zBedProbePoints[i] - bc.zBedProbePoints[4]
			bc.baryXBedProbePoints[i] = bc.xBedProbePoints[4] + 2.0*x10
			bc.baryYBedProbePoints[i] = bc.yBedProbePoints[4] + 2.0*y10
			bc.baryZBedProbePoints[i] = bc.zBedProbePoints[4] + 2.0*z10
		}
		bc.baryXBedProbePoints[4] = bc.xBedProbePoints[4]
		bc.baryYBedProbePoints[4] = bc.yBedProbePoints[4]
		bc.baryZBedProbePoints[4] = bc.zBedProbePoints[4]
		bc.identityBedTransform = false

	default:
		return "", errors.New(errors.ErrCalibrationPoints,
			"bed calibration error: %d points provided but only 3, 4 and 5 supported", numPoints)
	}

	reply := "Bed equation fits points"
	for point := 0; point < bc.NumberOfProbePoints(); point++ {
		reply += fmt.Sprintf(" [%.1f, %.1f, %.3f]",
			bc.xBedProbePoints[point], bc.yBedProbePoints[point], bc.zBedProbePoints[point])
	}
	return reply, nil
}

// secondDegreeTransformZ interpolates bilinearly over the rectangle with x
// and y scaled into the unit interval.
func (bc *BedCompensation) secondDegreeTransformZ(x, y float64) float64 {
	x = (x - bc.xBedProbePoints[0]) * bc.xRectangle
	y = (y - bc.yBedProbePoints[0]) * bc.yRectangle
	return (1.0-x)*(1.0-y)*bc.zBedProbePoints[0] +
		x*(1.0-y)*bc.zBedProbePoints[3] +
		(1.0-x)*y*bc.zBedProbePoints[1] +
		x*y*bc.zBedProbePoints[2]
}

// barycentricCoordinates expresses (x, y) in the triangle (p1, p2, p3) of
// the auxiliary table.
func (bc *BedCompensation) barycentricCoordinates(p1, p2, p3 int, x, y float64) (l1, l2, l3 float64) {
	y23 := bc.baryYBedProbePoints[p2] - bc.baryYBedProbePoints[p3]
	x3 := x - bc.baryXBedProbePoints[p3]
	x32 := bc.baryXBedProbePoints[p3] - bc.baryXBedProbePoints[p2]
	y3 := y - bc.baryYBedProbePoints[p3]
	x13 := bc.baryXBedProbePoints[p1] - bc.baryXBedProbePoints[p3]
	y13 := bc.baryYBedProbePoints[p1] - bc.baryYBedProbePoints[p3]
	iDet := 1.0 / (y23*x13 + x32*y13)
	l1 = (y23*x3 + x32*y3) * iDet
	l2 = (-y13*x3 + x13*y3) * iDet
	l3 = 1.0 - l1 - l2
	return
}

// triangleZ interpolates on the four triangles fanned from the centre
// point of the expanded 5-point table.
func (bc *BedCompensation) triangleZ(x, y float64) float64 {
	for i := 0; i < 4; i++ {
		j := (i + 1) % 4
		l1, l2, l3 := bc.barycentricCoordinates(i, j, 4, x, y)
		if l1 > Triangle0 && l2 > Triangle0 && l3 > Triangle0 {
			return l1*bc.baryZBedProbePoints[i] + l2*bc.baryZBedProbePoints[j] + l3*bc.baryZBedProbePoints[4]
		}
	}
	bc.logger.Errorf("triangle interpolation: point (%.2f, %.2f) outside all triangles", x, y)
	return 0.0
}
