// Axis-skew compensation and the combined coordinate transform applied to
// incoming moves: skew first, then bed compensation; inverted in reverse.
package move

import "printcore/pkg/platform"

// SetAxisCompensation sets one skew tangent: X selects tanXY, Y selects
// tanYZ, Z selects tanXZ.
func (m *Move) SetAxisCompensation(axis int, tangent float64) {
	switch axis {
	case platform.X:
		m.tanXY = tangent
	case platform.Y:
		m.tanYZ = tangent
	case platform.Z:
		m.tanXZ = tangent
	default:
		m.logger.Errorf("axis compensation set for non-existent axis %d", axis)
	}
}

// AxisCompensation returns one skew tangent.
func (m *Move) AxisCompensation(axis int) float64 {
	switch axis {
	case platform.X:
		return m.tanXY
	case platform.Y:
		return m.tanYZ
	case platform.Z:
		return m.tanXZ
	default:
		m.logger.Errorf("axis compensation requested for non-existent axis %d", axis)
		return 0.0
	}
}

// AxisTransform applies the skew. Runs before the bed transform.
func (m *Move) AxisTransform(xyz *[platform.Axes]float64) {
	xyz[platform.X] += m.tanXY*xyz[platform.Y] + m.tanXZ*xyz[platform.Z]
	xyz[platform.Y] += m.tanYZ * xyz[platform.Z]
}

// InverseAxisTransform removes the skew. Runs after the inverse bed
// transform; Y must be recovered before X uses it.
func (m *Move) InverseAxisTransform(xyz *[platform.Axes]float64) {
	xyz[platform.Y] -= m.tanYZ * xyz[platform.Z]
	xyz[platform.X] -= m.tanXY*xyz[platform.Y] + m.tanXZ*xyz[platform.Z]
}

// Transform applies skew then bed compensation to a move tuple's axes.
func (m *Move) Transform(coords *[platform.Drives + 1]float64) {
	var xyz [platform.Axes]float64
	copy(xyz[:], coords[:platform.Axes])
	m.TransformPoint(&xyz)
	copy(coords[:platform.Axes], xyz[:])
}

// TransformPoint applies skew then bed compensation to one point.
func (m *Move) TransformPoint(xyz *[platform.Axes]float64) {
	m.AxisTransform(xyz)
	m.bed.BedTransform(xyz)
}

// InverseTransformPoint removes bed compensation then skew.
func (m *Move) InverseTransformPoint(xyz *[platform.Axes]float64) {
	m.bed.InverseBedTransform(xyz)
	m.InverseAxisTransform(xyz)
}
