// Package kinematics maps machine XYZ coordinates to per-motor step counts
// and back, for Cartesian, CoreXY/XZ/YZ and linear delta geometries.
// Extruder drives always map independently of the geometry.
package kinematics

import (
	"math"

	"printcore/pkg/platform"
)

// Core coupling modes. Zero means plain Cartesian; delta geometry takes
// precedence over all of these when the delta parameters are usable.
const (
	CoreModeNone = 0
	CoreModeXY   = 1
	CoreModeXZ   = 2
	CoreModeYZ   = 3
)

// Kinematics dispatches coordinate transforms for the configured geometry.
type Kinematics struct {
	Delta    *DeltaParameters
	CoreMode int

	platform platform.Platform
}

// New returns a Cartesian Kinematics against the given platform.
func New(p platform.Platform) *Kinematics {
	return &Kinematics{
		Delta:    NewDeltaParameters(),
		platform: p,
	}
}

// IsDeltaMode reports whether the delta geometry is in use.
func (k *Kinematics) IsDeltaMode() bool {
	return k.Delta.DeltaMode()
}

// GeometryString names the active geometry.
func (k *Kinematics) GeometryString() string {
	switch {
	case k.IsDeltaMode():
		return "delta"
	case k.CoreMode == CoreModeXY:
		return "coreXY"
	case k.CoreMode == CoreModeXZ:
		return "coreXZ"
	case k.CoreMode == CoreModeYZ:
		return "coreYZ"
	default:
		return "cartesian"
	}
}

// MotorEndPointToMachine converts a coordinate in mm to motor steps for
// one drive, rounding to the nearest step.
func (k *Kinematics) MotorEndPointToMachine(drive int, coord float64) int32 {
	return int32(math.Round(coord * k.platform.DriveStepsPerUnit(drive)))
}

// MotorEndpointToPosition converts motor steps back to mm for one drive.
func (k *Kinematics) MotorEndpointToPosition(endpoint int32, drive int) float64 {
	return float64(endpoint) / k.platform.DriveStepsPerUnit(drive)
}

// MotorTransform converts Cartesian machine coordinates to motor step
// counts for the axis drives.
func (k *Kinematics) MotorTransform(machinePos [platform.Axes]float64, motorPos *[platform.Axes]int32) {
	if k.IsDeltaMode() {
		for axis := 0; axis < platform.Axes; axis++ {
			motorPos[axis] = k.MotorEndPointToMachine(axis, k.Delta.Transform(machinePos, axis))
		}
		return
	}

	switch k.CoreMode {
	case CoreModeXY:
		motorPos[platform.X] = k.MotorEndPointToMachine(platform.X, machinePos[platform.X]+machinePos[platform.Y])
		motorPos[platform.Y] = k.MotorEndPointToMachine(platform.Y, machinePos[platform.Y]-machinePos[platform.X])
		motorPos[platform.Z] = k.MotorEndPointToMachine(platform.Z, machinePos[platform.Z])

	case CoreModeXZ:
		motorPos[platform.X] = k.MotorEndPointToMachine(platform.X, machinePos[platform.X]+machinePos[platform.Z])
		motorPos[platform.Y] = k.MotorEndPointToMachine(platform.Y, machinePos[platform.Y])
		motorPos[platform.Z] = k.MotorEndPointToMachine(platform.Z, machinePos[platform.Z]-machinePos[platform.X])

	case CoreModeYZ:
		motorPos[platform.X] = k.MotorEndPointToMachine(platform.X, machinePos[platform.X])
		motorPos[platform.Y] = k.MotorEndPointToMachine(platform.Y, machinePos[platform.Y]+machinePos[platform.Z])
		motorPos[platform.Z] = k.MotorEndPointToMachine(platform.Z, machinePos[platform.Z]-machinePos[platform.Y])

	default:
		for axis := 0; axis < platform.Axes; axis++ {
			motorPos[axis] = k.MotorEndPointToMachine(axis, machinePos[axis])
		}
	}
}

// MachineToEndPoint converts motor step counts back to machine coordinates
// for numDrives drives. On a delta this runs the full inverse transform and
// is too slow for the step interrupt; the returned flag is false when the
// delta inverse transform was geometrically infeasible.
func (k *Kinematics) MachineToEndPoint(motorPos []int32, machinePos []float64, numDrives int) bool {
	spu := func(d int) float64 { return k.platform.DriveStepsPerUnit(d) }
	ok := true

	if k.IsDeltaMode() {
		pos, valid := k.Delta.InverseTransform(
			float64(motorPos[platform.A])/spu(platform.A),
			float64(motorPos[platform.B])/spu(platform.B),
			float64(motorPos[platform.C])/spu(platform.C))
		ok = valid
		for axis := 0; axis < platform.Axes; axis++ {
			machinePos[axis] = pos[axis]
		}
	} else {
		switch k.CoreMode {
		case CoreModeXY:
			machinePos[platform.X] = (float64(motorPos[platform.X])*spu(platform.Y) - float64(motorPos[platform.Y])*spu(platform.X)) / (2 * spu(platform.X) * spu(platform.Y))
			machinePos[platform.Y] = (float64(motorPos[platform.X])*spu(platform.Y) + float64(motorPos[platform.Y])*spu(platform.X)) / (2 * spu(platform.X) * spu(platform.Y))
			machinePos[platform.Z] = float64(motorPos[platform.Z]) / spu(platform.Z)

		case CoreModeXZ:
			machinePos[platform.X] = (float64(motorPos[platform.X])*spu(platform.Z) - float64(motorPos[platform.Z])*spu(platform.X)) / (2 * spu(platform.X) * spu(platform.Z))
			machinePos[platform.Y] = float64(motorPos[platform.Y]) / spu(platform.Y)
			machinePos[platform.Z] = (float64(motorPos[platform.X])*spu(platform.Z) + float64(motorPos[platform.Z])*spu(platform.X)) / (2 * spu(platform.X) * spu(platform.Z))

		case CoreModeYZ:
			machinePos[platform.X] = float64(motorPos[platform.X]) / spu(platform.X)
			machinePos[platform.Y] = (float64(motorPos[platform.Y])*spu(platform.Z) - float64(motorPos[platform.Z])*spu(platform.Y)) / (2 * spu(platform.Y) * spu(platform.Z))
			machinePos[platform.Z] = (float64(motorPos[platform.Y])*spu(platform.Z) + float64(motorPos[platform.Z])*spu(platform.Y)) / (2 * spu(platform.Y) * spu(platform.Z))

		default:
			for axis := 0; axis < platform.Axes; axis++ {
				machinePos[axis] = float64(motorPos[axis]) / spu(axis)
			}
		}
	}

	// Extruders map independently.
	for drive := platform.Axes; drive < numDrives; drive++ {
		machinePos[drive] = float64(motorPos[drive]) / spu(drive)
	}
	return ok
}

// EndPointToMachine converts coordinates for numDrives drives to motor
// steps, applying the geometry mapping to the axes.
func (k *Kinematics) EndPointToMachine(coords []float64, ep []int32, numDrives int) {
	var axisPos [platform.Axes]float64
	copy(axisPos[:], coords[:platform.Axes])
	var motorPos [platform.Axes]int32
	k.MotorTransform(axisPos, &motorPos)
	copy(ep[:platform.Axes], motorPos[:])
	for drive := platform.Axes; drive < numDrives; drive++ {
		ep[drive] = k.MotorEndPointToMachine(drive, coords[drive])
	}
}

// LowStopPosition returns the axis coordinate to assume when a low endstop
// triggers: the Z probe stop height for Z, the axis minimum otherwise.
func (k *Kinematics) LowStopPosition(axis int) float64 {
	if axis == platform.Z {
		return k.platform.ZProbeStopHeight()
	}
	return k.platform.AxisMinimum(axis)
}

// HighStopPosition returns the coordinate to assume when a high endstop
// triggers: the homed carriage height on a delta, the axis maximum
// otherwise.
func (k *Kinematics) HighStopPosition(axis int) float64 {
	if k.IsDeltaMode() {
		return k.Delta.HomedCarriageHeight(axis)
	}
	return k.platform.AxisMaximum(axis)
}
