// Move descriptor: one queued move with a trapezoidal velocity profile and
// per-drive step counts, stepped by the interrupt in the step-clock domain.
package move

import (
	"math"

	"printcore/pkg/kinematics"
	"printcore/pkg/platform"
)

// DDAState is the lifecycle state of a move descriptor.
type DDAState int

const (
	// DDAEmpty means the slot is free.
	DDAEmpty DDAState = iota
	// DDAProvisional means the move is queued but its profile may still
	// be reshaped by look-ahead.
	DDAProvisional
	// DDAFrozen means Prepare has fixed the profile; no further shaping.
	DDAFrozen
	// DDAExecuting means the step interrupt owns the descriptor.
	DDAExecuting
	// DDACompleted means the last step was taken but the completion hook
	// has not yet read the end position.
	DDACompleted
)

// maxStepReps bounds the number of steps issued per interrupt invocation;
// a backlog beyond this returns true so the caller loops.
const maxStepReps = 16

// DDA is a single move descriptor. The backing ring array owns all
// descriptors; next/prev wire the ring once at construction.
type DDA struct {
	state DDAState
	next  *DDA
	prev  *DDA

	endPoint            [platform.Drives]int32
	endCoordinates      [platform.Drives]float64
	endCoordinatesValid bool

	directionVector [platform.Drives]float64
	deltas          [platform.Drives]int32
	totalDistance   float64

	requestedSpeed float64
	startSpeed     float64
	topSpeed       float64
	endSpeed       float64
	acceleration   float64
	pauseThreshold float64

	accelDistance  float64
	steadyDistance float64
	decelDistance  float64
	accelTime      float64
	steadyTime     float64
	decelTime      float64
	clocksNeeded   uint32
	startTime      uint32

	endStopsToCheck uint32
	filePos         int64
	canPauseAfter   bool

	dominantDrive int
	dominantSteps uint32
	stepsTaken    [platform.Drives]uint32
	bresenham     [platform.Drives]int32

	stepErrors uint32
	maxReps    uint32
}

// State returns the lifecycle state.
func (dda *DDA) State() DDAState { return dda.state }

// Next returns the following descriptor in the ring.
func (dda *DDA) Next() *DDA { return dda.next }

// Prev returns the preceding descriptor in the ring.
func (dda *DDA) Prev() *DDA { return dda.prev }

// FilePosition returns the job-file position the move came from.
func (dda *DDA) FilePosition() int64 { return dda.filePos }

// RequestedSpeed returns the feed rate the move asked for, in mm/s.
func (dda *DDA) RequestedSpeed() float64 { return dda.requestedSpeed }

// EndSpeed returns the exit speed of the profile, in mm/s.
func (dda *DDA) EndSpeed() float64 { return dda.endSpeed }

// StepErrors returns the count of step anomalies recorded by the interrupt.
func (dda *DDA) StepErrors() uint32 { return dda.stepErrors }

// EndStopsToCheck returns the endstop-check mask the move carries.
func (dda *DDA) EndStopsToCheck() uint32 { return dda.endStopsToCheck }

// Init fills the descriptor from a move tuple. coords[0:Drives] are target
// coordinates (mm, or per-drive values when motor mapping is disabled) and
// coords[Drives] is the requested feed rate in mm/s. It returns false and
// leaves the slot empty when the move is a no-op after mapping.
func (dda *DDA) Init(coords [platform.Drives + 1]float64, endStopsToCheck uint32, doMotorMapping bool, filePos int64,
	k *kinematics.Kinematics, p platform.Platform) bool {

	prev := dda.prev

	if doMotorMapping {
		k.EndPointToMachine(coords[:platform.Drives], dda.endPoint[:], platform.Drives)
	} else {
		for drive := 0; drive < platform.Drives; drive++ {
			dda.endPoint[drive] = k.MotorEndPointToMachine(drive, coords[drive])
		}
	}

	realMove := false
	for drive := 0; drive < platform.Drives; drive++ {
		dda.deltas[drive] = dda.endPoint[drive] - prev.endPoint[drive]
		if dda.deltas[drive] != 0 {
			realMove = true
		}
	}
	if !realMove {
		return false
	}

	// Machine-space move vector. Axis distances come from the Cartesian
	// coordinates so delta/core coupling does not distort the profile.
	var distances [platform.Drives]float64
	axisDist2 := 0.0
	for axis := 0; axis < platform.Axes; axis++ {
		distances[axis] = coords[axis] - prev.endCoordinates[axis]
		axisDist2 += distances[axis] * distances[axis]
	}
	extruderDist := 0.0
	for drive := platform.Axes; drive < platform.Drives; drive++ {
		distances[drive] = coords[drive] - prev.endCoordinates[drive]
		if d := math.Abs(distances[drive]); d > extruderDist {
			extruderDist = d
		}
	}

	if axisDist2 > 0 {
		dda.totalDistance = math.Sqrt(axisDist2)
	} else {
		dda.totalDistance = extruderDist
	}
	if dda.totalDistance <= 0 {
		// Motor-space only motion (e.g. individual motor moves): derive the
		// distance from the dominant motor.
		maxSteps := int32(0)
		for drive := 0; drive < platform.Drives; drive++ {
			if s := abs32(dda.deltas[drive]); s > maxSteps {
				maxSteps = s
				dda.totalDistance = float64(s) / p.DriveStepsPerUnit(drive)
				distances[drive] = float64(dda.deltas[drive]) / p.DriveStepsPerUnit(drive)
			}
		}
	}

	// Requested speed, limited per participating drive; acceleration and
	// the pause threshold are the tightest participating limits.
	dda.requestedSpeed = coords[platform.Drives]
	dda.acceleration = math.MaxFloat64
	dda.pauseThreshold = math.MaxFloat64
	for drive := 0; drive < platform.Drives; drive++ {
		dda.directionVector[drive] = distances[drive] / dda.totalDistance
		frac := math.Abs(dda.directionVector[drive])
		if frac < 1e-9 {
			continue
		}
		if limit := p.MaxFeedRate(drive) / frac; limit < dda.requestedSpeed {
			dda.requestedSpeed = limit
		}
		if limit := p.Acceleration(drive) / frac; limit < dda.acceleration {
			dda.acceleration = limit
		}
		if dv := p.InstantDv(drive) / frac; dv < dda.pauseThreshold {
			dda.pauseThreshold = dv
		}
	}
	if dda.requestedSpeed <= 0 {
		dda.requestedSpeed = 1.0
	}

	for drive := 0; drive < platform.Drives; drive++ {
		dda.endCoordinates[drive] = coords[drive]
	}
	dda.endCoordinatesValid = doMotorMapping || !k.IsDeltaMode()

	dda.startSpeed = 0
	dda.endSpeed = 0
	dda.canPauseAfter = true
	dda.endStopsToCheck = endStopsToCheck
	dda.filePos = filePos
	dda.stepErrors = 0
	dda.maxReps = 0
	for drive := range dda.stepsTaken {
		dda.stepsTaken[drive] = 0
		dda.bresenham[drive] = 0
	}

	dda.dominantDrive = 0
	maxSteps := int32(0)
	for drive := 0; drive < platform.Drives; drive++ {
		if s := abs32(dda.deltas[drive]); s > maxSteps {
			maxSteps = s
			dda.dominantDrive = drive
		}
	}
	dda.dominantSteps = uint32(maxSteps)

	dda.state = DDAProvisional
	return true
}

// SetJunctionSpeed raises the exit speed during look-ahead. Only valid on
// a provisional descriptor; the pause-safety flag tracks the new speed.
func (dda *DDA) SetJunctionSpeed(speed float64) {
	if dda.state != DDAProvisional {
		return
	}
	if speed > dda.requestedSpeed {
		speed = dda.requestedSpeed
	}
	dda.endSpeed = speed
	dda.canPauseAfter = speed <= dda.pauseThreshold
}

// JunctionSpeedTo returns the highest speed at which travel may pass from
// this move into next without any drive exceeding its instantaneous speed
// change allowance.
func (dda *DDA) JunctionSpeedTo(next *DDA, p platform.Platform) float64 {
	speed := math.Min(dda.requestedSpeed, next.requestedSpeed)
	for drive := 0; drive < platform.Drives; drive++ {
		change := math.Abs(next.directionVector[drive] - dda.directionVector[drive])
		if change < 1e-9 {
			continue
		}
		if limit := p.InstantDv(drive) / change; limit < speed {
			speed = limit
		}
	}
	return speed
}

// Prepare fixes the trapezoidal profile and freezes the descriptor. The
// entry speed is read from the immediate predecessor's exit speed.
// Idempotent: a frozen descriptor is not reshaped.
func (dda *DDA) Prepare() {
	if dda.state != DDAProvisional {
		return
	}

	if dda.prev.state != DDAEmpty {
		dda.startSpeed = dda.prev.endSpeed
	}

	a := dda.acceleration
	d := dda.totalDistance

	// The exit speed must be reachable from the entry speed.
	if maxEnd := math.Sqrt(dda.startSpeed*dda.startSpeed + 2*a*d); dda.endSpeed > maxEnd {
		dda.endSpeed = maxEnd
		dda.canPauseAfter = dda.endSpeed <= dda.pauseThreshold
	}

	top := math.Sqrt((2*a*d + dda.startSpeed*dda.startSpeed + dda.endSpeed*dda.endSpeed) / 2)
	if top > dda.requestedSpeed {
		top = dda.requestedSpeed
	}
	if top < dda.endSpeed {
		top = dda.endSpeed
	}
	dda.topSpeed = top

	dda.accelDistance = (top*top - dda.startSpeed*dda.startSpeed) / (2 * a)
	dda.decelDistance = (top*top - dda.endSpeed*dda.endSpeed) / (2 * a)
	dda.steadyDistance = d - dda.accelDistance - dda.decelDistance
	if dda.steadyDistance < 0 {
		dda.steadyDistance = 0
	}

	dda.accelTime = (top - dda.startSpeed) / a
	dda.decelTime = (top - dda.endSpeed) / a
	if top > 0 {
		dda.steadyTime = dda.steadyDistance / top
	} else {
		dda.steadyTime = 0
	}
	dda.clocksNeeded = uint32((dda.accelTime + dda.steadyTime + dda.decelTime) * platform.StepClockRate)
	if dda.clocksNeeded == 0 {
		dda.clocksNeeded = 1
	}

	dda.state = DDAFrozen
}

// CalcTime estimates the move duration in seconds. Frozen and later states
// report the prepared time; provisional moves estimate from the requested
// speed.
func (dda *DDA) CalcTime() float64 {
	if dda.state == DDAFrozen || dda.state == DDAExecuting || dda.state == DDACompleted {
		return float64(dda.clocksNeeded) / platform.StepClockRate
	}
	if dda.requestedSpeed > 0 {
		return dda.totalDistance / dda.requestedSpeed
	}
	return 0
}

// GetTimeLeft returns the remaining execution time in step clocks.
func (dda *DDA) GetTimeLeft(now uint32) int32 {
	switch dda.state {
	case DDAFrozen:
		return int32(dda.clocksNeeded)
	case DDAExecuting:
		elapsed := now - dda.startTime
		if elapsed >= dda.clocksNeeded {
			return 0
		}
		return int32(dda.clocksNeeded - elapsed)
	default:
		return 0
	}
}

// Start begins executing a frozen move at the given step clock. Drive
// directions are set here, before any step is issued. It returns true when
// the first step is due immediately.
func (dda *DDA) Start(clock uint32, p platform.Platform) bool {
	dda.startTime = clock
	dda.state = DDAExecuting
	for drive := 0; drive < platform.Drives; drive++ {
		if dda.deltas[drive] > 0 {
			p.SetDirection(drive, platform.Forwards)
		} else if dda.deltas[drive] < 0 {
			p.SetDirection(drive, platform.Backwards)
		}
	}
	return dda.dominantSteps > 0
}

// distanceAt returns the distance travelled along the move at t seconds.
func (dda *DDA) distanceAt(t float64) float64 {
	switch {
	case t <= 0:
		return 0
	case t < dda.accelTime:
		return dda.startSpeed*t + 0.5*dda.acceleration*t*t
	case t < dda.accelTime+dda.steadyTime:
		return dda.accelDistance + dda.topSpeed*(t-dda.accelTime)
	default:
		td := t - dda.accelTime - dda.steadyTime
		if td > dda.decelTime {
			td = dda.decelTime
		}
		return dda.accelDistance + dda.steadyDistance + dda.topSpeed*td - 0.5*dda.acceleration*td*td
	}
}

// Step runs under the step lock. It issues the steps due by the given
// clock and returns true when more steps are already due, so the caller
// loops. It never allocates and never calls the platform.
func (dda *DDA) Step(now uint32) bool {
	if dda.state != DDAExecuting {
		dda.stepErrors++
		return false
	}

	elapsed := now - dda.startTime
	if elapsed >= dda.clocksNeeded {
		// Final step of the move: snap every drive to its target.
		for drive := 0; drive < platform.Drives; drive++ {
			dda.stepsTaken[drive] = uint32(abs32(dda.deltas[drive]))
		}
		dda.state = DDACompleted
		return false
	}

	t := float64(elapsed) / platform.StepClockRate
	fraction := dda.distanceAt(t) / dda.totalDistance
	if fraction > 1 {
		fraction = 1
	}
	target := uint32(fraction * float64(dda.dominantSteps))

	reps := uint32(0)
	for dda.stepsTaken[dda.dominantDrive] < target && reps < maxStepReps {
		dda.stepsTaken[dda.dominantDrive]++
		reps++
		// Bresenham distribution of the subordinate drives against the
		// dominant axis.
		for drive := 0; drive < platform.Drives; drive++ {
			if drive == dda.dominantDrive || dda.deltas[drive] == 0 {
				continue
			}
			dda.bresenham[drive] += abs32(dda.deltas[drive])
			if uint32(dda.bresenham[drive]) >= dda.dominantSteps {
				dda.bresenham[drive] -= int32(dda.dominantSteps)
				dda.stepsTaken[drive]++
			}
		}
	}
	if reps > dda.maxReps {
		dda.maxReps = reps
	}
	return dda.stepsTaken[dda.dominantDrive] < target
}

// CanPause reports whether the machine can stop after this move without
// skipping steps.
func (dda *DDA) CanPause() bool { return dda.canPauseAfter }

// FetchEndPosition copies the motor end points into motor and, when the
// Cartesian end position was cached at queue time, the machine coordinates
// into machine. It returns whether the machine coordinates are valid;
// when false the caller must run the inverse transform outside the
// interrupt.
func (dda *DDA) FetchEndPosition(motor []int32, machine []float64) bool {
	copy(motor, dda.endPoint[:])
	if dda.endCoordinatesValid {
		copy(machine, dda.endCoordinates[:])
	}
	return dda.endCoordinatesValid
}

// GetEndCoordinate returns the target coordinate of one axis. With
// disableMotorMapping the raw motor position is reported instead of the
// cached Cartesian coordinate.
func (dda *DDA) GetEndCoordinate(axis int, disableMotorMapping bool, k *kinematics.Kinematics) float64 {
	if disableMotorMapping || !dda.endCoordinatesValid {
		return k.MotorEndpointToPosition(dda.endPoint[axis], axis)
	}
	return dda.endCoordinates[axis]
}

// DriveCoordinates exposes the motor end points for calibration fix-up.
func (dda *DDA) DriveCoordinates() *[platform.Drives]int32 { return &dda.endPoint }

// SetDriveCoordinate overwrites one drive's motor end point (endstop hits,
// calibration fix-up).
func (dda *DDA) SetDriveCoordinate(ep int32, drive int) {
	dda.endPoint[drive] = ep
	dda.endCoordinatesValid = false
}

// SetPositions primes the descriptor as the "previous move" holding the
// current machine position. Used only on an empty ring.
func (dda *DDA) SetPositions(coords []float64, k *kinematics.Kinematics) {
	k.EndPointToMachine(coords, dda.endPoint[:], platform.Drives)
	copy(dda.endCoordinates[:], coords)
	dda.endCoordinatesValid = true
}

// SetFeedRate overrides the requested speed of a queued move.
func (dda *DDA) SetFeedRate(f float64) { dda.requestedSpeed = f }

// Release returns the descriptor to the empty state.
func (dda *DDA) Release() { dda.state = DDAEmpty }

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
