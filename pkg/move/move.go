// Move ring and planner: a bounded circular queue of move descriptors fed
// by the front-end, prepared by look-ahead on the planner tick and drained
// by the step interrupt.
package move

import (
	"sync"

	"printcore/pkg/kinematics"
	"printcore/pkg/log"
	"printcore/pkg/metrics"
	"printcore/pkg/platform"
)

// DdaRingLength is the number of descriptors in the ring.
const DdaRingLength = 20

// DefaultIdleTimeout is the idle-hold delay in seconds.
const DefaultIdleTimeout = 30.0

// NoFilePosition marks "no move skipped" in the pause reply.
const NoFilePosition int64 = -1

// Look-ahead admission bounds, in seconds of queued motion.
const (
	maxUnpreparedTime = 0.5
	maxQueuedTime     = 2.0
)

// prepareHorizonClocks is how far ahead of the interrupt moves are frozen:
// an eighth of a second in step clocks.
const prepareHorizonClocks = platform.StepClockRate / 8

// IdleState drives the motor idle-hold timing.
type IdleState int

const (
	// IdleStateIdle means drives are in idle hold.
	IdleStateIdle IdleState = iota
	// IdleStateBusy means a move ran recently.
	IdleStateBusy
	// IdleStateTiming means the idle timeout is counting down.
	IdleStateTiming
)

// MoveSource is the front-end the planner polls for moves. moveType 0
// applies all transforms, 1 skips bed compensation (and motor mapping on a
// delta), 2 is pure motor space.
type MoveSource interface {
	// ReadMove offers the next move tuple: target coordinates for every
	// drive plus the feed rate in mm/s at index Drives. It must not block.
	ReadMove(coords *[platform.Drives + 1]float64) (endStopsToCheck uint32, moveType int, filePos int64, ok bool)

	// IsPaused reports whether a pause is in progress.
	IsPaused() bool

	// SetAxisIsHomed notifies that an axis has been homed by an endstop.
	SetAxisIsHomed(axis int)
}

// Move owns the descriptor ring and the planner state.
type Move struct {
	platform platform.Platform
	kin      *kinematics.Kinematics
	bed      *BedCompensation
	source   MoveSource
	logger   *log.Logger

	ring       [DdaRingLength]DDA
	addPointer *DDA
	getPointer *DDA

	// stepMu stands in for interrupt masking: currentDda, the live
	// position and every frozen-or-later descriptor transition are only
	// touched with it held.
	stepMu     sync.Mutex
	currentDda *DDA

	liveCoordinates      [platform.Drives]float64
	liveEndPoints        [platform.Drives]int32
	liveCoordinatesValid bool

	active          bool
	addNoMoreMoves  bool
	idleCount       int
	iState          IdleState
	lastMoveTime    float64
	idleTimeout     float64
	currentFeedrate float64

	// Axis-skew tangents.
	tanXY, tanYZ, tanXZ float64

	simulating     bool
	simulationTime float64

	maxReps        uint32
	movesCompleted *metrics.Counter
	pauseCount     *metrics.Counter
	stepErrorCount *metrics.Counter
	ringDepth      *metrics.Gauge
}

// New builds the ring and resets the planner.
func New(p platform.Platform, k *kinematics.Kinematics, source MoveSource, logger *log.Logger, reg *metrics.Registry) *Move {
	m := &Move{
		platform: p,
		kin:      k,
		source:   source,
		logger:   logger,
	}
	for i := range m.ring {
		m.ring[i].next = &m.ring[(i+1)%DdaRingLength]
		m.ring[i].prev = &m.ring[(i+DdaRingLength-1)%DdaRingLength]
	}
	m.movesCompleted = reg.Counter("move_completed_total", "Moves completed by the step interrupt")
	m.pauseCount = reg.Counter("move_pause_total", "Pause requests honoured")
	m.stepErrorCount = reg.Counter("move_step_errors_total", "Step anomalies recorded by the interrupt")
	m.ringDepth = reg.Gauge("move_ring_depth", "Occupied descriptors in the ring")
	m.Init()
	return m
}

// Init resets the ring, the transforms and the live position to the origin.
func (m *Move) Init() {
	m.active = false
	m.getPointer = &m.ring[0]
	m.addPointer = &m.ring[0]
	for i := range m.ring {
		m.ring[i].Release()
	}
	m.currentDda = nil
	m.addNoMoreMoves = false

	m.bed = NewBedCompensation(m.platform, m.logger)
	m.tanXY, m.tanYZ, m.tanXZ = 0, 0, 0

	// Put the origin in the slot before the first move so motor
	// coordinates start out right even on a delta.
	var origin [platform.Drives]float64
	m.SetLiveCoordinates(origin[:])
	m.SetPositions(origin[:])

	m.currentFeedrate = m.platform.HomeFeedRate(m.platform.SlowestDrive())
	m.idleTimeout = DefaultIdleTimeout
	m.iState = IdleStateIdle
	m.idleCount = 0
	m.simulating = false
	m.simulationTime = 0
	m.active = true
}

// Exit stops the planner from accepting or dispatching work.
func (m *Move) Exit() {
	m.logger.Infof("move task exited")
	m.active = false
}

// Kinematics returns the geometry dispatcher.
func (m *Move) Kinematics() *kinematics.Kinematics { return m.kin }

// BedCompensation returns the probe table and fitted correction.
func (m *Move) BedCompensation() *BedCompensation { return m.bed }

// SetIdleTimeout changes the idle-hold delay in seconds.
func (m *Move) SetIdleTimeout(seconds float64) { m.idleTimeout = seconds }

// IdleStatus returns the idle-hold state.
func (m *Move) IdleStatus() IdleState { return m.iState }

// DDARingEmpty reports whether no descriptors are queued.
func (m *Move) DDARingEmpty() bool { return m.getPointer == m.addPointer }

// Spin is the planner tick: accept a move if timing admits one, dispatch
// or simulate, keep the preparation horizon full and drive idle-hold.
func (m *Move) Spin() {
	if !m.active {
		return
	}

	if m.idleCount < 1000 {
		m.idleCount++
	}

	// See if we can add another move to the ring.
	if !m.addNoMoreMoves && m.addPointer.State() == DDAEmpty {
		if n := m.addPointer.StepErrors(); n > 0 {
			m.stepErrorCount.Add(float64(n))
			m.addPointer.stepErrors = 0
		}

		// React quickly to speed and extrusion changes: only accept more
		// moves while the un-frozen queue is short.
		unPreparedTime := 0.0
		prevMoveTime := 0.0
		for dda := m.addPointer.Prev(); dda.State() == DDAProvisional; dda = dda.Prev() {
			unPreparedTime += prevMoveTime
			prevMoveTime = dda.CalcTime()
		}

		if unPreparedTime < maxUnpreparedTime || unPreparedTime+prevMoveTime < maxQueuedTime {
			var nextMove [platform.Drives + 1]float64
			if endStops, moveType, filePos, ok := m.source.ReadMove(&nextMove); ok {
				m.currentFeedrate = nextMove[platform.Drives] // might be a feed-rate-only change

				doMotorMapping := moveType == 0 || (moveType == 1 && !m.kin.IsDeltaMode())
				if moveType == 0 {
					m.Transform(&nextMove)
				}
				if m.addPointer.Init(nextMove, endStops, doMotorMapping, filePos, m.kin, m.platform) {
					prev := m.addPointer.Prev()
					if prev.State() == DDAProvisional {
						prev.SetJunctionSpeed(prev.JunctionSpeedTo(m.addPointer, m.platform))
					}
					m.addPointer = m.addPointer.Next()
					m.idleCount = 0
				}
			}
		}
	}

	if m.simulating {
		if m.idleCount > 10 && !m.DDARingEmpty() {
			// Nothing new arrived this tick, so consume a queued move by
			// advancing the virtual clock instead of stepping motors.
			dda := m.getPointer
			dda.Prepare()
			m.simulationTime += dda.CalcTime()
			m.liveCoordinatesValid = dda.FetchEndPosition(m.liveEndPoints[:], m.liveCoordinates[:])
			dda.Release()
			m.getPointer = m.getPointer.Next()
		}
	} else {
		m.stepMu.Lock()
		cdda := m.currentDda
		if cdda == nil {
			// No move executing; kick one off, or run the idle-hold clock.
			if m.idleCount > 10 { // a few queued moves give look-ahead a chance
				dda := m.getPointer
				if dda.State() == DDAProvisional {
					dda.Prepare()
				}
				if dda.State() == DDAFrozen {
					now := m.platform.GetInterruptClocks()
					if m.startNextMoveLocked(now) {
						m.interruptLocked(now)
					}
					m.iState = IdleStateBusy
				} else if m.iState == IdleStateBusy && !m.source.IsPaused() && m.idleTimeout > 0 {
					m.lastMoveTime = m.platform.Time()
					m.iState = IdleStateTiming
				} else if m.iState == IdleStateTiming && m.platform.Time()-m.lastMoveTime >= m.idleTimeout {
					for drive := 0; drive < platform.Drives; drive++ {
						m.platform.SetDriveIdle(drive)
					}
					m.iState = IdleStateIdle
				}
			}
		} else {
			// Keep the preparation horizon full: freeze provisional moves
			// that will be needed within an eighth of a second.
			now := m.platform.GetInterruptClocks()
			preparedTime := int32(0)
			st := cdda.State()
			for st == DDACompleted || st == DDAExecuting || st == DDAFrozen {
				preparedTime += cdda.GetTimeLeft(now)
				cdda = cdda.Next()
				st = cdda.State()
			}
			for st == DDAProvisional && preparedTime < prepareHorizonClocks {
				cdda.Prepare()
				preparedTime += cdda.GetTimeLeft(now)
				cdda = cdda.Next()
				st = cdda.State()
			}
		}
		m.stepMu.Unlock()
	}

	m.ringDepth.Set(float64(m.ringOccupancy()))
}

func (m *Move) ringOccupancy() int {
	n := 0
	for dda := m.getPointer; dda != m.addPointer; dda = dda.Next() {
		n++
	}
	return n
}

// startNextMoveLocked promotes the oldest frozen move to executing. The
// step lock must be held.
func (m *Move) startNextMoveLocked(startTime uint32) bool {
	if m.getPointer.State() != DDAFrozen {
		return false
	}
	m.currentDda = m.getPointer
	return m.currentDda.Start(startTime, m.platform)
}

// currentMoveCompletedLocked records the end position and releases the
// finished descriptor. The step lock must be held.
func (m *Move) currentMoveCompletedLocked() {
	m.liveCoordinatesValid = m.currentDda.FetchEndPosition(m.liveEndPoints[:], m.liveCoordinates[:])
	if reps := m.currentDda.maxReps; reps > m.maxReps {
		m.maxReps = reps
	}
	m.movesCompleted.Inc()
	m.currentDda.Release()
	m.currentDda = nil
	m.getPointer = m.getPointer.Next()
}

// interruptLocked is the step interrupt body: service the executing move
// until no step is due, chaining into the next frozen move on completion.
func (m *Move) interruptLocked(now uint32) {
	for m.currentDda != nil {
		again := m.currentDda.Step(now)
		if m.currentDda != nil && m.currentDda.State() == DDACompleted {
			m.currentMoveCompletedLocked()
			if !m.startNextMoveLocked(now) {
				return
			}
			continue
		}
		if !again {
			return
		}
	}
}

// Interrupt is called by the step timer with the current step clock.
func (m *Move) Interrupt(now uint32) {
	m.stepMu.Lock()
	m.interruptLocked(now)
	m.stepMu.Unlock()
}

// ServiceInterrupt runs the interrupt at the platform's current clock.
func (m *Move) ServiceInterrupt() {
	m.Interrupt(m.platform.GetInterruptClocks())
}

// PausePrint truncates the queue at the first pause-safe point. It returns
// the file position of the first skipped move (NoFilePosition when nothing
// was skipped) and fills positions with the end coordinates and requested
// feed rate of the last move that will execute.
func (m *Move) PausePrint(positions []float64) int64 {
	savedAddPointer := m.addPointer

	m.stepMu.Lock()
	dda := m.currentDda
	if dda != nil {
		if dda.CanPause() {
			m.addPointer = dda.Next()
		} else {
			// The end speed of the executing move is too high to stop
			// after it; look for the next safe boundary.
			dda = m.getPointer
			for dda != m.addPointer {
				if dda.CanPause() {
					m.addPointer = dda.Next()
					break
				}
				dda = dda.Next()
			}
		}
	} else {
		m.addPointer = m.getPointer
	}
	m.stepMu.Unlock()

	fPos := NoFilePosition
	if m.addPointer != savedAddPointer {
		// We are skipping moves; dda is the last one that will execute.
		if dda != nil {
			for axis := 0; axis < platform.Axes; axis++ {
				positions[axis] = dda.GetEndCoordinate(axis, false, m.kin)
			}
			positions[platform.Drives] = dda.RequestedSpeed()
		} else {
			m.GetCurrentUserPosition(positions, 0)
		}

		skip := m.addPointer
		for skip != savedAddPointer {
			if fPos == NoFilePosition {
				fPos = skip.FilePosition()
			}
			skip.Release()
			skip = skip.Next()
		}
		m.pauseCount.Inc()
	} else {
		m.GetCurrentUserPosition(positions, 0)
	}
	return fPos
}

// SetPositions primes the ring with absolute positions. Refused when moves
// are queued.
func (m *Move) SetPositions(coords []float64) {
	if m.DDARingEmpty() {
		m.addPointer.Prev().SetPositions(coords, m.kin)
	} else {
		m.logger.Errorf("SetPositions called when DDA ring not empty")
	}
}

// SetFeedrate overrides the feed rate of the most recently queued move.
// Refused when moves are queued.
func (m *Move) SetFeedrate(feedRate float64) {
	if m.DDARingEmpty() {
		m.currentFeedrate = feedRate
		m.addPointer.Prev().SetFeedRate(feedRate)
	} else {
		m.logger.Errorf("SetFeedrate called when DDA ring not empty")
	}
}

// GetCurrentMachinePosition returns the untransformed machine coordinates
// of the most recently queued move, plus the current feed rate.
func (m *Move) GetCurrentMachinePosition(coords []float64, disableMotorMapping bool) {
	lastQueued := m.addPointer.Prev()
	for drive := 0; drive < platform.Drives; drive++ {
		if drive < platform.Axes {
			coords[drive] = lastQueued.GetEndCoordinate(drive, disableMotorMapping, m.kin)
		} else {
			coords[drive] = 0.0
		}
	}
	coords[platform.Drives] = m.currentFeedrate
}

// GetCurrentUserPosition returns the transformed coordinates for the given
// move type.
func (m *Move) GetCurrentUserPosition(coords []float64, moveType int) {
	m.GetCurrentMachinePosition(coords, moveType == 2 || (moveType == 1 && m.kin.IsDeltaMode()))
	if moveType == 0 {
		var xyz [platform.Axes]float64
		copy(xyz[:], coords[:platform.Axes])
		m.InverseTransformPoint(&xyz)
		copy(coords[:platform.Axes], xyz[:])
	}
}

// LiveCoordinates samples the live machine position. The snapshot is
// copied with the step lock held; a delta inverse transform runs outside
// the lock and is cached back only if the interrupt did not move on.
func (m *Move) LiveCoordinates(coords []float64) {
	m.stepMu.Lock()
	if m.liveCoordinatesValid {
		copy(coords, m.liveCoordinates[:])
		m.stepMu.Unlock()
	} else {
		// Only the extruder coordinates are valid; convert the motor end
		// points outside the locked section, it is slow on a delta.
		copy(coords[platform.Axes:platform.Drives], m.liveCoordinates[platform.Axes:])
		var tempEndPoints [platform.Axes]int32
		copy(tempEndPoints[:], m.liveEndPoints[:platform.Axes])
		m.stepMu.Unlock()

		if !m.kin.MachineToEndPoint(tempEndPoints[:], coords, platform.Axes) {
			m.logger.Errorf("live position inverse transform infeasible")
		}

		m.stepMu.Lock()
		same := true
		for axis := 0; axis < platform.Axes; axis++ {
			if tempEndPoints[axis] != m.liveEndPoints[axis] {
				same = false
				break
			}
		}
		if same {
			copy(m.liveCoordinates[:platform.Axes], coords[:platform.Axes])
			m.liveCoordinatesValid = true
		}
		m.stepMu.Unlock()
	}

	var xyz [platform.Axes]float64
	copy(xyz[:], coords[:platform.Axes])
	m.InverseTransformPoint(&xyz)
	copy(coords[:platform.Axes], xyz[:])
}

// SetLiveCoordinates overwrites the live position. The values are the
// final coordinates, so no transform is applied.
func (m *Move) SetLiveCoordinates(coords []float64) {
	m.stepMu.Lock()
	copy(m.liveCoordinates[:], coords)
	m.liveCoordinatesValid = true
	m.kin.EndPointToMachine(coords, m.liveEndPoints[:], platform.Axes)
	m.stepMu.Unlock()
}

// HitLowStop is called when a low endstop triggers during a checked move.
func (m *Move) HitLowStop(drive int, hitDDA *DDA) {
	if drive < platform.Axes && !m.kin.IsDeltaMode() {
		hitPoint := m.kin.LowStopPosition(drive)
		hitDDA.SetDriveCoordinate(m.kin.MotorEndPointToMachine(drive, hitPoint), drive)
		m.source.SetAxisIsHomed(drive)
	}
}

// HitHighStop is called when a high endstop triggers during a checked move.
func (m *Move) HitHighStop(drive int, hitDDA *DDA) {
	if drive < platform.Axes {
		position := m.kin.HighStopPosition(drive)
		hitDDA.SetDriveCoordinate(m.kin.MotorEndPointToMachine(drive, position), drive)
		m.source.SetAxisIsHomed(drive)
	}
}

// Simulate enters or leaves simulation mode.
func (m *Move) Simulate(sim bool) {
	m.simulating = sim
	if sim {
		m.simulationTime = 0
	}
}

// SimulationTime returns the accumulated virtual print time in seconds.
func (m *Move) SimulationTime() float64 { return m.simulationTime }

// Diagnostics logs and resets the interrupt statistics.
func (m *Move) Diagnostics() {
	m.logger.WithFields(log.INFO, "move diagnostics", log.Fields{
		"max_reps":   m.maxReps,
		"ring_depth": m.ringOccupancy(),
		"geometry":   m.kin.GeometryString(),
	})
	m.maxReps = 0
}

// CurrentDdaState samples the executing descriptor's state for reporting.
func (m *Move) CurrentDdaState() (DDAState, bool) {
	m.stepMu.Lock()
	defer m.stepMu.Unlock()
	if m.currentDda == nil {
		return DDAEmpty, false
	}
	return m.currentDda.State(), true
}
