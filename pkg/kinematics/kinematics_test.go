package kinematics

import (
	"math"
	"testing"

	"printcore/pkg/platform"
)

func unitSim() *platform.Sim {
	sim := platform.NewSim()
	for d := 0; d < platform.Drives; d++ {
		sim.StepsPerUnit[d] = 1.0
	}
	return sim
}

func TestCoreXYMapping(t *testing.T) {
	k := New(unitSim())
	k.CoreMode = CoreModeXY

	var motor [platform.Axes]int32
	k.MotorTransform([platform.Axes]float64{10, 5, 0}, &motor)
	if motor != [platform.Axes]int32{15, -5, 0} {
		t.Errorf("motor = %v, want [15 -5 0]", motor)
	}

	machine := make([]float64, platform.Axes)
	k.MachineToEndPoint(motor[:], machine, platform.Axes)
	if machine[0] != 10 || machine[1] != 5 || machine[2] != 0 {
		t.Errorf("machine = %v, want [10 5 0]", machine)
	}
}

func TestCoreRoundTrips(t *testing.T) {
	for _, mode := range []int{CoreModeNone, CoreModeXY, CoreModeXZ, CoreModeYZ} {
		sim := platform.NewSim() // 80 steps/mm
		k := New(sim)
		k.CoreMode = mode

		pos := [platform.Axes]float64{12.5, -3.25, 7.75}
		var motor [platform.Axes]int32
		k.MotorTransform(pos, &motor)

		machine := make([]float64, platform.Axes)
		k.MachineToEndPoint(motor[:], machine, platform.Axes)

		// Exact up to the rounding of each motor position to a step.
		tol := 1.0 / sim.StepsPerUnit[0]
		for axis := 0; axis < platform.Axes; axis++ {
			if math.Abs(machine[axis]-pos[axis]) > tol {
				t.Errorf("mode %d axis %d: %v -> %v", mode, axis, pos[axis], machine[axis])
			}
		}
	}
}

func TestDeltaMotorTransform(t *testing.T) {
	sim := unitSim()
	k := New(sim)
	k.Delta.Diagonal = 215.0
	k.Delta.SetRadius(105.0)

	if !k.IsDeltaMode() {
		t.Fatal("expected delta mode")
	}
	if k.GeometryString() != "delta" {
		t.Errorf("geometry = %q", k.GeometryString())
	}

	var motor [platform.Axes]int32
	k.MotorTransform([platform.Axes]float64{0, 0, 0}, &motor)
	// All towers equidistant from the centre: equal carriage heights.
	if motor[0] != motor[1] || motor[1] != motor[2] {
		t.Errorf("expected equal carriage steps at centre, got %v", motor)
	}

	machine := make([]float64, platform.Axes)
	k.MachineToEndPoint(motor[:], machine, platform.Axes)
	for axis := 0; axis < platform.Axes; axis++ {
		if math.Abs(machine[axis]) > 1.0 {
			t.Errorf("axis %d: %v, want ~0", axis, machine[axis])
		}
	}
}

func TestExtrudersMapIndependently(t *testing.T) {
	k := New(unitSim())
	k.CoreMode = CoreModeXY

	coords := []float64{10, 5, 0, 42.5, -3}
	ep := make([]int32, platform.Drives)
	k.EndPointToMachine(coords, ep, platform.Drives)
	if ep[3] != 43 || ep[4] != -3 {
		t.Errorf("extruder endpoints = %v %v, want 43 -3", ep[3], ep[4])
	}
}

func TestStepRounding(t *testing.T) {
	sim := platform.NewSim()
	sim.StepsPerUnit[0] = 80.0
	k := New(sim)
	if got := k.MotorEndPointToMachine(0, 1.004); got != 80 {
		t.Errorf("1.004mm at 80steps/mm = %d steps, want 80", got)
	}
	if got := k.MotorEndPointToMachine(0, -1.004); got != -80 {
		t.Errorf("-1.004mm = %d steps, want -80", got)
	}
}

func TestGeometryString(t *testing.T) {
	k := New(unitSim())
	cases := map[int]string{
		CoreModeNone: "cartesian",
		CoreModeXY:   "coreXY",
		CoreModeXZ:   "coreXZ",
		CoreModeYZ:   "coreYZ",
	}
	for mode, want := range cases {
		k.CoreMode = mode
		if got := k.GeometryString(); got != want {
			t.Errorf("mode %d: %q, want %q", mode, got, want)
		}
	}
}

func TestStopPositions(t *testing.T) {
	sim := platform.NewSim()
	sim.ProbeHeight = 0.55
	k := New(sim)

	if got := k.LowStopPosition(platform.Z); got != 0.55 {
		t.Errorf("Z low stop = %v, want probe height", got)
	}
	if got := k.LowStopPosition(platform.X); got != sim.AxisMin[platform.X] {
		t.Errorf("X low stop = %v", got)
	}
	if got := k.HighStopPosition(platform.X); got != sim.AxisMax[platform.X] {
		t.Errorf("X high stop = %v", got)
	}

	k.Delta.Diagonal = 215
	k.Delta.SetRadius(105)
	if got := k.HighStopPosition(platform.A); math.Abs(got-k.Delta.HomedCarriageHeight(platform.A)) > 1e-12 {
		t.Errorf("delta high stop = %v", got)
	}
}
