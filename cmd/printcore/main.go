// printcore is the motion-planning core of the printer firmware, run
// against a simulated platform. It loads a machine configuration, feeds a
// job file through the planner and either simulates (reporting the print
// time) or steps the moves against the virtual clock, while exposing the
// live state over the monitor server.
//
// Usage:
//
//	printcore -config printer.cfg -job part.gcode [options]
//
// Options:
//
//	-config string   Machine configuration file
//	-job string      Job file to run (required)
//	-sim             Simulate: compute the print time without stepping
//	-monitor string  Monitor server address (default ":7125", "" to disable)
//	-debug           Enable debug logging
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"printcore/pkg/config"
	"printcore/pkg/gcode"
	"printcore/pkg/kinematics"
	"printcore/pkg/log"
	"printcore/pkg/metrics"
	"printcore/pkg/monitor"
	"printcore/pkg/move"
	"printcore/pkg/platform"
	"printcore/pkg/reactor"
)

// planner tick and step interrupt periods, in seconds.
const (
	spinInterval = 0.005
	stepInterval = 0.001
)

func main() {
	configFile := flag.String("config", "", "Machine configuration file")
	jobFile := flag.String("job", "", "Job file to run (required)")
	sim := flag.Bool("sim", false, "Simulate: compute the print time without stepping")
	monitorAddr := flag.String("monitor", ":7125", "Monitor server address (empty to disable)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *jobFile == "" {
		fmt.Fprintf(os.Stderr, "Error: -job is required\n")
		flag.Usage()
		os.Exit(1)
	}

	logger := log.New("printcore")
	if *debug {
		logger.SetLevel(log.DEBUG)
	}

	cfg := config.New()
	if *configFile != "" {
		var err error
		cfg, err = config.Load(*configFile)
		if err != nil {
			logger.Errorf("config: %v", err)
			os.Exit(1)
		}
	}

	p, err := platform.SimFromConfig(cfg)
	if err != nil {
		logger.Errorf("platform: %v", err)
		os.Exit(1)
	}

	kin := kinematics.New(p)
	if err := configureGeometry(cfg, kin); err != nil {
		logger.Errorf("geometry: %v", err)
		os.Exit(1)
	}
	logger.Infof("geometry: %s", kin.GeometryString())

	jobText, err := os.ReadFile(*jobFile)
	if err != nil {
		logger.Errorf("job: %v", err)
		os.Exit(1)
	}
	reader := gcode.NewReader(string(jobText), nil, log.New("gcode"))

	reg := metrics.NewRegistry()
	mv := move.New(p, kin, reader, log.New("move"), reg)
	reader.SetPositioner(mv)
	mv.Simulate(*sim)

	if *monitorAddr != "" {
		srv := monitor.New(monitor.Config{
			Addr:    *monitorAddr,
			Source:  &statusAdapter{mv: mv, reader: reader},
			Metrics: reg,
			Logger:  log.New("monitor"),
		})
		srv.Start()
		defer srv.Stop(context.Background())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		logger.Infof("interrupted")
		cancel()
	}()

	r := reactor.New()
	r.RegisterTimer(reactor.NOW, func(eventtime float64) float64 {
		mv.Spin()
		if reader.Finished() && mv.DDARingEmpty() {
			if _, executing := mv.CurrentDdaState(); !executing {
				cancel()
				return reactor.NEVER
			}
		}
		return eventtime + spinInterval
	})
	if !*sim {
		r.RegisterTimer(reactor.NOW, func(eventtime float64) float64 {
			mv.ServiceInterrupt()
			return eventtime + stepInterval
		})
	}

	start := time.Now()
	r.Run(ctx)

	mv.Diagnostics()
	if *sim {
		logger.Infof("simulated print time: %.1fs", mv.SimulationTime())
	} else {
		live := make([]float64, platform.Drives)
		mv.LiveCoordinates(live)
		logger.Infof("finished in %.1fs at X%.2f Y%.2f Z%.2f",
			time.Since(start).Seconds(), live[platform.X], live[platform.Y], live[platform.Z])
	}
}

// configureGeometry applies the [printer] section to the kinematics.
func configureGeometry(cfg *config.Config, kin *kinematics.Kinematics) error {
	if !cfg.HasSection("printer") {
		return nil
	}
	sec := cfg.Section("printer")
	mode, err := sec.Get("kinematics", "cartesian")
	if err != nil {
		return err
	}
	switch mode {
	case "cartesian":
	case "corexy":
		kin.CoreMode = kinematics.CoreModeXY
	case "corexz":
		kin.CoreMode = kinematics.CoreModeXZ
	case "coreyz":
		kin.CoreMode = kinematics.CoreModeYZ
	case "delta":
		dp := kin.Delta
		if dp.Diagonal, err = sec.GetFloat("arm_length"); err != nil {
			return err
		}
		radius, err := sec.GetFloat("delta_radius")
		if err != nil {
			return err
		}
		if dp.PrintRadius, err = sec.GetFloat("print_radius", kinematics.DefaultPrintRadius); err != nil {
			return err
		}
		if dp.HomedHeight, err = sec.GetFloat("homed_height", kinematics.DefaultDeltaHomedHeight); err != nil {
			return err
		}
		if adj, err := sec.GetFloatList("endstop_adjustments", []float64{0, 0, 0}); err == nil && len(adj) == platform.Axes {
			for axis, v := range adj {
				dp.SetEndstopAdjustment(axis, v)
			}
		}
		dp.SetRadius(radius)
		dp.NormaliseEndstopAdjustments()
	default:
		return fmt.Errorf("unknown kinematics %q", mode)
	}
	return nil
}

// statusAdapter exposes the planner state to the monitor server.
type statusAdapter struct {
	mv     *move.Move
	reader *gcode.Reader
}

func (a *statusAdapter) Status() map[string]interface{} {
	live := make([]float64, platform.Drives)
	a.mv.LiveCoordinates(live)
	status := map[string]interface{}{
		"geometry": a.mv.Kinematics().GeometryString(),
		"position": live[:platform.Axes],
		"paused":   a.reader.IsPaused(),
		"finished": a.reader.Finished(),
	}
	if a.mv.Kinematics().IsDeltaMode() {
		status["delta"] = a.mv.Kinematics().Delta.PrintParameters(false)
	}
	if t := a.mv.SimulationTime(); t > 0 {
		status["simulation_time"] = t
	}
	return status
}
