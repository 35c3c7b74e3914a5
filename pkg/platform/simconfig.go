package platform

import "printcore/pkg/config"

var driveSections = [Drives]string{"stepper_x", "stepper_y", "stepper_z", "extruder", "extruder1"}

// SimFromConfig builds a Sim from [stepper_*] and [extruder*] sections.
// Missing sections or options keep the NewSim defaults.
func SimFromConfig(cfg *config.Config) (*Sim, error) {
	s := NewSim()
	for d, name := range driveSections {
		if !cfg.HasSection(name) {
			continue
		}
		sec := cfg.Section(name)
		var err error
		if s.StepsPerUnit[d], err = sec.GetFloat("steps_per_mm", s.StepsPerUnit[d]); err != nil {
			return nil, err
		}
		if s.HomeFeed[d], err = sec.GetFloat("homing_speed", s.HomeFeed[d]); err != nil {
			return nil, err
		}
		if s.MaxFeed[d], err = sec.GetFloat("max_velocity", s.MaxFeed[d]); err != nil {
			return nil, err
		}
		if s.Accel[d], err = sec.GetFloat("max_accel", s.Accel[d]); err != nil {
			return nil, err
		}
		if s.InstDv[d], err = sec.GetFloat("instant_dv", s.InstDv[d]); err != nil {
			return nil, err
		}
		if d < Axes {
			if s.AxisMin[d], err = sec.GetFloat("position_min", s.AxisMin[d]); err != nil {
				return nil, err
			}
			if s.AxisMax[d], err = sec.GetFloat("position_max", s.AxisMax[d]); err != nil {
				return nil, err
			}
		}
	}
	if cfg.HasSection("probe") {
		var err error
		if s.ProbeHeight, err = cfg.Section("probe").GetFloat("stop_height", s.ProbeHeight); err != nil {
			return nil, err
		}
	}
	return s, nil
}
