package config

import (
	"sort"
	"strconv"
	"strings"

	"printcore/pkg/errors"
)

// Section provides typed access to the options of one config section.
type Section struct {
	name    string
	options map[string]string
}

// Name returns the section name.
func (s *Section) Name() string {
	return s.name
}

// HasOption checks if an option exists in this section.
func (s *Section) HasOption(option string) bool {
	_, ok := s.options[strings.ToLower(option)]
	return ok
}

func (s *Section) optionNames() []string {
	names := make([]string, 0, len(s.options))
	for k := range s.options {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Get returns a string option value. If a fallback is provided and the
// option doesn't exist, the fallback is returned; otherwise an error.
func (s *Section) Get(option string, fallback ...string) (string, error) {
	if v, ok := s.options[strings.ToLower(option)]; ok {
		return v, nil
	}
	if len(fallback) > 0 {
		return fallback[0], nil
	}
	return "", errors.New(errors.ErrConfigOption, "option '%s' not found in section '%s'", option, s.name)
}

// GetInt returns an integer option value.
func (s *Section) GetInt(option string, fallback ...int) (int, error) {
	v, ok := s.options[strings.ToLower(option)]
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return 0, errors.New(errors.ErrConfigOption, "option '%s' not found in section '%s'", option, s.name)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrConfigType, "option '%s' in section '%s': not an integer", option, s.name)
	}
	return n, nil
}

// GetFloat returns a float64 option value.
func (s *Section) GetFloat(option string, fallback ...float64) (float64, error) {
	v, ok := s.options[strings.ToLower(option)]
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return 0, errors.New(errors.ErrConfigOption, "option '%s' not found in section '%s'", option, s.name)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrConfigType, "option '%s' in section '%s': not a number", option, s.name)
	}
	return f, nil
}

// GetBool returns a boolean option value. Accepts true/false, 1/0, yes/no.
func (s *Section) GetBool(option string, fallback ...bool) (bool, error) {
	v, ok := s.options[strings.ToLower(option)]
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return false, errors.New(errors.ErrConfigOption, "option '%s' not found in section '%s'", option, s.name)
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	}
	return false, errors.New(errors.ErrConfigType, "option '%s' in section '%s': not a boolean", option, s.name)
}

// GetFloatList returns a comma-separated list of floats.
func (s *Section) GetFloatList(option string, fallback ...[]float64) ([]float64, error) {
	v, ok := s.options[strings.ToLower(option)]
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return nil, errors.New(errors.ErrConfigOption, "option '%s' not found in section '%s'", option, s.name)
	}
	parts := strings.Split(v, ",")
	result := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrConfigType, "option '%s' in section '%s': bad list element '%s'", option, s.name, p)
		}
		result = append(result, f)
	}
	return result, nil
}

// Set stores an option value. Used by tests and by programmatic setup.
func (s *Section) Set(option, value string) {
	s.options[strings.ToLower(option)] = value
}
