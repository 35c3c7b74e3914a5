// Package config loads the machine configuration file.
//
// The format is ini-style: [section] headers, "key: value" or "key = value"
// options, comments introduced by '#' or ';'. Typed getters with optional
// fallbacks live on Section; missing options without a fallback are errors.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"printcore/pkg/errors"
)

// Config provides access to a parsed configuration file.
type Config struct {
	sections map[string]*Section
	order    []string // maintains section order
}

// New creates a new empty Config.
func New() *Config {
	return &Config{sections: make(map[string]*Section)}
}

// Load reads a configuration file and returns a Config.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigSection, "unable to open %s", path)
	}
	defer f.Close()

	c := New()
	var current *Section

	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' || line[0] == ';' {
			continue
		}

		if line[0] == '[' {
			end := strings.IndexByte(line, ']')
			if end < 0 {
				return nil, errors.New(errors.ErrConfigSection, "%s:%d: unterminated section header", path, lineNum)
			}
			name := strings.ToLower(strings.TrimSpace(line[1:end]))
			current = c.Section(name)
			continue
		}

		sep := strings.IndexAny(line, ":=")
		if sep < 0 {
			return nil, errors.New(errors.ErrConfigOption, "%s:%d: expected 'key: value'", path, lineNum)
		}
		if current == nil {
			return nil, errors.New(errors.ErrConfigOption, "%s:%d: option outside any section", path, lineNum)
		}
		key := strings.ToLower(strings.TrimSpace(line[:sep]))
		value := strings.TrimSpace(line[sep+1:])
		if i := strings.IndexAny(value, "#;"); i >= 0 {
			value = strings.TrimSpace(value[:i])
		}
		current.options[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigSection, "reading %s", path)
	}
	return c, nil
}

// HasSection reports whether the named section exists.
func (c *Config) HasSection(name string) bool {
	_, ok := c.sections[strings.ToLower(name)]
	return ok
}

// Section returns the named section, creating it if absent.
func (c *Config) Section(name string) *Section {
	key := strings.ToLower(name)
	if s, ok := c.sections[key]; ok {
		return s
	}
	s := &Section{name: key, options: make(map[string]string)}
	c.sections[key] = s
	c.order = append(c.order, key)
	return s
}

// SectionNames returns the section names in file order.
func (c *Config) SectionNames() []string {
	return append([]string(nil), c.order...)
}

// String renders the configuration back to ini text.
func (c *Config) String() string {
	var sb strings.Builder
	for _, name := range c.order {
		fmt.Fprintf(&sb, "[%s]\n", name)
		s := c.sections[name]
		for _, k := range s.optionNames() {
			fmt.Fprintf(&sb, "%s: %s\n", k, s.options[k])
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
