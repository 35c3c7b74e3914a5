// Metrics collection for the motion core
//
// Hand-rolled counters and gauges rendered in Prometheus text format.
// Counters and gauges are lock-free atomics, so the step interrupt may
// increment a counter directly; the planner publishes the other interrupt
// statistics on its own tick.
//
// Copyright (C) 2026  Printcore Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Counter is a monotonically increasing value.
type Counter struct {
	bits uint64
}

// Inc adds one to the counter.
func (c *Counter) Inc() { c.Add(1) }

// Add accumulates a non-negative delta.
func (c *Counter) Add(delta float64) {
	if delta < 0 {
		return
	}
	for {
		old := atomic.LoadUint64(&c.bits)
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(&c.bits, old, next) {
			return
		}
	}
}

// Value returns the current count.
func (c *Counter) Value() float64 {
	return math.Float64frombits(atomic.LoadUint64(&c.bits))
}

// Gauge is a value that can go up and down.
type Gauge struct {
	bits uint64
}

// Set assigns the gauge value.
func (g *Gauge) Set(v float64) {
	atomic.StoreUint64(&g.bits, math.Float64bits(v))
}

// Value returns the current gauge value.
func (g *Gauge) Value() float64 {
	return math.Float64frombits(atomic.LoadUint64(&g.bits))
}

type metric struct {
	name    string
	help    string
	kind    string
	counter *Counter
	gauge   *Gauge
}

// Registry holds named metrics and renders them for scraping.
type Registry struct {
	mu      sync.Mutex
	metrics map[string]*metric
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]*metric)}
}

// Counter registers (or returns the existing) counter with the given name.
func (r *Registry) Counter(name, help string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.metrics[name]; ok && m.counter != nil {
		return m.counter
	}
	c := &Counter{}
	r.metrics[name] = &metric{name: name, help: help, kind: "counter", counter: c}
	return c
}

// Gauge registers (or returns the existing) gauge with the given name.
func (r *Registry) Gauge(name, help string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.metrics[name]; ok && m.gauge != nil {
		return m.gauge
	}
	g := &Gauge{}
	r.metrics[name] = &metric{name: name, help: help, kind: "gauge", gauge: g}
	return g
}

// Render produces the Prometheus text exposition of all metrics.
func (r *Registry) Render() string {
	r.mu.Lock()
	names := make([]string, 0, len(r.metrics))
	for name := range r.metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		m := r.metrics[name]
		fmt.Fprintf(&sb, "# HELP %s %s\n", m.name, m.help)
		fmt.Fprintf(&sb, "# TYPE %s %s\n", m.name, m.kind)
		var v float64
		if m.counter != nil {
			v = m.counter.Value()
		} else {
			v = m.gauge.Value()
		}
		fmt.Fprintf(&sb, "%s %g\n", m.name, v)
	}
	r.mu.Unlock()
	return sb.String()
}
