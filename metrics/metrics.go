// Package metrics wraps prometheus registration, giving every component a
// small Averager/Counter/Gauge surface instead of touching prometheus
// client types directly.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the registration root passed into every component.
type Metrics struct {
	Registry prometheus.Registerer
}

// New creates a Metrics root over the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{Registry: reg}
}

// Register registers a prometheus collector.
func (m *Metrics) Register(c prometheus.Collector) error {
	return m.Registry.Register(c)
}

// NewCounter returns a Counter registered under the root registerer. With
// no registerer configured (tests, embedded runs) the counter still counts
// locally.
func (m *Metrics) NewCounter(name, help string) Counter {
	if m == nil || m.Registry == nil {
		return &counter{}
	}
	c, err := NewCounter(name, help, m.Registry)
	if err != nil {
		return &counter{}
	}
	return c
}

// NewGauge is the Gauge counterpart of NewCounter.
func (m *Metrics) NewGauge(name, help string) Gauge {
	if m == nil || m.Registry == nil {
		return &gauge{}
	}
	g, err := NewGauge(name, help, m.Registry)
	if err != nil {
		return &gauge{}
	}
	return g
}

// NewAverager is the Averager counterpart of NewCounter.
func (m *Metrics) NewAverager(name, help string) Averager {
	if m == nil || m.Registry == nil {
		return &averager{}
	}
	a, err := NewAverager(name, help, m.Registry)
	if err != nil {
		return &averager{}
	}
	return a
}

// Errs accumulates metric-registration errors so a batch of related
// registrations can be checked once.
type Errs struct {
	mu   sync.RWMutex
	errs []error
}

func (e *Errs) Add(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs = append(e.errs, err)
}

func (e *Errs) Errored() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.errs) > 0
}

func (e *Errs) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.errs) == 0 {
		return nil
	}
	return e.errs[0]
}

// Averager tracks a running average.
type Averager interface {
	Observe(value float64)
	Read() float64
}

// averager accumulates locally so Read works without scraping, and mirrors
// every observation into a count/sum instrument pair when one is wired.
type averager struct {
	mu      sync.RWMutex
	total   float64
	samples float64

	observed prometheus.Counter
	summed   prometheus.Gauge
}

// NewAverager returns a prometheus-backed Averager under name/help.
func NewAverager(name, help string, reg prometheus.Registerer) (Averager, error) {
	a := &averager{
		observed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: name + "_count",
			Help: "observations of " + help,
		}),
		summed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: name + "_sum",
			Help: "sum of " + help,
		}),
	}
	for _, collector := range []prometheus.Collector{a.observed, a.summed} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// NewAveragerWithErrs records any registration failure in errs and returns
// a local-only Averager instead of propagating, so startup wiring can
// register many metrics and check once.
func NewAveragerWithErrs(name, help string, reg prometheus.Registerer, errs *Errs) Averager {
	a, err := NewAverager(name, help, reg)
	if err != nil {
		errs.Add(err)
		return &averager{}
	}
	return a
}

func (a *averager) Observe(v float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total += v
	a.samples++
	if a.observed != nil {
		a.observed.Inc()
		a.summed.Add(v)
	}
}

func (a *averager) Read() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.samples == 0 {
		return 0
	}
	return a.total / a.samples
}

// Counter tracks a monotonically increasing count.
type Counter interface {
	Inc()
	Add(delta int64)
	Read() int64
}

type counter struct {
	mu   sync.RWMutex
	n    int64
	prom prometheus.Counter
}

// NewCounter returns a prometheus-backed Counter.
func NewCounter(name, help string, reg prometheus.Registerer) (Counter, error) {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	return &counter{prom: c}, nil
}

func (c *counter) Inc() { c.Add(1) }

func (c *counter) Add(delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n += delta
	if c.prom != nil && delta > 0 {
		c.prom.Add(float64(delta))
	}
}

func (c *counter) Read() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.n
}

// Gauge tracks an instantaneous value.
type Gauge interface {
	Set(v float64)
	Inc()
	Dec()
	Read() float64
}

type gauge struct {
	mu   sync.RWMutex
	v    float64
	prom prometheus.Gauge
}

// NewGauge returns a prometheus-backed Gauge.
func NewGauge(name, help string, reg prometheus.Registerer) (Gauge, error) {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	if err := reg.Register(g); err != nil {
		return nil, err
	}
	return &gauge{prom: g}, nil
}

func (g *gauge) Set(v float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.v = v
	if g.prom != nil {
		g.prom.Set(v)
	}
}

func (g *gauge) Inc() { g.add(1) }
func (g *gauge) Dec() { g.add(-1) }

func (g *gauge) add(delta float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.v += delta
	if g.prom != nil {
		g.prom.Add(delta)
	}
}

func (g *gauge) Read() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.v
}
