// Package metrics2 is a thin facade over Prometheus metrics which keys
// metrics by measurement name plus a tag set, so that callers do not
// deal with the registration machinery directly.
package metrics2

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"go.cidx.org/server/go/sklog"
)

// Counter is a monotonically increasing metric.
type Counter interface {
	Inc(i int64)
}

// Int64Metric is a metric which reports a single int64 value.
type Int64Metric interface {
	Update(v int64)
}

// Liveness reports the number of seconds since the last Reset, so that
// alerts can fire when a periodic activity stops making progress.
type Liveness interface {
	Reset()
}

var (
	mtx        sync.Mutex
	counters   = map[string]*promCounter{}
	gauges     = map[string]*promGauge{}
	livenesses = map[string]*promLiveness{}
)

type promCounter struct {
	c prometheus.Counter
}

func (p *promCounter) Inc(i int64) {
	p.c.Add(float64(i))
}

type promGauge struct {
	g prometheus.Gauge
}

func (p *promGauge) Update(v int64) {
	p.g.Set(float64(v))
}

type promLiveness struct {
	mtx  sync.Mutex
	g    prometheus.Gauge
	last time.Time
}

func (p *promLiveness) Reset() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.last = time.Now()
	p.g.Set(0)
}

func (p *promLiveness) tick() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.g.Set(time.Since(p.last).Seconds())
}

// cleanName converts a measurement name into a valid Prometheus metric
// name.
func cleanName(name string) string {
	return strings.NewReplacer("-", "_", ".", "_", "/", "_").Replace(name)
}

func key(name string, tags map[string]string) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := []string{name}
	for _, k := range keys {
		parts = append(parts, k+"="+tags[k])
	}
	return strings.Join(parts, ",")
}

// GetCounter creates or retrieves a Counter with the given name and tag
// set.
func GetCounter(name string, tags map[string]string) Counter {
	mtx.Lock()
	defer mtx.Unlock()
	k := key(name, tags)
	if c, ok := counters[k]; ok {
		return c
	}
	c := &promCounter{c: newCounter(name, tags)}
	counters[k] = c
	return c
}

func newCounter(name string, tags map[string]string) (c prometheus.Counter) {
	defer func() {
		if r := recover(); r != nil {
			sklog.Warningf("Counter registration failed for %q: %v", name, r)
			c = prometheus.NewCounter(prometheus.CounterOpts{Name: cleanName(name)})
		}
	}()
	return promauto.NewCounter(prometheus.CounterOpts{
		Name:        cleanName(name),
		ConstLabels: prometheus.Labels(tags),
	})
}

// GetInt64Metric creates or retrieves an Int64Metric with the given
// name and tag set.
func GetInt64Metric(name string, tags map[string]string) Int64Metric {
	mtx.Lock()
	defer mtx.Unlock()
	k := key(name, tags)
	if g, ok := gauges[k]; ok {
		return g
	}
	g := &promGauge{g: newGauge(name, tags)}
	gauges[k] = g
	return g
}

// NewLiveness creates or retrieves a Liveness with the given name and
// tag set. The exported metric is "<name>_liveness_s". The elapsed time
// is refreshed in the background every ten seconds.
func NewLiveness(name string, tags map[string]string) Liveness {
	mtx.Lock()
	defer mtx.Unlock()
	k := key(name, tags)
	if l, ok := livenesses[k]; ok {
		return l
	}
	l := &promLiveness{
		g:    newGauge(name+"_liveness_s", tags),
		last: time.Now(),
	}
	livenesses[k] = l
	go func() {
		for range time.Tick(10 * time.Second) {
			l.tick()
		}
	}()
	return l
}

func newGauge(name string, tags map[string]string) (g prometheus.Gauge) {
	defer func() {
		if r := recover(); r != nil {
			sklog.Warningf("Gauge registration failed for %q: %v", name, r)
			g = prometheus.NewGauge(prometheus.GaugeOpts{Name: cleanName(name)})
		}
	}()
	return promauto.NewGauge(prometheus.GaugeOpts{
		Name:        cleanName(name),
		ConstLabels: prometheus.Labels(tags),
	})
}
