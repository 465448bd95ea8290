// Package expvarom provides named counters that are simultaneously
// exported via expvar (for ad-hoc JSON inspection) and rendered as
// OpenMetrics/Prometheus text on MetricsHandler, so the same counter
// declared once at package scope serves both consumers.
package expvarom

import (
	"expvar"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
)

var (
	regMu sync.Mutex
	reg   []metric
)

type metric interface {
	writeTo(w http.ResponseWriter)
}

func register(m metric) {
	regMu.Lock()
	defer regMu.Unlock()
	reg = append(reg, m)
}

// Int is a monotonically increasing named counter.
type Int struct {
	name, help string
	v          expvar.Int
}

// NewInt creates and registers a new counter. name should use the
// "component/subsystem/name" convention; help is a short one-line
// description used in the metrics endpoint.
func NewInt(name, help string) *Int {
	i := &Int{name: name, help: help}
	expvar.Publish(sanitize(name), &i.v)
	register(i)
	return i
}

// Add increments the counter by delta.
func (i *Int) Add(delta int64) { i.v.Add(delta) }

func (i *Int) writeTo(w http.ResponseWriter) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n",
		metricName(i.name), i.help, metricName(i.name), metricName(i.name), i.v.Value())
}

// Map is a counter broken down by a single label value, e.g. a count
// of commands received keyed by command name.
type Map struct {
	name, label, help string

	mu      sync.Mutex
	counts  map[string]int64
	publish *expvar.Map
}

// NewMap creates and registers a new labeled counter. label is the
// name of the single label dimension (e.g. "command", "result").
func NewMap(name, label, help string) *Map {
	m := &Map{name: name, label: label, help: help, counts: map[string]int64{}}
	ev := expvar.NewMap(sanitize(name))
	m.publish = ev
	register(m)
	return m
}

// Add increments the counter for the given label value by delta.
func (m *Map) Add(key string, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key] += delta
	if m.publish != nil {
		m.publish.Add(key, delta)
	}
}

func (m *Map) writeTo(w http.ResponseWriter) {
	m.mu.Lock()
	keys := make([]string, 0, len(m.counts))
	for k := range m.counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	name := metricName(m.name)
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n", name, m.help, name)
	for _, k := range keys {
		fmt.Fprintf(w, "%s{%s=%q} %d\n", name, m.label, k, m.counts[k])
	}
	m.mu.Unlock()
}

// MetricsHandler renders every registered counter as OpenMetrics text.
func MetricsHandler(w http.ResponseWriter, r *http.Request) {
	regMu.Lock()
	defer regMu.Unlock()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	for _, m := range reg {
		m.writeTo(w)
	}
}

func sanitize(name string) string {
	return strings.ReplaceAll(name, "/", ".")
}

func metricName(name string) string {
	return strings.ReplaceAll(name, "/", "_")
}
