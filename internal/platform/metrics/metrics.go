package metrics

import (
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Opts struct {
	Name string
	Help string
}

type collector interface {
	name() string
	writePrometheus(*strings.Builder)
}

type Registry struct {
	mu         sync.RWMutex
	collectors map[string]collector
}

func NewRegistry() *Registry {
	return &Registry{
		collectors: map[string]collector{},
	}
}

func (r *Registry) MustRegister(items ...collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range items {
		name := item.name()
		if _, exists := r.collectors[name]; exists {
			panic("metrics collector already registered: " + name)
		}
		r.collectors[name] = item
	}
}

func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		var sb strings.Builder

		r.mu.RLock()
		names := make([]string, 0, len(r.collectors))
		for name := range r.collectors {
			names = append(names, name)
		}
		sort.Strings(names)
		collectors := make([]collector, 0, len(names))
		for _, name := range names {
			collectors = append(collectors, r.collectors[name])
		}
		r.mu.RUnlock()

		for _, c := range collectors {
			c.writePrometheus(&sb)
		}
		_, _ = w.Write([]byte(sb.String()))
	})
}

var Default = NewRegistry()
var processStart = time.Now()

func DefaultHandler() http.Handler {
	return Default.Handler()
}

type Gauge struct {
	opts  Opts
	mu    sync.RWMutex
	value float64
}

func NewGauge(opts Opts) *Gauge {
	return &Gauge{opts: opts}
}

func (g *Gauge) name() string {
	return g.opts.Name
}

func (g *Gauge) Set(v float64) {
	g.mu.Lock()
	g.value = v
	g.mu.Unlock()
}

func (g *Gauge) Add(v float64) {
	g.mu.Lock()
	g.value += v
	g.mu.Unlock()
}

func (g *Gauge) Inc() { g.Add(1) }
func (g *Gauge) Dec() { g.Add(-1) }

func (g *Gauge) writePrometheus(sb *strings.Builder) {
	g.mu.RLock()
	v := g.value
	g.mu.RUnlock()
	writeMetricHead(sb, g.opts.Name, "gauge", g.opts.Help)
	fmt.Fprintf(sb, "%s %s\n", g.opts.Name, formatValue(v))
}

type GaugeFunc struct {
	opts Opts
	fn   func() float64
}

func NewGaugeFunc(opts Opts, fn func() float64) *GaugeFunc {
	return &GaugeFunc{opts: opts, fn: fn}
}

func (g *GaugeFunc) name() string {
	return g.opts.Name
}

func (g *GaugeFunc) writePrometheus(sb *strings.Builder) {
	writeMetricHead(sb, g.opts.Name, "gauge", g.opts.Help)
	v := 0.0
	if g.fn != nil {
		v = g.fn()
	}
	fmt.Fprintf(sb, "%s %s\n", g.opts.Name, formatValue(v))
}

// labeledSeries backs both CounterVec and GaugeVec: one float per label
// combination, keyed by the joined label values.
type labeledSeries struct {
	labelNames []string

	mu     sync.RWMutex
	values map[string]float64
}

func newLabeledSeries(labelNames []string) *labeledSeries {
	copied := make([]string, len(labelNames))
	copy(copied, labelNames)
	return &labeledSeries{labelNames: copied, values: map[string]float64{}}
}

func (s *labeledSeries) add(labelValues []string, delta float64) {
	if len(labelValues) != len(s.labelNames) {
		return
	}
	key := strings.Join(labelValues, "\xff")
	s.mu.Lock()
	s.values[key] += delta
	s.mu.Unlock()
}

func (s *labeledSeries) set(labelValues []string, v float64) {
	if len(labelValues) != len(s.labelNames) {
		return
	}
	key := strings.Join(labelValues, "\xff")
	s.mu.Lock()
	s.values[key] = v
	s.mu.Unlock()
}

func (s *labeledSeries) write(sb *strings.Builder, metricName string) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.values))
	for key := range s.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	entries := make([]float64, len(keys))
	for i, key := range keys {
		entries[i] = s.values[key]
	}
	s.mu.RUnlock()

	for i, key := range keys {
		labelValues := strings.Split(key, "\xff")
		sb.WriteString(metricName)
		if len(labelValues) > 0 {
			sb.WriteString("{")
			for idx, labelName := range s.labelNames {
				if idx > 0 {
					sb.WriteString(",")
				}
				sb.WriteString(labelName)
				sb.WriteString(`="`)
				sb.WriteString(escapeLabelValue(labelValues[idx]))
				sb.WriteString(`"`)
			}
			sb.WriteString("}")
		}
		sb.WriteString(" ")
		sb.WriteString(formatValue(entries[i]))
		sb.WriteString("\n")
	}
}

type CounterVec struct {
	opts   Opts
	series *labeledSeries
}

func NewCounterVec(opts Opts, labelNames []string) *CounterVec {
	return &CounterVec{opts: opts, series: newLabeledSeries(labelNames)}
}

func (c *CounterVec) name() string {
	return c.opts.Name
}

func (c *CounterVec) WithLabelValues(values ...string) *Counter {
	return &Counter{parent: c, labelValues: values}
}

func (c *CounterVec) writePrometheus(sb *strings.Builder) {
	writeMetricHead(sb, c.opts.Name, "counter", c.opts.Help)
	c.series.write(sb, c.opts.Name)
}

type Counter struct {
	parent      *CounterVec
	labelValues []string
}

func (c *Counter) Add(v float64) {
	if c == nil || c.parent == nil || v < 0 {
		return
	}
	c.parent.series.add(c.labelValues, v)
}

func (c *Counter) Inc() { c.Add(1) }

type GaugeVec struct {
	opts   Opts
	series *labeledSeries
}

func NewGaugeVec(opts Opts, labelNames []string) *GaugeVec {
	return &GaugeVec{opts: opts, series: newLabeledSeries(labelNames)}
}

func (g *GaugeVec) name() string {
	return g.opts.Name
}

func (g *GaugeVec) WithLabelValues(values ...string) *LabeledGauge {
	return &LabeledGauge{parent: g, labelValues: values}
}

func (g *GaugeVec) writePrometheus(sb *strings.Builder) {
	writeMetricHead(sb, g.opts.Name, "gauge", g.opts.Help)
	g.series.write(sb, g.opts.Name)
}

type LabeledGauge struct {
	parent      *GaugeVec
	labelValues []string
}

func (g *LabeledGauge) Set(v float64) {
	if g == nil || g.parent == nil {
		return
	}
	g.parent.series.set(g.labelValues, v)
}

func (g *LabeledGauge) Add(v float64) {
	if g == nil || g.parent == nil {
		return
	}
	g.parent.series.add(g.labelValues, v)
}

func (g *LabeledGauge) Inc() { g.Add(1) }
func (g *LabeledGauge) Dec() { g.Add(-1) }

func writeMetricHead(sb *strings.Builder, name, metricType, help string) {
	fmt.Fprintf(sb, "# HELP %s %s\n", name, help)
	fmt.Fprintf(sb, "# TYPE %s %s\n", name, metricType)
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func escapeLabelValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, "\n", `\n`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return v
}

func init() {
	Default.MustRegister(
		NewGaugeFunc(Opts{
			Name: "process_uptime_seconds",
			Help: "Seconds since process start.",
		}, func() float64 {
			return time.Since(processStart).Seconds()
		}),
		NewGaugeFunc(Opts{
			Name: "go_goroutines",
			Help: "Number of goroutines.",
		}, func() float64 {
			return float64(runtime.NumGoroutine())
		}),
		NewGaugeFunc(Opts{
			Name: "go_memstats_alloc_bytes",
			Help: "Allocated heap objects in bytes.",
		}, func() float64 {
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			return float64(mem.Alloc)
		}),
		NewGaugeFunc(Opts{
			Name: "go_memstats_heap_inuse_bytes",
			Help: "Heap in-use bytes.",
		}, func() float64 {
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			return float64(mem.HeapInuse)
		}),
	)
}
