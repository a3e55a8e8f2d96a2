// Package stats is a thin layer over go-metrics: a StatsReceiver that can be
// scoped and passed down a call tree, Finagle-style JSON rendering for the
// admin endpoint, and a Latency instrument for timing call sites:
//
//	defer stat.Latency(stats.SchedStepLatency_ms).Time().Stop()
//
// Nothing outside this package needs to import go-metrics.
package stats

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rcrowley/go-metrics"
	log "github.com/sirupsen/logrus"
)

// For testing.
var Time Clock = WallClock()

// How often ReportUptime refreshes its gauge.
var StatReportIntvl = 500 * time.Millisecond

// Overridable instrument creation.
var NewCounter func() Counter = newMetricCounter
var NewGauge func() Gauge = newMetricGauge
var NewHistogram func() Histogram = newMetricHistogram
var NewLatency func() Latency = newLatency

// To check if pretty printing is supported.
type MarshalerPretty interface {
	MarshalJSONPretty() ([]byte, error)
}

// StatsRegistry is the part of a go-metrics registry we use.
type StatsRegistry interface {
	// The interface is either the metric itself or a func returning it.
	GetOrRegister(string, interface{}) interface{}
	Unregister(string)
	Each(func(string, interface{}))
}

// StatsReceiver hands out named instruments. Names are joined with '/';
// a '/' inside a name element becomes "_SLASH_".
type StatsReceiver interface {
	// Scope returns a receiver whose names are prefixed with scope.
	Scope(scope ...string) StatsReceiver

	// Precision sets the display unit of latencies created from the returned
	// receiver. The captured data keeps nanosecond resolution.
	Precision(time.Duration) StatsReceiver

	Counter(name ...string) Counter
	Gauge(name ...string) Gauge
	Histogram(name ...string) Histogram
	Latency(name ...string) Latency
	Remove(name ...string)

	// Render marshals the registry to JSON. Unless latched, histograms are
	// reset afterwards.
	Render(pretty bool) []byte
}

// DefaultStatsReceiver is an unlatched receiver on a plain go-metrics registry.
func DefaultStatsReceiver() StatsReceiver {
	stat, _ := NewCustomStatsReceiver(nil, 0)
	return stat
}

// NewCustomStatsReceiver builds a receiver on the registry makeRegistry
// returns. With latched > 0 a goroutine snapshots the registry on that
// interval and Render shows the last snapshot; call cancel to stop it.
func NewCustomStatsReceiver(makeRegistry func() StatsRegistry, latched time.Duration) (stat StatsReceiver, cancel func()) {
	if makeRegistry == nil {
		makeRegistry = func() StatsRegistry { return metrics.NewRegistry() }
	}
	s := &defaultStatsReceiver{
		makeRegistry: makeRegistry,
		registry:     makeRegistry(),
		precision:    time.Millisecond,
	}
	cancel = func() {}
	if latched > 0 {
		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		s.latchCh = make(chan chan StatsRegistry)
		ticks, stop := Time.Tick(latched)
		go s.latch(ctx, ticks, stop, capture(s.registry, makeRegistry()))
	}
	return s, cancel
}

func (s *defaultStatsReceiver) latch(ctx context.Context, ticks <-chan time.Time, stop func(), captured StatsRegistry) {
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			captured = capture(s.registry, s.makeRegistry())
			resetHistograms(s.registry)
		case req := <-s.latchCh:
			req <- captured
		}
	}
}

func capture(src StatsRegistry, dst StatsRegistry) StatsRegistry {
	src.Each(func(name string, i interface{}) {
		switch m := i.(type) {
		case Counter:
			dst.GetOrRegister(name, m.Capture())
		case Gauge:
			dst.GetOrRegister(name, m.Capture())
		case Histogram:
			dst.GetOrRegister(name, m.Capture())
		case Latency:
			dst.GetOrRegister(name, m.Capture())
		default:
			log.Infof("Unrecognized capture instrument %s: %v", name, i)
		}
	})
	return dst
}

func resetHistograms(reg StatsRegistry) {
	reg.Each(func(name string, i interface{}) {
		if h, ok := i.(metrics.Histogram); ok {
			h.Clear()
		}
	})
}

type defaultStatsReceiver struct {
	makeRegistry func() StatsRegistry
	registry     StatsRegistry
	latchCh      chan chan StatsRegistry
	precision    time.Duration
	scope        []string
}

func (s *defaultStatsReceiver) Scope(scope ...string) StatsReceiver {
	return &defaultStatsReceiver{s.makeRegistry, s.registry, s.latchCh, s.precision, s.scoped(scope...)}
}

func (s *defaultStatsReceiver) Precision(precision time.Duration) StatsReceiver {
	if precision < 1 {
		precision = 1
	}
	return &defaultStatsReceiver{s.makeRegistry, s.registry, s.latchCh, precision, s.scope}
}

func (s *defaultStatsReceiver) Counter(name ...string) Counter {
	return s.registry.GetOrRegister(s.scopedName(name...), NewCounter).(Counter)
}

func (s *defaultStatsReceiver) Gauge(name ...string) Gauge {
	return s.registry.GetOrRegister(s.scopedName(name...), NewGauge).(Gauge)
}

func (s *defaultStatsReceiver) Histogram(name ...string) Histogram {
	return s.registry.GetOrRegister(s.scopedName(name...), NewHistogram).(Histogram)
}

func (s *defaultStatsReceiver) Latency(name ...string) Latency {
	// not lazy: a plain metrics.Registry can't cast a factory's return value
	return s.registry.GetOrRegister(s.scopedName(name...), NewLatency().Precision(s.precision)).(Latency)
}

func (s *defaultStatsReceiver) Remove(name ...string) {
	s.registry.Unregister(s.scopedName(name...))
}

func (s *defaultStatsReceiver) Render(pretty bool) []byte {
	reg := s.registry
	if s.latchCh != nil {
		resultCh := make(chan StatsRegistry)
		s.latchCh <- resultCh
		reg = <-resultCh
	}

	var err error
	var bytes []byte
	if mp, ok := reg.(MarshalerPretty); ok && pretty {
		bytes, err = mp.MarshalJSONPretty()
	} else {
		bytes, err = json.Marshal(reg)
	}
	if err != nil {
		panic("StatsRegistry bug, cannot be marshaled")
	}
	if s.latchCh == nil {
		resetHistograms(s.registry)
	}
	return bytes
}

func (s *defaultStatsReceiver) scoped(scope ...string) []string {
	out := make([]string, 0, len(s.scope)+len(scope))
	out = append(out, s.scope...)
	for _, elem := range scope {
		out = append(out, strings.Replace(elem, "/", "_SLASH_", -1))
	}
	return out
}

func (s *defaultStatsReceiver) scopedName(scope ...string) string {
	return strings.Join(s.scoped(scope...), "/")
}

// NilStatsReceiver ignores everything.
func NilStatsReceiver(scope ...string) StatsReceiver {
	return &nilStatsReceiver{}
}

type nilStatsReceiver struct{}

func (s *nilStatsReceiver) Scope(scope ...string) StatsReceiver             { return s }
func (s *nilStatsReceiver) Precision(precision time.Duration) StatsReceiver { return s }
func (s *nilStatsReceiver) Counter(name ...string) Counter {
	return &metricCounter{metrics.NilCounter{}}
}
func (s *nilStatsReceiver) Gauge(name ...string) Gauge {
	return &metricGauge{metrics.NilGauge{}}
}
func (s *nilStatsReceiver) Histogram(name ...string) Histogram {
	return &metricHistogram{metrics.NilHistogram{}}
}
func (s *nilStatsReceiver) Latency(name ...string) Latency { return &nilLatency{} }
func (s *nilStatsReceiver) Remove(name ...string)          {}
func (s *nilStatsReceiver) Render(pretty bool) []byte      { return []byte{} }

//
// Instruments, minimally mirroring go-metrics.
//

type Counter interface {
	Capture() Counter
	Clear()
	Count() int64
	Inc(int64)
	Update(int64)
}
type metricCounter struct{ metrics.Counter }

func (m *metricCounter) Capture() Counter { return &metricCounter{m.Snapshot()} }
func (m *metricCounter) Update(i int64)   { m.Inc(i - m.Count()) }
func newMetricCounter() Counter           { return &metricCounter{metrics.NewCounter()} }

type Gauge interface {
	Capture() Gauge
	Update(int64)
	Value() int64
}
type metricGauge struct{ metrics.Gauge }

func (m *metricGauge) Capture() Gauge { return &metricGauge{m.Snapshot()} }
func newMetricGauge() Gauge           { return &metricGauge{metrics.NewGauge()} }

// HistogramView is a histogram that can only be read.
type HistogramView interface {
	Mean() float64
	Count() int64
	Max() int64
	Min() int64
	Sum() int64
	Percentiles(ps []float64) []float64
}

type Histogram interface {
	HistogramView
	Capture() Histogram
	Update(int64)
}
type metricHistogram struct{ metrics.Histogram }

func (m *metricHistogram) Capture() Histogram { return &metricHistogram{m.Snapshot()} }
func newMetricHistogram() Histogram {
	return &metricHistogram{metrics.NewHistogram(metrics.NewUniformSample(1000))}
}

// Latency is a histogram of durations with a display precision.
type Latency interface {
	Capture() Latency
	Time() Latency // returns self
	Stop()
	GetPrecision() time.Duration
	Precision(time.Duration) Latency // returns self
}
type metricLatency struct {
	metrics.Histogram
	start     time.Time
	precision time.Duration
}

func (l *metricLatency) Time() Latency { l.start = Time.Now(); return l }
func (l *metricLatency) Stop()         { l.Update(Time.Since(l.start).Nanoseconds()) }
func (l *metricLatency) Capture() Latency {
	return &metricLatency{l.Histogram.Snapshot(), l.start, l.precision}
}
func (l *metricLatency) GetPrecision() time.Duration { return l.precision }
func (l *metricLatency) Precision(p time.Duration) Latency {
	if p < 1 {
		p = 1
	}
	l.precision = p
	return l
}
func newLatency() Latency {
	return &metricLatency{Histogram: metrics.NewHistogram(metrics.NewUniformSample(1000)), precision: time.Nanosecond}
}

type nilLatency struct{}

func (l *nilLatency) Time() Latency                   { return l }
func (l *nilLatency) Stop()                           {}
func (l *nilLatency) Capture() Latency                { return l }
func (l *nilLatency) GetPrecision() time.Duration     { return 0 }
func (l *nilLatency) Precision(time.Duration) Latency { return l }

//
// Twitter/Finagle style rendering: histograms flatten into
// name.avg, name.count, name.p99 and so on.
//

type finagleStatsRegistry struct {
	metrics.Registry
}

func NewFinagleStatsRegistry() StatsRegistry {
	return &finagleStatsRegistry{metrics.NewRegistry()}
}

func (r *finagleStatsRegistry) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.MarshalAll())
}

func (r *finagleStatsRegistry) MarshalJSONPretty() ([]byte, error) {
	return json.MarshalIndent(r.MarshalAll(), "", "  ")
}

func (r *finagleStatsRegistry) MarshalAll() map[string]interface{} {
	data := make(map[string]interface{})
	r.Each(func(name string, i interface{}) {
		switch stat := i.(type) {
		case Counter:
			data[name] = stat.Count()
		case Gauge:
			data[name] = stat.Value()
		case Histogram:
			marshalHistogram(data, name, stat.Capture(), time.Nanosecond)
		case Latency:
			l := stat.Capture()
			marshalHistogram(data, name, l.(HistogramView), l.GetPrecision())
		default:
			log.Infof("Unrecognized marshal instrument %s: %v", name, i)
		}
	})
	return data
}

var defaultPercentiles = []float64{0.5, 0.9, 0.95, 0.99, 0.999, 0.9999}
var defaultPercentileLabels = []string{"p50", "p90", "p95", "p99", "p999", "p9999"}

func marshalHistogram(data map[string]interface{}, name string, hist HistogramView, precision time.Duration) {
	f64p := float64(precision)
	i64p := int64(precision)
	data[name+".avg"] = hist.Mean() / f64p
	data[name+".count"] = hist.Count()
	data[name+".max"] = hist.Max() / i64p
	data[name+".min"] = hist.Min() / i64p
	data[name+".sum"] = hist.Sum() / i64p
	for i, pctl := range hist.Percentiles(defaultPercentiles) {
		data[name+"."+defaultPercentileLabels[i]] = pctl / f64p
	}
}

// ReportUptime keeps statName updated with the milliseconds since it was
// called until ctx is done, and holds startGaugeName at 1 for spike after
// start so restarts show up on dashboards.
func ReportUptime(ctx context.Context, stat StatsReceiver, statName, startGaugeName string, spike time.Duration) {
	start := Time.Now()
	stat.Gauge(startGaugeName).Update(1)
	ticks, stop := Time.Tick(StatReportIntvl)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			up := Time.Since(start)
			stat.Gauge(statName).Update(int64(up / time.Millisecond))
			if up >= spike {
				stat.Gauge(startGaugeName).Update(0)
			}
		}
	}
}
