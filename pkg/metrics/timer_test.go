package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// seriesCount gathers c through a private registry and counts its series
func seriesCount(t *testing.T, c prometheus.Collector) int {
	t.Helper()
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("register: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	n := 0
	for _, f := range families {
		n += len(f.GetMetric())
	}
	return n
}

// TestNewTimer tests timer creation
func TestNewTimer(t *testing.T) {
	timer := NewTimer()

	if timer == nil {
		t.Fatal("NewTimer() returned nil")
	}

	if timer.start.IsZero() {
		t.Error("NewTimer() start time is zero")
	}

	if time.Since(timer.start) > time.Second {
		t.Error("NewTimer() start time is not recent")
	}
}

// TestTimerDuration tests duration measurement
func TestTimerDuration(t *testing.T) {
	timer := NewTimer()

	sleepDuration := 20 * time.Millisecond
	time.Sleep(sleepDuration)

	if d := timer.Duration(); d < sleepDuration {
		t.Errorf("Timer.Duration() = %v, want >= %v", d, sleepDuration)
	}
}

// TestTimerObserveDuration tests histogram observation
func TestTimerObserveDuration(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration histogram",
		Buckets: prometheus.DefBuckets,
	})

	timer := NewTimer()
	timer.ObserveDuration(histogram)

	if n := seriesCount(t, histogram); n != 1 {
		t.Errorf("expected 1 series, got %d", n)
	}
}

// TestTimerObserveDurationVec tests histogram vec observation
func TestTimerObserveDurationVec(t *testing.T) {
	histogramVec := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "test_duration_vec_seconds",
			Help:    "Test duration histogram vec",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	timer := NewTimer()
	timer.ObserveDurationVec(histogramVec, "deploy")
	timer.ObserveDurationVec(histogramVec, "remove")

	if n := seriesCount(t, histogramVec); n != 2 {
		t.Errorf("expected 2 series, got %d", n)
	}
}

// TestTimerMultipleCalls tests that Duration can be called multiple times
func TestTimerMultipleCalls(t *testing.T) {
	timer := NewTimer()

	time.Sleep(10 * time.Millisecond)
	duration1 := timer.Duration()

	time.Sleep(10 * time.Millisecond)
	duration2 := timer.Duration()

	if duration2 <= duration1 {
		t.Errorf("Second Duration() call should be longer: first=%v, second=%v", duration1, duration2)
	}
}

func TestResult(t *testing.T) {
	if got := Result(nil); got != "success" {
		t.Errorf("Result(nil) = %s", got)
	}
	if got := Result(errors.New("boom")); got != "error" {
		t.Errorf("Result(err) = %s", got)
	}
}

func TestCounterVecLabels(t *testing.T) {
	ops := prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "test_ops_total", Help: "Test operations"},
		[]string{"op", "result"},
	)
	ops.WithLabelValues("deploy", Result(nil)).Inc()
	ops.WithLabelValues("deploy", Result(errors.New("boom"))).Inc()
	ops.WithLabelValues("deploy", Result(nil)).Inc()

	if n := seriesCount(t, ops); n != 2 {
		t.Errorf("expected 2 series, got %d", n)
	}
}

type staticSource struct{}

func (staticSource) HostStatusCounts() map[string]int {
	return map[string]int{"": 2, "offline": 1}
}

func (staticSource) ServiceStateCounts() map[string]int {
	return map[string]int{"active": 3}
}

func (staticSource) DaemonCounts() map[string]map[string]int {
	return map[string]map[string]int{"mon": {"running": 3}, "mgr": {"running": 1, "error": 1}}
}

type staticRaft struct{}

func (staticRaft) IsLeader() bool { return true }

func (staticRaft) Stats() map[string]interface{} {
	return map[string]interface{}{"last_log_index": uint64(7), "applied_index": uint64(7), "peers": 3}
}

func TestCollectorCollect(t *testing.T) {
	c := NewCollector(staticSource{}, staticRaft{}, time.Minute)
	c.Collect()

	if n := seriesCountOf(t, HostsTotal); n != 2 {
		t.Errorf("expected 2 host series, got %d", n)
	}
	if n := seriesCountOf(t, DaemonsTotal); n != 3 {
		t.Errorf("expected 3 daemon series, got %d", n)
	}

	c.Start()
	c.Stop()
	c.Stop()
}

// seriesCountOf counts the series of an already registered collector
func seriesCountOf(t *testing.T, c prometheus.Collector) int {
	t.Helper()
	ch := make(chan prometheus.Metric, 64)
	c.Collect(ch)
	close(ch)
	n := 0
	for range ch {
		n++
	}
	return n
}
