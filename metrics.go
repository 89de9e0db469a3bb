package blkvirt

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks operational statistics for a virtualiser
type Metrics struct {
	// Completion counters, by request code
	ReadsCompleted    atomic.Uint64
	WritesCompleted   atomic.Uint64
	FlushesCompleted  atomic.Uint64
	BarriersCompleted atomic.Uint64

	// Byte counters for payload copied through the bounce pool
	BytesRead    atomic.Uint64
	BytesWritten atomic.Uint64

	// Error counters
	DriverErrors     atomic.Uint64 // driver completions with status != OK
	RequestsRejected atomic.Uint64 // client-fault validation rejections

	// Liveness counters
	ResponsesDropped   atomic.Uint64 // client response ring full on delivery
	BackpressureStalls atomic.Uint64 // client processing halted on full resources

	// Lifecycle counters
	Resets            atomic.Uint64
	DiscoveryAttempts atomic.Uint64
	DiscoveryFailures atomic.Uint64

	// StartTime is the construction timestamp (UnixNano)
	StartTime atomic.Int64
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// MetricsSnapshot is a point-in-time copy of the counters
type MetricsSnapshot struct {
	ReadsCompleted    uint64 `json:"reads_completed"`
	WritesCompleted   uint64 `json:"writes_completed"`
	FlushesCompleted  uint64 `json:"flushes_completed"`
	BarriersCompleted uint64 `json:"barriers_completed"`

	BytesRead    uint64 `json:"bytes_read"`
	BytesWritten uint64 `json:"bytes_written"`

	DriverErrors     uint64 `json:"driver_errors"`
	RequestsRejected uint64 `json:"requests_rejected"`

	ResponsesDropped   uint64 `json:"responses_dropped"`
	BackpressureStalls uint64 `json:"backpressure_stalls"`

	Resets            uint64 `json:"resets"`
	DiscoveryAttempts uint64 `json:"discovery_attempts"`
	DiscoveryFailures uint64 `json:"discovery_failures"`

	Uptime time.Duration `json:"uptime_ns"`
}

// Snapshot returns a point-in-time snapshot of the metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		ReadsCompleted:    m.ReadsCompleted.Load(),
		WritesCompleted:   m.WritesCompleted.Load(),
		FlushesCompleted:  m.FlushesCompleted.Load(),
		BarriersCompleted: m.BarriersCompleted.Load(),

		BytesRead:    m.BytesRead.Load(),
		BytesWritten: m.BytesWritten.Load(),

		DriverErrors:     m.DriverErrors.Load(),
		RequestsRejected: m.RequestsRejected.Load(),

		ResponsesDropped:   m.ResponsesDropped.Load(),
		BackpressureStalls: m.BackpressureStalls.Load(),

		Resets:            m.Resets.Load(),
		DiscoveryAttempts: m.DiscoveryAttempts.Load(),
		DiscoveryFailures: m.DiscoveryFailures.Load(),

		Uptime: time.Duration(time.Now().UnixNano() - m.StartTime.Load()),
	}
}

// Observer receives virtualiser events. Implementations must be cheap;
// methods are called from the event loop.
type Observer interface {
	// ObserveComplete is called once per driver completion routed back
	// toward a client, with the payload size and driver status
	ObserveComplete(code Code, bytes uint64, success bool)

	// ObserveReject is called for each client-fault validation rejection
	ObserveReject(code Code)

	// ObserveDrop is called when a response is dropped on a full client
	// response ring
	ObserveDrop()

	// ObserveStall is called when client processing halts on back-pressure
	ObserveStall()

	// ObserveReset is called on each full state reset
	ObserveReset()

	// ObserveDiscovery is called when a partition discovery attempt
	// resolves
	ObserveDiscovery(success bool)
}

// NoOpObserver discards all events
type NoOpObserver struct{}

func (NoOpObserver) ObserveComplete(Code, uint64, bool) {}
func (NoOpObserver) ObserveReject(Code)                 {}
func (NoOpObserver) ObserveDrop()                       {}
func (NoOpObserver) ObserveStall()                      {}
func (NoOpObserver) ObserveReset()                      {}
func (NoOpObserver) ObserveDiscovery(bool)              {}

// MetricsObserver records events into a Metrics instance
type MetricsObserver struct {
	m *Metrics
}

// NewMetricsObserver creates an observer backed by the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{m: m}
}

func (o *MetricsObserver) ObserveComplete(code Code, bytes uint64, success bool) {
	switch code {
	case Read:
		o.m.ReadsCompleted.Add(1)
		if success {
			o.m.BytesRead.Add(bytes)
		}
	case Write:
		o.m.WritesCompleted.Add(1)
		if success {
			o.m.BytesWritten.Add(bytes)
		}
	case Flush:
		o.m.FlushesCompleted.Add(1)
	case Barrier:
		o.m.BarriersCompleted.Add(1)
	}
	if !success {
		o.m.DriverErrors.Add(1)
	}
}

func (o *MetricsObserver) ObserveReject(Code) {
	o.m.RequestsRejected.Add(1)
}

func (o *MetricsObserver) ObserveDrop() {
	o.m.ResponsesDropped.Add(1)
}

func (o *MetricsObserver) ObserveStall() {
	o.m.BackpressureStalls.Add(1)
}

func (o *MetricsObserver) ObserveReset() {
	o.m.Resets.Add(1)
}

func (o *MetricsObserver) ObserveDiscovery(success bool) {
	o.m.DiscoveryAttempts.Add(1)
	if !success {
		o.m.DiscoveryFailures.Add(1)
	}
}

// Collector exports a Metrics instance as prometheus const metrics.
type Collector struct {
	m *Metrics

	completed *prometheus.Desc
	bytes     *prometheus.Desc
	rejected  *prometheus.Desc
	dropped   *prometheus.Desc
	stalls    *prometheus.Desc
	errors    *prometheus.Desc
	resets    *prometheus.Desc
	discovery *prometheus.Desc
}

// NewCollector creates a prometheus collector over m.
func NewCollector(m *Metrics) *Collector {
	return &Collector{
		m: m,
		completed: prometheus.NewDesc(
			"blkvirt_requests_completed_total",
			"Driver completions routed back toward clients",
			[]string{"code"}, nil),
		bytes: prometheus.NewDesc(
			"blkvirt_bytes_total",
			"Payload bytes copied through the bounce pool",
			[]string{"direction"}, nil),
		rejected: prometheus.NewDesc(
			"blkvirt_requests_rejected_total",
			"Client requests rejected during validation",
			nil, nil),
		dropped: prometheus.NewDesc(
			"blkvirt_responses_dropped_total",
			"Responses dropped on a full client response ring",
			nil, nil),
		stalls: prometheus.NewDesc(
			"blkvirt_backpressure_stalls_total",
			"Times client processing halted on full driver resources",
			nil, nil),
		errors: prometheus.NewDesc(
			"blkvirt_driver_errors_total",
			"Driver completions with a non-OK status",
			nil, nil),
		resets: prometheus.NewDesc(
			"blkvirt_resets_total",
			"Full state resets driven by driver state changes",
			nil, nil),
		discovery: prometheus.NewDesc(
			"blkvirt_discovery_attempts_total",
			"Partition discovery attempts",
			[]string{"outcome"}, nil),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.completed
	ch <- c.bytes
	ch <- c.rejected
	ch <- c.dropped
	ch <- c.stalls
	ch <- c.errors
	ch <- c.resets
	ch <- c.discovery
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.m.Snapshot()

	ch <- prometheus.MustNewConstMetric(c.completed, prometheus.CounterValue, float64(s.ReadsCompleted), "read")
	ch <- prometheus.MustNewConstMetric(c.completed, prometheus.CounterValue, float64(s.WritesCompleted), "write")
	ch <- prometheus.MustNewConstMetric(c.completed, prometheus.CounterValue, float64(s.FlushesCompleted), "flush")
	ch <- prometheus.MustNewConstMetric(c.completed, prometheus.CounterValue, float64(s.BarriersCompleted), "barrier")

	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(s.BytesRead), "read")
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(s.BytesWritten), "write")

	ch <- prometheus.MustNewConstMetric(c.rejected, prometheus.CounterValue, float64(s.RequestsRejected))
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(s.ResponsesDropped))
	ch <- prometheus.MustNewConstMetric(c.stalls, prometheus.CounterValue, float64(s.BackpressureStalls))
	ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(s.DriverErrors))
	ch <- prometheus.MustNewConstMetric(c.resets, prometheus.CounterValue, float64(s.Resets))

	failures := float64(s.DiscoveryFailures)
	ch <- prometheus.MustNewConstMetric(c.discovery, prometheus.CounterValue, float64(s.DiscoveryAttempts)-failures, "success")
	ch <- prometheus.MustNewConstMetric(c.discovery, prometheus.CounterValue, failures, "failure")
}
