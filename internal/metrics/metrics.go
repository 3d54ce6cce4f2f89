// Package metrics collects counters for the resolver, peer registry, and
// slot reactor, exposing them both as a JSON snapshot (for disk dumps /
// debug routes) and as a Prometheus registry for scraping.
package metrics

import (
	"encoding/json"
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Snapshot is a point-in-time read of every counter, ready for JSON
// marshaling to a debug endpoint or a file.
type Snapshot struct {
	GeneratedAt time.Time `json:"generated_at"`

	ResolveAttempts int64 `json:"resolve_attempts"`
	ResolveSuccess  int64 `json:"resolve_success"`
	ResolveFailure  int64 `json:"resolve_failure"`
	ResolvePublish  int64 `json:"resolve_publish"`

	RegistrySize    int64 `json:"registry_size"`
	RegistryAdded   int64 `json:"registry_added"`
	RegistryPromote int64 `json:"registry_promoted"`

	ReplayAccepted int64 `json:"replay_accepted"`
	ReplayRejected int64 `json:"replay_rejected"`

	SlotsOpen        int64 `json:"slots_open"`
	SlotsAccepted    int64 `json:"slots_accepted"`
	SlotsIdleClosed  int64 `json:"slots_idle_closed"`
	SlotsAcceptError int64 `json:"slots_accept_error"`
	SlotsReadError   int64 `json:"slots_read_error"`

	LogDropped    int64 `json:"log_dropped"`
	LogSuppressed int64 `json:"log_suppressed"`

	PprofEnabled int64 `json:"pprof_enabled"`
}

// Metrics is a set of lock-free atomic counters plus the Prometheus
// registry used to publish them over the reactor's management surface.
type Metrics struct {
	resolveAttempts atomic.Int64
	resolveSuccess  atomic.Int64
	resolveFailure  atomic.Int64
	resolvePublish  atomic.Int64

	registrySize    atomic.Int64
	registryAdded   atomic.Int64
	registryPromote atomic.Int64

	replayAccepted atomic.Int64
	replayRejected atomic.Int64

	slotsOpen        atomic.Int64
	slotsAccepted    atomic.Int64
	slotsIdleClosed  atomic.Int64
	slotsAcceptError atomic.Int64
	slotsReadError   atomic.Int64

	logDropped    atomic.Int64
	logSuppressed atomic.Int64

	pprofEnabled atomic.Int64

	registry *prometheus.Registry
}

// New returns an initialized Metrics with its counters at zero and a fresh
// Prometheus registry wired to read from them via GaugeFunc/CounterFunc.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.registerCollectors()
	return m
}

// Registry returns the Prometheus registry backing this Metrics, suitable
// for mounting with promhttp.HandlerFor on the reactor's /metrics route.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) registerCollectors() {
	counters := []struct {
		name string
		help string
		fn   func() float64
	}{
		{"n3n_resolve_attempts_total", "Resolver passes attempted.", func() float64 { return float64(m.resolveAttempts.Load()) }},
		{"n3n_resolve_success_total", "Resolver hostname lookups that succeeded.", func() float64 { return float64(m.resolveSuccess.Load()) }},
		{"n3n_resolve_failure_total", "Resolver hostname lookups that failed.", func() float64 { return float64(m.resolveFailure.Load()) }},
		{"n3n_resolve_publish_total", "Resolver results published into the registry.", func() float64 { return float64(m.resolvePublish.Load()) }},
		{"n3n_registry_added_total", "Peers newly inserted into the registry.", func() float64 { return float64(m.registryAdded.Load()) }},
		{"n3n_registry_promoted_total", "Socket-only peers promoted to a known mac.", func() float64 { return float64(m.registryPromote.Load()) }},
		{"n3n_replay_accepted_total", "Replay stamps accepted.", func() float64 { return float64(m.replayAccepted.Load()) }},
		{"n3n_replay_rejected_total", "Replay stamps rejected.", func() float64 { return float64(m.replayRejected.Load()) }},
		{"n3n_slots_accepted_total", "Connections accepted into a slot.", func() float64 { return float64(m.slotsAccepted.Load()) }},
		{"n3n_slots_idle_closed_total", "Slots closed by the idle reaper.", func() float64 { return float64(m.slotsIdleClosed.Load()) }},
		{"n3n_slots_accept_error_total", "Accept() failures on a listener.", func() float64 { return float64(m.slotsAcceptError.Load()) }},
		{"n3n_slots_read_error_total", "Non-blocking read errors on a slot.", func() float64 { return float64(m.slotsReadError.Load()) }},
		{"n3n_log_dropped_total", "Trace log lines dropped for channel saturation.", func() float64 { return float64(m.logDropped.Load()) }},
		{"n3n_log_suppressed_total", "Trace log lines suppressed by rate limiting.", func() float64 { return float64(m.logSuppressed.Load()) }},
	}
	for _, c := range counters {
		c := c
		m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{Name: c.name, Help: c.help}, c.fn))
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: "n3n_registry_size", Help: "Peers currently registered."}, func() float64 { return float64(m.registrySize.Load()) }))
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: "n3n_slots_open", Help: "Slots currently occupied by a connection."}, func() float64 { return float64(m.slotsOpen.Load()) }))
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: "n3n_pprof_enabled", Help: "Whether the pprof debug listener is running (0 or 1)."}, func() float64 { return float64(m.pprofEnabled.Load()) }))
}

func (m *Metrics) IncResolveAttempts() { m.resolveAttempts.Add(1) }
func (m *Metrics) IncResolveSuccess()  { m.resolveSuccess.Add(1) }
func (m *Metrics) IncResolveFailure()  { m.resolveFailure.Add(1) }
func (m *Metrics) IncResolvePublish()  { m.resolvePublish.Add(1) }

func (m *Metrics) SetRegistrySize(n int)  { m.registrySize.Store(int64(n)) }
func (m *Metrics) IncRegistryAdded()      { m.registryAdded.Add(1) }
func (m *Metrics) IncRegistryPromoted()   { m.registryPromote.Add(1) }

func (m *Metrics) IncReplayAccepted() { m.replayAccepted.Add(1) }
func (m *Metrics) IncReplayRejected() { m.replayRejected.Add(1) }

func (m *Metrics) SetSlotsOpen(n int)    { m.slotsOpen.Store(int64(n)) }
func (m *Metrics) IncSlotsAccepted()     { m.slotsAccepted.Add(1) }
func (m *Metrics) IncSlotsIdleClosed()   { m.slotsIdleClosed.Add(1) }
func (m *Metrics) IncSlotsAcceptError()  { m.slotsAcceptError.Add(1) }
func (m *Metrics) IncSlotsReadError()    { m.slotsReadError.Add(1) }

func (m *Metrics) IncLogDropped()    { m.logDropped.Add(1) }
func (m *Metrics) IncLogSuppressed() { m.logSuppressed.Add(1) }

func (m *Metrics) SetPprofEnabled(on bool) {
	v := int64(0)
	if on {
		v = 1
	}
	m.pprofEnabled.Store(v)
}

// Snapshot reads every counter into a Snapshot.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		GeneratedAt:      time.Now().UTC(),
		ResolveAttempts:  m.resolveAttempts.Load(),
		ResolveSuccess:   m.resolveSuccess.Load(),
		ResolveFailure:   m.resolveFailure.Load(),
		ResolvePublish:   m.resolvePublish.Load(),
		RegistrySize:     m.registrySize.Load(),
		RegistryAdded:    m.registryAdded.Load(),
		RegistryPromote:  m.registryPromote.Load(),
		ReplayAccepted:   m.replayAccepted.Load(),
		ReplayRejected:   m.replayRejected.Load(),
		SlotsOpen:        m.slotsOpen.Load(),
		SlotsAccepted:    m.slotsAccepted.Load(),
		SlotsIdleClosed:  m.slotsIdleClosed.Load(),
		SlotsAcceptError: m.slotsAcceptError.Load(),
		SlotsReadError:   m.slotsReadError.Load(),
		LogDropped:       m.logDropped.Load(),
		LogSuppressed:    m.logSuppressed.Load(),
		PprofEnabled:     m.pprofEnabled.Load(),
	}
}

// WriteSnapshot marshals the current snapshot as indented JSON to path.
func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
