// Package tracelog is the core's trace logger: Logf is ungated, while
// Debugf/RateLimitedf only fire when N3N_DEBUG=1. With N3N_DEBUG unset, Logf
// writes to stderr directly; with N3N_DEBUG=1, every line goes through a
// buffered channel that drains to stderr, so hot paths (resolver worker,
// reactor loop) never block on log I/O. Lines dropped for channel saturation and
// suppressions from rate-limiting are counted on an injected metrics sink
// (SetMetrics) so an operator can tell a quiet log from a saturated one.
package tracelog

import (
	"fmt"
	"os"
	"sync"
	"time"

	"n3ncore/internal/metrics"
)

const queueSize = 2048

type logger struct {
	once sync.Once
	ch   chan string
}

var (
	global  logger
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()

	metricsMu sync.RWMutex
	sink      *metrics.Metrics
)

// SetMetrics installs the metrics sink that Logf/RateLimitedf report drops
// and suppressions to. Call once during startup, before the hot paths that
// log; passing nil (the default) disables the recording.
func SetMetrics(m *metrics.Metrics) {
	metricsMu.Lock()
	sink = m
	metricsMu.Unlock()
}

func incDropped() {
	metricsMu.RLock()
	m := sink
	metricsMu.RUnlock()
	if m != nil {
		m.IncLogDropped()
	}
}

func incSuppressed() {
	metricsMu.RLock()
	m := sink
	metricsMu.RUnlock()
	if m != nil {
		m.IncLogSuppressed()
	}
}

func enabled() bool {
	return os.Getenv("N3N_DEBUG") == "1"
}

func (l *logger) start() {
	l.once.Do(func() {
		l.ch = make(chan string, queueSize)
		go func() {
			for msg := range l.ch {
				_, _ = os.Stderr.WriteString(msg)
			}
		}()
	})
}

func Logf(format string, args ...any) {
	msg := fmt.Sprintf(format+"\n", args...)
	if !enabled() {
		_, _ = os.Stderr.WriteString(msg)
		return
	}
	global.start()
	select {
	case global.ch <- msg:
	default:
		// Drop when saturated to keep network goroutines non-blocking in debug mode.
		incDropped()
	}
}

func Debugf(format string, args ...any) {
	if !enabled() {
		return
	}
	Logf(format, args...)
}

func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !enabled() || key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		incSuppressed()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	Logf(format, args...)
}
