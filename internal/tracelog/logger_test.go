package tracelog

import (
	"testing"
	"time"

	"n3ncore/internal/metrics"
)

func TestRateLimitedfRespectsInterval(t *testing.T) {
	t.Setenv("N3N_DEBUG", "1")
	rlMu.Lock()
	rlLast = make(map[string]time.Time)
	rlSweep = time.Now()
	rlMu.Unlock()

	RateLimitedf("k1", time.Hour, "first")
	rlMu.Lock()
	_, seen := rlLast["k1"]
	rlMu.Unlock()
	if !seen {
		t.Fatalf("expected key to be recorded after first call")
	}
}

func TestDebugfNoopWhenDisabled(t *testing.T) {
	t.Setenv("N3N_DEBUG", "0")
	// Must not panic or block when disabled; nothing else observable here
	// since Debugf writes to stderr only when enabled.
	Debugf("should not appear %d", 1)
}

func TestRateLimitedfRecordsSuppressedMetric(t *testing.T) {
	t.Setenv("N3N_DEBUG", "1")
	m := metrics.New()
	SetMetrics(m)
	t.Cleanup(func() { SetMetrics(nil) })

	rlMu.Lock()
	rlLast = make(map[string]time.Time)
	rlSweep = time.Now()
	rlMu.Unlock()

	RateLimitedf("k2", time.Hour, "first")
	RateLimitedf("k2", time.Hour, "second") // suppressed: inside the interval

	if got := m.Snapshot().LogSuppressed; got != 1 {
		t.Fatalf("log_suppressed=%d want 1", got)
	}
}
