// Package resolver implements the background re-resolution of supernode
// hostnames: a worker goroutine periodically re-resolves every configured
// hostname and stages the result, while a non-blocking consumer (driven
// from the embedder's main loop) publishes staged results into the peer
// registry without ever risking a block.
package resolver

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"n3ncore/internal/metrics"
	"n3ncore/internal/netaddr"
	"n3ncore/internal/tracelog"
)

// Defaults for the worker/consumer cadence, overridable via env vars
// N3N_RESOLVE_INTERVAL_SEC / N3N_RESOLVE_CHECK_INTERVAL_SEC.
const (
	DefaultResolveInterval      = 20 * time.Minute
	DefaultResolveCheckInterval = 5 * time.Second
)

func envDuration(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}

func resolveInterval() time.Duration {
	return envDuration("N3N_RESOLVE_INTERVAL_SEC", DefaultResolveInterval)
}

func resolveCheckInterval() time.Duration {
	return envDuration("N3N_RESOLVE_CHECK_INTERVAL_SEC", DefaultResolveCheckInterval)
}

// BackRef is the peer-registry field a resolved socket is copied into on
// publication. It is read and written only while Resolver.mu is held.
type BackRef = *netaddr.Sock

// EntryStatus classifies the outcome of an entry's most recent resolution
// attempt, for readable trace/debug output.
type EntryStatus int

const (
	// StatusPending marks an entry that has never been resolved yet.
	StatusPending EntryStatus = iota
	// StatusOK marks an entry whose last resolution attempt succeeded.
	StatusOK
	// StatusFailed marks an entry whose last resolution attempt errored.
	StatusFailed
)

func (s EntryStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusOK:
		return "ok"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// entry binds one supernode hostname to the peer socket it refreshes.
type entry struct {
	hostname string
	backRef  BackRef
	sock     netaddr.Sock
	lastErr  error
	status   EntryStatus
}

// Resolver holds the shared state between the background worker and the
// main-loop consumer. All fields below mu are guarded by it except
// lastChecked and checkInterval, which only the consumer ever touches.
type Resolver struct {
	mu      sync.Mutex
	entries []*entry
	request bool
	changed bool

	lastResolved time.Time
	repTime      time.Duration

	lastChecked   time.Time
	checkInterval time.Duration

	metrics *metrics.Metrics

	cancel context.CancelFunc
	done   chan struct{}
}

// Target names one supernode hostname and the registry socket field its
// resolved address should be published into.
type Target struct {
	Hostname string
	BackRef  BackRef
}

// Create allocates a Resolver, seeds one entry per target (copying its
// current *BackRef as the starting socket), and launches the background
// worker. Cancel must be called to release the worker.
//
// Unlike the reference implementation, which falls back to an
// always-needs-resolution degraded mode when pthreads are unavailable, Go
// always has goroutines: Create never fails for lack of threading.
func Create(targets []Target, m *metrics.Metrics) *Resolver {
	r := &Resolver{
		checkInterval: resolveCheckInterval(),
		repTime:       resolveInterval(),
		metrics:       m,
	}
	for _, t := range targets {
		e := &entry{hostname: t.Hostname, backRef: t.BackRef}
		if t.BackRef != nil {
			e.sock = *t.BackRef
		}
		r.entries = append(r.entries, e)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.worker(ctx)
	return r
}

// Cancel stops the background worker and blocks until it has exited.
func (r *Resolver) Cancel() {
	r.cancel()
	<-r.done
}

// Dump writes one "hostname status [error]" line per configured entry, in
// the same spirit as the slot pool's own Dump debug route.
func (r *Resolver) Dump(w io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.status == StatusFailed && e.lastErr != nil {
			fmt.Fprintf(w, "%s %s %v\n", e.hostname, e.status, e.lastErr)
			continue
		}
		fmt.Fprintf(w, "%s %s\n", e.hostname, e.status)
	}
}

// worker is the producer: it wakes periodically to check whether a
// re-resolution pass is due, either because the consumer asked for one
// urgently or because repTime has elapsed since the last pass.
func (r *Resolver) worker(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(resolveInterval() / 60)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		r.mu.Lock()
		due := r.request || now.Sub(r.lastResolved) > r.repTime
		if due {
			r.resolvePassLocked(now)
		}
		r.mu.Unlock()
	}
}

// resolvePassLocked re-resolves every entry's hostname. Called with mu
// held. On error an entry's staged socket is left unchanged, preserving
// the last-known-good address.
func (r *Resolver) resolvePassLocked(now time.Time) {
	if r.metrics != nil {
		r.metrics.IncResolveAttempts()
	}
	allOK := true
	for _, e := range r.entries {
		sock, err := netaddr.ResolveSupernode(e.hostname)
		e.lastErr = err
		if err != nil {
			e.status = StatusFailed
			allOK = false
			if r.metrics != nil {
				r.metrics.IncResolveFailure()
			}
			tracelog.RateLimitedf("resolver:"+e.hostname, time.Minute, "resolver: failed to resolve %s: %s: %v", e.hostname, e.status, err)
			continue
		}
		e.status = StatusOK
		if r.metrics != nil {
			r.metrics.IncResolveSuccess()
		}
		if !sock.Equal(e.sock) {
			e.sock = sock
			r.changed = true
		}
	}
	r.lastResolved = now
	r.request = false
	if allOK {
		r.repTime = resolveInterval()
	} else {
		r.repTime = resolveInterval() / 10
	}
}

// Check is the consumer: called from the main loop on every iteration.
// requiresResolution signals that the caller has independently detected a
// need to resolve urgently (e.g. repeated send failures to a stale
// socket). Check never blocks: it uses a non-blocking TryLock and, on
// contention, simply returns requiresResolution unchanged so the caller
// retries on its next iteration.
//
// The return value is false once the consumer has successfully informed the
// worker of an urgent need (no further local action required this
// iteration), and the original requiresResolution value otherwise, in
// particular when the consumer could not acquire the lock.
func (r *Resolver) Check(requiresResolution bool) bool {
	now := time.Now()

	if now.Sub(r.lastChecked) <= r.checkInterval && !requiresResolution {
		return requiresResolution
	}

	if !r.mu.TryLock() {
		return requiresResolution
	}
	defer r.mu.Unlock()

	ret := requiresResolution
	if r.changed {
		for _, e := range r.entries {
			if e.backRef != nil {
				*e.backRef = e.sock
				if r.metrics != nil {
					r.metrics.IncResolvePublish()
				}
			}
		}
		r.changed = false
	}

	if requiresResolution {
		r.request = true
		ret = false
	}

	r.lastChecked = now
	if r.request {
		r.checkInterval = resolveCheckInterval() / 10
	} else {
		r.checkInterval = resolveCheckInterval()
	}

	return ret
}
