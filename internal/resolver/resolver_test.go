package resolver

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"n3ncore/internal/netaddr"
)

func TestCheckPublishesChangedEntries(t *testing.T) {
	var backRef netaddr.Sock
	r := &Resolver{
		entries:       []*entry{{hostname: "sn1", backRef: &backRef}},
		checkInterval: time.Hour,
	}
	want := netaddr.Sock{Family: netaddr.AFInet, Port: 7654, Addr4: [4]byte{10, 0, 0, 5}}
	r.entries[0].sock = want
	r.changed = true

	ret := r.Check(false)
	if ret != false {
		t.Fatalf("expected Check to return false, got %v", ret)
	}
	if !backRef.Equal(want) {
		t.Fatalf("expected backRef to be published, got %v want %v", backRef, want)
	}
	if r.changed {
		t.Fatalf("expected changed flag cleared after publish")
	}
}

func TestCheckSignalsRequestAndShortensInterval(t *testing.T) {
	r := &Resolver{checkInterval: time.Hour}
	ret := r.Check(true)
	if ret != false {
		t.Fatalf("expected Check(true) to return false once it has signaled the worker")
	}
	if !r.request {
		t.Fatalf("expected request flag set")
	}
	if r.checkInterval != resolveCheckInterval()/10 {
		t.Fatalf("expected shortened check interval, got %v", r.checkInterval)
	}
}

func TestCheckDefersWhenLockHeld(t *testing.T) {
	r := &Resolver{checkInterval: time.Hour}
	r.mu.Lock()
	defer r.mu.Unlock()
	if ret := r.Check(true); ret != true {
		t.Fatalf("expected Check to defer and return requiresResolution unchanged when contended, got %v", ret)
	}
}

func TestResolvePassPreservesSocketOnError(t *testing.T) {
	var backRef netaddr.Sock
	prior := netaddr.Sock{Family: netaddr.AFInet, Port: 1, Addr4: [4]byte{1, 1, 1, 1}}
	r := &Resolver{entries: []*entry{{hostname: "this-host-should-not-resolve.invalid", backRef: &backRef, sock: prior}}}
	r.resolvePassLocked(time.Now())
	if !r.entries[0].sock.Equal(prior) {
		t.Fatalf("expected socket preserved on resolution error, got %v", r.entries[0].sock)
	}
	if r.entries[0].lastErr == nil {
		t.Fatalf("expected lastErr to be set for an unresolvable hostname")
	}
}

func TestCreateAndCancel(t *testing.T) {
	r := Create(nil, nil)
	r.Cancel()
}

func TestResolvePassSetsEntryStatus(t *testing.T) {
	ok := &entry{hostname: "127.0.0.1:1234"}
	bad := &entry{hostname: "this-host-should-not-resolve.invalid"}
	r := &Resolver{entries: []*entry{ok, bad}}
	r.resolvePassLocked(time.Now())

	if ok.status != StatusOK {
		t.Fatalf("expected IP-literal spec to be %s, got %s", StatusOK, ok.status)
	}
	if bad.status != StatusFailed {
		t.Fatalf("expected unresolvable host to be %s, got %s", StatusFailed, bad.status)
	}

	var buf bytes.Buffer
	r.Dump(&buf)
	out := buf.String()
	if !strings.Contains(out, "127.0.0.1:1234 ok") {
		t.Fatalf("expected dump to report the IP-literal entry as ok, got %q", out)
	}
	if !strings.Contains(out, "this-host-should-not-resolve.invalid failed") {
		t.Fatalf("expected dump to report the bad host as failed, got %q", out)
	}
}

func TestEntryStatusStartsPending(t *testing.T) {
	r := &Resolver{entries: []*entry{{hostname: "sn1"}}}
	var buf bytes.Buffer
	r.Dump(&buf)
	if !strings.Contains(buf.String(), "sn1 pending") {
		t.Fatalf("expected a freshly created entry to report pending, got %q", buf.String())
	}
}
