package peer_test

import (
	"testing"

	"n3ncore/internal/metrics"
	"n3ncore/internal/netaddr"
	"n3ncore/internal/peer"
)

func sockFor(t *testing.T, port uint16) netaddr.Sock {
	t.Helper()
	return netaddr.Sock{Family: netaddr.AFInet, Port: port, Addr4: [4]byte{10, 0, 0, 1}}
}

func macFor(t *testing.T, last byte) netaddr.MAC {
	t.Helper()
	return netaddr.MAC{0xDE, 0xAD, 0xBE, 0xEF, 0x00, last}
}

func TestAddOrFindInsertsOnAddMode(t *testing.T) {
	r := peer.New(nil)
	sock := sockFor(t, 5000)
	mac := macFor(t, 1)

	p, added := r.AddOrFind(sock, mac, peer.Add)
	if p == nil || !added {
		t.Fatalf("expected insertion, got peer=%v added=%v", p, added)
	}
	if p.MAC != mac || !p.Sock.Equal(sock) {
		t.Fatalf("unexpected peer fields: %+v", p)
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 peer, got %d", r.Len())
	}
}

func TestAddOrFindNoAddMissReturnsNil(t *testing.T) {
	r := peer.New(nil)
	p, added := r.AddOrFind(sockFor(t, 5000), macFor(t, 1), peer.NoAdd)
	if p != nil || added {
		t.Fatalf("expected no insertion on a miss with NoAdd, got peer=%v added=%v", p, added)
	}
}

func TestAddOrFindPromotesSocketOnlyEntry(t *testing.T) {
	r := peer.New(nil)
	sock := sockFor(t, 5000)
	var nullMAC netaddr.MAC

	// Learn the peer by socket only first.
	p1, added := r.AddOrFind(sock, nullMAC, peer.Add)
	if p1 == nil || !added {
		t.Fatalf("expected socket-only insertion")
	}
	if !p1.MAC.IsNull() {
		t.Fatalf("expected null mac on socket-only entry")
	}

	// Now its MAC becomes known; the existing entry must be found and
	// promoted, not duplicated.
	mac := macFor(t, 7)
	p2, added2 := r.AddOrFind(sock, mac, peer.NoAdd)
	if added2 {
		t.Fatalf("expected promotion, not a fresh insertion")
	}
	if p2 != p1 {
		t.Fatalf("expected the same peer object to be promoted")
	}
	if p2.MAC != mac {
		t.Fatalf("expected mac to be set to %v, got %v", mac, p2.MAC)
	}
	if r.Len() != 1 {
		t.Fatalf("expected exactly 1 peer after promotion, got %d", r.Len())
	}

	// The promoted MAC must now be directly findable.
	found, ok := r.Find(mac)
	if !ok || found != p1 {
		t.Fatalf("expected lookup by promoted mac to hit, ok=%v found=%v", ok, found)
	}
}

func TestAddOrFindByMACHitDoesNotRefreshSocket(t *testing.T) {
	r := peer.New(nil)
	mac := macFor(t, 9)
	original := sockFor(t, 5000)
	r.AddOrFind(original, mac, peer.Add)

	moved := sockFor(t, 6000)
	p, added := r.AddOrFind(moved, mac, peer.NoAdd)
	if added {
		t.Fatalf("expected a hit, not an insertion")
	}
	if !p.Sock.Equal(original) {
		t.Fatalf("expected socket to remain unchanged on a mac hit, got %v", p.Sock)
	}
}

func TestRemoveAndLen(t *testing.T) {
	r := peer.New(nil)
	mac := macFor(t, 3)
	r.AddOrFind(sockFor(t, 5000), mac, peer.Add)
	if !r.Remove(mac) {
		t.Fatalf("expected removal to succeed")
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry after removal, got %d", r.Len())
	}
	if r.Remove(mac) {
		t.Fatalf("expected second removal to report false")
	}
}

func TestUpdateSock(t *testing.T) {
	r := peer.New(nil)
	mac := macFor(t, 4)
	r.AddOrFind(sockFor(t, 5000), mac, peer.Add)

	changed := r.UpdateSock(mac, sockFor(t, 6000))
	if !changed {
		t.Fatalf("expected UpdateSock to report a change")
	}
	p, _ := r.Find(mac)
	if p.Sock.Port != 6000 {
		t.Fatalf("expected updated port 6000, got %d", p.Sock.Port)
	}
	if r.UpdateSock(mac, sockFor(t, 6000)) {
		t.Fatalf("expected no-op update to report unchanged")
	}
}

func TestAddOrFindMultipleNullMACPeersDoNotCollide(t *testing.T) {
	r := peer.New(nil)
	var nullMAC netaddr.MAC
	sockA := sockFor(t, 5000)
	sockB := sockFor(t, 5001)

	pA, addedA := r.AddOrFind(sockA, nullMAC, peer.Add)
	pB, addedB := r.AddOrFind(sockB, nullMAC, peer.Add)
	if !addedA || !addedB {
		t.Fatalf("expected both null-mac sockets to insert fresh peers")
	}
	if pA == pB {
		t.Fatalf("expected two distinct null-mac peer entries, got the same one")
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 peers registered, got %d", r.Len())
	}

	peers := r.List()
	if len(peers) != 2 {
		t.Fatalf("expected List to surface both null-mac peers, got %d", len(peers))
	}

	// Each socket must still resolve to its own peer via the socket scan;
	// neither is reachable by MAC, since both share the null key.
	foundA, _ := r.AddOrFind(sockA, nullMAC, peer.NoAdd)
	foundB, _ := r.AddOrFind(sockB, nullMAC, peer.NoAdd)
	if foundA != pA || foundB != pB {
		t.Fatalf("expected socket scan to recover each peer independently, got %v %v", foundA, foundB)
	}
}

func TestAddOrFindRecordsMetrics(t *testing.T) {
	m := metrics.New()
	r := peer.New(m)
	sock := sockFor(t, 5000)
	var nullMAC netaddr.MAC

	r.AddOrFind(sock, nullMAC, peer.Add)
	mac := macFor(t, 7)
	r.AddOrFind(sock, mac, peer.NoAdd) // promotes the socket-only entry

	snap := m.Snapshot()
	if snap.RegistryAdded != 1 {
		t.Fatalf("registry_added=%d want 1", snap.RegistryAdded)
	}
	if snap.RegistryPromote != 1 {
		t.Fatalf("registry_promoted=%d want 1", snap.RegistryPromote)
	}
	if snap.RegistrySize != 1 {
		t.Fatalf("registry_size=%d want 1", snap.RegistrySize)
	}

	r.Remove(mac)
	if got := m.Snapshot().RegistrySize; got != 0 {
		t.Fatalf("registry_size after remove=%d want 0", got)
	}
}
