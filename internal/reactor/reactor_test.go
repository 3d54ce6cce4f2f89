package reactor

import (
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}
	return fds[0], fds[1]
}

func TestSlotFramingSimpleRequest(t *testing.T) {
	slotFD, peerFD := socketpair(t)
	s := newSlot(1 << 16)
	s.fd = slotFD

	if _, err := unix.Write(peerFD, []byte("GET / HTTP/1.0\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	s.read()
	if s.State() != StateReady {
		t.Fatalf("expected StateReady, got %s", s.State())
	}
}

func TestSlotFramingWithContentLength(t *testing.T) {
	slotFD, peerFD := socketpair(t)
	s := newSlot(1 << 16)
	s.fd = slotFD

	req := "POST / HTTP/1.0\r\nContent-Length: 5\r\n\r\n"
	if _, err := unix.Write(peerFD, []byte(req)); err != nil {
		t.Fatalf("write header: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	s.read()
	if s.State() == StateReady {
		t.Fatalf("expected to still be waiting for body")
	}

	if _, err := unix.Write(peerFD, []byte("HELLO")); err != nil {
		t.Fatalf("write body: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	s.read()
	if s.State() != StateReady {
		t.Fatalf("expected StateReady after body arrives, got %s", s.State())
	}
}

func TestSlotClosesOnPeerShutdown(t *testing.T) {
	slotFD, peerFD := socketpair(t)
	s := newSlot(1 << 16)
	s.fd = slotFD
	_ = unix.Close(peerFD)
	time.Sleep(10 * time.Millisecond)
	s.read()
	if s.State() != StateClosed {
		t.Fatalf("expected StateClosed after peer shutdown, got %s", s.State())
	}
}

func TestSlotRequestOverMaxIsFatal(t *testing.T) {
	slotFD, peerFD := socketpair(t)
	s := newSlot(8) // tiny cap
	s.fd = slotFD

	req := "POST / HTTP/1.0\r\nContent-Length: 1000\r\n\r\n"
	if _, err := unix.Write(peerFD, []byte(req)); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	s.read()
	if s.State() != StateError {
		t.Fatalf("expected StateError for a request exceeding requestMax, got %s", s.State())
	}
}

func TestPoolAcceptReadReply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reactor.sock")
	p := NewPool(4, 1<<16, time.Minute, nil)
	defer p.Close()

	if err := p.ListenUnix(path, 0, -1, -1); err != nil {
		t.Fatalf("listen unix: %v", err)
	}

	clientFD, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("client socket: %v", err)
	}
	defer unix.Close(clientFD)
	if err := unix.Connect(clientFD, &unix.SockaddrUnix{Name: path}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := unix.Write(clientFD, []byte("GET / HTTP/1.0\r\n\r\n")); err != nil {
		t.Fatalf("client write: %v", err)
	}

	var readyIdx int = -1
	for i := 0; i < 50 && readyIdx == -1; i++ {
		if _, err := p.Step(20 * time.Millisecond); err != nil {
			t.Fatalf("step: %v", err)
		}
		if _, idx := p.Ready(); idx != -1 {
			readyIdx = idx
		}
	}
	if readyIdx == -1 {
		t.Fatalf("expected a slot to reach StateReady")
	}

	p.Reply(readyIdx, []byte("HTTP/1.0 200 OK\r\n\r\n"), nil)
	for i := 0; i < 50; i++ {
		if _, err := p.Step(20 * time.Millisecond); err != nil {
			t.Fatalf("step during reply: %v", err)
		}
	}

	buf := make([]byte, 256)
	n, err := unix.Read(clientFD, buf)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	got := string(buf[:n])
	if got != "HTTP/1.0 200 OK\r\n\r\n" {
		t.Fatalf("unexpected reply: %q", got)
	}
}

func TestCloseIdle(t *testing.T) {
	p := NewPool(2, 1<<16, time.Nanosecond, nil)
	defer p.Close()
	slotFD, peerFD := socketpair(t)
	defer unix.Close(peerFD)
	p.slots[0].fd = slotFD
	p.slots[0].Activity = time.Now().Add(-time.Hour)
	p.nrOpen = 1

	closed := p.CloseIdle()
	if closed != 1 {
		t.Fatalf("expected 1 slot closed, got %d", closed)
	}
	if p.slots[0].fd != -1 {
		t.Fatalf("expected slot fd reset after idle close")
	}
}
