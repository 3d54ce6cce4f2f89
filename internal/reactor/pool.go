package reactor

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"n3ncore/internal/metrics"
)

// MaxListeners bounds the number of simultaneous listening sockets a Pool
// can hold, mirroring connslot.c's SLOTS_LISTEN cap. cmd/n3ncore uses at
// most two: one Unix-domain listener plus, optionally, one TCP dual-stack
// listener.
const MaxListeners = 4

const (
	DefaultSlotCount    = 32
	DefaultIdleTimeout  = 60 * time.Second
	DefaultRequestMax   = 1 << 20 // 1 MiB, per the Open Question resolution in DESIGN.md
)

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// SlotCount returns N3N_SLOT_COUNT or DefaultSlotCount.
func SlotCount() int { return envInt("N3N_SLOT_COUNT", DefaultSlotCount) }

// RequestMax returns N3N_SLOT_REQUEST_MAX or DefaultRequestMax.
func RequestMax() int { return envInt("N3N_SLOT_REQUEST_MAX", DefaultRequestMax) }

// IdleTimeout returns N3N_SLOT_IDLE_SEC (seconds) or DefaultIdleTimeout.
func IdleTimeout() time.Duration {
	return time.Duration(envInt("N3N_SLOT_IDLE_SEC", int(DefaultIdleTimeout/time.Second))) * time.Second
}

// Pool is the fixed-size slot reactor: a set of connection slots plus up to
// MaxListeners listening sockets. A Pool is driven by one goroutine calling
// Step (which polls, accepts, reads and writes) in a loop; it holds no internal lock because the spec's
// concurrency model runs the reactor single-threaded cooperative.
type Pool struct {
	slots   []*Slot
	listen  [MaxListeners]int
	timeout time.Duration
	nrOpen  int
	metrics *metrics.Metrics
}

// NewPool allocates a Pool of n slots, each capped at requestMax bytes of
// request (header plus body); a slot whose request exceeds the cap goes to
// StateError.
func NewPool(n int, requestMax int, timeout time.Duration, m *metrics.Metrics) *Pool {
	p := &Pool{timeout: timeout, metrics: m}
	for i := range p.listen {
		p.listen[i] = -1
	}
	p.slots = make([]*Slot, n)
	for i := range p.slots {
		p.slots[i] = newSlot(requestMax)
	}
	return p
}

func (p *Pool) findEmptyListener() int {
	for i, fd := range p.listen {
		if fd == -1 {
			return i
		}
	}
	return -1
}

// Close releases every open slot and listener.
func (p *Pool) Close() {
	for _, s := range p.slots {
		if s.fd != -1 {
			s.close()
		}
	}
	p.closeListeners()
}

func (p *Pool) closeListeners() {
	for i, fd := range p.listen {
		if fd != -1 {
			_ = unix.Close(fd)
			p.listen[i] = -1
		}
	}
}

// NrOpen returns the number of slots currently occupied.
func (p *Pool) NrOpen() int { return p.nrOpen }

// NrSlots returns the total slot capacity.
func (p *Pool) NrSlots() int { return len(p.slots) }

// pollEvents builds the unix.PollFd set: every open slot is polled for
// read-readiness (and write-readiness while StateSending), and the
// listeners are polled for read-readiness only while the pool has spare
// capacity — this is the load-shedding behavior from §4.4: once full, new
// connections pile up in the kernel's (deliberately shallow) accept queue.
func (p *Pool) pollEvents() ([]unix.PollFd, []int) {
	var fds []unix.PollFd
	var slotIdx []int

	nrOpen := 0
	for i, s := range p.slots {
		if s.fd == -1 {
			continue
		}
		nrOpen++
		ev := int16(unix.POLLIN)
		if s.isWriter() {
			ev |= unix.POLLOUT
		}
		fds = append(fds, unix.PollFd{Fd: int32(s.fd), Events: ev})
		slotIdx = append(slotIdx, i)
	}
	p.nrOpen = nrOpen
	if p.metrics != nil {
		p.metrics.SetSlotsOpen(nrOpen)
	}

	if nrOpen < len(p.slots) {
		for _, fd := range p.listen {
			if fd == -1 {
				continue
			}
			fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
			slotIdx = append(slotIdx, -1) // sentinel: this entry is a listener
		}
	}

	return fds, slotIdx
}

// Step runs one iteration of the reactor loop: it polls with the given
// timeout, accepts any newly-ready listener connections, and reads/writes
// every ready slot. It returns the number of slots that reached
// StateReady this iteration.
func (p *Pool) Step(pollTimeout time.Duration) (int, error) {
	fds, idx := p.pollEvents()
	if len(fds) == 0 {
		time.Sleep(pollTimeout)
		return 0, nil
	}

	_, err := unix.Poll(fds, int(pollTimeout/time.Millisecond))
	if err != nil && err != unix.EINTR {
		return 0, err
	}

	nrReady := 0
	listenFDs := p.listenerFDsFromEvents(fds, idx)
	for _, fd := range listenFDs {
		if err := p.acceptFrom(fd); err != nil {
			if p.metrics != nil {
				p.metrics.IncSlotsAcceptError()
			}
		}
	}

	for i, pfd := range fds {
		si := idx[i]
		if si == -1 {
			continue
		}
		s := p.slots[si]
		if pfd.Revents&unix.POLLIN != 0 {
			s.read()
			if s.state == StateError && p.metrics != nil {
				p.metrics.IncSlotsReadError()
			}
		}

		switch s.state {
		case StateReady:
			nrReady++
		case StateError, StateClosed:
			s.close()
			continue
		}

		if pfd.Revents&unix.POLLOUT != 0 && s.isWriter() {
			_, _ = s.write()
			if s.state == StateError || s.state == StateClosed {
				s.close()
			}
		}
	}

	return nrReady, nil
}

func (p *Pool) listenerFDsFromEvents(fds []unix.PollFd, idx []int) []int {
	var out []int
	for i, pfd := range fds {
		if idx[i] != -1 {
			continue
		}
		if pfd.Revents&unix.POLLIN != 0 {
			out = append(out, int(pfd.Fd))
		}
	}
	return out
}

// acceptFrom accepts one connection from the given listener fd into the
// first free slot, matching slots_accept()'s -1 (accept error) / -2 (no
// free slot) failure modes, surfaced here as Go errors.
func (p *Pool) acceptFrom(listenFD int) error {
	slotIdx := -1
	for i, s := range p.slots {
		if s.fd == -1 {
			slotIdx = i
			break
		}
	}
	if slotIdx == -1 {
		return fmt.Errorf("reactor: no free slot")
	}

	client, _, err := unix.Accept(listenFD)
	if err != nil {
		return fmt.Errorf("reactor: accept: %w", err)
	}

	if err := unix.SetNonblock(client, true); err != nil {
		_ = unix.Close(client)
		return fmt.Errorf("reactor: set nonblock: %w", err)
	}

	s := p.slots[slotIdx]
	s.fd = client
	s.Activity = time.Now()
	p.nrOpen++
	if p.metrics != nil {
		p.metrics.IncSlotsAccepted()
	}
	return nil
}

// CloseIdle closes every slot whose Activity is older than the pool's
// configured timeout and returns the number closed.
func (p *Pool) CloseIdle() int {
	now := time.Now()
	closed := 0
	for _, s := range p.slots {
		if s.fd == -1 {
			continue
		}
		if now.Sub(s.Activity) > p.timeout {
			s.close()
			closed++
		}
	}
	p.nrOpen -= closed
	if p.nrOpen < 0 {
		p.nrOpen = 0
	}
	if closed > 0 && p.metrics != nil {
		for i := 0; i < closed; i++ {
			p.metrics.IncSlotsIdleClosed()
		}
	}
	return closed
}

// Ready returns the first slot in StateReady along with its index, or
// (nil, -1) if none. Used by the application layer to pull a completed
// request off the pool for handling.
func (p *Pool) Ready() (*Slot, int) {
	for i, s := range p.slots {
		if s.state == StateReady {
			return s, i
		}
	}
	return nil, -1
}

// Reply attaches a header/body reply to the slot at index i, arming it for
// sending on the next Step. Either header or body may be nil, and body may
// alias the slot's own request buffer (Slot.Request()); the write path
// tolerates that aliasing.
func (p *Pool) Reply(i int, header, body []byte) {
	s := p.slots[i]
	s.ReplyHeader = header
	s.Reply = body
	s.sendPos = 0
	s.state = StateSending
}

// Dump writes a human-readable summary of every slot to w, mirroring
// connslot.c's slots_dump()/conn_dump().
func (p *Pool) Dump(w io.Writer) {
	fmt.Fprintf(w, "slots: %d/%d, timeout=%s, listen=", p.nrOpen, len(p.slots), p.timeout)
	for _, fd := range p.listen {
		fmt.Fprintf(w, "%d,", fd)
	}
	fmt.Fprintln(w)
	for i, s := range p.slots {
		fmt.Fprintf(w, "%d: fd=%d state=%s sendpos=%d activity=%s reqlen=%d\n",
			i, s.fd, s.state, s.sendPos, s.Activity.Format(time.RFC3339), len(s.request))
	}
}
