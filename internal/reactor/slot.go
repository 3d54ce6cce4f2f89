// Package reactor implements the fixed-size connection-slot pool that
// multiplexes HTTP/1.x-subset management traffic over a readiness-polled
// descriptor set: a pool of N slots, each carrying a small state machine
// (empty/reading/ready/sending/closed/error), request framing on the
// header terminator plus an optional Content-Length body, and a
// scatter-gather reply write.
package reactor

import (
	"bytes"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

// State is one node of the slot state machine.
type State int

const (
	StateEmpty State = iota
	StateReading
	StateReady
	StateSending
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateReading:
		return "reading"
	case StateReady:
		return "ready"
	case StateSending:
		return "sending"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

var headerTerminator = []byte("\r\n\r\n")
var contentLengthField = []byte("Content-Length:")

// Slot is one connection context. The request buffer is read into
// directly; ReplyHeader and Reply are filled in by the application once
// the slot reaches StateReady, and may alias the same backing array (a
// reply built in place over the request buffer) — Reset never frees a
// buffer twice for this reason.
type Slot struct {
	fd    int
	state State

	request      []byte
	requestReady int // cached expected total length once known, 0 if unknown

	ReplyHeader []byte
	Reply       []byte
	sendPos     int

	Activity time.Time

	requestMax int
}

func newSlot(requestMax int) *Slot {
	s := &Slot{requestMax: requestMax}
	s.reset()
	return s
}

func (s *Slot) reset() {
	s.fd = -1
	s.state = StateEmpty
	s.request = s.request[:0]
	s.requestReady = 0
	s.ReplyHeader = nil
	s.Reply = nil
	s.sendPos = 0
	s.Activity = time.Time{}
}

// FD returns the slot's file descriptor, or -1 if it is unoccupied.
func (s *Slot) FD() int { return s.fd }

// State returns the slot's current state.
func (s *Slot) State() State { return s.state }

// Request returns the accumulated request bytes. Valid once State is
// StateReady.
func (s *Slot) Request() []byte { return s.request }

// isWriter reports whether this slot currently wants write-readiness.
func (s *Slot) isWriter() bool {
	return s.state == StateSending
}

// read performs one non-blocking read and advances the framing state
// machine, mirroring connslot.c's conn_read(): it accumulates bytes,
// scans for the CRLFCRLF header terminator, and — if a Content-Length
// header is present — waits for that many additional body bytes before
// transitioning to StateReady.
func (s *Slot) read() {
	s.state = StateReading

	var buf [4096]byte
	n, err := unix.Read(s.fd, buf[:])
	if n == 0 && err == nil {
		// Non-blocking socket with a non-zero-sized read request: a zero
		// return means the far end closed.
		s.state = StateClosed
		return
	}
	if err != nil {
		if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
			s.state = StateEmpty
			return
		}
		s.state = StateError
		return
	}

	s.request = append(s.request, buf[:n]...)
	s.Activity = time.Now()

	if s.requestMax > 0 && len(s.request) > s.requestMax {
		s.state = StateError
		return
	}

	if len(s.request) < 4 {
		return
	}

	expected := s.requestReady
	if expected == 0 {
		idx := bytes.Index(s.request, headerTerminator)
		if idx < 0 {
			return
		}
		bodyPos := idx + len(headerTerminator)

		clIdx := bytes.Index(s.request[:bodyPos], contentLengthField)
		if clIdx < 0 {
			s.state = StateReady
			return
		}
		expected = bodyPos + parseContentLength(s.request[clIdx+len(contentLengthField):bodyPos])
	}

	if s.requestMax > 0 && expected > s.requestMax {
		s.state = StateError
		return
	}

	s.requestReady = expected
	if len(s.request) < expected {
		return
	}

	s.state = StateReady
	s.requestReady = 0
}

// parseContentLength reads the decimal digits immediately following the
// "Content-Length:" field name, skipping leading whitespace, mirroring
// strtoul()'s tolerant parsing.
func parseContentLength(field []byte) int {
	i := 0
	for i < len(field) && (field[i] == ' ' || field[i] == '\t') {
		i++
	}
	j := i
	for j < len(field) && field[j] >= '0' && field[j] <= '9' {
		j++
	}
	if j == i {
		return 0
	}
	v, err := strconv.Atoi(string(field[i:j]))
	if err != nil {
		return 0
	}
	return v
}

// write emits as many bytes of ReplyHeader+Reply as a single scatter-gather
// syscall will take, preferring unix.Writev and falling back to sequential
// writes if Writev is unavailable. Once the full reply has been sent the
// slot returns to StateEmpty and its buffers are cleared; ReplyHeader and
// Reply are never freed twice even when they alias the same array, since
// clearing is just slicing to length zero, not a pointer free.
func (s *Slot) write() (int, error) {
	s.state = StateSending
	if s.fd == -1 {
		return 0, nil
	}

	total := len(s.ReplyHeader) + len(s.Reply)

	var iovs [][]byte
	if s.sendPos < len(s.ReplyHeader) {
		iovs = append(iovs, s.ReplyHeader[s.sendPos:])
		iovs = append(iovs, s.Reply)
	} else {
		replyPos := s.sendPos - len(s.ReplyHeader)
		iovs = append(iovs, s.Reply[replyPos:])
	}

	sent, err := unix.Writev(s.fd, iovs)
	if err == unix.ENOSYS {
		sent, err = s.writeSequential()
	}
	if err != nil {
		s.state = StateError
		return sent, err
	}

	s.sendPos += sent
	s.Activity = time.Now()

	if s.sendPos >= total {
		s.state = StateEmpty
		s.sendPos = 0
		s.ReplyHeader = nil
		s.Reply = nil
		s.request = s.request[:0]
	}

	return sent, nil
}

func (s *Slot) writeSequential() (int, error) {
	total := 0
	if s.sendPos < len(s.ReplyHeader) {
		n, err := unix.Write(s.fd, s.ReplyHeader[s.sendPos:])
		total += n
		if err != nil {
			return total, err
		}
	}
	replyPos := s.sendPos + total - len(s.ReplyHeader)
	if replyPos < 0 {
		replyPos = 0
	}
	if replyPos < len(s.Reply) {
		n, err := unix.Write(s.fd, s.Reply[replyPos:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func iovecFor(b []byte) unix.Iovec {
	var iov unix.Iovec
	if len(b) > 0 {
		iov.Base = &b[0]
	}
	iov.SetLen(len(b))
	return iov
}

// close releases the slot's descriptor and returns it to StateEmpty.
func (s *Slot) close() {
	if s.fd != -1 {
		_ = unix.Close(s.fd)
	}
	s.reset()
}
