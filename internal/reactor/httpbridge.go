package reactor

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
)

// recorder is a minimal http.ResponseWriter sufficient to capture a
// handler's output for replay through a Slot's scatter-gather write; it
// exists so the pool's management routes (the Prometheus exposition
// endpoint, a status page, a dump page) can be ordinary net/http.Handlers even though
// the reactor itself speaks only the HTTP/1.x request-framing subset
// described in §4.4, not a full server loop.
type recorder struct {
	header     http.Header
	statusCode int
	body       bytes.Buffer
}

func newRecorder() *recorder {
	return &recorder{header: make(http.Header), statusCode: http.StatusOK}
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) Write(b []byte) (int, error) { return r.body.Write(b) }

func (r *recorder) WriteHeader(code int) { r.statusCode = code }

// ServeHTTP parses the ready slot's accumulated request bytes as an
// HTTP/1.x request, runs it through handler, and arms the slot to send
// the serialized response on the pool's next Step.
func ServeHTTP(p *Pool, idx int, handler http.Handler) error {
	s := p.slots[idx]
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(s.Request())))
	if err != nil {
		return fmt.Errorf("reactor: parse request: %w", err)
	}

	rec := newRecorder()
	handler.ServeHTTP(rec, req)

	var header bytes.Buffer
	fmt.Fprintf(&header, "HTTP/1.0 %d %s\r\n", rec.statusCode, http.StatusText(rec.statusCode))
	fmt.Fprintf(&header, "Content-Length: %d\r\n", rec.body.Len())
	for k, vs := range rec.header {
		for _, v := range vs {
			fmt.Fprintf(&header, "%s: %s\r\n", k, v)
		}
	}
	header.WriteString("\r\n")

	p.Reply(idx, header.Bytes(), rec.body.Bytes())
	return nil
}
