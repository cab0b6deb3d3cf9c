package gatewayhttp

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// lockedWriteFlusher serializes writes and flushes to the response so event
// frames from the subscription callback never interleave.
type lockedWriteFlusher struct {
	mu sync.Mutex
	w  io.Writer
	f  http.Flusher
}

func (wf *lockedWriteFlusher) Write(p []byte) (int, error) {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return wf.w.Write(p)
}

func (wf *lockedWriteFlusher) Flush() {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	wf.f.Flush()
}

// writeSSEEvent writes a single server-sent event frame with its id and
// flushes it immediately. Payload newlines become multiple data lines per
// the SSE framing rules.
func writeSSEEvent(wf *lockedWriteFlusher, eventID string, data []byte) error {
	var buf bytes.Buffer
	if eventID != "" {
		fmt.Fprintf(&buf, "id: %s\n", eventID)
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')

	if _, err := wf.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	wf.Flush()
	return nil
}
