package supervisor

import (
	"bytes"
	"io"
	"strings"
	"sync"
)

// truncationMarker is appended whenever captured output hits the byte
// ceiling, so truncation is always explicit.
const truncationMarker = "\n[output truncated]"

// cappedBuffer captures process output up to a byte ceiling. Excess bytes are
// dropped mid-stream but never silently: String appends the marker.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	if limit <= 0 {
		limit = 64 * 1024
	}
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.truncated = true
		b.buf.Write(p[:remaining])
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.truncated {
		return b.buf.String() + truncationMarker
	}
	return b.buf.String()
}

func (b *cappedBuffer) Reader() io.Reader {
	return strings.NewReader(b.String())
}
