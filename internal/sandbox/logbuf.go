package sandbox

import (
	"fmt"
	"sync"
)

// truncatingBuffer keeps the first max bytes written to it and records that
// the rest was dropped. Writes never fail, so a chatty build is not killed
// by a broken pipe.
type truncatingBuffer struct {
	mu        sync.Mutex
	max       int64
	buf       []byte
	dropped   int64
	truncated bool
}

func newTruncatingBuffer(max int64) *truncatingBuffer {
	return &truncatingBuffer{max: max}
}

func (b *truncatingBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max <= 0 {
		b.buf = append(b.buf, p...)
		return len(p), nil
	}
	room := b.max - int64(len(b.buf))
	if room >= int64(len(p)) {
		b.buf = append(b.buf, p...)
		return len(p), nil
	}
	if room > 0 {
		b.buf = append(b.buf, p[:room]...)
	}
	b.dropped += int64(len(p)) - max(room, 0)
	b.truncated = true
	return len(p), nil
}

// Bytes returns the kept output, followed by a marker line when output was
// dropped.
func (b *truncatingBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := append([]byte(nil), b.buf...)
	if b.truncated {
		out = append(out, fmt.Sprintf("\n[log truncated: %d bytes dropped after %d]\n", b.dropped, b.max)...)
	}
	return out
}

func (b *truncatingBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
