package localexec

import "sync"

// ringTail keeps the trailing window of a byte stream. Workers can be
// arbitrarily chatty; only the newest max bytes are retained.
type ringTail struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func newRingTail(max int) *ringTail {
	return &ringTail{max: max}
}

// Write implements io.Writer and never fails.
func (r *ringTail) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf = append(r.buf, p...)
	if len(r.buf) > r.max {
		r.buf = r.buf[len(r.buf)-r.max:]
		r.truncated = true
	}
	return len(p), nil
}

// String returns the retained tail, prefixed with a truncation marker when
// older output was dropped.
func (r *ringTail) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.truncated {
		return "[...output truncated...]\n" + string(r.buf)
	}
	return string(r.buf)
}
