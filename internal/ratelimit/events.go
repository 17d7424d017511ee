package ratelimit

import "time"

// Kind classifies a LogEntry.
type Kind string

const (
	KindThrottle    Kind = "throttle"
	KindSuccess     Kind = "success"
	KindError       Kind = "error"
	KindRateLimited Kind = "rate_limited"
	KindBackoff     Kind = "backoff"
	KindExhausted   Kind = "exhausted"
)

// LogEntry is one introspection record.
type LogEntry struct {
	Time    time.Time
	Kind    Kind
	Attempt int
	Delay   time.Duration
	Error   string
}

// Stats are cumulative limiter counters.
type Stats struct {
	Calls       int
	RateLimited int
	Retries     int
	Throttles   int
	TotalWait   time.Duration
	WindowCount int
}

// ring is a fixed-size buffer that overwrites its oldest entry.
type ring struct {
	buf  []LogEntry
	next int
	full bool
}

func newRing(size int) *ring {
	return &ring{buf: make([]LogEntry, size)}
}

func (r *ring) push(e LogEntry) {
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) items() []LogEntry {
	if !r.full {
		return append([]LogEntry(nil), r.buf[:r.next]...)
	}
	out := make([]LogEntry, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
