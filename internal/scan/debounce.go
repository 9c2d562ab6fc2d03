package scan

import (
	"sync"
	"time"
)

// Debouncer suppresses identical codes resubmitted within a window. Camera
// decoders fire several times while one card is held up; only the first
// decode should reach the submission path. This is a UI noise filter,
// independent of server-side duplicate detection.
type Debouncer struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewDebouncer creates a debouncer; window <= 0 falls back to 2 seconds.
func NewDebouncer(window time.Duration) *Debouncer {
	if window <= 0 {
		window = 2 * time.Second
	}
	return &Debouncer{window: window, now: time.Now, seen: make(map[string]time.Time)}
}

// Allow reports whether a code should pass through, recording it if so.
func (d *Debouncer) Allow(code string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if last, ok := d.seen[code]; ok && now.Sub(last) < d.window {
		return false
	}
	d.seen[code] = now
	d.sweep(now)
	return true
}

// sweep drops stale entries so the map doesn't grow with every distinct code
// scanned over a long shift.
func (d *Debouncer) sweep(now time.Time) {
	if len(d.seen) < 1024 {
		return
	}
	for code, last := range d.seen {
		if now.Sub(last) >= d.window {
			delete(d.seen, code)
		}
	}
}
