// Package progress decides when a running transfer persists its offset.
package progress

// Checkpointer marks fixed byte thresholds, counted from the offset the
// transfer started at. Callers split incoming chunks with Split so that every
// checkpoint lands exactly on a threshold, whatever the server's chunking.
type Checkpointer struct {
	interval int64
	next     int64
}

// NewCheckpointer starts counting at offset. interval must be positive.
func NewCheckpointer(offset, interval int64) *Checkpointer {
	if interval <= 0 {
		panic("progress: checkpoint interval must be positive")
	}

	return &Checkpointer{
		interval: interval,
		next:     offset + interval,
	}
}

// Split returns how many of the n bytes about to be written at offset fit
// before the next checkpoint.
func (c *Checkpointer) Split(offset int64, n int) int {
	if remaining := c.next - offset; int64(n) > remaining {
		return int(remaining)
	}

	return n
}

// Reached reports whether offset is at (or past) the next checkpoint and, if
// so, moves the threshold forward.
func (c *Checkpointer) Reached(offset int64) bool {
	if offset < c.next {
		return false
	}

	for c.next <= offset {
		c.next += c.interval
	}

	return true
}

// Next is the offset of the upcoming checkpoint.
func (c *Checkpointer) Next() int64 {
	return c.next
}
