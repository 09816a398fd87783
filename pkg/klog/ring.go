package klog

import (
	"container/ring"
	"sync"
)

// Ring is a fixed-size history of formatted log lines, oldest overwritten
// first. Grounded on minilog's own container/ring-backed log history.
type Ring struct {
	mu   sync.Mutex
	r    *ring.Ring
	size int
}

// NewRing allocates a ring holding size lines.
func NewRing(size int) *Ring {
	return &Ring{r: ring.New(size), size: size}
}

// Append records one formatted line.
func (l *Ring) Append(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.r = l.r.Next()
	l.r.Value = line
}

// Dump returns buffered lines oldest to newest.
func (l *Ring) Dump() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, 0, l.size)
	l.r.Next().Do(func(v interface{}) {
		if v != nil {
			out = append(out, v.(string))
		}
	})
	return out
}
