// Package eventlog keeps a bounded in-memory history of notable service
// events for diagnostics. When the ring is full the oldest entries are
// overwritten, so the log always holds the most recent activity.
package eventlog

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// Log records timestamped one-line events into an overwrite-oldest ring.
// All methods are safe for concurrent use.
type Log struct {
	title string
	ring  mpmc.RichOverlappedRingBuffer[entry]

	mu  sync.Mutex
	now func() time.Time
}

type entry struct {
	at   time.Time
	line string
}

// New creates a Log holding at most capacity entries. Capacity is rounded up
// by the underlying ring; it must be positive.
func New(title string, capacity uint32) *Log {
	if capacity == 0 {
		panic("eventlog: capacity must be > 0")
	}
	return &Log{
		title: title,
		ring:  mpmc.NewOverlappedRingBuffer[entry](capacity),
		now:   time.Now,
	}
}

// Add records a formatted event line, overwriting the oldest entry when the
// ring is full.
func (l *Log) Add(format string, args ...interface{}) {
	l.mu.Lock()
	at := l.now()
	l.mu.Unlock()

	_, _ = l.ring.EnqueueM(entry{at: at, line: fmt.Sprintf(format, args...)})
}

// Drain removes and returns all recorded lines, oldest first.
func (l *Log) Drain() []string {
	var lines []string
	for !l.ring.IsEmpty() {
		e, err := l.ring.Dequeue()
		if err != nil {
			break
		}
		lines = append(lines, fmt.Sprintf("%s %s", e.at.Format(time.RFC3339), e.line))
	}
	return lines
}

// Dump writes the drained history to w under the log title.
func (l *Log) Dump(w io.Writer) {
	lines := l.Drain()
	fmt.Fprintf(w, "%s (%d events):\n", l.title, len(lines))
	if len(lines) > 0 {
		fmt.Fprintln(w, "  "+strings.Join(lines, "\n  "))
	}
}
