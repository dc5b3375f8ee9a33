package eventlog_test

import (
	"bytes"
	"testing"

	"github.com/srg/bassist/internal/eventlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdd_Drain(t *testing.T) {
	log := eventlog.New("test", 8)

	log.Add("source found: %d", 42)
	log.Add("sync established")

	lines := log.Drain()
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "source found: 42")
	assert.Contains(t, lines[1], "sync established")

	// Drain empties the log.
	assert.Empty(t, log.Drain())
}

func TestAdd_OverwritesOldest(t *testing.T) {
	log := eventlog.New("test", 4)

	for i := 0; i < 20; i++ {
		log.Add("event %d", i)
	}

	lines := log.Drain()
	assert.NotEmpty(t, lines)
	assert.LessOrEqual(t, len(lines), 4)
	// The newest event is always retained.
	assert.Contains(t, lines[len(lines)-1], "event 19")
}

func TestDump(t *testing.T) {
	log := eventlog.New("assistant events", 8)
	log.Add("search started")

	var buf bytes.Buffer
	log.Dump(&buf)

	out := buf.String()
	assert.Contains(t, out, "assistant events (1 events):")
	assert.Contains(t, out, "search started")
}

func TestNew_PanicsOnZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { eventlog.New("x", 0) })
}
