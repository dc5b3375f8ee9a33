package ringchan_test

import (
	"testing"

	"github.com/srg/bassist/internal/ringchan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSend_DropsOldestWhenFull(t *testing.T) {
	rc := ringchan.New[int](3)

	for i := 1; i <= 5; i++ {
		rc.Send(i)
	}

	// Only the last 3 remain.
	var got []int
	for {
		v, ok := rc.TryReceive()
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []int{3, 4, 5}, got)

	m := rc.GetMetrics()
	assert.EqualValues(t, 5, m.Written)
	assert.EqualValues(t, 2, m.Dropped)
	assert.EqualValues(t, 3, m.Delivered)
}

func TestTrySend_FailsWhenFull(t *testing.T) {
	rc := ringchan.New[string](1)

	assert.True(t, rc.TrySend("a"))
	assert.False(t, rc.TrySend("b"))

	v, ok := rc.Receive()
	require.True(t, ok)
	assert.Equal(t, "a", v)
}

func TestReceive_AfterClose(t *testing.T) {
	rc := ringchan.New[int](2)
	rc.Send(7)
	rc.Close()

	v, ok := rc.Receive()
	require.True(t, ok)
	assert.Equal(t, 7, v)

	_, ok = rc.Receive()
	assert.False(t, ok)
}

func TestNew_PanicsOnZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { ringchan.New[int](0) })
}
