package evloop

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTimeoutSetOrdersByDeadline(t *testing.T) {
	var ts timeoutSet
	c10 := &Completion{heapIdx: -1}
	c5 := &Completion{heapIdx: -1}
	c20 := &Completion{heapIdx: -1}

	ts.insert(c10, 10)
	ts.insert(c5, 5)
	ts.insert(c20, 20)

	d, ok := ts.earliestDeadline()
	require.True(t, ok)
	require.Equal(t, uint64(5), d)
}

func TestTimeoutSetRemove(t *testing.T) {
	var ts timeoutSet
	c1 := &Completion{heapIdx: -1}
	c2 := &Completion{heapIdx: -1}
	ts.insert(c1, 10)
	ts.insert(c2, 20)

	require.True(t, ts.remove(c1))
	require.False(t, ts.remove(c1))

	d, ok := ts.earliestDeadline()
	require.True(t, ok)
	require.Equal(t, uint64(20), d)
}

func TestTimeoutSetDrainExpired(t *testing.T) {
	var ts timeoutSet
	early1 := &Completion{heapIdx: -1}
	early2 := &Completion{heapIdx: -1}
	late := &Completion{heapIdx: -1}
	ts.insert(early1, 5)
	ts.insert(early2, 5)
	ts.insert(late, 100)

	expired := ts.drainExpired(5)

	var got []*Completion
	for c := expired; c != nil; c = c.next {
		got = append(got, c)
	}
	require.Len(t, got, 2)
	require.ElementsMatch(t, []*Completion{early1, early2}, got)

	d, ok := ts.earliestDeadline()
	require.True(t, ok)
	require.Equal(t, uint64(100), d)
}

func TestTimeoutSetEmpty(t *testing.T) {
	var ts timeoutSet
	require.True(t, ts.empty())
	c := &Completion{heapIdx: -1}
	ts.insert(c, 1)
	require.False(t, ts.empty())
	ts.drainExpired(1)
	require.True(t, ts.empty())
}
