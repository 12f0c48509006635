package partition

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRing(t *testing.T) {
	r := NewRing(Config{PartitionCount: 8}, "node-1")

	p := r.Partition("wf-123")
	require.GreaterOrEqual(t, p, 0)
	require.Less(t, p, 8)
	for i := 0; i < 10; i++ {
		require.Equal(t, p, r.Partition("wf-123"))
	}
	require.Equal(t, "node-1", r.Owner("wf-123"))
	require.Len(t, r.Partitions("node-1"), 8)
	require.Equal(t, "outbox:3", Name("outbox", 3))
}
