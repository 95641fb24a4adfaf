package atlas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerTableEnqueueDedupes(t *testing.T) {
	pt := NewPeerTable(10)
	pt.Enqueue("1.2.3.4", 8080)
	pt.Enqueue("1.2.3.4", 8080)
	assert.Len(t, pt.LiveNeighbors(""), 1)
}

func TestPeerTableEvictsAtCapacity(t *testing.T) {
	pt := NewPeerTable(2)
	pt.Enqueue("a", 1)
	pt.Enqueue("b", 1)
	pt.Enqueue("c", 1)
	assert.LessOrEqual(t, len(pt.LiveNeighbors("")), 2)
}

func TestPeerTableMarkFailureEvictsPastThreshold(t *testing.T) {
	pt := NewPeerTable(10)
	pt.Enqueue("a", 1)
	for i := 0; i < maxFailures+1; i++ {
		pt.MarkFailure("a", 1)
	}
	assert.Empty(t, pt.LiveNeighbors(""))
}

func TestPeerTableLiveNeighborsExcludesCaller(t *testing.T) {
	pt := NewPeerTable(10)
	pt.Enqueue("caller-host", 1)
	pt.Enqueue("other-host", 1)
	neighbors := pt.LiveNeighbors("caller-host")
	require.Len(t, neighbors, 1)
	assert.Equal(t, "other-host", neighbors[0].Host)
}

func TestPeerTableSampleBoundedByRequest(t *testing.T) {
	pt := NewPeerTable(10)
	for i := 0; i < 5; i++ {
		pt.Enqueue("host", i)
	}
	sample := pt.Sample(2)
	assert.Len(t, sample, 2)
}

func TestInventoryBitmapRoundTrip(t *testing.T) {
	inv := newInventory()
	inv.set(0, true)
	inv.set(7, true)
	inv.set(3, false)

	bitmap := inv.Bitmap(0, 64)
	require.Len(t, bitmap, 1)
	assert.Equal(t, byte(0x81), bitmap[0])
}

func TestInventoryGrowsOnHighIndex(t *testing.T) {
	inv := newInventory()
	inv.set(100, true)
	bitmap := inv.Bitmap(0, 128)
	assert.Equal(t, byte(0x10), bitmap[100/8])
}
