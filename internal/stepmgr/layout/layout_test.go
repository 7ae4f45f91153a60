package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotillaproject/flotilla/internal/common/pack"
)

func TestBlock(t *testing.T) {
	l, err := Create("tux[0-1]", []uint16{4}, []uint32{2}, 2, 4, 2, Block, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint16{2, 2}, l.Tasks)
	assert.Equal(t, [][]uint32{{0, 1}, {2, 3}}, l.TaskIDs)
	assert.Equal(t, uint32(4), l.TaskCnt)
}

func TestBlockUneven(t *testing.T) {
	// first node holds 4 tasks, the second the remaining 1
	l, err := Create("tux[0-1]", []uint16{4}, []uint32{2}, 2, 5, 1, Block, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint16{4, 1}, l.Tasks)
	assert.Equal(t, [][]uint32{{0, 1, 2, 3}, {4}}, l.TaskIDs)
}

func TestCyclic(t *testing.T) {
	l, err := Create("tux[0-2]", []uint16{4}, []uint32{3}, 3, 5, 1, Cyclic, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint16{2, 2, 1}, l.Tasks)
	assert.Equal(t, [][]uint32{{0, 3}, {1, 4}, {2}}, l.TaskIDs)
}

func TestCyclicRespectsCapacity(t *testing.T) {
	// tux1 has half the CPUs, so it stops receiving tasks first
	l, err := Create("tux[0-1]", []uint16{4, 2}, []uint32{1, 1}, 2, 6, 1, Cyclic, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint16{4, 2}, l.Tasks)
}

func TestOvercommitSpread(t *testing.T) {
	// zero cpus_per_task disables the capacity limit
	l, err := Create("tux0", []uint16{2}, []uint32{1}, 1, 8, 0, Block, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint16{8}, l.Tasks)
}

func TestCapacityOverflowSpreads(t *testing.T) {
	// more tasks than CPU capacity; the remainder wraps round-robin
	l, err := Create("tux[0-1]", []uint16{2}, []uint32{2}, 2, 6, 1, Cyclic, 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(6), l.Tasks[0]+l.Tasks[1])
}

func TestPlane(t *testing.T) {
	l, err := Create("tux[0-1]", []uint16{4}, []uint32{2}, 2, 6, 1, Plane, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{4, 2}, l.Tasks)
	assert.Equal(t, [][]uint32{{0, 1, 4, 5}, {2, 3}}, l.TaskIDs)
}

func TestPlaneNeedsSize(t *testing.T) {
	_, err := Create("tux0", []uint16{4}, []uint32{1}, 1, 2, 1, Plane, 0)
	assert.Error(t, err)
}

func TestArbitrary(t *testing.T) {
	l, err := Create("tux1,tux0,tux1", nil, nil, 2, 3, 1, Arbitrary, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint16{2, 1}, l.Tasks)
	assert.Equal(t, [][]uint32{{0, 2}, {1}}, l.TaskIDs)
}

func TestArbitraryCountMismatch(t *testing.T) {
	_, err := Create("tux0,tux1", nil, nil, 2, 3, 1, Arbitrary, 0)
	assert.Error(t, err)
}

func TestCreateErrors(t *testing.T) {
	_, err := Create("tux0", []uint16{4}, []uint32{1}, 0, 2, 1, Block, 0)
	assert.Error(t, err)
	_, err = Create("tux0", []uint16{4}, []uint32{1}, 1, 0, 1, Block, 0)
	assert.Error(t, err)
	_, err = Create("tux0", []uint16{4}, []uint32{1}, 1, 2, 1, Distribution(99), 0)
	assert.Error(t, err)
}

func TestPackUnpack(t *testing.T) {
	l, err := Create("tux[0-2]", []uint16{4}, []uint32{3}, 3, 7, 1, Block, 0)
	require.NoError(t, err)

	buf := pack.NewBuffer()
	l.Pack(buf)
	restored, err := Unpack(pack.NewBufferFrom(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, l, restored)
}

func TestDistributionNames(t *testing.T) {
	assert.Equal(t, "block", Block.String())
	assert.Equal(t, "plane", Plane.String())
	assert.True(t, Cyclic.IsCyclic())
	assert.True(t, CyclicBlock.IsCyclic())
	assert.False(t, Block.IsCyclic())
	assert.False(t, Distribution(99).Valid())
}
