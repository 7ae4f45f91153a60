package pack

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	b := NewBuffer()
	b.PackU8(7)
	b.PackU16(1025)
	b.PackU32(0xfffffffe)
	b.PackU64(1 << 40)
	start := time.Unix(1300000000, 0)
	b.PackTime(start)
	b.PackDuration(90 * time.Second)
	b.PackString("tux[0-3]")
	b.PackString("")

	r := NewBufferFrom(b.Bytes())
	u8, err := r.UnpackU8()
	require.NoError(t, err)
	assert.Equal(t, uint8(7), u8)
	u16, err := r.UnpackU16()
	require.NoError(t, err)
	assert.Equal(t, uint16(1025), u16)
	u32, err := r.UnpackU32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xfffffffe), u32)
	u64, err := r.UnpackU64()
	require.NoError(t, err)
	assert.Equal(t, uint64(1)<<40, u64)
	ts, err := r.UnpackTime()
	require.NoError(t, err)
	assert.True(t, start.Equal(ts))
	d, err := r.UnpackDuration()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)
	s, err := r.UnpackString()
	require.NoError(t, err)
	assert.Equal(t, "tux[0-3]", s)
	s, err = r.UnpackString()
	require.NoError(t, err)
	assert.Equal(t, "", s)
}

func TestTruncated(t *testing.T) {
	b := NewBuffer()
	b.PackU32(9)
	r := NewBufferFrom(b.Bytes()[:2])
	_, err := r.UnpackU32()
	assert.Error(t, err)
}

func TestCorruptStringLength(t *testing.T) {
	b := NewBuffer()
	b.PackU32(MaxStringLen + 1)
	r := NewBufferFrom(b.Bytes())
	_, err := r.UnpackString()
	assert.Error(t, err)
}

func TestPatchU32(t *testing.T) {
	b := NewBuffer()
	b.PackTime(time.Unix(1300000000, 0))
	countOff := b.Offset()
	b.PackU32(0)
	b.PackU32(42)
	b.PatchU32(countOff, 3)

	r := NewBufferFrom(b.Bytes())
	_, err := r.UnpackTime()
	require.NoError(t, err)
	n, err := r.UnpackU32()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), n)
}

func TestZeroTime(t *testing.T) {
	b := NewBuffer()
	b.PackTime(time.Time{})
	r := NewBufferFrom(b.Bytes())
	ts, err := r.UnpackTime()
	require.NoError(t, err)
	assert.True(t, ts.IsZero())
}
