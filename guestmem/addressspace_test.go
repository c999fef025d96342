package guestmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadWriteRoundTrip(t *testing.T) {
	mem := New(4096)
	testCases := []struct {
		offset uint32
		data   []byte
	}{
		{0, []byte{0xde, 0xad, 0xbe, 0xef}},
		{1, []byte{0x01}},
		{4092, []byte{1, 2, 3, 4}},
		{100, make([]byte, 1000)},
	}
	for _, tc := range testCases {
		require.NoError(t, mem.Write(tc.offset, tc.data))
		got, err := mem.Read(tc.offset, uint32(len(tc.data)))
		require.NoError(t, err)
		assert.Equal(t, tc.data, got)
	}
}

func TestOutOfBoundsLeavesArenaUnmodified(t *testing.T) {
	mem := New(16)
	require.NoError(t, mem.Write(0, []byte{1, 2, 3, 4}))

	err := mem.Write(14, []byte{9, 9, 9})
	require.ErrorIs(t, err, ErrOutOfBounds)

	_, err = mem.Read(8, 9)
	require.ErrorIs(t, err, ErrOutOfBounds)

	// the failed write must not have touched the tail
	got, err := mem.Read(14, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0}, got)
}

func TestWidthAccessors(t *testing.T) {
	mem := New(64)
	require.NoError(t, mem.WriteU32(8, 0x12345678))

	v8, err := mem.ReadU8(8)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x78), v8) // little-endian

	v16, err := mem.ReadU16(8)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x5678), v16)

	v32, err := mem.ReadU32(8)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x12345678), v32)

	_, err = mem.ReadU32(61)
	assert.ErrorIs(t, err, ErrOutOfBounds)
	assert.ErrorIs(t, mem.WriteU16(63, 1), ErrOutOfBounds)
}

func TestReadCString(t *testing.T) {
	mem := New(32)
	require.NoError(t, mem.Write(4, []byte("hello\x00world")))

	s, err := mem.ReadCString(4, 32)
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	// maxLen truncation: only maxLen-1 bytes are consumed
	s, err = mem.ReadCString(4, 4)
	require.NoError(t, err)
	assert.Equal(t, "hel", s)

	// unterminated string stops at the arena end
	require.NoError(t, mem.Write(29, []byte{'a', 'b', 'c'}))
	s, err = mem.ReadCString(29, 16)
	require.NoError(t, err)
	assert.Equal(t, "abc", s)

	_, err = mem.ReadCString(32, 8)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestPointerIsZeroCopy(t *testing.T) {
	mem := New(16)
	view, err := mem.Pointer(4, 4)
	require.NoError(t, err)
	view[0] = 0xAA

	got, err := mem.ReadU8(4)
	require.NoError(t, err)
	assert.Equal(t, uint8(0xAA), got)

	_, err = mem.Pointer(12, 5)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestZero(t *testing.T) {
	mem := New(16)
	require.NoError(t, mem.Write(0, []byte{1, 1, 1, 1, 1, 1, 1, 1}))
	require.NoError(t, mem.Zero(2, 4))
	got, _ := mem.Read(0, 8)
	assert.Equal(t, []byte{1, 1, 0, 0, 0, 0, 1, 1}, got)
}
