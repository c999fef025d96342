// Package guestmem owns the guest memory arena: one contiguous byte range
// indexed from guest offset 0, with every access bounds-checked against the
// arena capacity. Nothing outside this package hands out host pointers into
// guest-controlled ranges; the only raw view is Pointer, and callers must
// treat it as invalid after any arena resize (the arena never resizes).
package guestmem

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrOutOfBounds is returned whenever offset+length would escape the arena.
// No partial read or write happens on failure.
var ErrOutOfBounds = errors.New("guest memory access out of bounds")

// Addr is a guest-space offset. It is deliberately distinct from any host
// pointer type; conversions to host memory go through the AddressSpace
// accessors only.
type Addr = uint32

// DefaultArenaSize matches the flat reservation the process layer uses when
// the caller does not override it.
const DefaultArenaSize = 512 << 20

type AddressSpace struct {
	data []byte
}

// New allocates an arena of the given capacity. The arena is zero-filled.
func New(capacity uint32) *AddressSpace {
	return &AddressSpace{data: make([]byte, capacity)}
}

func (a *AddressSpace) Capacity() uint32 {
	return uint32(len(a.data))
}

func (a *AddressSpace) inBounds(offset uint32, length uint32) bool {
	return uint64(offset)+uint64(length) <= uint64(len(a.data))
}

// Read copies length bytes starting at offset into a fresh buffer.
func (a *AddressSpace) Read(offset uint32, length uint32) ([]byte, error) {
	if !a.inBounds(offset, length) {
		return nil, fmt.Errorf("read %d@0x%08x: %w", length, offset, ErrOutOfBounds)
	}
	buf := make([]byte, length)
	copy(buf, a.data[offset:offset+length])
	return buf, nil
}

// Write copies data into the arena at offset. All-or-nothing.
func (a *AddressSpace) Write(offset uint32, data []byte) error {
	if !a.inBounds(offset, uint32(len(data))) {
		return fmt.Errorf("write %d@0x%08x: %w", len(data), offset, ErrOutOfBounds)
	}
	copy(a.data[offset:offset+uint32(len(data))], data)
	return nil
}

// Pointer returns a zero-copy view of [offset, offset+length). Used by the
// loader and interpreter only; never exposed across the syscall boundary.
func (a *AddressSpace) Pointer(offset uint32, length uint32) ([]byte, error) {
	if !a.inBounds(offset, length) {
		return nil, fmt.Errorf("pointer %d@0x%08x: %w", length, offset, ErrOutOfBounds)
	}
	return a.data[offset : offset+length], nil
}

// ReadCString reads a NUL-terminated string of at most maxLen-1 bytes.
// The scan stops at the first zero byte, at maxLen-1 bytes, or at the arena
// end, whichever comes first. Reading zero bytes at a valid offset is fine.
func (a *AddressSpace) ReadCString(offset uint32, maxLen uint32) (string, error) {
	if maxLen == 0 {
		return "", nil
	}
	if uint64(offset) >= uint64(len(a.data)) {
		return "", fmt.Errorf("cstring@0x%08x: %w", offset, ErrOutOfBounds)
	}
	limit := uint64(offset) + uint64(maxLen) - 1
	if limit > uint64(len(a.data)) {
		limit = uint64(len(a.data))
	}
	end := offset
	for uint64(end) < limit && a.data[end] != 0 {
		end++
	}
	return string(a.data[offset:end]), nil
}

// Width accessors used on the interpreter hot path. Little-endian, same
// bounds rule as Read/Write.

func (a *AddressSpace) ReadU8(offset uint32) (uint8, error) {
	if !a.inBounds(offset, 1) {
		return 0, fmt.Errorf("read u8@0x%08x: %w", offset, ErrOutOfBounds)
	}
	return a.data[offset], nil
}

func (a *AddressSpace) ReadU16(offset uint32) (uint16, error) {
	if !a.inBounds(offset, 2) {
		return 0, fmt.Errorf("read u16@0x%08x: %w", offset, ErrOutOfBounds)
	}
	return binary.LittleEndian.Uint16(a.data[offset:]), nil
}

func (a *AddressSpace) ReadU32(offset uint32) (uint32, error) {
	if !a.inBounds(offset, 4) {
		return 0, fmt.Errorf("read u32@0x%08x: %w", offset, ErrOutOfBounds)
	}
	return binary.LittleEndian.Uint32(a.data[offset:]), nil
}

func (a *AddressSpace) ReadU64(offset uint32) (uint64, error) {
	if !a.inBounds(offset, 8) {
		return 0, fmt.Errorf("read u64@0x%08x: %w", offset, ErrOutOfBounds)
	}
	return binary.LittleEndian.Uint64(a.data[offset:]), nil
}

func (a *AddressSpace) WriteU8(offset uint32, v uint8) error {
	if !a.inBounds(offset, 1) {
		return fmt.Errorf("write u8@0x%08x: %w", offset, ErrOutOfBounds)
	}
	a.data[offset] = v
	return nil
}

func (a *AddressSpace) WriteU16(offset uint32, v uint16) error {
	if !a.inBounds(offset, 2) {
		return fmt.Errorf("write u16@0x%08x: %w", offset, ErrOutOfBounds)
	}
	binary.LittleEndian.PutUint16(a.data[offset:], v)
	return nil
}

func (a *AddressSpace) WriteU32(offset uint32, v uint32) error {
	if !a.inBounds(offset, 4) {
		return fmt.Errorf("write u32@0x%08x: %w", offset, ErrOutOfBounds)
	}
	binary.LittleEndian.PutUint32(a.data[offset:], v)
	return nil
}

func (a *AddressSpace) WriteU64(offset uint32, v uint64) error {
	if !a.inBounds(offset, 8) {
		return fmt.Errorf("write u64@0x%08x: %w", offset, ErrOutOfBounds)
	}
	binary.LittleEndian.PutUint64(a.data[offset:], v)
	return nil
}

// Zero clears length bytes at offset. Used for BSS fill.
func (a *AddressSpace) Zero(offset uint32, length uint32) error {
	if !a.inBounds(offset, length) {
		return fmt.Errorf("zero %d@0x%08x: %w", length, offset, ErrOutOfBounds)
	}
	clear(a.data[offset : offset+length])
	return nil
}
