package elfimage

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/userlandvm/userlandvm/guestmem"
)

// relocImage builds an ET_DYN image with one patch target and one DT_REL
// table holding a single relocation of the given type.
func relocImage(t *testing.T, rtype uint32, symIndex uint32, storedAddend uint32) (string, uint32) {
	t.Helper()
	le := binary.LittleEndian

	const targetVaddr = 0x100
	seg := make([]byte, 0x110)
	le.PutUint32(seg[targetVaddr:], storedAddend)

	rel := make([]byte, 8)
	le.PutUint32(rel[0:], targetVaddr)
	le.PutUint32(rel[4:], symIndex<<8|rtype)

	var dyn []byte
	addDyn := func(tag elf.DynTag, val uint32) {
		e := make([]byte, 8)
		le.PutUint32(e, uint32(tag))
		le.PutUint32(e[4:], val)
		dyn = append(dyn, e...)
	}
	addDyn(elf.DT_REL, 0x200)
	addDyn(elf.DT_RELSZ, uint32(len(rel)))
	addDyn(elf.DT_RELENT, 8)
	addDyn(elf.DT_NULL, 0)

	path := buildELF32(t, elf.ET_DYN, elf.EM_386, 0x10, []testSeg{
		{ptype: elf.PT_LOAD, vaddr: 0, data: seg},
		{ptype: elf.PT_LOAD, vaddr: 0x200, data: rel},
		{ptype: elf.PT_LOAD, vaddr: 0x300, data: dyn},
		{ptype: elf.PT_DYNAMIC, vaddr: 0x300, data: nil},
	})
	return path, targetVaddr
}

func TestRelativeRelocation(t *testing.T) {
	const base = 0x40000
	const addend = 0x1234

	path, target := relocImage(t, uint32(elf.R_386_RELATIVE), 0, addend)
	mem := guestmem.New(1 << 20)
	img, err := Load(path, mem, base)
	require.NoError(t, err)

	require.NoError(t, NewProcessor(mem).Apply(img))

	word, err := mem.ReadU32(base + target)
	require.NoError(t, err)
	assert.Equal(t, uint32(base+addend), word, "RELATIVE patches to arena base + stored addend")
}

func TestUnsupportedRelocationTypeIsFatal(t *testing.T) {
	path, _ := relocImage(t, 0x7f, 0, 0)
	mem := guestmem.New(1 << 20)
	img, err := Load(path, mem, 0x1000)
	require.NoError(t, err)

	err = NewProcessor(mem).Apply(img)
	assert.ErrorIs(t, err, ErrUnsupportedReloc)
}

func TestRelocationTargetOutsideArenaIsFatal(t *testing.T) {
	le := binary.LittleEndian
	// offset far past the arena end
	rel := make([]byte, 8)
	le.PutUint32(rel[0:], 0xFFFF0000)
	le.PutUint32(rel[4:], uint32(elf.R_386_RELATIVE))

	var dyn []byte
	addDyn := func(tag elf.DynTag, val uint32) {
		e := make([]byte, 8)
		le.PutUint32(e, uint32(tag))
		le.PutUint32(e[4:], val)
		dyn = append(dyn, e...)
	}
	addDyn(elf.DT_REL, 0x200)
	addDyn(elf.DT_RELSZ, 8)
	addDyn(elf.DT_NULL, 0)

	path := buildELF32(t, elf.ET_DYN, elf.EM_386, 0, []testSeg{
		{ptype: elf.PT_LOAD, vaddr: 0, data: make([]byte, 16)},
		{ptype: elf.PT_LOAD, vaddr: 0x200, data: rel},
		{ptype: elf.PT_LOAD, vaddr: 0x300, data: dyn},
		{ptype: elf.PT_DYNAMIC, vaddr: 0x300, data: nil},
	})
	mem := guestmem.New(1 << 16)
	img, err := Load(path, mem, 0)
	require.NoError(t, err)

	err = NewProcessor(mem).Apply(img)
	assert.ErrorIs(t, err, ErrRelocOutOfRange)
}

func TestStaticImageNeedsNoRelocation(t *testing.T) {
	path := buildELF32(t, elf.ET_EXEC, elf.EM_386, 0x1000,
		[]testSeg{{ptype: elf.PT_LOAD, vaddr: 0x1000, data: make([]byte, 16)}})
	mem := guestmem.New(1 << 16)
	img, err := Load(path, mem, 0)
	require.NoError(t, err)
	assert.NoError(t, NewProcessor(mem).Apply(img))
}
