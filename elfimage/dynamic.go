package elfimage

import (
	"debug/elf"
	"errors"
	"fmt"

	"github.com/userlandvm/userlandvm/log"
)

// ErrDynamicOverflow rejects dynamic tables that never reach DT_NULL.
var ErrDynamicOverflow = errors.New("dynamic section has no DT_NULL terminator")

// maxDynamicEntries is the hard ceiling on the DT_* walk; a corrupted or
// cyclic table must not spin the loader.
const maxDynamicEntries = 4096

// DynamicInfo captures the PT_DYNAMIC metadata needed for relocation and
// symbol lookup. All *Addr fields are arena addresses (vaddr + load delta).
type DynamicInfo struct {
	StrtabAddr uint32
	StrtabSize uint32
	SymtabAddr uint32
	Syment     uint32
	HashAddr   uint32

	// Needed holds DT_NEEDED dependency names. They are recorded only;
	// cross-image symbol resolution is not performed.
	Needed []string

	RelAddr    uint32
	RelSize    uint32
	RelEnt     uint32
	RelaAddr   uint32
	RelaSize   uint32
	RelaEnt    uint32
	JmprelAddr uint32
	PltrelSize uint32
	// PltrelType is DT_REL or DT_RELA, the entry kind of the JMPREL array.
	PltrelType uint32

	nchain uint32
}

func (img *Image) loadDynamic() error {
	var dynVaddr uint64
	found := false
	for _, ph := range img.Headers {
		if ph.Type == elf.PT_DYNAMIC {
			dynVaddr = ph.Vaddr
			found = true
			break
		}
	}
	if !found {
		return nil
	}

	dyn := &DynamicInfo{Syment: 16}
	if img.Class == elf.ELFCLASS64 {
		dyn.Syment = 24
	}
	entSize := uint32(8)
	if img.Class == elf.ELFCLASS64 {
		entSize = 16
	}

	addr := uint32(dynVaddr) + img.LoadDelta
	var neededOffsets []uint32
	terminated := false
	for i := 0; i < maxDynamicEntries; i++ {
		tag, val, err := img.readDyn(addr + uint32(i)*entSize)
		if err != nil {
			return fmt.Errorf("dynamic entry %d: %w", i, err)
		}
		if tag == uint64(elf.DT_NULL) {
			terminated = true
			break
		}
		switch elf.DynTag(tag) {
		case elf.DT_STRTAB:
			dyn.StrtabAddr = uint32(val) + img.LoadDelta
		case elf.DT_STRSZ:
			dyn.StrtabSize = uint32(val)
		case elf.DT_SYMTAB:
			dyn.SymtabAddr = uint32(val) + img.LoadDelta
		case elf.DT_SYMENT:
			dyn.Syment = uint32(val)
		case elf.DT_HASH:
			dyn.HashAddr = uint32(val) + img.LoadDelta
		case elf.DT_NEEDED:
			neededOffsets = append(neededOffsets, uint32(val))
		case elf.DT_REL:
			dyn.RelAddr = uint32(val) + img.LoadDelta
		case elf.DT_RELSZ:
			dyn.RelSize = uint32(val)
		case elf.DT_RELENT:
			dyn.RelEnt = uint32(val)
		case elf.DT_RELA:
			dyn.RelaAddr = uint32(val) + img.LoadDelta
		case elf.DT_RELASZ:
			dyn.RelaSize = uint32(val)
		case elf.DT_RELAENT:
			dyn.RelaEnt = uint32(val)
		case elf.DT_JMPREL:
			dyn.JmprelAddr = uint32(val) + img.LoadDelta
		case elf.DT_PLTRELSZ:
			dyn.PltrelSize = uint32(val)
		case elf.DT_PLTREL:
			dyn.PltrelType = uint32(val)
		}
	}
	if !terminated {
		return ErrDynamicOverflow
	}

	// nchain bounds the symbol table; without DT_HASH symbol walks fall
	// back to a fixed cap.
	if dyn.HashAddr != 0 {
		if nchain, err := img.mem.ReadU32(dyn.HashAddr + 4); err == nil {
			dyn.nchain = nchain
		}
	}

	img.Dynamic = dyn
	for _, off := range neededOffsets {
		name, err := img.strtabString(off)
		if err != nil {
			log.Warn(log.LoaderModule, "unreadable DT_NEEDED name", "offset", off, "err", err)
			continue
		}
		dyn.Needed = append(dyn.Needed, name)
		log.Debug(log.LoaderModule, "dependency recorded", "needed", name)
	}
	return nil
}

func (img *Image) readDyn(addr uint32) (tag uint64, val uint64, err error) {
	if img.Class == elf.ELFCLASS32 {
		t, err := img.mem.ReadU32(addr)
		if err != nil {
			return 0, 0, err
		}
		v, err := img.mem.ReadU32(addr + 4)
		if err != nil {
			return 0, 0, err
		}
		return uint64(t), uint64(v), nil
	}
	t, err := img.mem.ReadU64(addr)
	if err != nil {
		return 0, 0, err
	}
	v, err := img.mem.ReadU64(addr + 8)
	if err != nil {
		return 0, 0, err
	}
	return t, v, nil
}

func (d *DynamicInfo) symbolCount() uint32 {
	if d.nchain != 0 {
		return d.nchain
	}
	return maxDynamicEntries
}

// symbol is the class-independent view of one symtab entry.
type symbol struct {
	Name  uint32
	Value uint64
	Size  uint64
	Info  uint8
	Shndx uint16
}

func (img *Image) readSymbol(index uint32) (symbol, error) {
	dyn := img.Dynamic
	base := dyn.SymtabAddr + index*dyn.Syment
	var sym symbol
	if img.Class == elf.ELFCLASS32 {
		raw, err := img.mem.Pointer(base, 16)
		if err != nil {
			return sym, err
		}
		sym.Name = le32(raw[0:])
		sym.Value = uint64(le32(raw[4:]))
		sym.Size = uint64(le32(raw[8:]))
		sym.Info = raw[12]
		sym.Shndx = le16(raw[14:])
		return sym, nil
	}
	raw, err := img.mem.Pointer(base, 24)
	if err != nil {
		return sym, err
	}
	sym.Name = le32(raw[0:])
	sym.Info = raw[4]
	sym.Shndx = le16(raw[6:])
	sym.Value = le64(raw[8:])
	sym.Size = le64(raw[16:])
	return sym, nil
}

func (img *Image) symbolName(offset uint32) (string, error) {
	return img.strtabString(offset)
}

func (img *Image) strtabString(offset uint32) (string, error) {
	dyn := img.Dynamic
	if dyn == nil || dyn.StrtabAddr == 0 {
		return "", errors.New("image has no dynamic string table")
	}
	max := dyn.StrtabSize
	if max == 0 || max > 4096 {
		max = 4096
	}
	return img.mem.ReadCString(dyn.StrtabAddr+offset, max)
}

func le16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func le64(b []byte) uint64 { return uint64(le32(b)) | uint64(le32(b[4:]))<<32 }
