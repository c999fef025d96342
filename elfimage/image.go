// Package elfimage loads a guest ELF binary into an AddressSpace arena and
// applies its dynamic relocations. Loading is a strict pipeline
// (headers -> segments -> dynamic); any structural corruption aborts the
// load with a typed error and no partial Image is returned.
package elfimage

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/userlandvm/userlandvm/guestmem"
	"github.com/userlandvm/userlandvm/log"
)

var (
	ErrBadMagic          = errors.New("not an ELF file")
	ErrBadClass          = errors.New("unsupported ELF class")
	ErrBadEncoding       = errors.New("unsupported ELF data encoding (big-endian)")
	ErrBadType           = errors.New("ELF type is neither ET_EXEC nor ET_DYN")
	ErrBadMachine        = errors.New("unsupported ELF machine")
	ErrTruncated         = errors.New("truncated ELF file")
	ErrBadHeaderCount    = errors.New("program header count overflow")
	ErrNoLoadSegments    = errors.New("no PT_LOAD segments")
	ErrSegmentOutOfRange = errors.New("PT_LOAD segment outside the guest arena")
	ErrNoEntryPoint      = errors.New("image has no usable entry point")
)

// maxProgHeaders rejects corrupted e_phnum values before any allocation
// depends on them.
const maxProgHeaders = 2048

// ProgHeader is the class-independent view of one program header.
type ProgHeader struct {
	Type   elf.ProgType
	Flags  elf.ProgFlag
	Offset uint64
	Vaddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// Image is a parsed guest binary mapped into an arena. Immutable after Load
// except for relocation patches applied to the underlying arena. The arena
// is owned by the caller and may outlive the Image.
type Image struct {
	Path    string
	Class   elf.Class
	Machine elf.Machine
	Type    elf.Type

	// LoadDelta is arena base minus the lowest PT_LOAD vaddr. With the
	// identity mapping used for ET_EXEC it is zero; for ET_DYN it is the
	// chosen image base.
	LoadDelta uint32
	MinVaddr  uint32
	MaxVaddr  uint32
	// Size spans all PT_LOAD segments.
	Size uint32

	InterpPath string
	Dynamic    *DynamicInfo
	Headers    []ProgHeader

	rawEntry uint64
	mem      *guestmem.AddressSpace
}

// Load parses the binary at path and maps its PT_LOAD segments into mem.
// base is honored for ET_DYN images only; ET_EXEC segments carry absolute
// guest addresses and are mapped identity.
func Load(path string, mem *guestmem.AddressSpace, base uint32) (*Image, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}

	img := &Image{Path: path, mem: mem}
	if err := img.loadHeaders(raw); err != nil {
		return nil, err
	}
	if img.Type == elf.ET_DYN {
		img.LoadDelta = base
	}
	if err := img.loadSegments(raw); err != nil {
		return nil, err
	}
	if err := img.loadDynamic(); err != nil {
		return nil, err
	}
	log.Info(log.LoaderModule, "image loaded", "path", path,
		"machine", img.Machine.String(), "type", img.Type.String(),
		"entry", fmt.Sprintf("0x%08x", img.EntryPoint()),
		"span", fmt.Sprintf("0x%08x-0x%08x", img.MinVaddr+img.LoadDelta, img.MaxVaddr+img.LoadDelta))
	return img, nil
}

func (img *Image) loadHeaders(raw []byte) error {
	if len(raw) < 52 {
		return fmt.Errorf("%w: %d byte file", ErrTruncated, len(raw))
	}
	if string(raw[:4]) != elf.ELFMAG {
		return ErrBadMagic
	}
	img.Class = elf.Class(raw[elf.EI_CLASS])
	if img.Class != elf.ELFCLASS32 && img.Class != elf.ELFCLASS64 {
		return fmt.Errorf("%w: %s", ErrBadClass, img.Class)
	}
	if elf.Data(raw[elf.EI_DATA]) != elf.ELFDATA2LSB {
		return ErrBadEncoding
	}

	le := binary.LittleEndian
	var phoff uint64
	var phentsize, phnum uint16
	if img.Class == elf.ELFCLASS32 {
		img.Type = elf.Type(le.Uint16(raw[16:]))
		img.Machine = elf.Machine(le.Uint16(raw[18:]))
		img.rawEntry = uint64(le.Uint32(raw[24:]))
		phoff = uint64(le.Uint32(raw[28:]))
		phentsize = le.Uint16(raw[42:])
		phnum = le.Uint16(raw[44:])
	} else {
		if len(raw) < 64 {
			return fmt.Errorf("%w: short ELF64 header", ErrTruncated)
		}
		img.Type = elf.Type(le.Uint16(raw[16:]))
		img.Machine = elf.Machine(le.Uint16(raw[18:]))
		img.rawEntry = le.Uint64(raw[24:])
		phoff = le.Uint64(raw[32:])
		phentsize = le.Uint16(raw[54:])
		phnum = le.Uint16(raw[56:])
	}

	if img.Type != elf.ET_EXEC && img.Type != elf.ET_DYN {
		return fmt.Errorf("%w: %s", ErrBadType, img.Type)
	}
	switch img.Machine {
	case elf.EM_386, elf.EM_ARM, elf.EM_X86_64, elf.EM_RISCV:
	default:
		return fmt.Errorf("%w: %s", ErrBadMachine, img.Machine)
	}
	if phnum > maxProgHeaders {
		return fmt.Errorf("%w: e_phnum=%d", ErrBadHeaderCount, phnum)
	}

	wantEnt := uint16(32)
	if img.Class == elf.ELFCLASS64 {
		wantEnt = 56
	}
	if phentsize != wantEnt {
		return fmt.Errorf("%w: e_phentsize=%d", ErrTruncated, phentsize)
	}
	end := phoff + uint64(phnum)*uint64(phentsize)
	if end > uint64(len(raw)) {
		return fmt.Errorf("%w: program header table past EOF", ErrTruncated)
	}

	img.Headers = make([]ProgHeader, phnum)
	for i := range img.Headers {
		p := raw[phoff+uint64(i)*uint64(phentsize):]
		if img.Class == elf.ELFCLASS32 {
			img.Headers[i] = ProgHeader{
				Type:   elf.ProgType(le.Uint32(p[0:])),
				Offset: uint64(le.Uint32(p[4:])),
				Vaddr:  uint64(le.Uint32(p[8:])),
				Filesz: uint64(le.Uint32(p[16:])),
				Memsz:  uint64(le.Uint32(p[20:])),
				Flags:  elf.ProgFlag(le.Uint32(p[24:])),
				Align:  uint64(le.Uint32(p[28:])),
			}
		} else {
			img.Headers[i] = ProgHeader{
				Type:   elf.ProgType(le.Uint32(p[0:])),
				Flags:  elf.ProgFlag(le.Uint32(p[4:])),
				Offset: le.Uint64(p[8:]),
				Vaddr:  le.Uint64(p[16:]),
				Filesz: le.Uint64(p[32:]),
				Memsz:  le.Uint64(p[40:]),
				Align:  le.Uint64(p[48:]),
			}
		}
	}
	return nil
}

func (img *Image) loadSegments(raw []byte) error {
	minVaddr := uint64(^uint32(0))
	maxVaddr := uint64(0)
	nLoad := 0
	for _, ph := range img.Headers {
		if ph.Type != elf.PT_LOAD {
			continue
		}
		nLoad++
		if ph.Vaddr < minVaddr {
			minVaddr = ph.Vaddr
		}
		if end := ph.Vaddr + ph.Memsz; end > maxVaddr {
			maxVaddr = end
		}
	}
	if nLoad == 0 {
		return ErrNoLoadSegments
	}
	if maxVaddr+uint64(img.LoadDelta) > uint64(img.mem.Capacity()) {
		return fmt.Errorf("%w: image span ends at 0x%x, arena is 0x%x",
			ErrSegmentOutOfRange, maxVaddr+uint64(img.LoadDelta), img.mem.Capacity())
	}
	img.MinVaddr = uint32(minVaddr)
	img.MaxVaddr = uint32(maxVaddr)
	img.Size = uint32(maxVaddr - minVaddr)

	for i, ph := range img.Headers {
		switch ph.Type {
		case elf.PT_LOAD:
			if ph.Filesz > ph.Memsz {
				return fmt.Errorf("%w: segment %d p_filesz > p_memsz", ErrTruncated, i)
			}
			if ph.Offset+ph.Filesz > uint64(len(raw)) {
				return fmt.Errorf("%w: segment %d data past EOF", ErrTruncated, i)
			}
			dest := uint32(ph.Vaddr) + img.LoadDelta
			if ph.Filesz > 0 {
				if err := img.mem.Write(dest, raw[ph.Offset:ph.Offset+ph.Filesz]); err != nil {
					return fmt.Errorf("%w: segment %d", ErrSegmentOutOfRange, i)
				}
			}
			if bss := ph.Memsz - ph.Filesz; bss > 0 {
				if err := img.mem.Zero(dest+uint32(ph.Filesz), uint32(bss)); err != nil {
					return fmt.Errorf("%w: segment %d bss", ErrSegmentOutOfRange, i)
				}
			}
			log.Debug(log.LoaderModule, "segment mapped", "index", i,
				"vaddr", fmt.Sprintf("0x%08x", dest),
				"filesz", ph.Filesz, "memsz", ph.Memsz)

		case elf.PT_INTERP:
			if ph.Offset+ph.Filesz > uint64(len(raw)) {
				return fmt.Errorf("%w: PT_INTERP past EOF", ErrTruncated)
			}
			path := raw[ph.Offset : ph.Offset+ph.Filesz]
			// strip the trailing NUL
			for len(path) > 0 && path[len(path)-1] == 0 {
				path = path[:len(path)-1]
			}
			img.InterpPath = string(path)
		}
	}
	return nil
}

// EntryPoint returns the guest entry address. ET_EXEC entries are absolute
// file values adjusted by the load delta; ET_DYN entries are already
// base-relative and are returned unchanged.
func (img *Image) EntryPoint() uint32 {
	if img.Type == elf.ET_EXEC {
		return uint32(img.rawEntry) + img.LoadDelta
	}
	return uint32(img.rawEntry)
}

// IsDynamic reports whether the image carries a dynamic section.
func (img *Image) IsDynamic() bool {
	return img.Dynamic != nil
}

// FindSymbol scans the dynamic symbol table for name. A miss is not an
// error; callers must check ok.
func (img *Image) FindSymbol(name string) (addr uint32, size uint32, ok bool) {
	dyn := img.Dynamic
	if dyn == nil || dyn.SymtabAddr == 0 {
		return 0, 0, false
	}
	for i := uint32(1); i < dyn.symbolCount(); i++ {
		sym, err := img.readSymbol(i)
		if err != nil {
			return 0, 0, false
		}
		if sym.Shndx == uint16(elf.SHN_UNDEF) {
			continue
		}
		symName, err := img.symbolName(sym.Name)
		if err != nil || symName != name {
			continue
		}
		return uint32(sym.Value) + img.LoadDelta, uint32(sym.Size), true
	}
	return 0, 0, false
}
