package elfimage

import (
	"debug/elf"
	"errors"
	"fmt"

	"github.com/userlandvm/userlandvm/guestmem"
	"github.com/userlandvm/userlandvm/log"
)

var (
	// ErrUnsupportedReloc aborts the load. The supported subset per
	// machine is deliberately closed: patching memory with a guessed rule
	// is worse than rejecting the binary.
	ErrUnsupportedReloc = errors.New("unsupported relocation type")
	ErrRelocOutOfRange  = errors.New("relocation target outside the guest arena")
	ErrBadRelocTable    = errors.New("malformed relocation table")
)

// Processor applies the REL/RELA arrays from an image's dynamic section to
// the arena the image was loaded into.
type Processor struct {
	mem *guestmem.AddressSpace
}

func NewProcessor(mem *guestmem.AddressSpace) *Processor {
	return &Processor{mem: mem}
}

// relocEntry is the class-independent view of one REL/RELA entry. For REL
// entries the addend is the word currently stored at the target.
type relocEntry struct {
	offset   uint64
	rtype    uint32
	symIndex uint32
	addend   int64
	explicit bool // RELA carries the addend in the entry
}

// Apply walks DT_REL, DT_RELA and DT_JMPREL and patches the arena in place.
func (p *Processor) Apply(img *Image) error {
	dyn := img.Dynamic
	if dyn == nil {
		log.Debug(log.RelocModule, "image is static, nothing to relocate", "path", img.Path)
		return nil
	}

	if dyn.RelAddr != 0 {
		if err := p.applyTable(img, dyn.RelAddr, dyn.RelSize, false); err != nil {
			return err
		}
	}
	if dyn.RelaAddr != 0 {
		if err := p.applyTable(img, dyn.RelaAddr, dyn.RelaSize, true); err != nil {
			return err
		}
	}
	if dyn.JmprelAddr != 0 {
		rela := elf.DynTag(dyn.PltrelType) == elf.DT_RELA
		if err := p.applyTable(img, dyn.JmprelAddr, dyn.PltrelSize, rela); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) applyTable(img *Image, addr, size uint32, rela bool) error {
	entSize := relocEntrySize(img.Class, rela)
	if size%entSize != 0 {
		return fmt.Errorf("%w: table size %d not a multiple of %d", ErrBadRelocTable, size, entSize)
	}
	count := size / entSize
	for i := uint32(0); i < count; i++ {
		ent, err := p.readEntry(img, addr+i*entSize, rela)
		if err != nil {
			return fmt.Errorf("relocation %d: %w", i, err)
		}
		if err := p.applyOne(img, ent); err != nil {
			return fmt.Errorf("relocation %d at 0x%08x: %w", i, ent.offset, err)
		}
	}
	log.Debug(log.RelocModule, "relocation table applied", "entries", count, "rela", rela)
	return nil
}

func relocEntrySize(class elf.Class, rela bool) uint32 {
	if class == elf.ELFCLASS64 {
		if rela {
			return 24
		}
		return 16
	}
	if rela {
		return 12
	}
	return 8
}

func (p *Processor) readEntry(img *Image, addr uint32, rela bool) (relocEntry, error) {
	var ent relocEntry
	ent.explicit = rela
	if img.Class == elf.ELFCLASS32 {
		off, err := p.mem.ReadU32(addr)
		if err != nil {
			return ent, err
		}
		info, err := p.mem.ReadU32(addr + 4)
		if err != nil {
			return ent, err
		}
		ent.offset = uint64(off)
		ent.rtype = info & 0xff
		ent.symIndex = info >> 8
		if rela {
			a, err := p.mem.ReadU32(addr + 8)
			if err != nil {
				return ent, err
			}
			ent.addend = int64(int32(a))
		}
		return ent, nil
	}
	off, err := p.mem.ReadU64(addr)
	if err != nil {
		return ent, err
	}
	info, err := p.mem.ReadU64(addr + 8)
	if err != nil {
		return ent, err
	}
	ent.offset = off
	ent.rtype = uint32(info & 0xffffffff)
	ent.symIndex = uint32(info >> 32)
	if rela {
		a, err := p.mem.ReadU64(addr + 16)
		if err != nil {
			return ent, err
		}
		ent.addend = int64(a)
	}
	return ent, nil
}

// applyOne computes the patch value from (type, stored word, symbol address)
// per the supported subset for the image's machine.
func (p *Processor) applyOne(img *Image, ent relocEntry) error {
	target := uint32(ent.offset) + img.LoadDelta
	base := uint64(img.LoadDelta)

	wide := img.Class == elf.ELFCLASS64
	word, err := p.readWord(target, wide)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRelocOutOfRange, err)
	}
	addend := ent.addend
	if !ent.explicit {
		addend = int64(word)
	}

	var sym uint64
	switch img.Machine {
	case elf.EM_386:
		switch elf.R_386(ent.rtype) {
		case elf.R_386_NONE:
			return nil
		case elf.R_386_32:
			sym = p.symbolAddr(img, ent.symIndex)
			return p.writeWord(target, word+sym, wide)
		case elf.R_386_PC32:
			sym = p.symbolAddr(img, ent.symIndex)
			return p.writeWord(target, word+sym-uint64(target), wide)
		case elf.R_386_GLOB_DAT, elf.R_386_JMP_SLOT:
			sym = p.symbolAddr(img, ent.symIndex)
			return p.writeWord(target, sym, wide)
		case elf.R_386_RELATIVE:
			return p.writeWord(target, base+uint64(addend), wide)
		}

	case elf.EM_ARM:
		switch elf.R_ARM(ent.rtype) {
		case elf.R_ARM_NONE:
			return nil
		case elf.R_ARM_ABS32:
			sym = p.symbolAddr(img, ent.symIndex)
			return p.writeWord(target, word+sym, wide)
		case elf.R_ARM_GLOB_DAT, elf.R_ARM_JUMP_SLOT:
			sym = p.symbolAddr(img, ent.symIndex)
			return p.writeWord(target, sym, wide)
		case elf.R_ARM_RELATIVE:
			return p.writeWord(target, base+uint64(addend), wide)
		}

	case elf.EM_X86_64:
		switch elf.R_X86_64(ent.rtype) {
		case elf.R_X86_64_NONE:
			return nil
		case elf.R_X86_64_64:
			sym = p.symbolAddr(img, ent.symIndex)
			return p.writeWord(target, sym+uint64(addend), true)
		case elf.R_X86_64_PC32:
			sym = p.symbolAddr(img, ent.symIndex)
			return p.write32(target, uint32(sym+uint64(addend)-uint64(target)))
		case elf.R_X86_64_GLOB_DAT, elf.R_X86_64_JMP_SLOT:
			sym = p.symbolAddr(img, ent.symIndex)
			return p.writeWord(target, sym, true)
		case elf.R_X86_64_RELATIVE:
			return p.writeWord(target, base+uint64(addend), true)
		}

	case elf.EM_RISCV:
		switch elf.R_RISCV(ent.rtype) {
		case elf.R_RISCV_NONE:
			return nil
		case elf.R_RISCV_32:
			sym = p.symbolAddr(img, ent.symIndex)
			return p.write32(target, uint32(sym+uint64(addend)))
		case elf.R_RISCV_64:
			sym = p.symbolAddr(img, ent.symIndex)
			return p.writeWord(target, sym+uint64(addend), true)
		case elf.R_RISCV_RELATIVE:
			return p.writeWord(target, base+uint64(addend), wide)
		case elf.R_RISCV_JUMP_SLOT:
			sym = p.symbolAddr(img, ent.symIndex)
			return p.writeWord(target, sym, wide)
		}
	}
	return fmt.Errorf("%w: machine=%s type=%d", ErrUnsupportedReloc, img.Machine, ent.rtype)
}

// symbolAddr resolves a relocation's symbol reference within the image.
// An undefined or missing symbol resolves to zero; the miss is logged and
// execution may later fault on it, which is the guest's problem.
func (p *Processor) symbolAddr(img *Image, index uint32) uint64 {
	if index == 0 {
		return 0
	}
	sym, err := img.readSymbol(index)
	if err != nil {
		log.Warn(log.RelocModule, "unreadable symbol entry", "index", index, "err", err)
		return 0
	}
	if sym.Shndx == uint16(elf.SHN_UNDEF) {
		if name, nerr := img.symbolName(sym.Name); nerr == nil && name != "" {
			log.Warn(log.RelocModule, "undefined symbol resolves to zero", "name", name)
		}
		return 0
	}
	return sym.Value + uint64(img.LoadDelta)
}

func (p *Processor) readWord(addr uint32, wide bool) (uint64, error) {
	if wide {
		return p.mem.ReadU64(addr)
	}
	w, err := p.mem.ReadU32(addr)
	return uint64(w), err
}

func (p *Processor) writeWord(addr uint32, v uint64, wide bool) error {
	var err error
	if wide {
		err = p.mem.WriteU64(addr, v)
	} else {
		err = p.mem.WriteU32(addr, uint32(v))
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRelocOutOfRange, err)
	}
	return nil
}

func (p *Processor) write32(addr uint32, v uint32) error {
	if err := p.mem.WriteU32(addr, v); err != nil {
		return fmt.Errorf("%w: %v", ErrRelocOutOfRange, err)
	}
	return nil
}
