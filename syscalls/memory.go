package syscalls

import (
	"fmt"

	"github.com/userlandvm/userlandvm/log"
)

const pageSize = 4096

// mmap2 flag bits.
const (
	mapPrivate   = 0x02
	mapFixed     = 0x10
	mapAnonymous = 0x20
)

func pageAlign(v uint32) uint32 {
	return (v + pageSize - 1) &^ uint32(pageSize-1)
}

// doBrk moves the program break. Linux semantics: an unsatisfiable request
// returns the current break instead of an error.
func (d *Dispatcher) doBrk(addr uint32) uint32 {
	if addr == 0 {
		return d.brk
	}
	if addr < d.brkBase || addr > d.brkLimit || addr > d.mem.Capacity() {
		log.Debug(log.SyscallModule, "brk refused",
			"want", fmt.Sprintf("0x%08x", addr), "brk", fmt.Sprintf("0x%08x", d.brk))
		return d.brk
	}
	if addr > d.brk {
		if err := d.mem.Zero(d.brk, addr-d.brk); err != nil {
			return d.brk
		}
	}
	d.brk = addr
	return d.brk
}

// mmap2 hands out anonymous pages from a bump allocator. The arena has a
// single flat protection, so prot is accepted and ignored. File-backed
// mappings are not provided; the loader already placed every image.
func (d *Dispatcher) mmap2(addr, length, prot, flags uint32, fd int32, pgoff uint32) int32 {
	if length == 0 {
		return -errEINVAL
	}
	if flags&mapPrivate == 0 {
		return -errEINVAL
	}
	if flags&mapAnonymous == 0 {
		log.Warn(log.SyscallModule, "file-backed mmap refused", "fd", fd, "pgoff", pgoff)
		return -errENOSYS
	}

	length = pageAlign(length)
	base := d.mmapNext
	if flags&mapFixed != 0 {
		base = addr &^ uint32(pageSize-1)
	}
	end := uint64(base) + uint64(length)
	if end > uint64(d.mmapLimit) {
		return -errENOMEM
	}
	if err := d.mem.Zero(base, length); err != nil {
		return -errENOMEM
	}
	if flags&mapFixed == 0 {
		d.mmapNext = base + length
	}
	log.Debug(log.SyscallModule, "mmap2",
		"base", fmt.Sprintf("0x%08x", base), "length", length)
	return int32(base)
}
