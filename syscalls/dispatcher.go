package syscalls

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/userlandvm/userlandvm/guestmem"
	"github.com/userlandvm/userlandvm/log"
	"github.com/userlandvm/userlandvm/vm"
)

// Config seeds a dispatcher. Zero-value fields fall back to the host's own
// stdio and defaults.
type Config struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Pid is the process id reported to the guest. Zero reports the host
	// pid.
	Pid int32

	// BrkBase and BrkLimit bound the program break. BrkBase is normally
	// the end of the loaded image.
	BrkBase  uint32
	BrkLimit uint32

	// MmapBase is where anonymous mappings are carved from, growing up.
	// MmapLimit is the first address mappings may not reach; it keeps the
	// allocator out of the stack reservation.
	MmapBase  uint32
	MmapLimit uint32
}

// fileEntry is one slot of the guest descriptor table. The three stdio slots
// are stream-backed and have no host file.
type fileEntry struct {
	file  *os.File
	r     io.Reader
	w     io.Writer
	flags uint32 // O_* status flags as fcntl64 sees them

	// refs counts the descriptors sharing this entry; the host file closes
	// when the last one goes.
	refs int
}

// Dispatcher emulates the i386 Linux syscall ABI over the guest arena.
// Results and errors travel back through EAX, errors as negated errno
// values.
type Dispatcher struct {
	mem   *guestmem.AddressSpace
	files map[int32]*fileEntry
	pid   int32

	brkBase   uint32
	brk       uint32
	brkLimit  uint32
	mmapNext  uint32
	mmapLimit uint32
}

// New builds a dispatcher with the stdio slots 0, 1 and 2 pinned.
func New(mem *guestmem.AddressSpace, cfg Config) *Dispatcher {
	if cfg.Stdin == nil {
		cfg.Stdin = os.Stdin
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	pid := cfg.Pid
	if pid == 0 {
		pid = int32(os.Getpid())
	}
	if cfg.BrkLimit == 0 {
		// split the room above the image between the heap and mmap
		room := mem.Capacity() - cfg.BrkBase
		grow := uint32(64 << 20)
		if grow > room/2 {
			grow = room / 2
		}
		cfg.BrkLimit = cfg.BrkBase + grow&^uint32(pageSize-1)
	}
	if cfg.MmapBase == 0 {
		cfg.MmapBase = pageAlign(cfg.BrkLimit)
	}
	if cfg.MmapLimit == 0 {
		cfg.MmapLimit = mem.Capacity()
	}
	return &Dispatcher{
		mem: mem,
		files: map[int32]*fileEntry{
			0: {r: cfg.Stdin, refs: 1},
			1: {w: cfg.Stdout, flags: 1, refs: 1}, // O_WRONLY
			2: {w: cfg.Stderr, flags: 1, refs: 1},
		},
		pid:       pid,
		brkBase:   cfg.BrkBase,
		brk:       cfg.BrkBase,
		brkLimit:  cfg.BrkLimit,
		mmapNext:  cfg.MmapBase,
		mmapLimit: cfg.MmapLimit,
	}
}

// Handle implements vm.SyscallHandler. Arguments arrive in EBX, ECX, EDX,
// ESI, EDI and EBP; the result replaces EAX.
func (d *Dispatcher) Handle(ctx *vm.Context) error {
	num := ctx.Regs[vm.RegEAX]
	args := [6]uint32{
		ctx.Regs[vm.RegEBX],
		ctx.Regs[vm.RegECX],
		ctx.Regs[vm.RegEDX],
		ctx.Regs[vm.RegESI],
		ctx.Regs[vm.RegEDI],
		ctx.Regs[vm.RegEBP],
	}
	log.Trace(log.SyscallModule, "trap",
		"num", num, "name", SysName(num),
		"arg0", fmt.Sprintf("0x%08x", args[0]),
		"arg1", fmt.Sprintf("0x%08x", args[1]),
		"arg2", fmt.Sprintf("0x%08x", args[2]))

	var ret int32
	switch num {
	case sysExit, sysExitGroup:
		log.Debug(log.SyscallModule, "guest exit", "code", int32(args[0]))
		ctx.Exit(int32(args[0]))
		return nil

	case sysRead:
		ret = d.read(int32(args[0]), args[1], args[2])
	case sysWrite:
		ret = d.write(int32(args[0]), args[1], args[2])
	case sysOpen:
		ret = d.open(args[0], args[1], args[2])
	case sysClose:
		ret = d.close(int32(args[0]))
	case sysAccess:
		ret = d.access(args[0], args[1])
	case sysStat64:
		ret = d.stat64(args[0], args[1])
	case sysFstat64:
		ret = d.fstat64(int32(args[0]), args[1])
	case sysFcntl64:
		ret = d.fcntl64(int32(args[0]), args[1], args[2])
	case sysIoctl:
		ret = d.ioctl(int32(args[0]), args[1])

	case sysBrk:
		ret = int32(d.doBrk(args[0]))
	case sysMmap2:
		ret = d.mmap2(args[0], args[1], args[2], args[3], int32(args[4]), args[5])
	case sysMunmap, sysMprotect:
		// mappings are never reclaimed and the arena has one protection
		ret = 0

	case sysGetpid:
		ret = d.pid
	case sysGetuid32, sysGeteuid32, sysGetgid32, sysGetegid32:
		ret = 0
	case sysTime:
		now := int32(time.Now().Unix())
		if args[0] != 0 {
			if err := d.mem.WriteU32(args[0], uint32(now)); err != nil {
				ret = -errEFAULT
				break
			}
		}
		ret = now
	case sysUname:
		ret = d.uname(args[0])
	case sysSetThreadArea:
		ret = d.setThreadArea(ctx, args[0])

	default:
		log.Warn(log.SyscallModule, "unimplemented syscall", "num", num, "name", SysName(num))
		ret = -errENOSYS
	}

	ctx.Regs[vm.RegEAX] = uint32(ret)
	return nil
}

// allocFD returns the lowest free descriptor at or above 3.
func (d *Dispatcher) allocFD() int32 {
	for fd := int32(3); ; fd++ {
		if _, used := d.files[fd]; !used {
			return fd
		}
	}
}

func (d *Dispatcher) entry(fd int32) *fileEntry {
	return d.files[fd]
}
