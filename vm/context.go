package vm

// General-purpose register indices, in instruction-encoding order.
const (
	RegEAX = 0
	RegECX = 1
	RegEDX = 2
	RegEBX = 3
	RegESP = 4
	RegEBP = 5
	RegESI = 6
	RegEDI = 7
)

var regNames = [8]string{"EAX", "ECX", "EDX", "EBX", "ESP", "EBP", "ESI", "EDI"}

// RegName returns the conventional name of a general-purpose register.
func RegName(reg int) string {
	return regNames[reg&7]
}

// EFLAGS bits.
const (
	FlagCF uint32 = 1 << 0
	FlagPF uint32 = 1 << 2
	FlagAF uint32 = 1 << 4
	FlagZF uint32 = 1 << 6
	FlagSF uint32 = 1 << 7
	FlagTF uint32 = 1 << 8
	FlagIF uint32 = 1 << 9
	FlagDF uint32 = 1 << 10
	FlagOF uint32 = 1 << 11
)

// flagsInit has the reserved bit 1 and IF set, the state a fresh user
// process observes.
const flagsInit uint32 = 0x202

// Context is the mutable register file of one guest process. Exactly one
// instance exists per running guest; every interpreted instruction and every
// syscall that touches registers mutates it.
type Context struct {
	Regs   [8]uint32
	EIP    uint32
	EFLAGS uint32

	// Segment bases for FS/GS-relative addressing (thread-local storage).
	FSBase uint32
	GSBase uint32

	Halted   bool
	ExitCode int32
}

// NewContext seeds a context with the entry point and initial stack pointer.
func NewContext(entry uint32, stackTop uint32) *Context {
	ctx := &Context{EIP: entry, EFLAGS: flagsInit}
	ctx.Regs[RegESP] = stackTop
	return ctx
}

func (c *Context) Flag(mask uint32) bool {
	return c.EFLAGS&mask != 0
}

func (c *Context) SetFlag(mask uint32, on bool) {
	if on {
		c.EFLAGS |= mask
	} else {
		c.EFLAGS &^= mask
	}
}

// Exit marks the context halted with the given code. Used by the syscall
// dispatcher; the interpreter observes Halted and stops without returning
// control to guest code.
func (c *Context) Exit(code int32) {
	c.ExitCode = code
	c.Halted = true
}
