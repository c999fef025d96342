package vm

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"

	"github.com/userlandvm/userlandvm/guestmem"
)

// Status reports why an engine's run loop stopped.
type Status uint8

const (
	StatusRunning Status = iota
	StatusHalted
	StatusInstructionLimit
	StatusDecodeError
	StatusOutOfBounds
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusHalted:
		return "halted"
	case StatusInstructionLimit:
		return "instruction-limit"
	case StatusDecodeError:
		return "decode-error"
	case StatusOutOfBounds:
		return "out-of-bounds"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// ErrNoEngine means no execution engine exists for the image's machine.
// Such images still load and can be inspected, they just cannot run.
var ErrNoEngine = errors.New("no execution engine for machine")

// SyscallHandler receives control on a guest trap instruction. The handler
// reads arguments from and writes results into the context registers, and may
// mark the context halted.
type SyscallHandler interface {
	Handle(ctx *Context) error
}

// ExecutionEngine runs guest code against a context until the guest halts,
// faults or exhausts the instruction budget.
type ExecutionEngine interface {
	// Run executes from ctx.EIP. It returns the stop status together with
	// the error that caused a fault status; a clean halt returns a nil
	// error.
	Run(ctx *Context) (Status, error)

	// Step executes exactly one instruction.
	Step(ctx *Context) (Status, error)
}

// Config tunes an engine.
type Config struct {
	// MaxInstructions bounds one Run call. Zero selects the default.
	MaxInstructions uint64

	// Trace logs every instruction before it executes.
	Trace bool

	// DebugOut receives bytes the guest writes to the debug I/O port.
	// Nil discards them.
	DebugOut io.Writer
}

// DefaultMaxInstructions bounds a Run call so a guest spinning in place
// cannot wedge the host.
const DefaultMaxInstructions = 10_000_000

// NewEngine returns the execution engine for a guest machine type.
func NewEngine(machine elf.Machine, mem *guestmem.AddressSpace, sys SyscallHandler, cfg Config) (ExecutionEngine, error) {
	switch machine {
	case elf.EM_386:
		return newInterpreter(mem, sys, cfg), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoEngine, machine)
}
