// Package process assembles a runnable guest: arena, loaded image, applied
// relocations, syscall dispatcher, execution engine and an initial stack.
package process

import (
	"debug/elf"
	"fmt"
	"io"

	"github.com/userlandvm/userlandvm/elfimage"
	"github.com/userlandvm/userlandvm/guestmem"
	"github.com/userlandvm/userlandvm/log"
	"github.com/userlandvm/userlandvm/syscalls"
	"github.com/userlandvm/userlandvm/vm"
)

// DefaultBase is where position-independent executables land when the caller
// does not pick a base.
const DefaultBase = 0x00400000

// DefaultStackSize reserves the top of the arena for the guest stack.
const DefaultStackSize = 8 << 20

const pageSize = 4096

// Config shapes a new process. The zero value is usable: default arena,
// default stack, host stdio.
type Config struct {
	ArenaSize       uint32
	StackSize       uint32
	Base            uint32
	MaxInstructions uint64
	Trace           bool

	// Argv includes the program name in slot zero. An empty slice gets
	// the executable path as argv[0].
	Argv []string
	Envp []string

	Stdin    io.Reader
	Stdout   io.Writer
	Stderr   io.Writer
	DebugOut io.Writer
}

// Process is one loaded guest ready to run.
type Process struct {
	Mem    *guestmem.AddressSpace
	Image  *elfimage.Image
	Ctx    *vm.Context
	Engine vm.ExecutionEngine
	Sys    *syscalls.Dispatcher
}

// New loads the executable at path and prepares it for execution: map the
// image, apply relocations, seed the System V stack and bind the engine for
// the image's machine.
func New(path string, cfg Config) (*Process, error) {
	if cfg.ArenaSize == 0 {
		cfg.ArenaSize = guestmem.DefaultArenaSize
	}
	if cfg.StackSize == 0 {
		cfg.StackSize = DefaultStackSize
	}
	if cfg.Base == 0 {
		cfg.Base = DefaultBase
	}
	if len(cfg.Argv) == 0 {
		cfg.Argv = []string{path}
	}

	mem := guestmem.New(cfg.ArenaSize)
	img, err := elfimage.Load(path, mem, cfg.Base)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if err := elfimage.NewProcessor(mem).Apply(img); err != nil {
		return nil, fmt.Errorf("relocate %s: %w", path, err)
	}

	// EntryPoint is base-relative for ET_DYN, so the zero check must come
	// before the load delta is applied.
	entry := img.EntryPoint()
	if entry == 0 {
		return nil, fmt.Errorf("%s: %w", path, elfimage.ErrNoEntryPoint)
	}
	if img.Type == elf.ET_DYN {
		entry += img.LoadDelta
	}

	esp, err := seedStack(mem, cfg.StackSize, cfg.Argv, cfg.Envp)
	if err != nil {
		return nil, fmt.Errorf("seed stack: %w", err)
	}

	// Address space layout above the image: heap first, then the mmap
	// window, then the stack reservation. Nothing hands out addresses at
	// or above the stack floor.
	brkBase := pageAlign(img.MaxVaddr + img.LoadDelta)
	floor := stackFloor(mem, cfg.StackSize)
	if brkBase >= floor {
		return nil, fmt.Errorf("%s: image end 0x%08x leaves no room below the stack floor 0x%08x",
			path, brkBase, floor)
	}
	brkLimit := brkBase + ((floor-brkBase)/2)&^uint32(pageSize-1)
	sys := syscalls.New(mem, syscalls.Config{
		Stdin:     cfg.Stdin,
		Stdout:    cfg.Stdout,
		Stderr:    cfg.Stderr,
		BrkBase:   brkBase,
		BrkLimit:  brkLimit,
		MmapBase:  brkLimit,
		MmapLimit: floor,
	})

	engine, err := vm.NewEngine(img.Machine, mem, sys, vm.Config{
		MaxInstructions: cfg.MaxInstructions,
		Trace:           cfg.Trace,
		DebugOut:        cfg.DebugOut,
	})
	if err != nil {
		return nil, err
	}

	ctx := vm.NewContext(entry, esp)
	log.Info(log.ProcModule, "process ready",
		"path", path,
		"entry", fmt.Sprintf("0x%08x", entry),
		"esp", fmt.Sprintf("0x%08x", esp),
		"brk", fmt.Sprintf("0x%08x", brkBase))

	return &Process{Mem: mem, Image: img, Ctx: ctx, Engine: engine, Sys: sys}, nil
}

// Run executes the guest to completion and reports its exit code alongside
// the engine's stop status.
func (p *Process) Run() (int32, vm.Status, error) {
	st, err := p.Engine.Run(p.Ctx)
	if err != nil {
		return p.Ctx.ExitCode, st, err
	}
	log.Debug(log.ProcModule, "guest stopped", "status", st, "exit", p.Ctx.ExitCode)
	return p.Ctx.ExitCode, st, nil
}

func pageAlign(v uint32) uint32 {
	return (v + pageSize - 1) &^ uint32(pageSize-1)
}

func stackFloor(mem *guestmem.AddressSpace, stackSize uint32) uint32 {
	return (mem.Capacity() - stackSize) &^ uint32(pageSize-1)
}
