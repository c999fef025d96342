// Package monitor is an interactive debugger for a loaded guest: single
// stepping, register and memory inspection and disassembly over a readline
// prompt.
package monitor

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/olekukonko/tablewriter"

	"github.com/userlandvm/userlandvm/process"
	"github.com/userlandvm/userlandvm/vm"
)

const prompt = "(uvm) "

type Monitor struct {
	proc *process.Process
	out  io.Writer
}

func New(proc *process.Process, out io.Writer) *Monitor {
	return &Monitor{proc: proc, out: out}
}

// Run reads commands until quit or EOF.
func (m *Monitor) Run() error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		InterruptPrompt: "^C",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Fprintln(m.out, "guest loaded; type 'help' for commands")
	m.printNext()
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if m.dispatch(strings.TrimSpace(line)) {
			return nil
		}
	}
}

// dispatch runs one command line and reports whether the session is over.
func (m *Monitor) dispatch(line string) bool {
	if line == "" {
		return false
	}
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "help", "h", "?":
		m.printHelp()
	case "regs", "r":
		m.printRegs()
	case "step", "s":
		m.step(args)
	case "cont", "c":
		m.cont()
	case "mem", "x":
		m.dumpMem(args)
	case "disasm", "d":
		m.disasm(args)
	case "quit", "q", "exit":
		return true
	default:
		fmt.Fprintf(m.out, "unknown command %q, try 'help'\n", cmd)
	}
	return false
}

func (m *Monitor) printHelp() {
	fmt.Fprint(m.out, `commands:
  regs                 dump the register file
  step [n]             execute n instructions (default 1)
  cont                 run until the guest stops
  mem <addr> [len]     hex dump guest memory
  disasm [addr] [n]    disassemble n instructions (default 8, at EIP)
  quit                 leave the monitor
`)
}

func (m *Monitor) printRegs() {
	ctx := m.proc.Ctx
	table := tablewriter.NewWriter(m.out)
	table.SetHeader([]string{"Register", "Value"})
	table.SetBorder(false)
	for reg := 0; reg < 8; reg++ {
		table.Append([]string{vm.RegName(reg), fmt.Sprintf("0x%08x", ctx.Regs[reg])})
	}
	table.Append([]string{"EIP", fmt.Sprintf("0x%08x", ctx.EIP)})
	table.Append([]string{"EFLAGS", fmt.Sprintf("0x%08x", ctx.EFLAGS)})
	table.Render()
}

func (m *Monitor) step(args []string) {
	n := 1
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v < 1 {
			fmt.Fprintf(m.out, "bad count %q\n", args[0])
			return
		}
		n = v
	}
	for i := 0; i < n; i++ {
		st, err := m.proc.Engine.Step(m.proc.Ctx)
		if err != nil {
			fmt.Fprintf(m.out, "fault: %v\n", err)
			return
		}
		if st != vm.StatusRunning {
			fmt.Fprintf(m.out, "guest stopped: %s (exit %d)\n", st, m.proc.Ctx.ExitCode)
			return
		}
	}
	m.printNext()
}

func (m *Monitor) cont() {
	exit, st, err := m.proc.Run()
	if err != nil {
		fmt.Fprintf(m.out, "fault: %v\n", err)
		return
	}
	fmt.Fprintf(m.out, "guest stopped: %s (exit %d)\n", st, exit)
}

func (m *Monitor) parseAddr(s string) (uint32, bool) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		fmt.Fprintf(m.out, "bad address %q\n", s)
		return 0, false
	}
	return uint32(v), true
}

func (m *Monitor) dumpMem(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(m.out, "usage: mem <addr> [len]")
		return
	}
	addr, ok := m.parseAddr(args[0])
	if !ok {
		return
	}
	length := uint32(64)
	if len(args) > 1 {
		v, ok := m.parseAddr(args[1])
		if !ok {
			return
		}
		length = v
	}

	data, err := m.proc.Mem.Read(addr, length)
	if err != nil {
		fmt.Fprintf(m.out, "read failed: %v\n", err)
		return
	}
	for off := 0; off < len(data); off += 16 {
		end := off + 16
		if end > len(data) {
			end = len(data)
		}
		row := data[off:end]
		hexCol := make([]string, 0, 16)
		ascii := make([]byte, 0, 16)
		for _, b := range row {
			hexCol = append(hexCol, fmt.Sprintf("%02x", b))
			if b >= 0x20 && b < 0x7f {
				ascii = append(ascii, b)
			} else {
				ascii = append(ascii, '.')
			}
		}
		fmt.Fprintf(m.out, "0x%08x  %-47s  |%s|\n", addr+uint32(off), strings.Join(hexCol, " "), ascii)
	}
}

func (m *Monitor) disasm(args []string) {
	addr := m.proc.Ctx.EIP
	count := 8
	if len(args) > 0 {
		v, ok := m.parseAddr(args[0])
		if !ok {
			return
		}
		addr = v
	}
	if len(args) > 1 {
		v, err := strconv.Atoi(args[1])
		if err != nil || v < 1 {
			fmt.Fprintf(m.out, "bad count %q\n", args[1])
			return
		}
		count = v
	}

	for i := 0; i < count; i++ {
		window := uint32(15)
		if cap := m.proc.Mem.Capacity(); addr >= cap {
			fmt.Fprintf(m.out, "0x%08x  <end of arena>\n", addr)
			return
		} else if cap-addr < window {
			window = cap - addr
		}
		code, err := m.proc.Mem.Pointer(addr, window)
		if err != nil {
			fmt.Fprintf(m.out, "read failed: %v\n", err)
			return
		}
		text, length := vm.Disassemble(code, addr)
		fmt.Fprintf(m.out, "0x%08x  %s\n", addr, text)
		addr += uint32(length)
	}
}

// printNext shows the instruction the next step will execute.
func (m *Monitor) printNext() {
	ctx := m.proc.Ctx
	if ctx.Halted {
		fmt.Fprintf(m.out, "guest halted (exit %d)\n", ctx.ExitCode)
		return
	}
	window := uint32(15)
	if cap := m.proc.Mem.Capacity(); ctx.EIP >= cap {
		return
	} else if cap-ctx.EIP < window {
		window = cap - ctx.EIP
	}
	code, err := m.proc.Mem.Pointer(ctx.EIP, window)
	if err != nil {
		return
	}
	text, _ := vm.Disassemble(code, ctx.EIP)
	fmt.Fprintf(m.out, "=> 0x%08x  %s\n", ctx.EIP, text)
}
