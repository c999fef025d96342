package main

import (
	"debug/elf"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/xlab/treeprint"

	"github.com/userlandvm/userlandvm/elfimage"
	"github.com/userlandvm/userlandvm/guestmem"
	"github.com/userlandvm/userlandvm/process"
	"github.com/userlandvm/userlandvm/vm"
)

// loadForInspection maps an image without binding an engine, so binaries for
// machines without an interpreter can still be examined.
func loadForInspection(path string, base uint32, relocate bool) (*elfimage.Image, *guestmem.AddressSpace, error) {
	mem := guestmem.New(guestmem.DefaultArenaSize)
	img, err := elfimage.Load(path, mem, base)
	if err != nil {
		return nil, nil, err
	}
	if relocate {
		if err := elfimage.NewProcessor(mem).Apply(img); err != nil {
			return nil, nil, err
		}
	}
	return img, mem, nil
}

func inspectCommand() *cobra.Command {
	var base uint32
	cmd := &cobra.Command{
		Use:   "inspect <executable>",
		Short: "load a guest executable and describe its layout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, _, err := loadForInspection(args[0], base, false)
			if err != nil {
				return err
			}

			tree := treeprint.NewWithRoot(args[0])
			hdr := tree.AddBranch("header")
			hdr.AddNode(fmt.Sprintf("class:   %s", img.Class))
			hdr.AddNode(fmt.Sprintf("machine: %s", img.Machine))
			hdr.AddNode(fmt.Sprintf("type:    %s", img.Type))
			hdr.AddNode(fmt.Sprintf("entry:   0x%08x", img.EntryPoint()))
			hdr.AddNode(fmt.Sprintf("span:    0x%08x-0x%08x (%s)",
				img.MinVaddr+img.LoadDelta, img.MaxVaddr+img.LoadDelta,
				humanize.IBytes(uint64(img.Size))))
			if img.InterpPath != "" {
				hdr.AddNode(fmt.Sprintf("interp:  %s", img.InterpPath))
			}

			segs := tree.AddBranch("segments")
			for idx, ph := range img.Headers {
				if ph.Type != elf.PT_LOAD {
					continue
				}
				segs.AddNode(fmt.Sprintf("#%d vaddr=0x%08x filesz=%s memsz=%s %s",
					idx, uint32(ph.Vaddr)+img.LoadDelta,
					humanize.IBytes(ph.Filesz), humanize.IBytes(ph.Memsz),
					progFlags(ph.Flags)))
			}

			if dyn := img.Dynamic; dyn != nil {
				d := tree.AddBranch("dynamic")
				for _, needed := range dyn.Needed {
					d.AddNode(fmt.Sprintf("needs %s", needed))
				}
				if dyn.RelAddr != 0 {
					d.AddNode(fmt.Sprintf("rel table: 0x%08x (%d bytes)", dyn.RelAddr, dyn.RelSize))
				}
				if dyn.RelaAddr != 0 {
					d.AddNode(fmt.Sprintf("rela table: 0x%08x (%d bytes)", dyn.RelaAddr, dyn.RelaSize))
				}
				if dyn.JmprelAddr != 0 {
					d.AddNode(fmt.Sprintf("plt relocs: 0x%08x (%d bytes)", dyn.JmprelAddr, dyn.PltrelSize))
				}
			}

			fmt.Fprint(os.Stdout, tree.String())
			return nil
		},
	}
	cmd.Flags().Uint32Var(&base, "base", process.DefaultBase, "load base for position-independent executables")
	return cmd
}

func progFlags(f elf.ProgFlag) string {
	out := []byte("---")
	if f&elf.PF_R != 0 {
		out[0] = 'r'
	}
	if f&elf.PF_W != 0 {
		out[1] = 'w'
	}
	if f&elf.PF_X != 0 {
		out[2] = 'x'
	}
	return string(out)
}

func disasmCommand() *cobra.Command {
	var base uint32
	var addr uint32
	var count int
	cmd := &cobra.Command{
		Use:   "disasm <executable>",
		Short: "disassemble a loaded guest image from its entry point",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, mem, err := loadForInspection(args[0], base, true)
			if err != nil {
				return err
			}
			pc := addr
			if pc == 0 {
				pc = img.EntryPoint()
				if img.Type == elf.ET_DYN {
					pc += img.LoadDelta
				}
			}
			for n := 0; n < count; n++ {
				window := uint32(15)
				if pc >= mem.Capacity() {
					break
				}
				if left := mem.Capacity() - pc; left < window {
					window = left
				}
				code, err := mem.Pointer(pc, window)
				if err != nil {
					return err
				}
				text, length := vm.Disassemble(code, pc)
				fmt.Fprintf(os.Stdout, "0x%08x  %s\n", pc, text)
				pc += uint32(length)
			}
			return nil
		},
	}
	cmd.Flags().Uint32Var(&base, "base", process.DefaultBase, "load base for position-independent executables")
	cmd.Flags().Uint32Var(&addr, "addr", 0, "start address, 0 for the entry point")
	cmd.Flags().IntVar(&count, "count", 32, "number of instructions")
	return cmd
}
