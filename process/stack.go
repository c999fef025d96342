package process

import (
	"fmt"

	"github.com/userlandvm/userlandvm/guestmem"
	"github.com/userlandvm/userlandvm/log"
)

// seedStack lays out the System V i386 start frame at the top of the arena:
// the argument and environment strings, then the pointer vectors, then argc
// at the final stack pointer. The started program sees
//
//	[esp]   argc
//	[esp+4] argv[0] ... argv[argc-1], NULL
//	...     envp[0] ..., NULL
func seedStack(mem *guestmem.AddressSpace, stackSize uint32, argv, envp []string) (uint32, error) {
	top := mem.Capacity() &^ 15
	floor := mem.Capacity() - stackSize

	// strings grow down from the top
	cursor := top
	place := func(s string) (uint32, error) {
		need := uint32(len(s)) + 1
		if cursor-need < floor {
			return 0, fmt.Errorf("start frame larger than the %d byte stack", stackSize)
		}
		cursor -= need
		if err := mem.Write(cursor, append([]byte(s), 0)); err != nil {
			return 0, err
		}
		return cursor, nil
	}

	argvAddrs := make([]uint32, len(argv))
	for i, s := range argv {
		addr, err := place(s)
		if err != nil {
			return 0, err
		}
		argvAddrs[i] = addr
	}
	envpAddrs := make([]uint32, len(envp))
	for i, s := range envp {
		addr, err := place(s)
		if err != nil {
			return 0, err
		}
		envpAddrs[i] = addr
	}

	// vector: argc, argv..., NULL, envp..., NULL
	words := 1 + len(argvAddrs) + 1 + len(envpAddrs) + 1
	cursor = (cursor - uint32(words)*4) &^ 15
	if cursor < floor {
		return 0, fmt.Errorf("start frame larger than the %d byte stack", stackSize)
	}

	esp := cursor
	put := func(v uint32) error {
		if err := mem.WriteU32(cursor, v); err != nil {
			return err
		}
		cursor += 4
		return nil
	}
	if err := put(uint32(len(argvAddrs))); err != nil {
		return 0, err
	}
	for _, a := range argvAddrs {
		if err := put(a); err != nil {
			return 0, err
		}
	}
	if err := put(0); err != nil {
		return 0, err
	}
	for _, a := range envpAddrs {
		if err := put(a); err != nil {
			return 0, err
		}
	}
	if err := put(0); err != nil {
		return 0, err
	}

	log.Debug(log.ProcModule, "stack seeded",
		"esp", fmt.Sprintf("0x%08x", esp), "argc", len(argvAddrs), "envc", len(envpAddrs))
	return esp, nil
}
