package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/userlandvm/userlandvm/log"
	"github.com/userlandvm/userlandvm/monitor"
	"github.com/userlandvm/userlandvm/process"
	"github.com/userlandvm/userlandvm/vm"
)

type runFlags struct {
	arenaSize string
	stackSize string
	base      uint32
	maxInstr  uint64
	trace     bool
	env       []string
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.arenaSize, "arena-size", "512MB", "guest arena size")
	cmd.Flags().StringVar(&f.stackSize, "stack-size", "8MB", "guest stack size")
	cmd.Flags().Uint32Var(&f.base, "base", process.DefaultBase, "load base for position-independent executables")
	cmd.Flags().Uint64Var(&f.maxInstr, "max-instructions", vm.DefaultMaxInstructions, "instruction budget, 0 for the default")
	cmd.Flags().BoolVar(&f.trace, "trace", false, "log every executed instruction")
	cmd.Flags().StringArrayVar(&f.env, "env", nil, "environment entry KEY=VALUE, repeatable")
}

func (f *runFlags) load(args []string) (*process.Process, error) {
	arena, err := humanize.ParseBytes(f.arenaSize)
	if err != nil {
		return nil, fmt.Errorf("bad --arena-size: %w", err)
	}
	stack, err := humanize.ParseBytes(f.stackSize)
	if err != nil {
		return nil, fmt.Errorf("bad --stack-size: %w", err)
	}
	return process.New(args[0], process.Config{
		ArenaSize:       uint32(arena),
		StackSize:       uint32(stack),
		Base:            f.base,
		MaxInstructions: f.maxInstr,
		Trace:           f.trace,
		Argv:            args,
		Envp:            f.env,
		DebugOut:        os.Stderr,
	})
}

func runCommand() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run <executable> [guest args...]",
		Short: "load a guest executable and run it to completion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proc, err := flags.load(args)
			if err != nil {
				return err
			}
			exit, st, err := proc.Run()
			if err != nil {
				return fmt.Errorf("guest fault (%s): %w", st, err)
			}
			if st != vm.StatusHalted {
				return fmt.Errorf("guest stopped without exiting: %s", st)
			}
			log.Info(log.ProcModule, "guest finished", "exit", exit)
			// the guest's exit code is this process's exit code
			os.Exit(int(uint8(exit)))
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func debugCommand() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "debug <executable> [guest args...]",
		Short: "load a guest executable and drop into the interactive monitor",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proc, err := flags.load(args)
			if err != nil {
				return err
			}
			return monitor.New(proc, os.Stdout).Run()
		},
	}
	flags.register(cmd)
	return cmd
}
