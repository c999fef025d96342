// userlandvm runs 32-bit guest executables in an emulated user space: the
// binary is mapped into a private arena, its instructions interpreted and
// its syscalls serviced by the host.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/userlandvm/userlandvm/log"
)

var (
	logLevel   string
	logModules string
)

func main() {
	root := &cobra.Command{
		Use:          "userlandvm",
		Short:        "userspace virtual machine for 32-bit guest executables",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.InitLogger(logLevel)
			log.EnableModules(logModules)
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level (trace|debug|info|warn|error)")
	root.PersistentFlags().StringVar(&logModules, "log-modules", "",
		"comma-separated modules with trace/debug enabled, or 'all'")

	root.AddCommand(runCommand())
	root.AddCommand(debugCommand())
	root.AddCommand(inspectCommand())
	root.AddCommand(disasmCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
