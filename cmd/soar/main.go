// Command soar is the entrypoint for the cross-distribution userspace
// package manager: it completes a Landlock sandbox reexec when invoked
// that way, otherwise it runs the normal command surface.
package main

import (
	"fmt"
	"os"

	"github.com/pkgforge-go/soar/internal/cli"
	"github.com/pkgforge-go/soar/internal/sandbox"
)

func main() {
	if sandbox.ReexecRulesPending() {
		if err := sandbox.ApplyAndExec(); err != nil {
			fmt.Fprintf(os.Stderr, "soar: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cli.Execute()
}
