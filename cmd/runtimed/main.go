// Command runtimed runs the local-machine notebook runtime daemon: it
// mediates between notebook front-ends and Jupyter-style kernels, manages
// prewarmed environment pools, and serves blob/settings/notebook state over
// a length-prefixed IPC socket (spec §1).
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/fang"
)

func main() {
	if err := fang.Execute(context.Background(), rootCmd); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
