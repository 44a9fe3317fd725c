// oneslot multiplexes a set of local inference backends behind one or
// more HTTP front-ends, keeping at most one backend's weights resident
// on the accelerator at a time.
package main

import (
	"fmt"
	"os"

	"github.com/oneslot/oneslot/cmd/oneslot/command"
)

func main() {
	if err := command.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
