// The main package for the listener executable.
package main

import (
	"github.com/JakeFAU/indieweb-listener/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
