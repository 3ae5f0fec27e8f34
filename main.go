// The main package for the spidercrawl executable.
package main

import (
	"github.com/JakeFAU/spidercrawl/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
