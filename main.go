// The main package for the jobharvest executable.
package main

import (
	"github.com/industrion/jobharvest/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
