// The main package for the versionista-scraper executable.
package main

import (
	"github.com/JakeFAU/versionista-scraper/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
