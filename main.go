// The main package for the pricecrawler executable.
package main

import (
	"github.com/JakeFAU/retail-price-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
