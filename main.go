// The main package for the techevents executable.
package main

import (
	"github.com/JakeFAU/techevents-crawler/cmd"
)

func main() {
	cmd.Execute()
}
