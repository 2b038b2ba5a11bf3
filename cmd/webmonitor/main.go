// The main package for the webmonitor executable.
package main

import (
	"os"

	"github.com/JakeFAU/webmonitor/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
