// The main package for the linkback executable.
package main

import (
	"github.com/JakeFAU/linkback/cmd"
)

func main() {
	cmd.Execute()
}
