// The main package for the countrycache executable.
package main

import (
	"github.com/JakeFAU/worldbank-country-cache/cmd"
)

func main() {
	cmd.Execute()
}
