// Package banner prints the startup banner with the effective
// configuration, aligned for scanning in service logs.
package banner

import (
	"fmt"
	"strings"
)

const logo = `
======================================================================
__     __         __  __           _     ____  _____ _   _
\ \   / /____  __|  \/  | ___  ___| |_  / ___||  ___| | | |
 \ \ / / _ \ \/ /| |\/| |/ _ \/ _ \ __| \___ \| |_  | | | |
  \ V / (_) >  < | |  | |  __/  __/ |_   ___) |  _| | |_| |
   \_/ \___/_/\_\|_|  |_|\___|\___|\__| |____/|_|    \___/
----------------------------------------------------------------------`

const footer = `======================================================================`

// ConfigLine is one label/value pair shown under the logo.
type ConfigLine struct {
	Label string
	Value string
}

// Print displays the startup banner with the service name and configuration.
func Print(serviceName string, config []ConfigLine) {
	fmt.Println(logo)
	fmt.Printf("%s\n", serviceName)

	maxLen := 0
	for _, c := range config {
		if len(c.Label) > maxLen {
			maxLen = len(c.Label)
		}
	}

	for _, c := range config {
		padding := strings.Repeat(" ", maxLen-len(c.Label))
		fmt.Printf("  %s%s : %s\n", c.Label, padding, c.Value)
	}

	fmt.Println(footer)
}
