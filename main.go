// SPDX-License-Identifier: MIT
//
// Luatt - drive a Lua interpreter on an embedded device over a serial link.
//
// Loads Lua modules onto the device, provides an interactive REPL, proxies
// MQTT traffic for device scripts, and can run the loader and interpreter
// locally to stand in for real hardware.

package main

import (
	"os"

	"github.com/ryanrsrs/luatt/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
