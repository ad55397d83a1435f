// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// onewire enumerates, reads and emulates 1-Wire devices.
//
// The bus is a GPIO pin driven in software, a DS2482/DS2483 I²C bridge, a
// serial port or a simulated bus, selected with --bus or a YAML configuration
// file.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "onewire: %s.\n", err)
		os.Exit(1)
	}
}
