// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"fmt"
	"image/color"
	"io"

	"github.com/maruel/ansi256"

	"github.com/GermanBionicSystems/onewire/onewire"
)

var families = map[byte]string{
	0x01: "DS2401 silicon serial number",
	0x10: "DS18S20 thermometer",
	0x1d: "DS2423 counter",
	0x22: "DS1822 thermometer",
	0x26: "DS2438 battery monitor",
	0x28: "DS18B20 thermometer",
	0x29: "DS2408 8 channel switch",
	0x2d: "DS2431 EEPROM",
	0x3a: "DS2413 2 channel switch",
	0x3b: "DS1825 thermometer",
	0x42: "DS28EA00 thermometer",
}

// familyColor returns a stable color per family.
func familyColor(f byte) color.NRGBA {
	return color.NRGBA{R: f, G: f*97 + 64, B: ^f, A: 255}
}

// printCodes writes one line per code, with a color block identifying the
// family. A nil palette writes plain text.
func printCodes(w io.Writer, p *ansi256.Palette, codes []onewire.Code) error {
	for _, c := range codes {
		name := families[c.Family()]
		if name == "" {
			name = "unknown family"
		}
		block := ""
		if p != nil {
			block = p.Block(familyColor(c.Family())) + "\033[0m "
		}
		if _, err := fmt.Fprintf(w, "%s%s  %s\n", block, c, name); err != nil {
			return err
		}
	}
	return nil
}
