// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewire_test

import (
	"fmt"
	"log"

	"github.com/GermanBionicSystems/onewire/onewire"
	"github.com/GermanBionicSystems/onewire/onewire/onewiretest"
)

func ExampleSearch() {
	// Any bus master works, here a simulated bus with a single device.
	bus := onewiretest.NewBus(onewire.NewCode(0x28, 0x70e41ac))
	codes, err := onewire.Search(bus, false)
	if err != nil {
		log.Fatal(err)
	}
	for _, c := range codes {
		fmt.Printf("%s family=%#02x crc=%#02x\n", c, c.Family(), c.CRC())
	}
	// Output:
	// 28-0000070e41ac family=0x28 crc=0x74
}

func ExampleDev_TxCRC() {
	code := onewire.NewCode(0x28, 0x70e41ac)
	bus := onewiretest.NewBus(code)
	bus.Devices[0].Memory = []byte{0x50, 0x05}

	d := onewire.Dev{Bus: bus, Code: code}
	data, err := d.TxCRC([]byte{0xbe}, 2)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%#v\n", data)
	// Output:
	// []byte{0x50, 0x5}
}
