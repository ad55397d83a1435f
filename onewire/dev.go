// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewire

// Dev is a device on a 1-Wire bus. The bus is shared with the other devices
// and is not owned by Dev.
//
// The zero Code addresses the bus with SKIP_ROM, for single device buses.
type Dev struct {
	Bus  Bus
	Code Code
}

func (d *Dev) String() string {
	return d.Bus.String() + "(" + d.Code.String() + ")"
}

// Select resets the bus and addresses the device. A function command is
// expected to follow.
func (d *Dev) Select() error {
	if d.Code == (Code{}) {
		return SkipROM(d.Bus)
	}
	return MatchROM(d.Bus, d.Code)
}

// Tx selects the device, writes w and then reads len(r) bytes into r.
func (d *Dev) Tx(w, r []byte) error {
	if err := d.Select(); err != nil {
		return err
	}
	for _, v := range w {
		if err := d.Bus.WriteBits(v, 8); err != nil {
			return err
		}
	}
	for i := range r {
		v, err := d.Bus.ReadBits(8)
		if err != nil {
			return err
		}
		r[i] = v
	}
	return nil
}

// TxCRC selects the device, writes w and reads n bytes protected by a trailing
// CRC8 byte.
func (d *Dev) TxCRC(w []byte, n int) ([]byte, error) {
	if err := d.Select(); err != nil {
		return nil, err
	}
	for _, v := range w {
		if err := d.Bus.WriteBits(v, 8); err != nil {
			return nil, err
		}
	}
	return ReadBytes(d.Bus, n)
}
