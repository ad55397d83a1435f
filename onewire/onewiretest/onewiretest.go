// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewiretest is meant to be used to test drivers over a fake 1-Wire
// bus.
//
// Bus simulates devices at the bit level: every device runs the ROM command
// state machine and the bus returns the wired AND of their answers, so the
// search algorithm sees real discrepancies.
package onewiretest

import (
	"sync"

	"github.com/GermanBionicSystems/onewire/common"
	"github.com/GermanBionicSystems/onewire/onewire"
)

type state int

const (
	stateIdle state = iota
	stateCommand
	stateReadROM
	stateMatch
	stateSearch
	stateSelected
)

// Device is a simulated 1-Wire device.
type Device struct {
	Code onewire.Code
	// Alarm makes the device answer ALARM_SEARCH.
	Alarm bool
	// Memory is sent to the master, followed by its CRC8, when it reads after
	// the device was selected.
	Memory []byte
	// Received collects the bytes the master wrote to the device while it was
	// selected, function command included.
	Received []byte
	// CorruptCRC makes the device send a wrong CRC8 after Memory.
	CorruptCRC bool

	state state
	pos   int  // bit position in the code, or in Memory once selected
	phase int  // search: 0 send bit, 1 send complement, 2 receive direction
	n     int  // bits accumulated in acc
	acc   byte // byte being received
	rx    int  // bytes received since selected
	out   []byte
}

// Selected returns true if the device was addressed by the last ROM command.
func (d *Device) Selected() bool {
	return d.state == stateSelected
}

func (d *Device) reset() {
	d.state = stateCommand
	d.pos, d.phase, d.n, d.acc, d.rx = 0, 0, 0, 0, 0
	d.out = nil
}

// sending returns true if the device drives the next slot instead of
// sampling it. A selected device starts answering with Memory once it got its
// function command.
func (d *Device) sending() bool {
	switch d.state {
	case stateReadROM:
		return true
	case stateSearch:
		return d.phase < 2
	case stateSelected:
		return d.Memory != nil && d.rx > 0 && d.n == 0
	}
	return false
}

func (d *Device) dispatch(cmd byte) {
	d.pos, d.phase, d.n, d.acc = 0, 0, 0, 0
	switch cmd {
	case onewire.CmdReadROM:
		d.state = stateReadROM
	case onewire.CmdMatchROM:
		d.state = stateMatch
	case onewire.CmdSkipROM:
		d.state = stateSelected
	case onewire.CmdAlarmSearch:
		if d.Alarm {
			d.state = stateSearch
		} else {
			d.state = stateIdle
		}
	case onewire.CmdSearchROM:
		d.state = stateSearch
	default:
		d.state = stateIdle
	}
}

// read returns the level the device leaves on the bus during a read slot.
func (d *Device) read() byte {
	switch d.state {
	case stateReadROM:
		b := d.Code.Bit(d.pos)
		if d.pos++; d.pos == onewire.Last {
			d.state = stateIdle
		}
		return b
	case stateSearch:
		b := d.Code.Bit(d.pos)
		switch d.phase {
		case 0:
			d.phase = 1
			return b
		case 1:
			d.phase = 2
			return b ^ 1
		}
		// The master must write the direction now.
		d.state = stateIdle
	case stateSelected:
		if d.out == nil {
			crc := common.CRC8(d.Memory)
			if d.CorruptCRC {
				crc ^= 0x01
			}
			d.out = append(append([]byte{}, d.Memory...), crc)
		}
		if d.pos/8 >= len(d.out) {
			return 1
		}
		b := (d.out[d.pos/8] >> (d.pos % 8)) & 1
		d.pos++
		return b
	}
	return 1
}

func (d *Device) write(bit byte) {
	switch d.state {
	case stateCommand:
		d.acc |= bit << d.n
		if d.n++; d.n == 8 {
			d.dispatch(d.acc)
		}
	case stateMatch:
		if bit != d.Code.Bit(d.pos) {
			d.state = stateIdle
			return
		}
		if d.pos++; d.pos == onewire.Last {
			d.state = stateSelected
			d.pos = 0
		}
	case stateSearch:
		if d.phase != 2 || bit != d.Code.Bit(d.pos) {
			d.state = stateIdle
			return
		}
		d.phase = 0
		if d.pos++; d.pos == onewire.Last {
			d.state = stateSelected
			d.pos = 0
		}
	case stateSelected:
		d.acc |= bit << d.n
		if d.n++; d.n == 8 {
			d.Received = append(d.Received, d.acc)
			d.n, d.acc = 0, 0
			d.rx++
		}
	}
}

// Bus is a simulated 1-Wire bus. It implements onewire.Bus.
type Bus struct {
	sync.Mutex
	Devices []*Device
	// Resets counts the reset pulses.
	Resets int
}

// NewBus returns a bus with one device per code.
func NewBus(codes ...onewire.Code) *Bus {
	b := &Bus{}
	for _, c := range codes {
		b.Devices = append(b.Devices, &Device{Code: c})
	}
	return b
}

func (b *Bus) String() string {
	return "onewiretest"
}

// Reset implements onewire.Bus.
func (b *Bus) Reset() (bool, error) {
	b.Lock()
	defer b.Unlock()
	b.Resets++
	for _, d := range b.Devices {
		d.reset()
	}
	return len(b.Devices) != 0, nil
}

// ReadBits implements onewire.Bus.
func (b *Bus) ReadBits(n int) (byte, error) {
	if err := onewire.CheckBits(n); err != nil {
		return 0, err
	}
	b.Lock()
	defer b.Unlock()
	var v byte
	for i := range n {
		bit := byte(1)
		for _, d := range b.Devices {
			bit &= d.read()
		}
		v |= bit << i
	}
	return v, nil
}

// WriteBits implements onewire.Bus.
func (b *Bus) WriteBits(v byte, n int) error {
	if err := onewire.CheckBits(n); err != nil {
		return err
	}
	b.Lock()
	defer b.Unlock()
	for i := range n {
		for _, d := range b.Devices {
			d.write((v >> i) & 1)
		}
	}
	return nil
}

// Slot runs a raw time slot, the way a bridge chip's single bit command does:
// a 0 is a write, a 1 is read by the devices that are sending and written to
// the others. The level sampled on the bus is returned.
func (b *Bus) Slot(bit byte) (byte, error) {
	b.Lock()
	defer b.Unlock()
	if bit&1 == 0 {
		for _, d := range b.Devices {
			d.write(0)
		}
		return 0, nil
	}
	v := byte(1)
	for _, d := range b.Devices {
		if d.sending() {
			v &= d.read()
		} else {
			d.write(1)
		}
	}
	return v, nil
}

// Triplet implements onewire.Bus.
func (b *Bus) Triplet(direction byte) (onewire.TripletResult, error) {
	return onewire.SoftTriplet(b, direction)
}

var _ onewire.Bus = &Bus{}
