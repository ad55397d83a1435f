// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewire defines the bit-level transport contract shared by every
// Dallas/Maxim 1-Wire backend, and the ROM level operations built on it:
// addressing, reading identity codes and enumerating the bus.
//
// Three backends implement Bus: bitbang drives a GPIO pin directly, ds248x
// uses an I²C bridge chip and onewiretest simulates a bus in memory. Conn
// exposes any of them as a periph.io/x/conn/v3/onewire.Bus.
//
// # References
//
// https://www.analog.com/en/resources/technical-articles/1wire-search-algorithm.html
//
// https://www.analog.com/en/resources/technical-articles/understanding-and-using-cyclic-redundancy-checks-with-maxim-1wire-and-ibutton-products.html
package onewire

import (
	"errors"

	"github.com/GermanBionicSystems/onewire/common"
	"periph.io/x/conn/v3/onewire"
)

// Standard ROM commands.
const (
	CmdSearchROM   = 0xf0 // initiate device search
	CmdReadROM     = 0x33 // read family code and serial number
	CmdMatchROM    = 0x55 // select the device with the 64-bit code that follows
	CmdSkipROM     = 0xcc // broadcast, or address the only device
	CmdAlarmSearch = 0xec // search restricted to devices in alarm state
)

// TripletResult is the outcome of a search triplet: the two bits read and the
// direction written back.
type TripletResult = onewire.TripletResult

// BitReadWriter transfers up to 8 bits, least significant bit first.
type BitReadWriter interface {
	// ReadBits reads n bits, 1 <= n <= 8. Unused high bits are zero.
	ReadBits(n int) (byte, error)
	// WriteBits writes the n low bits of v, 1 <= n <= 8.
	WriteBits(v byte, n int) error
}

// Bus is the transport contract every 1-Wire backend implements.
//
// A Bus is a half-duplex shared medium; callers must serialize operations.
type Bus interface {
	String() string
	BitReadWriter
	// Reset issues a reset pulse and reports whether at least one device
	// answered with a presence pulse.
	Reset() (bool, error)
	// Triplet reads a bit and its complement and writes the branch taken.
	// When both bits read 0 the direction parameter decides the branch.
	//
	// Triplet is the search primitive; use SearchROM instead.
	Triplet(direction byte) (TripletResult, error)
}

// BlockReader is implemented by backends which fold the CRC8 while sampling
// bits. ReadBlock fills buf and returns the CRC8 accumulated over all of it.
type BlockReader interface {
	ReadBlock(buf []byte) (byte, error)
}

// CheckBits returns an error if n is not a valid bit count for ReadBits and
// WriteBits.
func CheckBits(n int) error {
	if n < 1 || n > 8 {
		return errors.New("onewire: bit count must be in 1..8")
	}
	return nil
}

// SoftTriplet builds the triplet primitive out of a two bit read and a one
// bit write, for backends with no native support.
//
// Nothing is written when no device answered; the caller sees a result with
// neither GotZero nor GotOne set.
func SoftTriplet(b BitReadWriter, direction byte) (TripletResult, error) {
	v, err := b.ReadBits(2)
	if err != nil {
		return TripletResult{}, err
	}
	tr := TripletResult{GotZero: v&0x01 == 0, GotOne: v&0x02 == 0}
	switch {
	case tr.GotZero && tr.GotOne:
		tr.Taken = direction & 1
	case tr.GotOne:
		tr.Taken = 1
	case tr.GotZero:
		tr.Taken = 0
	default:
		return tr, nil
	}
	return tr, b.WriteBits(tr.Taken, 1)
}

// ReadBytes reads n bytes followed by their CRC8 byte and returns the n bytes.
//
// ErrCRC is returned if the CRC8 doesn't match; the data is dropped.
func ReadBytes(b Bus, n int) ([]byte, error) {
	buf := make([]byte, n+1)
	var crc byte
	if br, ok := b.(BlockReader); ok {
		var err error
		if crc, err = br.ReadBlock(buf); err != nil {
			return nil, err
		}
	} else {
		for i := range buf {
			v, err := b.ReadBits(8)
			if err != nil {
				return nil, err
			}
			buf[i] = v
			crc = common.CRC8Update(crc, v)
		}
	}
	if crc != 0 {
		return nil, ErrCRC
	}
	return buf[:n], nil
}

// WriteCommand writes the command byte followed by buf.
func WriteCommand(b Bus, cmd byte, buf []byte) error {
	if err := b.WriteBits(cmd, 8); err != nil {
		return err
	}
	for _, v := range buf {
		if err := b.WriteBits(v, 8); err != nil {
			return err
		}
	}
	return nil
}

// MatchROM resets the bus and selects the device with the given code. A
// device specific function command should follow.
func MatchROM(b Bus, code Code) error {
	if err := reset(b); err != nil {
		return err
	}
	return WriteCommand(b, CmdMatchROM, code[:])
}

// SkipROM resets the bus and addresses every device at once. It is meant for
// broadcast commands or a bus with a single device.
func SkipROM(b Bus) error {
	if err := reset(b); err != nil {
		return err
	}
	return b.WriteBits(CmdSkipROM, 8)
}

// ReadROM reads the identity code of the only device on the bus.
//
// Responses are not arbitrated, so with more than one device the result is
// the AND of all codes and most likely fails the CRC check.
func ReadROM(b Bus) (Code, error) {
	if err := reset(b); err != nil {
		return Code{}, err
	}
	if err := b.WriteBits(CmdReadROM, 8); err != nil {
		return Code{}, err
	}
	buf, err := ReadBytes(b, ROMSize-1)
	if err != nil {
		return Code{}, err
	}
	var c Code
	copy(c[:], buf)
	c[ROMSize-1] = common.CRC8(buf)
	return c, nil
}

// reset resets the bus and turns a missing presence pulse into ErrNoPresence.
func reset(b Bus) error {
	present, err := b.Reset()
	if err != nil {
		return err
	}
	if !present {
		return ErrNoPresence
	}
	return nil
}
