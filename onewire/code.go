// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewire

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/GermanBionicSystems/onewire/common"
	"periph.io/x/conn/v3/onewire"
)

// ROMSize is the size of an identity code in bytes.
const ROMSize = 8

// Code is the 64-bit identity code of a device, in bus order: the family
// code, the 48-bit serial number least significant byte first, and the CRC8
// of the first 7 bytes.
type Code [ROMSize]byte

// NewCode returns the code for the family and 48-bit serial, with its CRC8.
func NewCode(family byte, serial uint64) Code {
	var c Code
	c[0] = family
	for i := 1; i < ROMSize-1; i++ {
		c[i] = byte(serial)
		serial >>= 8
	}
	c[ROMSize-1] = common.CRC8(c[:ROMSize-1])
	return c
}

// CodeFromAddress converts a periph onewire.Address.
func CodeFromAddress(a onewire.Address) Code {
	var c Code
	binary.LittleEndian.PutUint64(c[:], uint64(a))
	return c
}

// ParseCode parses either the "ff-ssssssssssss" form returned by String or 16
// hex digits in bus order.
func ParseCode(s string) (Code, error) {
	var c Code
	if f, sn, ok := strings.Cut(s, "-"); ok {
		family, err := strconv.ParseUint(f, 16, 8)
		if err != nil {
			return c, fmt.Errorf("onewire: invalid family %q", f)
		}
		serial, err := strconv.ParseUint(sn, 16, 48)
		if err != nil {
			return c, fmt.Errorf("onewire: invalid serial number %q", sn)
		}
		return NewCode(byte(family), serial), nil
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != ROMSize {
		return c, fmt.Errorf("onewire: invalid code %q", s)
	}
	copy(c[:], b)
	if !c.Valid() {
		return c, errors.New("onewire: invalid code " + s + ": crc mismatch")
	}
	return c, nil
}

// Family returns the device family code.
func (c Code) Family() byte {
	return c[0]
}

// Serial returns the 48-bit serial number.
func (c Code) Serial() uint64 {
	var s uint64
	for i := ROMSize - 2; i > 0; i-- {
		s = s<<8 | uint64(c[i])
	}
	return s
}

// CRC returns the trailing CRC8 byte.
func (c Code) CRC() byte {
	return c[ROMSize-1]
}

// Valid returns true if the CRC8 byte matches the first 7 bytes.
func (c Code) Valid() bool {
	return common.CRC8(c[:ROMSize-1]) == c[ROMSize-1]
}

// Address converts the code to a periph onewire.Address.
func (c Code) Address() onewire.Address {
	return onewire.Address(binary.LittleEndian.Uint64(c[:]))
}

// Bit returns bit pos of the code, in the order the search walks it.
func (c Code) Bit(pos int) byte {
	return (c[pos/8] >> (pos % 8)) & 1
}

// String returns the code as "ff-ssssssssssss", the form used by the Linux w1
// subsystem.
func (c Code) String() string {
	return fmt.Sprintf("%02x-%012x", c.Family(), c.Serial())
}
