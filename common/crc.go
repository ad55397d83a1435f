// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package common contains functions used across multiple packages. For
// example, the Dallas/Maxim CRC8 used by every 1-Wire backend.
package common

// crc8Poly is x^8+x^5+x^4+1 in reflected form.
const crc8Poly = 0x8c

// CRC8Update folds one byte into the running 1-Wire CRC8 and returns the new
// value.
func CRC8Update(crc, data byte) byte {
	crc ^= data
	for range 8 {
		if crc&0x01 != 0 {
			crc = (crc >> 1) ^ crc8Poly
		} else {
			crc >>= 1
		}
	}
	return crc
}

// CRC8Bit folds a single bit into the running CRC8. Folding the 8 bits of a
// byte LSB first gives the same result as CRC8Update.
func CRC8Bit(crc byte, bit bool) byte {
	mix := crc
	if bit {
		mix ^= 1
	}
	crc >>= 1
	if mix&1 != 0 {
		crc ^= crc8Poly
	}
	return crc
}

// CRC8 calculates the 1-Wire CRC8 of the byte slice parameter, starting from
// zero, and returns the calculated value.
func CRC8(bytes []byte) byte {
	var crc byte
	for _, val := range bytes {
		crc = CRC8Update(crc, val)
	}
	return crc
}

// CheckCRC8 returns true if the record, a payload followed by its CRC8 byte,
// folds to zero.
func CheckCRC8(record []byte) bool {
	return len(record) > 0 && CRC8(record) == 0
}
