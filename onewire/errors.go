// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewire

import "errors"

// Errors reported by the 1-Wire backends. Errors caused by the 1-Wire bus
// implement periph's onewire.BusError, ErrShorted also implements
// onewire.ShortedBusError.
//
// Backends wrap these with context, compare them with errors.Is.
var (
	// ErrNoPresence is returned when no device answered a reset pulse.
	ErrNoPresence error = busError("onewire: no device present")
	// ErrBusFault is returned when a search read the "no device" pattern.
	ErrBusFault error = busError("onewire: bus fault, no device answered the search")
	// ErrShorted is returned when the bus is held low.
	ErrShorted error = shortedBusError("onewire: bus has a short")
	// ErrCRC is returned when a multi-byte read fails the CRC8 check.
	ErrCRC error = busError("onewire: crc mismatch")
	// ErrNoMatch is returned when a filtered search exhausted the bus without
	// finding the requested family.
	ErrNoMatch error = busError("onewire: no device of the requested family")
	// ErrTimeout is returned when a backend gave up waiting on the hardware.
	ErrTimeout = errors.New("onewire: transport timeout")
	// ErrShortTransaction is returned when the bridge's host bus transferred
	// fewer bytes than requested.
	ErrShortTransaction = errors.New("onewire: short transaction")
)

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }

// shortedBusError implements error and onewire.ShortedBusError.
type shortedBusError string

func (e shortedBusError) Error() string   { return string(e) }
func (e shortedBusError) IsShorted() bool { return true }
func (e shortedBusError) BusError() bool  { return true }
