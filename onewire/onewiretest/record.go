// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewiretest

import (
	"fmt"
	"sync"

	"github.com/GermanBionicSystems/onewire/onewire"
)

// Op is the kind of a recorded primitive.
type Op string

// Recorded primitives.
const (
	OpReset   Op = "reset"
	OpRead    Op = "read"
	OpWrite   Op = "write"
	OpTriplet Op = "triplet"
)

// IO registers one primitive issued on the bus.
type IO struct {
	Op   Op
	Bits int
	// V is the value read or written, or the triplet direction.
	V       byte
	Present bool
	Triplet onewire.TripletResult
}

func (io IO) String() string {
	switch io.Op {
	case OpReset:
		return fmt.Sprintf("reset present=%t", io.Present)
	case OpTriplet:
		return fmt.Sprintf("triplet dir=%d %+v", io.V, io.Triplet)
	default:
		return fmt.Sprintf("%s %d bits %#02x", io.Op, io.Bits, io.V)
	}
}

// Record implements onewire.Bus that records every primitive issued to the
// underlying Bus, so tests can compare Ops against an expected sequence.
type Record struct {
	sync.Mutex
	Bus onewire.Bus
	Ops []IO
}

func (r *Record) String() string {
	if r.Bus == nil {
		return "record"
	}
	return "record(" + r.Bus.String() + ")"
}

// Reset implements onewire.Bus.
func (r *Record) Reset() (bool, error) {
	present, err := r.Bus.Reset()
	r.add(IO{Op: OpReset, Present: present})
	return present, err
}

// ReadBits implements onewire.Bus.
func (r *Record) ReadBits(n int) (byte, error) {
	v, err := r.Bus.ReadBits(n)
	r.add(IO{Op: OpRead, Bits: n, V: v})
	return v, err
}

// WriteBits implements onewire.Bus.
func (r *Record) WriteBits(v byte, n int) error {
	err := r.Bus.WriteBits(v, n)
	r.add(IO{Op: OpWrite, Bits: n, V: v})
	return err
}

// Triplet implements onewire.Bus.
func (r *Record) Triplet(direction byte) (onewire.TripletResult, error) {
	tr, err := r.Bus.Triplet(direction)
	r.add(IO{Op: OpTriplet, V: direction, Triplet: tr})
	return tr, err
}

func (r *Record) add(io IO) {
	r.Lock()
	defer r.Unlock()
	r.Ops = append(r.Ops, io)
}

var _ onewire.Bus = &Record{}
