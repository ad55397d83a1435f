// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewire

import (
	"periph.io/x/conn/v3/onewire"
)

// Conn exposes a Bus as a periph.io/x/conn/v3/onewire.Bus, so that drivers
// written against periph run on any backend of this module.
//
// The power parameter of Tx is accepted but strong pull-up is not driven.
func Conn(b Bus) *Adapter {
	return &Adapter{b: b}
}

// Adapter implements onewire.Bus and onewire.BusSearcher over a Bus.
type Adapter struct {
	b Bus
}

func (a *Adapter) String() string {
	return a.b.String()
}

// Tx resets the bus, writes w and reads len(r) bytes into r.
func (a *Adapter) Tx(w, r []byte, power onewire.Pullup) error {
	if err := reset(a.b); err != nil {
		return err
	}
	for _, v := range w {
		if err := a.b.WriteBits(v, 8); err != nil {
			return err
		}
	}
	for i := range r {
		v, err := a.b.ReadBits(8)
		if err != nil {
			return err
		}
		r[i] = v
	}
	return nil
}

// Search runs periph's search algorithm on top of Triplet.
func (a *Adapter) Search(alarmOnly bool) ([]onewire.Address, error) {
	return onewire.Search(a, alarmOnly)
}

// SearchTriplet implements onewire.BusSearcher.
func (a *Adapter) SearchTriplet(direction byte) (onewire.TripletResult, error) {
	return a.b.Triplet(direction)
}

var _ onewire.Bus = &Adapter{}
var _ onewire.BusSearcher = &Adapter{}
