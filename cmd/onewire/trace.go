// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"log/slog"

	"github.com/GermanBionicSystems/onewire/onewire"
)

// traceBus logs every primitive at debug level.
type traceBus struct {
	onewire.Bus
	log *slog.Logger
}

func (t *traceBus) Reset() (bool, error) {
	present, err := t.Bus.Reset()
	t.log.Debug("reset", "present", present, "err", err)
	return present, err
}

func (t *traceBus) ReadBits(n int) (byte, error) {
	v, err := t.Bus.ReadBits(n)
	t.log.Debug("read", "bits", n, "v", v, "err", err)
	return v, err
}

func (t *traceBus) WriteBits(v byte, n int) error {
	err := t.Bus.WriteBits(v, n)
	t.log.Debug("write", "bits", n, "v", v, "err", err)
	return err
}

func (t *traceBus) Triplet(direction byte) (onewire.TripletResult, error) {
	r, err := t.Bus.Triplet(direction)
	t.log.Debug("triplet", "dir", direction, "zero", r.GotZero, "one", r.GotOne, "taken", r.Taken, "err", err)
	return r, err
}

// unwrap returns the bus master under the trace.
func unwrap(b onewire.Bus) onewire.Bus {
	if t, ok := b.(*traceBus); ok {
		return t.Bus
	}
	return b
}
