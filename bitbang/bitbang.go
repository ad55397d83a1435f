// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package bitbang implements a 1-Wire bus master on a single GPIO pin.
//
// The pin is driven low to start every slot and released, switched to input,
// to let the external pull-up bring the line high. Each bit slot runs inside
// a critical section provided by a Masker.
//
// # Timing
//
// The slot timings are standard speed 1-Wire constants and must not be
// changed: reset low 490µs, presence sample 70µs after release, settle 410µs;
// write-1 low 6µs in a 70µs slot; write-0 low 60µs plus 10µs recovery; read
// low 6µs, sample 9µs later, 55µs to end the slot.
//
// A Linux user space process can't mask interrupts. The default Masker pins
// the goroutine to its OS thread, pair it with a real-time scheduling policy
// or an isolated CPU when timing matters.
package bitbang

import (
	"fmt"
	"runtime"
	"time"

	"github.com/GermanBionicSystems/onewire/common"
	"github.com/GermanBionicSystems/onewire/onewire"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/host/v3/cpu"
)

const (
	tResetLow      = 490 * time.Microsecond
	tPresence      = 70 * time.Microsecond
	tResetSettle   = 410 * time.Microsecond
	tSlotStart     = 6 * time.Microsecond
	tWrite1Release = 64 * time.Microsecond
	tWrite0Low     = 60 * time.Microsecond
	tWrite0Release = 10 * time.Microsecond
	tReadSample    = 9 * time.Microsecond
	tReadRelease   = 55 * time.Microsecond

	// resetRetryMax is the number of extra reset pulses sent while no
	// presence is detected.
	resetRetryMax = 4
)

// Masker masks interrupts around timing critical sections.
//
// Every Disable is followed by exactly one Enable.
type Masker interface {
	Disable()
	Enable()
}

// ThreadMasker pins the calling goroutine to its OS thread for the duration
// of the critical section.
type ThreadMasker struct{}

// Disable implements Masker.
func (ThreadMasker) Disable() { runtime.LockOSThread() }

// Enable implements Masker.
func (ThreadMasker) Enable() { runtime.UnlockOSThread() }

// Opts contains options to pass to the constructor.
type Opts struct {
	// Pull is the pull applied to the pin when the line is released. Most
	// setups have an external 4.7kΩ pull-up and use gpio.PullNoChange.
	Pull gpio.Pull
	// Masker guards each bit slot. nil selects ThreadMasker.
	Masker Masker
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	Pull:   gpio.PullNoChange,
	Masker: ThreadMasker{},
}

// New returns a 1-Wire bus master driving p.
//
// The pin is released on return.
func New(p gpio.PinIO, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	d := &Dev{p: p, pull: opts.Pull, m: opts.Masker}
	if d.m == nil {
		d.m = ThreadMasker{}
	}
	if err := d.release(); err != nil {
		return nil, fmt.Errorf("bitbang: failed to release %s: %w", p, err)
	}
	return d, nil
}

// Dev is a 1-Wire bus master on a GPIO pin. It implements onewire.Bus.
//
// Dev has no lock: the bus is a single half-duplex medium and callers must
// serialize operations.
type Dev struct {
	p    gpio.PinIO
	pull gpio.Pull
	m    Masker
}

func (d *Dev) String() string {
	return fmt.Sprintf("OneWire{%s}", d.p)
}

// Halt implements conn.Resource. It releases the line.
func (d *Dev) Halt() error {
	return d.release()
}

// Reset implements onewire.Bus.
//
// The pulse is repeated up to 4 more times while no device answers.
func (d *Dev) Reset() (bool, error) {
	for retry := resetRetryMax; ; retry-- {
		if err := d.p.Out(gpio.Low); err != nil {
			return false, err
		}
		delay(tResetLow)
		var level gpio.Level
		err := d.critical(func() error {
			if err := d.release(); err != nil {
				return err
			}
			delay(tPresence)
			level = d.p.Read()
			return nil
		})
		if err != nil {
			return false, err
		}
		delay(tResetSettle)
		if level == gpio.Low {
			return true, nil
		}
		if retry == 0 {
			return false, nil
		}
	}
}

// ReadBits implements onewire.Bus.
func (d *Dev) ReadBits(n int) (byte, error) {
	if err := onewire.CheckBits(n); err != nil {
		return 0, err
	}
	var v byte
	for i := range n {
		bit, err := d.readBit()
		if err != nil {
			return 0, err
		}
		if bit {
			v |= 1 << i
		}
	}
	return v, nil
}

// ReadBlock implements onewire.BlockReader, folding every sampled bit into
// the CRC8 as it arrives.
func (d *Dev) ReadBlock(buf []byte) (byte, error) {
	var crc byte
	for i := range buf {
		var v byte
		for j := range 8 {
			bit, err := d.readBit()
			if err != nil {
				return 0, err
			}
			if bit {
				v |= 1 << j
			}
			crc = common.CRC8Bit(crc, bit)
		}
		buf[i] = v
	}
	return crc, nil
}

// WriteBits implements onewire.Bus.
func (d *Dev) WriteBits(v byte, n int) error {
	if err := onewire.CheckBits(n); err != nil {
		return err
	}
	for range n {
		if err := d.writeBit(v & 1); err != nil {
			return err
		}
		v >>= 1
	}
	return nil
}

// Triplet implements onewire.Bus with two read slots and a write slot.
func (d *Dev) Triplet(direction byte) (onewire.TripletResult, error) {
	return onewire.SoftTriplet(d, direction)
}

func (d *Dev) readBit() (bool, error) {
	var level gpio.Level
	err := d.critical(func() error {
		if err := d.p.Out(gpio.Low); err != nil {
			return err
		}
		delay(tSlotStart)
		if err := d.release(); err != nil {
			return err
		}
		delay(tReadSample)
		level = d.p.Read()
		return nil
	})
	if err != nil {
		return false, err
	}
	delay(tReadRelease)
	return level == gpio.High, nil
}

func (d *Dev) writeBit(bit byte) error {
	return d.critical(func() error {
		if err := d.p.Out(gpio.Low); err != nil {
			return err
		}
		if bit != 0 {
			delay(tSlotStart)
			if err := d.release(); err != nil {
				return err
			}
			delay(tWrite1Release)
			return nil
		}
		delay(tWrite0Low)
		if err := d.release(); err != nil {
			return err
		}
		delay(tWrite0Release)
		return nil
	})
}

// release lets the pull-up bring the line high.
func (d *Dev) release() error {
	return d.p.In(d.pull, gpio.NoEdge)
}

// critical runs f with interrupts masked.
func (d *Dev) critical(f func() error) error {
	d.m.Disable()
	defer d.m.Enable()
	return f()
}

var delay = cpu.Nanospin

var _ conn.Resource = &Dev{}
var _ onewire.Bus = &Dev{}
var _ onewire.BlockReader = &Dev{}
