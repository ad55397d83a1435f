// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package uart implements a 1-Wire bus master on a serial port, the way
// DS9097 style adapters do.
//
// The UART generates the slots: at 115200 bauds a 0xff character is a write
// 1 or read slot and a 0x00 character is a write 0 slot. The character echoed
// back on RX is the line level. The reset pulse is a 0xf0 character sent at
// 9600 bauds, a presence pulse corrupts the echo.
//
// # Reference
//
// https://www.analog.com/en/resources/technical-articles/using-a-uart-to-implement-a-1wire-bus-master.html
package uart

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/GermanBionicSystems/onewire/common"
	"github.com/GermanBionicSystems/onewire/onewire"
	"go.bug.st/serial"
	"periph.io/x/conn/v3"
)

const (
	resetBaud = 9600
	slotBaud  = 115200

	resetChar = 0xf0
	oneChar   = 0xff
	zeroChar  = 0x00
)

// Port is the part of serial.Port used by Dev.
type Port interface {
	io.ReadWriter
	SetMode(mode *serial.Mode) error
	ResetInputBuffer() error
	SetReadTimeout(t time.Duration) error
}

// Opts contains options to pass to the constructor.
type Opts struct {
	// ReadTimeout bounds the wait for each echo.
	ReadTimeout time.Duration
	// PowerDTR raises DTR on Open, some adapters draw their power from it.
	PowerDTR bool
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	ReadTimeout: 100 * time.Millisecond,
	PowerDTR:    true,
}

// Open opens the serial port name and returns a bus master on it.
func Open(name string, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	p, err := serial.Open(name, &serial.Mode{
		BaudRate: slotBaud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("uart: failed to open serial port %s: %w", name, err)
	}
	if opts.PowerDTR {
		if err := p.SetDTR(true); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("uart: failed to raise DTR on %s: %w", name, err)
		}
	}
	d, err := New(p, name, opts)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	d.c = p
	return d, nil
}

// New returns a bus master on an open port. name is only used by String.
func New(p Port, name string, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	d := &Dev{p: p, name: name}
	if err := p.SetReadTimeout(opts.ReadTimeout); err != nil {
		return nil, fmt.Errorf("uart: %w", err)
	}
	if err := d.setBaud(slotBaud); err != nil {
		return nil, err
	}
	return d, nil
}

// Dev is a 1-Wire bus master on a serial port. It implements onewire.Bus.
type Dev struct {
	mu   sync.Mutex
	p    Port
	c    io.Closer // set when the port was opened by Open
	name string
}

func (d *Dev) String() string {
	return fmt.Sprintf("UART{%s}", d.name)
}

// Halt implements conn.Resource. It closes the port if it was opened by Open.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.c == nil {
		return nil
	}
	err := d.c.Close()
	d.c = nil
	return err
}

// Reset implements onewire.Bus.
//
// A line stuck low is reported as onewire.ErrShorted.
func (d *Dev) Reset() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.setBaud(resetBaud); err != nil {
		return false, err
	}
	var echo [1]byte
	err := d.tx([]byte{resetChar}, echo[:])
	// Always go back to the slot speed.
	if err2 := d.setBaud(slotBaud); err == nil {
		err = err2
	}
	if err != nil {
		return false, err
	}
	switch {
	case echo[0] == resetChar:
		return false, nil
	case echo[0] == 0:
		return false, onewire.ErrShorted
	case echo[0]&0x0f != resetChar&0x0f:
		// The line was pulled low during the start of the pulse.
		return false, fmt.Errorf("uart: %w: reset echo %#02x", onewire.ErrBusFault, echo[0])
	}
	return true, nil
}

// ReadBits implements onewire.Bus.
func (d *Dev) ReadBits(n int) (byte, error) {
	if err := onewire.CheckBits(n); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var slots [8]byte
	if err := d.slots(slots[:n], 0xff); err != nil {
		return 0, err
	}
	var v byte
	for i, s := range slots[:n] {
		if s == oneChar {
			v |= 1 << i
		}
	}
	return v, nil
}

// WriteBits implements onewire.Bus.
//
// A written 1 read back as 0 means another device drove the line and is
// reported as onewire.ErrBusFault.
func (d *Dev) WriteBits(v byte, n int) error {
	if err := onewire.CheckBits(n); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var slots [8]byte
	if err := d.slots(slots[:n], v); err != nil {
		return err
	}
	for i, s := range slots[:n] {
		if (v>>i)&1 != 0 && s != oneChar {
			return fmt.Errorf("uart: %w: bit %d of %#02x overwritten", onewire.ErrBusFault, i, v)
		}
	}
	return nil
}

// ReadBlock implements onewire.BlockReader with one write of all the read
// slots.
func (d *Dev) ReadBlock(buf []byte) (byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w := make([]byte, 8*len(buf))
	for i := range w {
		w[i] = oneChar
	}
	if err := d.tx(w, w); err != nil {
		return 0, err
	}
	var crc byte
	for i := range buf {
		var v byte
		for j, s := range w[8*i : 8*i+8] {
			bit := s == oneChar
			if bit {
				v |= 1 << j
			}
			crc = common.CRC8Bit(crc, bit)
		}
		buf[i] = v
	}
	return crc, nil
}

// Triplet implements onewire.Bus with two read slots and a write slot.
func (d *Dev) Triplet(direction byte) (onewire.TripletResult, error) {
	return onewire.SoftTriplet(d, direction)
}

//

// slots sends one character per bit of v, LSB first, and returns the echoes
// in buf. The caller holds d.mu.
func (d *Dev) slots(buf []byte, v byte) error {
	for i := range buf {
		if (v>>i)&1 != 0 {
			buf[i] = oneChar
		} else {
			buf[i] = zeroChar
		}
	}
	return d.tx(buf, buf)
}

// tx writes w and reads len(r) echoes. w and r may be the same slice. The
// caller holds d.mu.
func (d *Dev) tx(w, r []byte) error {
	if err := d.p.ResetInputBuffer(); err != nil {
		return fmt.Errorf("uart: %w", err)
	}
	n, err := d.p.Write(w)
	if err != nil {
		return fmt.Errorf("uart: %w: %v", onewire.ErrShortTransaction, err)
	}
	if n != len(w) {
		return fmt.Errorf("uart: %w: wrote %d of %d bytes", onewire.ErrShortTransaction, n, len(w))
	}
	for got := 0; got < len(r); {
		m, err := d.p.Read(r[got:])
		if err != nil {
			return fmt.Errorf("uart: %w: %v", onewire.ErrShortTransaction, err)
		}
		if m == 0 {
			// The read timed out.
			return fmt.Errorf("uart: %w: got %d of %d echoes", onewire.ErrTimeout, got, len(r))
		}
		got += m
	}
	return nil
}

func (d *Dev) setBaud(baud int) error {
	err := d.p.SetMode(&serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return fmt.Errorf("uart: failed to set %d bauds: %w", baud, err)
	}
	return nil
}

var _ conn.Resource = &Dev{}
var _ onewire.Bus = &Dev{}
var _ onewire.BlockReader = &Dev{}
