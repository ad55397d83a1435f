// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ds248x controls a Maxim DS2482-100, DS2482-800 or DS2483 1-Wire
// bus master over I²C.
//
// The bridge performs the 1-Wire signalling itself, including the search
// triplet, so Dev is the fastest and most robust onewire.Bus backend.
//
// # Datasheet
//
// https://www.analog.com/media/en/technical-documentation/data-sheets/DS2482-100.pdf
//
// https://www.analog.com/media/en/technical-documentation/data-sheets/DS2482-800.pdf
//
// https://www.analog.com/media/en/technical-documentation/data-sheets/DS2483.pdf
package ds248x

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GermanBionicSystems/onewire/onewire"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
)

// PupOhm controls the strength of the passive pull-up resistor
// on the 1-wire data line. The default value is 1000Ω.
type PupOhm uint8

const (
	// R500Ω passive pull-up resistor.
	R500Ω = 4
	// R1000Ω passive pull-up resistor.
	R1000Ω = 6
)

// Opts contains options to pass to the constructor.
type Opts struct {
	PassivePullup bool // false:use active pull-up, true: disable active pullup

	// Lock guards the I²C bus for the duration of each bridge transaction.
	// Share one Lock between every driver using the same I²C bus. nil uses a
	// lock private to the Dev.
	Lock sync.Locker

	// The following options are only available on the ds2483 (not ds2482-100).
	// The actual value used is the closest possible value (rounded up or down).
	ResetLow       time.Duration // reset low time, range 440μs..740μs
	PresenceDetect time.Duration // presence detect sample time, range 58μs..76μs
	Write0Low      time.Duration // write zero low time, range 52μs..70μs
	Write0Recovery time.Duration // write zero recovery time, range 2750ns..25250ns
	PullupRes      PupOhm        // passive pull-up resistance, true: 500Ω, false: 1kΩ
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	PassivePullup:  false,
	ResetLow:       560 * time.Microsecond,
	PresenceDetect: 68 * time.Microsecond,
	Write0Low:      64 * time.Microsecond,
	Write0Recovery: 5250 * time.Nanosecond,
	PullupRes:      R1000Ω,
}

// Config is the content of the device configuration register.
type Config struct {
	ActivePullup bool // APU, actively drive the line high at the end of slots
	StrongPullup bool // SPU, strong pull-up after the next byte or bit
	Overdrive    bool // 1WS, overdrive speed
}

func (c Config) reg() byte {
	var v byte
	if c.ActivePullup {
		v |= confAPU
	}
	if c.StrongPullup {
		v |= confSPU
	}
	if c.Overdrive {
		v |= conf1WS
	}
	// The upper nibble must be the complement of the lower one.
	return v | ^v<<4
}

// New returns a device object that communicates over I²C to the DS2482/DS2483
// controller.
//
// This device object implements onewire.Bus and can be used to
// access devices on the bus.
//
// Valid I²C addresses are 0x18 to 0x1f.
func New(i i2c.Bus, addr uint16, opts *Opts) (*Dev, error) {
	if addr < 0x18 || addr > 0x1f {
		return nil, errors.New("ds248x: given address not supported by device")
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	d := &Dev{i2c: &i2c.Dev{Bus: i, Addr: addr}, mu: opts.Lock}
	if d.mu == nil {
		d.mu = &sync.Mutex{}
	}
	if err := d.makeDev(opts); err != nil {
		return nil, err
	}
	return d, nil
}

// Dev is a handle to a ds248x device and it implements the onewire.Bus
// interface.
//
// Every method is a single bridge transaction: it takes the I²C bus lock,
// issues the command, polls the status register at most 20 times for the
// bridge to be idle and releases the lock, whatever the outcome.
//
// Errors on the 1-wire bus implement the onewire.BusError interface. Errors
// talking to the bridge wrap onewire.ErrShortTransaction or
// onewire.ErrTimeout. None of them leave the Dev in an unusable state.
type Dev struct {
	mu       sync.Locker   // lock for the bus while a transaction is in progress
	i2c      conn.Conn     // i2c device handle for the ds248x
	isDS248x int           // 0: ds2482-100 1: ds2482-800 2: ds2483,
	confReg  byte          // value written to configuration register
	tReset   time.Duration // time to perform a 1-wire reset
	tSlot    time.Duration // time to perform a 1-bit 1-wire read/write
}

func (d *Dev) String() string {
	switch d.isDS248x {
	case isDS2482x100:
		return fmt.Sprintf("DS2482-100{%s}", d.i2c)
	case isDS2482x800:
		return fmt.Sprintf("DS2482-800{%s}", d.i2c)
	case isDS2483:
		return fmt.Sprintf("DS2483{%s}", d.i2c)
	default:
		return fmt.Sprintf("Undefined{%s}", d.i2c)
	}
}

// Halt implements conn.Resource.
func (d *Dev) Halt() error {
	return nil
}

// Reset implements onewire.Bus.
//
// A shorted bus is reported as onewire.ErrShorted.
func (d *Dev) Reset() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.tx([]byte{cmd1WReset}, nil); err != nil {
		return false, err
	}
	s, err := d.waitIdle(d.tReset)
	if err != nil {
		return false, err
	}
	if s.shorted() {
		return false, onewire.ErrShorted
	}
	return s.presence(), nil
}

// ReadBits implements onewire.Bus. A full byte uses the byte read command,
// fewer bits are read one single bit command at a time.
func (d *Dev) ReadBits(n int) (byte, error) {
	if err := onewire.CheckBits(n); err != nil {
		return 0, err
	}
	if n == 8 {
		return d.readByte()
	}
	var v byte
	for i := range n {
		bit, err := d.singleBit(1)
		if err != nil {
			return 0, err
		}
		v |= bit << i
	}
	return v, nil
}

// WriteBits implements onewire.Bus.
func (d *Dev) WriteBits(v byte, n int) error {
	if err := onewire.CheckBits(n); err != nil {
		return err
	}
	if n == 8 {
		return d.writeByte(v)
	}
	for range n {
		if _, err := d.singleBit(v & 1); err != nil {
			return err
		}
		v >>= 1
	}
	return nil
}

// Triplet implements onewire.Bus with the bridge's search triplet command.
func (d *Dev) Triplet(direction byte) (onewire.TripletResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	// Send one-wire triplet command.
	var dir byte
	if direction != 0 {
		dir = 0x80
	}
	if err := d.tx([]byte{cmd1WTriplet, dir}, nil); err != nil {
		return onewire.TripletResult{}, err
	}
	// Wait and read status register, concoct result from there.
	s, err := d.waitIdle(0 * d.tSlot) // in theory 3*tSlot but it's actually overlapped
	if err != nil {
		return onewire.TripletResult{}, err
	}
	return onewire.TripletResult{
		GotZero: !s.singleBit(),
		GotOne:  !s.tripletBit(),
		Taken:   s.direction(),
	}, nil
}

// DeviceReset performs a global reset of the bridge's state machine and
// terminates any 1-wire communication. The configuration register is cleared
// by the bridge and written again.
func (d *Dev) DeviceReset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.deviceReset(); err != nil {
		return err
	}
	return d.writeConfig(d.confReg)
}

// Configure writes the device configuration register and verifies it by
// reading it back.
func (d *Dev) Configure(c Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeConfig(c.reg())
}

// ChannelSelect selects one of the eight 1-wire channels of the DS2482-800
// and verifies the selection. Single channel bridges only accept channel 0.
func (d *Dev) ChannelSelect(ch int) error {
	if ch < 0 || ch > 7 {
		return fmt.Errorf("ds248x: invalid channel %d", ch)
	}
	if d.isDS248x != isDS2482x800 {
		if ch != 0 {
			return fmt.Errorf("ds248x: %s has a single channel", d)
		}
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var csr [1]byte
	if err := d.tx([]byte{cmdChannelSelect, channelWrite[ch]}, csr[:]); err != nil {
		return err
	}
	if csr[0] != channelRead[ch] {
		return fmt.Errorf("ds248x: failure to select channel %d, read back %#x", ch, csr[0])
	}
	return nil
}

// SelectedChannel returns the 1-wire channel selected on the DS2482-800. On
// other chips it always returns 0.
func (d *Dev) SelectedChannel() (int, error) {
	if d.isDS248x != isDS2482x800 {
		return 0, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var csr [1]byte
	if err := d.tx([]byte{cmdSetReadPtr, regCSR}, csr[:]); err != nil {
		return 0, err
	}
	for ch, v := range channelRead {
		if v == csr[0] {
			return ch, nil
		}
	}
	return 0, fmt.Errorf("ds248x: invalid channel selection register %#x", csr[0])
}

//

func (d *Dev) readByte() (byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.tx([]byte{cmd1WRead}, nil); err != nil {
		return 0, err
	}
	if _, err := d.waitIdle(7 * d.tSlot); err != nil {
		return 0, err
	}
	var r [1]byte
	if err := d.tx([]byte{cmdSetReadPtr, regRDR}, r[:]); err != nil {
		return 0, err
	}
	return r[0], nil
}

func (d *Dev) writeByte(v byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.tx([]byte{cmd1WWrite, v}, nil); err != nil {
		return err
	}
	_, err := d.waitIdle(7 * d.tSlot)
	return err
}

// singleBit generates a single time slot. Writing a 1 is also how a bit is
// read; the sampled level is returned.
func (d *Dev) singleBit(bit byte) (byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var v byte
	if bit != 0 {
		v = 0x80
	}
	if err := d.tx([]byte{cmd1WBit, v}, nil); err != nil {
		return 0, err
	}
	s, err := d.waitIdle(d.tSlot)
	if err != nil {
		return 0, err
	}
	if s.singleBit() {
		return 1, nil
	}
	return 0, nil
}

func (d *Dev) deviceReset() error {
	var s [1]byte
	if err := d.tx([]byte{cmdReset}, s[:]); err != nil {
		return fmt.Errorf("ds248x: error while resetting: %w", err)
	}
	if !status(s[0]).deviceReset() {
		return fmt.Errorf("ds248x: invalid status register value after reset: %#x", s[0])
	}
	return nil
}

func (d *Dev) writeConfig(reg byte) error {
	// When reading back we only get the bottom nibble.
	var dcr [1]byte
	if err := d.tx([]byte{cmdWriteConfig, reg}, dcr[:]); err != nil {
		return fmt.Errorf("ds248x: error while writing device config register: %w", err)
	}
	if dcr[0] != reg&0x0f {
		return fmt.Errorf("ds248x: failure to write device config register, wrote %#x got %#x back", reg, dcr[0])
	}
	d.confReg = reg
	return nil
}

// tx performs one I²C transaction. The caller holds d.mu.
func (d *Dev) tx(w, r []byte) error {
	if err := d.i2c.Tx(w, r); err != nil {
		return fmt.Errorf("ds248x: %w: %v", onewire.ErrShortTransaction, err)
	}
	return nil
}

// waitIdle waits for the one wire bus to be idle.
//
// It initially sleeps for the delay and then polls the status register and
// sleeps for a tenth of the delay each time the status register indicates that
// the bus is still busy. After pollMax busy reads onewire.ErrTimeout is
// returned. The caller holds d.mu.
func (d *Dev) waitIdle(delay time.Duration) (status, error) {
	sleep(delay)
	for i := 0; i < pollMax; i++ {
		var s [1]byte
		if err := d.tx(nil, s[:]); err != nil {
			return 0, err
		}
		if !status(s[0]).busy() {
			return status(s[0]), nil
		}
		// Try not to hog the kernel thread.
		sleep(delay / 10)
	}
	return 0, fmt.Errorf("ds248x: %w waiting for bus cycle to finish", onewire.ErrTimeout)
}

func (d *Dev) makeDev(opts *Opts) error {
	d.tReset = 2 * opts.ResetLow
	d.tSlot = opts.Write0Low + opts.Write0Recovery

	d.mu.Lock()
	defer d.mu.Unlock()

	// Issue a reset command, the status register confirms we have a
	// responding ds248x.
	if err := d.deviceReset(); err != nil {
		return err
	}

	// Write the device configuration register to get the chip out of reset state.
	c := Config{ActivePullup: !opts.PassivePullup}
	if err := d.writeConfig(c.reg()); err != nil {
		return err
	}

	// Set the read ptr to the port configuration register to determine whether we have a
	// ds2483 vs ds2482-100. This will fail on devices that do not have a port config
	// register, such as the ds2482-100.
	if d.i2c.Tx([]byte{cmdSetReadPtr, regPCR}, nil) == nil {
		d.isDS248x = isDS2483
		buf := []byte{cmdAdjPort,
			byte(0x00 + ((opts.ResetLow/time.Microsecond - 430) / 20 & 0x0f)),
			byte(0x20 + ((opts.PresenceDetect/time.Microsecond - 55) / 2 & 0x0f)),
			byte(0x40 + ((opts.Write0Low/time.Microsecond - 51) / 2 & 0x0f)),
			byte(0x60 + (((opts.Write0Recovery-1250)/2500 + 5) & 0x0f)),
			byte(0x80 + (opts.PullupRes & 0x0f)),
		}
		if err := d.tx(buf, nil); err != nil {
			return fmt.Errorf("ds248x: error while setting port config values: %w", err)
		}
	} else if d.i2c.Tx([]byte{cmdSetReadPtr, regCSR}, nil) == nil {
		d.isDS248x = isDS2482x800
		if err := d.tx([]byte{cmdChannelSelect, channelWrite[0]}, nil); err != nil {
			return fmt.Errorf("ds2482-800: error while selecting channel: %w", err)
		}
	} else {
		d.isDS248x = isDS2482x100
	}
	return nil
}

// status is the content of the status register.
type status byte

func (s status) busy() bool        { return s&st1WB != 0 }
func (s status) presence() bool    { return s&stPPD != 0 }
func (s status) shorted() bool     { return s&stSD != 0 }
func (s status) deviceReset() bool { return s&stRST != 0 }
func (s status) singleBit() bool   { return s&stSBR != 0 }
func (s status) tripletBit() bool  { return s&stTSB != 0 }
func (s status) direction() byte   { return byte(s&stDIR) >> 7 }

var sleep = time.Sleep

var _ conn.Resource = &Dev{}
var _ onewire.Bus = &Dev{}

// pollMax is the number of status register reads before giving up on the
// bridge.
const pollMax = 20

const (
	cmdReset         = 0xf0 // reset ds248x
	cmdSetReadPtr    = 0xe1 // set the read pointer
	cmdWriteConfig   = 0xd2 // write the device configuration
	cmdAdjPort       = 0xc3 // adjust 1-wire port (ds2483)
	cmdChannelSelect = 0xc3 // channel select (ds2482-800)
	cmd1WReset       = 0xb4 // reset the 1-wire bus
	cmd1WBit         = 0x87 // perform a single-bit transaction on the 1-wire bus
	cmd1WWrite       = 0xa5 // perform a byte write on the 1-wire bus
	cmd1WRead        = 0x96 // perform a byte read on the 1-wire bus
	cmd1WTriplet     = 0x78 // perform a triplet operation (2 bit reads, a bit write)

	regDCR    = 0xc3 // read ptr for device configuration register
	regStatus = 0xf0 // read ptr for status register
	regRDR    = 0xe1 // read ptr for read-data register
	regPCR    = 0xb4 // read ptr for port configuration register
	regCSR    = 0xd2 // read ptr for channel selection register

	// status register bits
	st1WB = 0x01 // 1-wire busy
	stPPD = 0x02 // presence pulse detected
	stSD  = 0x04 // short detected
	stLL  = 0x08 // logic level of the line
	stRST = 0x10 // device reset has occurred
	stSBR = 0x20 // single bit result
	stTSB = 0x40 // triplet second bit
	stDIR = 0x80 // branch direction taken

	// configuration register bits, lower nibble
	confAPU = 0x01 // active pull-up
	confSPU = 0x04 // strong pull-up
	conf1WS = 0x08 // 1-wire overdrive speed

	isDS2482x100 = 0 // DS2482-100 selected
	isDS2482x800 = 1 // DS2482-800 selected
	isDS2483     = 2 // DS2483 selected
)

// ds2482-800 channel selection codes to be written and read back.
var (
	channelWrite = [8]byte{0xf0, 0xe1, 0xd2, 0xc3, 0xb4, 0xa5, 0x96, 0x87}
	channelRead  = [8]byte{0xb8, 0xb1, 0xaa, 0xa3, 0x9c, 0x95, 0x8e, 0x87}
)
