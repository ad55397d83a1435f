// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package slave emulates a 1-Wire device on a GPIO pin.
//
// A Slave answers reset pulses with a presence pulse and handles the standard
// ROM commands: READ ROM, MATCH ROM, SKIP ROM, SEARCH ROM and ALARM SEARCH.
// Once selected, the function command that follows is up to the caller, who
// exchanges data with ReadBits, WriteBits, ReadCRC and WriteCRC.
//
// Every wait on the line is bounded: the wait for a slot to start gives up
// after 10ms of idle line and the wait for the line to be released gives up
// after 200 polls. Both report onewire.ErrTimeout and drop back to waiting for
// a reset.
package slave

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/GermanBionicSystems/onewire/bitbang"
	"github.com/GermanBionicSystems/onewire/common"
	"github.com/GermanBionicSystems/onewire/onewire"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/host/v3/cpu"
)

const (
	tResetMin    = 400 * time.Microsecond // shortest low pulse taken as a reset
	tPresenceLow = 100 * time.Microsecond
	tSample      = 15 * time.Microsecond // from the slot start
	tWrite0Low   = 20 * time.Microsecond
	slotIdle     = 10 * time.Millisecond
	releasePolls = 200
)

// State is the step of the ROM command state machine the Slave is in.
type State int

const (
	WaitReset State = iota
	Presence
	WaitCommand
	DataExchange
	Search
)

func (s State) String() string {
	switch s {
	case WaitReset:
		return "WaitReset"
	case Presence:
		return "Presence"
	case WaitCommand:
		return "WaitCommand"
	case DataExchange:
		return "DataExchange"
	case Search:
		return "Search"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Opts contains options to pass to the constructor.
type Opts struct {
	// Pull is the pull applied to the pin when the line is released.
	Pull gpio.Pull
	// Masker guards each bit slot. nil selects bitbang.ThreadMasker.
	Masker bitbang.Masker
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	Pull:   gpio.PullNoChange,
	Masker: bitbang.ThreadMasker{},
}

// New returns a Slave answering with rom on p.
//
// The CRC byte of rom is ignored and computed from the family and serial.
func New(p gpio.PinIO, rom onewire.Code, opts *Opts) (*Slave, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	rom[onewire.ROMSize-1] = common.CRC8(rom[:onewire.ROMSize-1])
	s := &Slave{p: p, pull: opts.Pull, m: opts.Masker, rom: rom}
	if s.m == nil {
		s.m = bitbang.ThreadMasker{}
	}
	if err := s.release(); err != nil {
		return nil, fmt.Errorf("slave: failed to release %s: %w", p, err)
	}
	return s, nil
}

// Slave is an emulated 1-Wire device.
//
// Only Alarm and SetAlarm may be called concurrently with the other methods.
type Slave struct {
	p     gpio.PinIO
	pull  gpio.Pull
	m     bitbang.Masker
	rom   onewire.Code
	alarm atomic.Bool

	state State
	low   bool          // a low pulse is being timed
	lowAt time.Duration // start of the low pulse
}

func (s *Slave) String() string {
	return fmt.Sprintf("Slave{%s, %s}", s.p, s.rom)
}

// Halt implements conn.Resource. It releases the line.
func (s *Slave) Halt() error {
	s.state = WaitReset
	s.low = false
	return s.release()
}

// Code returns the identity code, CRC included.
func (s *Slave) Code() onewire.Code {
	return s.rom
}

// Alarm returns true if the device answers ALARM SEARCH.
func (s *Slave) Alarm() bool {
	return s.alarm.Load()
}

// SetAlarm sets the alarm condition.
func (s *Slave) SetAlarm(on bool) {
	s.alarm.Store(on)
}

// State returns the current state.
func (s *Slave) State() State {
	return s.state
}

// Reset polls the line once for a reset pulse.
//
// It returns true when a low pulse of at least 400µs just ended; the presence
// pulse was then sent and the line released by every device.
func (s *Slave) Reset() (bool, error) {
	if !s.low {
		s.state = WaitReset
		if s.p.Read() == gpio.Low {
			s.low = true
			s.lowAt = now()
		}
		return false, nil
	}
	if s.p.Read() == gpio.Low {
		return false, nil
	}
	s.low = false
	if now()-s.lowAt < tResetMin {
		return false, nil
	}
	s.state = Presence
	err := s.critical(func() error {
		if err := s.p.Out(gpio.Low); err != nil {
			return err
		}
		delay(tPresenceLow)
		return s.release()
	})
	if err == nil {
		// Other devices may still be signaling their presence.
		err = s.waitRelease()
	}
	if err != nil {
		s.state = WaitReset
		return false, err
	}
	s.state = WaitCommand
	return true, nil
}

// ROMCommand polls for a reset and, if one happened, handles the ROM command
// that follows.
//
// It returns true if the device was selected by MATCH ROM, SKIP ROM or a
// completed SEARCH ROM or ALARM SEARCH; the master sends a function command
// next. It returns false if there was no reset, if the command was READ ROM or
// if another device was addressed.
func (s *Slave) ROMCommand() (bool, error) {
	if ok, err := s.Reset(); !ok || err != nil {
		return false, err
	}
	selected, err := s.romCommand()
	if err != nil || !selected {
		s.state = WaitReset
		return false, err
	}
	s.state = DataExchange
	return true, nil
}

// Run answers the master until ctx is canceled. f is called each time the
// device is selected to handle the function command.
//
// Timeouts on the line are not fatal, the device waits for the next reset. Any
// other error ends Run.
func (s *Slave) Run(ctx context.Context, f func(s *Slave) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		selected, err := s.ROMCommand()
		if err == nil && selected {
			err = f(s)
			s.state = WaitReset
		}
		if err != nil && !errors.Is(err, onewire.ErrTimeout) {
			return err
		}
	}
}

// ReadBits reads n bits sent by the master, LSB first.
func (s *Slave) ReadBits(n int) (byte, error) {
	if err := onewire.CheckBits(n); err != nil {
		return 0, err
	}
	var v byte
	for i := range n {
		var level gpio.Level
		err := s.critical(func() error {
			if err := s.waitSlot(); err != nil {
				return err
			}
			delay(tSample)
			level = s.p.Read()
			return nil
		})
		if err == nil {
			err = s.waitRelease()
		}
		if err != nil {
			s.state = WaitReset
			return 0, err
		}
		if level == gpio.High {
			v |= 1 << i
		}
	}
	return v, nil
}

// WriteBits sends the n low bits of v to the master, LSB first, in the read
// slots the master starts.
func (s *Slave) WriteBits(v byte, n int) error {
	if err := onewire.CheckBits(n); err != nil {
		return err
	}
	for range n {
		bit := v & 1
		v >>= 1
		err := s.critical(func() error {
			if err := s.waitSlot(); err != nil {
				return err
			}
			if bit != 0 {
				return nil
			}
			if err := s.p.Out(gpio.Low); err != nil {
				return err
			}
			delay(tWrite0Low)
			return s.release()
		})
		if err == nil {
			// Other devices may be holding the line low.
			err = s.waitRelease()
		}
		if err != nil {
			s.state = WaitReset
			return err
		}
	}
	return nil
}

// ReadCRC fills buf with bytes from the master. The last byte is the CRC8 of
// the others, onewire.ErrCRC is returned if it doesn't match.
func (s *Slave) ReadCRC(buf []byte) error {
	if len(buf) == 0 {
		return errors.New("slave: empty buffer")
	}
	for i := range buf {
		v, err := s.ReadBits(8)
		if err != nil {
			return err
		}
		buf[i] = v
	}
	if !common.CheckCRC8(buf) {
		return fmt.Errorf("slave: %w", onewire.ErrCRC)
	}
	return nil
}

// WriteCRC sends buf followed by its CRC8 to the master.
func (s *Slave) WriteCRC(buf []byte) error {
	for _, v := range buf {
		if err := s.WriteBits(v, 8); err != nil {
			return err
		}
	}
	return s.WriteBits(common.CRC8(buf), 8)
}

//

func (s *Slave) romCommand() (bool, error) {
	cmd, err := s.ReadBits(8)
	if err != nil {
		return false, err
	}
	switch cmd {
	case onewire.CmdReadROM:
		s.state = DataExchange
		return false, s.WriteCRC(s.rom[:onewire.ROMSize-1])
	case onewire.CmdMatchROM:
		s.state = DataExchange
		for i := range s.rom {
			v, err := s.ReadBits(8)
			if err != nil {
				return false, err
			}
			if v != s.rom[i] {
				return false, nil
			}
		}
		return true, nil
	case onewire.CmdSkipROM:
		return true, nil
	case onewire.CmdAlarmSearch:
		if !s.Alarm() {
			return false, nil
		}
		return s.search()
	case onewire.CmdSearchROM:
		return s.search()
	}
	return false, nil
}

// search sends each bit of the code and its complement and drops out as soon
// as the master picks the other branch.
func (s *Slave) search() (bool, error) {
	s.state = Search
	for pos := 0; pos < onewire.Last; pos++ {
		bit := s.rom.Bit(pos)
		if err := s.WriteBits(bit, 1); err != nil {
			return false, err
		}
		if err := s.WriteBits(bit^1, 1); err != nil {
			return false, err
		}
		dir, err := s.ReadBits(1)
		if err != nil {
			return false, err
		}
		if dir != bit {
			return false, nil
		}
	}
	return true, nil
}

// waitSlot waits for the master to pull the line low.
func (s *Slave) waitSlot() error {
	start := now()
	for s.p.Read() == gpio.High {
		if now()-start > slotIdle {
			return fmt.Errorf("slave: %w waiting for a slot", onewire.ErrTimeout)
		}
	}
	return nil
}

// waitRelease waits for the line to go high.
func (s *Slave) waitRelease() error {
	for i := 0; i < releasePolls; i++ {
		if s.p.Read() == gpio.High {
			return nil
		}
	}
	return fmt.Errorf("slave: %w waiting for the line to be released", onewire.ErrTimeout)
}

func (s *Slave) release() error {
	return s.p.In(s.pull, gpio.NoEdge)
}

func (s *Slave) critical(f func() error) error {
	s.m.Disable()
	defer s.m.Enable()
	return f()
}

var (
	delay = cpu.Nanospin
	epoch = time.Now()
	now   = func() time.Duration { return time.Since(epoch) }
)

var _ conn.Resource = &Slave{}
var _ onewire.BitReadWriter = &Slave{}
