// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds248x

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/GermanBionicSystems/onewire/onewire"
	"github.com/GermanBionicSystems/onewire/onewire/onewiretest"
	"github.com/google/go-cmp/cmp"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2ctest"
	"periph.io/x/conn/v3/physic"
)

func TestNew_models(t *testing.T) {
	data := []struct {
		model int
		name  string
	}{
		{isDS2482x100, "DS2482-100"},
		{isDS2482x800, "DS2482-800"},
		{isDS2483, "DS2483"},
	}
	for _, line := range data {
		t.Run(line.name, func(t *testing.T) {
			f := newBridge(t, line.model)
			d := f.open(t)
			if d.isDS248x != line.model {
				t.Fatalf("model %d != %d", d.isDS248x, line.model)
			}
			if s := d.String(); s != line.name+"{bridge(0x18)}" {
				t.Fatal(s)
			}
			if f.config != confAPU {
				t.Fatalf("config %#x", f.config)
			}
			if line.model == isDS2483 && f.port == nil {
				t.Fatal("port configuration not written")
			}
		})
	}
}

func TestNew_address(t *testing.T) {
	f := newBridge(t, isDS2482x100)
	if _, err := New(f, 0x30, nil); err == nil {
		t.Fatal("invalid address")
	}
}

func TestNew_noDevice(t *testing.T) {
	bus := i2ctest.Playback{DontPanic: true}
	if _, err := New(&bus, 0x18, nil); !errors.Is(err, onewire.ErrShortTransaction) {
		t.Fatal(err)
	}
}

func TestNew_badReset(t *testing.T) {
	bus := i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: 0x18, W: []byte{cmdReset}, R: []byte{0x00}},
		},
	}
	if _, err := New(&bus, 0x18, nil); err == nil {
		t.Fatal("expected invalid status")
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestReset_busy(t *testing.T) {
	bus := i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: 0x18, W: []byte{cmd1WReset}},
			{Addr: 0x18, R: []byte{st1WB}},
			{Addr: 0x18, R: []byte{st1WB | stPPD}},
			{Addr: 0x18, R: []byte{stPPD | stLL}},
		},
	}
	d := playbackDev(&bus)
	present, err := d.Reset()
	if err != nil {
		t.Fatal(err)
	}
	if !present {
		t.Fatal("expected presence")
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestReset_timeout(t *testing.T) {
	ops := []i2ctest.IO{{Addr: 0x18, W: []byte{cmd1WReset}}}
	for range pollMax {
		ops = append(ops, i2ctest.IO{Addr: 0x18, R: []byte{st1WB}})
	}
	bus := i2ctest.Playback{Ops: ops}
	d := playbackDev(&bus)
	if _, err := d.Reset(); !errors.Is(err, onewire.ErrTimeout) {
		t.Fatal(err)
	}
	// All the polls were consumed and no more.
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
	if !d.mu.(*sync.Mutex).TryLock() {
		t.Fatal("lock not released")
	}
}

func TestReset_shorted(t *testing.T) {
	bus := i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: 0x18, W: []byte{cmd1WReset}},
			{Addr: 0x18, R: []byte{stSD}},
		},
	}
	d := playbackDev(&bus)
	_, err := d.Reset()
	if !errors.Is(err, onewire.ErrShorted) {
		t.Fatal(err)
	}
	var s interface{ IsShorted() bool }
	if !errors.As(err, &s) || !s.IsShorted() {
		t.Fatal("expected a shorted bus error")
	}
}

func TestShortTransaction(t *testing.T) {
	bus := i2ctest.Playback{DontPanic: true}
	d := playbackDev(&bus)
	if err := d.WriteBits(0x55, 8); !errors.Is(err, onewire.ErrShortTransaction) {
		t.Fatal(err)
	}
	if _, err := d.ReadBits(3); !errors.Is(err, onewire.ErrShortTransaction) {
		t.Fatal(err)
	}
	if _, err := d.Triplet(1); !errors.Is(err, onewire.ErrShortTransaction) {
		t.Fatal(err)
	}
	if !d.mu.(*sync.Mutex).TryLock() {
		t.Fatal("lock not released")
	}
}

func TestReadBits_byte(t *testing.T) {
	bus := i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: 0x18, W: []byte{cmd1WRead}},
			{Addr: 0x18, R: []byte{0x00}},
			{Addr: 0x18, W: []byte{cmdSetReadPtr, regRDR}, R: []byte{0xa5}},
		},
	}
	d := playbackDev(&bus)
	v, err := d.ReadBits(8)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0xa5 {
		t.Fatalf("%#x", v)
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestWriteBits_single(t *testing.T) {
	bus := i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: 0x18, W: []byte{cmd1WBit, 0x80}},
			{Addr: 0x18, R: []byte{stSBR}},
			{Addr: 0x18, W: []byte{cmd1WBit, 0x00}},
			{Addr: 0x18, R: []byte{0x00}},
		},
	}
	d := playbackDev(&bus)
	if err := d.WriteBits(0x01, 2); err != nil {
		t.Fatal(err)
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestTriplet_status(t *testing.T) {
	data := []struct {
		dir    byte
		status byte
		want   onewire.TripletResult
	}{
		{0, 0x00, onewire.TripletResult{GotZero: true, GotOne: true, Taken: 0}},
		{1, stDIR, onewire.TripletResult{GotZero: true, GotOne: true, Taken: 1}},
		{0, stTSB, onewire.TripletResult{GotZero: true, Taken: 0}},
		{1, stSBR | stDIR, onewire.TripletResult{GotOne: true, Taken: 1}},
		{1, stSBR | stTSB | stDIR, onewire.TripletResult{Taken: 1}},
	}
	for i, line := range data {
		var w byte
		if line.dir != 0 {
			w = 0x80
		}
		bus := i2ctest.Playback{
			Ops: []i2ctest.IO{
				{Addr: 0x18, W: []byte{cmd1WTriplet, w}},
				{Addr: 0x18, R: []byte{line.status}},
			},
		}
		d := playbackDev(&bus)
		got, err := d.Triplet(line.dir)
		if err != nil {
			t.Fatal(err)
		}
		if got != line.want {
			t.Fatalf("#%d: %+v != %+v", i, got, line.want)
		}
	}
}

func TestConfigure(t *testing.T) {
	f := newBridge(t, isDS2482x100)
	d := f.open(t)
	if err := d.Configure(Config{StrongPullup: true, Overdrive: true}); err != nil {
		t.Fatal(err)
	}
	if f.config != confSPU|conf1WS {
		t.Fatalf("%#x", f.config)
	}
	f.ignoreConfig = true
	if err := d.Configure(Config{ActivePullup: true}); err == nil {
		t.Fatal("expected readback mismatch")
	}
}

func TestConfig_reg(t *testing.T) {
	data := []struct {
		c    Config
		want byte
	}{
		{Config{}, 0xf0},
		{Config{ActivePullup: true}, 0xe1},
		{Config{StrongPullup: true}, 0xb4},
		{Config{ActivePullup: true, StrongPullup: true, Overdrive: true}, 0x2d},
	}
	for _, line := range data {
		if got := line.c.reg(); got != line.want {
			t.Fatalf("%+v: %#x != %#x", line.c, got, line.want)
		}
	}
}

func TestDeviceReset(t *testing.T) {
	f := newBridge(t, isDS2482x100)
	d := f.open(t)
	f.config = 0
	if err := d.DeviceReset(); err != nil {
		t.Fatal(err)
	}
	if f.config != confAPU {
		t.Fatalf("configuration not restored: %#x", f.config)
	}
	if f.resets != 2 {
		t.Fatalf("resets %d", f.resets)
	}
}

func TestChannelSelect(t *testing.T) {
	f := newBridge(t, isDS2482x800)
	d := f.open(t)
	for ch := 7; ch >= 0; ch-- {
		if err := d.ChannelSelect(ch); err != nil {
			t.Fatal(err)
		}
		got, err := d.SelectedChannel()
		if err != nil {
			t.Fatal(err)
		}
		if got != ch {
			t.Fatalf("%d != %d", got, ch)
		}
	}
	if err := d.ChannelSelect(8); err == nil {
		t.Fatal("invalid channel")
	}
	if err := d.ChannelSelect(-1); err == nil {
		t.Fatal("invalid channel")
	}
}

func TestChannelSelect_single(t *testing.T) {
	f := newBridge(t, isDS2483)
	d := f.open(t)
	if err := d.ChannelSelect(0); err != nil {
		t.Fatal(err)
	}
	if err := d.ChannelSelect(1); err == nil {
		t.Fatal("single channel bridge")
	}
	if ch, err := d.SelectedChannel(); ch != 0 || err != nil {
		t.Fatal(ch, err)
	}
}

func TestBridge_busy(t *testing.T) {
	f := newBridge(t, isDS2482x100, onewire.NewCode(0x28, 1))
	d := f.open(t)
	f.busy = pollMax - 1
	if present, err := d.Reset(); err != nil || !present {
		t.Fatal(present, err)
	}
	f.busy = pollMax
	if _, err := d.Reset(); !errors.Is(err, onewire.ErrTimeout) {
		t.Fatal(err)
	}
	// A timeout is not sticky.
	f.busy = 0
	if present, err := d.Reset(); err != nil || !present {
		t.Fatal(present, err)
	}
}

func TestBridge_empty(t *testing.T) {
	f := newBridge(t, isDS2482x100)
	d := f.open(t)
	present, err := d.Reset()
	if err != nil {
		t.Fatal(err)
	}
	if present {
		t.Fatal("nobody is on the bus")
	}
	if _, err := onewire.ReadROM(d); !errors.Is(err, onewire.ErrNoPresence) {
		t.Fatal(err)
	}
}

func TestBridge_search(t *testing.T) {
	var want []onewire.Code
	for i := range uint64(6) {
		want = append(want, onewire.NewCode(0x28, 0x1000+i*0x111))
	}
	for _, model := range []int{isDS2482x100, isDS2482x800, isDS2483} {
		f := newBridge(t, model, want...)
		d := f.open(t)
		got, err := onewire.Search(d, false)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(sorted(want), sorted(got)); diff != "" {
			t.Fatalf("model %d (-want +got):\n%s", model, diff)
		}
	}
}

func TestBridge_readROM(t *testing.T) {
	code := onewire.NewCode(0x10, 0xdeadbeef)
	f := newBridge(t, isDS2483, code)
	d := f.open(t)
	got, err := onewire.ReadROM(d)
	if err != nil {
		t.Fatal(err)
	}
	if got != code {
		t.Fatalf("%s != %s", got, code)
	}
}

func TestBridge_tx(t *testing.T) {
	code := onewire.NewCode(0x28, 42)
	f := newBridge(t, isDS2482x800, code)
	f.ow.Devices[0].Memory = []byte{0x50, 0x05, 0x4b, 0x46, 0x7f}
	d := f.open(t)
	dev := onewire.Dev{Bus: d, Code: code}
	got, err := dev.TxCRC([]byte{0xbe}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{0x50, 0x05, 0x4b, 0x46, 0x7f}, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]byte{0xbe}, f.ow.Devices[0].Received); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestBridge_sharedLock(t *testing.T) {
	var mu sync.Mutex
	a := newBridge(t, isDS2482x100, onewire.NewCode(0x28, 1))
	a.mu = &mu
	b := newBridge(t, isDS2482x100, onewire.NewCode(0x28, 2))
	b.mu = &mu
	da := a.open(t)
	db := b.open(t)
	var wg sync.WaitGroup
	for _, d := range []*Dev{da, db} {
		wg.Add(1)
		go func(d *Dev) {
			defer wg.Done()
			for range 10 {
				if _, err := onewire.ReadROM(d); err != nil {
					t.Error(err)
					return
				}
			}
		}(d)
	}
	wg.Wait()
}

//

func init() {
	sleep = func(time.Duration) {}
}

func playbackDev(b i2c.Bus) *Dev {
	return &Dev{
		i2c:    &i2c.Dev{Bus: b, Addr: 0x18},
		mu:     &sync.Mutex{},
		tReset: 2 * DefaultOpts.ResetLow,
		tSlot:  DefaultOpts.Write0Low + DefaultOpts.Write0Recovery,
	}
}

func sorted(c []onewire.Code) []onewire.Code {
	out := append([]onewire.Code(nil), c...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Address() < out[j-1].Address(); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// bridge emulates a ds248x register file on top of a simulated 1-wire bus.
type bridge struct {
	t  *testing.T
	mu *sync.Mutex // must be held by the driver on every Tx
	ow *onewiretest.Bus

	model        int
	ptr          byte   // read pointer
	status       byte   // status register
	config       byte   // lower nibble of the configuration register
	rdr          byte   // read data register
	channel      int    // selected channel, ds2482-800 only
	port         []byte // port configuration, ds2483 only
	busy         int    // busy status reads before each command completes
	pending      int
	resets       int
	ignoreConfig bool
}

func newBridge(t *testing.T, model int, codes ...onewire.Code) *bridge {
	return &bridge{t: t, mu: &sync.Mutex{}, ow: onewiretest.NewBus(codes...), model: model}
}

func (f *bridge) open(t *testing.T) *Dev {
	opts := DefaultOpts
	opts.Lock = f.mu
	d, err := New(f, 0x18, &opts)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func (f *bridge) String() string {
	return "bridge"
}

func (f *bridge) SetSpeed(physic.Frequency) error {
	return nil
}

func (f *bridge) Tx(addr uint16, w, r []byte) error {
	if f.mu.TryLock() {
		f.mu.Unlock()
		f.t.Error("Tx without holding the bus lock")
	}
	if addr != 0x18 {
		return fmt.Errorf("bridge: nack %#x", addr)
	}
	if len(w) != 0 {
		if err := f.command(w); err != nil {
			return err
		}
	}
	if len(r) != 0 {
		r[0] = f.read()
	}
	return nil
}

func (f *bridge) read() byte {
	switch f.ptr {
	case regStatus:
		if f.pending > 0 {
			f.pending--
			return f.status | st1WB
		}
		return f.status
	case regRDR:
		return f.rdr
	case regDCR:
		return f.config
	case regCSR:
		return channelRead[f.channel]
	}
	return 0xff
}

func (f *bridge) command(w []byte) error {
	arg := func() (byte, error) {
		if len(w) != 2 {
			return 0, fmt.Errorf("bridge: command %#x takes one argument", w[0])
		}
		return w[1], nil
	}
	f.ptr = regStatus
	switch w[0] {
	case cmdReset:
		f.resets++
		f.pending = 0
		f.status = stRST
		f.config = 0
		f.channel = 0
		return nil
	case cmdSetReadPtr:
		reg, err := arg()
		if err != nil {
			return err
		}
		switch {
		case reg == regStatus, reg == regRDR, reg == regDCR:
		case reg == regPCR && f.model == isDS2483:
		case reg == regCSR && f.model == isDS2482x800:
		default:
			return fmt.Errorf("bridge: invalid read pointer %#x", reg)
		}
		f.ptr = reg
		return nil
	case cmdWriteConfig:
		v, err := arg()
		if err != nil {
			return err
		}
		if v>>4 != ^v&0x0f {
			return fmt.Errorf("bridge: invalid configuration %#x", v)
		}
		if !f.ignoreConfig {
			f.config = v & 0x0f
		}
		f.status &^= stRST
		f.ptr = regDCR
		return nil
	case cmdChannelSelect: // also cmdAdjPort
		switch f.model {
		case isDS2483:
			f.port = append([]byte(nil), w[1:]...)
			return nil
		case isDS2482x800:
			v, err := arg()
			if err != nil {
				return err
			}
			for ch, c := range channelWrite {
				if c == v {
					f.channel = ch
					f.ptr = regCSR
					return nil
				}
			}
			return fmt.Errorf("bridge: invalid channel code %#x", v)
		}
		return fmt.Errorf("bridge: unsupported command %#x", w[0])
	}

	// 1-wire commands.
	f.pending = f.busy
	f.status &= stRST | stLL
	switch w[0] {
	case cmd1WReset:
		present, err := f.ow.Reset()
		if err != nil {
			return err
		}
		if present {
			f.status |= stPPD
		}
	case cmd1WBit:
		v, err := arg()
		if err != nil {
			return err
		}
		bit, err := f.ow.Slot(v >> 7)
		if err != nil {
			return err
		}
		if bit != 0 {
			f.status |= stSBR
		}
	case cmd1WWrite:
		v, err := arg()
		if err != nil {
			return err
		}
		return f.ow.WriteBits(v, 8)
	case cmd1WRead:
		v, err := f.ow.ReadBits(8)
		if err != nil {
			return err
		}
		f.rdr = v
	case cmd1WTriplet:
		v, err := arg()
		if err != nil {
			return err
		}
		res, err := f.ow.Triplet(v >> 7)
		if err != nil {
			return err
		}
		if !res.GotZero {
			f.status |= stSBR
		}
		if !res.GotOne {
			f.status |= stTSB
		}
		if res.Taken != 0 {
			f.status |= stDIR
		}
	default:
		return fmt.Errorf("bridge: unknown command %#x", w[0])
	}
	return nil
}
