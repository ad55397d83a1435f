// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"fmt"
	"log/slog"

	"github.com/GermanBionicSystems/onewire/bitbang"
	"github.com/GermanBionicSystems/onewire/ds248x"
	"github.com/GermanBionicSystems/onewire/onewire"
	"github.com/GermanBionicSystems/onewire/onewire/onewiretest"
	"github.com/GermanBionicSystems/onewire/uart"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// openBus returns the bus master described by c. The returned function
// releases it.
func openBus(c *busConfig, log *slog.Logger) (onewire.Bus, func() error, error) {
	if err := c.validate(); err != nil {
		return nil, nil, err
	}
	b, closer, err := open(c)
	if err != nil {
		return nil, nil, err
	}
	log.Debug("bus opened", "bus", b.String(), "kind", c.Kind)
	return &traceBus{Bus: b, log: log}, closer, nil
}

func open(c *busConfig) (onewire.Bus, func() error, error) {
	nop := func() error { return nil }
	switch c.Kind {
	case kindSim:
		all, alarms, _ := c.codes()
		b := onewiretest.NewBus(all...)
		for _, a := range alarms {
			d := &onewiretest.Device{Code: a, Alarm: true}
			b.Devices = append(b.Devices, d)
		}
		return b, nop, nil
	case kindUART:
		d, err := uart.Open(c.Port, nil)
		if err != nil {
			return nil, nil, err
		}
		return d, d.Halt, nil
	}

	if _, err := host.Init(); err != nil {
		return nil, nil, err
	}
	if c.Kind == kindGPIO {
		p := gpioreg.ByName(c.Pin)
		if p == nil {
			return nil, nil, fmt.Errorf("failed to find pin %q", c.Pin)
		}
		d, err := bitbang.New(p, nil)
		if err != nil {
			return nil, nil, err
		}
		return d, d.Halt, nil
	}

	i, err := i2creg.Open(c.I2C)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open I²C: %w", err)
	}
	opts := ds248x.DefaultOpts
	opts.PassivePullup = c.PassivePullup
	d, err := ds248x.New(i, c.Addr, &opts)
	if err == nil {
		err = d.ChannelSelect(c.Channel)
	}
	if err != nil {
		_ = i.Close()
		return nil, nil, err
	}
	return d, i.Close, nil
}
