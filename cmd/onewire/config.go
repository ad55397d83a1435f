// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/GermanBionicSystems/onewire/onewire"
)

// Bus kinds.
const (
	kindGPIO   = "gpio"
	kindDS248x = "ds248x"
	kindUART   = "uart"
	kindSim    = "sim"
)

// config is the content of the configuration file.
type config struct {
	Bus   busConfig   `yaml:"bus"`
	Slave slaveConfig `yaml:"slave"`
}

type busConfig struct {
	Kind string `yaml:"kind"`

	// gpio
	Pin string `yaml:"pin"`

	// ds248x
	I2C           string `yaml:"i2c"`
	Addr          uint16 `yaml:"addr"`
	Channel       int    `yaml:"channel"`
	PassivePullup bool   `yaml:"passive_pullup"`

	// uart
	Port string `yaml:"port"`

	// sim
	Devices []string `yaml:"devices"`
	Alarms  []string `yaml:"alarms"`
}

type slaveConfig struct {
	Pin    string `yaml:"pin"`
	Code   string `yaml:"code"`
	Alarm  bool   `yaml:"alarm"`
	Memory string `yaml:"memory"` // hex, answered to READ SCRATCHPAD
}

func defaultConfig() *config {
	return &config{
		Bus: busConfig{
			Kind: kindGPIO,
			Pin:  "GPIO4",
			Addr: 0x18,
			Port: "/dev/ttyUSB0",
		},
		Slave: slaveConfig{
			Pin: "GPIO17",
		},
	}
}

// loadConfig reads the configuration file at path on top of the defaults. An
// empty path returns the defaults.
func loadConfig(path string) (*config, error) {
	c := defaultConfig()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func (b *busConfig) validate() error {
	switch b.Kind {
	case kindGPIO:
		if b.Pin == "" {
			return errors.New("bus: pin is required")
		}
	case kindDS248x:
		if b.Addr < 0x18 || b.Addr > 0x1f {
			return fmt.Errorf("bus: invalid ds248x address %#x", b.Addr)
		}
		if b.Channel < 0 || b.Channel > 7 {
			return fmt.Errorf("bus: invalid channel %d", b.Channel)
		}
	case kindUART:
		if b.Port == "" {
			return errors.New("bus: port is required")
		}
	case kindSim:
		if _, _, err := b.codes(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("bus: unknown kind %q", b.Kind)
	}
	return nil
}

// codes returns the simulated devices, and the ones that are alarming.
func (b *busConfig) codes() (all, alarms []onewire.Code, err error) {
	parse := func(s []string) ([]onewire.Code, error) {
		var out []onewire.Code
		for _, v := range s {
			c, err := onewire.ParseCode(v)
			if err != nil {
				return nil, fmt.Errorf("bus: %w", err)
			}
			out = append(out, c)
		}
		return out, nil
	}
	if all, err = parse(b.Devices); err != nil {
		return nil, nil, err
	}
	if alarms, err = parse(b.Alarms); err != nil {
		return nil, nil, err
	}
	return all, alarms, nil
}

func (s *slaveConfig) code() (onewire.Code, error) {
	if s.Code == "" {
		return onewire.Code{}, errors.New("slave: code is required")
	}
	return onewire.ParseCode(s.Code)
}

func (s *slaveConfig) memory() ([]byte, error) {
	m, err := hex.DecodeString(s.Memory)
	if err != nil {
		return nil, fmt.Errorf("slave: memory: %w", err)
	}
	return m, nil
}
