// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"

	"github.com/maruel/ansi256"
	"github.com/mattn/go-colorable"
	"github.com/spf13/cobra"

	"github.com/GermanBionicSystems/onewire/ds248x"
	"github.com/GermanBionicSystems/onewire/onewire"
	"github.com/GermanBionicSystems/onewire/slave"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// cli holds the state shared by the commands.
type cli struct {
	configPath string
	verbose    bool
	noColor    bool
	bus        busConfig // flag values, applied when set

	cfg *config
	log *slog.Logger
	out io.Writer
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "onewire",
		Short: "1-Wire bus tool",
		Long: `onewire enumerates and reads 1-Wire devices and emulates one.

Bus masters:
  gpio:   --bus gpio --pin GPIO4
  ds248x: --bus ds248x [--i2c 1] [--addr 0x18] [--channel 0]
  uart:   --bus uart --port /dev/ttyUSB0
  sim:    --bus sim --device 28-0000070e41ac [--device ...]`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd)
		},
	}
	f := root.PersistentFlags()
	f.StringVarP(&c.configPath, "config", "c", "", "YAML configuration file")
	f.BoolVarP(&c.verbose, "verbose", "v", false, "log every bus primitive")
	f.BoolVar(&c.noColor, "no-color", false, "plain listing")
	f.StringVar(&c.bus.Kind, "bus", kindGPIO, "bus master: gpio, ds248x, uart or sim")
	f.StringVar(&c.bus.Pin, "pin", "", "GPIO pin of the bus")
	f.StringVar(&c.bus.I2C, "i2c", "", "I²C bus of the ds248x")
	f.Uint16Var(&c.bus.Addr, "addr", 0x18, "I²C address of the ds248x")
	f.IntVar(&c.bus.Channel, "channel", 0, "ds2482-800 channel")
	f.StringVar(&c.bus.Port, "port", "", "serial port of the uart bus master")
	f.StringSliceVar(&c.bus.Devices, "device", nil, "simulated device code")
	f.StringSliceVar(&c.bus.Alarms, "alarm", nil, "simulated alarming device code")

	root.AddCommand(c.searchCmd(), c.readROMCmd(), c.configureCmd(), c.emulateCmd())
	return root
}

// setup loads the configuration, overlays the flags that were set and
// creates the logger.
func (c *cli) setup(cmd *cobra.Command) error {
	cfg, err := loadConfig(c.configPath)
	if err != nil {
		return err
	}
	f := cmd.Flags()
	set := func(name string, apply func()) {
		if f.Changed(name) {
			apply()
		}
	}
	set("bus", func() { cfg.Bus.Kind = c.bus.Kind })
	set("pin", func() { cfg.Bus.Pin = c.bus.Pin })
	set("i2c", func() { cfg.Bus.I2C = c.bus.I2C })
	set("addr", func() { cfg.Bus.Addr = c.bus.Addr })
	set("channel", func() { cfg.Bus.Channel = c.bus.Channel })
	set("port", func() { cfg.Bus.Port = c.bus.Port })
	set("device", func() { cfg.Bus.Devices = c.bus.Devices })
	set("alarm", func() { cfg.Bus.Alarms = c.bus.Alarms })
	c.cfg = cfg

	level := slog.LevelInfo
	if c.verbose {
		level = slog.LevelDebug
	}
	c.log = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	c.out = cmd.OutOrStdout()
	if c.out == os.Stdout && !c.noColor {
		c.out = colorable.NewColorableStdout()
	}
	return nil
}

func (c *cli) palette() *ansi256.Palette {
	if c.noColor {
		return nil
	}
	return ansi256.Default
}

// withBus opens the bus, runs f and releases the bus.
func (c *cli) withBus(f func(b onewire.Bus) error) error {
	b, closer, err := openBus(&c.cfg.Bus, c.log)
	if err != nil {
		return err
	}
	err = f(b)
	if err2 := closer(); err == nil {
		err = err2
	}
	return err
}

func (c *cli) searchCmd() *cobra.Command {
	var alarm bool
	var family string
	cmd := &cobra.Command{
		Use:   "search",
		Short: "List the devices on the bus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var fam byte
			if family != "" {
				v, err := strconv.ParseUint(family, 0, 8)
				if err != nil {
					return fmt.Errorf("invalid family %q", family)
				}
				fam = byte(v)
			}
			return c.withBus(func(b onewire.Bus) error {
				codes, err := search(b, fam, alarm)
				if err != nil {
					return err
				}
				c.log.Info("search done", "devices", len(codes), "alarm", alarm)
				return printCodes(c.out, c.palette(), codes)
			})
		},
	}
	cmd.Flags().BoolVar(&alarm, "alarm-only", false, "only list the devices with their alarm flag set")
	cmd.Flags().StringVar(&family, "family", "", "only list this family, e.g. 0x28")
	return cmd
}

// search enumerates the bus. A non-zero family restricts the search, alarm
// uses ALARM SEARCH instead.
func search(b onewire.Bus, family byte, alarm bool) ([]onewire.Code, error) {
	if family == 0 {
		return onewire.Search(b, alarm)
	}
	if alarm {
		return nil, errors.New("--family and --alarm-only are exclusive")
	}
	var out []onewire.Code
	var code onewire.Code
	for last := onewire.First; last != onewire.Last; {
		var err error
		last, err = onewire.SearchROM(b, family, &code, last)
		if errors.Is(err, onewire.ErrNoMatch) {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, code)
	}
	return out, nil
}

func (c *cli) readROMCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "readrom",
		Short: "Read the code of the only device on the bus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withBus(func(b onewire.Bus) error {
				code, err := onewire.ReadROM(b)
				if err != nil {
					return err
				}
				return printCodes(c.out, c.palette(), []onewire.Code{code})
			})
		},
	}
}

func (c *cli) configureCmd() *cobra.Command {
	var conf ds248x.Config
	var reset bool
	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Configure the ds248x bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.cfg.Bus.Kind != kindDS248x {
				return fmt.Errorf("configure needs a ds248x bus, not %q", c.cfg.Bus.Kind)
			}
			return c.withBus(func(b onewire.Bus) error {
				d := unwrap(b).(*ds248x.Dev)
				if reset {
					if err := d.DeviceReset(); err != nil {
						return err
					}
				}
				if err := d.Configure(conf); err != nil {
					return err
				}
				ch, err := d.SelectedChannel()
				if err != nil {
					return err
				}
				c.log.Info("configured", "bridge", d.String(), "channel", ch,
					"apu", conf.ActivePullup, "spu", conf.StrongPullup, "overdrive", conf.Overdrive)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.BoolVar(&conf.ActivePullup, "active-pullup", true, "active pull-up")
	f.BoolVar(&conf.StrongPullup, "strong-pullup", false, "strong pull-up after the next byte")
	f.BoolVar(&conf.Overdrive, "overdrive", false, "overdrive speed")
	f.BoolVar(&reset, "device-reset", false, "reset the bridge first")
	return cmd
}

func (c *cli) emulateCmd() *cobra.Command {
	var flags slaveConfig
	cmd := &cobra.Command{
		Use:   "emulate",
		Short: "Emulate a 1-Wire device on a GPIO pin",
		Long: `emulate answers the ROM commands with the configured code. Once
selected, the READ SCRATCHPAD function command (0xbe) is answered with the
configured memory followed by its CRC8.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sc := &c.cfg.Slave
			f := cmd.Flags()
			if f.Changed("slave-pin") {
				sc.Pin = flags.Pin
			}
			if f.Changed("code") {
				sc.Code = flags.Code
			}
			if f.Changed("alarm-flag") {
				sc.Alarm = flags.Alarm
			}
			if f.Changed("memory") {
				sc.Memory = flags.Memory
			}
			code, err := sc.code()
			if err != nil {
				return err
			}
			mem, err := sc.memory()
			if err != nil {
				return err
			}
			if _, err := host.Init(); err != nil {
				return err
			}
			p := gpioreg.ByName(sc.Pin)
			if p == nil {
				return fmt.Errorf("failed to find pin %q", sc.Pin)
			}
			s, err := slave.New(p, code, nil)
			if err != nil {
				return err
			}
			defer s.Halt()
			s.SetAlarm(sc.Alarm)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			c.log.Info("emulating", "device", s.String())
			err = s.Run(ctx, func(s *slave.Slave) error {
				return c.function(s, mem)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.Pin, "slave-pin", "", "GPIO pin of the emulated device")
	f.StringVar(&flags.Code, "code", "", "code of the emulated device, e.g. 28-0000070e41ac")
	f.BoolVar(&flags.Alarm, "alarm-flag", false, "answer ALARM SEARCH")
	f.StringVar(&flags.Memory, "memory", "", "hex answer to READ SCRATCHPAD")
	return cmd
}

// function handles the function command sent to the emulated device.
func (c *cli) function(s *slave.Slave, mem []byte) error {
	cmd, err := s.ReadBits(8)
	if err != nil {
		return err
	}
	c.log.Debug("function command", "cmd", cmd)
	if cmd != cmdReadScratchpad {
		return nil
	}
	return s.WriteCRC(mem)
}

const cmdReadScratchpad = 0xbe
