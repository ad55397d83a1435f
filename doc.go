// Copyright 2021 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewire is a container for a Dallas/Maxim 1-Wire stack.
//
// The protocol layer, identity codes and ROM search live in package onewire;
// the bus masters are bitbang (a GPIO pin), ds248x (an I²C bridge) and uart
// (a serial port); slave emulates a device on a GPIO pin.
package onewire
