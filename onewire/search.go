// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewire

import (
	"errors"
	"fmt"
)

// Search cursor positions.
const (
	// First starts a new search.
	First = -1
	// Last is returned by the call which found the last device.
	Last = ROMSize * 8
)

// errNobody is returned when no device took part in the search at all. It is
// an ErrBusFault for callers, Search uses it to detect an empty alarm search.
var errNobody = fmt.Errorf("%w at the first bit", ErrBusFault)

// SearchROM finds the next device on the bus.
//
// On the first call code is ignored and last is First. On return code holds the
// device found and the result is the position of the last unexplored branch,
// to be passed as last on the next call together with the same code. The call
// that finds the final device returns Last.
//
// When family is not zero, devices of other families are skipped. ErrNoMatch
// is returned if no device of that family is left.
//
// On error code is left untouched and last is returned so that the caller can
// retry from the same point.
func SearchROM(b Bus, family byte, code *Code, last int) (int, error) {
	if last < First || last >= Last {
		return last, fmt.Errorf("onewire: invalid search position %d", last)
	}
	cur := *code
	pos := last
	for {
		next, err := search(b, CmdSearchROM, &cur, pos)
		if err != nil {
			return last, err
		}
		if family == 0 || cur.Family() == family {
			*code = cur
			return next, nil
		}
		if next == Last {
			return Last, ErrNoMatch
		}
		pos = next
	}
}

// AlarmSearch is SearchROM restricted to devices in alarm state.
func AlarmSearch(b Bus, code *Code, last int) (int, error) {
	if last < First || last >= Last {
		return last, fmt.Errorf("onewire: invalid search position %d", last)
	}
	cur := *code
	next, err := search(b, CmdAlarmSearch, &cur, last)
	if err != nil {
		return last, err
	}
	*code = cur
	return next, nil
}

// Search returns the codes of every device on the bus, or of every device in
// alarm state if alarmOnly is true.
//
// If an error occurs the codes found so far are returned with the error.
func Search(b Bus, alarmOnly bool) ([]Code, error) {
	var codes []Code
	var code Code
	last := First
	for {
		var err error
		if alarmOnly {
			last, err = AlarmSearch(b, &code, last)
		} else {
			last, err = SearchROM(b, 0, &code, last)
		}
		if err != nil {
			if alarmOnly && len(codes) == 0 && errors.Is(err, errNobody) {
				return nil, nil
			}
			return codes, err
		}
		if !code.Valid() {
			return codes, fmt.Errorf("%w for %s", ErrCRC, code)
		}
		codes = append(codes, code)
		if last == Last {
			return codes, nil
		}
	}
}

// search walks the 64 positions of the code trie once.
//
// Positions before last replay the branch taken for code, at last the 1
// branch is taken and past it the 0 branch. The returned position is the
// deepest discrepancy where the 0 branch was taken.
func search(b Bus, cmd byte, code *Code, last int) (int, error) {
	if err := reset(b); err != nil {
		return 0, err
	}
	if err := b.WriteBits(cmd, 8); err != nil {
		return 0, err
	}
	var found Code
	next := Last
	for pos := 0; pos < Last; pos++ {
		var dir byte
		switch {
		case pos == last:
			dir = 1
		case pos < last:
			dir = code.Bit(pos)
		}
		tr, err := b.Triplet(dir)
		if err != nil {
			return 0, err
		}
		if !tr.GotZero && !tr.GotOne {
			if pos == 0 {
				return 0, errNobody
			}
			return 0, fmt.Errorf("%w at bit %d", ErrBusFault, pos)
		}
		if tr.GotZero && tr.GotOne && tr.Taken == 0 {
			next = pos
		}
		if tr.Taken != 0 {
			found[pos/8] |= 1 << (pos % 8)
		}
	}
	*code = found
	return next, nil
}
