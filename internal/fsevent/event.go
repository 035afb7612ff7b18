// Copyright (C) 2014 The Anything-Logger Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package fsevent

// Device identifies a block device by its major/minor pair, as carried on
// the kernel wire (major: u16, minor: u8).
type Device struct {
	Major uint16
	Minor uint8
}

// FileEvent is the unit flowing from the listener to the worker: one
// fully-merged NOTIFY + NOTIFY_PROCESS_INFO pair, or a terminate sentinel.
type FileEvent struct {
	Action      Action
	Cookie      uint32
	Dev         Device
	EventPath   string
	UID         uint32
	PID         int32
	ProcessPath string
}

// Terminate is the sentinel value pushed onto the worker's queue to signal
// an orderly shutdown; the worker recognizes it by Action alone.
func Terminate() FileEvent {
	return FileEvent{Action: ActionTerminate}
}

// Valid reports whether e satisfies the invariants required of an event
// handed to the worker: a real action, non-empty paths, and a positive
// pid. The terminate sentinel is never "valid" by this definition — it is
// recognized separately by the worker before validation is applied.
func (e FileEvent) Valid() bool {
	return e.Action.Valid() && e.EventPath != "" && e.ProcessPath != "" && e.PID > 0
}
