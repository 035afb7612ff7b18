// Copyright (C) 2014 The Anything-Logger Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package logutil

import (
	"fmt"
	"log/slog"
)

// An adapter is a thin, printf-flavored front for slog, handed out to a
// single package so call sites don't have to spell out slog.String/slog.Int
// for the common case of a single formatted message.
type adapter struct {
	descr string
}

// RegisterPackage records a human-readable description for pkg, surfaced
// later by Descrs (used by a status/support-bundle dump), and returns an
// adapter for logging under that package name.
func RegisterPackage(pkg, descr string) *adapter {
	globalLevels.SetDescr(pkg, descr)
	return &adapter{descr: descr}
}

// NewAdapter returns an adapter that is not registered with a description,
// for packages that don't need one.
func NewAdapter(descr string) *adapter {
	return &adapter{descr: descr}
}

func (a *adapter) Debugln(vals ...any) {
	slog.Debug(fmt.Sprintln(vals...))
}

func (a *adapter) Debugf(format string, vals ...any) {
	slog.Debug(fmt.Sprintf(format, vals...))
}

func (a *adapter) Infoln(vals ...any) {
	slog.Info(fmt.Sprintln(vals...))
}

func (a *adapter) Infof(format string, vals ...any) {
	slog.Info(fmt.Sprintf(format, vals...))
}

func (a *adapter) Warnln(vals ...any) {
	slog.Warn(fmt.Sprintln(vals...))
}

func (a *adapter) Warnf(format string, vals ...any) {
	slog.Warn(fmt.Sprintf(format, vals...))
}
