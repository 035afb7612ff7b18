// Copyright (C) 2014 The Anything-Logger Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package logutil is the structured diagnostic log used by every component
// of the daemon (the "C9" process log of the design). It is deliberately
// not the event journal: nothing written through this package ever reaches
// the CSV sink.
package logutil

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

var (
	GlobalRecorder = &lineRecorder{level: -1000}
	ErrorRecorder  = &lineRecorder{level: slog.LevelError}
	globalLevels   = &levelTracker{
		levels: make(map[string]slog.Level),
		descrs: make(map[string]string),
	}
	slogDef *slog.Logger
)

func init() {
	var out io.Writer = os.Stderr
	if os.Getenv("ANYTHING_LOGGER_DISCARD") != "" {
		// Completely disable logging, e.g. when running benchmarks.
		out = io.Discard
	}
	slogDef = slog.New(&formattingHandler{
		opts: &formattingOptions{
			LineFormat: DefaultLineFormat,
			out:        out,
			recs:       []*lineRecorder{GlobalRecorder, ErrorRecorder},
		},
	})
	slog.SetDefault(slogDef)

	// ANYTHING_LOGGER_TRACE=mounttracker,worker:WARN raises or narrows
	// per-package verbosity; it is read once, at process start.
	for _, pkg := range strings.Split(os.Getenv("ANYTHING_LOGGER_TRACE"), ",") {
		pkg = strings.TrimSpace(pkg)
		if pkg == "" {
			continue
		}
		level := slog.LevelDebug
		if cutPkg, levelStr, ok := strings.Cut(pkg, ":"); ok {
			pkg = cutPkg
			if err := level.UnmarshalText([]byte(levelStr)); err != nil {
				slog.Warn("bad log level requested in ANYTHING_LOGGER_TRACE", slog.String("pkg", pkg), slog.String("level", levelStr), Error(err))
			}
		}
		globalLevels.Set(pkg, level)
	}
}

// SetDebug is the single knob the config cache's print_debug_log key
// drives: it raises or lowers the default level for every package that has
// not been given a more specific override.
func SetDebug(enabled bool) {
	if enabled {
		SetDefaultLevel(slog.LevelDebug)
	} else {
		SetDefaultLevel(slog.LevelInfo)
	}
}
