// Copyright (C) 2014 The Anything-Logger Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package logutil

import "log/slog"

// Error renders an error as a log attribute, or a no-op attribute if err is
// nil -- callers can unconditionally pass Error(err) after a call that may
// or may not have failed.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

func FilePath(path string) slog.Attr {
	return slog.String("path", path)
}

func Cookie(c uint32) slog.Attr {
	return slog.Uint64("cookie", uint64(c))
}
