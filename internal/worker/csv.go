// Copyright (C) 2014 The Anything-Logger Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package worker

import (
	"encoding/csv"
	"strconv"
	"strings"

	"github.com/deepin-community/anything-logger/internal/fsevent"
)

// formatSingle renders a non-rename event as one CSV line, including the
// trailing newline. Escaping is delegated to encoding/csv's Writer, which
// implements RFC 4180 quoting exactly.
func formatSingle(e fsevent.FileEvent) (string, error) {
	return writeRecord([]string{
		timestamp(),
		e.ProcessPath,
		strconv.FormatUint(uint64(e.UID), 10),
		strconv.FormatInt(int64(e.PID), 10),
		e.Action.String(),
		e.EventPath,
	})
}

// formatRename renders a completed rename pair as one CSV line carrying
// both the from- and to-paths.
func formatRename(from, to fsevent.FileEvent) (string, error) {
	return writeRecord([]string{
		timestamp(),
		to.ProcessPath,
		strconv.FormatUint(uint64(to.UID), 10),
		strconv.FormatInt(int64(to.PID), 10),
		to.Action.String(),
		from.EventPath,
		to.EventPath,
	})
}

func writeRecord(fields []string) (string, error) {
	var sb strings.Builder
	w := csv.NewWriter(&sb)
	if err := w.Write(fields); err != nil {
		return "", err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	return sb.String(), nil
}
