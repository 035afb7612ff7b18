// Copyright (C) 2014 The Anything-Logger Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package configcache

import (
	"fmt"
	"math"

	"github.com/deepin-community/anything-logger/internal/fsevent"
)

// coerce validates and normalizes a raw D-Bus variant value for key,
// applying the numeric range checks and clamps described in the config
// cache's design. Unrecognized keys are rejected.
func coerce(key string, raw any) (any, error) {
	switch key {
	case KeyLogEvents, KeyPrintDebugLog, KeyDisableEventMerge:
		return coerceBool(key, raw)
	case KeyLogEventsType:
		return coerceMask(raw)
	case KeyLogFileCount:
		return coerceClampedInt(key, raw, minLogFileCount, maxLogFileCount)
	case KeyLogFileSize:
		return coerceClampedInt(key, raw, minLogFileSize, maxLogFileSize)
	default:
		return nil, fmt.Errorf("configcache: unrecognized key %q", key)
	}
}

func coerceBool(key string, raw any) (any, error) {
	b, ok := raw.(bool)
	if !ok {
		return nil, fmt.Errorf("configcache: key %q: expected bool, got %T", key, raw)
	}
	return b, nil
}

// coerceInt accepts int32, int64 (range-checked to int32), or float64
// (range-checked and truncated), as delivered in a D-Bus variant.
func coerceInt(raw any) (int, error) {
	switch n := raw.(type) {
	case int32:
		return int(n), nil
	case int64:
		if n > math.MaxInt32 || n < math.MinInt32 {
			return 0, fmt.Errorf("configcache: int64 value %d out of int32 range", n)
		}
		return int(n), nil
	case float64:
		if n > math.MaxInt32 || n < math.MinInt32 {
			return 0, fmt.Errorf("configcache: float64 value %v out of int32 range", n)
		}
		return int(n), nil
	case int:
		return n, nil
	default:
		return 0, fmt.Errorf("configcache: expected numeric value, got %T", raw)
	}
}

func coerceClampedInt(key string, raw any, lo, hi int) (any, error) {
	n, err := coerceInt(raw)
	if err != nil {
		return nil, fmt.Errorf("key %q: %w", key, err)
	}
	if n < lo {
		n = lo
	}
	if n > hi {
		n = hi
	}
	return n, nil
}

// coerceMask accepts either a native []string or a []any of strings (any
// non-string element is skipped with a warning), translating each
// log_events_type token to its action bit via fsevent.ParseActionToken.
func coerceMask(raw any) (any, error) {
	tokens, err := toStringSlice(raw)
	if err != nil {
		return nil, err
	}
	var mask uint32
	for _, tok := range tokens {
		actions := fsevent.ParseActionToken(tok)
		if len(actions) == 0 {
			l.Warnf("unrecognized log_events_type token %q", tok)
			continue
		}
		for _, a := range actions {
			mask |= a.Bit()
		}
	}
	return mask, nil
}

func toStringSlice(raw any) ([]string, error) {
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				l.Warnf("skipping non-string element %v (%T) in log_events_type", item, item)
				continue
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("configcache: expected string array, got %T", raw)
	}
}
