// Copyright (C) 2014 The Anything-Logger Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package configcache

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/puzpuzpuz/xsync/v3"
)

// newTestCache builds a Cache with a pre-populated value map and no live
// bus connection, exercising GetBool/GetUint independent of D-Bus.
func newTestCache(values map[string]any) *Cache {
	c := &Cache{values: xsync.NewMapOf[string, any]()}
	for k, v := range values {
		c.values.Store(k, v)
	}
	return c
}

func TestGetBoolKnownKey(t *testing.T) {
	c := newTestCache(map[string]any{KeyLogEvents: true})
	if !c.GetBool(KeyLogEvents) {
		t.Error("expected GetBool to return true")
	}
}

func TestGetBoolUnknownKeyReturnsZeroValue(t *testing.T) {
	c := newTestCache(nil)
	if c.GetBool("nonexistent") {
		t.Error("expected GetBool on unknown key to return false")
	}
}

func TestGetUintKnownKey(t *testing.T) {
	c := newTestCache(map[string]any{KeyLogFileCount: 7})
	if c.GetUint(KeyLogFileCount) != 7 {
		t.Errorf("expected GetUint to return 7, got %d", c.GetUint(KeyLogFileCount))
	}
}

func TestGetUintUnknownKeyReturnsZeroValue(t *testing.T) {
	c := newTestCache(nil)
	if c.GetUint("nonexistent") != 0 {
		t.Error("expected GetUint on unknown key to return 0")
	}
}

// fakeBusConn counts the calls Close makes on a live connection, without
// implementing the rest of dbus.BusObject's surface.
type fakeBusConn struct {
	removed int
	closed  int
}

func (f *fakeBusConn) Object(string, dbus.ObjectPath) dbus.BusObject { return nil }
func (f *fakeBusConn) Signal(chan<- *dbus.Signal)                    {}
func (f *fakeBusConn) RemoveSignal(chan<- *dbus.Signal)              { f.removed++ }
func (f *fakeBusConn) Close() error                                  { f.closed++; return nil }

// Close must unregister the signal channel, close it so the watch
// goroutine exits, and close the underlying connection — exactly once
// even if called more than once.
func TestCacheCloseReleasesConnAndIsIdempotent(t *testing.T) {
	conn := &fakeBusConn{}
	c := &Cache{conn: conn, values: xsync.NewMapOf[string, any](), sigCh: make(chan *dbus.Signal, 1)}

	if err := c.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.Close(); err != nil { // must be a no-op, not a panic or double-close
		t.Fatalf("second Close returned error: %v", err)
	}

	if conn.removed != 1 {
		t.Errorf("expected RemoveSignal called once, got %d", conn.removed)
	}
	if conn.closed != 1 {
		t.Errorf("expected Close called once, got %d", conn.closed)
	}
}

// A Cache built without a live bus connection (as in the other tests in
// this file) must tolerate Close being called on it.
func TestCacheCloseWithoutConnIsNoop(t *testing.T) {
	c := newTestCache(nil)
	if err := c.Close(); err != nil {
		t.Fatalf("expected nil error closing a connectionless cache, got %v", err)
	}
}

func TestHandlerFuncAdapts(t *testing.T) {
	var gotKey string
	var gotVal any
	var h Handler = HandlerFunc(func(key string, value any) {
		gotKey, gotVal = key, value
	})
	h.ConfigChanged(KeyLogEvents, true)
	if gotKey != KeyLogEvents || gotVal != true {
		t.Errorf("HandlerFunc did not forward call: key=%v val=%v", gotKey, gotVal)
	}
}
