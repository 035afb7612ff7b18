// Copyright (C) 2014 The Anything-Logger Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package configcache implements the dynamic configuration channel (C5):
// a typed, cached view of runtime policy backed by the external D-Bus
// configuration bus, with change notification and validation/clamping on
// numeric keys.
//
// The cache is read from the main loop and written from the D-Bus signal
// delivery goroutine concurrently; it is backed by an *xsync.MapOf rather
// than a map protected by a mutex, matching that library's read-heavy,
// low-write-contention design point.
package configcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/deepin-community/anything-logger/internal/fsevent"
	"github.com/deepin-community/anything-logger/internal/logutil"
)

var l = logutil.RegisterPackage("configcache", "dynamic configuration cache")

const (
	KeyLogEvents         = "log_events"
	KeyLogEventsType     = "log_events_type"
	KeyLogFileCount      = "log_file_count"
	KeyLogFileSize       = "log_file_size"
	KeyPrintDebugLog     = "print_debug_log"
	KeyDisableEventMerge = "disable_event_merge"
)

const (
	busyTimeout = time.Second

	minLogFileCount = 1
	maxLogFileCount = 20
	minLogFileSize  = 1
	maxLogFileSize  = 100
)

func defaults() map[string]any {
	return map[string]any{
		KeyLogEvents:         true,
		KeyLogEventsType:     fsevent.DefaultMask(),
		KeyLogFileCount:      10,
		KeyLogFileSize:       50,
		KeyPrintDebugLog:     false,
		KeyDisableEventMerge: false,
	}
}

// Handler receives notification that a single config key changed, with
// its freshly validated value.
type Handler interface {
	ConfigChanged(key string, value any)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(key string, value any)

func (f HandlerFunc) ConfigChanged(key string, value any) { f(key, value) }

// busConn is the narrow slice of *dbus.Conn the cache depends on, so
// tests can substitute a fake bus. Close and RemoveSignal let Close
// release the bus connection and stop the watch goroutine without
// leaking either.
type busConn interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
	Close() error
}

const (
	busDest = "com.deepin.anything.Logger"
	busPath = dbus.ObjectPath("/com/deepin/anything/Logger")
)

// Cache is the typed, cached view of the external configuration.
type Cache struct {
	conn   busConn
	values *xsync.MapOf[string, any]

	handlersMu sync.Mutex
	handlers   []Handler

	sigCh     chan *dbus.Signal
	closeOnce sync.Once
}

// New connects to the system config bus and performs an initial full
// load of every recognized key, falling back to defaults on a per-key
// load failure.
func New(ctx context.Context) (*Cache, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("configcache: connect system bus: %w", err)
	}
	return newWithConn(ctx, conn)
}

func newWithConn(ctx context.Context, conn busConn) (*Cache, error) {
	c := &Cache{
		conn:   conn,
		values: xsync.NewMapOf[string, any](),
	}
	for k, v := range defaults() {
		c.values.Store(k, v)
	}
	c.loadAll(ctx)

	c.sigCh = make(chan *dbus.Signal, 16)
	conn.Signal(c.sigCh)
	go c.watch(c.sigCh)

	return c, nil
}

// Close releases the bus connection and stops the signal-watching
// goroutine. It is safe to call more than once, and safe to call on a
// Cache built without a live connection (e.g. in tests). Per the
// shutdown contract, it must be called last, after every component that
// might still read cached values has already stopped.
func (c *Cache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.conn == nil {
			return
		}
		c.conn.RemoveSignal(c.sigCh)
		close(c.sigCh)
		err = c.conn.Close()
	})
	return err
}

// AddHandler registers h to be invoked, from the D-Bus delivery
// goroutine, whenever a recognized key's value changes. Safe to call
// concurrently with config-change delivery.
func (c *Cache) AddHandler(h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers = append(c.handlers, h)
}

func (c *Cache) loadAll(ctx context.Context) {
	for key := range defaults() {
		c.reloadKey(ctx, key)
	}
}

func (c *Cache) watch(sigCh chan *dbus.Signal) {
	for sig := range sigCh {
		if len(sig.Body) == 0 {
			continue
		}
		key, ok := sig.Body[0].(string)
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), busyTimeout)
		c.reloadKey(ctx, key)
		cancel()
		c.notify(key)
	}
}

func (c *Cache) notify(key string) {
	val, _ := c.values.Load(key)
	c.handlersMu.Lock()
	handlers := append([]Handler(nil), c.handlers...)
	c.handlersMu.Unlock()
	for _, h := range handlers {
		h.ConfigChanged(key, val)
	}
}

// reloadKey fetches a single key from the bus, validates/coerces/clamps
// it, and stores the result; on any failure the previously cached value
// (or the default) is retained.
func (c *Cache) reloadKey(ctx context.Context, key string) {
	obj := c.conn.Object(busDest, busPath)
	call := obj.CallWithContext(ctx, "com.deepin.anything.Logger.GetConfig", 0, key)
	if call.Err != nil {
		l.Warnf("config reload failed for %q, retaining cached value: %v", key, call.Err)
		return
	}
	var variant dbus.Variant
	if err := call.Store(&variant); err != nil {
		l.Warnf("config reload decode failed for %q: %v", key, err)
		return
	}
	coerced, err := coerce(key, variant.Value())
	if err != nil {
		l.Warnf("config value rejected for %q: %v", key, err)
		return
	}
	c.values.Store(key, coerced)
}

// GetBool answers for the enumerated boolean keys; unknown keys return
// false with a warning.
func (c *Cache) GetBool(key string) bool {
	v, ok := c.values.Load(key)
	if !ok {
		l.Warnf("GetBool on unrecognized key %q", key)
		return false
	}
	b, _ := v.(bool)
	return b
}

// GetUint answers for the enumerated unsigned integer keys; unknown keys
// return 0 with a warning.
func (c *Cache) GetUint(key string) uint32 {
	v, ok := c.values.Load(key)
	if !ok {
		l.Warnf("GetUint on unrecognized key %q", key)
		return 0
	}
	switch n := v.(type) {
	case int:
		return uint32(n)
	case uint32:
		return n
	default:
		return 0
	}
}
