package store

import (
	"log/slog"
	"sync"
)

// Fallback wraps a durable KV. Writes are mirrored into memory; on the first
// failure of the durable store (unavailable, quota exceeded) the fallback
// degrades and serves from memory for the rest of its lifetime.
//
// Thread-safety: Fallback is safe for concurrent use.
type Fallback struct {
	primary KV
	memory  *Memory
	logger  *slog.Logger

	mu       sync.Mutex
	degraded bool
}

// NewFallback wraps primary. A nil primary starts degraded.
func NewFallback(primary KV) *Fallback {
	f := &Fallback{
		primary: primary,
		memory:  NewMemory(),
		logger:  slog.Default().With("component", "store"),
	}
	if primary == nil {
		f.degraded = true
	}
	return f
}

// Degraded reports whether the fallback has switched to memory.
func (f *Fallback) Degraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

func (f *Fallback) Get(key string) (string, bool, error) {
	if f.Degraded() {
		return f.memory.Get(key)
	}
	v, ok, err := f.primary.Get(key)
	if err != nil {
		f.degrade("get", err)
		return f.memory.Get(key)
	}
	return v, ok, nil
}

func (f *Fallback) Set(key, value string) error {
	_ = f.memory.Set(key, value)
	if f.Degraded() {
		return nil
	}
	if err := f.primary.Set(key, value); err != nil {
		f.degrade("set", err)
	}
	return nil
}

func (f *Fallback) Remove(key string) error {
	_ = f.memory.Remove(key)
	if f.Degraded() {
		return nil
	}
	if err := f.primary.Remove(key); err != nil {
		f.degrade("remove", err)
	}
	return nil
}

// Keys lists keys from the active backend when it supports listing.
func (f *Fallback) Keys(prefix string) ([]string, error) {
	if !f.Degraded() {
		if l, ok := f.primary.(Lister); ok {
			keys, err := l.Keys(prefix)
			if err == nil {
				return keys, nil
			}
			f.degrade("keys", err)
		}
	}
	return f.memory.Keys(prefix)
}

func (f *Fallback) degrade(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.degraded {
		return
	}
	f.degraded = true
	f.logger.Warn("storage unavailable, falling back to memory", "op", op, "error", err)
}
