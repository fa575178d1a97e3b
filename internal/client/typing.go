package client

import (
	"sync"
	"time"
)

// debouncer implements the typing protocol: every input change broadcasts
// is_typing=true immediately and arms (or re-arms) a quiet timer; when the
// timer expires with no further input, is_typing=false is broadcast exactly
// once. Cancel is used on send, which also flips typing off immediately.
//
// Each arm bumps a generation; an expiry that lost the race against a
// re-arm or Cancel carries a stale generation and is a no-op, so a fresh
// true is never immediately undone by a superseded timer.
type debouncer struct {
	mu        sync.Mutex
	delay     time.Duration
	timer     *time.Timer
	gen       uint64
	active    bool
	broadcast func(bool)
}

func newDebouncer(delay time.Duration, broadcast func(bool)) *debouncer {
	return &debouncer{delay: delay, broadcast: broadcast}
}

// Input signals a keystroke.
func (d *debouncer) Input() {
	d.mu.Lock()
	d.active = true
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, func() { d.expire(gen) })
	d.mu.Unlock()

	d.broadcast(true)
}

func (d *debouncer) expire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || !d.active {
		d.mu.Unlock()
		return
	}
	d.active = false
	d.timer = nil
	d.mu.Unlock()

	d.broadcast(false)
}

// Cancel stops any pending decay and, if typing was active, broadcasts
// false immediately.
func (d *debouncer) Cancel() {
	d.mu.Lock()
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	wasActive := d.active
	d.active = false
	d.mu.Unlock()

	if wasActive {
		d.broadcast(false)
	}
}
