// Package presence holds the ephemeral per-channel typing/online state.
// Nothing here is durable: a session exists only while its connection keeps
// the channel alive, and the whole channel vanishes when the last session
// leaves or is evicted by the TTL sweeper.
package presence

import (
	"sync"
	"time"
)

// Payload is the tracked state of one session in a channel.
type Payload struct {
	UserID   string    `json:"user_id"`
	IsTyping bool      `json:"is_typing"`
	OnlineAt time.Time `json:"online_at"`
}

// Snapshot is the aggregate of all tracked payloads in a channel, delivered
// to watchers on every change ("sync" semantics).
type Snapshot []Payload

// Typing computes the logical OR of is_typing across all of the user's
// concurrent sessions: any typing tab wins.
func (s Snapshot) Typing(userID string) bool {
	for _, p := range s {
		if p.UserID == userID && p.IsTyping {
			return true
		}
	}
	return false
}

// Online reports whether the user has at least one live session.
func (s Snapshot) Online(userID string) bool {
	for _, p := range s {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

type session struct {
	payload  Payload
	lastSeen time.Time
}

type channelState struct {
	sessions map[string]*session
	watchers map[*Watcher]struct{}
}

// Tracker manages presence channels with TTL eviction tied to client
// keep-alives.
type Tracker struct {
	mu       sync.Mutex
	channels map[string]*channelState
	ttl      time.Duration
	done     chan struct{}
	stop     sync.Once
}

// NewTracker creates a Tracker and starts its eviction sweeper. Sessions
// whose last keep-alive is older than ttl are dropped as if they had left.
func NewTracker(ttl time.Duration) *Tracker {
	t := &Tracker{
		channels: make(map[string]*channelState),
		ttl:      ttl,
		done:     make(chan struct{}),
	}
	go t.sweeper()
	return t
}

// Close stops the eviction sweeper.
func (t *Tracker) Close() {
	t.stop.Do(func() { close(t.done) })
}

// Track registers a session in the channel and returns its handle. The
// session announces {user_id, is_typing=false, online_at=now} immediately.
func (t *Tracker) Track(channel, sessionID, userID string) *Session {
	now := time.Now()
	t.mu.Lock()
	ch := t.channel(channel)
	ch.sessions[sessionID] = &session{
		payload:  Payload{UserID: userID, OnlineAt: now},
		lastSeen: now,
	}
	snap := snapshotLocked(ch)
	watchers := watchersLocked(ch)
	t.mu.Unlock()

	notify(watchers, snap)
	return &Session{tracker: t, channel: channel, id: sessionID}
}

// Watch subscribes to sync snapshots for the channel. The returned handle
// must be closed on teardown.
func (t *Tracker) Watch(channel string) *Watcher {
	w := &Watcher{
		tracker: t,
		channel: channel,
		ch:      make(chan Snapshot, 1),
	}
	t.mu.Lock()
	ch := t.channel(channel)
	ch.watchers[w] = struct{}{}
	snap := snapshotLocked(ch)
	t.mu.Unlock()

	// Seed the watcher with the current aggregate so a late joiner does not
	// wait for the next change.
	w.push(snap)
	return w
}

// SnapshotOf returns the current aggregate of a channel.
func (t *Tracker) SnapshotOf(channel string) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.channels[channel]
	if !ok {
		return nil
	}
	return snapshotLocked(ch)
}

// Sessions reports the number of live sessions across all channels.
func (t *Tracker) Sessions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, ch := range t.channels {
		total += len(ch.sessions)
	}
	return total
}

// Watchers reports the number of live watchers across all channels.
func (t *Tracker) Watchers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, ch := range t.channels {
		total += len(ch.watchers)
	}
	return total
}

func (t *Tracker) channel(name string) *channelState {
	ch, ok := t.channels[name]
	if !ok {
		ch = &channelState{
			sessions: make(map[string]*session),
			watchers: make(map[*Watcher]struct{}),
		}
		t.channels[name] = ch
	}
	return ch
}

func (t *Tracker) setTyping(channel, sessionID string, typing bool) {
	t.mu.Lock()
	ch, ok := t.channels[channel]
	if !ok {
		t.mu.Unlock()
		return
	}
	sess, ok := ch.sessions[sessionID]
	if !ok {
		t.mu.Unlock()
		return
	}
	sess.payload.IsTyping = typing
	sess.lastSeen = time.Now()
	snap := snapshotLocked(ch)
	watchers := watchersLocked(ch)
	t.mu.Unlock()

	notify(watchers, snap)
}

func (t *Tracker) heartbeat(channel, sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.channels[channel]; ok {
		if sess, ok := ch.sessions[sessionID]; ok {
			sess.lastSeen = time.Now()
		}
	}
}

func (t *Tracker) leave(channel, sessionID string) {
	t.mu.Lock()
	ch, ok := t.channels[channel]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(ch.sessions, sessionID)
	snap := snapshotLocked(ch)
	watchers := watchersLocked(ch)
	t.dropIfEmptyLocked(channel, ch)
	t.mu.Unlock()

	notify(watchers, snap)
}

func (t *Tracker) removeWatcher(w *Watcher) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.channels[w.channel]; ok {
		delete(ch.watchers, w)
		t.dropIfEmptyLocked(w.channel, ch)
	}
}

func (t *Tracker) dropIfEmptyLocked(name string, ch *channelState) {
	if len(ch.sessions) == 0 && len(ch.watchers) == 0 {
		delete(t.channels, name)
	}
}

func (t *Tracker) sweeper() {
	interval := t.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.sweep(time.Now())
		case <-t.done:
			return
		}
	}
}

// sweep evicts sessions whose keep-alive expired before now.
func (t *Tracker) sweep(now time.Time) {
	type change struct {
		watchers []*Watcher
		snap     Snapshot
	}
	var changes []change

	t.mu.Lock()
	for name, ch := range t.channels {
		evicted := false
		for id, sess := range ch.sessions {
			if now.Sub(sess.lastSeen) > t.ttl {
				delete(ch.sessions, id)
				evicted = true
			}
		}
		if evicted {
			changes = append(changes, change{watchers: watchersLocked(ch), snap: snapshotLocked(ch)})
			t.dropIfEmptyLocked(name, ch)
		}
	}
	t.mu.Unlock()

	for _, c := range changes {
		notify(c.watchers, c.snap)
	}
}

func snapshotLocked(ch *channelState) Snapshot {
	snap := make(Snapshot, 0, len(ch.sessions))
	for _, sess := range ch.sessions {
		snap = append(snap, sess.payload)
	}
	return snap
}

func watchersLocked(ch *channelState) []*Watcher {
	ws := make([]*Watcher, 0, len(ch.watchers))
	for w := range ch.watchers {
		ws = append(ws, w)
	}
	return ws
}

func notify(watchers []*Watcher, snap Snapshot) {
	for _, w := range watchers {
		w.push(snap)
	}
}

// Session is the handle a connected client holds on its tracked presence.
type Session struct {
	tracker *Tracker
	channel string
	id      string
	once    sync.Once
}

// SetTyping updates the typing flag and counts as a keep-alive.
func (s *Session) SetTyping(typing bool) {
	s.tracker.setTyping(s.channel, s.id, typing)
}

// Heartbeat refreshes the keep-alive without changing state.
func (s *Session) Heartbeat() {
	s.tracker.heartbeat(s.channel, s.id)
}

// Leave removes the session. Safe to call more than once.
func (s *Session) Leave() {
	s.once.Do(func() { s.tracker.leave(s.channel, s.id) })
}

// Watcher receives sync snapshots for one channel. Snapshots are coalesced:
// if the consumer lags, it sees only the latest aggregate, which is always
// the complete state.
type Watcher struct {
	tracker *Tracker
	channel string
	ch      chan Snapshot
	once    sync.Once
}

// C delivers the latest snapshot after each change.
func (w *Watcher) C() <-chan Snapshot {
	return w.ch
}

// Close unregisters the watcher.
func (w *Watcher) Close() {
	w.once.Do(func() { w.tracker.removeWatcher(w) })
}

func (w *Watcher) push(snap Snapshot) {
	for {
		select {
		case w.ch <- snap:
			return
		default:
			// Replace the stale pending snapshot with the fresh one.
			select {
			case <-w.ch:
			default:
			}
		}
	}
}
