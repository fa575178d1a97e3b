// Package client implements the view-side reconciler: it merges optimistic
// local sends with confirmed server state and keeps one or more open
// conversation views consistent under at-least-once, unordered event
// delivery from the change feed.
package client

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"marketplace-chat/internal/bus"
	"marketplace-chat/internal/models"
	"marketplace-chat/internal/presence"
)

// Store is the slice of the message store a view needs.
type Store interface {
	Insert(ctx context.Context, msg models.NewMessage) (models.Message, error)
	Range(ctx context.Context, userA, userB string) ([]models.Message, error)
	MarkRead(ctx context.Context, reader, other string) (int64, error)
}

// Previews supplies the inbox preview list.
type Previews interface {
	ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error)
}

// State is the lifecycle of a conversation view.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
)

var ErrViewClosed = errors.New("conversation view is not open")

// Entry is one transcript row: either a confirmed message or an optimistic
// pending send awaiting its server echo.
type Entry struct {
	models.Message
	Pending bool `json:"pending"`

	localTag string
}

// ConversationView owns the transcript of one open conversation plus the
// user's preview list. All subscriptions it takes are explicit handles
// released deterministically on Close; nothing is stashed in ambient state.
type ConversationView struct {
	self     string
	store    Store
	previews Previews
	bus      *bus.Bus
	tracker  *presence.Tracker

	mu          sync.Mutex
	state       State
	gen         uint64
	key         models.ConversationKey
	adID        string
	channel     string
	transcript  []Entry
	seen        map[string]struct{}
	previewList []models.ConversationSummary
	draft       string
	sendErr     error
	stale       bool
	peerTyping  bool

	sub     *bus.Subscription
	session *presence.Session
	watcher *presence.Watcher
	done    chan struct{}

	typing *debouncer
}

// NewConversationView builds a view for the given user. typingDebounce is
// the quiet period after the last keystroke before is_typing flips back.
func NewConversationView(self string, st Store, pv Previews, b *bus.Bus, tracker *presence.Tracker, typingDebounce time.Duration) *ConversationView {
	v := &ConversationView{
		self:     self,
		store:    st,
		previews: pv,
		bus:      b,
		tracker:  tracker,
		seen:     make(map[string]struct{}),
	}
	v.typing = newDebouncer(typingDebounce, v.broadcastTyping)
	return v
}

// Open loads the conversation with counterpart and wires it to the change
// feed and presence channel. The view reaches StateOpen only once both the
// historical fetch and the subscriptions are established; any failure rolls
// back to StateClosed and is returned, never swallowed.
func (v *ConversationView) Open(ctx context.Context, counterpart string) error {
	return v.open(ctx, counterpart, "")
}

// OpenForAd is the embedded-widget variant: presence is partitioned per
// ad+pair instead of per pair, while messages still flow through the single
// pair conversation.
func (v *ConversationView) OpenForAd(ctx context.Context, counterpart, adID string) error {
	return v.open(ctx, counterpart, adID)
}

func (v *ConversationView) open(ctx context.Context, counterpart, adID string) error {
	v.mu.Lock()
	v.releaseLocked()
	v.gen++
	gen := v.gen
	v.state = StateOpening
	v.key = models.NewConversationKey(v.self, counterpart)
	v.adID = adID
	if adID != "" {
		v.channel = v.key.ChannelForAd(adID)
	} else {
		v.channel = v.key.Channel()
	}
	v.transcript = nil
	v.seen = make(map[string]struct{})
	v.peerTyping = false
	v.mu.Unlock()

	// Subscribe before fetching so a message inserted during the fetch
	// window queues on the subscription instead of vanishing: there is no
	// replay on the feed, so an event missed here would be lost for good.
	// The seen map reconciles the overlap between queue and history.
	sub := v.bus.Subscribe()
	watcher := v.tracker.Watch(v.channel)
	session := v.tracker.Track(v.channel, uuid.NewString(), v.self)

	history, err := v.store.Range(ctx, v.self, counterpart)
	if err != nil {
		sub.Close()
		watcher.Close()
		session.Leave()
		v.mu.Lock()
		if v.gen == gen {
			v.state = StateClosed
		}
		v.mu.Unlock()
		return err
	}

	done := make(chan struct{})

	v.mu.Lock()
	if v.gen != gen {
		// The view moved on while the fetch was in flight: a newer Open or
		// Close superseded this one. Discard the late result and release
		// everything we just acquired.
		v.mu.Unlock()
		sub.Close()
		watcher.Close()
		session.Leave()
		return nil
	}
	for _, m := range history {
		v.seen[m.ID] = struct{}{}
		v.transcript = append(v.transcript, Entry{Message: m})
	}
	v.sortLocked()
	v.sub = sub
	v.watcher = watcher
	v.session = session
	v.done = done
	v.state = StateOpen
	v.mu.Unlock()

	go v.loop(ctx, gen, sub, watcher, done)
	go v.markRead(ctx, counterpart)
	go v.refreshPreviews(ctx)
	return nil
}

// Close tears the view down, releasing the change-feed subscription and the
// presence session. Idempotent.
func (v *ConversationView) Close() {
	v.mu.Lock()
	v.gen++
	v.releaseLocked()
	v.mu.Unlock()
	v.typing.Cancel()
}

// releaseLocked detaches and closes all handles. Caller holds v.mu.
func (v *ConversationView) releaseLocked() {
	if v.done != nil {
		close(v.done)
		v.done = nil
	}
	if v.sub != nil {
		v.sub.Close()
		v.sub = nil
	}
	if v.watcher != nil {
		v.watcher.Close()
		v.watcher = nil
	}
	if v.session != nil {
		v.session.Leave()
		v.session = nil
	}
	v.state = StateClosed
}

func (v *ConversationView) loop(ctx context.Context, gen uint64, sub *bus.Subscription, watcher *presence.Watcher, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case ev := <-sub.C():
			v.handleEvent(ctx, gen, ev)
		case snap := <-watcher.C():
			v.handleSnapshot(gen, snap)
		}
	}
}

func (v *ConversationView) handleEvent(ctx context.Context, gen uint64, ev models.Event) {
	v.mu.Lock()
	if v.gen != gen || v.state != StateOpen {
		v.mu.Unlock()
		return
	}

	markRead := ""
	switch ev.Kind {
	case models.EventMessageCreated:
		if ev.Message == nil {
			break
		}
		m := *ev.Message
		if !v.key.Matches(m) {
			break
		}
		if _, dup := v.seen[m.ID]; dup {
			// At-least-once delivery: the echo of an optimistic send or a
			// straight duplicate. Either way the transcript already has it.
			break
		}
		v.seen[m.ID] = struct{}{}
		v.transcript = append(v.transcript, Entry{Message: m})
		v.sortLocked()
		if m.ReceiverID == v.self {
			// New message into the active conversation: mark it read now.
			markRead = m.SenderID
		}
	case models.EventMessagesRead:
		for i := range v.transcript {
			e := &v.transcript[i]
			if e.ReceiverID == ev.ReaderID && e.SenderID == ev.OtherID {
				e.IsRead = true
			}
		}
	}
	v.mu.Unlock()

	if markRead != "" {
		v.markRead(ctx, markRead)
	}
	// Every event can change a background conversation's preview, so the
	// list is refreshed unconditionally.
	v.refreshPreviews(ctx)
}

func (v *ConversationView) handleSnapshot(gen uint64, snap presence.Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.gen != gen || v.state != StateOpen {
		return
	}
	v.peerTyping = snap.Typing(v.key.Counterpart(v.self))
}

// Send submits a text message optimistically: the draft is cleared and a
// pending entry appended before the insert round-trips. The confirmed
// record replaces the pending entry by local tag and registers its id so
// the change-feed echo is deduplicated instead of appended twice.
func (v *ConversationView) Send(ctx context.Context, content string) error {
	return v.send(ctx, models.NewMessage{
		SenderID: v.self,
		Content:  content,
		Type:     models.TypeText,
	})
}

// SendImage submits an image message referencing an already-uploaded
// attachment URL.
func (v *ConversationView) SendImage(ctx context.Context, attachmentURL string) error {
	return v.send(ctx, models.NewMessage{
		SenderID:      v.self,
		Type:          models.TypeImage,
		AttachmentURL: &attachmentURL,
	})
}

func (v *ConversationView) send(ctx context.Context, msg models.NewMessage) error {
	v.mu.Lock()
	if v.state != StateOpen {
		v.mu.Unlock()
		return ErrViewClosed
	}
	msg.ReceiverID = v.key.Counterpart(v.self)
	if v.adID != "" {
		adID := v.adID
		msg.AdID = &adID
	}
	if err := msg.Validate(); err != nil {
		v.mu.Unlock()
		return err
	}

	prevDraft := v.draft
	v.draft = ""
	tag := uuid.NewString()
	v.transcript = append(v.transcript, Entry{
		Message: models.Message{
			SenderID:      msg.SenderID,
			ReceiverID:    msg.ReceiverID,
			AdID:          msg.AdID,
			Content:       msg.Content,
			Type:          msg.Type,
			AttachmentURL: msg.AttachmentURL,
			CreatedAt:     time.Now(),
		},
		Pending:  true,
		localTag: tag,
	})
	gen := v.gen
	v.mu.Unlock()

	v.typing.Cancel()

	created, err := v.store.Insert(ctx, msg)

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.gen != gen {
		return err
	}
	if err != nil {
		// Never silently drop user input: take the pending entry back out
		// and restore the draft unless the user already typed a new one.
		v.removePendingLocked(tag)
		if v.draft == "" {
			v.draft = prevDraft
		}
		v.sendErr = err
		return err
	}
	for i := range v.transcript {
		if v.transcript[i].localTag == tag {
			v.transcript[i] = Entry{Message: created}
			break
		}
	}
	v.seen[created.ID] = struct{}{}
	v.sortLocked()
	return nil
}

func (v *ConversationView) removePendingLocked(tag string) {
	for i := range v.transcript {
		if v.transcript[i].localTag == tag {
			v.transcript = append(v.transcript[:i], v.transcript[i+1:]...)
			return
		}
	}
}

// InputChanged records the draft text and drives the typing protocol:
// is_typing broadcasts true immediately and decays to false after the
// debounce period with no further input.
func (v *ConversationView) InputChanged(text string) {
	v.mu.Lock()
	v.draft = text
	open := v.state == StateOpen
	v.mu.Unlock()
	if open {
		v.typing.Input()
	}
}

func (v *ConversationView) broadcastTyping(typing bool) {
	v.mu.Lock()
	session := v.session
	v.mu.Unlock()
	if session != nil {
		session.SetTyping(typing)
	}
}

func (v *ConversationView) markRead(ctx context.Context, other string) {
	if _, err := v.store.MarkRead(ctx, v.self, other); err != nil {
		log.Warn().Err(err).Str("user_id", v.self).Msg("mark read failed")
	}
}

func (v *ConversationView) refreshPreviews(ctx context.Context) {
	list, err := v.previews.ListConversations(ctx, v.self)

	v.mu.Lock()
	defer v.mu.Unlock()
	if err != nil {
		// Degrade to a stale indicator rather than tearing the view down.
		v.stale = true
		return
	}
	v.stale = false
	v.previewList = list
}

func (v *ConversationView) sortLocked() {
	sort.SliceStable(v.transcript, func(i, j int) bool {
		return v.transcript[i].Message.Before(v.transcript[j].Message)
	})
}

// State returns the view lifecycle state.
func (v *ConversationView) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Transcript returns a copy of the rendered thread, always sorted by
// created_at regardless of arrival order.
func (v *ConversationView) Transcript() []Entry {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Entry, len(v.transcript))
	copy(out, v.transcript)
	return out
}

// Previews returns a copy of the inbox preview list.
func (v *ConversationView) Previews() []models.ConversationSummary {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]models.ConversationSummary, len(v.previewList))
	copy(out, v.previewList)
	return out
}

// Draft returns the current input text.
func (v *ConversationView) Draft() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.draft
}

// PeerTyping reports whether any of the counterpart's sessions is typing.
func (v *ConversationView) PeerTyping() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.peerTyping
}

// Stale reports whether the view may be showing outdated state because a
// refresh failed.
func (v *ConversationView) Stale() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stale
}

// SendError returns the last failed send, if not yet dismissed.
func (v *ConversationView) SendError() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sendErr
}

// DismissSendError clears the send failure indicator.
func (v *ConversationView) DismissSendError() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sendErr = nil
}
