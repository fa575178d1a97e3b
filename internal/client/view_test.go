package client

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-chat/internal/bus"
	"marketplace-chat/internal/models"
	"marketplace-chat/internal/presence"
)

type fakeStore struct {
	mu        sync.Mutex
	history   map[string][]models.Message
	rangeGate map[string]chan struct{}
	rangeErr  error
	insertErr error
	inserted  []models.NewMessage
	markReads chan [2]string
	nextID    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		history:   make(map[string][]models.Message),
		rangeGate: make(map[string]chan struct{}),
		markReads: make(chan [2]string, 64),
	}
}

func (f *fakeStore) Insert(ctx context.Context, msg models.NewMessage) (models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return models.Message{}, f.insertErr
	}
	f.inserted = append(f.inserted, msg)
	f.nextID++
	return models.Message{
		ID:            fmt.Sprintf("srv-%d", f.nextID),
		SenderID:      msg.SenderID,
		ReceiverID:    msg.ReceiverID,
		AdID:          msg.AdID,
		Content:       msg.Content,
		Type:          msg.Type,
		AttachmentURL: msg.AttachmentURL,
		CreatedAt:     time.Now(),
	}, nil
}

func (f *fakeStore) Range(ctx context.Context, userA, userB string) ([]models.Message, error) {
	f.mu.Lock()
	gate := f.rangeGate[userB]
	err := f.rangeErr
	msgs := append([]models.Message(nil), f.history[userB]...)
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (f *fakeStore) MarkRead(ctx context.Context, reader, other string) (int64, error) {
	f.markReads <- [2]string{reader, other}
	return 1, nil
}

type fakePreviews struct {
	mu   sync.Mutex
	list []models.ConversationSummary
	err  error
}

func (f *fakePreviews) ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]models.ConversationSummary(nil), f.list...), nil
}

func (f *fakePreviews) set(list []models.ConversationSummary, err error) {
	f.mu.Lock()
	f.list = list
	f.err = err
	f.mu.Unlock()
}

type viewFixture struct {
	store    *fakeStore
	previews *fakePreviews
	feed     *bus.Bus
	tracker  *presence.Tracker
	view     *ConversationView
}

func newViewFixture(t *testing.T) *viewFixture {
	t.Helper()
	f := &viewFixture{
		store:    newFakeStore(),
		previews: &fakePreviews{},
		feed:     bus.New(),
		tracker:  presence.NewTracker(time.Minute),
	}
	t.Cleanup(f.tracker.Close)
	f.view = NewConversationView("alice", f.store, f.previews, f.feed, f.tracker, 25*time.Millisecond)
	t.Cleanup(f.view.Close)
	return f
}

func msgAt(id, sender, receiver string, at time.Time) models.Message {
	return models.Message{ID: id, SenderID: sender, ReceiverID: receiver, Content: id, Type: models.TypeText, CreatedAt: at}
}

func transcriptIDs(v *ConversationView) []string {
	entries := v.Transcript()
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	return ids
}

func TestOpenLoadsHistorySortedAndMarksRead(t *testing.T) {
	f := newViewFixture(t)
	base := time.Now()
	f.store.history["bob"] = []models.Message{
		msgAt("m2", "bob", "alice", base.Add(time.Minute)),
		msgAt("m1", "alice", "bob", base),
	}

	require.NoError(t, f.view.Open(context.Background(), "bob"))
	assert.Equal(t, StateOpen, f.view.State())
	assert.Equal(t, []string{"m1", "m2"}, transcriptIDs(f.view))

	select {
	case call := <-f.store.markReads:
		assert.Equal(t, [2]string{"alice", "bob"}, call, "opening a conversation marks it read")
	case <-time.After(time.Second):
		t.Fatal("expected mark read on open")
	}
}

func TestOpenFetchFailureRollsBack(t *testing.T) {
	f := newViewFixture(t)
	f.store.rangeErr = assert.AnError

	err := f.view.Open(context.Background(), "bob")
	require.Error(t, err)
	assert.Equal(t, StateClosed, f.view.State())
	assert.Equal(t, 0, f.feed.Subscribers())
	assert.Equal(t, 0, f.tracker.Sessions())
}

func TestOutOfOrderDeliveryRendersSorted(t *testing.T) {
	f := newViewFixture(t)
	require.NoError(t, f.view.Open(context.Background(), "bob"))

	base := time.Now()
	m1 := msgAt("m1", "bob", "alice", base)
	m2 := msgAt("m2", "alice", "bob", base.Add(time.Second))
	m3 := msgAt("m3", "bob", "alice", base.Add(2*time.Second))

	// Network jitter: t2 arrives before t1.
	for _, m := range []models.Message{m2, m1, m3} {
		m := m
		f.feed.Publish(models.Event{Kind: models.EventMessageCreated, Message: &m})
	}

	require.Eventually(t, func() bool {
		ids := transcriptIDs(f.view)
		return len(ids) == 3 && ids[0] == "m1" && ids[1] == "m2" && ids[2] == "m3"
	}, time.Second, 5*time.Millisecond, "transcript renders in created_at order regardless of arrival order")
}

func TestDuplicateDeliveryDeduped(t *testing.T) {
	f := newViewFixture(t)
	require.NoError(t, f.view.Open(context.Background(), "bob"))

	m := msgAt("m1", "bob", "alice", time.Now())
	f.feed.Publish(models.Event{Kind: models.EventMessageCreated, Message: &m})
	f.feed.Publish(models.Event{Kind: models.EventMessageCreated, Message: &m})

	require.Eventually(t, func() bool {
		return len(f.view.Transcript()) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.view.Transcript(), 1, "duplicate delivery must not duplicate the transcript entry")
}

func TestIncomingMessageMarksActiveConversationRead(t *testing.T) {
	f := newViewFixture(t)
	require.NoError(t, f.view.Open(context.Background(), "bob"))
	<-f.store.markReads // the open-time call

	m := msgAt("m1", "bob", "alice", time.Now())
	f.feed.Publish(models.Event{Kind: models.EventMessageCreated, Message: &m})

	select {
	case call := <-f.store.markReads:
		assert.Equal(t, [2]string{"alice", "bob"}, call)
	case <-time.After(time.Second):
		t.Fatal("expected mark read for message received into the active view")
	}
}

func TestOptimisticSendReconciledByID(t *testing.T) {
	f := newViewFixture(t)
	require.NoError(t, f.view.Open(context.Background(), "bob"))

	f.view.InputChanged("hi bob")
	require.NoError(t, f.view.Send(context.Background(), "hi bob"))

	assert.Empty(t, f.view.Draft(), "input is cleared on submit")
	entries := f.view.Transcript()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Pending)
	assert.Equal(t, "srv-1", entries[0].ID)

	// The change-feed echo of the confirmed record must be deduplicated.
	echo := entries[0].Message
	f.feed.Publish(models.Event{Kind: models.EventMessageCreated, Message: &echo})
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.view.Transcript(), 1)
}

func TestSendFailureRestoresInput(t *testing.T) {
	f := newViewFixture(t)
	require.NoError(t, f.view.Open(context.Background(), "bob"))
	f.store.insertErr = assert.AnError

	f.view.InputChanged("precious words")
	err := f.view.Send(context.Background(), "precious words")
	require.Error(t, err)

	assert.Empty(t, f.view.Transcript(), "failed pending entry is removed")
	assert.Equal(t, "precious words", f.view.Draft(), "user input is never silently dropped")
	assert.Error(t, f.view.SendError())

	f.view.DismissSendError()
	assert.NoError(t, f.view.SendError())
}

func TestSendImageCarriesAttachmentURL(t *testing.T) {
	f := newViewFixture(t)
	require.NoError(t, f.view.Open(context.Background(), "bob"))

	require.NoError(t, f.view.SendImage(context.Background(), "https://cdn.example.com/attachments/a.png"))

	entries := f.view.Transcript()
	require.Len(t, entries, 1)
	assert.Equal(t, models.TypeImage, entries[0].Type)
	require.NotNil(t, entries[0].AttachmentURL)
	assert.Equal(t, "https://cdn.example.com/attachments/a.png", *entries[0].AttachmentURL)
}

func TestSendRequiresOpenView(t *testing.T) {
	f := newViewFixture(t)
	assert.ErrorIs(t, f.view.Send(context.Background(), "hello"), ErrViewClosed)
}

func TestSendValidatesBeforeNetwork(t *testing.T) {
	f := newViewFixture(t)
	require.NoError(t, f.view.Open(context.Background(), "bob"))

	err := f.view.Send(context.Background(), "")
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Empty(t, f.store.inserted, "validation failures never reach the store")
}

func TestEventDuringOpenFetchNotLost(t *testing.T) {
	f := newViewFixture(t)
	gate := make(chan struct{})
	f.store.rangeGate["bob"] = gate

	done := make(chan error, 1)
	go func() { done <- f.view.Open(context.Background(), "bob") }()
	time.Sleep(20 * time.Millisecond) // the history fetch is now in flight

	m := msgAt("m1", "bob", "alice", time.Now())
	f.feed.Publish(models.Event{Kind: models.EventMessageCreated, Message: &m})

	close(gate)
	require.NoError(t, <-done)
	require.Equal(t, StateOpen, f.view.State())

	require.Eventually(t, func() bool {
		ids := transcriptIDs(f.view)
		return len(ids) == 1 && ids[0] == "m1"
	}, time.Second, 5*time.Millisecond, "a message inserted while history is loading must still reach the transcript")
}

func TestStaleFetchDiscardedOnConversationSwitch(t *testing.T) {
	f := newViewFixture(t)
	base := time.Now()
	f.store.history["bob"] = []models.Message{msgAt("bob-1", "bob", "alice", base)}
	f.store.history["carol"] = []models.Message{msgAt("carol-1", "carol", "alice", base)}

	gate := make(chan struct{})
	f.store.rangeGate["bob"] = gate

	done := make(chan error, 1)
	go func() { done <- f.view.Open(context.Background(), "bob") }()
	time.Sleep(20 * time.Millisecond) // first fetch is now in flight

	require.NoError(t, f.view.Open(context.Background(), "carol"))
	close(gate)
	require.NoError(t, <-done)

	assert.Equal(t, []string{"carol-1"}, transcriptIDs(f.view), "late fetch for the previous conversation is discarded")
	require.Eventually(t, func() bool {
		return f.feed.Subscribers() == 1 && f.tracker.Sessions() == 1
	}, time.Second, 5*time.Millisecond, "the superseded open releases everything it acquired")
}

func TestCloseReleasesSubscriptions(t *testing.T) {
	f := newViewFixture(t)
	require.NoError(t, f.view.Open(context.Background(), "bob"))
	require.Equal(t, 1, f.feed.Subscribers())
	require.Equal(t, 1, f.tracker.Sessions())

	f.view.Close()
	assert.Equal(t, StateClosed, f.view.State())
	assert.Equal(t, 0, f.feed.Subscribers())
	assert.Equal(t, 0, f.tracker.Sessions())

	f.view.Close() // idempotent
	assert.Equal(t, 0, f.feed.Subscribers())
}

func TestPeerTypingAggregatesCounterpartSessions(t *testing.T) {
	f := newViewFixture(t)
	require.NoError(t, f.view.Open(context.Background(), "bob"))

	channel := models.NewConversationKey("alice", "bob").Channel()
	tab1 := f.tracker.Track(channel, "tab1", "bob")
	defer tab1.Leave()
	tab2 := f.tracker.Track(channel, "tab2", "bob")
	defer tab2.Leave()

	tab1.SetTyping(true)
	require.Eventually(t, func() bool { return f.view.PeerTyping() }, time.Second, 5*time.Millisecond)

	tab1.SetTyping(false)
	tab2.SetTyping(true)
	time.Sleep(50 * time.Millisecond)
	assert.True(t, f.view.PeerTyping(), "any typing session of the counterpart wins")

	tab2.SetTyping(false)
	require.Eventually(t, func() bool { return !f.view.PeerTyping() }, time.Second, 5*time.Millisecond)
}

func TestReadEventUpdatesTranscript(t *testing.T) {
	f := newViewFixture(t)
	f.store.history["bob"] = []models.Message{msgAt("m1", "alice", "bob", time.Now())}
	require.NoError(t, f.view.Open(context.Background(), "bob"))

	f.feed.Publish(models.Event{Kind: models.EventMessagesRead, ReaderID: "bob", OtherID: "alice"})

	require.Eventually(t, func() bool {
		entries := f.view.Transcript()
		return len(entries) == 1 && entries[0].IsRead
	}, time.Second, 5*time.Millisecond)
}

func TestBackgroundEventRefreshesPreviews(t *testing.T) {
	f := newViewFixture(t)
	require.NoError(t, f.view.Open(context.Background(), "bob"))

	f.previews.set([]models.ConversationSummary{
		{CounterpartID: "bob"},
		{CounterpartID: "carol"},
	}, nil)

	// An event for a background conversation still refreshes the list.
	m := msgAt("m9", "carol", "alice", time.Now())
	f.feed.Publish(models.Event{Kind: models.EventMessageCreated, Message: &m})

	require.Eventually(t, func() bool {
		return len(f.view.Previews()) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestPreviewRefreshFailureSetsStale(t *testing.T) {
	f := newViewFixture(t)
	require.NoError(t, f.view.Open(context.Background(), "bob"))

	f.previews.set(nil, assert.AnError)
	m := msgAt("m1", "bob", "alice", time.Now())
	f.feed.Publish(models.Event{Kind: models.EventMessageCreated, Message: &m})

	require.Eventually(t, func() bool { return f.view.Stale() }, time.Second, 5*time.Millisecond)

	f.previews.set([]models.ConversationSummary{{CounterpartID: "bob"}}, nil)
	m2 := msgAt("m2", "bob", "alice", time.Now())
	f.feed.Publish(models.Event{Kind: models.EventMessageCreated, Message: &m2})

	require.Eventually(t, func() bool { return !f.view.Stale() }, time.Second, 5*time.Millisecond)
}

func TestOpenForAdPartitionsPresenceAndTagsSends(t *testing.T) {
	f := newViewFixture(t)
	require.NoError(t, f.view.OpenForAd(context.Background(), "bob", "42"))

	channel := models.NewConversationKey("alice", "bob").ChannelForAd("42")
	assert.True(t, f.tracker.SnapshotOf(channel).Online("alice"))
	assert.Nil(t, f.tracker.SnapshotOf(models.NewConversationKey("alice", "bob").Channel()))

	require.NoError(t, f.view.Send(context.Background(), "is it available?"))
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	require.Len(t, f.store.inserted, 1)
	require.NotNil(t, f.store.inserted[0].AdID)
	assert.Equal(t, "42", *f.store.inserted[0].AdID)
}
