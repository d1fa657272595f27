package chat_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/heartline/realtime/internal/chat"
	"github.com/heartline/realtime/internal/domain"
	"github.com/heartline/realtime/internal/domain/domaintest"
	"github.com/heartline/realtime/internal/eventbus"
	"github.com/heartline/realtime/internal/gate"
	"github.com/heartline/realtime/internal/notify"
	"github.com/heartline/realtime/internal/presence"
	"github.com/heartline/realtime/internal/protocol"
	"github.com/heartline/realtime/internal/registry"
	"github.com/heartline/realtime/internal/registry/registrytest"
	"github.com/heartline/realtime/internal/store"
	"github.com/heartline/realtime/internal/store/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	alice domain.UserID = 1
	bob   domain.UserID = 2
	carol domain.UserID = 3
)

// countingBus records published kinds before handing events to the real bus.
type countingBus struct {
	next *eventbus.Bus
	mu   sync.Mutex
	seen []eventbus.Kind
}

func (c *countingBus) Publish(ctx context.Context, ev eventbus.Event) (eventbus.Report, error) {
	c.mu.Lock()
	c.seen = append(c.seen, ev.Kind())
	c.mu.Unlock()
	return c.next.Publish(ctx, ev)
}

func (c *countingBus) count(k eventbus.Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.seen {
		if s == k {
			n++
		}
	}
	return n
}

type fixture struct {
	store   store.RelationshipStore
	reg     *registry.Registry
	topics  *presence.Topics
	agg     *notify.Memory
	bus     *countingBus
	clock   *domaintest.FakeClock
	service *chat.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, nil)
}

func newFixtureWithStore(t *testing.T, st store.RelationshipStore) *fixture {
	t.Helper()
	clock := domaintest.NewFakeClock(time.Date(2024, 2, 14, 12, 0, 0, 0, time.UTC))
	if st == nil {
		st = memory.New(clock)
	}
	reg := registry.New(registry.WithClock(clock))
	topics := presence.NewTopics()
	agg := notify.NewMemory(4)
	bus := &countingBus{next: eventbus.New(reg, topics, agg, nil)}
	tracker := presence.NewTracker(bus, topics, reg, nil, nil)
	reg.SetOnTransition(tracker.HandleTransition)

	svc := chat.NewService(st, gate.New(st, nil), bus, agg, tracker, chat.WithClock(clock))
	return &fixture{store: st, reg: reg, topics: topics, agg: agg, bus: bus, clock: clock, service: svc}
}

func (f *fixture) connect(user domain.UserID, id string) (*registry.Handle, *registrytest.Session) {
	s := registrytest.NewSession(id)
	return f.reg.Register(user, s), s
}

func TestBlockDeniesMessagesInBothDirections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.service.CreateBlock(ctx, alice, bob))

	_, err := f.service.SendMessage(ctx, alice, bob, "hi")
	assert.ErrorIs(t, err, domain.ErrRelationshipDenied)
	_, err = f.service.SendMessage(ctx, bob, alice, "hi")
	assert.ErrorIs(t, err, domain.ErrRelationshipDenied)
	assert.Zero(t, f.bus.count(eventbus.KindMessageSent))
}

func TestMutualLikeProducesExactlyOneMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, a := f.connect(alice, "a")
	_, b := f.connect(bob, "b")

	matched, err := f.service.CreateLike(ctx, alice, bob)
	require.NoError(t, err)
	assert.False(t, matched)

	matched, err = f.service.CreateLike(ctx, bob, alice)
	require.NoError(t, err)
	assert.True(t, matched)

	assert.Equal(t, 1, f.bus.count(eventbus.KindMatchDetected))
	require.Len(t, a.OfType(protocol.TypeMatched), 1)
	require.Len(t, b.OfType(protocol.TypeMatched), 1)
	assert.EqualValues(t, bob, a.OfType(protocol.TypeMatched)[0]["with"])
	assert.EqualValues(t, alice, b.OfType(protocol.TypeMatched)[0]["with"])

	// Liking again is a duplicate and matches nothing.
	_, err = f.service.CreateLike(ctx, alice, bob)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	assert.Equal(t, 1, f.bus.count(eventbus.KindMatchDetected))
}

func TestUnlikeThenRelikeMatchesOnceMore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.CreateLike(ctx, alice, bob)
	require.NoError(t, err)
	_, err = f.service.CreateLike(ctx, bob, alice)
	require.NoError(t, err)

	require.NoError(t, f.service.DeleteLike(ctx, alice, bob))
	assert.Equal(t, 1, f.bus.count(eventbus.KindMatchDetected), "deleting a like produces no match")
	assert.Equal(t, 1, f.bus.count(eventbus.KindLikeDeleted))

	matched, err := f.service.CreateLike(ctx, alice, bob)
	require.NoError(t, err)
	assert.True(t, matched)
	assert.Equal(t, 2, f.bus.count(eventbus.KindMatchDetected))
}

func TestConcurrentMutualLikesMatchOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		var matches atomic.Int32
		for _, pair := range [][2]domain.UserID{{alice, bob}, {bob, alice}} {
			wg.Add(1)
			go func(from, to domain.UserID) {
				defer wg.Done()
				if ok, err := f.service.CreateLike(ctx, from, to); err == nil && ok {
					matches.Add(1)
				}
			}(pair[0], pair[1])
		}
		wg.Wait()

		assert.EqualValues(t, 1, matches.Load())
		assert.Equal(t, 1, f.bus.count(eventbus.KindMatchDetected))
	}
}

func TestBlockedPairDoesNotMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.CreateLike(ctx, alice, bob)
	require.NoError(t, err)
	require.NoError(t, f.service.CreateBlock(ctx, alice, bob))

	_, err = f.service.CreateLike(ctx, bob, alice)
	assert.ErrorIs(t, err, domain.ErrRelationshipDenied)
	assert.Zero(t, f.bus.count(eventbus.KindMatchDetected))
}

func TestSelfActionsAreRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.CreateLike(ctx, alice, alice)
	assert.ErrorIs(t, err, domain.ErrSelfAction)
	assert.ErrorIs(t, f.service.CreateBlock(ctx, alice, alice), domain.ErrSelfAction)
	_, err = f.service.CreateReport(ctx, alice, alice, "spam")
	assert.ErrorIs(t, err, domain.ErrSelfAction)
	_, err = f.service.SendMessage(ctx, alice, alice, "me")
	assert.ErrorIs(t, err, domain.ErrSelfAction)
	assert.Empty(t, f.bus.seen)
}

func TestOfflineMessageIsCountedUntilConversationOpens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg, err := f.service.SendMessage(ctx, alice, bob, "hello")
	require.NoError(t, err)
	assert.True(t, msg.Timestamp.Equal(f.clock.Now()))
	assert.NotZero(t, msg.ID)

	n, err := f.agg.CountFor(ctx, bob, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	h, s := f.connect(bob, "b")
	conv, err := f.service.OpenConversation(ctx, h, alice)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "hello", conv.Messages[0].Body)

	n, err = f.agg.CountFor(ctx, bob, alice)
	require.NoError(t, err)
	assert.Zero(t, n)

	// The open conversation suppresses counting.
	_, err = f.service.SendMessage(ctx, alice, bob, "again")
	require.NoError(t, err)
	n, _ = f.agg.CountFor(ctx, bob, alice)
	assert.Zero(t, n)
	assert.Len(t, s.OfType(protocol.TypeMessageReceived), 1)
	assert.Empty(t, s.OfType(protocol.TypeNotificationCount))
}

func TestBlockWhileConversationOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hb, b := f.connect(bob, "b")
	_, err := f.service.OpenConversation(ctx, hb, alice)
	require.NoError(t, err)

	require.NoError(t, f.service.CreateBlock(ctx, alice, bob))

	blocked := b.OfType(protocol.TypeBlocked)
	require.Len(t, blocked, 1)
	assert.EqualValues(t, alice, blocked[0]["by"])

	_, err = f.service.SendMessage(ctx, bob, alice, "why?")
	assert.ErrorIs(t, err, domain.ErrRelationshipDenied)
}

func TestUnblockAnnouncedOnlyWhenNoBlockRemains(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.service.CreateBlock(ctx, alice, bob))
	require.NoError(t, f.service.CreateBlock(ctx, bob, alice))
	assert.ErrorIs(t, f.service.CreateBlock(ctx, alice, bob), domain.ErrAlreadyExists)

	cleared, err := f.service.DeleteBlock(ctx, alice, bob)
	require.NoError(t, err)
	assert.False(t, cleared)
	assert.Zero(t, f.bus.count(eventbus.KindBlockDeleted))

	cleared, err = f.service.DeleteBlock(ctx, bob, alice)
	require.NoError(t, err)
	assert.True(t, cleared)
	assert.Equal(t, 1, f.bus.count(eventbus.KindBlockDeleted))

	_, err = f.service.DeleteBlock(ctx, bob, alice)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

type failingStore struct {
	store.RelationshipStore
}

func (failingStore) AppendMessage(context.Context, domain.UserID, domain.UserID, string, time.Time) (int64, error) {
	return 0, fmt.Errorf("append: %w", domain.ErrStoreUnavailable)
}

func (failingStore) CreateLike(context.Context, domain.UserID, domain.UserID) (int64, error) {
	return 0, errors.New("connection reset")
}

func TestStoreFailurePublishesNothing(t *testing.T) {
	clock := domaintest.NewFakeClock(time.Unix(0, 0))
	f := newFixtureWithStore(t, failingStore{RelationshipStore: memory.New(clock)})
	ctx := context.Background()

	_, err := f.service.SendMessage(ctx, alice, bob, "hi")
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	_, err = f.service.CreateLike(ctx, alice, bob)
	assert.Error(t, err)

	assert.Empty(t, f.bus.seen)
	n, _ := f.agg.CountFor(ctx, bob, alice)
	assert.Zero(t, n)
}

func TestOpenConversationSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.service.CreateLike(ctx, alice, bob)
	require.NoError(t, err)
	_, err = f.service.CreateLike(ctx, bob, alice)
	require.NoError(t, err)
	_, err = f.service.SendMessage(ctx, alice, bob, "first")
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = f.service.SendMessage(ctx, bob, alice, "second")
	require.NoError(t, err)
	f.connect(bob, "b")

	h, _ := f.connect(alice, "a")
	conv, err := f.service.OpenConversation(ctx, h, bob)
	require.NoError(t, err)

	assert.Equal(t, bob, conv.With)
	assert.Equal(t, domain.StatusOnline, conv.Status)
	assert.True(t, conv.Matched)
	assert.False(t, conv.Blocked)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "first", conv.Messages[0].Body)
	assert.Equal(t, "second", conv.Messages[1].Body)
	assert.True(t, f.topics.Subscribed(alice, bob))
	assert.True(t, h.IsViewing(bob))
}

func TestOpenConversationWhenBlocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.service.SendMessage(ctx, alice, bob, "before")
	require.NoError(t, err)
	require.NoError(t, f.service.CreateBlock(ctx, bob, alice))

	h, _ := f.connect(alice, "a")
	conv, err := f.service.OpenConversation(ctx, h, bob)
	require.NoError(t, err)
	assert.True(t, conv.Blocked)
	assert.Empty(t, conv.Messages)
	assert.Equal(t, domain.StatusOffline, conv.Status)
}

func TestConversationSubscriptionsFollowViewing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h, s := f.connect(alice, "a")

	_, err := f.service.OpenConversation(ctx, h, bob)
	require.NoError(t, err)
	_, err = f.service.OpenConversation(ctx, h, carol)
	require.NoError(t, err)
	assert.False(t, f.topics.Subscribed(alice, bob), "switching releases the previous topic")
	assert.True(t, f.topics.Subscribed(alice, carol))

	f.connect(carol, "c")
	statuses := s.OfType(protocol.TypeStatusChanged)
	require.Len(t, statuses, 1)
	assert.EqualValues(t, carol, statuses[0]["user"])
	assert.Equal(t, "online", statuses[0]["status"])

	require.NoError(t, f.service.CloseConversation(ctx, h, carol))
	assert.False(t, f.topics.Subscribed(alice, carol))
	assert.ErrorIs(t, f.service.CloseConversation(ctx, h, carol), domain.ErrNotFound)

	_, err = f.service.OpenConversation(ctx, h, bob)
	require.NoError(t, err)
	f.service.SessionClosed(h)
	assert.False(t, f.topics.Subscribed(alice, bob))
	_, viewing := h.Viewing()
	assert.False(t, viewing)
}

func TestTypingAndProfileViews(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, b := f.connect(bob, "b")

	require.NoError(t, f.service.Typing(ctx, alice, bob, true))
	require.NoError(t, f.service.ViewProfile(ctx, alice, bob))
	assert.Equal(t, []string{protocol.TypePeerTyping, protocol.TypeViewed}, b.Types())

	n, _ := f.agg.CountFor(ctx, bob, alice)
	assert.Zero(t, n, "typing and views are never counted")

	require.NoError(t, f.service.CreateBlock(ctx, bob, alice))
	assert.ErrorIs(t, f.service.Typing(ctx, alice, bob, false), domain.ErrRelationshipDenied)
	assert.ErrorIs(t, f.service.ViewProfile(ctx, alice, bob), domain.ErrRelationshipDenied)
}

func TestReports(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.CreateReport(ctx, alice, bob, "rude")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	id, err := f.service.CreateReport(ctx, alice, bob, "spam")
	require.NoError(t, err)
	assert.NotZero(t, id)

	_, err = f.service.CreateReport(ctx, alice, bob, "fake")
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	require.NoError(t, f.service.DeleteReport(ctx, alice, bob))
	assert.ErrorIs(t, f.service.DeleteReport(ctx, alice, bob), domain.ErrNotFound)
	assert.Empty(t, f.bus.seen, "reports are not fanned out")
}

func TestPublishExternal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, a := f.connect(alice, "a")

	// Likes persisted elsewhere get the same match re-check.
	_, err := f.store.CreateLike(ctx, alice, bob)
	require.NoError(t, err)
	_, err = f.store.CreateLike(ctx, bob, alice)
	require.NoError(t, err)
	require.NoError(t, f.service.PublishExternal(ctx, eventbus.LikeCreated{From: bob, To: alice}))
	assert.Len(t, a.OfType(protocol.TypeLiked), 1)
	assert.Len(t, a.OfType(protocol.TypeMatched), 1)

	err = f.service.PublishExternal(ctx, eventbus.MatchDetected{UserA: alice, UserB: bob})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	err = f.service.PublishExternal(ctx, eventbus.StatusChanged{User: alice, Status: domain.StatusOffline})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	require.NoError(t, f.service.PublishExternal(ctx, eventbus.BlockCreated{From: bob, To: alice}))
	assert.Len(t, a.OfType(protocol.TypeBlocked), 1)
}

func TestExternalLikeReplayDoesNotMatchTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, a := f.connect(alice, "a")

	// bob's like was stored by another service before alice liked back.
	_, err := f.store.CreateLike(ctx, bob, alice)
	require.NoError(t, err)
	matched, err := f.service.CreateLike(ctx, alice, bob)
	require.NoError(t, err)
	require.True(t, matched)
	require.Equal(t, 1, f.bus.count(eventbus.KindMatchDetected))

	// The other service announces bob's like only now.
	require.NoError(t, f.service.PublishExternal(ctx, eventbus.LikeCreated{From: bob, To: alice}))
	assert.Equal(t, 1, f.bus.count(eventbus.KindMatchDetected))
	assert.Len(t, a.OfType(protocol.TypeLiked), 1)
	assert.Len(t, a.OfType(protocol.TypeMatched), 1)
}
