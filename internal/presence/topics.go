package presence

import (
	"sync"

	"github.com/heartline/realtime/internal/domain"
)

// Topics holds explicit status-topic subscriptions. A subscriber may hold
// several subscriptions to the same user (one per open conversation across
// its sessions); the subscription lives until every one is released.
type Topics struct {
	mu    sync.RWMutex
	subs  map[domain.UserID]map[domain.UserID]int // user -> subscriber -> refs
	owned map[domain.UserID]map[domain.UserID]struct{}
}

// NewTopics creates an empty subscription table.
func NewTopics() *Topics {
	return &Topics{
		subs:  make(map[domain.UserID]map[domain.UserID]int),
		owned: make(map[domain.UserID]map[domain.UserID]struct{}),
	}
}

// Subscribe adds one subscription of subscriber to user's status topic.
func (t *Topics) Subscribe(subscriber, user domain.UserID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.subs[user]
	if !ok {
		s = make(map[domain.UserID]int)
		t.subs[user] = s
	}
	s[subscriber]++

	o, ok := t.owned[subscriber]
	if !ok {
		o = make(map[domain.UserID]struct{})
		t.owned[subscriber] = o
	}
	o[user] = struct{}{}
}

// Unsubscribe releases one subscription. Releasing an absent subscription
// is a no-op.
func (t *Topics) Unsubscribe(subscriber, user domain.UserID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.subs[user]
	if !ok || s[subscriber] == 0 {
		return
	}
	s[subscriber]--
	if s[subscriber] > 0 {
		return
	}
	t.drop(subscriber, user)
}

// UnsubscribeAll removes every subscription held by subscriber.
func (t *Topics) UnsubscribeAll(subscriber domain.UserID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for user := range t.owned[subscriber] {
		t.drop(subscriber, user)
	}
}

// drop requires t.mu held.
func (t *Topics) drop(subscriber, user domain.UserID) {
	if s, ok := t.subs[user]; ok {
		delete(s, subscriber)
		if len(s) == 0 {
			delete(t.subs, user)
		}
	}
	if o, ok := t.owned[subscriber]; ok {
		delete(o, user)
		if len(o) == 0 {
			delete(t.owned, subscriber)
		}
	}
}

// SubscribersOf returns a snapshot of the users subscribed to user.
func (t *Topics) SubscribersOf(user domain.UserID) []domain.UserID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]domain.UserID, 0, len(t.subs[user]))
	for sub := range t.subs[user] {
		out = append(out, sub)
	}
	return out
}

// Subscribed reports whether subscriber currently follows user.
func (t *Topics) Subscribed(subscriber, user domain.UserID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.subs[user][subscriber] > 0
}
