package presence_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/heartline/realtime/internal/domain"
	"github.com/heartline/realtime/internal/presence"
)

func TestTopicsRefcountsSubscriptions(t *testing.T) {
	topics := presence.NewTopics()

	topics.Subscribe(1, 2)
	topics.Subscribe(1, 2)
	topics.Unsubscribe(1, 2)
	assert.True(t, topics.Subscribed(1, 2), "one reference still held")

	topics.Unsubscribe(1, 2)
	assert.False(t, topics.Subscribed(1, 2))
	assert.Empty(t, topics.SubscribersOf(2))
}

func TestTopicsUnsubscribeAbsentIsNoop(t *testing.T) {
	topics := presence.NewTopics()
	topics.Unsubscribe(1, 2)
	topics.UnsubscribeAll(1)
	assert.Empty(t, topics.SubscribersOf(2))
}

func TestTopicsUnsubscribeAllDropsEveryTopic(t *testing.T) {
	topics := presence.NewTopics()
	topics.Subscribe(1, 2)
	topics.Subscribe(1, 2)
	topics.Subscribe(1, 3)
	topics.Subscribe(4, 3)

	topics.UnsubscribeAll(1)

	assert.False(t, topics.Subscribed(1, 2))
	assert.False(t, topics.Subscribed(1, 3))
	assert.ElementsMatch(t, []domain.UserID{4}, topics.SubscribersOf(3))
}
