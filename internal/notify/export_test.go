package notify

import "github.com/heartline/realtime/internal/domain"

// StripeOf returns the stripe index holding the (recipient, author) counter.
func StripeOf(m *Memory, recipient, author domain.UserID) int {
	return m.stripe(counterKey{recipient, author})
}
