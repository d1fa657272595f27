package eventbus

import "github.com/heartline/realtime/internal/domain"

// SameStripe reports whether p and q share an ordering stripe on b.
func SameStripe(b *Bus, p, q domain.Pair) bool {
	return b.stripe(p) == b.stripe(q)
}
