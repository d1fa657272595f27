package presence

// TrackedUsers returns how many users t holds transition state for.
func TrackedUsers(t *Tracker) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.users)
}
