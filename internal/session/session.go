// Package session mirrors live WebSocket sessions into Redis so that every
// node can tell whether a user is connected anywhere. Entries expire unless
// the heartbeat refreshes them, so a crashed node's sessions age out.
package session
