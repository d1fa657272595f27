package domain

import "time"

// Normative limits shared by the engine's components.
const (
	// OutboundBufferSize is the per-session outbox capacity. A session whose
	// outbox is full is disconnected with ErrSlowConsumer.
	OutboundBufferSize = 256

	// HeartbeatInterval is how often idle connections are pinged.
	HeartbeatInterval = 30 * time.Second

	// HeartbeatTimeout is the grace period after a missed heartbeat.
	HeartbeatTimeout = 10 * time.Second

	// ReapInterval is how often the registry sweeps closed sessions.
	ReapInterval = HeartbeatInterval

	// RegistryShards is the default lock-stripe count for per-user state.
	RegistryShards = 64

	// RedisTimeout bounds individual Redis calls.
	RedisTimeout = 2 * time.Second

	// StoreTimeout bounds individual relationship store calls.
	StoreTimeout = 5 * time.Second

	// GracefulShutdownTimeout bounds server shutdown.
	GracefulShutdownTimeout = 30 * time.Second

	// MaxMessageBytes is the largest accepted message body.
	MaxMessageBytes = 4096

	// MaxMessageChars is the largest accepted message body in runes.
	MaxMessageChars = 2000
)
