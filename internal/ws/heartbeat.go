package ws

import (
	"log/slog"
	"time"

	"github.com/heartline/realtime/internal/domain"
	"github.com/heartline/realtime/internal/errmap"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // grace period after a missed ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: domain.HeartbeatInterval,
		Timeout:  domain.HeartbeatTimeout,
	}
}

// startHeartbeat runs until the server is shut down, pinging every
// connection once per interval and closing those that have gone stale.
func (s *Server) startHeartbeat(config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.checkConnections(config)
			}
		}
	}()
}

// checkConnections closes connections that have not had a successful read
// within Interval + Timeout. All other connections receive a ping frame,
// which browsers answer automatically with a pong, and the heartbeat hook.
func (s *Server) checkConnections(config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastActive()); idle > deadline {
			s.logger.Info("heartbeat timeout",
				slog.String("session_id", c.ID()),
				slog.Duration("idle", idle.Round(time.Second)),
			)
			_ = c.CloseWith(errmap.CloseHeartbeatTimeout)
			continue
		}

		if err := c.WritePing(); err != nil {
			s.logger.Debug("heartbeat ping failed", slog.String("session_id", c.ID()), slog.Any("error", err))
			_ = c.Close()
			continue
		}

		if s.onHeartbeat != nil {
			s.onHeartbeat(c)
		}
	}
}
