package peer

import (
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/aayush-trivedi/ambient/internal/core"
	"github.com/aayush-trivedi/ambient/internal/domain"
	"github.com/aayush-trivedi/ambient/internal/metrics"
)

// Observer receives manager notifications. Any field may be nil.
// Callbacks run on the manager's event loop, one at a time.
type Observer struct {
	OnState       func(domain.ConnectionState)
	OnLocalMedia  func(core.LocalMedia)
	OnRemoteMedia func(core.RemoteMedia) // nil when the partner's media is gone
	OnFatal       func(error)
}

type Option func(*Manager)

// WithClock replaces the wall clock used for reconnect timers.
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func WithMetrics(p *metrics.Peer) Option {
	return func(m *Manager) { m.metrics = p }
}
