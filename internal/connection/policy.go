package connection

import (
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/appfs/internal/logging"
)

// Policy decides what a Manager does when the peer closes its session.
//
// The set is closed: the hooks are unexported because they drive the
// manager's reconnect worker directly, so StandardPolicy and
// AutoReconnectPolicy are the only implementations. Callers pick one
// explicitly or through SelectPolicy.
type Policy interface {
	onClose(m *Manager, cause error)
	delay() time.Duration
}

// StandardPolicy leaves a closed session closed. The owner notices the
// closure through the manager state.
type StandardPolicy struct{}

func (StandardPolicy) onClose(m *Manager, _ error) {
	logging.Debug("session closed, not reconnecting", zap.String("endpoint", m.endpoint.String()))
}

func (StandardPolicy) delay() time.Duration { return 0 }

// AutoReconnectPolicy retries after Delay until an attempt succeeds or the
// manager is closed. The interval is fixed and attempts are not capped, so a
// long outage keeps one attempt per Delay running per manager.
type AutoReconnectPolicy struct {
	Delay time.Duration
}

func (p AutoReconnectPolicy) onClose(m *Manager, _ error) {
	logging.Info("scheduling reconnect",
		zap.String("endpoint", m.endpoint.String()),
		zap.Duration("delay", p.Delay))
	m.scheduleReconnect()
}

func (p AutoReconnectPolicy) delay() time.Duration { return p.Delay }

// Config selects a Policy.
type Config struct {
	AutoReconnect  bool          `koanf:"auto_reconnect"`
	ReconnectDelay time.Duration `koanf:"reconnect_delay"`
}

// SelectPolicy returns the auto-reconnect policy when it is enabled with a
// positive delay and the standard policy otherwise.
func SelectPolicy(cfg Config) Policy {
	if cfg.AutoReconnect && cfg.ReconnectDelay > 0 {
		return AutoReconnectPolicy{Delay: cfg.ReconnectDelay}
	}
	return StandardPolicy{}
}
