package realtime

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Liveness defaults.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReapInterval      = 30 * time.Second
	DefaultLivenessTimeout   = 60 * time.Second
	defaultPingTimeout       = 10 * time.Second
)

// Monitor probes connections and reaps the ones that stop answering.
type Monitor struct {
	reg               *Registry
	heartbeatInterval time.Duration
	reapInterval      time.Duration
	timeout           time.Duration
	pingTimeout       time.Duration
	logger            zerolog.Logger
}

// NewMonitor creates a monitor. Zero durations take their defaults.
func NewMonitor(reg *Registry, heartbeat, reap, timeout time.Duration, logger zerolog.Logger) *Monitor {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	if reap <= 0 {
		reap = DefaultReapInterval
	}
	if timeout <= 0 {
		timeout = DefaultLivenessTimeout
	}
	return &Monitor{
		reg:               reg,
		heartbeatInterval: heartbeat,
		reapInterval:      reap,
		timeout:           timeout,
		pingTimeout:       min(defaultPingTimeout, heartbeat),
		logger:            logger.With().Str("component", "heartbeat").Logger(),
	}
}

// Probe runs one heartbeat round. Pings are sent concurrently; a pong
// marks the connection alive.
func (m *Monitor) Probe(ctx context.Context) {
	evicted, probe := m.reg.BeginProbe()
	if len(evicted) > 0 {
		m.logger.Info().Int("evicted", len(evicted)).Msg("evicted connections that missed a probe")
	}

	for _, t := range probe {
		go func(t Transport) {
			pingCtx, cancel := context.WithTimeout(ctx, m.pingTimeout)
			defer cancel()
			if err := t.Ping(pingCtx); err == nil {
				m.reg.MarkAlive(t)
			}
		}(t)
	}
}

// Reap evicts connections idle past the liveness timeout.
func (m *Monitor) Reap() int {
	evicted := m.reg.ReapStale(m.timeout)
	if len(evicted) > 0 {
		m.logger.Info().Int("evicted", len(evicted)).Dur("timeout", m.timeout).Msg("reaped stale connections")
	}
	return len(evicted)
}

// RunHeartbeat probes every heartbeat interval until ctx is done.
func (m *Monitor) RunHeartbeat(ctx context.Context) error {
	return every(ctx, m.heartbeatInterval, func() { m.Probe(ctx) })
}

// RunReaper reaps every reap interval until ctx is done.
func (m *Monitor) RunReaper(ctx context.Context) error {
	return every(ctx, m.reapInterval, func() { m.Reap() })
}

func every(ctx context.Context, interval time.Duration, fn func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn()
		}
	}
}
