package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LivenessMonitor runs two independent periodic tasks against the registry:
// a heartbeat push to every open channel, and a staleness sweep that evicts
// entries whose last heartbeat is too old or whose channel reports closed.
// It is fully decoupled from per-channel message handling; one failing
// channel never aborts the tick for the rest.
type LivenessMonitor struct {
	registry *Registry
	logger   zerolog.Logger

	pingInterval  time.Duration
	sweepInterval time.Duration
	staleAfter    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLivenessMonitor creates a monitor with the given intervals. staleAfter
// is the maximum heartbeat age before eviction.
func NewLivenessMonitor(registry *Registry, pingInterval, sweepInterval, staleAfter time.Duration, logger zerolog.Logger) *LivenessMonitor {
	return &LivenessMonitor{
		registry:      registry,
		logger:        logger.With().Str("component", "liveness").Logger(),
		pingInterval:  pingInterval,
		sweepInterval: sweepInterval,
		staleAfter:    staleAfter,
	}
}

// Start launches the heartbeat and sweep loops.
func (m *LivenessMonitor) Start() error {
	if m.ctx != nil {
		m.logger.Warn().Msg("liveness monitor is already running")
		return errors.New("liveness monitor is already running")
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.runHeartbeatLoop()
	}()
	go func() {
		defer m.wg.Done()
		m.runSweepLoop()
	}()

	m.logger.Info().
		Dur("ping_interval", m.pingInterval).
		Dur("sweep_interval", m.sweepInterval).
		Dur("stale_after", m.staleAfter).
		Msg("liveness monitor started")
	return nil
}

// Stop gracefully stops both loops.
func (m *LivenessMonitor) Stop() error {
	if m.ctx == nil {
		m.logger.Warn().Msg("liveness monitor is not running")
		return errors.New("liveness monitor is not running")
	}

	m.cancel()
	m.wg.Wait()

	m.ctx = nil
	m.cancel = nil

	m.logger.Info().Msg("liveness monitor stopped")
	return nil
}

func (m *LivenessMonitor) runHeartbeatLoop() {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.PingAll()
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *LivenessMonitor) runSweepLoop() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep(time.Now())
		case <-m.ctx.Done():
			return
		}
	}
}

// PingAll sends a heartbeat envelope to every open channel in both
// registries. Send failures are isolated per channel.
func (m *LivenessMonitor) PingAll() {
	env, err := NewEnvelope(MessageTypeHeartbeat, &HeartbeatPayload{Timestamp: time.Now().UTC()})
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to build heartbeat envelope")
		return
	}

	for _, entry := range m.registry.SnapshotTablets() {
		if err := entry.Peer.SendEnvelope(env); err != nil {
			m.logger.Debug().Err(err).Str("device_id", entry.DeviceID).Msg("heartbeat send failed")
		}
	}
	for _, entry := range m.registry.SnapshotWorkstations() {
		if err := entry.Peer.SendEnvelope(env); err != nil {
			m.logger.Debug().Err(err).Str("workstation_id", entry.WorkstationID).Msg("heartbeat send failed")
		}
	}
}

// Sweep evicts every entry whose heartbeat age exceeds the staleness
// threshold or whose channel reports closed.
func (m *LivenessMonitor) Sweep(now time.Time) {
	ctx := context.Background()

	for _, entry := range m.registry.SnapshotTablets() {
		if entry.Peer.IsClosed() || now.Sub(entry.LastHeartbeat) > m.staleAfter {
			m.logger.Info().
				Str("device_id", entry.DeviceID).
				Time("last_heartbeat", entry.LastHeartbeat).
				Msg("evicting stale tablet connection")
			m.registry.EvictTablet(ctx, entry, "stale connection")
		}
	}
	for _, entry := range m.registry.SnapshotWorkstations() {
		if entry.Peer.IsClosed() || now.Sub(entry.LastHeartbeat) > m.staleAfter {
			m.logger.Info().
				Str("workstation_id", entry.WorkstationID).
				Time("last_heartbeat", entry.LastHeartbeat).
				Msg("evicting stale workstation connection")
			m.registry.EvictWorkstation(ctx, entry, "stale connection")
		}
	}
}
