package call

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/voicebridge/voicebridge/internal/ari"
	"github.com/voicebridge/voicebridge/internal/media"
	"github.com/voicebridge/voicebridge/internal/realtime"
)

// ManagerConfig carries the per-call construction inputs.
type ManagerConfig struct {
	// App is the inbound Stasis application name.
	App string
	// MediaIP is the local address Asterisk sends ExternalMedia RTP to.
	MediaIP string
	Media   media.Options
	// Realtime is the conversation template; Logger and OnBargeIn are
	// filled per call.
	Realtime realtime.Config
	// Dial defaults to DialRealtime.
	Dial   RealtimeDialer
	Logger *slog.Logger
}

// Manager routes ARI events to per-channel sessions.
type Manager struct {
	cfg    ManagerConfig
	ari    ARIClient
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	// closed accumulates RTP counters of finished sessions so totals
	// survive teardown.
	closed media.StatsSnapshot
	wg     sync.WaitGroup
}

// NewManager creates a Manager.
func NewManager(ariClient ARIClient, cfg ManagerConfig) *Manager {
	if cfg.Dial == nil {
		cfg.Dial = DialRealtime
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		ari:      ariClient,
		logger:   logger.With("subsystem", "call"),
		sessions: make(map[string]*Session),
	}
}

// Run consumes the inbound event stream until ctx is cancelled or the
// channel closes. Remaining sessions are closed on exit.
func (m *Manager) Run(ctx context.Context, events <-chan ari.Event) {
	defer m.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.handle(ctx, ev)
		}
	}
}

func (m *Manager) handle(ctx context.Context, ev ari.Event) {
	if ev.Channel == nil {
		return
	}
	switch ev.Type {
	case ari.EventStasisStart:
		if strings.HasPrefix(ev.Channel.ID, externalPrefix) {
			return
		}
		m.startSession(ctx, ev.Channel.ID)
	case ari.EventStasisEnd, ari.EventChannelDestroyed:
		m.endSession(ev.Channel.ID)
	}
}

func (m *Manager) startSession(ctx context.Context, channelID string) {
	m.mu.Lock()
	if _, exists := m.sessions[channelID]; exists {
		m.mu.Unlock()
		return
	}
	sess := newSession(channelID, m.ari, m.cfg.App, m.cfg.MediaIP, m.cfg.Media, m.cfg.Realtime, m.cfg.Dial, m.logger)
	sctx, cancel := context.WithCancel(ctx)
	sess.cancel = cancel
	sess.inUse = m.ownsChannel
	m.sessions[channelID] = sess
	m.mu.Unlock()

	m.logger.Info("inbound call", "channel_id", channelID)

	// Setup blocks on ARI round-trips and the conversation handshake;
	// it must not stall the event loop for the other calls.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		if err := sess.start(sctx); err != nil {
			m.logger.Error("session setup failed", "channel_id", channelID, "error", err)
			m.endSession(channelID)
			// Setup failed; release the caller instead of leaving them in
			// a silent Stasis limbo.
			if err := m.ari.Hangup(context.Background(), channelID); err != nil {
				m.logger.Warn("hangup after failed setup", "channel_id", channelID, "error", err)
			}
			return
		}

		// Hang up the caller if the conversation dies before StasisEnd.
		select {
		case <-sctx.Done():
		case <-sess.Done():
			m.mu.Lock()
			_, active := m.sessions[channelID]
			m.mu.Unlock()
			if active {
				m.logger.Info("conversation ended first, hanging up caller", "channel_id", channelID)
				if err := m.ari.Hangup(context.Background(), channelID); err != nil {
					m.logger.Warn("hangup caller", "channel_id", channelID, "error", err)
				}
			}
		}
	}()
}

// ownsChannel reports whether any live session owns the channel as its
// ExternalMedia leg. The orphan sweep of a closing session consults it
// so concurrent calls keep their media.
func (m *Manager) ownsChannel(channelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sess := range m.sessions {
		if sess.externalChannelID() == channelID {
			return true
		}
	}
	return false
}

func (m *Manager) endSession(channelID string) {
	m.mu.Lock()
	sess, ok := m.sessions[channelID]
	delete(m.sessions, channelID)
	m.mu.Unlock()
	if !ok {
		return
	}
	sess.Close()
	if endpoint := sess.rtpEndpoint(); endpoint != nil {
		m.mu.Lock()
		m.closed.Add(endpoint.Stats().Snapshot())
		m.mu.Unlock()
	}
}

// ActiveCalls reports the number of live sessions.
func (m *Manager) ActiveCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// RTPStats aggregates RTP counters across finished and live sessions.
func (m *Manager) RTPStats() media.StatsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := m.closed
	for _, sess := range m.sessions {
		if endpoint := sess.rtpEndpoint(); endpoint != nil {
			total.Add(endpoint.Stats().Snapshot())
		}
	}
	return total
}

func (m *Manager) closeAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, sess := range m.sessions {
		sessions = append(sessions, sess)
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	for _, sess := range sessions {
		sess.Close()
		if endpoint := sess.rtpEndpoint(); endpoint != nil {
			m.mu.Lock()
			m.closed.Add(endpoint.Stats().Snapshot())
			m.mu.Unlock()
		}
	}
	m.wg.Wait()
}
