// Package call orchestrates one inbound call: the RTP endpoint, the
// Asterisk bridge plumbing, and the realtime conversation, tied
// together per channel.
package call

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/voicebridge/voicebridge/internal/ari"
	"github.com/voicebridge/voicebridge/internal/media"
	"github.com/voicebridge/voicebridge/internal/realtime"
	"github.com/voicebridge/voicebridge/internal/rtp"
)

// externalPrefix marks the ExternalMedia companion channel of a call.
// Its StasisStart must not spawn a second session.
const externalPrefix = "external_"

// ARIClient is the slice of the ARI surface a session needs.
type ARIClient interface {
	GetChannel(ctx context.Context, channelID string) (*ari.Channel, error)
	GetChannelVar(ctx context.Context, channelID, name string) (string, bool, error)
	CreateExternalMedia(ctx context.Context, req ari.ExternalMediaRequest) (*ari.Channel, error)
	CreateBridge(ctx context.Context, id string) (*ari.Bridge, error)
	AddChannel(ctx context.Context, bridgeID, channelID string) error
	Hangup(ctx context.Context, channelID string) error
	DeleteBridge(ctx context.Context, bridgeID string) error
	ListChannels(ctx context.Context) ([]ari.Channel, error)
}

// RealtimeSession is the conversation surface the session drives.
// *realtime.Session implements it.
type RealtimeSession interface {
	SendAudio(chunk []byte)
	Incoming() <-chan []byte
	Done() <-chan struct{}
	Close()
}

// RealtimeDialer opens a conversation. Swapped out in tests.
type RealtimeDialer func(ctx context.Context, cfg realtime.Config) (RealtimeSession, error)

// DialRealtime is the production RealtimeDialer.
func DialRealtime(ctx context.Context, cfg realtime.Config) (RealtimeSession, error) {
	return realtime.Connect(ctx, cfg)
}

// Session bridges one caller channel to a realtime conversation.
// Setup runs off the manager's event loop, so the resource fields are
// guarded by mu for readers on other goroutines.
type Session struct {
	channelID string
	ariClient ARIClient
	logger    *slog.Logger

	app       string
	mediaIP   string
	mediaOpts media.Options
	rtConfig  realtime.Config
	dial      RealtimeDialer

	// inUse reports whether another live session still owns a channel;
	// the orphan sweep must not touch those.
	inUse func(channelID string) bool

	mu         sync.Mutex
	endpoint   *media.Endpoint
	rt         RealtimeSession
	bridgeID   string
	externalID string
	cancel     context.CancelFunc

	// startDone is closed when start returns; teardown waits for it so
	// it never races a setup still in flight.
	startDone chan struct{}

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// newSession builds a session; start does the ARI legwork.
func newSession(channelID string, ariClient ARIClient, app, mediaIP string, mediaOpts media.Options, rtConfig realtime.Config, dial RealtimeDialer, logger *slog.Logger) *Session {
	return &Session{
		channelID: channelID,
		ariClient: ariClient,
		app:       app,
		mediaIP:   mediaIP,
		mediaOpts: mediaOpts,
		rtConfig:  rtConfig,
		dial:      dial,
		startDone: make(chan struct{}),
		logger:    logger.With("channel_id", channelID),
	}
}

func (s *Session) rtpEndpoint() *media.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

func (s *Session) externalChannelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.externalID
}

// start performs setup: probe RTP destination and codec, bind the
// local endpoint, allocate the ExternalMedia channel, bridge both
// channels, open the conversation, and wire the audio pumps. On
// failure the caller is expected to Close the session, which releases
// whatever was already allocated.
func (s *Session) start(ctx context.Context) error {
	defer close(s.startDone)

	if _, err := s.ariClient.GetChannel(ctx, s.channelID); err != nil {
		return fmt.Errorf("fetching channel: %w", err)
	}

	remote := s.probeRemote(ctx)
	format, payloadType := s.detectCodec(ctx)

	ip := net.ParseIP(s.mediaIP)
	if ip == nil {
		return fmt.Errorf("invalid media ip %q", s.mediaIP)
	}
	endpoint, err := media.NewEndpoint(ip, &s.mediaOpts, s.logger)
	if err != nil {
		return fmt.Errorf("binding media endpoint: %w", err)
	}
	s.mu.Lock()
	s.endpoint = endpoint
	s.mu.Unlock()

	externalID := externalPrefix + s.channelID
	external, err := s.ariClient.CreateExternalMedia(ctx, ari.ExternalMediaRequest{
		App:          s.app,
		ExternalHost: fmt.Sprintf("%s:%d", s.mediaIP, endpoint.Port()),
		Format:       format,
		ChannelID:    externalID,
	})
	if err != nil {
		return fmt.Errorf("creating external media: %w", err)
	}
	s.mu.Lock()
	s.externalID = external.ID
	s.mu.Unlock()

	if err := endpoint.Start(remote, payloadType); err != nil {
		return fmt.Errorf("starting media endpoint: %w", err)
	}

	bridge, err := s.ariClient.CreateBridge(ctx, uuid.NewString())
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	s.mu.Lock()
	s.bridgeID = bridge.ID
	s.mu.Unlock()
	if err := s.ariClient.AddChannel(ctx, bridge.ID, s.channelID); err != nil {
		return fmt.Errorf("bridging caller channel: %w", err)
	}
	if err := s.ariClient.AddChannel(ctx, bridge.ID, external.ID); err != nil {
		return fmt.Errorf("bridging external channel: %w", err)
	}

	rtCfg := s.rtConfig
	rtCfg.Logger = s.logger
	rtCfg.OnBargeIn = func() {
		dropped := endpoint.FlushEgress()
		if dropped > 0 {
			s.logger.Debug("barge-in flushed egress", "frames", dropped)
		}
	}
	rt, err := s.dial(ctx, rtCfg)
	if err != nil {
		return fmt.Errorf("opening realtime session: %w", err)
	}
	s.mu.Lock()
	s.rt = rt
	s.mu.Unlock()

	s.wg.Add(2)
	go s.pumpCallerAudio(endpoint, rt)
	go s.pumpModelAudio(endpoint, rt)

	s.logger.Info("call session started",
		"external_id", external.ID, "bridge_id", bridge.ID,
		"format", format, "rtp_port", endpoint.Port())
	return nil
}

// probeRemote parses CHANNEL(rtpdest) into a UDP address. Missing or
// unparsable means the endpoint learns the remote from its first
// inbound packet.
func (s *Session) probeRemote(ctx context.Context) *net.UDPAddr {
	val, ok, err := s.ariClient.GetChannelVar(ctx, s.channelID, "CHANNEL(rtpdest)")
	if err != nil || !ok || val == "" {
		return nil
	}
	addr, err := net.ResolveUDPAddr("udp", val)
	if err != nil {
		s.logger.Debug("unparsable rtpdest", "value", val)
		return nil
	}
	return addr
}

// detectCodec probes channel format variables. Anything mentioning
// alaw selects A-law; everything else defaults to mu-law.
func (s *Session) detectCodec(ctx context.Context) (format string, payloadType uint8) {
	for _, name := range []string{"CHANNEL(audioreadformat)", "CHANNEL(audiowriteformat)", "CHANNEL(format)"} {
		val, ok, err := s.ariClient.GetChannelVar(ctx, s.channelID, name)
		if err != nil || !ok {
			continue
		}
		if strings.Contains(strings.ToLower(val), "alaw") {
			return "alaw", rtp.PayloadPCMA
		}
		if val != "" {
			break
		}
	}
	return "ulaw", rtp.PayloadPCMU
}

// pumpCallerAudio moves batched caller audio from the endpoint into
// the conversation. Ends when the endpoint stops.
func (s *Session) pumpCallerAudio(endpoint *media.Endpoint, rt RealtimeSession) {
	defer s.wg.Done()
	for chunk := range endpoint.Ingress() {
		rt.SendAudio(chunk)
	}
}

// pumpModelAudio slices model audio deltas into wire frames for the
// paced sender. Deltas arrive in arbitrary sizes; a partial tail waits
// for the next delta.
func (s *Session) pumpModelAudio(endpoint *media.Endpoint, rt RealtimeSession) {
	defer s.wg.Done()
	var pending []byte
	for chunk := range rt.Incoming() {
		pending = append(pending, chunk...)
		for len(pending) >= rtp.FrameBytes {
			frame := make([]byte, rtp.FrameBytes)
			copy(frame, pending[:rtp.FrameBytes])
			pending = pending[rtp.FrameBytes:]
			if err := endpoint.Send(frame); err != nil {
				return
			}
		}
	}
}

// Done reports conversation termination so the manager can hang up the
// caller when the model side dies first.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	rt := s.rt
	s.mu.Unlock()
	if rt == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return rt.Done()
}

// Close tears the session down in order: conversation first, then the
// RTP socket, then the Asterisk resources, then the orphan sweep. It
// waits for an in-flight start, which the cancellation aborts.
// Idempotent.
func (s *Session) Close() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		<-s.startDone
		s.teardown()
		s.logger.Info("call session closed")
	})
}

func (s *Session) teardown() {
	s.mu.Lock()
	rt, endpoint := s.rt, s.endpoint
	externalID, bridgeID := s.externalID, s.bridgeID
	s.mu.Unlock()

	if rt != nil {
		rt.Close()
	}
	if endpoint != nil {
		endpoint.Stop()
	}
	s.wg.Wait()

	// Teardown must not inherit the per-call context; it already
	// got cancelled.
	ctx := context.Background()
	if externalID != "" {
		if err := s.ariClient.Hangup(ctx, externalID); err != nil {
			s.logger.Warn("hangup external channel", "error", err)
		}
	}
	if bridgeID != "" {
		if err := s.ariClient.DeleteBridge(ctx, bridgeID); err != nil {
			s.logger.Warn("delete bridge", "error", err)
		}
	}
	s.sweepOrphans(ctx)
}

// sweepOrphans hangs up UnicastRTP channels Asterisk leaks when an
// ExternalMedia channel outlives its bridge. Only this app's channels
// are candidates, and channels still owned by a live session are left
// alone.
func (s *Session) sweepOrphans(ctx context.Context) {
	channels, err := s.ariClient.ListChannels(ctx)
	if err != nil {
		s.logger.Warn("listing channels for orphan sweep", "error", err)
		return
	}
	for _, ch := range channels {
		if !strings.HasPrefix(ch.Name, "UnicastRTP/") {
			continue
		}
		if ch.Dialplan.AppName != "Stasis" || !strings.Contains(ch.Dialplan.AppData, s.app) {
			continue
		}
		if s.inUse != nil && s.inUse(ch.ID) {
			continue
		}
		if err := s.ariClient.Hangup(ctx, ch.ID); err != nil {
			s.logger.Warn("hangup orphan", "channel_id", ch.ID, "error", err)
			continue
		}
		s.logger.Info("orphan channel swept", "channel_id", ch.ID, "name", ch.Name)
	}
}
