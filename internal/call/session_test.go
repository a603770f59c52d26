package call

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/voicebridge/voicebridge/internal/ari"
	"github.com/voicebridge/voicebridge/internal/media"
	"github.com/voicebridge/voicebridge/internal/realtime"
	"github.com/voicebridge/voicebridge/internal/rtp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubARI struct {
	mu             sync.Mutex
	vars           map[string]string
	channels       []ari.Channel
	externalErr    error
	externalReqs   []ari.ExternalMediaRequest
	bridgeID       string
	added          []string
	hangups        []string
	deletedBridges []string

	// blockOn stalls GetChannel for that channel until release closes,
	// simulating a slow Asterisk round-trip.
	blockOn string
	release chan struct{}
}

func (s *stubARI) GetChannel(_ context.Context, id string) (*ari.Channel, error) {
	s.mu.Lock()
	blockOn := s.blockOn
	release := s.release
	s.mu.Unlock()
	if id == blockOn && release != nil {
		<-release
	}
	return &ari.Channel{ID: id, State: "Up"}, nil
}

func (s *stubARI) GetChannelVar(_ context.Context, _, name string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vars[name]
	return v, ok, nil
}

func (s *stubARI) CreateExternalMedia(_ context.Context, req ari.ExternalMediaRequest) (*ari.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.externalErr != nil {
		return nil, s.externalErr
	}
	s.externalReqs = append(s.externalReqs, req)
	return &ari.Channel{ID: req.ChannelID, Name: "UnicastRTP/" + req.ExternalHost}, nil
}

func (s *stubARI) CreateBridge(_ context.Context, id string) (*ari.Bridge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bridgeID = id
	return &ari.Bridge{ID: id, Type: "mixing"}, nil
}

func (s *stubARI) AddChannel(_ context.Context, bridgeID, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, bridgeID+"/"+channelID)
	return nil
}

func (s *stubARI) Hangup(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hangups = append(s.hangups, id)
	return nil
}

func (s *stubARI) DeleteBridge(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletedBridges = append(s.deletedBridges, id)
	return nil
}

func (s *stubARI) ListChannels(_ context.Context) ([]ari.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ari.Channel(nil), s.channels...), nil
}

func (s *stubARI) hungUp(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.hangups {
		if h == id {
			return true
		}
	}
	return false
}

func (s *stubARI) bridgedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.added)
}

// externalCreated reports whether an ExternalMedia channel was
// requested with the given id.
func (s *stubARI) externalCreated(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, req := range s.externalReqs {
		if req.ChannelID == id {
			return true
		}
	}
	return false
}

type fakeRealtime struct {
	mu        sync.Mutex
	sent      [][]byte
	incoming  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeRealtime() *fakeRealtime {
	return &fakeRealtime{
		incoming: make(chan []byte, 16),
		done:     make(chan struct{}),
	}
}

func (f *fakeRealtime) SendAudio(chunk []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), chunk...))
}

func (f *fakeRealtime) Incoming() <-chan []byte { return f.incoming }
func (f *fakeRealtime) Done() <-chan struct{}  { return f.done }

func (f *fakeRealtime) Close() {
	f.closeOnce.Do(func() {
		close(f.done)
		close(f.incoming)
	})
}

func (f *fakeRealtime) sentChunks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testManager(t *testing.T, stub *stubARI, fake *fakeRealtime) *Manager {
	t.Helper()
	return testManagerDial(t, stub, func(_ context.Context, _ realtime.Config) (RealtimeSession, error) {
		return fake, nil
	})
}

func testManagerDial(t *testing.T, stub *stubARI, dial RealtimeDialer) *Manager {
	t.Helper()
	return NewManager(stub, ManagerConfig{
		App:     "openai-app",
		MediaIP: "127.0.0.1",
		Media: media.Options{
			PortMin:       41000,
			PortMax:       41999,
			BatchBytes:    160,
			FrameInterval: 5 * time.Millisecond,
		},
		Dial:   dial,
		Logger: testLogger(),
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSessionSetup(t *testing.T) {
	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	defer peer.Close()

	stub := &stubARI{vars: map[string]string{
		"CHANNEL(rtpdest)":         peer.LocalAddr().String(),
		"CHANNEL(audioreadformat)": "ulaw",
	}}
	fake := newFakeRealtime()
	m := testManager(t, stub, fake)
	defer m.closeAll()

	m.handle(context.Background(), ari.Event{
		Type:    ari.EventStasisStart,
		Channel: &ari.Channel{ID: "chan-1"},
	})

	if got := m.ActiveCalls(); got != 1 {
		t.Fatalf("ActiveCalls = %d, want 1", got)
	}
	waitFor(t, "setup to finish", func() bool { return stub.bridgedCount() == 2 })

	stub.mu.Lock()
	if len(stub.externalReqs) != 1 {
		stub.mu.Unlock()
		t.Fatal("CreateExternalMedia not called")
	}
	req := stub.externalReqs[0]
	added := append([]string(nil), stub.added...)
	bridgeID := stub.bridgeID
	stub.mu.Unlock()

	if req.App != "openai-app" {
		t.Errorf("external media app = %q", req.App)
	}
	if req.ChannelID != "external_chan-1" {
		t.Errorf("external channel id = %q", req.ChannelID)
	}
	if req.Format != "ulaw" {
		t.Errorf("format = %q, want ulaw", req.Format)
	}
	host, _, err := net.SplitHostPort(req.ExternalHost)
	if err != nil || host != "127.0.0.1" {
		t.Errorf("external host = %q", req.ExternalHost)
	}

	want := []string{bridgeID + "/chan-1", bridgeID + "/external_chan-1"}
	if len(added) != 2 || added[0] != want[0] || added[1] != want[1] {
		t.Errorf("bridged channels = %v, want %v", added, want)
	}
}

func TestSessionAudioFlow(t *testing.T) {
	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	defer peer.Close()

	stub := &stubARI{vars: map[string]string{
		"CHANNEL(rtpdest)": peer.LocalAddr().String(),
	}}
	fake := newFakeRealtime()
	m := testManager(t, stub, fake)
	defer m.closeAll()

	m.handle(context.Background(), ari.Event{
		Type:    ari.EventStasisStart,
		Channel: &ari.Channel{ID: "chan-1"},
	})

	m.mu.Lock()
	sess := m.sessions["chan-1"]
	m.mu.Unlock()
	if sess == nil {
		t.Fatal("session not registered")
	}
	waitFor(t, "setup to finish", func() bool { return stub.bridgedCount() == 2 })
	endpointAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: sess.rtpEndpoint().Port()}

	// Caller direction: one wire packet becomes one conversation chunk
	// at BatchBytes = 160.
	seq := rtp.NewSequencer(rtp.PayloadPCMU)
	payload := make([]byte, rtp.FrameBytes)
	for i := range payload {
		payload[i] = 0x42
	}
	data, err := seq.Next(payload).Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := peer.WriteToUDP(data, endpointAddr); err != nil {
		t.Fatalf("sending rtp: %v", err)
	}
	waitFor(t, "caller audio chunk", func() bool { return fake.sentChunks() >= 1 })

	// Model direction: one 320-byte delta becomes two paced wire
	// frames.
	delta := make([]byte, 2*rtp.FrameBytes)
	for i := range delta {
		delta[i] = 0x17
	}
	fake.incoming <- delta

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	var lastSeq uint16
	for i := 0; i < 2; i++ {
		n, _, err := peer.ReadFromUDP(buf)
		if err != nil {
			t.Fatalf("reading frame %d: %v", i, err)
		}
		pkt, err := rtp.Parse(buf[:n])
		if err != nil {
			t.Fatalf("parsing frame %d: %v", i, err)
		}
		if len(pkt.Payload) != rtp.FrameBytes {
			t.Fatalf("frame %d payload = %d bytes", i, len(pkt.Payload))
		}
		if pkt.Payload[0] != 0x17 {
			t.Errorf("frame %d payload byte = %#x", i, pkt.Payload[0])
		}
		if i > 0 && pkt.Sequence != lastSeq+1 {
			t.Errorf("sequence jumped from %d to %d", lastSeq, pkt.Sequence)
		}
		lastSeq = pkt.Sequence
	}
}

func TestSessionTeardown(t *testing.T) {
	stub := &stubARI{
		vars: map[string]string{},
		channels: []ari.Channel{
			{ID: "orphan-1", Name: "UnicastRTP/127.0.0.1:9999", Dialplan: ari.Dialplan{AppName: "Stasis", AppData: "openai-app"}},
			{ID: "other-app-1", Name: "UnicastRTP/127.0.0.1:9998", Dialplan: ari.Dialplan{AppName: "Stasis", AppData: "overdue-app"}},
			{ID: "pjsip-1", Name: "PJSIP/100-00000001"},
		},
	}
	fake := newFakeRealtime()
	m := testManager(t, stub, fake)

	m.handle(context.Background(), ari.Event{
		Type:    ari.EventStasisStart,
		Channel: &ari.Channel{ID: "chan-1"},
	})
	if got := m.ActiveCalls(); got != 1 {
		t.Fatalf("ActiveCalls = %d, want 1", got)
	}
	waitFor(t, "setup to finish", func() bool { return stub.bridgedCount() == 2 })

	m.handle(context.Background(), ari.Event{
		Type:    ari.EventStasisEnd,
		Channel: &ari.Channel{ID: "chan-1"},
	})

	if got := m.ActiveCalls(); got != 0 {
		t.Errorf("ActiveCalls = %d, want 0", got)
	}
	if !stub.hungUp("external_chan-1") {
		t.Error("external channel not hung up")
	}
	if !stub.hungUp("orphan-1") {
		t.Error("orphan UnicastRTP channel not swept")
	}
	if stub.hungUp("other-app-1") {
		t.Error("other app's UnicastRTP channel hung up by sweep")
	}
	if stub.hungUp("pjsip-1") {
		t.Error("unrelated channel hung up by sweep")
	}

	stub.mu.Lock()
	deleted := len(stub.deletedBridges)
	stub.mu.Unlock()
	if deleted != 1 {
		t.Errorf("deleted bridges = %d, want 1", deleted)
	}

	// StasisEnd for an unknown channel is a no-op.
	m.handle(context.Background(), ari.Event{
		Type:    ari.EventStasisEnd,
		Channel: &ari.Channel{ID: "chan-1"},
	})
}

func TestTeardownSparesOtherSessions(t *testing.T) {
	stub := &stubARI{
		vars: map[string]string{},
		channels: []ari.Channel{
			{ID: "orphan-1", Name: "UnicastRTP/127.0.0.1:9999", Dialplan: ari.Dialplan{AppName: "Stasis", AppData: "openai-app"}},
		},
	}
	m := testManagerDial(t, stub, func(_ context.Context, _ realtime.Config) (RealtimeSession, error) {
		return newFakeRealtime(), nil
	})
	defer m.closeAll()

	for _, id := range []string{"chan-1", "chan-2"} {
		m.handle(context.Background(), ari.Event{
			Type:    ari.EventStasisStart,
			Channel: &ari.Channel{ID: id},
		})
	}
	waitFor(t, "both setups to finish", func() bool { return stub.bridgedCount() == 4 })

	// The second call's media leg is listed alongside the leftover, as
	// it would be on a busy system.
	stub.mu.Lock()
	stub.channels = append(stub.channels, ari.Channel{
		ID:       "external_chan-2",
		Name:     "UnicastRTP/127.0.0.1:9997",
		Dialplan: ari.Dialplan{AppName: "Stasis", AppData: "openai-app"},
	})
	stub.mu.Unlock()

	m.handle(context.Background(), ari.Event{
		Type:    ari.EventStasisEnd,
		Channel: &ari.Channel{ID: "chan-1"},
	})

	if !stub.hungUp("orphan-1") {
		t.Error("leftover UnicastRTP channel not swept")
	}
	if stub.hungUp("external_chan-2") {
		t.Error("live session's media leg hung up by sweep")
	}
	if got := m.ActiveCalls(); got != 1 {
		t.Errorf("ActiveCalls = %d, want 1", got)
	}
}

func TestSlowSetupDoesNotBlockOtherCalls(t *testing.T) {
	stub := &stubARI{
		vars:    map[string]string{},
		blockOn: "chan-slow",
		release: make(chan struct{}),
	}
	m := testManagerDial(t, stub, func(_ context.Context, _ realtime.Config) (RealtimeSession, error) {
		return newFakeRealtime(), nil
	})
	defer m.closeAll()
	defer close(stub.release)

	m.handle(context.Background(), ari.Event{
		Type:    ari.EventStasisStart,
		Channel: &ari.Channel{ID: "chan-slow"},
	})
	m.handle(context.Background(), ari.Event{
		Type:    ari.EventStasisStart,
		Channel: &ari.Channel{ID: "chan-fast"},
	})

	// The fast call must finish setup while the slow one is still
	// parked on its first ARI round-trip.
	waitFor(t, "fast call setup", func() bool { return stub.externalCreated("external_chan-fast") })
	if stub.externalCreated("external_chan-slow") {
		t.Error("blocked call progressed past its stalled ARI request")
	}
	if got := m.ActiveCalls(); got != 2 {
		t.Errorf("ActiveCalls = %d, want 2", got)
	}
}

func TestExternalStasisStartIgnored(t *testing.T) {
	stub := &stubARI{vars: map[string]string{}}
	fake := newFakeRealtime()
	m := testManager(t, stub, fake)
	defer m.closeAll()

	m.handle(context.Background(), ari.Event{
		Type:    ari.EventStasisStart,
		Channel: &ari.Channel{ID: "external_chan-1"},
	})

	if got := m.ActiveCalls(); got != 0 {
		t.Errorf("ActiveCalls = %d, want 0", got)
	}
}

func TestSetupFailureReleasesCaller(t *testing.T) {
	stub := &stubARI{
		vars:        map[string]string{},
		externalErr: errors.New("boom"),
	}
	fake := newFakeRealtime()
	m := testManager(t, stub, fake)

	m.handle(context.Background(), ari.Event{
		Type:    ari.EventStasisStart,
		Channel: &ari.Channel{ID: "chan-1"},
	})

	waitFor(t, "caller hangup after failed setup", func() bool { return stub.hungUp("chan-1") })
	if got := m.ActiveCalls(); got != 0 {
		t.Errorf("ActiveCalls = %d, want 0", got)
	}
}

func TestDetectCodec(t *testing.T) {
	tests := []struct {
		name       string
		vars       map[string]string
		wantFormat string
		wantPT     uint8
	}{
		{"default ulaw", map[string]string{}, "ulaw", rtp.PayloadPCMU},
		{"explicit ulaw", map[string]string{"CHANNEL(audioreadformat)": "ulaw"}, "ulaw", rtp.PayloadPCMU},
		{"alaw read format", map[string]string{"CHANNEL(audioreadformat)": "alaw"}, "alaw", rtp.PayloadPCMA},
		{"alaw write format", map[string]string{"CHANNEL(audiowriteformat)": "g722/alaw"}, "alaw", rtp.PayloadPCMA},
		{"alaw fallback var", map[string]string{"CHANNEL(format)": "ALAW"}, "alaw", rtp.PayloadPCMA},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubARI{vars: tt.vars}
			sess := newSession("chan-1", stub, "openai-app", "127.0.0.1",
				media.Options{}, realtime.Config{}, nil, testLogger())
			format, pt := sess.detectCodec(context.Background())
			if format != tt.wantFormat || pt != tt.wantPT {
				t.Errorf("detectCodec = (%q, %d), want (%q, %d)", format, pt, tt.wantFormat, tt.wantPT)
			}
		})
	}
}

func TestConversationDeathHangsUpCaller(t *testing.T) {
	stub := &stubARI{vars: map[string]string{}}
	fake := newFakeRealtime()
	m := testManager(t, stub, fake)
	defer m.closeAll()

	m.handle(context.Background(), ari.Event{
		Type:    ari.EventStasisStart,
		Channel: &ari.Channel{ID: "chan-1"},
	})

	fake.Close()
	waitFor(t, "caller hangup", func() bool { return stub.hungUp("chan-1") })
}
