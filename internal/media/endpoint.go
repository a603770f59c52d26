// Package media terminates the UDP RTP leg of a call. An Endpoint owns
// one socket: inbound datagrams are parsed, cleaned, and batched into
// chunks sized for the realtime API; outbound audio is queued and sent
// as paced 20ms G.711 frames with monotonic sequence numbers and
// timestamps.
package media

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voicebridge/voicebridge/internal/rtp"
)

const (
	// maxDatagram is the receive buffer size. G.711 frames are 172
	// bytes on the wire; anything larger than this is not RTP we care
	// about.
	maxDatagram = 1024

	// defaultBatchBytes is the ingress accumulator chunk size. 600
	// u-law bytes is 75ms of audio: large enough to keep WebSocket
	// overhead down, small enough to keep added latency under 100ms.
	defaultBatchBytes = 600

	// defaultFrameInterval paces egress at nominal 20ms frame time.
	defaultFrameInterval = 20 * time.Millisecond

	// primingFrames is how many egress frames must be buffered before
	// transmission starts. 10 frames (200ms) absorbs the ragged start
	// of a TTS response without underflowing.
	primingFrames = 10

	// underflowWait is how long the sender waits for the next frame
	// before emitting silence to keep the stream's timing alive.
	underflowWait = 500 * time.Millisecond

	// readDeadline bounds each blocking socket read so the receive
	// loop can observe the stop flag.
	readDeadline = 500 * time.Millisecond

	// ingressQueueSize bounds the batched-chunk delivery channel.
	ingressQueueSize = 32

	// egressQueueSize bounds the outbound frame queue. 256 frames is
	// about 5 seconds of audio.
	egressQueueSize = 256
)

// ErrNotStarted is returned by Send before Start has been called.
var ErrNotStarted = errors.New("endpoint not started")

// Stats holds per-endpoint counters. All fields are updated atomically
// and may be read while the endpoint is running.
type Stats struct {
	PacketsIn      atomic.Uint64
	PacketsOut     atomic.Uint64
	BytesIn        atomic.Uint64
	BytesOut       atomic.Uint64
	InvalidFrames  atomic.Uint64
	SilenceCleaned atomic.Uint64
	UnderflowFills atomic.Uint64
}

// StatsSnapshot is a plain-value copy of Stats, suitable for
// aggregation across endpoints.
type StatsSnapshot struct {
	PacketsIn      uint64
	PacketsOut     uint64
	BytesIn        uint64
	BytesOut       uint64
	InvalidFrames  uint64
	SilenceCleaned uint64
	UnderflowFills uint64
}

// Snapshot reads all counters at once.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		PacketsIn:      s.PacketsIn.Load(),
		PacketsOut:     s.PacketsOut.Load(),
		BytesIn:        s.BytesIn.Load(),
		BytesOut:       s.BytesOut.Load(),
		InvalidFrames:  s.InvalidFrames.Load(),
		SilenceCleaned: s.SilenceCleaned.Load(),
		UnderflowFills: s.UnderflowFills.Load(),
	}
}

// Add folds another snapshot into this one.
func (s *StatsSnapshot) Add(o StatsSnapshot) {
	s.PacketsIn += o.PacketsIn
	s.PacketsOut += o.PacketsOut
	s.BytesIn += o.BytesIn
	s.BytesOut += o.BytesOut
	s.InvalidFrames += o.InvalidFrames
	s.SilenceCleaned += o.SilenceCleaned
	s.UnderflowFills += o.UnderflowFills
}

// atomicAddr holds the remote RTP address, which may be learned or
// re-learned from inbound traffic (symmetric RTP).
type atomicAddr struct {
	addr atomic.Pointer[net.UDPAddr]
}

func (a *atomicAddr) Load() *net.UDPAddr { return a.addr.Load() }

// update stores the new address and reports whether it changed.
func (a *atomicAddr) update(addr *net.UDPAddr) bool {
	old := a.addr.Load()
	if old != nil && old.IP.Equal(addr.IP) && old.Port == addr.Port {
		return false
	}
	a.addr.Store(addr)
	return true
}

// Options tunes an Endpoint. The zero value selects the defaults above.
type Options struct {
	// FrameInterval overrides the egress pacing interval.
	FrameInterval time.Duration
	// BatchBytes overrides the ingress chunk size.
	BatchBytes int
	// PortMin and PortMax bound the local bind probe.
	PortMin, PortMax int
}

func (o *Options) withDefaults() Options {
	out := Options{
		FrameInterval: defaultFrameInterval,
		BatchBytes:    defaultBatchBytes,
		PortMin:       10000,
		PortMax:       20000,
	}
	if o == nil {
		return out
	}
	if o.FrameInterval > 0 {
		out.FrameInterval = o.FrameInterval
	}
	if o.BatchBytes > 0 {
		out.BatchBytes = o.BatchBytes
	}
	if o.PortMin > 0 {
		out.PortMin = o.PortMin
	}
	if o.PortMax > 0 {
		out.PortMax = o.PortMax
	}
	return out
}

// Endpoint is the per-call RTP socket. Create with NewEndpoint, feed
// model audio in with Send, consume caller audio from Ingress, and
// Stop on teardown. Stop is idempotent.
type Endpoint struct {
	conn   *net.UDPConn
	opts   Options
	logger *slog.Logger

	payloadType uint8
	seq         *rtp.Sequencer
	remote      atomicAddr

	ingress chan []byte
	egress  chan []byte

	started  atomic.Bool
	stopped  atomic.Bool
	stopC    chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	stats Stats
}

// NewEndpoint binds a UDP socket on ip within the configured port
// range. The endpoint does not process traffic until Start is called.
func NewEndpoint(ip net.IP, opts *Options, logger *slog.Logger) (*Endpoint, error) {
	o := opts.withDefaults()
	conn, err := bindInRange(ip, o.PortMin, o.PortMax)
	if err != nil {
		return nil, fmt.Errorf("binding rtp socket: %w", err)
	}

	e := &Endpoint{
		conn:    conn,
		opts:    o,
		logger:  logger.With("subsystem", "rtp-endpoint", "local", conn.LocalAddr().String()),
		ingress: make(chan []byte, ingressQueueSize),
		egress:  make(chan []byte, egressQueueSize),
		stopC:   make(chan struct{}),
	}
	return e, nil
}

// LocalAddr returns the bound UDP address.
func (e *Endpoint) LocalAddr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}

// Port returns the bound UDP port.
func (e *Endpoint) Port() int { return e.LocalAddr().Port }

// RemoteAddr returns the current remote RTP address, or nil if it has
// not been configured or learned yet.
func (e *Endpoint) RemoteAddr() *net.UDPAddr { return e.remote.Load() }

// Stats returns the endpoint's counters.
func (e *Endpoint) Stats() *Stats { return &e.stats }

// Start launches the receive and paced-send loops. remote may be nil,
// in which case the peer address is learned from the first inbound
// datagram.
func (e *Endpoint) Start(remote *net.UDPAddr, payloadType uint8) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("endpoint already started")
	}
	e.payloadType = payloadType
	e.seq = rtp.NewSequencer(payloadType)
	if remote != nil {
		e.remote.update(remote)
	}

	e.logger.Info("rtp endpoint started",
		"remote", remoteString(remote),
		"payload_type", payloadType,
		"frame_interval", e.opts.FrameInterval,
	)

	e.wg.Add(2)
	go e.receiveLoop()
	go e.sendLoop()
	return nil
}

// Ingress returns the channel of batched caller-audio chunks. The
// channel is closed when the endpoint stops.
func (e *Endpoint) Ingress() <-chan []byte { return e.ingress }

// Send queues one frame of model audio for paced transmission. The
// model streams audio faster than real time, so a full buffer is the
// normal case: Send blocks until the pacer drains a slot. Stop
// unblocks any waiting sender.
func (e *Endpoint) Send(frame []byte) error {
	if !e.started.Load() {
		return ErrNotStarted
	}
	if e.stopped.Load() {
		return nil
	}
	select {
	case e.egress <- frame:
	case <-e.stopC:
	}
	return nil
}

// FlushEgress discards all queued egress frames. Used on barge-in so
// the caller stops hearing the assistant promptly.
func (e *Endpoint) FlushEgress() int {
	n := 0
	for {
		select {
		case <-e.egress:
			n++
		default:
			if n > 0 {
				e.logger.Debug("egress buffer flushed", "frames", n)
			}
			return n
		}
	}
}

// Stop closes the socket and terminates both loops. The ingress
// channel is closed after the receive loop exits. Safe to call more
// than once.
func (e *Endpoint) Stop() {
	e.stopOnce.Do(func() {
		e.stopped.Store(true)
		close(e.stopC)
		e.conn.Close()
		e.wg.Wait()
		close(e.ingress)

		e.logger.Info("rtp endpoint stopped",
			"packets_in", e.stats.PacketsIn.Load(),
			"packets_out", e.stats.PacketsOut.Load(),
			"invalid_frames", e.stats.InvalidFrames.Load(),
			"silence_cleaned", e.stats.SilenceCleaned.Load(),
			"underflow_fills", e.stats.UnderflowFills.Load(),
		)
	})
}

// receiveLoop reads datagrams, parses and cleans them, and batches
// payload bytes into chunks for the realtime session.
func (e *Endpoint) receiveLoop() {
	defer e.wg.Done()

	buf := make([]byte, maxDatagram)
	var accum []byte

	for !e.stopped.Load() {
		if err := e.conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return
		}
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if e.stopped.Load() {
				return
			}
			e.logger.Warn("rtp read error", "error", err)
			continue
		}

		pkt, err := rtp.Parse(buf[:n])
		if err != nil {
			e.stats.InvalidFrames.Add(1)
			continue
		}

		e.stats.PacketsIn.Add(1)
		e.stats.BytesIn.Add(uint64(len(pkt.Payload)))

		// Symmetric RTP: learn (or follow) the peer from where the
		// traffic actually comes from.
		if e.remote.update(addr) {
			e.logger.Info("remote rtp address learned", "remote", addr.String())
		}

		payload := append([]byte(nil), pkt.Payload...)
		if e.payloadType == rtp.PayloadPCMU && rtp.CleanFrame(payload) {
			e.stats.SilenceCleaned.Add(1)
		}

		accum = append(accum, payload...)
		for len(accum) >= e.opts.BatchBytes {
			chunk := append([]byte(nil), accum[:e.opts.BatchBytes]...)
			accum = accum[e.opts.BatchBytes:]
			select {
			case e.ingress <- chunk:
			case <-e.stopC:
				return
			}
		}
	}
}

// sendLoop transmits queued frames on a fixed cadence. It first
// buffers primingFrames of audio, then sends one frame per interval.
// On underflow it waits up to underflowWait for more audio before
// emitting a silence frame so sequence/timestamp progression never
// stalls.
func (e *Endpoint) sendLoop() {
	defer e.wg.Done()

	// Wait for the first frame before doing anything.
	var first []byte
	select {
	case first = <-e.egress:
	case <-e.stopC:
		return
	}

	// Prime: give the producer a short window to queue the initial
	// burst so playback does not start and immediately starve.
	primeDeadline := time.Now().Add(time.Duration(primingFrames) * e.opts.FrameInterval)
	for len(e.egress) < primingFrames-1 && time.Now().Before(primeDeadline) {
		time.Sleep(e.opts.FrameInterval / 2)
	}

	next := time.Now()
	frame := first
	for {
		if frame == nil {
			select {
			case frame = <-e.egress:
			case <-time.After(underflowWait):
				frame = rtp.SilenceFrame()
				e.stats.UnderflowFills.Add(1)
				// Timing credit from the pause is spent; restart the
				// cadence from now.
				next = time.Now()
			case <-e.stopC:
				return
			}
		}

		e.transmit(frame)
		frame = nil

		next = next.Add(e.opts.FrameInterval)
		if sleep := time.Until(next); sleep > 0 {
			select {
			case <-time.After(sleep):
			case <-e.stopC:
				return
			}
		}
	}
}

// transmit builds and sends a single RTP packet to the current remote.
// Frames are dropped while the remote is still unknown.
func (e *Endpoint) transmit(frame []byte) {
	remote := e.remote.Load()
	if remote == nil {
		return
	}

	data, err := e.seq.Next(frame).Marshal()
	if err != nil {
		e.logger.Error("building rtp packet", "error", err)
		return
	}
	if _, err := e.conn.WriteToUDP(data, remote); err != nil {
		if !e.stopped.Load() {
			e.logger.Warn("rtp send error", "error", err)
		}
		return
	}
	e.stats.PacketsOut.Add(1)
	e.stats.BytesOut.Add(uint64(len(frame)))
}

func remoteString(addr *net.UDPAddr) string {
	if addr == nil {
		return "unknown"
	}
	return addr.String()
}
