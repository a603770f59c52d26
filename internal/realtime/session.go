// Package realtime maintains a full-duplex WebSocket session with the
// OpenAI Realtime API: caller audio up as base64 append events, model
// audio down as deltas, with server-side VAD, barge-in, and streamed
// function calling.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultURL is the Realtime API endpoint; the model is appended
	// as a query parameter.
	DefaultURL = "wss://api.openai.com/v1/realtime"

	// pingInterval and pongTimeout are deliberately long: a tool call
	// can hold the model's turn open for up to a minute and the
	// connection must survive it.
	pingInterval = 90 * time.Second
	pongTimeout  = 30 * time.Second

	// toolTimeout bounds one tool execution.
	toolTimeout = 60 * time.Second

	// outgoingQueueSize bounds caller→model chunks (75ms each).
	outgoingQueueSize = 64
	// incomingQueueSize bounds model→caller delta payloads.
	incomingQueueSize = 256
)

// Config holds everything needed to open a session.
type Config struct {
	URL          string // defaults to DefaultURL
	APIKey       string
	Model        string
	Voice        string
	Instructions string

	// Server VAD tuning.
	VADThreshold         float64
	VADPrefixPaddingMs   int
	VADSilenceDurationMs int

	Tools *Registry

	// OnBargeIn is invoked when the caller starts speaking over the
	// assistant, after the incoming queue has been flushed. Used to
	// also drop audio already queued for RTP egress.
	OnBargeIn func()

	Logger *slog.Logger
}

// Session is one live Realtime conversation. Create with Connect,
// feed caller audio with SendAudio, consume model audio from
// Incoming, and Close on teardown.
type Session struct {
	cfg    Config
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	outgoing chan []byte
	incoming chan []byte

	// ready is closed when session.updated arrives and audio upload
	// may begin.
	ready     chan struct{}
	readyOnce sync.Once

	// current in-flight tool call accumulator; reader-owned.
	call *toolCall

	speaking atomic.Bool

	done     chan struct{}
	stopC    chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Connect dials the Realtime API, sends the initial session.update,
// and starts the reader, audio pump, and keepalive loops.
func Connect(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, cfg.URL+"?model="+cfg.Model, header)
	if err != nil {
		return nil, fmt.Errorf("dialing realtime api: %w", err)
	}

	s := &Session{
		cfg:      cfg,
		conn:     conn,
		logger:   cfg.Logger.With("subsystem", "realtime", "model", cfg.Model),
		outgoing: make(chan []byte, outgoingQueueSize),
		incoming: make(chan []byte, incomingQueueSize),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		stopC:    make(chan struct{}),
	}

	if err := s.sendSessionUpdate(); err != nil {
		conn.Close()
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	})

	s.wg.Add(3)
	go s.readLoop()
	go s.pumpLoop()
	go s.pingLoop()

	s.logger.Info("realtime session connected",
		"voice", cfg.Voice,
		"tools", cfg.Tools.Len(),
	)
	return s, nil
}

func (s *Session) sendSessionUpdate() error {
	settings := sessionSettings{
		Modalities:        []string{"audio", "text"},
		Voice:             s.cfg.Voice,
		Instructions:      s.cfg.Instructions,
		InputAudioFormat:  "g711_ulaw",
		OutputAudioFormat: "g711_ulaw",
		TurnDetection: turnDetection{
			Type:              "server_vad",
			Threshold:         s.cfg.VADThreshold,
			PrefixPaddingMs:   s.cfg.VADPrefixPaddingMs,
			SilenceDurationMs: s.cfg.VADSilenceDurationMs,
		},
	}
	if defs := s.cfg.Tools.Definitions(); len(defs) > 0 {
		settings.Tools = defs
		settings.ToolChoice = "auto"
	}
	return s.sendJSON(sessionUpdateEvent{Type: "session.update", Session: settings})
}

// sendJSON serializes and writes one client event. gorilla connections
// allow a single concurrent writer, so every write goes through here.
func (s *Session) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding realtime event: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing realtime event: %w", err)
	}
	return nil
}

// SendAudio queues one chunk of caller audio for upload. Chunks are
// dropped with a warning when the queue is full; stalling the RTP
// receive loop would be worse than losing 75ms of audio.
func (s *Session) SendAudio(chunk []byte) {
	select {
	case s.outgoing <- chunk:
	case <-s.stopC:
	default:
		s.logger.Warn("outgoing audio queue full, chunk dropped", "bytes", len(chunk))
	}
}

// Incoming returns the channel of decoded model audio. Closed when the
// session ends.
func (s *Session) Incoming() <-chan []byte { return s.incoming }

// Done is closed when the WebSocket has terminated for any reason.
// The session is not reconnected; the owning call tears down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Speaking reports whether the assistant currently has audio in
// flight.
func (s *Session) Speaking() bool { return s.speaking.Load() }

// Close terminates the session. Safe to call more than once.
func (s *Session) Close() {
	s.stopOnce.Do(func() {
		close(s.stopC)
		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		s.conn.Close()
		s.wg.Wait()
		close(s.incoming)
		s.logger.Info("realtime session closed")
	})
}

// readLoop is the single WebSocket reader. It must never block on
// anything slower than a queue insert; tool execution is handed off.
func (s *Session) readLoop() {
	defer s.wg.Done()
	defer close(s.done)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stopC:
			default:
				s.logger.Warn("realtime websocket closed", "error", err)
			}
			return
		}

		ev, err := decodeServerEvent(data)
		if err != nil {
			s.logger.Warn("malformed realtime event dropped", "error", err)
			continue
		}
		s.handleEvent(ev)
	}
}

func (s *Session) handleEvent(ev *serverEvent) {
	switch ev.Type {
	case evSessionUpdated:
		s.readyOnce.Do(func() { close(s.ready) })
		s.logger.Debug("session configured")

	case evSpeechStarted:
		flushed := s.flushIncoming()
		s.speaking.Store(false)
		s.logger.Info("caller speech started, assistant audio flushed", "chunks_dropped", flushed)
		if s.cfg.OnBargeIn != nil {
			s.cfg.OnBargeIn()
		}

	case evSpeechStopped:
		s.logger.Debug("caller speech stopped")

	case evAudioDelta:
		audio, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			s.logger.Warn("undecodable audio delta dropped", "error", err)
			return
		}
		s.speaking.Store(true)
		select {
		case s.incoming <- audio:
		case <-s.stopC:
		default:
			s.logger.Warn("incoming audio queue full, delta dropped", "bytes", len(audio))
		}

	case evTranscriptDone:
		s.logger.Info("assistant transcript", "text", ev.Transcript)

	case evFuncArgsDelta:
		if s.call == nil || s.call.callID != ev.CallID {
			s.call = &toolCall{callID: ev.CallID, name: ev.Name}
		}
		if s.call.name == "" && ev.Name != "" {
			s.call.name = ev.Name
		}
		s.call.args = append(s.call.args, ev.Delta...)

	case evFuncArgsDone:
		call := s.call
		s.call = nil
		if call == nil {
			// Some server versions deliver the full arguments only in
			// the done event.
			call = &toolCall{callID: ev.CallID, name: ev.Name}
		}
		if ev.Name != "" {
			call.name = ev.Name
		}
		if ev.Arguments != "" {
			call.args = []byte(ev.Arguments)
		}
		s.dispatchTool(call)

	case evResponseDone:
		s.speaking.Store(false)
		s.call = nil

	case evError:
		if ev.Error != nil {
			s.logger.Error("realtime api error", "code", ev.Error.Code, "message", ev.Error.Message)
		} else {
			s.logger.Error("realtime api error with no detail")
		}

	case evInputCommitted, evResponseCreated, evConversationAdded:
		// Bookkeeping events, nothing to do.

	default:
		s.logger.Debug("unhandled realtime event", "type", ev.Type)
	}
}

// flushIncoming drops everything queued for egress. Barge-in: the
// caller must not keep hearing a reply they have already interrupted.
func (s *Session) flushIncoming() int {
	n := 0
	for {
		select {
		case <-s.incoming:
			n++
		default:
			return n
		}
	}
}

// dispatchTool runs a completed function call on its own goroutine and
// sends the result back as a function_call_output followed by
// response.create.
func (s *Session) dispatchTool(call *toolCall) {
	args := json.RawMessage(call.args)
	if len(args) == 0 || !json.Valid(args) {
		s.logger.Warn("tool arguments not valid json, substituting empty object",
			"tool", call.name, "call_id", call.callID)
		args = json.RawMessage("{}")
	}

	s.logger.Info("dispatching tool call", "tool", call.name, "call_id", call.callID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), toolTimeout)
		defer cancel()

		output := s.executeTool(ctx, call.name, args)

		if err := s.sendJSON(itemCreateEvent{
			Type: "conversation.item.create",
			Item: conversationItem{
				Type:   "function_call_output",
				CallID: call.callID,
				Output: output,
			},
		}); err != nil {
			s.logger.Error("sending tool result", "tool", call.name, "error", err)
			return
		}
		if err := s.sendJSON(responseCreateEvent{Type: "response.create"}); err != nil {
			s.logger.Error("requesting response after tool result", "error", err)
		}
	}()
}

// executeTool runs the named tool and serializes its result. Failures
// become an {error, response} object so the model can apologize out
// loud instead of going silent.
func (s *Session) executeTool(ctx context.Context, name string, args json.RawMessage) string {
	tool, ok := s.cfg.Tools.Get(name)
	if !ok {
		s.logger.Error("model invoked unknown tool", "tool", name)
		return errorOutput(fmt.Sprintf("unknown tool %q", name))
	}

	result, err := tool.Execute(ctx, args)
	if err != nil {
		s.logger.Error("tool execution failed", "tool", name, "error", err)
		return errorOutput(err.Error())
	}

	data, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("tool result not serializable", "tool", name, "error", err)
		return errorOutput("internal error")
	}
	return string(data)
}

func errorOutput(detail string) string {
	out, _ := json.Marshal(map[string]string{
		"error":    detail,
		"response": "Lo siento, tuve un problema al consultar esa información. Por favor, intenta de nuevo.",
	})
	return string(out)
}

// pumpLoop uploads caller audio once the session is configured.
func (s *Session) pumpLoop() {
	defer s.wg.Done()

	select {
	case <-s.ready:
	case <-s.stopC:
		return
	}

	for {
		select {
		case chunk := <-s.outgoing:
			ev := audioAppendEvent{
				Type:  "input_audio_buffer.append",
				Audio: base64.StdEncoding.EncodeToString(chunk),
			}
			if err := s.sendJSON(ev); err != nil {
				select {
				case <-s.stopC:
				default:
					s.logger.Warn("audio upload failed", "error", err)
				}
				return
			}
		case <-s.stopC:
			return
		}
	}
}

// pingLoop keeps the connection alive across long tool calls.
func (s *Session) pingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pongTimeout))
			s.writeMu.Unlock()
			if err != nil {
				select {
				case <-s.stopC:
				default:
					s.logger.Warn("ping failed", "error", err)
				}
				return
			}
		case <-s.stopC:
			return
		}
	}
}
