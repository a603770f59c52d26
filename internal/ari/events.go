package ari

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event type names emitted by the Stasis event WebSocket.
const (
	EventDial               = "Dial"
	EventStasisStart        = "StasisStart"
	EventStasisEnd          = "StasisEnd"
	EventPlaybackStarted    = "PlaybackStarted"
	EventPlaybackFinished   = "PlaybackFinished"
	EventChannelStateChange = "ChannelStateChange"
	EventChannelDestroyed   = "ChannelDestroyed"
)

// reconnectDelay is the fixed pause between WebSocket reconnect
// attempts. Events raised during the gap are lost; sessions tolerate
// that. Variable so tests can shorten it.
var reconnectDelay = 5 * time.Second

// Event is one decoded Stasis event. Only the fields relevant to the
// event type are populated; Raw carries the full message for anything
// not modeled here.
type Event struct {
	Type        string          `json:"type"`
	Application string          `json:"application"`
	Timestamp   string          `json:"timestamp"`
	Channel     *Channel        `json:"channel,omitempty"`
	Peer        *Channel        `json:"peer,omitempty"`
	Playback    *Playback       `json:"playback,omitempty"`
	Bridge      *Bridge         `json:"bridge,omitempty"`
	DialStatus  string          `json:"dialstatus,omitempty"`
	Cause       int             `json:"cause,omitempty"`
	Raw         json.RawMessage `json:"-"`
}

// eventQueueSize bounds the delivery channel. ARI event rates are low
// (a handful per call); this absorbs bursts during batch teardown.
const eventQueueSize = 128

// EventStream subscribes to the ARI event WebSocket for one Stasis
// application and delivers decoded events on a channel. The stream
// reconnects forever with a fixed delay until Close is called.
type EventStream struct {
	wsURL  string
	app    string
	logger *slog.Logger

	events chan Event

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	stopC chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// NewEventStream creates a subscriber for the given Stasis app.
// wsBase is e.g. "ws://pbx:8088/ari/events".
func NewEventStream(wsBase, username, password, app string, logger *slog.Logger) *EventStream {
	q := url.Values{}
	q.Set("api_key", username+":"+password)
	q.Set("app", app)

	return &EventStream{
		wsURL:  wsBase + "?" + q.Encode(),
		app:    app,
		logger: logger.With("subsystem", "ari-events", "app", app),
		events: make(chan Event, eventQueueSize),
		stopC:  make(chan struct{}),
	}
}

// Start connects and begins delivering events. The first connection is
// attempted synchronously so startup failures (bad credentials,
// unreachable PBX) surface immediately; later drops reconnect in the
// background.
func (s *EventStream) Start() error {
	conn, err := s.dial()
	if err != nil {
		return fmt.Errorf("connecting to ari events: %w", err)
	}
	s.setConn(conn)

	s.wg.Add(1)
	go s.readLoop(conn)
	return nil
}

// Events returns the delivery channel. It is closed after Close once
// the read loop has exited.
func (s *EventStream) Events() <-chan Event { return s.events }

// Close terminates the stream. Safe to call more than once.
func (s *EventStream) Close() {
	s.once.Do(func() {
		close(s.stopC)
		s.mu.Lock()
		s.closed = true
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
		close(s.events)
	})
}

func (s *EventStream) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(s.wsURL, nil)
	if err != nil {
		return nil, err
	}
	s.logger.Info("ari event stream connected")
	return conn, nil
}

func (s *EventStream) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	if s.closed {
		conn.Close()
	}
}

// readLoop consumes messages from the current connection and
// reconnects with a fixed delay when it drops.
func (s *EventStream) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stopC:
				return
			default:
			}
			s.logger.Warn("ari event stream dropped, reconnecting", "error", err, "delay", reconnectDelay)

			conn = s.reconnect()
			if conn == nil {
				return
			}
			continue
		}

		ev, err := decodeEvent(data)
		if err != nil {
			s.logger.Warn("malformed ari event dropped", "error", err)
			continue
		}

		select {
		case s.events <- ev:
		case <-s.stopC:
			return
		default:
			s.logger.Warn("event queue full, event dropped", "type", ev.Type)
		}
	}
}

// reconnect retries the WebSocket dial until it succeeds or the stream
// is closed. Returns nil when the stream is shutting down.
func (s *EventStream) reconnect() *websocket.Conn {
	for {
		select {
		case <-s.stopC:
			return nil
		case <-time.After(reconnectDelay):
		}

		conn, err := s.dial()
		if err != nil {
			s.logger.Warn("ari reconnect failed", "error", err)
			continue
		}
		s.setConn(conn)
		select {
		case <-s.stopC:
			return nil
		default:
			return conn
		}
	}
}

func decodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decoding event: %w", err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("event missing type field")
	}
	ev.Raw = data
	return ev, nil
}
