// Package ari is a client for the Asterisk REST Interface: HTTP
// operations for channel, bridge, and playback control plus a
// WebSocket subscriber for Stasis application events.
package ari

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// httpTimeout bounds every ARI REST request.
const httpTimeout = 30 * time.Second

// ErrAllocationFailed is returned by Originate when Asterisk rejects
// the request for lack of channel resources. Callers must pause at
// least 30 seconds before retrying.
var ErrAllocationFailed = errors.New("asterisk channel allocation failed")

// StatusError is returned for unexpected HTTP status codes and keeps
// the response body for diagnostics.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ari: unexpected status %d: %s", e.Code, e.Body)
}

// Client talks to the ARI REST surface with Basic authentication. It
// is safe for concurrent use and shared process-wide.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	logger   *slog.Logger
}

// NewClient creates an ARI client for the given base URL, e.g.
// "http://pbx:8088/ari".
func NewClient(baseURL, username, password string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     &http.Client{Timeout: httpTimeout},
		logger:   logger.With("subsystem", "ari-client"),
	}
}

// do issues a request and decodes the JSON response into out when the
// status is one of okStatuses. Other statuses become a *StatusError.
// A non-nil body is marshalled as JSON; ARI only accepts some fields,
// channel variables among them, in the request body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any, okStatuses ...int) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	ok := false
	for _, s := range okStatuses {
		if resp.StatusCode == s {
			ok = true
			break
		}
	}
	if !ok {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding %s %s response: %w", method, path, err)
		}
	}
	return nil
}

// OriginateRequest describes an outbound channel origination.
type OriginateRequest struct {
	Endpoint  string
	App       string
	AppArgs   string
	CallerID  string
	ChannelID string
	// Timeout is the dial timeout in seconds; 0 uses the Asterisk
	// default.
	Timeout   int
	Variables map[string]string
}

// Originate creates a new outbound channel and hands it to the Stasis
// app on answer. A 5xx whose body mentions "Allocation failed" maps to
// ErrAllocationFailed.
func (c *Client) Originate(ctx context.Context, req OriginateRequest) (*Channel, error) {
	q := url.Values{}
	q.Set("endpoint", req.Endpoint)
	q.Set("app", req.App)
	if req.AppArgs != "" {
		q.Set("appArgs", req.AppArgs)
	}
	if req.CallerID != "" {
		q.Set("callerId", req.CallerID)
	}
	if req.ChannelID != "" {
		q.Set("channelId", req.ChannelID)
	}
	if req.Timeout > 0 {
		q.Set("timeout", fmt.Sprintf("%d", req.Timeout))
	}
	// Channel variables only travel in the JSON body; ARI ignores
	// variables[...] query parameters.
	var body any
	if len(req.Variables) > 0 {
		body = map[string]any{"variables": req.Variables}
	}

	var ch Channel
	err := c.do(ctx, http.MethodPost, "/channels", q, body, &ch, http.StatusOK, http.StatusCreated)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && strings.Contains(se.Body, "Allocation failed") {
			return nil, fmt.Errorf("%w: %s", ErrAllocationFailed, se.Body)
		}
		return nil, err
	}

	c.logger.Info("channel originated", "channel_id", ch.ID, "endpoint", req.Endpoint, "app", req.App)
	return &ch, nil
}

// ExternalMediaRequest describes an ExternalMedia channel pointing
// Asterisk's RTP at a local UDP socket.
type ExternalMediaRequest struct {
	App string
	// ExternalHost is "ip:port" of the local RTP endpoint.
	ExternalHost string
	// Format is the Asterisk format name, "ulaw" or "alaw".
	Format    string
	ChannelID string
	Variables map[string]string
}

// CreateExternalMedia allocates an ExternalMedia channel that shuttles
// the bridge's audio over raw RTP to ExternalHost.
func (c *Client) CreateExternalMedia(ctx context.Context, req ExternalMediaRequest) (*Channel, error) {
	q := url.Values{}
	q.Set("app", req.App)
	q.Set("external_host", req.ExternalHost)
	q.Set("format", req.Format)
	q.Set("encapsulation", "rtp")
	q.Set("transport", "udp")
	q.Set("connection_type", "client")
	q.Set("direction", "both")
	if req.ChannelID != "" {
		q.Set("channelId", req.ChannelID)
	}
	var body any
	if len(req.Variables) > 0 {
		body = map[string]any{"variables": req.Variables}
	}

	var ch Channel
	if err := c.do(ctx, http.MethodPost, "/channels/externalMedia", q, body, &ch, http.StatusOK, http.StatusCreated); err != nil {
		return nil, fmt.Errorf("creating external media channel: %w", err)
	}

	c.logger.Info("external media channel created",
		"channel_id", ch.ID,
		"external_host", req.ExternalHost,
		"format", req.Format,
	)
	return &ch, nil
}

// CreateBridge creates a mixing bridge with the given id.
func (c *Client) CreateBridge(ctx context.Context, id string) (*Bridge, error) {
	q := url.Values{}
	q.Set("type", "mixing")
	if id != "" {
		q.Set("bridgeId", id)
	}

	var b Bridge
	if err := c.do(ctx, http.MethodPost, "/bridges", q, nil, &b, http.StatusOK, http.StatusCreated); err != nil {
		return nil, fmt.Errorf("creating bridge: %w", err)
	}
	return &b, nil
}

// AddChannel places a channel into a bridge. Asterisk returns 204 here
// on most versions, 200 on some; both are success.
func (c *Client) AddChannel(ctx context.Context, bridgeID, channelID string) error {
	q := url.Values{}
	q.Set("channel", channelID)
	err := c.do(ctx, http.MethodPost, "/bridges/"+bridgeID+"/addChannel", q, nil, nil,
		http.StatusOK, http.StatusNoContent)
	if err != nil {
		return fmt.Errorf("adding channel %s to bridge %s: %w", channelID, bridgeID, err)
	}
	return nil
}

// Play starts media playback on a channel and returns the playback
// handle. Media is an Asterisk media URI, e.g. "sound:morosos" for a
// dialplan-resolved recording. ARI answers 201 Created.
func (c *Client) Play(ctx context.Context, channelID, media string) (*Playback, error) {
	q := url.Values{}
	q.Set("media", media)

	var pb Playback
	if err := c.do(ctx, http.MethodPost, "/channels/"+channelID+"/play", q, nil, &pb,
		http.StatusCreated, http.StatusOK); err != nil {
		return nil, fmt.Errorf("starting playback on %s: %w", channelID, err)
	}

	c.logger.Info("playback started", "playback_id", pb.ID, "channel_id", channelID, "media", media)
	return &pb, nil
}

// GetChannel fetches one channel by id.
func (c *Client) GetChannel(ctx context.Context, channelID string) (*Channel, error) {
	var ch Channel
	if err := c.do(ctx, http.MethodGet, "/channels/"+channelID, nil, nil, &ch, http.StatusOK); err != nil {
		return nil, fmt.Errorf("getting channel %s: %w", channelID, err)
	}
	return &ch, nil
}

// ListChannels returns all channels known to Asterisk.
func (c *Client) ListChannels(ctx context.Context) ([]Channel, error) {
	var chans []Channel
	if err := c.do(ctx, http.MethodGet, "/channels", nil, nil, &chans, http.StatusOK); err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}
	return chans, nil
}

// GetChannelVar reads a channel variable. A variable Asterisk does not
// know (404, or the 500 some builds return for unset CHANNEL(...)
// introspection) is not an error: ok is false and err is nil. Only
// transport failures are reported as errors.
func (c *Client) GetChannelVar(ctx context.Context, channelID, name string) (value string, ok bool, err error) {
	q := url.Values{}
	q.Set("variable", name)

	var out struct {
		Value string `json:"value"`
	}
	err = c.do(ctx, http.MethodGet, "/channels/"+channelID+"/variable", q, nil, &out, http.StatusOK)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			return "", false, nil
		}
		return "", false, err
	}
	if out.Value == "" {
		return "", false, nil
	}
	return out.Value, true, nil
}

// Hangup deletes a channel. A channel that is already gone is not an
// error.
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	err := c.do(ctx, http.MethodDelete, "/channels/"+channelID, nil, nil, nil,
		http.StatusOK, http.StatusNoContent)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("hanging up channel %s: %w", channelID, err)
	}
	return nil
}

// DeleteBridge destroys a bridge. A bridge that is already gone is not
// an error.
func (c *Client) DeleteBridge(ctx context.Context, bridgeID string) error {
	err := c.do(ctx, http.MethodDelete, "/bridges/"+bridgeID, nil, nil, nil,
		http.StatusOK, http.StatusNoContent)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("deleting bridge %s: %w", bridgeID, err)
	}
	return nil
}

// Info fetches Asterisk system information. Used as the pre-flight
// health check: a working response proves both connectivity and
// credentials.
func (c *Client) Info(ctx context.Context) (*AsteriskInfo, error) {
	var info AsteriskInfo
	if err := c.do(ctx, http.MethodGet, "/asterisk/info", nil, nil, &info, http.StatusOK); err != nil {
		return nil, fmt.Errorf("getting asterisk info: %w", err)
	}
	return &info, nil
}
