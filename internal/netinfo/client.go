// Package netinfo queries the network information backend (a natural
// language front end over the MikroTik fleet) on behalf of the voice
// assistant. Every failure mode maps to a speakable Spanish response
// so the assistant can explain the problem instead of going quiet.
package netinfo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	// defaultAPITimeout is the server-side budget sent with each
	// query.
	defaultAPITimeout = 60 * time.Second
	// requestTimeout bounds the HTTP request and must exceed the API
	// budget.
	requestTimeout = 70 * time.Second
	// healthTimeout bounds the health probe.
	healthTimeout = 5 * time.Second

	minQuestionLen = 3
	maxQuestionLen = 500
)

// Spoken fallback responses.
const (
	respTooLong    = "La pregunta es demasiado larga. Por favor, hazla más corta."
	respTooShort   = "La pregunta es demasiado corta. Por favor, sé más específico."
	respTimeout    = "La consulta tardó demasiado tiempo en responder. Por favor, intenta con una pregunta más simple o inténtalo nuevamente."
	respNoConnect  = "No pude conectarme al servidor de información. Por favor, intenta más tarde."
	respServerErr  = "Hubo un error al consultar el servidor. Por favor, intenta nuevamente."
	respNoResponse = "No recibí respuesta del servidor."
)

// Result is the outcome of one query, shaped for direct use as a
// function_call_output.
type Result struct {
	Success  bool           `json:"success"`
	Response string         `json:"response"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Client talks to the backend's /query and /health endpoints.
type Client struct {
	http       *resty.Client
	apiTimeout time.Duration
	logger     *slog.Logger
}

// NewClient creates a client for the backend at baseURL, e.g.
// "http://10.0.0.9:5050".
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(requestTimeout),
		apiTimeout: defaultAPITimeout,
		logger:     logger.With("subsystem", "netinfo"),
	}
}

// Health probes the backend. Used at startup to decide whether to log
// a warning; tool registration does not depend on it.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		Get("/health")
	if err != nil {
		return fmt.Errorf("netinfo health check: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("netinfo health check: status %d", resp.StatusCode())
	}
	return nil
}

// Query asks the backend a natural-language question. timeout is the
// server-side budget; zero selects the default. The returned Result is
// always speakable: validation failures, timeouts, and transport
// errors are folded into Response text with Success false.
func (c *Client) Query(ctx context.Context, question string, timeout time.Duration) Result {
	if len(question) > maxQuestionLen {
		return Result{Success: false, Response: respTooLong}
	}
	if len(question) < minQuestionLen {
		return Result{Success: false, Response: respTooShort}
	}
	if timeout <= 0 {
		timeout = c.apiTimeout
	}

	c.logger.Info("querying network info backend", "question", question, "timeout", timeout)

	var out struct {
		Success  bool           `json:"success"`
		Response string         `json:"response"`
		Metadata map[string]any `json:"metadata"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"question": question,
			"timeout":  int(timeout.Seconds()),
		}).
		SetResult(&out).
		Post("/query")

	switch {
	case err != nil && (errors.Is(err, context.DeadlineExceeded) || isTimeout(err)):
		c.logger.Error("netinfo query timed out", "question", question, "timeout", timeout)
		return Result{Success: false, Response: respTimeout}
	case err != nil:
		c.logger.Error("netinfo query failed", "error", err)
		return Result{Success: false, Response: respNoConnect}
	case resp.StatusCode() != http.StatusOK:
		c.logger.Error("netinfo query rejected", "status", resp.StatusCode())
		return Result{Success: false, Response: respServerErr}
	}

	response := out.Response
	if response == "" {
		response = respNoResponse
	}
	return Result{Success: out.Success, Response: response, Metadata: out.Metadata}
}

// isTimeout reports whether the transport error was a timeout rather
// than a connection failure.
func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
