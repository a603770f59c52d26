// Package config loads runtime configuration for both voicebridge
// binaries. Precedence: CLI flags > environment variables > defaults.
// The environment names are the operational ones the deployment
// already uses (ASTERISK_*, OPENAI_*, MYSQL_*, …), not a prefixed
// scheme.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration.
type Config struct {
	// Asterisk ARI.
	AsteriskUsername string
	AsteriskPassword string
	AsteriskHost     string
	AsteriskPort     int
	InboundApp       string
	OutboundApp      string

	// LocalIP is the address Asterisk sends ExternalMedia RTP to.
	// Auto-detected when empty.
	LocalIP string

	// RTP media.
	RTPPortMin         int
	RTPPortMax         int
	RTPFrameIntervalMs int

	// OpenAI Realtime.
	OpenAIAPIKey         string
	OpenAIRealtimeModel  string
	Voice                string
	Instructions         string
	VADThreshold         float64
	VADPrefixPaddingMs   int
	VADSilenceDurationMs int

	// Network info tool backend.
	MikrotikAPIURL      string
	EnableMikrotikTools bool

	// Campaign store.
	MySQLServer   string
	MySQLDatabase string
	MySQLUser     string
	MySQLPassword string

	// Outbound campaign tuning (seconds unless noted).
	MaxAttempts       int
	CallTimeout       int
	AudioStartTimeout int
	MaxSilent         int
	RetryDelay        int
	InterJobDelay     int
	PerJobTimeout     int
	OutboundMedia     string
	OutboundCallerID  string
	OutboundEndpoint  string

	// Observability.
	HTTPPort    int
	LogLevel    string
	LogFormat   string
	LogFilePath string
}

// defaults
const (
	defaultAsteriskHost  = "localhost"
	defaultAsteriskPort  = 8088
	defaultInboundApp    = "openai-app"
	defaultOutboundApp   = "overdue-app"
	defaultRTPPortMin    = 10000
	defaultRTPPortMax    = 20000
	defaultFrameInterval = 20
	defaultModel         = "gpt-4o-realtime-preview"
	defaultVoice         = "alloy"
	defaultVADThreshold  = 0.5
	defaultVADPrefix     = 300
	defaultVADSilence    = 500

	defaultMaxAttempts       = 3
	defaultCallTimeout       = 90
	defaultAudioStartTimeout = 15
	defaultMaxSilent         = 20
	defaultRetryDelay        = 120
	defaultInterJobDelay     = 10
	defaultPerJobTimeout     = 600
	defaultOutboundMedia     = "sound:morosos"
	defaultOutboundEndpoint  = "PJSIP/%s"

	defaultHTTPPort  = 9090
	defaultLogLevel  = "info"
	defaultLogFormat = "json"
)

const defaultInstructions = "Eres un asistente telefónico de la empresa. " +
	"Responde en español, de forma breve y natural, como en una llamada de voz. " +
	"Cuando el usuario pregunte por el estado de la red o de los routers, usa la herramienta disponible."

// Load parses configuration for the named binary.
func Load(name string) (*Config, error) {
	return load(name, os.Args[1:])
}

func load(name string, args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)

	fs.StringVar(&cfg.AsteriskUsername, "asterisk-username", "", "ARI username")
	fs.StringVar(&cfg.AsteriskPassword, "asterisk-password", "", "ARI password")
	fs.StringVar(&cfg.AsteriskHost, "asterisk-host", defaultAsteriskHost, "Asterisk host")
	fs.IntVar(&cfg.AsteriskPort, "asterisk-port", defaultAsteriskPort, "Asterisk HTTP port")
	fs.StringVar(&cfg.InboundApp, "inbound-app", defaultInboundApp, "Stasis application for inbound calls")
	fs.StringVar(&cfg.OutboundApp, "outbound-app", defaultOutboundApp, "Stasis application for outbound campaign calls")

	fs.StringVar(&cfg.LocalIP, "local-ip", "", "local IP address for ExternalMedia RTP (auto-detected if empty)")
	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", defaultRTPPortMin, "minimum UDP port for RTP endpoints")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", defaultRTPPortMax, "maximum UDP port for RTP endpoints")
	fs.IntVar(&cfg.RTPFrameIntervalMs, "rtp-frame-interval-ms", defaultFrameInterval, "RTP egress pacing interval in milliseconds")

	fs.StringVar(&cfg.OpenAIAPIKey, "openai-api-key", "", "OpenAI API key")
	fs.StringVar(&cfg.OpenAIRealtimeModel, "openai-realtime-model", defaultModel, "OpenAI realtime model name")
	fs.StringVar(&cfg.Voice, "voice", defaultVoice, "assistant voice")
	fs.StringVar(&cfg.Instructions, "instructions", defaultInstructions, "assistant system instructions")
	fs.Float64Var(&cfg.VADThreshold, "vad-threshold", defaultVADThreshold, "server VAD activation threshold")
	fs.IntVar(&cfg.VADPrefixPaddingMs, "vad-prefix-padding-ms", defaultVADPrefix, "server VAD prefix padding in milliseconds")
	fs.IntVar(&cfg.VADSilenceDurationMs, "vad-silence-duration-ms", defaultVADSilence, "server VAD end-of-speech silence in milliseconds")

	fs.StringVar(&cfg.MikrotikAPIURL, "mikrotik-api-url", "", "base URL of the network info backend")
	fs.BoolVar(&cfg.EnableMikrotikTools, "enable-mikrotik-tools", false, "expose the network info tool to the assistant")

	fs.StringVar(&cfg.MySQLServer, "mysql-server", "", "MySQL host for the campaign store")
	fs.StringVar(&cfg.MySQLDatabase, "mysql-database", "", "MySQL database name")
	fs.StringVar(&cfg.MySQLUser, "mysql-user", "", "MySQL user")
	fs.StringVar(&cfg.MySQLPassword, "mysql-password", "", "MySQL password")

	fs.IntVar(&cfg.MaxAttempts, "max-attempts", defaultMaxAttempts, "maximum call attempts per job")
	fs.IntVar(&cfg.CallTimeout, "call-timeout", defaultCallTimeout, "dial timeout per attempt in seconds")
	fs.IntVar(&cfg.AudioStartTimeout, "audio-start-timeout", defaultAudioStartTimeout, "seconds to wait for playback after answer")
	fs.IntVar(&cfg.MaxSilent, "max-silent", defaultMaxSilent, "seconds of post-answer silence before the attempt fails")
	fs.IntVar(&cfg.RetryDelay, "retry-delay", defaultRetryDelay, "seconds between attempts of one job")
	fs.IntVar(&cfg.InterJobDelay, "inter-job-delay", defaultInterJobDelay, "seconds between jobs")
	fs.IntVar(&cfg.PerJobTimeout, "per-job-timeout", defaultPerJobTimeout, "overall deadline per job in seconds")
	fs.StringVar(&cfg.OutboundMedia, "outbound-media", defaultOutboundMedia, "media URI played to answered outbound calls")
	fs.StringVar(&cfg.OutboundCallerID, "outbound-caller-id", "", "caller id for outbound campaign calls")
	fs.StringVar(&cfg.OutboundEndpoint, "outbound-endpoint", defaultOutboundEndpoint, "dial endpoint template, %s replaced by the normalized phone number")

	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP listen port for health and metrics")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.LogFilePath, "log-file-path", "", "log file path (stdout if empty)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was
// not explicitly provided on the command line, preserving the
// precedence CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"asterisk-username":       "ASTERISK_USERNAME",
		"asterisk-password":       "ASTERISK_PASSWORD",
		"asterisk-host":           "ASTERISK_HOST",
		"asterisk-port":           "ASTERISK_PORT",
		"local-ip":                "LOCAL_IP_ADDRESS",
		"rtp-port-min":            "RTP_PORT_MIN",
		"rtp-port-max":            "RTP_PORT_MAX",
		"rtp-frame-interval-ms":   "RTP_FRAME_INTERVAL_MS",
		"openai-api-key":          "OPENAI_API_KEY",
		"openai-realtime-model":   "OPENAI_REALTIME_MODEL",
		"voice":                   "OPENAI_VOICE",
		"instructions":            "OPENAI_INSTRUCTIONS",
		"mikrotik-api-url":        "MIKROTIK_API_URL",
		"enable-mikrotik-tools":   "ENABLE_MIKROTIK_TOOLS",
		"mysql-server":            "MYSQL_SERVER",
		"mysql-database":          "MYSQL_DATABASE",
		"mysql-user":              "MYSQL_USER",
		"mysql-password":          "MYSQL_PASSWORD",
		"outbound-media":          "OUTBOUND_MEDIA",
		"outbound-caller-id":      "OUTBOUND_CALLER_ID",
		"outbound-endpoint":       "OUTBOUND_ENDPOINT",
		"http-port":               "HTTP_PORT",
		"log-level":               "LOG_LEVEL",
		"log-format":              "LOG_FORMAT",
		"log-file-path":           "LOG_FILE_PATH",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "asterisk-username":
			cfg.AsteriskUsername = val
		case "asterisk-password":
			cfg.AsteriskPassword = val
		case "asterisk-host":
			cfg.AsteriskHost = val
		case "asterisk-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.AsteriskPort = v
			}
		case "local-ip":
			cfg.LocalIP = val
		case "rtp-port-min":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPortMin = v
			}
		case "rtp-port-max":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPortMax = v
			}
		case "rtp-frame-interval-ms":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPFrameIntervalMs = v
			}
		case "openai-api-key":
			cfg.OpenAIAPIKey = val
		case "openai-realtime-model":
			cfg.OpenAIRealtimeModel = val
		case "voice":
			cfg.Voice = val
		case "instructions":
			cfg.Instructions = val
		case "mikrotik-api-url":
			cfg.MikrotikAPIURL = val
		case "enable-mikrotik-tools":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.EnableMikrotikTools = v
			}
		case "mysql-server":
			cfg.MySQLServer = val
		case "mysql-database":
			cfg.MySQLDatabase = val
		case "mysql-user":
			cfg.MySQLUser = val
		case "mysql-password":
			cfg.MySQLPassword = val
		case "outbound-media":
			cfg.OutboundMedia = val
		case "outbound-caller-id":
			cfg.OutboundCallerID = val
		case "outbound-endpoint":
			cfg.OutboundEndpoint = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "log-file-path":
			cfg.LogFilePath = val
		}
	}
}

// validate checks the values shared by both binaries. Per-binary
// mandatory values are checked by ValidateInbound/ValidateOutbound.
func (c *Config) validate() error {
	if c.AsteriskUsername == "" || c.AsteriskPassword == "" {
		return fmt.Errorf("asterisk-username and asterisk-password are required")
	}
	if c.AsteriskPort < 1 || c.AsteriskPort > 65535 {
		return fmt.Errorf("asterisk-port must be between 1 and 65535, got %d", c.AsteriskPort)
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.RTPPortMin < 1024 || c.RTPPortMin > 65534 {
		return fmt.Errorf("rtp-port-min must be between 1024 and 65534, got %d", c.RTPPortMin)
	}
	if c.RTPPortMax < c.RTPPortMin || c.RTPPortMax > 65535 {
		return fmt.Errorf("rtp-port-max must be between rtp-port-min and 65535, got %d", c.RTPPortMax)
	}
	if c.RTPFrameIntervalMs < 1 {
		return fmt.Errorf("rtp-frame-interval-ms must be positive, got %d", c.RTPFrameIntervalMs)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// ValidateInbound checks the values the inbound bridge cannot run
// without.
func (c *Config) ValidateInbound() error {
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("openai-api-key is required")
	}
	if c.OpenAIRealtimeModel == "" {
		return fmt.Errorf("openai-realtime-model is required")
	}
	if c.EnableMikrotikTools && c.MikrotikAPIURL == "" {
		return fmt.Errorf("mikrotik-api-url is required when enable-mikrotik-tools is set")
	}
	return nil
}

// ValidateOutbound checks the values the campaign runner cannot run
// without.
func (c *Config) ValidateOutbound() error {
	if c.MySQLServer == "" || c.MySQLDatabase == "" || c.MySQLUser == "" || c.MySQLPassword == "" {
		return fmt.Errorf("mysql-server, mysql-database, mysql-user and mysql-password are required")
	}
	return nil
}

// ARIBaseURL returns the REST base, e.g. "http://pbx:8088/ari".
func (c *Config) ARIBaseURL() string {
	return fmt.Sprintf("http://%s:%d/ari", c.AsteriskHost, c.AsteriskPort)
}

// ARIWebSocketURL returns the event WebSocket base.
func (c *Config) ARIWebSocketURL() string {
	return fmt.Sprintf("ws://%s:%d/ari/events", c.AsteriskHost, c.AsteriskPort)
}

// FrameInterval returns the configured RTP egress pacing interval.
func (c *Config) FrameInterval() time.Duration {
	return time.Duration(c.RTPFrameIntervalMs) * time.Millisecond
}

// MediaIP returns the local address advertised to Asterisk for
// ExternalMedia. If LocalIP is not configured, the primary
// non-loopback IPv4 address is detected; falls back to "127.0.0.1".
func (c *Config) MediaIP() string {
	if c.LocalIP != "" {
		return c.LocalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler for the configured format and
// level writing to w.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log
// level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
