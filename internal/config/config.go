package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bit2swaz/disasterconnect/internal/discovery"
	"github.com/bit2swaz/disasterconnect/internal/reliability"
)

const (
	DefaultPort          = 9000
	DefaultWebPort       = 8080
	DefaultDiscoveryPort = discovery.DefaultPort
	DefaultRoom          = "general"
	DefaultNick          = "Anonymous"
	DefaultDataRoot      = ".disasterconnect"
)

var ErrInvalidConfig = errors.New("config: invalid")

// Config holds everything the start command needs to bootstrap a node.
type Config struct {
	Port          int
	WebPort       int
	DiscoveryPort int
	Nick          string
	Room          string
	DataDir       string
	LogLevel      string

	AckTimeout       time.Duration
	AckRetries       int
	FlushInterval    time.Duration
	AnnounceInterval time.Duration

	MDNS           bool
	Headless       bool
	DiscordWebhook string
}

// WithDefaults fills unset fields. A web port left at its default follows
// the mesh port offset so several nodes can share one host.
func (c Config) WithDefaults() Config {
	out := c
	if out.Port == 0 {
		out.Port = DefaultPort
	}
	if out.WebPort == 0 || (out.WebPort == DefaultWebPort && out.Port != DefaultPort) {
		out.WebPort = DefaultWebPort + (out.Port - DefaultPort)
	}
	if out.DiscoveryPort == 0 {
		out.DiscoveryPort = DefaultDiscoveryPort
	}
	out.Nick = strings.TrimSpace(out.Nick)
	if out.Nick == "" {
		out.Nick = DefaultNick
	}
	out.Room = strings.TrimSpace(out.Room)
	if out.Room == "" {
		out.Room = DefaultRoom
	}
	if out.DataDir == "" {
		out.DataDir = filepath.Join(DefaultDataRoot, strconv.Itoa(out.Port))
	}
	if out.LogLevel == "" {
		out.LogLevel = "info"
	}
	if out.AckTimeout <= 0 {
		out.AckTimeout = reliability.DefaultAckTimeout
	}
	if out.AckRetries <= 0 {
		out.AckRetries = reliability.DefaultAckRetries
	}
	if out.FlushInterval <= 0 {
		out.FlushInterval = reliability.DefaultFlushInterval
	}
	if out.AnnounceInterval <= 0 {
		out.AnnounceInterval = discovery.DefaultInterval
	}
	return out
}

func (c Config) Validate() error {
	for name, port := range map[string]int{"port": c.Port, "web port": c.WebPort, "discovery port": c.DiscoveryPort} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%w: %s %d out of range", ErrInvalidConfig, name, port)
		}
	}
	if c.Port == c.WebPort {
		return fmt.Errorf("%w: web port must differ from mesh port %d", ErrInvalidConfig, c.Port)
	}
	if strings.ContainsAny(c.Room, " \t\n") {
		return fmt.Errorf("%w: room %q must not contain whitespace", ErrInvalidConfig, c.Room)
	}
	if c.Nick == "" || c.Room == "" || c.DataDir == "" {
		return fmt.Errorf("%w: nick, room and data dir are required", ErrInvalidConfig)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, c.LogLevel)
	}
	return nil
}

func (c Config) IdentityPath() string { return filepath.Join(c.DataDir, "identity.json") }
func (c Config) BufferPath() string   { return filepath.Join(c.DataDir, "buffer.json") }
func (c Config) ArchivePath() string  { return filepath.Join(c.DataDir, "archive.db") }
func (c Config) LogPath() string      { return filepath.Join(c.DataDir, "disasterconnect.log") }
