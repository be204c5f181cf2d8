// Package config holds the runtime configuration of the agent. Values come
// from command line flags with environment variable fallbacks.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/alecthomas/kingpin.v2"
)

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 32146

	// MemoryHistory keeps scan history in memory only.
	MemoryHistory = ":memory:"
)

// Config is the runtime configuration for the server.
type Config struct {
	Host        string
	Port        int
	MDNS        bool
	NoTray      bool
	HistoryPath string
	HistoryTTL  time.Duration
	PollTimeout time.Duration

	// TransmitTimeout bounds how long an API request waits for an APDU exchange.
	TransmitTimeout time.Duration
}

// FlagRegistrar is implemented by both kingpin applications and commands.
type FlagRegistrar interface {
	Flag(name, help string) *kingpin.FlagClause
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Host:        DefaultHost,
		Port:        DefaultPort,
		HistoryPath: DefaultHistoryPath(),
		HistoryTTL:  24 * time.Hour,
		PollTimeout: time.Second,

		TransmitTimeout: 30 * time.Second,
	}
}

// DefaultHistoryPath returns the on-disk location of the scan history,
// falling back to memory when no config directory is available.
func DefaultHistoryPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return MemoryHistory
	}
	return filepath.Join(dir, "pcsc-agent", "history.db")
}

// Register binds the configuration to flags on r. Every flag can also be set
// through its PCSC_AGENT_* environment variable.
func (c *Config) Register(r FlagRegistrar) *Config {
	r.Flag("host", "Host to bind to.").
		Envar("PCSC_AGENT_HOST").Default(c.Host).StringVar(&c.Host)
	r.Flag("port", "Port to listen on.").
		Envar("PCSC_AGENT_PORT").Default(strconv.Itoa(c.Port)).IntVar(&c.Port)
	r.Flag("mdns", "Advertise the agent on the local network via mDNS.").
		Envar("PCSC_AGENT_MDNS").BoolVar(&c.MDNS)
	r.Flag("no-tray", "Run without system tray (headless mode).").
		BoolVar(&c.NoTray)
	r.Flag("history", "Scan history database path, or :memory:.").
		Envar("PCSC_AGENT_HISTORY").Default(c.HistoryPath).StringVar(&c.HistoryPath)
	r.Flag("history-ttl", "How long scans are kept in history.").
		Envar("PCSC_AGENT_HISTORY_TTL").Default(c.HistoryTTL.String()).DurationVar(&c.HistoryTTL)
	r.Flag("poll-timeout", "Upper bound of each reader status wait.").
		Envar("PCSC_AGENT_POLL_TIMEOUT").Default(c.PollTimeout.String()).DurationVar(&c.PollTimeout)
	r.Flag("transmit-timeout", "How long API requests wait for an APDU response.").
		Envar("PCSC_AGENT_TRANSMIT_TIMEOUT").Default(c.TransmitTimeout.String()).DurationVar(&c.TransmitTimeout)
	return c
}

// Validate checks that the configuration can be served.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("poll timeout must be positive, got %s", c.PollTimeout)
	}
	if c.TransmitTimeout <= 0 {
		return fmt.Errorf("transmit timeout must be positive, got %s", c.TransmitTimeout)
	}
	if c.HistoryTTL < 0 {
		return fmt.Errorf("history ttl must not be negative, got %s", c.HistoryTTL)
	}
	return nil
}

// Address returns the host:port the server listens on.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
