package agent

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// TunnelPath is the coordinator's agent link endpoint.
const TunnelPath = "/ws/tunnel"

// Config tunes the agent's link and local listeners.
type Config struct {
	// ServerURL is the coordinator base URL, e.g. ws://localhost:3001.
	ServerURL        string
	ReconnectDelay   time.Duration
	PingInterval     time.Duration
	HeartbeatTimeout time.Duration
	// BindHost is where local tunnel listeners are opened.
	BindHost string
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay:   3 * time.Second,
		PingInterval:     30 * time.Second,
		HeartbeatTimeout: 60 * time.Second,
		BindHost:         "127.0.0.1",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.BindHost == "" {
		c.BindHost = def.BindHost
	}
	return c
}

// TunnelURL derives the link URL from a coordinator base URL. http(s)
// schemes are mapped to ws(s).
func TunnelURL(server string) (string, error) {
	u, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("server url %q: scheme must be ws, wss, http or https", server)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server url %q has no host", server)
	}
	u.Path = strings.TrimRight(u.Path, "/") + TunnelPath
	return u.String(), nil
}
