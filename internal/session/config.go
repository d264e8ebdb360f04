package session

import (
	"time"

	"github.com/aminovpavel/meshlink/internal/radio"
)

const (
	defaultSleepGrace       = 30 * time.Second
	defaultEarlyPacketLimit = 128
	defaultProvisionalLimit = 256
	defaultRecentLimit      = 50
	defaultOnlineWindow     = 15 * time.Minute
	defaultReplayWindow     = 10 * time.Minute
	defaultSendTimeout      = 5 * time.Second
	defaultInboxDepth       = 64
)

// Config tunes the session engine. Zero values fall back to defaults.
type Config struct {
	// SleepGrace is added to the device's light sleep period before a
	// sleeping device is declared disconnected.
	SleepGrace time.Duration
	// EarlyPacketLimit caps packets buffered before the node DB is authoritative.
	EarlyPacketLimit int
	// ProvisionalLimit caps node records accepted during one config sync.
	ProvisionalLimit int
	// RecentLimit caps the recent message history.
	RecentLimit int
	// OnlineWindow is how recently a node must have been heard to count as online.
	OnlineWindow time.Duration
	// SweepInterval runs the sent-table timeout sweep periodically; 0 sweeps
	// only when a new id is assigned.
	SweepInterval time.Duration
	// ReplayWindow drops packets whose (from, id) pair was seen this recently.
	// Negative disables the guard.
	ReplayWindow time.Duration
	// SendTimeout bounds a single transport write.
	SendTimeout time.Duration
	// MaxPayloadLen is the payload size limit; payloads must be shorter.
	MaxPayloadLen int
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.normalise()
	return cfg
}

func (c *Config) normalise() {
	if c.SleepGrace <= 0 {
		c.SleepGrace = defaultSleepGrace
	}
	if c.EarlyPacketLimit <= 0 {
		c.EarlyPacketLimit = defaultEarlyPacketLimit
	}
	if c.ProvisionalLimit <= 0 {
		c.ProvisionalLimit = defaultProvisionalLimit
	}
	if c.RecentLimit <= 0 {
		c.RecentLimit = defaultRecentLimit
	}
	if c.OnlineWindow <= 0 {
		c.OnlineWindow = defaultOnlineWindow
	}
	if c.ReplayWindow == 0 {
		c.ReplayWindow = defaultReplayWindow
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	if c.MaxPayloadLen <= 0 {
		c.MaxPayloadLen = radio.MaxPayloadLen
	}
}
