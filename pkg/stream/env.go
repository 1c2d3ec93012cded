package stream

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Environment variables consulted by DefaultConfig. Per-instance Config
// fields always win over these.
const (
	// EnvMaxReconnect overrides the reconnect attempt ceiling.
	EnvMaxReconnect = "FEEDWIRE_MAX_RECONNECT"
	// EnvReconnectInterval overrides the delay between attempts, in
	// milliseconds.
	EnvReconnectInterval = "FEEDWIRE_RECONNECT_INTERVAL_MS"
	// EnvHistorySize overrides the retained history bound.
	EnvHistorySize = "FEEDWIRE_HISTORY_SIZE"
)

// DefaultConfig returns a Config with reconnect and history settings taken
// from the environment where set, falling back to the package defaults.
// Endpoint, channel, token and callbacks still need to be filled in.
func DefaultConfig() Config {
	intervalMs := envInt(EnvReconnectInterval, int(DefaultReconnectInterval/time.Millisecond))
	return Config{
		MaxReconnect:      envInt(EnvMaxReconnect, DefaultMaxReconnect),
		ReconnectInterval: time.Duration(intervalMs) * time.Millisecond,
		HistorySize:       envInt(EnvHistorySize, DefaultHistorySize),
	}
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		slog.Warn("ignoring invalid environment value", "key", key, "value", raw)
		return fallback
	}
	return n
}
