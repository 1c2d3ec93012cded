package hub

import (
	"fmt"
	"regexp"
	"strings"
)

// Channel names double as URL path segments, so they stay lowercase and
// short.
var channelNamePattern = regexp.MustCompile(`^[a-z0-9_-]{1,32}$`)

// DefaultChannels are the streams a feedwire deployment serves unless
// configured otherwise.
var DefaultChannels = []string{"logs", "monitoring", "tasks"}

// ValidChannelName reports whether name is acceptable as a channel name.
func ValidChannelName(name string) bool {
	return channelNamePattern.MatchString(name)
}

// ParseChannels splits a comma-separated channel list and validates each
// entry. Used for the -channels server flag.
func ParseChannels(raw string) ([]string, error) {
	parts := strings.Split(raw, ",")
	channels := make([]string, 0, len(parts))
	for _, part := range parts {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}
		if !ValidChannelName(name) {
			return nil, fmt.Errorf("invalid channel name %q", name)
		}
		channels = append(channels, name)
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("no channels in %q", raw)
	}
	return channels, nil
}
