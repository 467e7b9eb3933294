package reliability

import "time"

// Timeouts holds per-channel dispatch deadlines. Channels are the external
// source kinds, not butler names; the channel of the originating envelope
// decides how long its dispatches may run.
type Timeouts struct {
	Default  time.Duration
	Channels map[string]time.Duration
}

// DefaultTimeouts returns the stock per-channel budget.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Default: 30 * time.Second,
		Channels: map[string]time.Duration{
			"telegram": 15 * time.Second,
			"email":    45 * time.Second,
			"sms":      20 * time.Second,
			"chat":     25 * time.Second,
		},
	}
}

// For returns the timeout for a channel.
func (t Timeouts) For(channel string) time.Duration {
	if d, ok := t.Channels[channel]; ok && d > 0 {
		return d
	}
	if t.Default > 0 {
		return t.Default
	}
	return 30 * time.Second
}
