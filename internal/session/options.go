package session

import "time"

// Transport names accepted in Options.Transports.
const (
	TransportWebSocket = "websocket"
	TransportPolling   = "polling"
)

// Options configures a Session. Start from DefaultOptions; the zero value
// disables reconnection.
type Options struct {
	// AutoConnect opens the transport in New instead of on the first Connect.
	AutoConnect bool
	// Reconnection retries a dropped transport and re-announces the last
	// joined username once it is back.
	Reconnection         bool
	ReconnectionAttempts int
	ReconnectionDelay    time.Duration
	// Transports are tried in order on every connect attempt.
	Transports []string
	// Origin is sent on the websocket handshake and poll requests. Empty
	// derives it from the server URL.
	Origin      string
	DialTimeout time.Duration
}

// DefaultOptions returns the recommended settings.
func DefaultOptions() Options {
	return Options{
		AutoConnect:          false,
		Reconnection:         true,
		ReconnectionAttempts: 5,
		ReconnectionDelay:    time.Second,
		Transports:           []string{TransportWebSocket, TransportPolling},
		DialTimeout:          10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	defaults := DefaultOptions()
	if o.ReconnectionAttempts <= 0 {
		o.ReconnectionAttempts = defaults.ReconnectionAttempts
	}
	if o.ReconnectionDelay <= 0 {
		o.ReconnectionDelay = defaults.ReconnectionDelay
	}
	if len(o.Transports) == 0 {
		o.Transports = defaults.Transports
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaults.DialTimeout
	}
	return o
}
