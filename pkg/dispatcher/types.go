package dispatcher

import "time"

// SubscribeAck acknowledges a successful subscribe.
type SubscribeAck struct {
	Success          bool     `json:"success"`
	Channel          string   `json:"channel"`
	ResolvedChannels []string `json:"resolvedChannels"`
}

// UnsubscribeAck acknowledges an unsubscribe.
type UnsubscribeAck struct {
	Success              bool     `json:"success"`
	Channel              string   `json:"channel"`
	UnsubscribedChannels []string `json:"unsubscribedChannels"`
}

// PublishAck is returned to the publisher once every target channel has been
// handed to the transport.
type PublishAck struct {
	Success         bool      `json:"success"`
	EventsPublished int       `json:"eventsPublished"`
	Channels        []string  `json:"channels"`
	Timestamp       time.Time `json:"timestamp"`
}

// Stats is a point-in-time snapshot of dispatcher activity.
type Stats struct {
	Sessions        int   `json:"sessions"`
	RateLimitedKeys int   `json:"rateLimitedKeys"`
	Subscribes      int64 `json:"subscribes"`
	Unsubscribes    int64 `json:"unsubscribes"`
	Publishes       int64 `json:"publishes"`
	Broadcasts      int64 `json:"broadcasts"`
	Rejected        int64 `json:"rejected"`
}
