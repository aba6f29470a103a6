package transport

import (
	"encoding/json"
	"fmt"
)

// Inbound event names.
const (
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
	EventDBChange    = "dbChange"
)

// Outbound event names. Broadcasts use the channel string as their name.
const (
	EventSubscribed   = "subscribed"
	EventUnsubscribed = "unsubscribed"
	EventDBChangeAck  = "dbChangeAck"
	EventError        = "error"
)

// Envelope is the frame exchanged over the socket in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode renders an envelope whose data is already JSON.
func Encode(event string, data []byte) ([]byte, error) {
	b, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", event, err)
	}
	return b, nil
}

// EncodeValue marshals v and wraps it in an envelope.
func EncodeValue(event string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return Encode(event, data)
}

// channelRequest is the data of a subscribe or unsubscribe frame. Clients may
// send an object or a bare string.
type channelRequest struct {
	Channel string `json:"channel"`
}

func decodeChannel(data json.RawMessage) string {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	var req channelRequest
	if err := json.Unmarshal(data, &req); err == nil {
		return req.Channel
	}
	return ""
}
