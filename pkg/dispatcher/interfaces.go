package dispatcher

import (
	"context"
	"io"

	"github.com/rmacdonaldsmith/dbcast/pkg/authz"
)

// IdentityVerifier decodes a bearer credential into a subject.
type IdentityVerifier interface {
	// Verify returns the subject carried by credential or an error when the
	// credential is missing, malformed, expired or not signed by us.
	Verify(ctx context.Context, credential string) (authz.Subject, error)
}

// Transport is the room layer the dispatcher drives. Room keys and event
// labels are channel strings and are opaque to the transport.
type Transport interface {
	// Join adds the connection to room.
	Join(connID, room string) error

	// Leave removes the connection from room. Leaving a room the connection
	// is not in is not an error.
	Leave(connID, room string) error

	// Broadcast queues payload, labelled event, to every member of room.
	// Delivery is fire-and-forget.
	Broadcast(room, event string, payload []byte)
}

// Dispatcher routes subscribe, unsubscribe and publish requests for
// authenticated connections.
type Dispatcher interface {
	io.Closer

	// Start starts background services such as the rate limiter sweep.
	Start(ctx context.Context) error

	// Stop stops background services. Sessions are kept.
	Stop(ctx context.Context) error

	// Connect authenticates a new connection and opens its session.
	Connect(ctx context.Context, connID, credential string) (authz.Subject, error)

	// Disconnect drops the session for connID. Room membership is released
	// by the transport.
	Disconnect(connID string)

	// Subscribe joins the connection to every channel the request resolves to.
	Subscribe(ctx context.Context, connID, channel string) (SubscribeAck, error)

	// Unsubscribe leaves every channel the request resolves to, or the
	// literal channel when nothing resolves.
	Unsubscribe(ctx context.Context, connID, channel string) (UnsubscribeAck, error)

	// Publish validates a change event sent by connID and fans it out.
	Publish(ctx context.Context, connID string, payload []byte) (PublishAck, error)

	// PublishAs publishes on behalf of a subject with no socket session,
	// such as a REST caller or an ingest source.
	PublishAs(ctx context.Context, subject authz.Subject, payload []byte) (PublishAck, error)

	// Session returns the subject bound to connID.
	Session(connID string) (authz.Subject, bool)

	// Stats returns a snapshot of dispatcher counters.
	Stats() Stats
}
