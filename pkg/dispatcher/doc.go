// Package dispatcher defines the routing dispatcher contract and the types it
// exchanges with its callers and collaborators.
//
// The package defines:
//   - Dispatcher: the per-connection subscribe/unsubscribe/publish surface
//   - IdentityVerifier: turns a bearer credential into an authz.Subject
//   - Transport: room membership and broadcast, implemented by the socket layer
//   - Error and Kind: the error taxonomy reported back to clients
//   - SubscribeAck, UnsubscribeAck, PublishAck: acknowledgment payloads
//
// A connection moves through Unauthenticated, Authenticated and Disconnected.
// Connect authenticates exactly once; every other operation requires a live
// session and fails with KindNotConnected otherwise.
//
// Example usage:
//
//	d := dispatcher.New(cfg, verifier, hub)
//	if err := d.Start(ctx); err != nil {
//		return err
//	}
//	defer d.Close()
//
//	if _, err := d.Connect(ctx, connID, token); err != nil {
//		return err // AuthenticationError, connection is refused
//	}
//	ack, err := d.Subscribe(ctx, connID, "db.*.insert")
//	if errors.Is(err, dispatcherpkg.ErrAuthorizationDenied) {
//		// report forbidden, connection stays open
//	}
package dispatcher
