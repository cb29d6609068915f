// Package relay orchestrates the chat-relay worker.
//
// # Overview
//
// A Relay owns every long-lived component: the session cache, the provider
// client, the socket broadcaster (a remote client or the in-process hub), the
// outcome ledger, the metrics registry and one queue consumer per worker.
//
// # Work Item Flow
//
// Each delivery is decoded by the queue consumer and handed to the
// Processor:
//
//  1. Subscribe to the item's channel on the broadcaster.
//  2. Send the "started" frame.
//  3. Resolve the assistant id and the channel's session.
//  4. Run the dispatcher until it sends the single final frame.
//  5. Record the outcome in the ledger and metrics.
//
// When nothing can be sent at all the handler returns an error and the
// delivery is dead-lettered without frames.
//
// # HTTP and gRPC
//
//	GET /health         always 200 while the process is up
//	GET /health/ready   200 when a queue consumer is connected, else 503
//	GET /metrics        Prometheus exposition, when metrics are enabled
//	/ws                 socket hub, when socket.serve is set
//
// The optional gRPC listener serves grpc.health.v1.Health, reporting
// SERVING while at least one consumer is connected.
//
// # Shutdown
//
// Cancelling the context passed to Run stops the consumers. Work items that
// are already running finish under their own timeouts, then the servers stop
// and the cache, socket and ledger are closed.
package relay
