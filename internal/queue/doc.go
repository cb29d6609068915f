// Package queue moves work items over RabbitMQ.
//
// Consumer declares the topology, reads one delivery at a time and settles
// it once the handler returns: ack on success, reject without requeue on
// failure so the broker dead-letters it to <queue>_failed. Publisher sends
// work items to the same exchange.
package queue
