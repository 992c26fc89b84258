// Package bridge carries SCHEDULE_NOTIFICATIONS messages from the
// foreground context to the background worker.
//
// The foreground wraps its source in a Mirror, which publishes a message
// whenever the loaded batch changes. The worker feeds every message it
// consumes into a Snapshot and runs its reminder loop on that Snapshot.
// Transport is an in-process Bus (MemoryBus) or RabbitMQ (AMQPBus).
package bridge
