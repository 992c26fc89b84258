// Package notifier delivers rendered reminders to sinks.
//
// Deliver only enqueues. A small worker pool drains the queue under a shared
// rate limit and fans each payload out to every sink concurrently; sinks are
// independent side effects (a browser toast failing does not stop the
// Telegram message). Failures are retried per sink, logged, published on the
// event bus and appended to the delivery log. They are never reported back to
// the caller, which has already recorded the occurrence as fired.
package notifier
