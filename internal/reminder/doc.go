// Package reminder detects when routines and calendar events become due
// and fires one notification per occurrence.
//
// The pieces are independent and injected into a Loop:
//   - Project turns stored records into Obligations with a computed due instant.
//   - Evaluate picks the obligations due in the current minute that the Ledger
//     has not fired yet.
//   - BuildPayload renders the notification; a Deliverer hands it to sinks.
//   - Ledger remembers fired occurrence keys for one local day.
//
// A Loop is driven by a Trigger (a cron-backed scheduler in production) and
// gated by a Capability that reports notification permission.
package reminder
