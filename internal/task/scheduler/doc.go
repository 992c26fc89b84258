// Package scheduler registers named cron, interval and daily jobs on top of
// robfig/cron and runs them with a per-run timeout.
//
// A job whose previous run is still in flight is skipped, so a slow tick never
// stacks up behind itself.
package scheduler
