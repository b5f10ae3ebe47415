// Package scheduler runs the recurring-campaign loop.
//
// Each tick queries the store for scheduled messages whose next_run has
// passed, dispatches each one to every (instance, group) pair mapped to its
// campaign, records per-pair outcomes, and then either deletes the entry
// (once) or re-arms it with a freshly computed next_run (daily/weekly).
//
// Failure policy: a failed dispatch never blocks the remaining groups, and
// never delays re-arming — the next attempt is the next natural occurrence.
// Store errors are scoped to the entry (or tick) they hit; the loop carries
// on at its normal cadence.
package scheduler
