// Package behavior learns when notifications of a given category get noticed.
//
// The Analyzer owns one TimingModel per category: per hour-of-day counters of
// notifications sent, opened, dismissed and acted upon. Outcome events update
// the counters; predictions read them to pick the hour with the best
// engagement score, falling back to a static per-category table until enough
// samples have been collected.
//
// Mutations of a category are serialized by a per-category lock created on
// demand. Reads are served from an atomically published snapshot, so a slow
// store save for one category never blocks readers or other categories.
package behavior
