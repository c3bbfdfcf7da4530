// Package keyed holds small per-key hygiene primitives shared by the engine and
// its HTTP surface:
//
//   - Cache: TTL memoization of expensive aggregate results ("daily_insights_<date>").
//   - RateLimiter: cooldown gate allowing at most one success per key per interval.
//   - Quota: minute/hour/day usage budgets per key.
//
// All types are safe for concurrent use and take an injectable clock.
package keyed
