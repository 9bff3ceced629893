// Package backoff implements multi-window rate limiting per (arbitrary)
// "category", adapted from the teacher workspace's catrate module. Rates
// are applied independently, to all categories, with separate buckets per
// category, tracking discrete events within a sliding window.
//
// In this daemon it backs the supervisor's restart backoff: each
// component's restart attempts are one category, limited per spec.md §4.4
// to 5 attempts within a 30 second window. The underlying mechanism --
// sliding-window event counting per category -- is identical to the
// teacher's general-purpose rate limiter; RestartWindow just binds it to a
// single, fixed rate and a friendlier, restart-specific name.
package backoff
