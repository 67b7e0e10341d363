// Package ratelimit implements per-tenant admission control over two
// independent gates: concurrently active jobs and jobs admitted within a
// fixed one-hour window that starts at first use.
//
// The Redis limiter is authoritative when several instances share work. The
// memory limiter mirrors its semantics for single-process development.
package ratelimit
