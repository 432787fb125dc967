// Package compcache is a memoizing compute cache for expensive,
// deterministic computations: build artifacts, simulation outputs, anything
// worth generating exactly once and sharing.
//
// The in-process layer (Memo, Cache and the Generate helpers) collapses
// concurrent requests for the same key into a single computation behind a
// shared Handle. The persistent layer extends the same contract across
// processes and machines: a compcached server (package server) owns the
// authoritative entry state and a durable manifest, and clients (package
// client) obtain compute leases from it, heartbeat while working, and either
// write results to a shared filesystem (local protocol) or stream them over
// the wire (remote protocol).
package compcache
