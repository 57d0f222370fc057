// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package coord defines the client-side facade over a strongly consistent
// coordination service: versioned records at slash-separated paths,
// ephemeral records bound to a session, one-shot watches and a session
// state stream.
//
// Implementations live in sub-packages: memory (in-process, used by tests
// and single-node development) and rediscoord (Redis with TTL leases).
package coord
