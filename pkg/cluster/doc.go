/*
Package cluster implements the membership substrate: peer discovery
reactions, one TCP session per node pair, handshakes, heartbeats and
message routing.

# Membership lifecycle

	beacon from unknown peer ──▶ dial ──▶ Hello exchange ──▶ Ready
	       ▲                                                  │
	       │                                   3 missed heartbeats
	       │                                                  ▼
	   fresh beacon ◀── 60s eviction window ◀── Unreachable

A node enters the table only after a completed Hello exchange; the
UDP beacon alone is informational. Heartbeats flow every 5 seconds in
both directions over the established session. A peer that misses
three of them is marked unreachable and its session closed, but the
row survives for 60 seconds so a fresh beacon can reconnect it before
eviction. A clean shutdown says Goodbye, which evicts immediately.

When both sides dial each other at once, the connection initiated by
the lower node id survives on both ends, so the pair always converges
on a single session.

# Ordering

Frames on one session are FIFO; the migration protocol depends on
this. Nothing is ordered across sessions, which is why ownership
broadcasts are idempotent and carry a sequence number for staleness
checks.
*/
package cluster
