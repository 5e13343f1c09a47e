/*
Package migrate implements the live-migration coordinator: the
protocol and state machine that hands the Running role for an
instance from one node to another while the workload's state travels
as a checkpoint image set.

# Protocol

One migration involves exactly two nodes, the source (current owner)
and the target (usually a shadow holder), over their single TCP
session:

	┌── SOURCE (A) ─────────────┐        ┌── TARGET (B) ─────────────┐
	│                            │        │                            │
	│ Running                    │        │ Shadow (or absent)         │
	│   │ MigrationRequest ──────┼───────▶│   admission control        │
	│   │◀────── MigrationReady ─┼────────│ Migrating.target           │
	│ Migrating.source           │        │                            │
	│   │ final dump (process    │        │                            │
	│   │ left stopped)          │        │                            │
	│   │ BeginSet..EndSet ──────┼───────▶│   stage + verify images    │
	│   │ ImagesComplete ────────┼───────▶│ Restoring                  │
	│   │                        │        │   restore() → new pid      │
	│   │◀──────── MigrationOk ──┼────────│ Running                    │
	│   │ SwapAck ───────────────┼───────▶│   commit (swap point)      │
	│ Shadow (pid killed)        │        │   broadcast                │
	│   broadcast                │        │   OwnershipChanged         │
	│   OwnershipChanged         │        │                            │
	└────────────────────────────┘        └────────────────────────────┘

The swap point is the target's receipt of SwapAck. If the ack never
arrives the target assumes success after a timeout and re-announces
ownership; the source-side rule that a shadow never resumes a local
process bounds any split view to one stale broadcast interval.

# Failure handling

Every failure before MigrationOk restores the status quo ante: the
source resumes its stopped process and returns to Running; the target
reverts to its previous role and purges the partial image set. A
MigrationFail from the target carries the tool's stderr tail and
surfaces to the caller as a RestoreFailed error.

Concurrent migrations of the same instance are serialized by the
per-instance permit shared with the shadow sync engine; the loser
surfaces Busy. The target independently rejects overlapping inbound
migrations for the same instance.

# Cancellation

A user may cancel an outbound migration only before ImagesComplete is
sent. After that the protocol runs to its verdict; the target's
decision is authoritative.

# Cold migration

A target with no prior record of the instance accepts the request,
materializes a record, and takes the full image set; a target whose
shadow checkpoint lags the source by more than one sync interval is
rejected as stale so the operator can let it catch up first.
*/
package migrate
