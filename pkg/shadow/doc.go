/*
Package shadow implements warm-replica maintenance: the periodic
checkpoint replication that keeps secondary nodes ready to adopt an
instance on demand.

# Sync engine

For every locally Running instance with auto-sync enabled, a
dedicated task ticks on the configured interval (30s by default):

	tick ──▶ acquire per-instance permit (skip tick if held)
	     ──▶ dump --leave-running into images/sync-<seq>/
	     ──▶ snapshot the output log into the set
	     ──▶ canonical manifest hash
	     ──▶ hash unchanged? discard set, done (zero bytes sent)
	     ──▶ replicate to every ready peer, concurrently
	     ──▶ record shadow holders, release permit

The permit is the same single-flight token the migration coordinator
takes, so a sync tick never races a migration for the images
directory; whoever loses simply skips or surfaces Busy.

Sequence numbers only advance when a dump actually differs from the
previous checkpoint. Shadows accept strictly increasing sequence
numbers and drop anything stale, so redundant retries converge
instead of thrashing.

# Inbound hub

The receiving half accepts image sets pushed by owners, staging each
set next to its final directory and renaming it into place only after
the manifest verifies. The same path serves migration transfers; the
coordinator only checks afterwards that the set it expects has
landed. Transfers that go quiet past the chunk timeout are discarded
wholesale by a janitor.
*/
package shadow
