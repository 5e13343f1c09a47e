/*
Package store is the authoritative per-node instance store.

Each instance owns a directory:

	instances/<id>/
	  config.json                 # the instance record
	  pidfile                     # decimal pid of the current process
	  output/process_output.log   # append-only output capture
	  images/<checkpoint>/        # image sets + manifest.json

config.json is the source of truth: every mutation goes to disk via
write-to-temp plus atomic rename, then into the in-memory map, then
out to event subscribers. A crash between the first two steps loses
nothing but the in-memory view, which is rebuilt from disk on the
next start.

Mutations to one instance are serialized by a per-instance writer
lock; the map lock is never held across file I/O, so readers are
never blocked behind a disk write.
*/
package store
