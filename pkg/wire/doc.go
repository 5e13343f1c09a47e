/*
Package wire defines the framed binary protocol spoken between nodes.

Every frame is a 4-byte big-endian length followed by the payload:

	┌─────────────┬──────────────┬──────────────┬───────────┐
	│ length (u32)│ version (u16)│  kind (u16)  │   body    │
	└─────────────┴──────────────┴──────────────┴───────────┘

Bodies are a fixed-order binary encoding per kind: integers are
big-endian, strings are u16-length-prefixed, byte blobs are
u32-length-prefixed, node ids are raw 16-byte UUIDs. Decoding rejects
truncated bodies, trailing bytes, unknown kinds and foreign protocol
versions, surfacing all of them as protocol errors that close the
session.

Image chunks are capped at 256 KiB, which also bounds the frame size;
anything larger is refused before allocation.
*/
package wire
