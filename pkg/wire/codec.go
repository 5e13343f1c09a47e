package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/nhilabs/nhi/pkg/types"
)

// writer accumulates a payload. The first error sticks; later appends
// are no-ops so encodeBody implementations stay linear.
type writer struct {
	buf []byte
	err error
}

func (w *writer) u8(v uint8) {
	if w.err != nil {
		return
	}
	w.buf = append(w.buf, v)
}

func (w *writer) u16(v uint16) {
	if w.err != nil {
		return
	}
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *writer) u32(v uint32) {
	if w.err != nil {
		return
	}
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *writer) u64(v uint64) {
	if w.err != nil {
		return
	}
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

func (w *writer) str(s string) {
	if w.err != nil {
		return
	}
	if len(s) > 0xFFFF {
		w.err = fmt.Errorf("string of %d bytes exceeds field limit", len(s))
		return
	}
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) strSlice(ss []string) {
	if w.err != nil {
		return
	}
	if len(ss) > 0xFFFF {
		w.err = fmt.Errorf("slice of %d entries exceeds field limit", len(ss))
		return
	}
	w.u16(uint16(len(ss)))
	for _, s := range ss {
		w.str(s)
	}
}

func (w *writer) bytes(b []byte) {
	if w.err != nil {
		return
	}
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) nodeID(id types.NodeID) {
	if w.err != nil {
		return
	}
	u, err := uuid.Parse(string(id))
	if err != nil {
		w.err = fmt.Errorf("invalid node id %q: %w", id, err)
		return
	}
	w.buf = append(w.buf, u[:]...)
}

func (w *writer) instanceID(id types.InstanceID) {
	w.str(string(id))
}

func (w *writer) manifest(m *types.Manifest) {
	if w.err != nil {
		return
	}
	w.u64(m.Seq)
	w.str(m.SHA256)
	w.u32(uint32(len(m.Files)))
	for _, f := range m.Files {
		w.str(f.Name)
		w.u64(f.Size)
		w.str(f.SHA256)
	}
}

// reader consumes a payload. As with writer, the first error sticks
// and subsequent reads return zero values.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) fail(what string) {
	if r.err == nil {
		r.err = fmt.Errorf("truncated %s at offset %d", what, r.off)
	}
}

func (r *reader) u8() uint8 {
	if r.err != nil || r.off+1 > len(r.buf) {
		r.fail("u8")
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) u16() uint16 {
	if r.err != nil || r.off+2 > len(r.buf) {
		r.fail("u16")
		return 0
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32() uint32 {
	if r.err != nil || r.off+4 > len(r.buf) {
		r.fail("u32")
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64() uint64 {
	if r.err != nil || r.off+8 > len(r.buf) {
		r.fail("u64")
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *reader) str() string {
	n := int(r.u16())
	if r.err != nil || r.off+n > len(r.buf) {
		r.fail("string")
		return ""
	}
	s := string(r.buf[r.off : r.off+n])
	r.off += n
	return s
}

func (r *reader) strSlice() []string {
	n := int(r.u16())
	if r.err != nil {
		return nil
	}
	ss := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ss = append(ss, r.str())
		if r.err != nil {
			return nil
		}
	}
	return ss
}

func (r *reader) bytes() []byte {
	n := int(r.u32())
	if r.err != nil || n > MaxFrameSize || r.off+n > len(r.buf) {
		r.fail("bytes")
		return nil
	}
	b := make([]byte, n)
	copy(b, r.buf[r.off:r.off+n])
	r.off += n
	return b
}

func (r *reader) nodeID() types.NodeID {
	if r.err != nil || r.off+16 > len(r.buf) {
		r.fail("node id")
		return ""
	}
	var u uuid.UUID
	copy(u[:], r.buf[r.off:r.off+16])
	r.off += 16
	return types.NodeID(u.String())
}

func (r *reader) instanceID() types.InstanceID {
	return types.InstanceID(r.str())
}

func (r *reader) manifest() types.Manifest {
	var m types.Manifest
	m.Seq = r.u64()
	m.SHA256 = r.str()
	n := int(r.u32())
	if r.err != nil {
		return m
	}
	if n > 1<<16 {
		r.err = fmt.Errorf("manifest with %d files exceeds limit", n)
		return m
	}
	m.Files = make([]types.ManifestFile, 0, n)
	for i := 0; i < n; i++ {
		f := types.ManifestFile{
			Name:   r.str(),
			Size:   r.u64(),
			SHA256: r.str(),
		}
		if r.err != nil {
			return m
		}
		m.Files = append(m.Files, f)
	}
	return m
}
