package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/nhilabs/nhi/pkg/types"
)

// ProtocolVersion is carried in every payload. A peer speaking a
// different version is rejected at the handshake.
const ProtocolVersion uint16 = 1

// MaxChunkSize bounds a single image chunk on the wire.
const MaxChunkSize = 256 * 1024

// MaxFrameSize bounds any frame. Chunks dominate; everything else is
// small metadata.
const MaxFrameSize = MaxChunkSize + 4096

// Message kinds. The on-the-wire body layout of each kind is fixed;
// fields are appended in declaration order of the corresponding struct.
const (
	KindHeartbeat uint16 = iota + 1
	KindHello
	KindInstanceCreated
	KindOwnershipChanged
	KindMigrationRequest
	KindMigrationReady
	KindMigrationReject
	KindBeginSet
	KindBeginFile
	KindChunk
	KindEndFile
	KindEndSet
	KindImagesComplete
	KindMigrationOk
	KindMigrationFail
	KindSwapAck
	KindGoodbye
)

// Message is a typed protocol message.
type Message interface {
	Kind() uint16
	encodeBody(w *writer)
	decodeBody(r *reader)
}

// Hello is the first message on a fresh session, in both directions.
type Hello struct {
	NodeID   types.NodeID
	NodeName string
	Version  string
}

func (*Hello) Kind() uint16 { return KindHello }

func (m *Hello) encodeBody(w *writer) {
	w.nodeID(m.NodeID)
	w.str(m.NodeName)
	w.str(m.Version)
}

func (m *Hello) decodeBody(r *reader) {
	m.NodeID = r.nodeID()
	m.NodeName = r.str()
	m.Version = r.str()
}

// Heartbeat is exchanged every heartbeat interval on an established
// session.
type Heartbeat struct {
	NodeID     types.NodeID
	WallTimeMS uint64
}

func (*Heartbeat) Kind() uint16 { return KindHeartbeat }

func (m *Heartbeat) encodeBody(w *writer) {
	w.nodeID(m.NodeID)
	w.u64(m.WallTimeMS)
}

func (m *Heartbeat) decodeBody(r *reader) {
	m.NodeID = r.nodeID()
	m.WallTimeMS = r.u64()
}

// InstanceCreated announces a freshly started instance so peers can
// record its owner.
type InstanceCreated struct {
	InstanceID types.InstanceID
	Owner      types.NodeID
	Program    string
	Args       []string
}

func (*InstanceCreated) Kind() uint16 { return KindInstanceCreated }

func (m *InstanceCreated) encodeBody(w *writer) {
	w.instanceID(m.InstanceID)
	w.nodeID(m.Owner)
	w.str(m.Program)
	w.strSlice(m.Args)
}

func (m *InstanceCreated) decodeBody(r *reader) {
	m.InstanceID = r.instanceID()
	m.Owner = r.nodeID()
	m.Program = r.str()
	m.Args = r.strSlice()
}

// OwnershipChanged is broadcast after a role swap so every peer
// converges on the new owner. Stale broadcasts carry a lower seq and
// are discarded by receivers.
type OwnershipChanged struct {
	InstanceID types.InstanceID
	NewOwner   types.NodeID
	Seq        uint64
}

func (*OwnershipChanged) Kind() uint16 { return KindOwnershipChanged }

func (m *OwnershipChanged) encodeBody(w *writer) {
	w.instanceID(m.InstanceID)
	w.nodeID(m.NewOwner)
	w.u64(m.Seq)
}

func (m *OwnershipChanged) decodeBody(r *reader) {
	m.InstanceID = r.instanceID()
	m.NewOwner = r.nodeID()
	m.Seq = r.u64()
}

// MigrationRequest opens the migration handshake, source to target.
type MigrationRequest struct {
	InstanceID   types.InstanceID
	SourceSeq    uint64
	ExpectedHash string
}

func (*MigrationRequest) Kind() uint16 { return KindMigrationRequest }

func (m *MigrationRequest) encodeBody(w *writer) {
	w.instanceID(m.InstanceID)
	w.u64(m.SourceSeq)
	w.str(m.ExpectedHash)
}

func (m *MigrationRequest) decodeBody(r *reader) {
	m.InstanceID = r.instanceID()
	m.SourceSeq = r.u64()
	m.ExpectedHash = r.str()
}

// MigrationReady is the target's acceptance of a MigrationRequest.
type MigrationReady struct {
	InstanceID types.InstanceID
	AcceptSeq  uint64
}

func (*MigrationReady) Kind() uint16 { return KindMigrationReady }

func (m *MigrationReady) encodeBody(w *writer) {
	w.instanceID(m.InstanceID)
	w.u64(m.AcceptSeq)
}

func (m *MigrationReady) decodeBody(r *reader) {
	m.InstanceID = r.instanceID()
	m.AcceptSeq = r.u64()
}

// Rejection codes carried by MigrationReject.
const (
	RejectBusy uint8 = iota + 1
	RejectUnknown
	RejectStaleShadow
)

// MigrationReject is the target's refusal of a MigrationRequest.
type MigrationReject struct {
	InstanceID types.InstanceID
	Code       uint8
	Detail     string
}

func (*MigrationReject) Kind() uint16 { return KindMigrationReject }

func (m *MigrationReject) encodeBody(w *writer) {
	w.instanceID(m.InstanceID)
	w.u8(m.Code)
	w.str(m.Detail)
}

func (m *MigrationReject) decodeBody(r *reader) {
	m.InstanceID = r.instanceID()
	m.Code = r.u8()
	m.Detail = r.str()
}

// BeginSet opens an image-set transfer. The full manifest travels up
// front so the receiver can verify completeness at EndSet.
type BeginSet struct {
	InstanceID types.InstanceID
	Name       string
	Manifest   types.Manifest
}

func (*BeginSet) Kind() uint16 { return KindBeginSet }

func (m *BeginSet) encodeBody(w *writer) {
	w.instanceID(m.InstanceID)
	w.str(m.Name)
	w.manifest(&m.Manifest)
}

func (m *BeginSet) decodeBody(r *reader) {
	m.InstanceID = r.instanceID()
	m.Name = r.str()
	m.Manifest = r.manifest()
}

// BeginFile opens one file within the set.
type BeginFile struct {
	InstanceID types.InstanceID
	Name       string
	Size       uint64
	SHA256     string
}

func (*BeginFile) Kind() uint16 { return KindBeginFile }

func (m *BeginFile) encodeBody(w *writer) {
	w.instanceID(m.InstanceID)
	w.str(m.Name)
	w.u64(m.Size)
	w.str(m.SHA256)
}

func (m *BeginFile) decodeBody(r *reader) {
	m.InstanceID = r.instanceID()
	m.Name = r.str()
	m.Size = r.u64()
	m.SHA256 = r.str()
}

// Chunk carries at most MaxChunkSize bytes of the current file.
type Chunk struct {
	InstanceID types.InstanceID
	Data       []byte
}

func (*Chunk) Kind() uint16 { return KindChunk }

func (m *Chunk) encodeBody(w *writer) {
	w.instanceID(m.InstanceID)
	w.bytes(m.Data)
}

func (m *Chunk) decodeBody(r *reader) {
	m.InstanceID = r.instanceID()
	m.Data = r.bytes()
}

// EndFile closes the current file.
type EndFile struct {
	InstanceID types.InstanceID
	Name       string
}

func (*EndFile) Kind() uint16 { return KindEndFile }

func (m *EndFile) encodeBody(w *writer) {
	w.instanceID(m.InstanceID)
	w.str(m.Name)
}

func (m *EndFile) decodeBody(r *reader) {
	m.InstanceID = r.instanceID()
	m.Name = r.str()
}

// EndSet closes the transfer; the receiver verifies the manifest hash
// before renaming the staging directory into place.
type EndSet struct {
	InstanceID   types.InstanceID
	ManifestHash string
}

func (*EndSet) Kind() uint16 { return KindEndSet }

func (m *EndSet) encodeBody(w *writer) {
	w.instanceID(m.InstanceID)
	w.str(m.ManifestHash)
}

func (m *EndSet) decodeBody(r *reader) {
	m.InstanceID = r.instanceID()
	m.ManifestHash = r.str()
}

// ImagesComplete tells the target the migration image set is fully
// transferred and verified on the source side.
type ImagesComplete struct {
	InstanceID   types.InstanceID
	ManifestHash string
}

func (*ImagesComplete) Kind() uint16 { return KindImagesComplete }

func (m *ImagesComplete) encodeBody(w *writer) {
	w.instanceID(m.InstanceID)
	w.str(m.ManifestHash)
}

func (m *ImagesComplete) decodeBody(r *reader) {
	m.InstanceID = r.instanceID()
	m.ManifestHash = r.str()
}

// MigrationOk reports a successful restore on the target.
type MigrationOk struct {
	InstanceID types.InstanceID
	NewPID     uint32
}

func (*MigrationOk) Kind() uint16 { return KindMigrationOk }

func (m *MigrationOk) encodeBody(w *writer) {
	w.instanceID(m.InstanceID)
	w.u32(m.NewPID)
}

func (m *MigrationOk) decodeBody(r *reader) {
	m.InstanceID = r.instanceID()
	m.NewPID = r.u32()
}

// MigrationFail reports a failed restore or verification on the
// target; the source resumes its process.
type MigrationFail struct {
	InstanceID types.InstanceID
	Reason     string
}

func (*MigrationFail) Kind() uint16 { return KindMigrationFail }

func (m *MigrationFail) encodeBody(w *writer) {
	w.instanceID(m.InstanceID)
	w.str(m.Reason)
}

func (m *MigrationFail) decodeBody(r *reader) {
	m.InstanceID = r.instanceID()
	m.Reason = r.str()
}

// SwapAck is the source's acknowledgement of MigrationOk. Its receipt
// at the target is the atomic swap point.
type SwapAck struct {
	InstanceID types.InstanceID
}

func (*SwapAck) Kind() uint16 { return KindSwapAck }

func (m *SwapAck) encodeBody(w *writer) {
	w.instanceID(m.InstanceID)
}

func (m *SwapAck) decodeBody(r *reader) {
	m.InstanceID = r.instanceID()
}

// Goodbye notifies peers of a clean shutdown so they evict immediately
// instead of waiting out heartbeat loss.
type Goodbye struct {
	NodeID types.NodeID
	Reason string
}

func (*Goodbye) Kind() uint16 { return KindGoodbye }

func (m *Goodbye) encodeBody(w *writer) {
	w.nodeID(m.NodeID)
	w.str(m.Reason)
}

func (m *Goodbye) decodeBody(r *reader) {
	m.NodeID = r.nodeID()
	m.Reason = r.str()
}

func newMessage(kind uint16) (Message, error) {
	switch kind {
	case KindHeartbeat:
		return &Heartbeat{}, nil
	case KindHello:
		return &Hello{}, nil
	case KindInstanceCreated:
		return &InstanceCreated{}, nil
	case KindOwnershipChanged:
		return &OwnershipChanged{}, nil
	case KindMigrationRequest:
		return &MigrationRequest{}, nil
	case KindMigrationReady:
		return &MigrationReady{}, nil
	case KindMigrationReject:
		return &MigrationReject{}, nil
	case KindBeginSet:
		return &BeginSet{}, nil
	case KindBeginFile:
		return &BeginFile{}, nil
	case KindChunk:
		return &Chunk{}, nil
	case KindEndFile:
		return &EndFile{}, nil
	case KindEndSet:
		return &EndSet{}, nil
	case KindImagesComplete:
		return &ImagesComplete{}, nil
	case KindMigrationOk:
		return &MigrationOk{}, nil
	case KindMigrationFail:
		return &MigrationFail{}, nil
	case KindSwapAck:
		return &SwapAck{}, nil
	case KindGoodbye:
		return &Goodbye{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown message kind %d", types.ErrProtocol, kind)
	}
}

// Encode serializes a message into a payload: version, kind, body.
func Encode(msg Message) ([]byte, error) {
	w := &writer{}
	w.u16(ProtocolVersion)
	w.u16(msg.Kind())
	msg.encodeBody(w)
	if w.err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", msg, w.err)
	}
	return w.buf, nil
}

// Decode parses a payload produced by Encode.
func Decode(payload []byte) (Message, error) {
	r := &reader{buf: payload}
	version := r.u16()
	kind := r.u16()
	if r.err != nil {
		return nil, fmt.Errorf("%w: truncated header", types.ErrProtocol)
	}
	if version != ProtocolVersion {
		return nil, fmt.Errorf("%w: unsupported protocol version %d", types.ErrProtocol, version)
	}

	msg, err := newMessage(kind)
	if err != nil {
		return nil, err
	}
	msg.decodeBody(r)
	if r.err != nil {
		return nil, fmt.Errorf("%w: malformed %T body: %v", types.ErrProtocol, msg, r.err)
	}
	if r.off != len(r.buf) {
		return nil, fmt.Errorf("%w: %d trailing bytes after %T body", types.ErrProtocol, len(r.buf)-r.off, msg)
	}
	return msg, nil
}

// WriteFrame writes one length-prefixed message.
func WriteFrame(w io.Writer, msg Message) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds limit", types.ErrProtocol, len(payload))
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed message.
func ReadFrame(r io.Reader) (Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size == 0 || size > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame size %d out of range", types.ErrProtocol, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return Decode(payload)
}
