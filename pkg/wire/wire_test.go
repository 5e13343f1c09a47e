package wire

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhilabs/nhi/pkg/types"
)

const (
	testNodeA = types.NodeID("5f0f2a3c-9c1d-4f4e-8a25-64c6f52f9a11")
	testNodeB = types.NodeID("0b9e5a77-11d2-4d3c-9d92-6a3f0e8b42dd")
)

// TestRoundTrip encodes and decodes every message kind
func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{
			name: "hello",
			msg:  &Hello{NodeID: testNodeA, NodeName: "alpha", Version: "0.3.0"},
		},
		{
			name: "heartbeat",
			msg:  &Heartbeat{NodeID: testNodeA, WallTimeMS: 1723890000123},
		},
		{
			name: "instance created",
			msg: &InstanceCreated{
				InstanceID: "a1b2c3d4",
				Owner:      testNodeA,
				Program:    "/usr/bin/yes",
				Args:       []string{"hello", "world"},
			},
		},
		{
			name: "instance created without args",
			msg: &InstanceCreated{
				InstanceID: "a1b2c3d4",
				Owner:      testNodeA,
				Program:    "/bin/counter",
				Args:       []string{},
			},
		},
		{
			name: "ownership changed",
			msg:  &OwnershipChanged{InstanceID: "a1b2c3d4", NewOwner: testNodeB, Seq: 42},
		},
		{
			name: "migration request",
			msg:  &MigrationRequest{InstanceID: "a1b2c3d4", SourceSeq: 7, ExpectedHash: "deadbeef"},
		},
		{
			name: "migration request cold",
			msg:  &MigrationRequest{InstanceID: "a1b2c3d4", SourceSeq: 0, ExpectedHash: ""},
		},
		{
			name: "migration ready",
			msg:  &MigrationReady{InstanceID: "a1b2c3d4", AcceptSeq: 8},
		},
		{
			name: "migration reject",
			msg:  &MigrationReject{InstanceID: "a1b2c3d4", Code: RejectStaleShadow, Detail: "have seq 3, need 6"},
		},
		{
			name: "begin set",
			msg: &BeginSet{
				InstanceID: "a1b2c3d4",
				Name:       "sync-9",
				Manifest: types.Manifest{
					Seq:    9,
					SHA256: "aa11",
					Files: []types.ManifestFile{
						{Name: "core-1.img", Size: 4096, SHA256: "bb22"},
						{Name: "pages-1.img", Size: 1 << 20, SHA256: "cc33"},
					},
				},
			},
		},
		{
			name: "begin file",
			msg:  &BeginFile{InstanceID: "a1b2c3d4", Name: "pages-1.img", Size: 1 << 20, SHA256: "cc33"},
		},
		{
			name: "chunk",
			msg:  &Chunk{InstanceID: "a1b2c3d4", Data: bytes.Repeat([]byte{0xAB}, 512)},
		},
		{
			name: "empty chunk",
			msg:  &Chunk{InstanceID: "a1b2c3d4", Data: []byte{}},
		},
		{
			name: "end file",
			msg:  &EndFile{InstanceID: "a1b2c3d4", Name: "pages-1.img"},
		},
		{
			name: "end set",
			msg:  &EndSet{InstanceID: "a1b2c3d4", ManifestHash: "aa11"},
		},
		{
			name: "images complete",
			msg:  &ImagesComplete{InstanceID: "a1b2c3d4", ManifestHash: "aa11"},
		},
		{
			name: "migration ok",
			msg:  &MigrationOk{InstanceID: "a1b2c3d4", NewPID: 31337},
		},
		{
			name: "migration fail",
			msg:  &MigrationFail{InstanceID: "a1b2c3d4", Reason: "restore exited 1"},
		},
		{
			name: "swap ack",
			msg:  &SwapAck{InstanceID: "a1b2c3d4"},
		},
		{
			name: "goodbye",
			msg:  &Goodbye{NodeID: testNodeB, Reason: "shutdown"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := Encode(tt.msg)
			require.NoError(t, err)

			decoded, err := Decode(payload)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, decoded)
		})
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	msgs := []Message{
		&Hello{NodeID: testNodeA, NodeName: "alpha", Version: "0.3.0"},
		&Heartbeat{NodeID: testNodeA, WallTimeMS: 99},
		&SwapAck{InstanceID: "a1b2c3d4"},
	}
	for _, m := range msgs {
		require.NoError(t, WriteFrame(&buf, m))
	}

	for _, want := range msgs {
		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestFrameLayout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &SwapAck{InstanceID: "a1b2c3d4"}))

	raw := buf.Bytes()
	size := binary.BigEndian.Uint32(raw[:4])
	assert.Equal(t, int(size), len(raw)-4)

	// Payload leads with version and kind.
	assert.Equal(t, ProtocolVersion, binary.BigEndian.Uint16(raw[4:6]))
	assert.Equal(t, KindSwapAck, binary.BigEndian.Uint16(raw[6:8]))
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "empty", payload: nil},
		{name: "header only", payload: []byte{0x00}},
		{
			name:    "unknown kind",
			payload: []byte{0x00, 0x01, 0xFF, 0xFF},
		},
		{
			name:    "wrong version",
			payload: []byte{0x00, 0x09, 0x00, 0x01},
		},
		{
			name:    "truncated body",
			payload: []byte{0x00, 0x01, 0x00, 0x02, 0x00, 0x04, 'a', 'b'},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.payload)
			assert.Error(t, err)
		})
	}
}

func TestTrailingBytesRejected(t *testing.T) {
	payload, err := Encode(&SwapAck{InstanceID: "a1b2c3d4"})
	require.NoError(t, err)

	_, err = Decode(append(payload, 0x00))
	assert.ErrorIs(t, err, types.ErrProtocol)
}

func TestOversizeFrameRejected(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	buf.Write(hdr[:])

	_, err := ReadFrame(&buf)
	assert.ErrorIs(t, err, types.ErrProtocol)
}

func TestEncodeRejectsBadNodeID(t *testing.T) {
	_, err := Encode(&Hello{NodeID: "not-a-uuid", NodeName: "x", Version: "1"})
	assert.Error(t, err)
}
