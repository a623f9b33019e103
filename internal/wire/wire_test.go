package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/byronwade/wormhole/internal/werrors"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello wormhole")
	require.NoError(t, WriteFrame(&buf, TypePing, payload))

	typ, got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, TypePing, typ)
	assert.Equal(t, payload, got)
}

func TestWriteFrameRejectsOversize(t *testing.T) {
	huge := make([]byte, MaxFrameSize+1)
	var buf bytes.Buffer
	err := WriteFrame(&buf, TypeWriteChunkRequest, huge)
	require.Error(t, err)
	assert.Equal(t, werrors.MessageTooLarge, werrors.CodeOf(err))
}

func TestReadFrameRejectsOversizeLengthPrefix(t *testing.T) {
	var buf bytes.Buffer
	lenBuf := []byte{0, 0, 0x20, 0x00} // 0x00200000 > 1 MiB
	buf.Write(lenBuf)

	_, _, err := ReadFrame(&buf)
	require.Error(t, err)
	assert.Equal(t, werrors.ProtocolError, werrors.CodeOf(err))
}

func TestReadFrameRejectsUnknownTag(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, TypePing, nil))
	raw := buf.Bytes()
	raw[4] = 0xFF // corrupt the type tag

	_, _, err := ReadFrame(bytes.NewReader(raw))
	require.Error(t, err)
	assert.Equal(t, werrors.ProtocolError, werrors.CodeOf(err))
}

func TestMessageRoundTrip(t *testing.T) {
	req := &LookupRequest{ParentInode: 1, Name: "a.txt"}
	payload, err := Marshal(req)
	require.NoError(t, err)

	got, err := DecodeMessage(TypeLookupRequest, payload)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestForgetMessageRoundTrip(t *testing.T) {
	req := &ForgetRequest{Inode: 42, Nlookup: 3}
	payload, err := Marshal(req)
	require.NoError(t, err)

	got, err := DecodeMessage(TypeForgetRequest, payload)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestWriteChunkRequestRoundTripPreservesOffset(t *testing.T) {
	req := &WriteChunkRequest{
		ChunkID: ChunkID{Inode: 7, Index: 2},
		Offset:  131000,
		Bytes:   []byte("tail bytes"),
	}
	payload, err := Marshal(req)
	require.NoError(t, err)

	got, err := DecodeMessage(TypeWriteChunkRequest, payload)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestMarshalIsDeterministic(t *testing.T) {
	req := &GetAttrResponse{Attrs: Attrs{Size: 13, MtimeUnix: 1704067200}}
	a, err := Marshal(req)
	require.NoError(t, err)
	b, err := Marshal(req)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestUnmarshalRejectsTrailingBytes(t *testing.T) {
	req := &Ping{}
	payload, err := Marshal(req)
	require.NoError(t, err)
	payload = append(payload, 0xFF, 0xFF)

	err = Unmarshal(payload, &Ping{})
	require.Error(t, err)
	assert.Equal(t, werrors.ProtocolError, werrors.CodeOf(err))
}

func TestDecodeMessageRejectsControlCharsInName(t *testing.T) {
	req := &LookupRequest{ParentInode: 1, Name: "a\x00txt"}
	payload, err := Marshal(req)
	require.NoError(t, err)

	_, err = DecodeMessage(TypeLookupRequest, payload)
	require.Error(t, err)
	assert.Equal(t, werrors.ProtocolError, werrors.CodeOf(err))
}

func TestDecodeMessageRejectsUnknownTag(t *testing.T) {
	_, err := DecodeMessage(Type(250), []byte{})
	require.Error(t, err)
	assert.Equal(t, werrors.ProtocolError, werrors.CodeOf(err))
}
