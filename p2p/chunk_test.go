package p2p

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestChunkRoundTrip(t *testing.T) {
	requireT := require.New(t)

	chunk := Chunk{
		Header: Header{
			SessionID: 7,
			ID:        1001,
			Offset:    1202,
			TotalSize: 3000,
			Flags:     FlagFileData,
			AckID:     0xdeadbeef,
			AckSubID:  3,
			AckSize:   9,
		},
		Body:  []byte("payload"),
		AppID: AppIDFile,
	}

	raw := chunk.Marshal()
	requireT.Len(raw, HeaderSize+len(chunk.Body)+FooterSize)

	got, err := ParseChunk(raw)
	requireT.NoError(err)
	chunk.Header.Length = uint32(len(chunk.Body))
	requireT.Equal(chunk, got)
}

func TestHeaderIsNetworkByteOrder(t *testing.T) {
	raw := Header{SessionID: 0x01020304}.AppendBinary(nil)
	require.Equal(t, []byte{1, 2, 3, 4}, raw[:4])
}

func TestParseChunkRejectsShortBuffer(t *testing.T) {
	_, err := ParseChunk(make([]byte, HeaderSize+FooterSize-1))
	require.True(t, errors.Is(err, ErrShortChunk))
}

func TestParseChunkRejectsLengthMismatch(t *testing.T) {
	raw := Chunk{Header: Header{TotalSize: 10}, Body: []byte("abc")}.Marshal()
	// Drop one body byte while keeping the header claim of three.
	raw = append(raw[:HeaderSize+2], raw[HeaderSize+3:]...)

	_, err := ParseChunk(raw)
	require.True(t, errors.Is(err, ErrLengthMismatch))
}

func TestHeaderValidate(t *testing.T) {
	tests := []struct {
		name   string
		header Header
		err    error
	}{
		{name: "empty ack", header: Header{Flags: FlagAck}},
		{name: "exact fit", header: Header{Offset: 90, Length: 10, TotalSize: 100}},
		{name: "total below length", header: Header{Length: 10, TotalSize: 5}, err: ErrTotalSizeTooSmall},
		{name: "past total", header: Header{Offset: 95, Length: 10, TotalSize: 100}, err: ErrOffsetOverflow},
		{name: "wraparound", header: Header{Offset: math.MaxUint64 - 2, Length: 10, TotalSize: math.MaxUint64}, err: ErrOffsetOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.header.Validate()
			if tt.err == nil {
				require.NoError(t, err)
				return
			}
			require.True(t, errors.Is(err, tt.err), "got %v", err)
		})
	}
}

func TestNonceRoundTrip(t *testing.T) {
	nonce := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

	var h Header
	h.SetNonce(nonce)

	require.Equal(t, nonce, h.Nonce())
}

func TestFlagClassification(t *testing.T) {
	requireT := require.New(t)

	requireT.True(FlagFileData.IsData())
	requireT.True(FlagMSNObjData.IsData())
	requireT.True((FlagWLM2009Comp | FlagMSNObjData).IsData())
	requireT.False(FlagNone.IsData())

	requireT.True(FlagNone.NeedsAck())
	requireT.True(FlagDCHandshake.NeedsAck())
	requireT.True(FlagFileData.NeedsAck())
	requireT.False(FlagAck.NeedsAck())
	requireT.False(FlagBinaryError.NeedsAck())
}
