package signal

import (
	"bytes"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestInviteRoundTrip(t *testing.T) {
	requireT := require.New(t)

	invite := NewInvite("bob@example.com", "alice@example.com", NewGUID(), ContentSessionReq, Body{
		{Key: KeyEUFGUID, Value: EUFGUIDFile},
		{Key: KeySessionID, Value: "1234"},
		{Key: KeyAppID, Value: "2"},
	})

	raw := invite.Marshal()
	requireT.True(bytes.HasPrefix(raw, []byte("INVITE MSNMSGR:bob@example.com MSNSLP/1.0\r\n")))
	requireT.Equal(byte(0), raw[len(raw)-1])

	got, err := Parse(raw)
	requireT.NoError(err)
	requireT.Equal(invite, got)
	requireT.Equal("1234", got.Body.Get(KeySessionID))
}

func TestReplySwapsEndpoints(t *testing.T) {
	requireT := require.New(t)

	invite := NewInvite("bob", "alice", "{CALL}", ContentSessionReq, nil)
	reply := invite.Reply(StatusDecline, ContentSessionReq, Body{{Key: KeySessionID, Value: "9"}})

	raw := reply.Marshal()
	requireT.True(bytes.HasPrefix(raw, []byte("MSNSLP/1.0 603 Decline\r\n")))

	got, err := Parse(raw)
	requireT.NoError(err)
	requireT.False(got.IsRequest())
	requireT.Equal(StatusDecline, got.Status)
	requireT.Equal("alice", got.To)
	requireT.Equal("bob", got.From)
	requireT.Equal(invite.Branch, got.Branch)
	requireT.Equal(invite.CSeq+1, got.CSeq)
	requireT.Equal("{CALL}", got.CallID)
}

func TestParseContentLength(t *testing.T) {
	raw := "BYE MSNMSGR:bob MSNSLP/1.0\r\n" +
		"To: <msnmsgr:bob>\r\n" +
		"From: <msnmsgr:alice>\r\n" +
		"Call-ID: {X}\r\n" +
		"Content-Type: application/x-msnmsgr-sessionclosebody\r\n" +
		"Content-Length: 3\r\n" +
		"\r\n" +
		"\r\n\x00trailing garbage"

	got, err := Parse([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, MethodBye, got.Method)
	require.Empty(t, got.Body)
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, raw := range []string{
		"",
		"hello",
		"HELLO world\r\n\r\n",
		"INVITE MSNMSGR:bob MSNSLP/1.0\r\nContent-Length: 50\r\n\r\nshort",
		"INVITE MSNMSGR:bob MSNSLP/1.0\r\nCSeq: x\r\n\r\n",
	} {
		_, err := Parse([]byte(raw))
		require.True(t, errors.Is(err, ErrMalformed), "input %q: %v", raw, err)
	}
}

func TestFileContextRoundTrip(t *testing.T) {
	requireT := require.New(t)

	ctx := FileContext{Size: 3000, Type: FileTypeNoPreview, Name: "résumé.pdf"}
	raw, err := ctx.Marshal()
	requireT.NoError(err)
	requireT.Len(raw, FileContextSize)

	enc, err := ctx.Encode()
	requireT.NoError(err)
	got, err := DecodeFileContext(enc)
	requireT.NoError(err)
	requireT.Equal(ctx, got)
}

func TestFileContextTruncatesLongNames(t *testing.T) {
	requireT := require.New(t)

	ctx := FileContext{Size: 1, Name: strings.Repeat("a", 400)}
	raw, err := ctx.Marshal()
	requireT.NoError(err)

	got, err := ParseFileContext(raw)
	requireT.NoError(err)
	requireT.Equal(strings.Repeat("a", 259), got.Name)
}

func TestFileContextWithPreview(t *testing.T) {
	requireT := require.New(t)

	ctx := FileContext{Size: 10, Type: FileTypeWithPreview, Name: "a.png", Preview: []byte{1, 2, 3}}
	raw, err := ctx.Marshal()
	requireT.NoError(err)

	got, err := ParseFileContext(raw)
	requireT.NoError(err)
	requireT.Equal(ctx.Preview, got.Preview)
}

func TestParseFileContextRejectsShort(t *testing.T) {
	_, err := ParseFileContext(make([]byte, 100))
	require.True(t, errors.Is(err, ErrMalformed))
}

func TestObjectRoundTrip(t *testing.T) {
	requireT := require.New(t)

	data := []byte("avatar bytes")
	obj := NewObject("alice@example.com", ObjectDisplayPicture, "TFR2C2.tmp", data)
	requireT.NoError(obj.Verify(data))

	got, err := DecodeObjectContext(obj.Context())
	requireT.NoError(err)
	got.XMLName = obj.XMLName
	requireT.Equal(obj, got)
	requireT.NoError(got.Verify(data))
	requireT.True(errors.Is(got.Verify([]byte("avatar bytez")), ErrObjectMismatch))
	requireT.True(errors.Is(got.Verify(nil), ErrObjectMismatch))
}

func TestParseObjectEscapedAttributes(t *testing.T) {
	obj := NewObject(`a"b<c>`, ObjectCustomEmoticon, "x", []byte{1})

	got, err := ParseObject(obj.String())
	require.NoError(t, err)
	require.Equal(t, `a"b<c>`, got.Creator)
}
