package switchboard_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/parallel"
	"github.com/outofforest/qa"

	"msnslp/p2p"
	"msnslp/slp"
	"msnslp/switchboard"
)

type received struct {
	peer  string
	chunk p2p.Chunk
}

type chanDeliverer chan received

func (d chanDeliverer) DeliverChunk(ctx context.Context, peer string, chunk p2p.Chunk) error {
	select {
	case d <- received{peer: peer, chunk: chunk}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func testChunk(id uint32, body string) p2p.Chunk {
	return p2p.Chunk{
		Header: p2p.Header{
			SessionID: 7,
			ID:        id,
			TotalSize: uint64(len(body)),
			Length:    uint32(len(body)),
			Flags:     p2p.FlagMSNObjData,
		},
		Body:  []byte(body),
		AppID: p2p.AppIDObject,
	}
}

func TestEnvelope(t *testing.T) {
	requireT := require.New(t)

	b, err := switchboard.EncodeEnvelope("bob@example.com", []byte{1, 2, 3})
	requireT.NoError(err)

	peer, payload, err := switchboard.DecodeEnvelope(b)
	requireT.NoError(err)
	requireT.Equal("bob@example.com", peer)
	requireT.Equal([]byte{1, 2, 3}, payload)

	_, err = switchboard.EncodeEnvelope("", nil)
	requireT.ErrorIs(err, switchboard.ErrBadEnvelope)

	_, _, err = switchboard.DecodeEnvelope([]byte{0, 9, 'a'})
	requireT.ErrorIs(err, switchboard.ErrBadEnvelope)
}

func TestSendWithoutConnection(t *testing.T) {
	requireT := require.New(t)

	client, err := switchboard.NewClient(switchboard.ClientConfig{
		Address:  "localhost:1",
		Passport: "alice@example.com",
	}, make(chanDeliverer))
	requireT.NoError(err)
	requireT.False(client.Connected())
	requireT.Equal(p2p.SwitchboardMaxBody, client.MaxBodySize())
	requireT.ErrorIs(client.SendChunk("bob@example.com", testChunk(1, "x")), slp.ErrTransportClosed)
}

func TestRelayBetweenClients(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	ls, err := net.Listen("tcp", "localhost:0")
	requireT.NoError(err)

	aliceCh := make(chanDeliverer, 10)
	alice, err := switchboard.NewClient(switchboard.ClientConfig{
		Address:  ls.Addr().String(),
		Passport: "alice@example.com",
	}, aliceCh)
	requireT.NoError(err)

	bobCh := make(chanDeliverer, 10)
	bob, err := switchboard.NewClient(switchboard.ClientConfig{
		Address:  ls.Addr().String(),
		Passport: "bob@example.com",
	}, bobCh)
	requireT.NoError(err)

	group.Spawn("server", parallel.Fail, func(ctx context.Context) error {
		return switchboard.RunServer(ctx, ls, switchboard.ServerConfig{})
	})
	group.Spawn("alice", parallel.Fail, alice.Run)
	group.Spawn("bob", parallel.Fail, bob.Run)

	requireT.Eventually(func() bool {
		return alice.Connected() && bob.Connected()
	}, 10*time.Second, 10*time.Millisecond)

	requireT.NoError(alice.SendChunk("bob@example.com", testChunk(1, "hello bob")))
	var got received
	select {
	case got = <-bobCh:
	case <-ctx.Done():
		requireT.FailNow("chunk was not relayed")
	}
	requireT.Equal("alice@example.com", got.peer)
	requireT.Equal(testChunk(1, "hello bob"), got.chunk)

	requireT.NoError(bob.SendChunk("alice@example.com", testChunk(2, "hello alice")))
	select {
	case got = <-aliceCh:
	case <-ctx.Done():
		requireT.FailNow("chunk was not relayed")
	}
	requireT.Equal("bob@example.com", got.peer)
	requireT.Equal(testChunk(2, "hello alice"), got.chunk)
}
