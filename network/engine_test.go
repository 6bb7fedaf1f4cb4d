package network

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/outofforest/parallel"
	"github.com/outofforest/qa"

	"msnslp/p2p"
	"msnslp/slp"
)

type claimingDispatcher struct {
	payloads chan []byte
}

func (d *claimingDispatcher) MessageComplete(_ *slp.Link, msg *slp.Message) *slp.Call {
	d.payloads <- append([]byte(nil), msg.Payload()...)
	return nil
}

func (d *claimingDispatcher) MessageAcked(*slp.Link, *slp.Message) {}

func (d *claimingDispatcher) CallReady(*slp.Link, *slp.Call) {}

func TestEngineRunsOperations(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	dispatcher := &claimingDispatcher{payloads: make(chan []byte, 1)}
	engine := NewEngine(slp.NewSession(slp.Config{
		Logger:     zaptest.NewLogger(t),
		Dispatcher: dispatcher,
	}), zaptest.NewLogger(t))

	group.Spawn("engine", parallel.Fail, engine.Run)

	var links int
	requireT.NoError(engine.Do(ctx, func(s *slp.Session) error {
		_, err := s.FindOrCreateLink("bob@example.com")
		links = len(s.Links())
		return err
	}))
	requireT.Equal(1, links)

	body := []byte("MSNSLP/1.0 200 OK\r\n\r\n")
	requireT.NoError(engine.DeliverChunk(ctx, "bob@example.com", p2p.Chunk{
		Header: p2p.Header{ID: 5, TotalSize: uint64(len(body)), Length: uint32(len(body))},
		Body:   body,
	}))

	select {
	case payload := <-dispatcher.payloads:
		requireT.Equal(body, payload)
	case <-ctx.Done():
		requireT.FailNow("chunk was not delivered")
	}

	group.Exit(nil)
	requireT.NoError(group.Wait())

	requireT.ErrorIs(engine.Do(context.Background(), func(*slp.Session) error { return nil }), ErrEngineStopped)
	requireT.ErrorIs(engine.Post(context.Background(), func(*slp.Session) error { return nil }), ErrEngineStopped)
}
