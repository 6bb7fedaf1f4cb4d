package switchboard

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/resonance"

	"msnslp/p2p"
)

// DefaultMaxMessageSize fits an envelope around the largest switchboard chunk.
const DefaultMaxMessageSize = 4096

// ServerConfig defines server configuration.
type ServerConfig struct {
	MaxMessageSize uint64
}

type chans struct {
	Sender   chan<- []byte
	Receiver <-chan []byte
}

type serverConns struct {
	mu    sync.RWMutex
	conns map[string]chans
}

func newServerConns() *serverConns {
	return &serverConns{
		conns: map[string]chans{},
	}
}

// Add registers a connection for passport, replacing an older one.
func (c *serverConns) Add(passport string) <-chan []byte {
	ch := make(chan []byte, 100)

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.conns[passport]; ok {
		close(old.Sender)
	}

	c.conns[passport] = chans{Sender: ch, Receiver: ch}
	return ch
}

func (c *serverConns) Remove(passport string, ch <-chan []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if chs, exists := c.conns[passport]; exists && chs.Receiver == ch {
		delete(c.conns, passport)
		close(chs.Sender)
	}
}

// Relay queues payload for passport. It reports false if passport is offline.
func (c *serverConns) Relay(passport string, payload []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	chs, exists := c.conns[passport]
	if !exists {
		return false
	}
	chs.Sender <- payload
	return true
}

// RunServer relays chunks between clients connected to ls.
func RunServer(ctx context.Context, ls net.Listener, config ServerConfig) error {
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}

	conns := newServerConns()
	connConfig := resonance.Config{
		MaxMessageSize: config.MaxMessageSize,
	}

	return resonance.RunServer(ctx, ls, connConfig,
		func(ctx context.Context, c *resonance.Connection) error {
			return runServerConn(ctx, c, conns)
		})
}

func runServerConn(ctx context.Context, c *resonance.Connection, conns *serverConns) error {
	log := logger.Get(ctx)

	hello, err := c.ReceiveRawBytes()
	if err != nil {
		return err
	}
	passport := string(hello)
	if passport == "" || len(passport) > MaxPassportSize {
		return errors.Errorf("invalid passport of length %d", len(passport))
	}

	log = log.With(zap.String("passport", passport))
	log.Info("Client connected")
	defer log.Info("Client disconnected")

	sendCh := conns.Add(passport)
	if err := c.SendRawBytes([]byte(passport)); err != nil {
		conns.Remove(passport, sendCh)
		return err
	}

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("receiver", parallel.Fail, func(ctx context.Context) error {
			defer conns.Remove(passport, sendCh)

			for {
				msg, err := c.ReceiveRawBytes()
				if err != nil {
					return err
				}

				to, payload, err := DecodeEnvelope(msg)
				if err != nil {
					return err
				}
				if _, err := p2p.ParseChunk(payload); err != nil {
					log.Debug("Dropping malformed chunk", zap.String("to", to), zap.Error(err))
					continue
				}

				out, err := EncodeEnvelope(passport, payload)
				if err != nil {
					return err
				}
				if !conns.Relay(to, out) {
					log.Debug("Dropping chunk for offline peer", zap.String("to", to))
				}
			}
		})
		spawn("sender", parallel.Fail, func(ctx context.Context) error {
			defer func() {
				for range sendCh {
				}
			}()
			defer c.Close()

			for msg := range sendCh {
				if err := c.SendRawBytes(msg); err != nil {
					return err
				}
			}

			return nil
		})

		return nil
	})
}
