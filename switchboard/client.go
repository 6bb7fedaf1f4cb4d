package switchboard

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/resonance"

	"msnslp/p2p"
	"msnslp/slp"
)

// Deliverer receives chunks relayed from other accounts.
type Deliverer interface {
	DeliverChunk(ctx context.Context, peer string, chunk p2p.Chunk) error
}

// ClientConfig is the config of client.
type ClientConfig struct {
	Address        string
	Passport       string
	MaxMessageSize uint64
	// RetryDelay is the pause between reconnection attempts.
	RetryDelay time.Duration
}

type clientConn struct {
	sendCh chan []byte
	done   chan struct{}
}

// Client keeps a connection to a switchboard server and implements
// slp.Transport on top of it.
type Client struct {
	config    ClientConfig
	deliverer Deliverer

	mu     sync.Mutex
	active *clientConn
}

var _ slp.Transport = (*Client)(nil)

// NewClient creates new client.
func NewClient(config ClientConfig, deliverer Deliverer) (*Client, error) {
	if config.Address == "" {
		return nil, errors.New("no switchboard address specified")
	}
	if config.Passport == "" || len(config.Passport) > MaxPassportSize {
		return nil, errors.Errorf("invalid passport %q", config.Passport)
	}
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	return &Client{
		config:    config,
		deliverer: deliverer,
	}, nil
}

// Run connects to the server and reconnects until ctx is done.
func (client *Client) Run(ctx context.Context) error {
	log := logger.Get(ctx)
	connConfig := resonance.Config{
		MaxMessageSize: client.config.MaxMessageSize,
	}

	for {
		err := resonance.RunClient(ctx, client.config.Address, connConfig,
			func(ctx context.Context, c *resonance.Connection) error {
				return client.runConn(ctx, c)
			})

		if ctx.Err() != nil {
			return errors.WithStack(ctx.Err())
		}

		log.Error("Switchboard connection failed", zap.String("server", client.config.Address), zap.Error(err))
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-time.After(client.config.RetryDelay):
		}
	}
}

// Connected reports whether the server has registered this client.
func (client *Client) Connected() bool {
	client.mu.Lock()
	defer client.mu.Unlock()

	return client.active != nil
}

// MaxBodySize returns the largest chunk body the switchboard relays.
func (client *Client) MaxBodySize() int {
	return p2p.SwitchboardMaxBody
}

// SendChunk queues chunk for peer on the active connection.
func (client *Client) SendChunk(peer string, chunk p2p.Chunk) error {
	msg, err := EncodeEnvelope(peer, chunk.Marshal())
	if err != nil {
		return err
	}

	client.mu.Lock()
	conn := client.active
	client.mu.Unlock()

	if conn == nil {
		return errors.Wrap(slp.ErrTransportClosed, "switchboard not connected")
	}

	select {
	case conn.sendCh <- msg:
		return nil
	case <-conn.done:
		return errors.Wrap(slp.ErrTransportClosed, "switchboard connection lost")
	}
}

func (client *Client) attach() *clientConn {
	conn := &clientConn{
		sendCh: make(chan []byte, 100),
		done:   make(chan struct{}),
	}

	client.mu.Lock()
	defer client.mu.Unlock()

	client.active = conn
	return conn
}

func (client *Client) detach(conn *clientConn) {
	client.mu.Lock()
	defer client.mu.Unlock()

	if client.active == conn {
		client.active = nil
	}
	close(conn.done)
}

func (client *Client) runConn(ctx context.Context, c *resonance.Connection) error {
	log := logger.Get(ctx)

	if err := c.SendRawBytes([]byte(client.config.Passport)); err != nil {
		return err
	}
	hello, err := c.ReceiveRawBytes()
	if err != nil {
		return err
	}
	if string(hello) != client.config.Passport {
		return errors.New("passport echo expected")
	}

	conn := client.attach()
	defer client.detach(conn)

	log.Info("Connected to switchboard", zap.String("server", client.config.Address))

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("receiver", parallel.Fail, func(ctx context.Context) error {
			for {
				msg, err := c.ReceiveRawBytes()
				if err != nil {
					return err
				}

				from, payload, err := DecodeEnvelope(msg)
				if err != nil {
					return err
				}
				chunk, err := p2p.ParseChunk(append([]byte(nil), payload...))
				if err != nil {
					log.Debug("Dropping malformed chunk", zap.String("from", from), zap.Error(err))
					continue
				}

				if err := client.deliverer.DeliverChunk(ctx, from, chunk); err != nil {
					return err
				}
			}
		})
		spawn("sender", parallel.Fail, func(ctx context.Context) error {
			defer c.Close()

			for {
				select {
				case <-ctx.Done():
					return errors.WithStack(ctx.Err())
				case msg := <-conn.sendCh:
					if err := c.SendRawBytes(msg); err != nil {
						return err
					}
				}
			}
		})

		return nil
	})
}
