package network

import (
	"context"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/parallel"

	"msnslp/crypto"
	"msnslp/p2p"
	"msnslp/slp"
)

var (
	// ErrNoListener is returned by Listen when no direct-connection server runs.
	ErrNoListener = errors.New("network: no direct connection listener")
	// ErrDirectTimeout ends a direct connection attempt nobody completed in time.
	ErrDirectTimeout = errors.New("network: direct connection timed out")
)

// ConnectorConfig configures a Connector.
type ConnectorConfig struct {
	Engine *Engine
	// Server is optional; without it only outbound connections are made.
	Server *Server
	// Advertise overrides the addresses announced to peers.
	Advertise []string
	// Lookup optionally returns a remembered endpoint of a peer, dialed
	// after the advertised and discovered ones.
	Lookup  func(peer string) ([]string, int, bool)
	Timeout time.Duration
	Logger  *zap.Logger
}

// Connector opens direct connections on behalf of the dispatcher and reports
// their outcome to the engine.
type Connector struct {
	engine    *Engine
	server    *Server
	advertise []string
	lookup    func(peer string) ([]string, int, bool)
	timeout   time.Duration
	log       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	tasks  chan task

	mu        sync.RWMutex
	endpoints map[string]endpoint
}

type endpoint struct {
	addrs []string
	port  int
}

type task struct {
	name string
	fn   parallel.Task
}

// NewConnector creates a connector.
func NewConnector(cfg ConnectorConfig) *Connector {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultConnectionTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Connector{
		engine:    cfg.Engine,
		server:    cfg.Server,
		advertise: cfg.Advertise,
		lookup:    cfg.Lookup,
		timeout:   timeout,
		log:       log.Named("dc"),
		ctx:       ctx,
		cancel:    cancel,
		tasks:     make(chan task, 16),
		endpoints: map[string]endpoint{},
	}
}

// Run hands inbound connections accepted by the server to the engine and
// supervises dials and direct connection readers until ctx is done.
func (c *Connector) Run(ctx context.Context) error {
	defer c.cancel()

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("inbound", parallel.Fail, c.runInbound)
		spawn("tasks", parallel.Fail, func(ctx context.Context) error {
			for {
				select {
				case <-ctx.Done():
					c.cancel()
					return errors.WithStack(ctx.Err())
				case t := <-c.tasks:
					spawn(t.name, parallel.Continue, t.fn)
				}
			}
		})
		return nil
	})
}

func (c *Connector) runInbound(ctx context.Context) error {
	if c.server == nil {
		<-ctx.Done()
		return errors.WithStack(ctx.Err())
	}

	incoming := c.server.Incoming()
	errs := c.server.Errors()
	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case dc, ok := <-incoming:
			if !ok {
				<-ctx.Done()
				return errors.WithStack(ctx.Err())
			}
			c.log.Info("Inbound direct connection", zap.String("peer", dc.Peer()))
			c.resolve(dc.Peer(), dc, nil)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			c.log.Debug("Inbound direct connection rejected", zap.Error(err))
		}
	}
}

// start hands fn to the group run by Run. It gives up once Run has exited.
func (c *Connector) start(name string, fn parallel.Task) bool {
	select {
	case c.tasks <- task{name: name, fn: fn}:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// Listen expects a connection from peer proving nonce and returns the
// endpoint to advertise. The attempt fails after the connector timeout.
func (c *Connector) Listen(peer string, nonce crypto.Nonce) ([]string, int, error) {
	if c.server == nil {
		return nil, 0, ErrNoListener
	}

	c.server.Expect(peer, nonce)
	c.start("expect-"+peer, func(ctx context.Context) error {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			c.server.Forget(nonce)
			return nil
		case <-timer.C:
		}
		if c.server.Forget(nonce) {
			c.resolve(peer, nil, errors.Wrapf(ErrDirectTimeout, "waiting for %s", peer))
		}
		return nil
	})

	addrs := c.advertise
	if len(addrs) == 0 {
		addrs = localIPv4Addrs()
	}
	return addrs, c.server.Port(), nil
}

// SetEndpoint records a listener of peer found on the local network.
func (c *Connector) SetEndpoint(peer string, addrs []string, port int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoints[strings.ToLower(peer)] = endpoint{addrs: slices.Clone(addrs), port: port}
}

// ForgetEndpoint drops the local-network listener of peer.
func (c *Connector) ForgetEndpoint(peer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.endpoints, strings.ToLower(peer))
}

func (c *Connector) localEndpoint(peer string) (endpoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ep, ok := c.endpoints[strings.ToLower(peer)]
	return ep, ok
}

// Connect dials the advertised endpoint of peer in the background, then the
// discovered and remembered ones.
func (c *Connector) Connect(peer string, addrs []string, port int, nonce crypto.Nonce) {
	targets := dialTargets(addrs, port)
	addTargets := func(addrs []string, port int) {
		for _, target := range dialTargets(addrs, port) {
			if !slices.Contains(targets, target) {
				targets = append(targets, target)
			}
		}
	}
	if ep, ok := c.localEndpoint(peer); ok {
		addTargets(ep.addrs, ep.port)
	}
	if c.lookup != nil {
		if found, foundPort, ok := c.lookup(peer); ok {
			addTargets(found, foundPort)
		}
	}

	c.start("dial-"+peer, func(ctx context.Context) error {
		cause := errors.New("no address to dial")
		for _, target := range targets {
			dc, err := DialDirect(ctx, target, peer, nonce, c.timeout, c.log)
			if err == nil {
				c.log.Info("Outbound direct connection", zap.String("peer", peer), zap.String("addr", target))
				c.resolve(peer, dc, nil)
				return nil
			}
			c.log.Debug("Direct dial failed", zap.String("addr", target), zap.Error(err))
			cause = err
		}
		c.resolve(peer, nil, cause)
		return nil
	})
}

func dialTargets(addrs []string, port int) []string {
	if port <= 0 {
		return nil
	}
	targets := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		if addr == "" {
			continue
		}
		targets = append(targets, net.JoinHostPort(addr, strconv.Itoa(port)))
	}
	return targets
}

func (c *Connector) resolve(peer string, dc *DirectConn, cause error) {
	var conn slp.DirectConnection
	if dc != nil {
		conn = dc
	}

	err := c.engine.Post(c.ctx, func(s *slp.Session) error {
		return s.DirectConnectionResolved(peer, conn, cause)
	})
	if err != nil {
		c.log.Debug("Direct connection result dropped", zap.String("peer", peer), zap.Error(err))
		if dc != nil {
			_ = dc.Close()
		}
		return
	}
	if dc != nil && !c.start("read-"+peer, func(ctx context.Context) error {
		return dc.Run(ctx, c.deliver)
	}) {
		_ = dc.Close()
	}
}

func (c *Connector) deliver(peer string, chunk p2p.Chunk) {
	if err := c.engine.DeliverChunk(c.ctx, peer, chunk); err != nil {
		c.log.Debug("Dropping direct chunk", zap.String("peer", peer), zap.Error(err))
	}
}

func localIPv4Addrs() []string {
	var out []string
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() {
				continue
			}
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				out = append(out, ip4.String())
			}
		}
	}
	if len(out) == 0 {
		out = []string{"127.0.0.1"}
	}
	return out
}
