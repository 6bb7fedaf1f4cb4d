// Package node runs one account: an SLP session driven by an engine, the
// dispatcher negotiating its calls, and the switchboard and direct
// connections carrying its chunks.
package node

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/parallel"

	"msnslp/discovery"
	"msnslp/dispatch"
	"msnslp/network"
	"msnslp/slp"
	"msnslp/slp/signal"
	"msnslp/storage"
	"msnslp/switchboard"
)

// ErrCallNotFound is returned when a call id names no live call.
var ErrCallNotFound = errors.New("node: call not found")

// Config configures a Node.
type Config struct {
	Passport    string
	DisplayName string

	FilesDir        string
	AutoAcceptFiles bool
	OnFileRequest   func(dispatch.FileRequestNotification) (bool, error)

	// SwitchboardAddress is optional; without it only direct connections carry chunks.
	SwitchboardAddress string
	// DirectListenAddress enables the direct-connection listener when set.
	DirectListenAddress string
	DirectTimeout       time.Duration
	// Advertise overrides the addresses announced for direct connections.
	Advertise     []string
	AdvertiseMDNS bool

	MaxBufferedMessage uint64
	PartsPerTurn       int

	Store    *storage.Store
	Observer slp.TransferObserver
	Logger   *zap.Logger
}

// Node is a running account.
type Node struct {
	cfg   Config
	log   *zap.Logger
	store *storage.Store

	session   *slp.Session
	engine    *network.Engine
	handler   *dispatch.Handler
	server    *network.Server
	connector *network.Connector
	sb        *switchboard.Client
}

// New assembles a node. Nothing runs until Run is called, except the direct
// connection listener which is bound immediately.
func New(cfg Config) (*Node, error) {
	if strings.TrimSpace(cfg.Passport) == "" {
		return nil, errors.New("passport is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("passport", cfg.Passport))

	n := &Node{
		cfg:   cfg,
		log:   log,
		store: cfg.Store,
	}

	n.session = slp.NewSession(slp.Config{
		Logger:             log,
		MaxBufferedMessage: cfg.MaxBufferedMessage,
		PartsPerTurn:       cfg.PartsPerTurn,
	})
	n.engine = network.NewEngine(n.session, log)

	if cfg.DirectListenAddress != "" {
		server, err := network.Listen(cfg.DirectListenAddress, cfg.DirectTimeout, log)
		if err != nil {
			return nil, err
		}
		n.server = server
	}

	n.connector = network.NewConnector(network.ConnectorConfig{
		Engine:    n.engine,
		Server:    n.server,
		Advertise: cfg.Advertise,
		Lookup:    n.lookupPeer,
		Timeout:   cfg.DirectTimeout,
		Logger:    log,
	})

	n.handler = dispatch.New(dispatch.Options{
		LocalPassport: cfg.Passport,
		FilesDir:      cfg.FilesDir,
		AutoAccept:    cfg.AutoAcceptFiles,
		OnFileRequest: cfg.OnFileRequest,
		Objects:       cfg.Store,
		Direct:        n.connector,
		Observer:      storage.NewRecorder(cfg.Store, log, cfg.Observer),
		Logger:        log,
	})
	n.session.SetDispatcher(n.handler)
	n.session.SetObserver(n.handler)

	if cfg.SwitchboardAddress != "" {
		sb, err := switchboard.NewClient(switchboard.ClientConfig{
			Address:  cfg.SwitchboardAddress,
			Passport: cfg.Passport,
		}, n.engine)
		if err != nil {
			n.closeServer()
			return nil, err
		}
		n.sb = sb
		n.session.SetSwitchboard(sb)
	}

	return n, nil
}

// Run runs the node until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	defer n.closeServer()

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("engine", parallel.Fail, n.engine.Run)
		spawn("connector", parallel.Fail, n.connector.Run)
		if n.sb != nil {
			spawn("switchboard", parallel.Fail, n.sb.Run)
		}
		if n.cfg.AdvertiseMDNS && n.server != nil {
			svc, err := discovery.Start(discovery.Config{
				Passport:    n.cfg.Passport,
				DisplayName: n.cfg.DisplayName,
				Port:        n.server.Port(),
				Logger:      n.log,
			}, endpointSink{n: n})
			if err != nil {
				n.log.Warn("Discovery startup failed", zap.Error(err))
			} else {
				spawn("discovery", parallel.Fail, svc.Run)
			}
		}
		return nil
	})
}

// DirectPort returns the port of the direct-connection listener, or 0.
func (n *Node) DirectPort() int {
	if n.server == nil {
		return 0
	}
	return n.server.Port()
}

// Connected reports whether the switchboard has registered the node.
func (n *Node) Connected() bool {
	return n.sb != nil && n.sb.Connected()
}

// SendFile invites peer to receive the file at path and returns the call id.
func (n *Node) SendFile(ctx context.Context, peer, path string) (string, error) {
	var callID string
	err := n.engine.Do(ctx, func(s *slp.Session) error {
		link, err := s.FindOrCreateLink(peer)
		if err != nil {
			return err
		}
		call, err := n.handler.SendFile(link, path)
		if err != nil {
			return err
		}
		callID = call.ID()
		return nil
	})
	return callID, err
}

// PublishObject stores data as an object peers may request.
func (n *Node) PublishObject(ctx context.Context, typ signal.ObjectType, location string, data []byte) (signal.Object, error) {
	var obj signal.Object
	err := n.engine.Do(ctx, func(*slp.Session) error {
		var err error
		obj, err = n.handler.PublishObject(typ, location, data)
		return err
	})
	return obj, err
}

// RequestObject asks peer for the object obj describes and returns the call id.
func (n *Node) RequestObject(ctx context.Context, peer string, obj signal.Object) (string, error) {
	var callID string
	err := n.engine.Do(ctx, func(s *slp.Session) error {
		link, err := s.FindOrCreateLink(peer)
		if err != nil {
			return err
		}
		call, err := n.handler.RequestObject(link, obj)
		if err != nil {
			return err
		}
		callID = call.ID()
		return nil
	})
	return callID, err
}

// CancelTransfer ends the call callID with peer.
func (n *Node) CancelTransfer(ctx context.Context, peer, callID string) error {
	return n.engine.Do(ctx, func(s *slp.Session) error {
		link, ok := s.FindLink(peer)
		if !ok {
			return errors.Wrapf(ErrCallNotFound, "no link to %s", peer)
		}
		call, ok := link.FindCallByID(callID)
		if !ok {
			return errors.Wrapf(ErrCallNotFound, "call %s", callID)
		}
		return n.handler.CancelCall(call)
	})
}

// Transfers lists recorded transfers.
func (n *Node) Transfers(filter storage.TransferFilter) ([]storage.Transfer, error) {
	return n.store.ListTransfers(filter)
}

// lookupPeer returns the endpoint last recorded for peer.
func (n *Node) lookupPeer(peer string) ([]string, int, bool) {
	stored, err := n.store.GetPeer(peer)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			n.log.Debug("Peer lookup failed", zap.String("peer", peer), zap.Error(err))
		}
		return nil, 0, false
	}
	if stored.LastKnownIP == nil || stored.LastKnownPort == nil {
		return nil, 0, false
	}
	return []string{*stored.LastKnownIP}, *stored.LastKnownPort, true
}

// endpointSink hands endpoints found on the local network to the connector
// and remembers them for later sessions.
type endpointSink struct {
	n *Node
}

func (s endpointSink) EndpointChanged(ep discovery.Endpoint) {
	s.n.connector.SetEndpoint(ep.Passport, ep.Addresses, ep.Port)
	if err := s.n.store.UpsertPeerEndpoint(ep.Passport, ep.DisplayName, ep.Addresses[0], ep.Port, ep.LastSeen.UnixMilli()); err != nil {
		s.n.log.Warn("Recording peer endpoint failed", zap.String("peer", ep.Passport), zap.Error(err))
	}
}

func (s endpointSink) EndpointLost(passport string) {
	s.n.connector.ForgetEndpoint(passport)
}

func (n *Node) closeServer() {
	if n.server == nil {
		return
	}
	if err := n.server.Close(); err != nil {
		n.log.Debug("Closing direct connection listener", zap.Error(err))
	}
}
