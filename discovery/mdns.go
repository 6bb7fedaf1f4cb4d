package discovery

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_msnslp._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// MinDirectVersion is the lowest advertised version speaking the nonce
	// handshake. Older entries are ignored.
	MinDirectVersion = 1
	// DefaultRefreshInterval is the background peer discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
	// DefaultStaleRefreshes is how many refresh intervals an endpoint may go
	// unseen before it is forgotten.
	DefaultStaleRefreshes = 3
	// DefaultTTL is the intended mDNS record TTL in seconds.
	DefaultTTL = 120

	passportTXTKey    = "passport"
	versionTXTKey     = "version"
	displayNameTXTKey = "display_name"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS broadcaster and scanner behavior.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	StaleAfter      time.Duration
	TTL             uint32

	// Passport identifies the local account. Entries carrying it are ignored.
	Passport    string
	DisplayName string
	// Port is the direct-connection listener port being advertised.
	Port   int
	Logger *zap.Logger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.StaleAfter <= 0 {
		out.StaleAfter = DefaultStaleRefreshes * out.RefreshInterval
	}
	if out.TTL == 0 {
		out.TTL = DefaultTTL
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForBroadcast() error {
	if strings.TrimSpace(c.Passport) == "" {
		return errors.New("passport is required")
	}
	if c.Port <= 0 {
		return errors.New("port must be > 0")
	}
	return nil
}

func (c Config) validateForScan() error {
	if strings.TrimSpace(c.Passport) == "" {
		return errors.New("passport is required")
	}
	return nil
}

func (c Config) instanceName() string {
	if name := strings.TrimSpace(c.DisplayName); name != "" {
		return name
	}
	return c.Passport
}

// Broadcaster advertises the local direct-connection listener via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers and starts mDNS broadcast.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	txt := []string{
		passportTXTKey + "=" + cfg.Passport,
		versionTXTKey + "=" + strconv.Itoa(cfg.Version),
	}
	if cfg.DisplayName != "" {
		txt = append(txt, displayNameTXTKey+"="+cfg.DisplayName)
	}

	server, err := cfg.registerFn(cfg.instanceName(), cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, errors.Wrap(err, "register mDNS service")
	}
	if server != nil {
		server.TTL(cfg.TTL)
	}

	cfg.Logger.Info("Advertising direct connection listener",
		zap.String("service", cfg.Service), zap.Int("port", cfg.Port))
	return &Broadcaster{server: server}, nil
}

// Stop stops mDNS broadcasting.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

// Service advertises the local listener and tracks the listeners of others.
type Service struct {
	Broadcaster *Broadcaster
	Scanner     *PeerScanner
}

// Start registers the local listener and prepares a scanner reporting to
// observer. Scanning begins with Run.
func Start(config Config, observer Observer) (*Service, error) {
	cfg := config.withDefaults()

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		return nil, err
	}

	scanner, err := NewPeerScanner(cfg, observer)
	if err != nil {
		broadcaster.Stop()
		return nil, err
	}

	return &Service{
		Broadcaster: broadcaster,
		Scanner:     scanner,
	}, nil
}

// Run scans until ctx is done, then withdraws the advertisement.
func (s *Service) Run(ctx context.Context) error {
	defer s.Broadcaster.Stop()
	return s.Scanner.Run(ctx)
}

// Lookup returns the last discovered endpoint of passport.
func (s *Service) Lookup(passport string) (Endpoint, bool) {
	if s == nil || s.Scanner == nil {
		return Endpoint{}, false
	}
	return s.Scanner.Lookup(passport)
}
