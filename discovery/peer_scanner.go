package discovery

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/parallel"
)

// Endpoint is the direct-connection listener advertised by an account.
type Endpoint struct {
	Passport    string
	DisplayName string
	Version     int
	Port        int
	Addresses   []string
	LastSeen    time.Time
}

func (e Endpoint) sameListener(other Endpoint) bool {
	return e.Passport == other.Passport &&
		e.DisplayName == other.DisplayName &&
		e.Version == other.Version &&
		e.Port == other.Port &&
		slices.Equal(e.Addresses, other.Addresses)
}

// Observer is told when an endpoint appears, moves or goes stale. Calls come
// from the scanner goroutine.
type Observer interface {
	EndpointChanged(ep Endpoint)
	EndpointLost(passport string)
}

type nopObserver struct{}

func (nopObserver) EndpointChanged(Endpoint) {}

func (nopObserver) EndpointLost(string) {}

// PeerScanner browses for direct-connection listeners of other accounts.
type PeerScanner struct {
	cfg      Config
	log      *zap.Logger
	browse   browseFunc
	observer Observer
	now      func() time.Time

	mu        sync.RWMutex
	endpoints map[string]Endpoint
}

// NewPeerScanner creates a scanner reporting to observer, which may be nil.
func NewPeerScanner(config Config, observer Observer) (*PeerScanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, errors.Wrap(err, "create mDNS resolver")
		}
		browse = resolver.Browse
	}
	if observer == nil {
		observer = nopObserver{}
	}

	return &PeerScanner{
		cfg:       cfg,
		log:       cfg.Logger.Named("mdns"),
		browse:    browse,
		observer:  observer,
		now:       time.Now,
		endpoints: map[string]Endpoint{},
	}, nil
}

// Run scans every RefreshInterval until ctx is done.
func (s *PeerScanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		if err := s.scan(ctx); err != nil {
			if ctx.Err() != nil {
				return errors.WithStack(ctx.Err())
			}
			s.log.Warn("Peer scan failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-ticker.C:
		}
	}
}

// Lookup returns the endpoint advertised by passport.
func (s *PeerScanner) Lookup(passport string) (Endpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ep, ok := s.endpoints[strings.ToLower(passport)]
	return ep, ok
}

// Endpoints returns the known endpoints ordered by passport.
func (s *PeerScanner) Endpoints() []Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Endpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		out = append(out, ep)
	}
	slices.SortFunc(out, func(a, b Endpoint) int {
		return strings.Compare(a.Passport, b.Passport)
	})
	return out
}

// scan browses for one ScanTimeout window, then forgets endpoints not seen
// for StaleAfter.
func (s *PeerScanner) scan(ctx context.Context) error {
	scanCtx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	err := parallel.Run(scanCtx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("browse", parallel.Continue, func(ctx context.Context) error {
			if err := s.browse(ctx, s.cfg.Service, s.cfg.Domain, entries); err != nil && !windowClosed(err) {
				return errors.Wrap(err, "browse mDNS")
			}
			return nil
		})
		spawn("collect", parallel.Continue, func(ctx context.Context) error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case entry, ok := <-entries:
					if !ok {
						entries = nil
						continue
					}
					if ep, ok := parseEntry(entry, s.cfg.Passport); ok {
						s.upsert(ep)
					}
				}
			}
		})
		return nil
	})
	if err != nil && !windowClosed(err) {
		return err
	}
	if ctx.Err() != nil {
		return errors.WithStack(ctx.Err())
	}

	s.expire()
	return nil
}

func (s *PeerScanner) upsert(ep Endpoint) {
	ep.LastSeen = s.now()
	key := strings.ToLower(ep.Passport)

	s.mu.Lock()
	old, exists := s.endpoints[key]
	s.endpoints[key] = ep
	s.mu.Unlock()

	if exists && old.sameListener(ep) {
		return
	}
	s.log.Debug("Endpoint discovered",
		zap.String("passport", ep.Passport), zap.Strings("addrs", ep.Addresses), zap.Int("port", ep.Port))
	s.observer.EndpointChanged(ep)
}

func (s *PeerScanner) expire() {
	cutoff := s.now().Add(-s.cfg.StaleAfter)

	var lost []string
	s.mu.Lock()
	for key, ep := range s.endpoints {
		if ep.LastSeen.Before(cutoff) {
			delete(s.endpoints, key)
			lost = append(lost, ep.Passport)
		}
	}
	s.mu.Unlock()

	slices.Sort(lost)
	for _, passport := range lost {
		s.log.Debug("Endpoint went stale", zap.String("passport", passport))
		s.observer.EndpointLost(passport)
	}
}

func windowClosed(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// parseEntry accepts entries of other accounts whose listener understands
// the nonce handshake.
func parseEntry(entry *zeroconf.ServiceEntry, self string) (Endpoint, bool) {
	if entry == nil || entry.Port <= 0 {
		return Endpoint{}, false
	}
	txt := txtToMap(entry.Text)

	passport := txt[passportTXTKey]
	if passport == "" || strings.EqualFold(passport, self) {
		return Endpoint{}, false
	}
	version, err := strconv.Atoi(txt[versionTXTKey])
	if err != nil || version < MinDirectVersion {
		return Endpoint{}, false
	}

	var addresses []string
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil || ip.IsUnspecified() {
			continue
		}
		addresses = append(addresses, ip.String())
	}
	if len(addresses) == 0 {
		return Endpoint{}, false
	}
	slices.Sort(addresses)

	name := txt[displayNameTXTKey]
	if name == "" {
		name = strings.TrimSpace(entry.Instance)
	}

	return Endpoint{
		Passport:    passport,
		DisplayName: name,
		Version:     version,
		Port:        entry.Port,
		Addresses:   slices.Compact(addresses),
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		if key = strings.TrimSpace(key); key != "" {
			out[key] = strings.TrimSpace(value)
		}
	}
	return out
}
