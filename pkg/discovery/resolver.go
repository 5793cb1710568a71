package discovery

import (
	"context"
	"net"
	"time"

	"github.com/backkem/coap/pkg/transport"
	"github.com/grandcat/zeroconf"
)

// DefaultBrowseTimeout is the default timeout for browse operations.
const DefaultBrowseTimeout = 10 * time.Second

// DefaultLookupTimeout is the default timeout for lookup operations.
const DefaultLookupTimeout = 5 * time.Second

// ResolvedService contains information about a discovered DNS-SD service.
type ResolvedService struct {
	// ServiceType is the type of the discovered service.
	ServiceType ServiceType

	// InstanceName is the DNS-SD instance name.
	InstanceName string

	// HostName is the target host name.
	HostName string

	// Port is the service port.
	Port int

	// IPs contains the resolved IP addresses, sorted by preference.
	IPs []net.IP

	// Text contains the raw TXT record key-value pairs.
	Text map[string]string

	// TXT is the parsed metadata, nil if the records were malformed.
	TXT *ServiceTXT
}

// PreferredIP returns the most preferred IP address (first in the sorted list).
// Returns nil if no addresses are available.
func (r *ResolvedService) PreferredIP() net.IP {
	if len(r.IPs) > 0 {
		return r.IPs[0]
	}
	return nil
}

// IPv6Addresses returns only IPv6 addresses from the service.
func (r *ResolvedService) IPv6Addresses() []net.IP {
	return FilterIPv6(r.IPs)
}

// IPv4Addresses returns only IPv4 addresses from the service.
func (r *ResolvedService) IPv4Addresses() []net.IP {
	return FilterIPv4(r.IPs)
}

// PeerAddress returns the endpoint address of the preferred IP.
func (r *ResolvedService) PeerAddress() (transport.PeerAddress, error) {
	ip := r.PreferredIP()
	if ip == nil {
		return transport.PeerAddress{}, ErrNoAddresses
	}
	return transport.NewUDPPeerAddress(&net.UDPAddr{IP: ip, Port: r.Port}), nil
}

// MDNSResolver is the interface for mDNS service resolution.
// This allows for dependency injection in tests.
type MDNSResolver interface {
	// Browse browses for services of the given type.
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

	// Lookup looks up a specific service instance.
	Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// zeroconfResolver is the production implementation using grandcat/zeroconf.
// A zeroconf client shuts down with its query context, so every query
// gets a fresh one. Entries are forwarded into the caller's channel until
// the query ends; the caller owns and closes that channel.
type zeroconfResolver struct {
	opts []zeroconf.ClientOption
}

func newZeroconfResolver(ifaces []net.Interface) *zeroconfResolver {
	z := &zeroconfResolver{}
	if len(ifaces) > 0 {
		z.opts = append(z.opts, zeroconf.SelectIfaces(ifaces))
	}
	return z
}

func (z *zeroconfResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return z.forward(ctx, entries, func(r *zeroconf.Resolver, ch chan *zeroconf.ServiceEntry) error {
		return r.Browse(ctx, service, domain, ch)
	})
}

func (z *zeroconfResolver) Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return z.forward(ctx, entries, func(r *zeroconf.Resolver, ch chan *zeroconf.ServiceEntry) error {
		return r.Lookup(ctx, instance, service, domain, ch)
	})
}

func (z *zeroconfResolver) forward(ctx context.Context, entries chan<- *zeroconf.ServiceEntry, query func(*zeroconf.Resolver, chan *zeroconf.ServiceEntry) error) error {
	r, err := zeroconf.NewResolver(z.opts...)
	if err != nil {
		return err
	}
	ch := make(chan *zeroconf.ServiceEntry)
	if err := query(r, ch); err != nil {
		return err
	}
	for {
		select {
		case entry, ok := <-ch:
			if !ok {
				return nil
			}
			select {
			case entries <- entry:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ResolverConfig holds configuration for the Resolver.
type ResolverConfig struct {
	// MDNSResolver is the underlying mDNS resolver implementation.
	// If nil, the default zeroconf resolver is used.
	MDNSResolver MDNSResolver

	// Interfaces restricts queries of the default resolver. If nil, all
	// multicast interfaces are used.
	Interfaces []net.Interface

	// BrowseTimeout is the timeout for browse operations.
	// If zero, DefaultBrowseTimeout is used.
	BrowseTimeout time.Duration

	// LookupTimeout is the timeout for lookup operations.
	// If zero, DefaultLookupTimeout is used.
	LookupTimeout time.Duration
}

// Resolver discovers CoAP services via DNS-SD.
type Resolver struct {
	config   ResolverConfig
	resolver MDNSResolver
}

// NewResolver creates a new Resolver with the given configuration.
func NewResolver(config ResolverConfig) (*Resolver, error) {
	resolver := config.MDNSResolver
	if resolver == nil {
		resolver = newZeroconfResolver(config.Interfaces)
	}

	if config.BrowseTimeout == 0 {
		config.BrowseTimeout = DefaultBrowseTimeout
	}
	if config.LookupTimeout == 0 {
		config.LookupTimeout = DefaultLookupTimeout
	}

	return &Resolver{
		config:   config,
		resolver: resolver,
	}, nil
}

// Browse discovers services of serviceType. The returned channel receives
// services until ctx is done or the browse timeout expires, then closes.
func (r *Resolver) Browse(ctx context.Context, serviceType ServiceType) (<-chan ResolvedService, error) {
	if !serviceType.IsValid() {
		return nil, ErrInvalidServiceType
	}

	results := make(chan ResolvedService)
	entries := make(chan *zeroconf.ServiceEntry)

	// The browse timeout applies only when ctx has no deadline of its own.
	cancel := context.CancelFunc(func() {})
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, r.config.BrowseTimeout)
	}

	go func() {
		defer cancel()
		defer close(results)

		go func() {
			defer close(entries)
			r.resolver.Browse(ctx, serviceType.ServiceString(), DefaultDomain, entries)
		}()

		for entry := range entries {
			svc := entryToResolvedService(entry, serviceType)
			select {
			case results <- svc:
			case <-ctx.Done():
				// Drain so the browse goroutine can exit.
				for range entries {
				}
				return
			}
		}
	}()

	return results, nil
}

// Discover returns the first service of serviceType found.
func (r *Resolver) Discover(ctx context.Context, serviceType ServiceType) (*ResolvedService, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	services, err := r.Browse(ctx, serviceType)
	if err != nil {
		return nil, err
	}
	svc, ok := <-services
	if !ok {
		return nil, ErrServiceNotFound
	}
	cancel()
	for range services {
	}
	return &svc, nil
}

// Lookup looks up a specific service instance by name.
func (r *Resolver) Lookup(ctx context.Context, serviceType ServiceType, instanceName string) (*ResolvedService, error) {
	if !serviceType.IsValid() {
		return nil, ErrInvalidServiceType
	}
	if instanceName == "" || len(instanceName) > maxInstanceNameLength {
		return nil, ErrInvalidInstanceName
	}

	// Apply lookup timeout if context doesn't have a deadline
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.LookupTimeout)
		defer cancel()
	}

	// Buffered so the lookup goroutine never blocks once we stop reading.
	entries := make(chan *zeroconf.ServiceEntry, 1)

	go func() {
		defer close(entries)
		r.resolver.Lookup(ctx, instanceName, serviceType.ServiceString(), DefaultDomain, entries)
	}()

	select {
	case entry, ok := <-entries:
		if !ok || entry == nil {
			return nil, ErrServiceNotFound
		}
		svc := entryToResolvedService(entry, serviceType)
		return &svc, nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// entryToResolvedService converts a zeroconf.ServiceEntry to ResolvedService.
func entryToResolvedService(entry *zeroconf.ServiceEntry, serviceType ServiceType) ResolvedService {
	allIPs := make([]net.IP, 0, len(entry.AddrIPv6)+len(entry.AddrIPv4))
	allIPs = append(allIPs, entry.AddrIPv6...)
	allIPs = append(allIPs, entry.AddrIPv4...)

	svc := ResolvedService{
		ServiceType:  serviceType,
		InstanceName: entry.Instance,
		HostName:     entry.HostName,
		Port:         entry.Port,
		IPs:          SortIPsByPreference(allIPs),
		Text:         ParseTXT(entry.Text),
	}
	if txt, err := ParseServiceTXT(entry.Text); err == nil {
		svc.TXT = txt
	}
	return svc
}
