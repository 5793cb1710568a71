package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func newMockResolver(t *testing.T) (*Resolver, *MockMDNSResolver) {
	t.Helper()
	mock := NewMockMDNSResolver()
	r, err := NewResolver(ResolverConfig{
		MDNSResolver:  mock,
		BrowseTimeout: 200 * time.Millisecond,
		LookupTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}
	return r, mock
}

func TestResolverBrowse(t *testing.T) {
	r, mock := newMockResolver(t)
	mock.RegisterService(ServiceCoAP, MockService("a", 5683, []net.IP{net.ParseIP("192.168.1.10")}, ServiceTXT{}))
	mock.RegisterService(ServiceCoAP, MockService("b", 5683, []net.IP{net.ParseIP("fe80::2"), net.ParseIP("2001:db8::2")}, ServiceTXT{}))
	mock.RegisterService(ServiceCoAPS, MockService("c", 5684, []net.IP{net.ParseIP("10.0.0.1")}, ServiceTXT{}))

	services, err := r.Browse(context.Background(), ServiceTypeCoAP)
	if err != nil {
		t.Fatalf("Browse() error = %v", err)
	}

	var names []string
	for svc := range services {
		names = append(names, svc.InstanceName)
		if svc.ServiceType != ServiceTypeCoAP {
			t.Errorf("ServiceType = %v, want %v", svc.ServiceType, ServiceTypeCoAP)
		}
		if svc.InstanceName == "b" && !svc.PreferredIP().Equal(net.ParseIP("2001:db8::2")) {
			t.Errorf("PreferredIP() = %v, want 2001:db8::2", svc.PreferredIP())
		}
	}
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("browsed %v, want [a b]", names)
	}

	if _, err := r.Browse(context.Background(), ServiceTypeUnknown); !errors.Is(err, ErrInvalidServiceType) {
		t.Errorf("Browse(Unknown) error = %v, want %v", err, ErrInvalidServiceType)
	}
}

func TestResolverDiscover(t *testing.T) {
	r, mock := newMockResolver(t)

	if _, err := r.Discover(context.Background(), ServiceTypeCoAP); !errors.Is(err, ErrServiceNotFound) {
		t.Errorf("Discover() on empty network error = %v, want %v", err, ErrServiceNotFound)
	}

	mock.RegisterService(ServiceCoAP, MockService("a", 5683, []net.IP{net.ParseIP("192.168.1.10")}, ServiceTXT{}))
	mock.RegisterService(ServiceCoAP, MockService("b", 5683, []net.IP{net.ParseIP("192.168.1.11")}, ServiceTXT{}))

	svc, err := r.Discover(context.Background(), ServiceTypeCoAP)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if svc.InstanceName != "a" {
		t.Errorf("InstanceName = %q, want a", svc.InstanceName)
	}
}

func TestResolverLookup(t *testing.T) {
	r, mock := newMockResolver(t)
	txt := ServiceTXT{ResourceTypes: []string{"core.s"}, MaxSize: 1024}
	mock.RegisterService(ServiceCoAP, MockService("node", 15683, []net.IP{net.ParseIP("192.168.1.10")}, txt))

	svc, err := r.Lookup(context.Background(), ServiceTypeCoAP, "node")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if svc.Port != 15683 {
		t.Errorf("Port = %d, want 15683", svc.Port)
	}
	if svc.Text["rt"] != "core.s" {
		t.Errorf("Text[rt] = %q, want core.s", svc.Text["rt"])
	}
	if svc.TXT == nil || svc.TXT.MaxSize != 1024 {
		t.Errorf("TXT = %+v, want MaxSize 1024", svc.TXT)
	}

	peer, err := svc.PeerAddress()
	if err != nil {
		t.Fatalf("PeerAddress() error = %v", err)
	}
	if got := peer.Addr.String(); got != "192.168.1.10:15683" {
		t.Errorf("PeerAddress() = %s, want 192.168.1.10:15683", got)
	}

	tests := []struct {
		name        string
		serviceType ServiceType
		instance    string
		want        error
	}{
		{"missing instance", ServiceTypeCoAP, "other", ErrServiceNotFound},
		{"invalid type", ServiceTypeUnknown, "node", ErrInvalidServiceType},
		{"empty name", ServiceTypeCoAP, "", ErrInvalidInstanceName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Lookup(context.Background(), tt.serviceType, tt.instance)
			if !errors.Is(err, tt.want) {
				t.Errorf("Lookup() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestResolvedServicePeerAddressNoIPs(t *testing.T) {
	svc := ResolvedService{Port: 5683}
	if _, err := svc.PeerAddress(); !errors.Is(err, ErrNoAddresses) {
		t.Errorf("PeerAddress() error = %v, want %v", err, ErrNoAddresses)
	}
}
