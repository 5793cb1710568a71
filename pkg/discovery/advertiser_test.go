package discovery

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// mockMDNSServer is a mock implementation of MDNSServer for testing.
type mockMDNSServer struct {
	shutdownCalled bool
}

func (m *mockMDNSServer) Shutdown() {
	m.shutdownCalled = true
}

// mockMDNSServerFactory is a mock implementation of MDNSServerFactory for testing.
type mockMDNSServerFactory struct {
	mu       sync.Mutex
	servers  []*mockMDNSServer
	lastArgs struct {
		instance string
		service  string
		domain   string
		port     int
		txt      []string
	}
	shouldFail bool
}

func newMockMDNSServerFactory() *mockMDNSServerFactory {
	return &mockMDNSServerFactory{}
}

func (f *mockMDNSServerFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.shouldFail {
		return nil, ErrClosed
	}

	f.lastArgs.instance = instance
	f.lastArgs.service = service
	f.lastArgs.domain = domain
	f.lastArgs.port = port
	f.lastArgs.txt = txt

	server := &mockMDNSServer{}
	f.servers = append(f.servers, server)
	return server, nil
}

func TestNewAdvertiser(t *testing.T) {
	t.Run("random instance name", func(t *testing.T) {
		adv, err := NewAdvertiser(AdvertiserConfig{})
		if err != nil {
			t.Fatalf("NewAdvertiser() error = %v", err)
		}
		if len(adv.InstanceName()) != 16 {
			t.Errorf("InstanceName() = %q, want 16 hex characters", adv.InstanceName())
		}
	})

	t.Run("custom instance name", func(t *testing.T) {
		adv, err := NewAdvertiser(AdvertiserConfig{InstanceName: "kitchen"})
		if err != nil {
			t.Fatalf("NewAdvertiser() error = %v", err)
		}
		if adv.InstanceName() != "kitchen" {
			t.Errorf("InstanceName() = %q, want kitchen", adv.InstanceName())
		}
	})

	tests := []struct {
		name string
		cfg  AdvertiserConfig
		want error
	}{
		{"long instance name", AdvertiserConfig{InstanceName: string(make([]byte, 64))}, ErrInvalidInstanceName},
		{"negative port", AdvertiserConfig{Port: -1}, nil},
		{"port too large", AdvertiserConfig{Port: 70000}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAdvertiser(tt.cfg)
			if err == nil {
				t.Fatal("NewAdvertiser() succeeded, want error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("NewAdvertiser() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAdvertiserStart(t *testing.T) {
	tests := []struct {
		name        string
		port        int
		serviceType ServiceType
		wantService string
		wantPort    int
	}{
		{"coap default port", 0, ServiceTypeCoAP, "_coap._udp", 5683},
		{"coaps default port", 0, ServiceTypeCoAPS, "_coaps._udp", 5684},
		{"custom port", 15683, ServiceTypeCoAP, "_coap._udp", 15683},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			factory := newMockMDNSServerFactory()
			adv, err := NewAdvertiser(AdvertiserConfig{
				InstanceName:  "node",
				Port:          tt.port,
				ServerFactory: factory,
			})
			if err != nil {
				t.Fatalf("NewAdvertiser() error = %v", err)
			}

			txt := ServiceTXT{ResourceTypes: []string{"core.s"}, MaxSize: 1024}
			if err := adv.Start(tt.serviceType, txt); err != nil {
				t.Fatalf("Start() error = %v", err)
			}

			if factory.lastArgs.service != tt.wantService {
				t.Errorf("service = %q, want %q", factory.lastArgs.service, tt.wantService)
			}
			if factory.lastArgs.port != tt.wantPort {
				t.Errorf("port = %d, want %d", factory.lastArgs.port, tt.wantPort)
			}
			if factory.lastArgs.domain != DefaultDomain {
				t.Errorf("domain = %q, want %q", factory.lastArgs.domain, DefaultDomain)
			}
			if factory.lastArgs.instance != "node" {
				t.Errorf("instance = %q, want node", factory.lastArgs.instance)
			}
			if diff := cmp.Diff(txt.Encode(), factory.lastArgs.txt); diff != "" {
				t.Errorf("txt mismatch (-want +got):\n%s", diff)
			}
			if !adv.IsAdvertising(tt.serviceType) {
				t.Error("IsAdvertising() = false, want true")
			}
			if adv.Port(tt.serviceType) != tt.wantPort {
				t.Errorf("Port() = %d, want %d", adv.Port(tt.serviceType), tt.wantPort)
			}
		})
	}
}

func TestAdvertiserStartErrors(t *testing.T) {
	t.Run("already started", func(t *testing.T) {
		adv, _ := NewAdvertiser(AdvertiserConfig{ServerFactory: newMockMDNSServerFactory()})
		if err := adv.Start(ServiceTypeCoAP, ServiceTXT{}); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		if err := adv.Start(ServiceTypeCoAP, ServiceTXT{}); !errors.Is(err, ErrAlreadyStarted) {
			t.Errorf("second Start() error = %v, want %v", err, ErrAlreadyStarted)
		}
	})

	t.Run("invalid service type", func(t *testing.T) {
		adv, _ := NewAdvertiser(AdvertiserConfig{ServerFactory: newMockMDNSServerFactory()})
		if err := adv.Start(ServiceTypeUnknown, ServiceTXT{}); !errors.Is(err, ErrInvalidServiceType) {
			t.Errorf("Start() error = %v, want %v", err, ErrInvalidServiceType)
		}
	})

	t.Run("invalid txt", func(t *testing.T) {
		adv, _ := NewAdvertiser(AdvertiserConfig{ServerFactory: newMockMDNSServerFactory()})
		err := adv.Start(ServiceTypeCoAP, ServiceTXT{ResourceTypes: []string{"a b"}})
		if !errors.Is(err, ErrInvalidTXTRecord) {
			t.Errorf("Start() error = %v, want %v", err, ErrInvalidTXTRecord)
		}
	})

	t.Run("registration failure", func(t *testing.T) {
		factory := newMockMDNSServerFactory()
		factory.shouldFail = true
		adv, _ := NewAdvertiser(AdvertiserConfig{ServerFactory: factory})
		if err := adv.Start(ServiceTypeCoAP, ServiceTXT{}); err == nil {
			t.Error("Start() succeeded, want error")
		}
		if adv.IsAdvertising(ServiceTypeCoAP) {
			t.Error("IsAdvertising() = true after failed registration")
		}
	})

	t.Run("closed", func(t *testing.T) {
		adv, _ := NewAdvertiser(AdvertiserConfig{ServerFactory: newMockMDNSServerFactory()})
		adv.Close()
		if err := adv.Start(ServiceTypeCoAP, ServiceTXT{}); !errors.Is(err, ErrClosed) {
			t.Errorf("Start() error = %v, want %v", err, ErrClosed)
		}
	})
}

func TestAdvertiserStop(t *testing.T) {
	factory := newMockMDNSServerFactory()
	adv, _ := NewAdvertiser(AdvertiserConfig{ServerFactory: factory})

	if err := adv.Stop(ServiceTypeCoAP); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Stop() before Start error = %v, want %v", err, ErrNotStarted)
	}

	adv.Start(ServiceTypeCoAP, ServiceTXT{})
	if err := adv.Stop(ServiceTypeCoAP); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if !factory.servers[0].shutdownCalled {
		t.Error("server not shut down")
	}
	if adv.IsAdvertising(ServiceTypeCoAP) {
		t.Error("IsAdvertising() = true after Stop")
	}
	if adv.Port(ServiceTypeCoAP) != 0 {
		t.Errorf("Port() = %d after Stop, want 0", adv.Port(ServiceTypeCoAP))
	}
}

func TestAdvertiserStopAllAndClose(t *testing.T) {
	factory := newMockMDNSServerFactory()
	adv, _ := NewAdvertiser(AdvertiserConfig{ServerFactory: factory})

	adv.Start(ServiceTypeCoAP, ServiceTXT{})
	adv.Start(ServiceTypeCoAPS, ServiceTXT{})
	adv.StopAll()

	for i, s := range factory.servers {
		if !s.shutdownCalled {
			t.Errorf("server %d not shut down", i)
		}
	}
	if adv.IsAdvertising(ServiceTypeCoAP) || adv.IsAdvertising(ServiceTypeCoAPS) {
		t.Error("IsAdvertising() = true after StopAll")
	}

	// Services can be started again after StopAll.
	if err := adv.Start(ServiceTypeCoAP, ServiceTXT{}); err != nil {
		t.Fatalf("Start() after StopAll error = %v", err)
	}

	if err := adv.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !factory.servers[2].shutdownCalled {
		t.Error("server not shut down by Close")
	}
	if err := adv.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close() error = %v, want %v", err, ErrClosed)
	}
	if err := adv.Stop(ServiceTypeCoAP); !errors.Is(err, ErrClosed) {
		t.Errorf("Stop() after Close error = %v, want %v", err, ErrClosed)
	}
}

func TestAdvertiserRun(t *testing.T) {
	factory := newMockMDNSServerFactory()
	adv, _ := NewAdvertiser(AdvertiserConfig{ServerFactory: factory})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- adv.Run(ctx, ServiceTypeCoAP, ServiceTXT{}) }()

	deadline := time.Now().Add(time.Second)
	for !adv.IsAdvertising(ServiceTypeCoAP) {
		if time.Now().After(deadline) {
			t.Fatal("service not advertised")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if adv.IsAdvertising(ServiceTypeCoAP) {
		t.Error("IsAdvertising() = true after Run returned")
	}
}
