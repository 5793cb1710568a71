package exchange

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pion/logging"
)

// Deduplicator detects datagrams already processed within the exchange
// lifetime.
type Deduplicator interface {
	// FindPrevious atomically stores ex under key unless an exchange is
	// already stored, which it returns instead.
	FindPrevious(key KeyID, ex *Exchange) *Exchange

	// Find returns the exchange stored under key without storing anything.
	Find(key KeyID) *Exchange

	// Start begins periodic eviction.
	Start()

	// Stop ends periodic eviction.
	Stop()

	// Clear drops all entries.
	Clear()
}

// DeduplicatorConfig configures NewDeduplicator.
type DeduplicatorConfig struct {
	// Kind selects the strategy. Defaults to mark-and-sweep.
	Kind DeduplicatorKind

	// ExchangeLifetime is how long an entry is remembered.
	ExchangeLifetime time.Duration

	// SweepInterval is the mark-and-sweep eviction period.
	SweepInterval time.Duration

	// RotationPeriod is the crop-rotation generation length.
	RotationPeriod time.Duration

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// NewDeduplicator creates the deduplicator selected by config.Kind.
func NewDeduplicator(config DeduplicatorConfig) Deduplicator {
	switch config.Kind {
	case DeduplicatorCropRotation:
		return NewCropRotationDeduplicator(config)
	case DeduplicatorNoop:
		return noopDeduplicator{}
	default:
		return NewSweepDeduplicator(config)
	}
}

// SweepDeduplicator implements mark-and-sweep deduplication. Entries expire
// ExchangeLifetime after insertion and are evicted every SweepInterval.
type SweepDeduplicator struct {
	entries  *cache.Cache
	interval time.Duration
	log      logging.LeveledLogger

	mu      sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewSweepDeduplicator creates a mark-and-sweep deduplicator.
func NewSweepDeduplicator(config DeduplicatorConfig) *SweepDeduplicator {
	lifetime := config.ExchangeLifetime
	if lifetime <= 0 {
		lifetime = 247 * time.Second
	}
	interval := config.SweepInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	d := &SweepDeduplicator{
		// Eviction is driven by our own ticker so Start and Stop are explicit.
		entries:  cache.New(lifetime, 0),
		interval: interval,
	}
	if config.LoggerFactory != nil {
		d.log = config.LoggerFactory.NewLogger("coap-dedup")
	}
	return d
}

// FindPrevious implements Deduplicator.
func (d *SweepDeduplicator) FindPrevious(key KeyID, ex *Exchange) *Exchange {
	k := key.String()
	for {
		if err := d.entries.Add(k, ex, cache.DefaultExpiration); err == nil {
			return nil
		}
		if prev, ok := d.entries.Get(k); ok {
			return prev.(*Exchange)
		}
		// The entry expired between Add and Get; try again.
	}
}

// Find implements Deduplicator.
func (d *SweepDeduplicator) Find(key KeyID) *Exchange {
	if prev, ok := d.entries.Get(key.String()); ok {
		return prev.(*Exchange)
	}
	return nil
}

// Start implements Deduplicator.
func (d *SweepDeduplicator) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.stopCh = make(chan struct{})

	d.wg.Add(1)
	go d.sweepLoop(d.stopCh)
}

// Stop implements Deduplicator.
func (d *SweepDeduplicator) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()

	d.wg.Wait()
}

// Clear implements Deduplicator.
func (d *SweepDeduplicator) Clear() {
	d.entries.Flush()
}

// Len returns the number of entries, including expired ones not yet swept.
func (d *SweepDeduplicator) Len() int {
	return d.entries.ItemCount()
}

// Sweep evicts expired entries now.
func (d *SweepDeduplicator) Sweep() {
	before := d.entries.ItemCount()
	d.entries.DeleteExpired()
	if d.log != nil {
		if n := before - d.entries.ItemCount(); n > 0 {
			d.log.Debugf("swept %d expired entries", n)
		}
	}
}

func (d *SweepDeduplicator) sweepLoop(stopCh chan struct{}) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			d.Sweep()
		}
	}
}

// CropRotationDeduplicator keeps three generations of entries and drops the
// oldest every RotationPeriod. An entry survives at least one full period.
type CropRotationDeduplicator struct {
	period time.Duration
	log    logging.LeveledLogger

	mu      sync.Mutex
	maps    [3]map[KeyID]*Exchange
	first   int
	second  int
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewCropRotationDeduplicator creates a crop-rotation deduplicator.
func NewCropRotationDeduplicator(config DeduplicatorConfig) *CropRotationDeduplicator {
	period := config.RotationPeriod
	if period <= 0 {
		period = config.ExchangeLifetime
	}
	if period <= 0 {
		period = 247 * time.Second
	}
	d := &CropRotationDeduplicator{
		period: period,
		first:  0,
		second: 1,
	}
	for i := range d.maps {
		d.maps[i] = make(map[KeyID]*Exchange)
	}
	if config.LoggerFactory != nil {
		d.log = config.LoggerFactory.NewLogger("coap-dedup")
	}
	return d
}

// FindPrevious implements Deduplicator.
func (d *CropRotationDeduplicator) FindPrevious(key KeyID, ex *Exchange) *Exchange {
	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.maps[d.first][key]; ok {
		return prev
	}
	if prev, ok := d.maps[d.second][key]; ok {
		d.maps[d.first][key] = prev
		return prev
	}
	d.maps[d.first][key] = ex
	d.maps[d.second][key] = ex
	return nil
}

// Find implements Deduplicator.
func (d *CropRotationDeduplicator) Find(key KeyID) *Exchange {
	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.maps[d.first][key]; ok {
		return prev
	}
	return d.maps[d.second][key]
}

// Rotate drops the oldest generation.
func (d *CropRotationDeduplicator) Rotate() {
	d.mu.Lock()
	defer d.mu.Unlock()

	third := d.first
	d.first = d.second
	d.second = (d.second + 1) % len(d.maps)
	d.maps[third] = make(map[KeyID]*Exchange)
}

// Start implements Deduplicator.
func (d *CropRotationDeduplicator) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.stopCh = make(chan struct{})

	d.wg.Add(1)
	go d.rotateLoop(d.stopCh)
}

// Stop implements Deduplicator.
func (d *CropRotationDeduplicator) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()

	d.wg.Wait()
}

// Clear implements Deduplicator.
func (d *CropRotationDeduplicator) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.maps {
		d.maps[i] = make(map[KeyID]*Exchange)
	}
}

func (d *CropRotationDeduplicator) rotateLoop(stopCh chan struct{}) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.period)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			d.Rotate()
		}
	}
}

type noopDeduplicator struct{}

func (noopDeduplicator) FindPrevious(KeyID, *Exchange) *Exchange { return nil }
func (noopDeduplicator) Find(KeyID) *Exchange                    { return nil }
func (noopDeduplicator) Start()                                  {}
func (noopDeduplicator) Stop()                                   {}
func (noopDeduplicator) Clear()                                  {}
