package exchange

import (
	"sync"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
	"github.com/pion/logging"
)

// MatcherConfig configures a Matcher.
type MatcherConfig struct {
	// Deduplicator detects retransmitted datagrams. Defaults to a
	// mark-and-sweep deduplicator with default timing.
	Deduplicator Deduplicator

	// TokenLength is the length of allocated tokens. Defaults to
	// DefaultTokenLength.
	TokenLength int

	// RandomIDStart starts message IDs at a random value.
	RandomIDStart bool

	// RandomTokens draws tokens from crypto/rand instead of a counter.
	RandomTokens bool

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// matcherKeys records the table entries owned by one exchange.
type matcherKeys struct {
	ids           map[KeyID]struct{}
	tokens        map[KeyToken]struct{}
	uris          map[KeyURI]struct{}
	notifications []KeyID
	watching      bool
}

const attrMatcherKeys AttrKey = "matcher-keys"

// Matcher correlates messages with exchanges. It owns the lookup tables and
// the token and message ID allocators of one endpoint.
//
// Thread-safe for concurrent access.
type Matcher struct {
	dedup  Deduplicator
	mids   *MessageIDAllocator
	tokens *TokenAllocator
	log    logging.LeveledLogger

	mu      sync.Mutex
	byID    map[KeyID]*Exchange
	byToken map[KeyToken]*Exchange
	ongoing map[KeyURI]*Exchange
}

// NewMatcher creates a matcher.
func NewMatcher(config MatcherConfig) *Matcher {
	if config.Deduplicator == nil {
		config.Deduplicator = NewDeduplicator(DeduplicatorConfig{LoggerFactory: config.LoggerFactory})
	}
	if config.TokenLength == 0 {
		config.TokenLength = DefaultTokenLength
	}
	m := &Matcher{
		dedup:   config.Deduplicator,
		mids:    NewMessageIDAllocator(config.RandomIDStart),
		tokens:  NewTokenAllocator(config.TokenLength, config.RandomTokens),
		byID:    make(map[KeyID]*Exchange),
		byToken: make(map[KeyToken]*Exchange),
		ongoing: make(map[KeyURI]*Exchange),
	}
	if config.LoggerFactory != nil {
		m.log = config.LoggerFactory.NewLogger("coap-matcher")
	}
	return m
}

// Start starts the deduplicator.
func (m *Matcher) Start() {
	m.dedup.Start()
}

// Stop stops the deduplicator and forgets every exchange.
func (m *Matcher) Stop() {
	m.dedup.Stop()
	m.Clear()
}

// Clear drops all table entries and deduplication state.
func (m *Matcher) Clear() {
	m.mu.Lock()
	m.byID = make(map[KeyID]*Exchange)
	m.byToken = make(map[KeyToken]*Exchange)
	m.ongoing = make(map[KeyURI]*Exchange)
	m.mu.Unlock()
	m.dedup.Clear()
}

// NextMessageID allocates a message ID.
func (m *Matcher) NextMessageID() uint16 {
	return m.mids.Next()
}

// SendRequest assigns the request's message ID and token when missing and
// registers the exchange under both.
func (m *Matcher) SendRequest(ex *Exchange, req *message.Message) error {
	m.mu.Lock()
	defer m.watch(ex)
	defer m.mu.Unlock()

	if ex.IsComplete() {
		return ErrExchangeComplete
	}
	if !req.HasID() {
		req.ID = int32(m.mids.Next())
	}
	if req.Token == nil {
		token, err := m.freeToken(ex.Peer())
		if err != nil {
			return err
		}
		req.Token = token
	}

	// Each key is recorded as soon as it is bound so cleanup releases it
	// even when a later bind fails.
	keys := m.keysOf(ex)
	keyToken := NewKeyToken(req, ex.Peer())
	if err := bind(m.byToken, keyToken, ex); err != nil {
		return err
	}
	keys.tokens[keyToken] = struct{}{}
	keyID := NewKeyID(req, ex.Peer())
	if err := bind(m.byID, keyID, ex); err != nil {
		return err
	}
	keys.ids[keyID] = struct{}{}

	if m.log != nil {
		m.log.Debugf("tracking request %s and %s", keyID, keyToken)
	}
	return nil
}

// SendResponse assigns the response's message ID when missing and
// registers the keys needed to match the peer's follow-up messages. An
// exchange whose final response is not confirmable completes here.
func (m *Matcher) SendResponse(ex *Exchange, resp *message.Message) error {
	m.mu.Lock()

	if !resp.HasID() {
		resp.ID = int32(m.mids.Next())
	}
	if resp.Token == nil {
		if req := ex.Request(); req != nil {
			resp.Token = append([]byte{}, req.Token...)
		}
	}

	block2, hasBlock2, _ := resp.Block2()
	block1, hasBlock1, _ := resp.Block1()
	_, observing := resp.Observe()
	relation := ex.Relation()
	moreBlocks := hasBlock2 && block2.More
	continuing := resp.Code == message.Continue || (hasBlock1 && block1.More)
	final := (relation == nil || relation.IsCanceled()) && !moreBlocks && !continuing

	if ex.IsComplete() {
		// Retransmission of a response whose exchange already finished.
		m.mu.Unlock()
		return nil
	}
	keys := m.keysOf(ex)
	defer m.watch(ex)

	if resp.Type == message.Confirmable || resp.Type == message.NonConfirmable {
		keyID := NewKeyID(resp, ex.Peer())
		if err := bind(m.byID, keyID, ex); err != nil {
			m.mu.Unlock()
			return err
		}
		keys.ids[keyID] = struct{}{}

		if observing && resp.Type == message.NonConfirmable {
			keys.notifications = append(keys.notifications, keyID)
		} else if observing {
			m.forgetNotifications(ex, keys)
		}
	} else if observing {
		m.forgetNotifications(ex, keys)
	}

	if req := ex.Request(); req != nil && (hasBlock2 || hasBlock1) {
		keyURI := NewKeyURI(req, ex.Peer())
		if (moreBlocks && !observing) || continuing {
			if err := bind(m.ongoing, keyURI, ex); err == nil {
				keys.uris[keyURI] = struct{}{}
			}
		} else if m.ongoing[keyURI] == ex {
			delete(m.ongoing, keyURI)
			delete(keys.uris, keyURI)
		}
	}
	m.mu.Unlock()

	if final && resp.Type != message.Confirmable {
		ex.SetComplete()
	}
	return nil
}

// forgetNotifications drops the IDs of earlier non-confirmable
// notifications. Called with m.mu held.
func (m *Matcher) forgetNotifications(ex *Exchange, keys *matcherKeys) {
	for _, k := range keys.notifications {
		if m.byID[k] == ex {
			delete(m.byID, k)
		}
		delete(keys.ids, k)
	}
	keys.notifications = nil
}

// SendEmptyMessage registers a confirmable empty message so the peer's
// reset can be matched.
func (m *Matcher) SendEmptyMessage(ex *Exchange, msg *message.Message) error {
	m.mu.Lock()
	if !msg.HasID() {
		msg.ID = int32(m.mids.Next())
	}
	if msg.Type != message.Confirmable || ex == nil || ex.IsComplete() {
		m.mu.Unlock()
		return nil
	}
	keyID := NewKeyID(msg, ex.Peer())
	if err := bind(m.byID, keyID, ex); err != nil {
		m.mu.Unlock()
		return err
	}
	m.keysOf(ex).ids[keyID] = struct{}{}
	m.mu.Unlock()

	m.watch(ex)
	return nil
}

// ReceiveRequest returns the exchange for an inbound request. Fresh requests
// get a new remote exchange. Retransmissions are marked Duplicate and
// return the exchange that handled the original.
func (m *Matcher) ReceiveRequest(req *message.Message, peer transport.PeerAddress) *Exchange {
	keyID := NewKeyID(req, peer)

	if req.HasBlockOption() {
		keyURI := NewKeyURI(req, peer)
		m.mu.Lock()
		ongoing, ok := m.ongoing[keyURI]
		m.mu.Unlock()

		if ok && !ongoing.IsComplete() {
			if prev := m.dedup.FindPrevious(keyID, ongoing); prev != nil {
				req.Duplicate = true
				if m.log != nil {
					m.log.Debugf("duplicate blockwise request %s", keyID)
				}
				return prev
			}
			ongoing.SetCurrentRequest(req)
			return ongoing
		}
	}

	ex := New(OriginRemote, req, peer)
	if prev := m.dedup.FindPrevious(keyID, ex); prev != nil {
		req.Duplicate = true
		if m.log != nil {
			m.log.Debugf("duplicate request %s", keyID)
		}
		return prev
	}
	m.watch(ex)
	return ex
}

// ReceiveResponse returns the local exchange a response belongs to, or nil
// when it matches none. Retransmitted separate responses are marked
// Duplicate.
func (m *Matcher) ReceiveResponse(resp *message.Message, peer transport.PeerAddress) *Exchange {
	keyID := NewKeyID(resp, peer)
	keyToken := NewKeyToken(resp, peer)

	m.mu.Lock()
	ex, ok := m.byToken[keyToken]
	m.mu.Unlock()

	if !ok {
		if resp.Type != message.Acknowledgement {
			if prev := m.dedup.Find(keyID); prev != nil {
				resp.Duplicate = true
				return prev
			}
		}
		if m.log != nil {
			m.log.Debugf("no exchange for response %s", keyToken)
		}
		return nil
	}

	if resp.Type == message.Acknowledgement {
		current := ex.CurrentRequest()
		if current == nil || current.ID != resp.ID {
			if m.log != nil {
				m.log.Debugf("dropping stale acknowledgement %s for %s", keyID, keyToken)
			}
			return nil
		}
		m.mu.Lock()
		if m.byID[keyID] == ex {
			delete(m.byID, keyID)
		}
		m.mu.Unlock()
		return ex
	}

	if prev := m.dedup.FindPrevious(keyID, ex); prev != nil {
		resp.Duplicate = true
		return prev
	}
	return ex
}

// ReceiveEmptyMessage returns the exchange an ACK or RST refers to and
// forgets the message ID. It returns nil when nothing matches.
func (m *Matcher) ReceiveEmptyMessage(msg *message.Message, peer transport.PeerAddress) *Exchange {
	keyID := NewKeyID(msg, peer)

	m.mu.Lock()
	defer m.mu.Unlock()

	ex, ok := m.byID[keyID]
	if !ok {
		if m.log != nil {
			m.log.Debugf("ignoring unmatched %s %s", msg.Type, keyID)
		}
		return nil
	}
	delete(m.byID, keyID)
	if keys, ok := ex.Attr(attrMatcherKeys).(*matcherKeys); ok {
		delete(keys.ids, keyID)
	}
	return ex
}

// Len returns the sizes of the ID, token and URI tables.
func (m *Matcher) Len() (ids, tokens, uris int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID), len(m.byToken), len(m.ongoing)
}

// freeToken finds a token not bound for peer. Called with m.mu held.
func (m *Matcher) freeToken(peer transport.PeerAddress) ([]byte, error) {
	for i := 0; i < maxTokenAttempts; i++ {
		token := m.tokens.Next()
		if _, used := m.byToken[KeyToken{Token: string(token), Peer: peer.String()}]; !used {
			return token, nil
		}
	}
	return nil, ErrTokenExhausted
}

// keysOf returns the key record of ex. Called with m.mu held.
func (m *Matcher) keysOf(ex *Exchange) *matcherKeys {
	return ex.AttrOrInit(attrMatcherKeys, func() any {
		return &matcherKeys{
			ids:    make(map[KeyID]struct{}),
			tokens: make(map[KeyToken]struct{}),
			uris:   make(map[KeyURI]struct{}),
		}
	}).(*matcherKeys)
}

// watch installs the completion cleanup of ex once. It must be called
// without m.mu held since the cleanup runs immediately on a completed
// exchange.
func (m *Matcher) watch(ex *Exchange) {
	m.mu.Lock()
	keys := m.keysOf(ex)
	install := !keys.watching
	keys.watching = true
	m.mu.Unlock()

	if install {
		ex.OnComplete(m.cleanup)
	}
}

// cleanup removes every entry still pointing at ex. Safe to call more than
// once.
func (m *Matcher) cleanup(ex *Exchange) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys, ok := ex.Attr(attrMatcherKeys).(*matcherKeys)
	if !ok {
		return
	}
	for k := range keys.ids {
		if m.byID[k] == ex {
			delete(m.byID, k)
		}
	}
	for k := range keys.tokens {
		if m.byToken[k] == ex {
			delete(m.byToken, k)
		}
	}
	for k := range keys.uris {
		if m.ongoing[k] == ex {
			delete(m.ongoing, k)
		}
	}
	keys.ids = make(map[KeyID]struct{})
	keys.tokens = make(map[KeyToken]struct{})
	keys.uris = make(map[KeyURI]struct{})
	keys.notifications = nil

	if m.log != nil {
		m.log.Debugf("%s complete, entries removed", ex)
	}
}

// bind maps key to ex unless another live exchange holds it.
func bind[K comparable](table map[K]*Exchange, key K, ex *Exchange) error {
	if prev, ok := table[key]; ok && prev != ex && !prev.IsComplete() {
		return ErrKeyInUse
	}
	table[key] = ex
	return nil
}
