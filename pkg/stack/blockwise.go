package stack

import (
	"sync"
	"time"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/metrics"
	"github.com/pion/logging"
)

// Default blockwise parameters.
const (
	DefaultMaxMessageSize = 1024
	DefaultBlockSize      = 512
	DefaultStatusLifetime = 10 * time.Minute
)

// BlockwiseConfig configures the blockwise layer.
type BlockwiseConfig struct {
	// MaxMessageSize is the payload size above which a body is split.
	// Default: DefaultMaxMessageSize
	MaxMessageSize int

	// DefaultBlockSize is the size of blocks this endpoint starts with. It
	// is rounded down to a power of two between 16 and 1024.
	// Default: DefaultBlockSize
	DefaultBlockSize int

	// StatusLifetime bounds how long a server keeps an unfinished transfer.
	// Default: DefaultStatusLifetime
	StatusLifetime time.Duration

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory

	// Metrics receives transfer counters. May be nil.
	Metrics *metrics.Metrics
}

// Blockwise splits large bodies into Block1 and Block2 transfers and
// reassembles them on the receiving side (RFC 7959).
type Blockwise struct {
	maxSize  int
	szx      uint8
	lifetime time.Duration
	log      logging.LeveledLogger
	metrics  *metrics.Metrics
}

var _ Layer = (*Blockwise)(nil)

// NewBlockwise creates the blockwise layer.
func NewBlockwise(config BlockwiseConfig) *Blockwise {
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	if config.DefaultBlockSize <= 0 {
		config.DefaultBlockSize = DefaultBlockSize
	}
	if config.StatusLifetime <= 0 {
		config.StatusLifetime = DefaultStatusLifetime
	}
	b := &Blockwise{
		maxSize:  config.MaxMessageSize,
		szx:      message.SZXFromSize(config.DefaultBlockSize),
		lifetime: config.StatusLifetime,
		metrics:  config.Metrics,
	}
	if config.LoggerFactory != nil {
		b.log = config.LoggerFactory.NewLogger("coap-blockwise")
	}
	return b
}

// Metric labels.
const (
	optBlock1 = "block1"
	optBlock2 = "block2"

	resultComplete   = "complete"
	resultIncomplete = "incomplete"
	resultExpired    = "expired"
)

// SendRequest starts a Block1 transfer for request bodies too large for one
// message.
func (b *Blockwise) SendRequest(next Next, ex *exchange.Exchange, req *message.Message) error {
	if len(req.Payload) <= b.maxSize || req.HasBlockOption() {
		return next.SendRequest(ex, req)
	}
	status := exchange.NewBlockwiseStatus(req.ContentFormat(), b.szx)
	ex.SetRequestBlockStatus(status)

	block, _ := slice(req, 0, b.szx, optBlock1)
	block.Token = req.Token
	block.Options = block.Options.SetUint(message.Size1, uint32(len(req.Payload)))
	if b.log != nil {
		b.log.Debugf("sending %d byte request in blocks of %d", len(req.Payload), message.SZXToSize(b.szx))
	}
	if err := next.SendRequest(ex, block); err != nil {
		return err
	}
	if req.Token == nil {
		req.Token = append([]byte{}, block.Token...)
	}
	return nil
}

// SendResponse echoes the acknowledged Block1 and starts a Block2 transfer
// for response bodies too large for one message.
func (b *Blockwise) SendResponse(next Next, ex *exchange.Exchange, resp *message.Message) error {
	if b1, ok := ex.TakeBlock1ToAck(); ok {
		resp.SetBlock1(message.Block{Num: b1.Num, SZX: b1.SZX})
	}

	status := ex.ResponseBlockStatus()
	if status == nil && len(resp.Payload) <= b.maxSize {
		return next.SendResponse(ex, resp)
	}
	if status == nil {
		status = exchange.NewBlockwiseStatus(resp.ContentFormat(), b.szx)
		ex.SetResponseBlockStatus(status)
	}
	b.touch(ex)
	return b.sendResponseBlock(next, ex, resp, status, true)
}

// sendResponseBlock sends the block of resp selected by status. The first
// block of a response keeps its type and ID; later blocks answer follow-up
// requests and leave both to the reliability layer.
func (b *Blockwise) sendResponseBlock(next Next, ex *exchange.Exchange, resp *message.Message, status *exchange.BlockwiseStatus, first bool) error {
	num, szx := status.Current()
	block, more := slice(resp, num, szx, optBlock2)
	if block == nil {
		ex.SetResponseBlockStatus(nil)
		return b.reply(next, ex, ex.CurrentRequest(), message.BadOption)
	}
	block.Token = resp.Token
	if first {
		block.Type = resp.Type
		block.ID = resp.ID
	}
	if num == 0 {
		block.Options = block.Options.SetUint(message.Size2, uint32(len(resp.Payload)))
	}

	if more {
		status.SetCurrent(num+1, szx)
	} else if !status.IsRandomAccess() {
		ex.SetResponseBlockStatus(nil)
		b.metrics.BlockTransfer(optBlock2, resultComplete)
	}
	return next.SendResponse(ex, block)
}

// SendEmptyMessage forwards msg.
func (b *Blockwise) SendEmptyMessage(next Next, ex *exchange.Exchange, msg *message.Message) error {
	return next.SendEmptyMessage(ex, msg)
}

// ReceiveRequest reassembles Block1 bodies and serves Block2 follow-up
// requests from the stored response.
func (b *Blockwise) ReceiveRequest(next Next, ex *exchange.Exchange, req *message.Message) {
	b1, has1, err1 := req.Block1()
	b2, has2, err2 := req.Block2()
	if err1 != nil || err2 != nil {
		b.reply(next, ex, req, message.BadOption)
		return
	}

	if has1 {
		b.receiveRequestBlock(next, ex, req, b1)
		return
	}

	if has2 {
		status := ex.ResponseBlockStatus()
		resp := ex.Response()
		if status != nil && resp != nil && b2.Num > 0 {
			_, szx := status.Current()
			status.SetCurrent(b2.Num, min(b2.SZX, szx))
			b.touch(ex)
			b.sendResponseBlock(next, ex, resp, status, false)
			return
		}
		status = exchange.NewBlockwiseStatus(-1, min(b2.SZX, b.szx))
		if b2.Num > 0 {
			status.SetRandomAccess(true)
			status.SetCurrent(b2.Num, b2.SZX)
		}
		ex.SetResponseBlockStatus(status)
	}
	next.ReceiveRequest(ex, req)
}

func (b *Blockwise) receiveRequestBlock(next Next, ex *exchange.Exchange, req *message.Message, b1 message.Block) {
	status := ex.RequestBlockStatus()
	if b1.Num == 0 {
		status = exchange.NewBlockwiseStatus(req.ContentFormat(), b1.SZX)
		ex.SetRequestBlockStatus(status)
	}
	if status == nil || status.ContentFormat() != req.ContentFormat() {
		if b.log != nil {
			b.log.Debugf("unexpected request block %s from %s", b1, ex.Peer())
		}
		ex.SetRequestBlockStatus(nil)
		b.metrics.BlockTransfer(optBlock1, resultIncomplete)
		b.rejectBlock(next, ex, req, b1, false)
		return
	}
	if !status.Accept(b1, req.Payload) {
		// Reassembly survives until its lifetime expires; the peer may
		// still send the block we expect.
		if b.log != nil {
			b.log.Debugf("out of order request block %s from %s", b1, ex.Peer())
		}
		b.touch(ex)
		b.rejectBlock(next, ex, req, b1, true)
		return
	}
	b.touch(ex)

	if b1.More {
		cont := message.NewResponse(req, message.Continue)
		cont.SetBlock1(message.Block{Num: b1.Num, SZX: min(b1.SZX, b.szx), More: true})
		next.SendResponse(ex, cont)
		return
	}

	assembled := req.Clone()
	assembled.Payload = status.Body()
	assembled.Options = assembled.Options.Remove(message.Block1).Remove(message.Size1)
	ex.SetRequestBlockStatus(nil)
	ex.SetBlock1ToAck(b1)
	b.metrics.BlockTransfer(optBlock1, resultComplete)

	if b2, ok, _ := req.Block2(); ok {
		ex.SetResponseBlockStatus(exchange.NewBlockwiseStatus(-1, min(b2.SZX, b.szx)))
	}
	next.ReceiveRequest(ex, assembled)
}

// ReceiveResponse continues Block1 transfers acknowledged with 2.31 and
// fetches and reassembles Block2 bodies.
func (b *Blockwise) ReceiveResponse(next Next, ex *exchange.Exchange, resp *message.Message) {
	if status := ex.RequestBlockStatus(); status != nil {
		if b.continueRequest(next, ex, resp, status) {
			return
		}
	}

	b2, has2, err := resp.Block2()
	if !has2 || err != nil {
		next.ReceiveResponse(ex, resp)
		return
	}
	if rb, ok, _ := ex.Request().Block2(); ok && rb.Num > 0 {
		// Random access: the application asked for this very block.
		next.ReceiveResponse(ex, resp)
		return
	}

	status := ex.ResponseBlockStatus()
	if b2.Num == 0 {
		status = exchange.NewBlockwiseStatus(resp.ContentFormat(), b2.SZX)
		if seq, ok := resp.Observe(); ok {
			status.SetObserve(seq)
		}
		ex.SetResponseBlockStatus(status)
	}
	if status == nil || status.ContentFormat() != resp.ContentFormat() || !status.Accept(b2, resp.Payload) {
		if b.log != nil {
			b.log.Warnf("unexpected response block %s from %s", b2, ex.Peer())
		}
		ex.SetResponseBlockStatus(nil)
		b.metrics.BlockTransfer(optBlock2, resultIncomplete)
		if resp.Type == message.Confirmable || resp.Type == message.NonConfirmable {
			next.SendEmptyMessage(ex, message.NewReset(resp))
		}
		ex.Fail(exchange.ErrBlockSequence)
		return
	}

	if b2.More {
		req := followUp(ex)
		req.SetBlock2(message.Block{Num: b2.Num + 1, SZX: b2.SZX})
		if err := next.SendRequest(ex, req); err != nil && b.log != nil {
			b.log.Warnf("requesting block %d from %s failed: %v", b2.Num+1, ex.Peer(), err)
		}
		return
	}

	assembled := resp.Clone()
	assembled.Payload = status.Body()
	assembled.Options = assembled.Options.Remove(message.Block2)
	if seq, ok := status.Observe(); ok {
		assembled.SetObserve(seq)
	}
	ex.SetResponseBlockStatus(nil)
	b.metrics.BlockTransfer(optBlock2, resultComplete)
	next.ReceiveResponse(ex, assembled)
}

// continueRequest sends the next request block after a 2.31 Continue, or
// restarts with smaller blocks after a 4.13 on the first block. It returns
// false when resp ends the Block1 transfer and must be processed further.
func (b *Blockwise) continueRequest(next Next, ex *exchange.Exchange, resp *message.Message, status *exchange.BlockwiseStatus) bool {
	req := ex.Request()
	b1, has1, _ := resp.Block1()
	num, szx := status.Current()

	switch {
	case resp.Code == message.Continue && has1:
		newSZX := min(szx, b1.SZX)
		sent := int(num+1) * message.SZXToSize(szx)
		if sent >= len(req.Payload) {
			break
		}
		nextNum := uint32(sent / message.SZXToSize(newSZX))
		status.SetCurrent(nextNum, newSZX)
		b.sendRequestBlock(next, ex, req, nextNum, newSZX)
		return true

	case resp.Code == message.RequestEntityTooLarge && has1 && num == 0 && b1.SZX < szx:
		if b.log != nil {
			b.log.Debugf("%s asked for blocks of %d", ex.Peer(), b1.Size())
		}
		status.SetCurrent(0, b1.SZX)
		b.sendRequestBlock(next, ex, req, 0, b1.SZX)
		return true
	}

	ex.SetRequestBlockStatus(nil)
	result := resultComplete
	if !resp.Code.IsSuccess() {
		result = resultIncomplete
	}
	b.metrics.BlockTransfer(optBlock1, result)
	return false
}

func (b *Blockwise) sendRequestBlock(next Next, ex *exchange.Exchange, req *message.Message, num uint32, szx uint8) {
	block, _ := slice(req, num, szx, optBlock1)
	block.Token = tokenOf(ex)
	if num == 0 {
		block.Options = block.Options.SetUint(message.Size1, uint32(len(req.Payload)))
	}
	if err := next.SendRequest(ex, block); err != nil && b.log != nil {
		b.log.Warnf("sending block %d to %s failed: %v", num, ex.Peer(), err)
	}
}

// ReceiveEmptyMessage forwards msg.
func (b *Blockwise) ReceiveEmptyMessage(next Next, ex *exchange.Exchange, msg *message.Message) {
	next.ReceiveEmptyMessage(ex, msg)
}

func (b *Blockwise) reply(next Next, ex *exchange.Exchange, req *message.Message, code message.Code) error {
	if req == nil {
		return nil
	}
	return next.SendResponse(ex, message.NewResponse(req, code))
}

// rejectBlock answers 4.08 echoing the received Block1. With more set the
// exchange stays ongoing so later blocks still match it.
func (b *Blockwise) rejectBlock(next Next, ex *exchange.Exchange, req *message.Message, b1 message.Block, more bool) {
	resp := message.NewResponse(req, message.RequestEntityIncomplete)
	resp.SetBlock1(message.Block{Num: b1.Num, SZX: b1.SZX, More: more})
	if err := next.SendResponse(ex, resp); err != nil && b.log != nil {
		b.log.Debugf("send 4.08 to %s: %v", ex.Peer(), err)
	}
}

type statusLifetime struct {
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

const attrStatusLifetime exchange.AttrKey = "blockwise-lifetime"

// touch restarts the lifetime of the exchange's transfers. An expired
// transfer is dropped and its exchange completed.
func (b *Blockwise) touch(ex *exchange.Exchange) {
	lt := ex.AttrOrInit(attrStatusLifetime, func() any { return &statusLifetime{} }).(*statusLifetime)

	lt.mu.Lock()
	if lt.stopped {
		lt.mu.Unlock()
		return
	}
	install := lt.timer == nil
	if install {
		lt.timer = time.AfterFunc(b.lifetime, func() { b.expire(ex) })
	} else {
		lt.timer.Reset(b.lifetime)
	}
	lt.mu.Unlock()

	if install {
		ex.OnComplete(func(*exchange.Exchange) {
			lt.mu.Lock()
			defer lt.mu.Unlock()
			lt.stopped = true
			lt.timer.Stop()
		})
	}
}

func (b *Blockwise) expire(ex *exchange.Exchange) {
	if b.log != nil {
		b.log.Debugf("blockwise transfer of %s expired", ex)
	}
	if ex.RequestBlockStatus() != nil {
		b.metrics.BlockTransfer(optBlock1, resultExpired)
	}
	if ex.ResponseBlockStatus() != nil {
		b.metrics.BlockTransfer(optBlock2, resultExpired)
	}
	ex.SetRequestBlockStatus(nil)
	ex.SetResponseBlockStatus(nil)
	if ex.Origin() == exchange.OriginRemote {
		ex.SetComplete()
	}
}

// slice returns a copy of msg carrying block num of its payload in the
// given block option. It returns nil when num lies past the end of the
// payload.
func slice(msg *message.Message, num uint32, szx uint8, option string) (*message.Message, bool) {
	size := message.SZXToSize(szx)
	from := int(num) * size
	if from > len(msg.Payload) || (from == len(msg.Payload) && num > 0) {
		return nil, false
	}
	to := min(from+size, len(msg.Payload))
	more := to < len(msg.Payload)

	block := &message.Message{
		Code:    msg.Code,
		ID:      message.NoID,
		Options: msg.Options.Clone(),
		Payload: append([]byte(nil), msg.Payload[from:to]...),
	}
	b := message.Block{Num: num, SZX: szx, More: more}
	if option == optBlock1 {
		block.Type = msg.Type
		block.SetBlock1(b)
	} else {
		block.SetBlock2(b)
	}
	return block, more
}

// followUp builds the request for the next response block: the original
// request without Observe, Block1 or payload.
func followUp(ex *exchange.Exchange) *message.Message {
	req := ex.Request().Clone()
	req.ID = message.NoID
	req.Token = tokenOf(ex)
	req.Payload = nil
	req.Options = req.Options.Remove(message.Observe).Remove(message.Block1).Remove(message.Size1)
	return req
}

// tokenOf returns the token on the wire, which the matcher may have
// allocated after the original request was built.
func tokenOf(ex *exchange.Exchange) []byte {
	if cur := ex.CurrentRequest(); cur != nil && cur.Token != nil {
		return append([]byte{}, cur.Token...)
	}
	if req := ex.Request(); req != nil {
		return append([]byte{}, req.Token...)
	}
	return nil
}
