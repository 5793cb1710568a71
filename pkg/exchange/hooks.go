package exchange

// TransmissionHooks are callbacks a layer installs on an exchange to follow
// the fate of its confirmable message. The reliability layer consults them
// when the message is acknowledged, about to be retransmitted or timed out.
type TransmissionHooks struct {
	// Acknowledged runs after the peer acknowledged the message.
	Acknowledged func()

	// Retransmitting runs before a retransmission. Returning true means the
	// hook sent a replacement itself and the original must not be resent.
	Retransmitting func() bool

	// TimedOut runs after the retry budget was exhausted.
	TimedOut func()
}

const attrHooks AttrKey = "transmission-hooks"

// SetHooks installs hooks for the exchange's confirmable messages. A nil
// value removes them.
func (e *Exchange) SetHooks(h *TransmissionHooks) {
	if h == nil {
		e.RemoveAttr(attrHooks)
		return
	}
	e.SetAttr(attrHooks, h)
}

// Hooks returns the installed hooks, or nil.
func (e *Exchange) Hooks() *TransmissionHooks {
	h, _ := e.Attr(attrHooks).(*TransmissionHooks)
	return h
}
