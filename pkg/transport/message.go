package transport

import "net"

// ReceivedMessage represents an incoming datagram from the network.
// The Data field contains the raw CoAP message bytes as received from the
// wire. Higher layers are responsible for decoding them.
type ReceivedMessage struct {
	// Data contains the raw message bytes.
	Data []byte
	// PeerAddr identifies the source of the message.
	PeerAddr PeerAddress
}

// MessageHandler is called for each received message.
// Implementations should process messages quickly or dispatch to a goroutine
// to avoid blocking the transport's read loop.
type MessageHandler func(msg *ReceivedMessage)

// Transport is a datagram transport an endpoint sends and receives through.
type Transport interface {
	// Start begins delivering received datagrams to the handler.
	Start() error

	// Stop closes the transport.
	Stop() error

	// Send writes one datagram to addr.
	Send(data []byte, addr net.Addr) error

	// LocalAddr returns the bound address.
	LocalAddr() net.Addr
}

// Verify UDP implements Transport.
var _ Transport = (*UDP)(nil)
