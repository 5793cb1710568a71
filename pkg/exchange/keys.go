package exchange

import (
	"fmt"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
)

// KeyID matches a message by its message ID and peer.
type KeyID struct {
	MID  uint16
	Peer string
}

// KeyToken matches a response to a request by token and peer.
type KeyToken struct {
	Token string
	Peer  string
}

// KeyURI matches blockwise continuation requests to the exchange serving a
// resource.
type KeyURI struct {
	URI  string
	Peer string
}

// NewKeyID builds the ID key for msg exchanged with peer.
func NewKeyID(msg *message.Message, peer transport.PeerAddress) KeyID {
	return KeyID{MID: uint16(msg.ID), Peer: peer.String()}
}

// NewKeyToken builds the token key for msg exchanged with peer.
func NewKeyToken(msg *message.Message, peer transport.PeerAddress) KeyToken {
	return KeyToken{Token: string(msg.Token), Peer: peer.String()}
}

// NewKeyURI builds the URI key for a request from peer.
func NewKeyURI(req *message.Message, peer transport.PeerAddress) KeyURI {
	return KeyURI{URI: req.RequestKey(), Peer: peer.String()}
}

func (k KeyID) String() string { return fmt.Sprintf("KeyID[%d, %s]", k.MID, k.Peer) }

func (k KeyToken) String() string { return fmt.Sprintf("KeyToken[%x, %s]", k.Token, k.Peer) }

func (k KeyURI) String() string { return fmt.Sprintf("KeyURI[%s, %s]", k.URI, k.Peer) }
