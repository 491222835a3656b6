package store

import (
	"github.com/evoluhq/evolu-go/internal/hlc"
	"github.com/evoluhq/evolu-go/protocol"
)

// Message is one CRDT log entry: a cell write stamped with the HLC
// timestamp that ordered it, either produced locally by a mutation or
// received from a peer over the wire.
type Message struct {
	Timestamp hlc.Timestamp
	Content   protocol.MessageContent
}
