package relay

import (
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/evoluhq/evolu-go/protocol"
)

// Connection is a live subscriber the relay can push broadcast messages
// to. The HTTP/WebSocket layer adapts an actual connection to this
// interface; tests use a slice-backed fake.
type Connection interface {
	Push(messages []protocol.EncryptedMessage)
}

const broadcastRatePerSecond = 50

type subscriber struct {
	conn    Connection
	limiter *rate.Limiter
}

// subscriptionRegistry holds the many-to-many owner_id <-> connection
// relation. Adding a pair is O(1); removing a closed connection's pairs is
// handled by the unsubscribe closure returned from add, which needs no
// further owner lookup.
type subscriptionRegistry struct {
	mu      sync.Mutex
	byOwner map[string]map[Connection]*subscriber
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{byOwner: make(map[string]map[Connection]*subscriber)}
}

func (r *subscriptionRegistry) add(ownerID string, conn Connection) func() {
	r.mu.Lock()
	subs, ok := r.byOwner[ownerID]
	if !ok {
		subs = make(map[Connection]*subscriber)
		r.byOwner[ownerID] = subs
	}
	subs[conn] = &subscriber{
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(broadcastRatePerSecond), broadcastRatePerSecond),
	}
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if subs, ok := r.byOwner[ownerID]; ok {
			delete(subs, conn)
			if len(subs) == 0 {
				delete(r.byOwner, ownerID)
			}
		}
	}
}

// broadcast pushes messages to every live subscriber of ownerID other than
// origin, skipping any subscriber currently over its own send-rate
// allowance. Pushes fan out concurrently so one subscriber's slow
// connection can't stall delivery to the rest.
func (r *subscriptionRegistry) broadcast(ownerID string, origin Connection, messages []protocol.EncryptedMessage) {
	r.mu.Lock()
	subs := make([]*subscriber, 0, len(r.byOwner[ownerID]))
	for conn, sub := range r.byOwner[ownerID] {
		if conn == origin {
			continue
		}
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, sub := range subs {
		sub := sub
		if !sub.limiter.Allow() {
			continue
		}
		g.Go(func() error {
			sub.conn.Push(messages)
			return nil
		})
	}
	g.Wait()
}
