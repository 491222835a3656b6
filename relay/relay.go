// Package relay implements the server side of the sync protocol: a
// stateless-w.r.t.-plaintext mailbox per owner that authorizes, stores,
// diffs, and broadcasts EncryptedMessages between a replica's devices.
package relay

import (
	"database/sql"
	"sync"

	"go.uber.org/zap"

	"github.com/evoluhq/evolu-go/errors"
	"github.com/evoluhq/evolu-go/internal/hlc"
	"github.com/evoluhq/evolu-go/internal/merkle"
	"github.com/evoluhq/evolu-go/protocol"
	"github.com/evoluhq/evolu-go/ratelimit"
)

// ErrUnauthorized is returned when Authorizer rejects an owner on
// subscribe (maps to a 401 at the HTTP layer).
var ErrUnauthorized = errors.New("relay: owner not allowed")

// ErrQuotaExceeded is returned by HandleSync when an owner exceeds its
// message quota. The WebSocket handler logs it and closes the connection;
// no 402 status is sent.
var ErrQuotaExceeded = errors.New("relay: owner quota exceeded")

// Authorizer is the policy hook for subscribe-time access control. The
// relay core only demands the yes/no predicate; quota and allow-list
// policy live entirely in the Authorizer implementation.
type Authorizer interface {
	AllowOwner(ownerID string) bool
}

// AllowAllAuthorizer authorizes every owner; the default for a relay with
// no access-control policy configured.
type AllowAllAuthorizer struct{}

// AllowOwner implements Authorizer.
func (AllowAllAuthorizer) AllowOwner(string) bool { return true }

// Relay holds per-owner mailboxes and the live subscriber registry. One
// Relay instance serves every owner; each owner's state (messages, merkle
// tree, subscriber set) is independent and may be operated on
// concurrently with any other owner's.
type Relay struct {
	conn       *sql.DB
	log        *zap.SugaredLogger
	authorizer Authorizer
	quotas     *ratelimit.Registry

	mu       sync.Mutex
	mailbox  map[string]*ownerMailbox
	registry *subscriptionRegistry
}

type ownerMailbox struct {
	mu   sync.Mutex
	tree *merkle.Tree
}

// New constructs a Relay backed by conn (already migrated with
// MigrateConn's mailbox schema), authorizing subscribers via authorizer and capping
// each owner to maxMessagesPerMinute.
func New(conn *sql.DB, authorizer Authorizer, maxMessagesPerMinute int, log *zap.SugaredLogger) *Relay {
	if authorizer == nil {
		authorizer = AllowAllAuthorizer{}
	}
	return &Relay{
		conn:       conn,
		log:        log,
		authorizer: authorizer,
		quotas:     ratelimit.NewRegistry(maxMessagesPerMinute),
		mailbox:    make(map[string]*ownerMailbox),
		registry:   newSubscriptionRegistry(),
	}
}

// Conn returns the relay's underlying connection, for callers (the CLI,
// admin tooling) that need to inspect mailbox state directly.
func (r *Relay) Conn() *sql.DB { return r.conn }

func (r *Relay) mailboxFor(ownerID string) (*ownerMailbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if mb, ok := r.mailbox[ownerID]; ok {
		return mb, nil
	}

	tree, err := loadOwnerTree(r.conn, ownerID)
	if err != nil {
		return nil, err
	}
	mb := &ownerMailbox{tree: tree}
	r.mailbox[ownerID] = mb
	return mb, nil
}

// Subscribe registers a live connection for ownerID, authorizing first.
// The returned unsubscribe func must be called exactly once when the
// connection closes.
func (r *Relay) Subscribe(ownerID string, conn Connection) (unsubscribe func(), err error) {
	if !r.authorizer.AllowOwner(ownerID) {
		return nil, errors.Wrapf(ErrUnauthorized, "owner %s", ownerID)
	}
	return r.registry.add(ownerID, conn), nil
}

// HandleSync processes one SyncRequest from originConn: authorizes and
// rate-limits, applies the incoming messages to the owner's mailbox
// (deduplicated by timestamp), diffs the client's merkle tree against the
// server's, broadcasts newly accepted messages to the owner's other live
// subscribers, and returns the response to send back to originConn.
func (r *Relay) HandleSync(ownerID string, req protocol.SyncRequest, originConn Connection) (protocol.SyncResponse, error) {
	if !r.authorizer.AllowOwner(ownerID) {
		return protocol.SyncResponse{}, errors.Wrapf(ErrUnauthorized, "owner %s", ownerID)
	}
	if len(req.Messages) > 0 {
		if err := r.quotas.Allow(ownerID); err != nil {
			return protocol.SyncResponse{}, errors.Wrapf(ErrQuotaExceeded, "owner %s", ownerID)
		}
	}

	mb, err := r.mailboxFor(ownerID)
	if err != nil {
		return protocol.SyncResponse{}, errors.Wrap(err, "load owner mailbox")
	}

	mb.mu.Lock()
	defer mb.mu.Unlock()

	accepted, err := r.applyIncoming(ownerID, mb, req.Messages)
	if err != nil {
		return protocol.SyncResponse{}, errors.Wrap(err, "apply incoming messages")
	}
	if len(accepted) > 0 {
		if err := persistOwnerTree(r.conn, ownerID, mb.tree); err != nil {
			return protocol.SyncResponse{}, errors.Wrap(err, "persist mailbox tree")
		}
	}

	clientTree, err := merkle.Deserialize(req.MerkleTree)
	if err != nil {
		return protocol.SyncResponse{}, errors.Wrap(err, "decode client merkle tree")
	}

	var missing []protocol.EncryptedMessage
	if since, ok := merkle.Diff(clientTree, mb.tree); ok {
		missing, err = loadMessagesSince(r.conn, ownerID, since)
		if err != nil {
			return protocol.SyncResponse{}, errors.Wrap(err, "load messages for diff")
		}
	}

	serverTreeJSON, err := merkle.Serialize(mb.tree)
	if err != nil {
		return protocol.SyncResponse{}, errors.Wrap(err, "serialize server merkle tree")
	}

	if len(accepted) > 0 {
		r.registry.broadcast(ownerID, originConn, accepted)
	}

	return protocol.SyncResponse{MerkleTree: serverTreeJSON, Messages: missing}, nil
}

// applyIncoming stores each EncryptedMessage keyed by (owner_id,
// timestamp), deduplicated, and returns the subset that was newly
// accepted (for broadcast).
func (r *Relay) applyIncoming(ownerID string, mb *ownerMailbox, messages []protocol.EncryptedMessage) ([]protocol.EncryptedMessage, error) {
	var accepted []protocol.EncryptedMessage

	for _, em := range messages {
		ts, err := hlc.TimestampFromString(em.Timestamp)
		if err != nil {
			r.logWarn("dropping message with malformed timestamp", "owner_id", ownerID, "error", err)
			continue
		}

		inserted, err := insertMailboxMessage(r.conn, ownerID, em)
		if err != nil {
			return nil, err
		}
		if inserted {
			mb.tree.Insert(ts)
			accepted = append(accepted, em)
		}
	}

	return accepted, nil
}

func (r *Relay) logWarn(msg string, kv ...interface{}) {
	if r.log != nil {
		r.log.Warnw(msg, kv...)
	}
}
