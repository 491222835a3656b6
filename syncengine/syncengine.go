// Package syncengine drives the client-side sync loop: read the clock,
// send pending messages, apply what comes back, and repeat against the
// merkle diff until the two replicas converge.
package syncengine

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/evoluhq/evolu-go/errors"
	"github.com/evoluhq/evolu-go/internal/hlc"
	"github.com/evoluhq/evolu-go/internal/merkle"
	"github.com/evoluhq/evolu-go/protocol"
	"github.com/evoluhq/evolu-go/store"
)

// State is one point in the per-Owner sync state machine.
type State int

const (
	// Idle means no sync round is in progress.
	Idle State = iota
	// Syncing means a round is actively running.
	Syncing
	// Backoff means the last round trip failed at the transport. Run
	// returns that error; it does not wait or retry by itself.
	Backoff
	// NotSynced means the engine gave up this attempt and surfaced an
	// error; local mutations continue to be accepted and buffered.
	NotSynced
)

// MaxIterations bounds a single sync round against pathological diff
// loops: a server and client that keep reporting the same divergence
// point are breaking the protocol contract, not converging slowly.
const MaxIterations = 32

// BatchSize caps how many pending local messages are sent per round trip.
const BatchSize = 256

// Transport is the round-trip abstraction the sync loop drives; the
// production implementation is transport.Client.
type Transport interface {
	RoundTrip(req protocol.SyncRequest) (protocol.SyncResponse, error)
}

// Encrypter seals/opens MessageContent for the wire, keyed to one Owner's
// encryption key.
type Encrypter interface {
	Encrypt(content protocol.MessageContent) (protocol.EncryptedMessage, error)
	Decrypt(em protocol.EncryptedMessage) (store.Message, error)
}

// Engine runs one Owner's sync loop. Exactly one Engine per (replica,
// owner) may be syncing at a time; Run enforces this with a
// singleflight.Group rather than allowing concurrent rounds to race the
// same connection.
type Engine struct {
	ownerID   string
	nodeID    hlc.NodeID
	clock     *hlc.Clock
	store     *store.Store
	transport Transport
	encrypter Encrypter
	log       *zap.SugaredLogger

	mu        sync.Mutex
	state     State
	err       error
	lastStamp hlc.Timestamp

	runGroup singleflight.Group
}

// New constructs a sync Engine for one Owner. lastStamp (the local clock
// state received/receive folds against) starts from the owner's last
// persisted timestamp, so a reopened replica's HLC keeps advancing from
// where it left off rather than restarting at the clock's zero value.
func New(ownerID string, clock *hlc.Clock, st *store.Store, transport Transport, encrypter Encrypter, log *zap.SugaredLogger) (*Engine, error) {
	lastStamp := hlc.CreateInitial(clock.NodeID())
	if ownerID != "" {
		ts, ok, err := store.LoadOwnerTimestamp(st.Conn(), ownerID)
		if err != nil {
			return nil, errors.Wrap(err, "load owner's last timestamp")
		}
		if ok {
			lastStamp = ts
		}
	}

	return &Engine{
		ownerID:   ownerID,
		nodeID:    clock.NodeID(),
		clock:     clock,
		store:     st,
		transport: transport,
		encrypter: encrypter,
		log:       log,
		state:     Idle,
		lastStamp: lastStamp,
	}, nil
}

// State returns the engine's current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Err returns the error that produced the current NotSynced state, if
// any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *Engine) setState(s State, err error) {
	e.mu.Lock()
	e.state = s
	e.err = err
	e.mu.Unlock()
}

// PendingMessages supplies the local log rows a round should send,
// starting at sinceCursor. Abstracted so the engine doesn't depend on the
// message table's physical layout.
type PendingMessages interface {
	Pending(since hlc.Timestamp, limit int) ([]store.Message, error)
}

// Run executes one sync round to convergence, reading pending messages
// from pending starting at sinceCursor. It transitions Idle -> Syncing for
// the duration, ending in Idle on convergence, Backoff when the round trip
// itself fails, or NotSynced on any other error or a stuck diff loop.
// Concurrent Run calls for the same Owner collapse onto a single
// in-flight round via singleflight, so a caller that kicks off a
// sync from two goroutines never races the same connection.
func (e *Engine) Run(ctx context.Context, pending PendingMessages, sinceCursor hlc.Timestamp) error {
	_, err, _ := e.runGroup.Do(e.ownerID, func() (interface{}, error) {
		return nil, e.runOnce(ctx, pending, sinceCursor)
	})
	return err
}

func (e *Engine) runOnce(ctx context.Context, pending PendingMessages, sinceCursor hlc.Timestamp) error {
	e.setState(Syncing, nil)

	var lastDiff uint64
	var haveLastDiff bool

	for i := 0; i < MaxIterations; i++ {
		select {
		case <-ctx.Done():
			e.setState(NotSynced, ctx.Err())
			return ctx.Err()
		default:
		}

		localTree := e.store.Tree()

		localMessages, err := pending.Pending(sinceCursor, BatchSize)
		if err != nil {
			e.setState(NotSynced, err)
			return errors.Wrap(err, "read pending messages")
		}

		encrypted := make([]protocol.EncryptedMessage, 0, len(localMessages))
		for _, m := range localMessages {
			em, err := e.encrypter.Encrypt(m.Content)
			if err != nil {
				e.setState(NotSynced, err)
				return errors.Wrap(err, "encrypt outgoing message")
			}
			em.Timestamp = m.Timestamp.String()
			encrypted = append(encrypted, em)
		}

		localTreeJSON, err := merkle.Serialize(localTree)
		if err != nil {
			e.setState(NotSynced, err)
			return errors.Wrap(err, "serialize local merkle tree")
		}

		req := protocol.SyncRequest{
			NodeID:     e.nodeID,
			MerkleTree: localTreeJSON,
			Messages:   encrypted,
		}

		resp, err := e.transport.RoundTrip(req)
		if err != nil {
			e.setState(Backoff, err)
			return errors.Wrap(err, "sync round trip")
		}

		if len(resp.Messages) > 0 {
			decoded := make([]store.Message, 0, len(resp.Messages))
			for _, em := range resp.Messages {
				m, err := e.encrypter.Decrypt(em)
				if err != nil {
					// Decrypt failures are non-fatal: drop the message, keep syncing.
					e.logWarn("dropping undecryptable message", "error", err)
					continue
				}
				decoded = append(decoded, m)
			}

			// Fold every remote timestamp into the local clock before applying,
			// so drift/overflow on a receive surfaces here rather than silently
			// desynchronizing future Send calls.
			for _, m := range decoded {
				ts, err := e.clock.Receive(e.lastStamp, m.Timestamp)
				if err != nil {
					e.setState(NotSynced, err)
					return errors.Wrap(err, "receive remote timestamp")
				}
				e.lastStamp = ts
			}

			if _, err := e.store.Apply(decoded); err != nil {
				e.setState(NotSynced, err)
				return errors.Wrap(err, "apply received messages")
			}

			if e.ownerID != "" {
				if err := store.PersistClock(e.store.Conn(), e.ownerID, e.lastStamp); err != nil {
					e.logWarn("persisting clock after receive", "error", err)
				}
			}
		}

		remoteTree, err := merkle.Deserialize(resp.MerkleTree)
		if err != nil {
			e.setState(NotSynced, err)
			return errors.Wrap(err, "decode remote merkle tree")
		}

		since, diverged := merkle.Diff(e.store.Tree(), remoteTree)
		if !diverged {
			e.setState(Idle, nil)
			return nil
		}

		if haveLastDiff && since == lastDiff {
			err := errors.Newf("sync: stuck at diff point %d after %d iterations", since, i+1)
			e.setState(NotSynced, err)
			return err
		}
		lastDiff = since
		haveLastDiff = true
		sinceCursor = hlc.Timestamp{Millis: since}
	}

	err := errors.Newf("sync: exceeded %d iterations without converging", MaxIterations)
	e.setState(NotSynced, err)
	return err
}

func (e *Engine) logWarn(msg string, kv ...interface{}) {
	if e.log != nil {
		e.log.Warnw(msg, kv...)
	}
}
