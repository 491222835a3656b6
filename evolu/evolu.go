// Package evolu is the per-replica facade: it buffers mutate() calls,
// drains them through the message store inside one transaction, re-runs
// subscribed queries, and hands subscribers the resulting patches.
package evolu

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/evoluhq/evolu-go/errors"
	"github.com/evoluhq/evolu-go/internal/hlc"
	"github.com/evoluhq/evolu-go/internal/idgen"
	"github.com/evoluhq/evolu-go/protocol"
	"github.com/evoluhq/evolu-go/query"
	"github.com/evoluhq/evolu-go/store"
)

// Values is one mutate() call's column set, in the caller's native Go
// types. Cast rules mirror the JS runtime this facade generalizes: bool
// becomes 0/1, time.Time becomes an ISO-8601 string, everything else maps
// onto the nearest protocol.Value kind.
type Values map[string]interface{}

// PatchHandler receives the patches produced by a drain, keyed by query
// key, for delivery to whatever is watching the replica's queries.
type PatchHandler func(patches map[string][]query.Patch)

type pendingMutation struct {
	table      string
	id         string
	values     Values
	onComplete func()
}

// Evolu is one replica's facade over its store and query cache. Exactly
// one per open database: Mutate buffers writes, a background drain loop
// applies them transactionally and republishes subscribed queries.
type Evolu struct {
	ownerID string
	store   *store.Store
	clock   *hlc.Clock
	queries *query.Engine
	onPatch PatchHandler
	log     *zap.SugaredLogger

	mu        sync.Mutex
	pending   []pendingMutation
	lastStamp hlc.Timestamp

	specMu     sync.Mutex
	subscribed map[string]query.Spec

	drainSignal chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	closeOnce sync.Once
	closers   []io.Closer
}

// New constructs an Evolu facade over an already-open Store and query
// Engine, and starts its background drain loop. The clock's starting
// point is the owner's last persisted timestamp, so a reopened replica's
// HLC keeps advancing from where it left off rather than restarting at
// the clock's zero value.
func New(ownerID string, st *store.Store, clock *hlc.Clock, exec query.RowExecutor, onPatch PatchHandler, log *zap.SugaredLogger) (*Evolu, error) {
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

	ctx, cancel := context.WithCancel(context.Background())
	e := &Evolu{
		ownerID:     ownerID,
		store:       st,
		clock:       clock,
		queries:     query.NewEngine(exec),
		onPatch:     onPatch,
		log:         log,
		lastStamp:   lastStamp,
		subscribed:  make(map[string]query.Spec),
		drainSignal: make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
	e.wg.Add(1)
	go e.loop()
	return e, nil
}

// AddCloser registers a resource (sync loop, transport) that Dispose
// closes once the drain loop has stopped. Registered in the order
// Dispose should close them.
func (e *Evolu) AddCloser(c io.Closer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closers = append(e.closers, c)
}

// Mutate assigns or reuses an id, buffers the write, and schedules a
// drain. It returns immediately; on_complete (if given) fires from the
// drain that actually commits this mutation — callers must treat it as
// best-effort, since a mutation not yet drained when Dispose runs is
// lost and its on_complete never fires.
func (e *Evolu) Mutate(table string, values Values, onComplete func()) (string, error) {
	id, _ := values["id"].(string)
	if id == "" || !idgen.Valid(id) {
		var err error
		id, err = idgen.New()
		if err != nil {
			return "", errors.Wrap(err, "evolu: generating row id")
		}
	}

	e.mu.Lock()
	e.pending = append(e.pending, pendingMutation{table: table, id: id, values: values, onComplete: onComplete})
	e.mu.Unlock()

	select {
	case e.drainSignal <- struct{}{}:
	default:
		// A drain is already scheduled; it will pick up this mutation too.
	}

	return id, nil
}

// Subscribe registers a query for inclusion in every future drain's
// load_queries pass.
func (e *Evolu) Subscribe(spec query.Spec) {
	e.specMu.Lock()
	e.subscribed[spec.Key] = spec
	e.specMu.Unlock()
	e.queries.Subscribe(spec.Key)
}

// Unsubscribe drops a query from future drains; once its reference count
// reaches zero its cache entry is evicted.
func (e *Evolu) Unsubscribe(key string) {
	e.specMu.Lock()
	delete(e.subscribed, key)
	e.specMu.Unlock()
	e.queries.Unsubscribe(key)
}

func (e *Evolu) loop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.drainSignal:
			e.drain()
		}
	}
}

// drain applies every buffered mutation's messages in one Store.Apply
// transaction, then re-runs subscribed queries and delivers the
// resulting patches, then fires each mutation's on_complete.
func (e *Evolu) drain() {
	e.mu.Lock()
	batch := e.pending
	e.pending = nil
	e.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	messages, err := e.stamp(batch)
	if err != nil {
		e.logError("stamping pending mutations", err)
		return
	}

	if _, err := e.store.Apply(messages); err != nil {
		e.logError("applying pending mutations", err)
		return
	}

	if e.ownerID != "" {
		if err := store.PersistClock(e.store.Conn(), e.ownerID, messages[len(messages)-1].Timestamp); err != nil {
			e.logError("persisting clock", err)
		}
	}

	e.specMu.Lock()
	specs := make([]query.Spec, 0, len(e.subscribed))
	for _, s := range e.subscribed {
		specs = append(specs, s)
	}
	e.specMu.Unlock()

	if len(specs) > 0 {
		patches, err := e.queries.LoadQueries(e.ctx, specs)
		if err != nil {
			e.logError("loading subscribed queries", err)
		} else if e.onPatch != nil && len(patches) > 0 {
			e.onPatch(patches)
		}
	}

	for _, m := range batch {
		if m.onComplete != nil {
			m.onComplete()
		}
	}
}

// stamp converts each mutation's columns into hlc-stamped messages,
// advancing the replica's clock once per column write from its last
// persisted tick, matching the ordering guarantee that local mutation
// application is sequential and that the HLC never regresses across
// drains.
func (e *Evolu) stamp(batch []pendingMutation) ([]store.Message, error) {
	var messages []store.Message
	local := e.lastStamp

	for _, m := range batch {
		for col, raw := range m.values {
			if col == "id" {
				continue
			}
			value, err := valueOf(raw)
			if err != nil {
				return nil, errors.Wrapf(err, "mutate %s.%s", m.table, col)
			}

			ts, err := e.clock.Send(local)
			if err != nil {
				return nil, errors.Wrap(err, "advancing clock")
			}
			local = ts

			messages = append(messages, store.Message{
				Timestamp: ts,
				Content: protocol.MessageContent{
					Table:  m.table,
					Row:    m.id,
					Column: col,
					Value:  value,
				},
			})
		}
	}

	e.lastStamp = local
	return messages, nil
}

// valueOf casts a Go-native mutate() value to its wire Value, applying
// the bool->0/1 and time.Time->ISO-8601 conventions.
func valueOf(raw interface{}) (protocol.Value, error) {
	switch v := raw.(type) {
	case nil:
		return protocol.Null(), nil
	case bool:
		if v {
			return protocol.Int(1), nil
		}
		return protocol.Int(0), nil
	case time.Time:
		return protocol.Text(v.UTC().Format("2006-01-02T15:04:05.000Z")), nil
	case string:
		return protocol.Text(v), nil
	case int:
		return protocol.Int(int64(v)), nil
	case int64:
		return protocol.Int(v), nil
	case float64:
		return protocol.Real(v), nil
	case []byte:
		return protocol.Bytes(v), nil
	default:
		return protocol.Value{}, errors.Newf("evolu: unsupported mutate value type %T", raw)
	}
}

func (e *Evolu) logError(msg string, err error) {
	if e.log != nil {
		e.log.Errorw(msg, "error", err)
	}
}

// Dispose cancels the drain loop, waits for it to stop, then closes any
// registered resources (sync loop, transport) in registration order.
// Mutations already committed survive; anything still buffered is lost
// and its on_complete never fires.
func (e *Evolu) Dispose() error {
	var firstErr error
	e.closeOnce.Do(func() {
		e.cancel()
		e.wg.Wait()

		for _, c := range e.closers {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}
