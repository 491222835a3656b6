package hlc

import (
	"crypto/rand"
	"time"

	"github.com/evoluhq/evolu-go/errors"
)

// DefaultMaxDrift is the default tolerance for how far a remote or local
// wall clock may run ahead of "now" before Send/Receive refuses to advance.
const DefaultMaxDrift = 5 * time.Minute

// ErrDrift is returned when the computed millis exceeds now by more than
// the clock's configured max drift.
var ErrDrift = errors.New("hlc: timestamp drift exceeds max_drift")

// ErrCounterOverflow is returned when a millisecond's counter would wrap
// past MaxCounter — 65,536 events on one node within one millisecond.
var ErrCounterOverflow = errors.New("hlc: counter overflow")

// ErrTimeOutOfRange is returned when the wall clock has advanced past the
// 48-bit millisecond ceiling.
var ErrTimeOutOfRange = errors.New("hlc: time out of range")

// DriftError carries the offending values for ErrDrift.
type DriftError struct {
	Now  uint64
	Next uint64
}

func (e *DriftError) Error() string {
	return errors.Newf("hlc: drift: now=%d next=%d exceeds max_drift", e.Now, e.Next).Error()
}

func (e *DriftError) Unwrap() error { return ErrDrift }

// Clock produces and receives Timestamps for one device (NodeID), enforcing
// monotonicity, drift bounds, and counter-overflow detection.
type Clock struct {
	nodeID   NodeID
	maxDrift time.Duration
	now      func() time.Time
}

// NewClock constructs a Clock for nodeID with the given drift tolerance. A
// zero maxDrift selects DefaultMaxDrift.
func NewClock(nodeID NodeID, maxDrift time.Duration) *Clock {
	if maxDrift <= 0 {
		maxDrift = DefaultMaxDrift
	}
	return &Clock{nodeID: nodeID, maxDrift: maxDrift, now: time.Now}
}

// NodeID returns the clock's device identifier.
func (c *Clock) NodeID() NodeID { return c.nodeID }

// CreateInitial returns the zero timestamp for a freshly created replica:
// millis=0, counter=0, this clock's nodeID.
func CreateInitial(nodeID NodeID) Timestamp {
	return Timestamp{Millis: 0, Counter: 0, NodeID: nodeID}
}

// RandomNodeID generates a fresh 64-bit random device identifier.
func RandomNodeID() (NodeID, error) {
	var n NodeID
	if _, err := rand.Read(n[:]); err != nil {
		return NodeID{}, errors.Wrap(err, "hlc: generating random node id")
	}
	return n, nil
}

func (c *Clock) nowMillis() uint64 {
	return uint64(c.now().UnixMilli())
}

func (c *Clock) checkRange(m uint64) error {
	if m >= MaxMillis {
		return ErrTimeOutOfRange
	}
	return nil
}

func (c *Clock) checkDrift(now, m uint64) error {
	if m > now && m-now > uint64(c.maxDrift.Milliseconds()) {
		return &DriftError{Now: now, Next: m}
	}
	return nil
}

// Send advances local to a new timestamp suitable for stamping an outgoing
// mutation: m = max(now, local.Millis); if local.Millis == m the counter
// increments (detecting overflow), else it resets to zero.
func (c *Clock) Send(local Timestamp) (Timestamp, error) {
	now := c.nowMillis()
	m := now
	if local.Millis > m {
		m = local.Millis
	}

	if err := c.checkRange(m); err != nil {
		return Timestamp{}, err
	}
	if err := c.checkDrift(now, m); err != nil {
		return Timestamp{}, err
	}

	var counter uint16
	if m == local.Millis {
		if local.Counter == MaxCounter {
			return Timestamp{}, ErrCounterOverflow
		}
		counter = local.Counter + 1
	} else {
		counter = 0
	}

	return Timestamp{Millis: m, Counter: counter, NodeID: c.nodeID}, nil
}

// Receive merges an incoming remote timestamp with the local clock,
// producing the timestamp that should become the new local clock value.
// The returned NodeID is always this clock's own, per spec: identical
// (millis, counter, nodeID) triples from a collision are treated as
// identical messages, not errors.
func (c *Clock) Receive(local, remote Timestamp) (Timestamp, error) {
	now := c.nowMillis()
	m := now
	if local.Millis > m {
		m = local.Millis
	}
	if remote.Millis > m {
		m = remote.Millis
	}

	if err := c.checkRange(m); err != nil {
		return Timestamp{}, err
	}
	if err := c.checkDrift(now, m); err != nil {
		return Timestamp{}, err
	}

	var counter uint16
	switch {
	case m == local.Millis && m == remote.Millis:
		max := local.Counter
		if remote.Counter > max {
			max = remote.Counter
		}
		if max == MaxCounter {
			return Timestamp{}, ErrCounterOverflow
		}
		counter = max + 1
	case m == local.Millis:
		if local.Counter == MaxCounter {
			return Timestamp{}, ErrCounterOverflow
		}
		counter = local.Counter + 1
	case m == remote.Millis:
		if remote.Counter == MaxCounter {
			return Timestamp{}, ErrCounterOverflow
		}
		counter = remote.Counter + 1
	default:
		counter = 0
	}

	return Timestamp{Millis: m, Counter: counter, NodeID: c.nodeID}, nil
}
