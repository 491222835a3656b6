// Package replicalock enforces "exactly one writer per replica name": the
// language-neutral contract the source expresses as a single DB connection
// shared across browser tabs via a shared worker and web locks. A systems
// rewrite has no tabs or shared workers, so the same contract is expressed
// as a file-backed advisory lock colocated with the replica's database.
package replicalock

import (
	"github.com/gofrs/flock"

	"github.com/evoluhq/evolu-go/errors"
)

// ErrHeldElsewhere is returned by TryAcquire when another process already
// holds the lock for this replica name.
var ErrHeldElsewhere = errors.New("replicalock: already held by another process")

// Lock is an advisory, file-backed mutex scoped to one replica's database
// path. Only the process holding the lock may open the replica's SQL
// connection for writes.
type Lock struct {
	flock *flock.Flock
	path  string
}

// New returns a Lock backed by a sibling file next to dbPath (dbPath +
// ".lock"). It does not acquire the lock; call TryAcquire or Acquire.
func New(dbPath string) *Lock {
	return &Lock{flock: flock.New(dbPath + ".lock"), path: dbPath + ".lock"}
}

// TryAcquire attempts to take the lock without blocking, returning
// ErrHeldElsewhere if another process already holds it.
func (l *Lock) TryAcquire() error {
	ok, err := l.flock.TryLock()
	if err != nil {
		return errors.Wrapf(err, "acquire replica lock %s", l.path)
	}
	if !ok {
		return ErrHeldElsewhere
	}
	return nil
}

// Release drops the lock. Safe to call even if TryAcquire never
// succeeded.
func (l *Lock) Release() error {
	if !l.flock.Locked() {
		return nil
	}
	return errors.Wrapf(l.flock.Unlock(), "release replica lock %s", l.path)
}

// Locked reports whether this process currently holds the lock.
func (l *Lock) Locked() bool { return l.flock.Locked() }
