// Package query implements the per-tab row cache that diffs a query's
// result set on every change and hands subscribers the minimal patch set
// needed to bring their view up to date.
package query

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/evoluhq/evolu-go/protocol"
)

// Row is one result row, keyed by column name.
type Row map[string]protocol.Value

// PatchKind distinguishes a full replacement from a single changed row.
type PatchKind int

const (
	// ReplaceAll signals the subscriber should discard its cached rows and
	// adopt Rows wholesale.
	ReplaceAll PatchKind = iota
	// ReplaceAt signals only the row at Index changed; all others are
	// unchanged from the subscriber's cache.
	ReplaceAt
)

// Patch is one cache update, produced by MakePatches and applied by
// ApplyPatches.
type Patch struct {
	Kind  PatchKind
	Index int
	Row   Row
	Rows  []Row
}

// MakePatches diffs prev against next:
//   - no previous cache, or the lengths differ -> a single ReplaceAll
//   - otherwise, per-index column comparison (byte equality for Bytes
//     values, ordinary equality otherwise) collects a ReplaceAt for each
//     differing row; if every row differs, that collapses to ReplaceAll
func MakePatches(prev, next []Row) []Patch {
	if prev == nil || len(prev) != len(next) {
		return []Patch{{Kind: ReplaceAll, Rows: next}}
	}

	var patches []Patch
	for i := range next {
		if !rowsEqual(prev[i], next[i]) {
			patches = append(patches, Patch{Kind: ReplaceAt, Index: i, Row: next[i]})
		}
	}

	if len(patches) == len(next) && len(next) > 0 {
		return []Patch{{Kind: ReplaceAll, Rows: next}}
	}

	return patches
}

// ApplyPatches replays patches against prev, producing the row set the
// producing side's next would have been. Used to verify the patch
// round-trip property: ApplyPatches(MakePatches(prev, next), prev) == next.
func ApplyPatches(patches []Patch, prev []Row) []Row {
	next := make([]Row, len(prev))
	copy(next, prev)

	for _, p := range patches {
		switch p.Kind {
		case ReplaceAll:
			next = make([]Row, len(p.Rows))
			copy(next, p.Rows)
		case ReplaceAt:
			if p.Index >= 0 && p.Index < len(next) {
				next[p.Index] = p.Row
			}
		}
	}

	return next
}

func rowsEqual(a, b Row) bool {
	if len(a) != len(b) {
		return false
	}
	for col, av := range a {
		bv, ok := b[col]
		if !ok || !av.Equal(bv) {
			return false
		}
	}
	return true
}

// RowExecutor runs a query's SQL against the embedded engine and returns
// its rows. The query package is agnostic to the SQL dialect; callers
// supply whatever executes against the replica's own connection.
type RowExecutor interface {
	Execute(ctx context.Context, sql string, args ...interface{}) ([]Row, error)
}

// Spec names one subscribed query: its cache key and the SQL (plus
// bindings) that produces its rows.
type Spec struct {
	Key  string
	SQL  string
	Args []interface{}
}

// Engine caches the last row set seen for each subscribed query and turns
// re-execution into the minimal patch set subscribers need.
type Engine struct {
	exec RowExecutor

	mu            sync.Mutex
	cache         map[string][]Row
	subscriptions map[string]int
}

// NewEngine constructs an Engine that executes queries via exec.
func NewEngine(exec RowExecutor) *Engine {
	return &Engine{
		exec:          exec,
		cache:         make(map[string][]Row),
		subscriptions: make(map[string]int),
	}
}

// Subscribe registers interest in a query key, incrementing its reference
// count so Unsubscribe knows when the cache entry becomes eligible for
// eviction.
func (e *Engine) Subscribe(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscriptions[key]++
}

// Unsubscribe decrements a query key's reference count. When it drops to
// zero the cached rows are evicted; a later resubscribe executes fresh.
func (e *Engine) Unsubscribe(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscriptions[key]--
	if e.subscriptions[key] <= 0 {
		delete(e.subscriptions, key)
		delete(e.cache, key)
	}
}

// LoadQueries executes every given query, diffs it against its cached
// rows, stores the new result as the cache entry, and returns the patches
// per query key. Keys with no patches (unchanged result) are omitted.
func (e *Engine) LoadQueries(ctx context.Context, specs []Spec) (map[string][]Patch, error) {
	type loaded struct {
		key     string
		patches []Patch
	}
	loadedSpecs := make([]loaded, len(specs))

	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			rows, err := e.exec.Execute(gctx, spec.SQL, spec.Args...)
			if err != nil {
				return err
			}

			e.mu.Lock()
			prev, hadPrev := e.cache[spec.Key]
			e.cache[spec.Key] = rows
			e.mu.Unlock()

			var patches []Patch
			if !hadPrev {
				patches = []Patch{{Kind: ReplaceAll, Rows: rows}}
			} else {
				patches = MakePatches(prev, rows)
			}
			loadedSpecs[i] = loaded{key: spec.Key, patches: patches}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := make(map[string][]Patch, len(specs))
	for _, l := range loadedSpecs {
		if len(l.patches) > 0 {
			result[l.key] = l.patches
		}
	}
	return result, nil
}
