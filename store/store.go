// Package store implements the CRDT message log and its LWW materialization
// into user tables, backed by SQLite.
package store

import (
	"database/sql"
	"embed"
	"time"

	"go.uber.org/zap"

	"github.com/evoluhq/evolu-go/db"
	"github.com/evoluhq/evolu-go/errors"
	"github.com/evoluhq/evolu-go/internal/hlc"
	"github.com/evoluhq/evolu-go/internal/merkle"
	"github.com/evoluhq/evolu-go/protocol"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrInvalidIdentifier is returned when a message's table or column name is
// not safe to use as a bare SQL identifier.
var ErrInvalidIdentifier = errors.New("store: invalid table or column identifier")

// Store owns the message log, the user tables it materializes into, and
// the in-memory merkle tree that tracks the log's membership.
type Store struct {
	conn *sql.DB
	log  *zap.SugaredLogger

	tree    *merkle.Tree
	ownerID string
}

// SetOwner associates this store with an owner row so Apply persists the
// updated merkle tree after each batch. A store with no owner set keeps
// its tree in memory only.
func (s *Store) SetOwner(ownerID string) { s.ownerID = ownerID }

// Open opens (creating if absent) the SQLite database at path, applies the
// message-log schema migrations, and returns a Store ready to Apply
// messages. Open does not touch the caller's user tables; they must exist
// on the same connection before Apply materializes a message into them.
func Open(path string, log *zap.SugaredLogger) (*Store, error) {
	conn, err := db.Open(path, log)
	if err != nil {
		return nil, err
	}
	return OpenConn(conn, log)
}

// OpenConn wraps an already-open connection, applying the message-log
// migrations to it. Use this when the caller manages its own user-table
// migrations on the same connection.
func OpenConn(conn *sql.DB, log *zap.SugaredLogger) (*Store, error) {
	if err := db.Migrate(conn, migrationsFS, "migrations", log); err != nil {
		return nil, errors.Wrap(err, "apply message store migrations")
	}

	tree, err := loadTree(conn)
	if err != nil {
		return nil, errors.Wrap(err, "load merkle tree")
	}

	return &Store{conn: conn, log: log, tree: tree}, nil
}

// Conn returns the underlying connection, for callers that also run their
// own queries (query engine, owner persistence) against the same database.
func (s *Store) Conn() *sql.DB { return s.conn }

// Tree returns the store's current merkle tree. The returned pointer is
// shared state; callers must not mutate it directly.
func (s *Store) Tree() *merkle.Tree { return s.tree }

// Apply materializes and logs a batch of messages in order, in a single
// transaction, and returns the resulting merkle tree. A message is
// materialized into its user-table cell only if it is newer than whatever
// is currently stored for that cell (last-writer-wins); it is logged to
// the message table only if it has not already been logged, regardless of
// whether it won the cell. Apply is idempotent: replaying an already-
// applied batch leaves both the row state and the tree unchanged.
func (s *Store) Apply(messages []Message) (*merkle.Tree, error) {
	if len(messages) == 0 {
		return s.tree, nil
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "begin apply transaction")
	}

	for _, m := range messages {
		if err := s.applyOne(tx, m); err != nil {
			tx.Rollback()
			return nil, errors.Wrapf(err, "apply message at %s", m.Timestamp.String())
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit apply transaction")
	}

	if s.ownerID != "" {
		if err := PersistTree(s.conn, s.ownerID, s.tree); err != nil {
			return nil, errors.Wrap(err, "persist merkle tree after apply")
		}
	}

	return s.tree, nil
}

func (s *Store) applyOne(tx *sql.Tx, m Message) error {
	c := m.Content

	latestTS, latestExists, err := latestTimestamp(tx, c.Table, c.Row, c.Column)
	if err != nil {
		return errors.Wrap(err, "look up latest cell timestamp")
	}

	if !latestExists || latestTS.Before(m.Timestamp) {
		if err := materialize(tx, c); err != nil {
			return errors.Wrap(err, "materialize cell")
		}
	}

	if !latestExists || !latestTS.Equal(m.Timestamp) {
		inserted, err := logMessage(tx, m)
		if err != nil {
			return errors.Wrap(err, "append to message log")
		}
		if inserted {
			s.tree.Insert(m.Timestamp)
		}
	}

	return nil
}

func latestTimestamp(tx *sql.Tx, table, row, column string) (hlc.Timestamp, bool, error) {
	var bin []byte
	err := tx.QueryRow(
		`SELECT timestamp FROM message WHERE "table" = ? AND row = ? AND "column" = ? ORDER BY timestamp DESC LIMIT 1`,
		table, row, column,
	).Scan(&bin)
	if err == sql.ErrNoRows {
		return hlc.Timestamp{}, false, nil
	}
	if err != nil {
		return hlc.Timestamp{}, false, err
	}
	ts, err := hlc.TimestampFromBinary(bin)
	if err != nil {
		return hlc.Timestamp{}, false, err
	}
	return ts, true, nil
}

func materialize(tx *sql.Tx, c protocol.MessageContent) error {
	if !ValidIdentifier(c.Table) || !ValidIdentifier(c.Column) {
		return errors.Wrapf(ErrInvalidIdentifier, "table=%q column=%q", c.Table, c.Column)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	arg := valueArg(c.Value)

	query := `INSERT INTO "` + c.Table + `" (id, "` + c.Column + `", createdAt, updatedAt) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET "` + c.Column + `" = excluded."` + c.Column + `", updatedAt = excluded.updatedAt`

	_, err := tx.Exec(query, c.Row, arg, now, now)
	return err
}

func logMessage(tx *sql.Tx, m Message) (bool, error) {
	c := m.Content
	bin := m.Timestamp.MarshalBinary()

	var textVal sql.NullString
	var intVal sql.NullInt64
	var realVal sql.NullFloat64
	var blobVal []byte

	switch c.Value.Kind {
	case protocol.ValueText:
		textVal = sql.NullString{String: c.Value.Text, Valid: true}
	case protocol.ValueInt:
		intVal = sql.NullInt64{Int64: c.Value.Int, Valid: true}
	case protocol.ValueReal:
		realVal = sql.NullFloat64{Float64: c.Value.Real, Valid: true}
	case protocol.ValueBytes:
		blobVal = c.Value.Bytes
	}

	res, err := tx.Exec(
		`INSERT OR IGNORE INTO message (timestamp, "table", row, "column", value_kind, value_text, value_int, value_real, value_blob)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		bin, c.Table, c.Row, c.Column, byte(c.Value.Kind), textVal, intVal, realVal, blobVal,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func valueArg(v protocol.Value) interface{} {
	switch v.Kind {
	case protocol.ValueText:
		return v.Text
	case protocol.ValueInt:
		return v.Int
	case protocol.ValueReal:
		return v.Real
	case protocol.ValueBytes:
		return v.Bytes
	default:
		return nil
	}
}
