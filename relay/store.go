package relay

import (
	"database/sql"
	"embed"

	"github.com/evoluhq/evolu-go/db"
	"github.com/evoluhq/evolu-go/errors"
	"github.com/evoluhq/evolu-go/internal/hlc"
	"github.com/evoluhq/evolu-go/internal/merkle"
	"github.com/evoluhq/evolu-go/protocol"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrateConn applies the relay's mailbox schema to conn. Call once at
// startup before constructing a Relay.
func MigrateConn(conn *sql.DB) error {
	return db.Migrate(conn, migrationsFS, "migrations", nil)
}

func loadOwnerTree(conn *sql.DB, ownerID string) (*merkle.Tree, error) {
	var treeJSON sql.NullString
	err := conn.QueryRow(`SELECT merkle_tree FROM mailbox_tree WHERE owner_id = ?`, ownerID).Scan(&treeJSON)
	if err == sql.ErrNoRows {
		return merkle.New(), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load owner mailbox tree")
	}
	if !treeJSON.Valid || treeJSON.String == "" {
		return merkle.New(), nil
	}
	return merkle.Deserialize(treeJSON.String)
}

func persistOwnerTree(conn *sql.DB, ownerID string, tree *merkle.Tree) error {
	treeJSON, err := merkle.Serialize(tree)
	if err != nil {
		return errors.Wrap(err, "serialize owner mailbox tree")
	}
	_, err = conn.Exec(
		`INSERT INTO mailbox_tree (owner_id, merkle_tree) VALUES (?, ?)
		 ON CONFLICT(owner_id) DO UPDATE SET merkle_tree = excluded.merkle_tree`,
		ownerID, treeJSON,
	)
	return errors.Wrap(err, "persist owner mailbox tree")
}

// insertMailboxMessage stores em keyed by (owner_id, timestamp),
// deduplicated. Returns true if this call actually inserted a new row.
func insertMailboxMessage(conn *sql.DB, ownerID string, em protocol.EncryptedMessage) (bool, error) {
	ts, err := hlc.TimestampFromString(em.Timestamp)
	if err != nil {
		return false, errors.Wrap(err, "parse message timestamp")
	}

	res, err := conn.Exec(
		`INSERT OR IGNORE INTO mailbox_message (owner_id, timestamp, content) VALUES (?, ?, ?)`,
		ownerID, ts.MarshalBinary(), em.Content,
	)
	if err != nil {
		return false, errors.Wrap(err, "insert mailbox message")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// loadMessagesSince returns every message for ownerID with timestamp
// millis >= sinceMillis, up to a generous response size limit. The 16-byte
// big-endian binary timestamp sorts identically to the HLC it encodes, so
// a byte-lexicographic BLOB comparison against the floor of sinceMillis is
// exact.
func loadMessagesSince(conn *sql.DB, ownerID string, sinceMillis uint64) ([]protocol.EncryptedMessage, error) {
	const responseLimit = 1000

	floor := hlc.Timestamp{Millis: sinceMillis}
	rows, err := conn.Query(
		`SELECT timestamp, content FROM mailbox_message WHERE owner_id = ? AND timestamp >= ? ORDER BY timestamp LIMIT ?`,
		ownerID, floor.MarshalBinary(), responseLimit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query mailbox messages")
	}
	defer rows.Close()

	var out []protocol.EncryptedMessage
	for rows.Next() {
		var bin, content []byte
		if err := rows.Scan(&bin, &content); err != nil {
			return nil, errors.Wrap(err, "scan mailbox message")
		}
		ts, err := hlc.TimestampFromBinary(bin)
		if err != nil {
			return nil, errors.Wrap(err, "decode mailbox message timestamp")
		}
		out = append(out, protocol.EncryptedMessage{Timestamp: ts.String(), Content: content})
	}
	return out, rows.Err()
}
