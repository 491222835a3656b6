package store

import (
	"database/sql"

	"github.com/evoluhq/evolu-go/errors"
	"github.com/evoluhq/evolu-go/internal/hlc"
	"github.com/evoluhq/evolu-go/internal/merkle"
	"github.com/evoluhq/evolu-go/internal/ownercrypto"
)

// A replica's owner table holds exactly one row: the keyset in use, its
// latest HLC timestamp, and the serialized merkle tree. Keeping it in the
// same database as the message log ties clock, tree, and log to a single
// atomic unit of storage.

// SaveOwner inserts or replaces the replica's owner row.
func SaveOwner(conn *sql.DB, owner *ownercrypto.Owner, ts hlc.Timestamp, tree *merkle.Tree) error {
	treeJSON, err := merkle.Serialize(tree)
	if err != nil {
		return errors.Wrap(err, "serialize merkle tree")
	}

	_, err = conn.Exec(
		`INSERT INTO owner (id, mnemonic, encryption_key, write_key, timestamp, merkle_tree)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   mnemonic = excluded.mnemonic,
		   encryption_key = excluded.encryption_key,
		   write_key = excluded.write_key,
		   timestamp = excluded.timestamp,
		   merkle_tree = excluded.merkle_tree`,
		owner.ID, owner.Mnemonic, owner.EncryptionKey[:], owner.WriteKey[:], ts.MarshalBinary(), treeJSON,
	)
	if err != nil {
		return errors.Wrap(err, "save owner row")
	}
	return nil
}

// PersistClock updates the stored latest timestamp for the given owner.
func PersistClock(conn *sql.DB, ownerID string, ts hlc.Timestamp) error {
	_, err := conn.Exec(`UPDATE owner SET timestamp = ? WHERE id = ?`, ts.MarshalBinary(), ownerID)
	if err != nil {
		return errors.Wrap(err, "persist clock")
	}
	return nil
}

// PersistTree updates the stored merkle tree for the given owner.
func PersistTree(conn *sql.DB, ownerID string, tree *merkle.Tree) error {
	treeJSON, err := merkle.Serialize(tree)
	if err != nil {
		return errors.Wrap(err, "serialize merkle tree")
	}
	_, err = conn.Exec(`UPDATE owner SET merkle_tree = ? WHERE id = ?`, treeJSON, ownerID)
	if err != nil {
		return errors.Wrap(err, "persist merkle tree")
	}
	return nil
}

// LoadOwnerTimestamp returns the stored latest timestamp for id, or the
// zero Timestamp if the owner row has never recorded one.
func LoadOwnerTimestamp(conn *sql.DB, id string) (hlc.Timestamp, bool, error) {
	var bin []byte
	err := conn.QueryRow(`SELECT timestamp FROM owner WHERE id = ?`, id).Scan(&bin)
	if err == sql.ErrNoRows || (err == nil && bin == nil) {
		return hlc.Timestamp{}, false, nil
	}
	if err != nil {
		return hlc.Timestamp{}, false, errors.Wrap(err, "load owner timestamp")
	}
	ts, err := hlc.TimestampFromBinary(bin)
	if err != nil {
		return hlc.Timestamp{}, false, errors.Wrap(err, "decode owner timestamp")
	}
	return ts, true, nil
}

// loadTree returns the single owner row's merkle tree, or a fresh empty
// tree if no owner row exists yet (a brand new replica).
func loadTree(conn *sql.DB) (*merkle.Tree, error) {
	var treeJSON sql.NullString
	err := conn.QueryRow(`SELECT merkle_tree FROM owner LIMIT 1`).Scan(&treeJSON)
	if err == sql.ErrNoRows {
		return merkle.New(), nil
	}
	if err != nil {
		return nil, err
	}
	if !treeJSON.Valid || treeJSON.String == "" {
		return merkle.New(), nil
	}
	return merkle.Deserialize(treeJSON.String)
}
