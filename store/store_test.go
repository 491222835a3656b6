package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/evoluhq/evolu-go/internal/hlc"
	"github.com/evoluhq/evolu-go/protocol"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(dbPath, nil)
	require.NoError(t, err)

	_, err = s.Conn().Exec(`CREATE TABLE todo (
		id TEXT PRIMARY KEY,
		title TEXT,
		createdAt TEXT,
		updatedAt TEXT,
		isDeleted INTEGER
	)`)
	require.NoError(t, err)

	return s
}

func ts(millis uint64, counter uint16, node byte) hlc.Timestamp {
	return hlc.Timestamp{Millis: millis, Counter: counter, NodeID: hlc.NodeID{node}}
}

func titleMessage(at hlc.Timestamp, row, title string) Message {
	return Message{
		Timestamp: at,
		Content: protocol.MessageContent{
			Table:  "todo",
			Row:    row,
			Column: "title",
			Value:  protocol.Text(title),
		},
	}
}

func TestApply_LWW(t *testing.T) {
	s := openTestStore(t)

	t1 := ts(1000, 0, 1)
	t2 := ts(2000, 0, 2)

	// Older message applied after newer one must not clobber the cell.
	_, err := s.Apply([]Message{titleMessage(t2, "x", "b")})
	require.NoError(t, err)
	_, err = s.Apply([]Message{titleMessage(t1, "x", "a")})
	require.NoError(t, err)

	var title string
	err = s.Conn().QueryRow(`SELECT title FROM todo WHERE id = ?`, "x").Scan(&title)
	require.NoError(t, err)
	require.Equal(t, "b", title, "later timestamp must win regardless of delivery order")

	var count int
	err = s.Conn().QueryRow(`SELECT COUNT(*) FROM message WHERE row = ?`, "x").Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 2, count, "both messages must still be logged even though only one wins the cell")
}

func TestApply_Idempotent(t *testing.T) {
	s := openTestStore(t)

	msgs := []Message{titleMessage(ts(1000, 0, 1), "x", "a")}

	_, err := s.Apply(msgs)
	require.NoError(t, err)
	rootAfterFirst := s.Tree().Root()

	_, err = s.Apply(msgs)
	require.NoError(t, err)

	require.Equal(t, rootAfterFirst, s.Tree().Root(), "replaying the same batch must not change the tree")

	var count int
	err = s.Conn().QueryRow(`SELECT COUNT(*) FROM message`).Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 1, count, "replaying the same batch must not duplicate the log entry")
}

func TestApply_DuplicateLogOlderThanCellStillLogged(t *testing.T) {
	s := openTestStore(t)

	t1 := ts(1000, 0, 1)
	t2 := ts(2000, 0, 2)

	_, err := s.Apply([]Message{titleMessage(t2, "x", "b")})
	require.NoError(t, err)

	rootBefore := s.Tree().Root()
	_, err = s.Apply([]Message{titleMessage(t1, "x", "a")})
	require.NoError(t, err)

	require.NotEqual(t, rootBefore, s.Tree().Root(), "a message older than the stored cell is still new to the log and must affect the tree")
}

func TestApply_InvalidIdentifierRejected(t *testing.T) {
	s := openTestStore(t)

	bad := Message{
		Timestamp: ts(1000, 0, 1),
		Content: protocol.MessageContent{
			Table:  "todo; DROP TABLE todo",
			Row:    "x",
			Column: "title",
			Value:  protocol.Text("a"),
		},
	}

	_, err := s.Apply([]Message{bad})
	require.Error(t, err)
}
