package syncengine

import (
	"context"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/evoluhq/evolu-go/db"
	"github.com/evoluhq/evolu-go/internal/hlc"
	"github.com/evoluhq/evolu-go/protocol"
	"github.com/evoluhq/evolu-go/relay"
	"github.com/evoluhq/evolu-go/store"
)

// identityEncrypter skips AEAD sealing entirely, so tests exercise the
// sync loop's framing and convergence logic without depending on a real
// owner keyset.
type identityEncrypter struct{}

func (identityEncrypter) Encrypt(content protocol.MessageContent) (protocol.EncryptedMessage, error) {
	return protocol.EncryptedMessage{Content: content.Encode()}, nil
}

func (identityEncrypter) Decrypt(em protocol.EncryptedMessage) (store.Message, error) {
	ts, err := hlc.TimestampFromString(em.Timestamp)
	if err != nil {
		return store.Message{}, err
	}
	content, err := protocol.DecodeMessageContent(em.Content)
	if err != nil {
		return store.Message{}, err
	}
	return store.Message{Timestamp: ts, Content: content}, nil
}

// relayTransport drives a Relay in-process, skipping the network entirely
// — the same HandleSync path the WebSocket handler calls.
type relayTransport struct {
	relay   *relay.Relay
	ownerID string
}

func (t *relayTransport) RoundTrip(req protocol.SyncRequest) (protocol.SyncResponse, error) {
	return t.relay.HandleSync(t.ownerID, req, nil)
}

// memPending serves pending local messages from an in-memory slice,
// sorted and filtered by timestamp, standing in for a real "unsynced
// rows" query against the message table.
type memPending struct {
	messages []store.Message
}

func (p *memPending) Pending(since hlc.Timestamp, limit int) ([]store.Message, error) {
	sorted := make([]store.Message, len(p.messages))
	copy(sorted, p.messages)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	var out []store.Message
	for _, m := range sorted {
		if m.Timestamp.Compare(since) >= 0 {
			out = append(out, m)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func openTestRelayForSync(t *testing.T) *relay.Relay {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "relay.db"), nil)
	require.NoError(t, err)
	require.NoError(t, relay.MigrateConn(conn))
	return relay.New(conn, relay.AllowAllAuthorizer{}, 1000, nil)
}

func openTestClientStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "client.db"), nil)
	require.NoError(t, err)
	_, err = s.Conn().Exec(`CREATE TABLE todo (id TEXT PRIMARY KEY, title TEXT, createdAt TEXT, updatedAt TEXT)`)
	require.NoError(t, err)
	return s
}

func todoMessage(ts hlc.Timestamp, row, title string) store.Message {
	return store.Message{
		Timestamp: ts,
		Content: protocol.MessageContent{
			Table:  "todo",
			Row:    row,
			Column: "title",
			Value:  protocol.Text(title),
		},
	}
}

func TestEngine_Run_PullsExistingRelayMessage(t *testing.T) {
	r := openTestRelayForSync(t)

	// Seed the relay directly, as if another device had already synced.
	node := hlc.NodeID{9}
	seedTS := hlc.CreateInitial(node)
	em := protocol.EncryptedMessage{
		Timestamp: seedTS.String(),
		Content:   protocol.MessageContent{Table: "todo", Row: "x", Column: "title", Value: protocol.Text("from B")}.Encode(),
	}
	_, err := r.HandleSync("owner1", protocol.SyncRequest{MerkleTree: "{}", Messages: []protocol.EncryptedMessage{em}}, nil)
	require.NoError(t, err)

	clientStore := openTestClientStore(t)
	clientNode := hlc.NodeID{1}
	clock := hlc.NewClock(clientNode, 0)

	engine, err := New("owner1", clock, clientStore, &relayTransport{relay: r, ownerID: "owner1"}, identityEncrypter{}, nil)
	require.NoError(t, err)

	err = engine.Run(context.Background(), &memPending{}, hlc.Timestamp{})
	require.NoError(t, err)
	require.Equal(t, Idle, engine.State())

	var title string
	err = clientStore.Conn().QueryRow(`SELECT title FROM todo WHERE id = ?`, "x").Scan(&title)
	require.NoError(t, err)
	require.Equal(t, "from B", title)
}

func TestEngine_Run_PushesLocalPendingToRelay(t *testing.T) {
	r := openTestRelayForSync(t)
	clientStore := openTestClientStore(t)
	clientNode := hlc.NodeID{1}
	clock := hlc.NewClock(clientNode, 0)

	localTS := hlc.CreateInitial(clientNode)
	pending := &memPending{messages: []store.Message{todoMessage(localTS, "y", "from A")}}

	engine, err := New("owner1", clock, clientStore, &relayTransport{relay: r, ownerID: "owner1"}, identityEncrypter{}, nil)
	require.NoError(t, err)

	err = engine.Run(context.Background(), pending, hlc.Timestamp{})
	require.NoError(t, err)
	require.Equal(t, Idle, engine.State())

	var count int
	err = r.Conn().QueryRow(`SELECT COUNT(*) FROM mailbox_message WHERE owner_id = ?`, "owner1").Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 1, count, "the relay mailbox should now hold the message pushed from the client")
}

func TestEngine_Run_ConvergesWithNoPendingWork(t *testing.T) {
	r := openTestRelayForSync(t)
	clientStore := openTestClientStore(t)
	clock := hlc.NewClock(hlc.NodeID{1}, 0)

	engine, err := New("owner1", clock, clientStore, &relayTransport{relay: r, ownerID: "owner1"}, identityEncrypter{}, nil)
	require.NoError(t, err)

	err = engine.Run(context.Background(), &memPending{}, hlc.Timestamp{})
	require.NoError(t, err)
	require.Equal(t, Idle, engine.State())
	require.NoError(t, engine.Err())
}
