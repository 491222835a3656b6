package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/evoluhq/evolu-go/protocol"
)

type fakeConn struct {
	writeErr  error
	readData  []byte
	readErr   error
	wrote     [][]byte
	closed    bool
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.wrote = append(f.wrote, data)
	return nil
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	return 2, f.readData, f.readErr
}

func (f *fakeConn) SetReadDeadline(t time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

type fakeDialer struct {
	conn *fakeConn
	err  error
}

func (f *fakeDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.conn, nil
}

func TestClient_ConnectAndRoundTrip(t *testing.T) {
	resp := protocol.SyncResponse{MerkleTree: "{}", Messages: nil}
	conn := &fakeConn{readData: resp.Encode()}
	client, err := NewClient("wss://relay.example", "owner123")
	require.NoError(t, err)
	client.SetDialer(&fakeDialer{conn: conn})

	require.NoError(t, client.Connect(context.Background()))

	req := protocol.SyncRequest{UserID: []byte("u"), MerkleTree: "{}"}
	got, err := client.RoundTrip(req)
	require.NoError(t, err)
	require.Equal(t, "{}", got.MerkleTree)
	require.Len(t, conn.wrote, 1)
}

func TestClient_RoundTripBeforeConnectFails(t *testing.T) {
	client, err := NewClient("wss://relay.example", "owner123")
	require.NoError(t, err)

	_, err = client.RoundTrip(protocol.SyncRequest{})
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_CloseRejectsFurtherRoundTrips(t *testing.T) {
	conn := &fakeConn{readData: (protocol.SyncResponse{MerkleTree: "{}"}).Encode()}
	client, err := NewClient("wss://relay.example", "owner123")
	require.NoError(t, err)
	client.SetDialer(&fakeDialer{conn: conn})
	require.NoError(t, client.Connect(context.Background()))

	require.NoError(t, client.Close())
	require.True(t, conn.closed)

	_, err = client.RoundTrip(protocol.SyncRequest{})
	require.ErrorIs(t, err, ErrClosed)
}

func TestBackoff_DelayGrowsAndCaps(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, MaxWait: 1 * time.Second}

	d0 := b.Delay(0)
	d5 := b.Delay(5)

	require.GreaterOrEqual(t, d0, 100*time.Millisecond)
	require.LessOrEqual(t, d5, 1*time.Second+200*time.Millisecond)
}
