package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/evoluhq/evolu-go/errors"
)

// writeUint32 writes a 4-byte big-endian length prefix.
func writeUint32(buf *bytes.Buffer, n uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], n)
	buf.Write(b[:])
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, errors.Wrap(err, "protocol: reading length prefix")
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, errors.Wrap(err, "protocol: reading length-prefixed bytes")
	}
	return b, nil
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// EncryptedMessage is one opaque, AEAD-sealed cell write as it travels over
// the wire — the relay never sees the table, row, column, or value inside.
type EncryptedMessage struct {
	Timestamp string
	Content   []byte
}

func (m EncryptedMessage) encode(buf *bytes.Buffer) {
	writeString(buf, m.Timestamp)
	writeBytes(buf, m.Content)
}

func decodeEncryptedMessage(r *bytes.Reader) (EncryptedMessage, error) {
	ts, err := readString(r)
	if err != nil {
		return EncryptedMessage{}, err
	}
	content, err := readBytes(r)
	if err != nil {
		return EncryptedMessage{}, err
	}
	return EncryptedMessage{Timestamp: ts, Content: content}, nil
}

func encodeMessages(buf *bytes.Buffer, messages []EncryptedMessage) {
	writeUint32(buf, uint32(len(messages)))
	for _, m := range messages {
		m.encode(buf)
	}
}

func decodeMessages(r *bytes.Reader) ([]EncryptedMessage, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]EncryptedMessage, 0, n)
	for i := uint32(0); i < n; i++ {
		m, err := decodeEncryptedMessage(r)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// SyncRequest is sent by a replica to push local messages and request any
// it is missing, as determined by comparing merkle trees.
type SyncRequest struct {
	UserID     []byte
	NodeID     [8]byte
	MerkleTree string
	Messages   []EncryptedMessage
}

// Encode serializes a SyncRequest to its binary wire form.
func (r SyncRequest) Encode() []byte {
	var buf bytes.Buffer
	writeBytes(&buf, r.UserID)
	buf.Write(r.NodeID[:])
	writeString(&buf, r.MerkleTree)
	encodeMessages(&buf, r.Messages)
	return buf.Bytes()
}

// DecodeSyncRequest parses the binary form produced by Encode.
func DecodeSyncRequest(b []byte) (SyncRequest, error) {
	r := bytes.NewReader(b)
	userID, err := readBytes(r)
	if err != nil {
		return SyncRequest{}, err
	}
	var nodeID [8]byte
	if _, err := io.ReadFull(r, nodeID[:]); err != nil {
		return SyncRequest{}, errors.Wrap(err, "protocol: reading node id")
	}
	merkleTree, err := readString(r)
	if err != nil {
		return SyncRequest{}, err
	}
	messages, err := decodeMessages(r)
	if err != nil {
		return SyncRequest{}, err
	}
	return SyncRequest{UserID: userID, NodeID: nodeID, MerkleTree: merkleTree, Messages: messages}, nil
}

// SyncResponse answers a SyncRequest with the relay's own merkle tree and
// any messages the requester was missing.
type SyncResponse struct {
	MerkleTree string
	Messages   []EncryptedMessage
}

// Encode serializes a SyncResponse to its binary wire form.
func (r SyncResponse) Encode() []byte {
	var buf bytes.Buffer
	writeString(&buf, r.MerkleTree)
	encodeMessages(&buf, r.Messages)
	return buf.Bytes()
}

// DecodeSyncResponse parses the binary form produced by Encode.
func DecodeSyncResponse(b []byte) (SyncResponse, error) {
	r := bytes.NewReader(b)
	merkleTree, err := readString(r)
	if err != nil {
		return SyncResponse{}, err
	}
	messages, err := decodeMessages(r)
	if err != nil {
		return SyncResponse{}, err
	}
	return SyncResponse{MerkleTree: merkleTree, Messages: messages}, nil
}

// MessageContent is the plaintext payload sealed inside an
// EncryptedMessage's Content field.
type MessageContent struct {
	Table  string
	Row    string
	Column string
	Value  Value
}

// Encode serializes a MessageContent to its binary form, the plaintext
// that gets AEAD-sealed before being placed on the wire.
func (c MessageContent) Encode() []byte {
	var buf bytes.Buffer
	writeString(&buf, c.Table)
	writeString(&buf, c.Row)
	writeString(&buf, c.Column)
	buf.WriteByte(byte(c.Value.Kind))
	switch c.Value.Kind {
	case ValueNull:
	case ValueText:
		writeString(&buf, c.Value.Text)
	case ValueInt:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(c.Value.Int))
		buf.Write(b[:])
	case ValueReal:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(c.Value.Real))
		buf.Write(b[:])
	case ValueBytes:
		writeBytes(&buf, c.Value.Bytes)
	}
	return buf.Bytes()
}

// DecodeMessageContent parses the binary form produced by Encode.
func DecodeMessageContent(b []byte) (MessageContent, error) {
	r := bytes.NewReader(b)
	table, err := readString(r)
	if err != nil {
		return MessageContent{}, err
	}
	row, err := readString(r)
	if err != nil {
		return MessageContent{}, err
	}
	column, err := readString(r)
	if err != nil {
		return MessageContent{}, err
	}
	kindByte, err := r.ReadByte()
	if err != nil {
		return MessageContent{}, errors.Wrap(err, "protocol: reading value kind")
	}

	var value Value
	switch ValueKind(kindByte) {
	case ValueNull:
		value = Null()
	case ValueText:
		s, err := readString(r)
		if err != nil {
			return MessageContent{}, err
		}
		value = Text(s)
	case ValueInt:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return MessageContent{}, errors.Wrap(err, "protocol: reading int value")
		}
		value = Int(int64(binary.BigEndian.Uint64(b[:])))
	case ValueReal:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return MessageContent{}, errors.Wrap(err, "protocol: reading real value")
		}
		value = Real(math.Float64frombits(binary.BigEndian.Uint64(b[:])))
	case ValueBytes:
		bs, err := readBytes(r)
		if err != nil {
			return MessageContent{}, err
		}
		value = Bytes(bs)
	default:
		return MessageContent{}, ErrUnknownValueKind
	}

	return MessageContent{Table: table, Row: row, Column: column, Value: value}, nil
}
