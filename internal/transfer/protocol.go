// Package transfer implements Pebble's resumable file transfer
// protocol: a framed request/chunk/ack exchange carried over a pinned
// TLS connection, with server-authoritative crash-safe resume.
package transfer

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pebblesync/pebble"
)

// MessageType discriminates the seven kinds of transfer protocol
// message.
type MessageType string

// Valid MessageType values.
const (
	TypeTransferRequest  MessageType = "TransferRequest"
	TypeTransferAccept   MessageType = "TransferAccept"
	TypeTransferReject   MessageType = "TransferReject"
	TypeChunkData        MessageType = "ChunkData"
	TypeChunkAck         MessageType = "ChunkAck"
	TypeTransferComplete MessageType = "TransferComplete"
	TypeError            MessageType = "Error"
)

// Message is the single wire type for every transfer protocol
// exchange; the Type field selects which of the other fields are
// populated, acting as a tagged union over the wire.
type Message struct {
	Type MessageType `json:"type"`

	TransferID string `json:"transfer_id"`

	// TransferRequest
	FilePath    string `json:"file_path,omitempty"`
	FileSize    int64  `json:"file_size,omitempty"`
	FileHash    string `json:"file_hash,omitempty"`
	TotalChunks int64  `json:"total_chunks,omitempty"`

	// TransferAccept
	ResumeFromChunk int64 `json:"resume_from_chunk,omitempty"`

	// TransferReject, Error
	Reason string `json:"reason,omitempty"`

	// ChunkData
	ChunkIndex int64  `json:"chunk_index,omitempty"`
	ChunkHash  string `json:"chunk_hash,omitempty"`
	Data       []byte `json:"data,omitempty"`
}

// maxMessageLen bounds the length prefix accepted from the wire, so a
// corrupt or hostile peer cannot force an unbounded allocation.
const maxMessageLen = 2*pebble.ChunkSize + 4096

// WriteMessage frames msg as a big-endian uint32 length prefix
// followed by its JSON encoding, and writes it to w.
func WriteMessage(w io.Writer, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transfer: marshaling %s message: %w", msg.Type, err)
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(data)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("transfer: writing length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("transfer: writing message body: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed JSON message from r.
func ReadMessage(r io.Reader) (Message, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return Message{}, fmt.Errorf("transfer: reading length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxMessageLen {
		return Message{}, fmt.Errorf("transfer: message length %d exceeds maximum %d", n, maxMessageLen)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Message{}, fmt.Errorf("transfer: reading message body: %w", err)
	}
	var msg Message
	if err := json.Unmarshal(buf, &msg); err != nil {
		return Message{}, fmt.Errorf("transfer: unmarshaling message: %w", err)
	}
	return msg, nil
}
