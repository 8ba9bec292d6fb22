package transfer

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/pebblesync/pebble"
	"github.com/pebblesync/pebble/internal/hash"
	"github.com/pebblesync/pebble/internal/identity"
)

// dialTimeout bounds how long Client.SendFile waits for the initial
// TLS handshake before giving up.
const dialTimeout = 10 * time.Second

// Client sends files to peers, running the client-side state machine
// of the transfer protocol over a pinned TLS connection.
type Client struct {
	// MaxTransferRate caps outbound throughput in bytes/sec; zero (the
	// default, pebble.MaxTransferRate) means unlimited.
	MaxTransferRate int64
}

// NewClient constructs a Client with the default (unlimited) transfer rate.
func NewClient() *Client {
	return &Client{MaxTransferRate: pebble.MaxTransferRate}
}

// StableTransferID deterministically derives a transfer id from a
// peer, file hash and path, using uuid.NewSHA1 the way a
// content-addressed resume id would be built. It is provided as an
// opt-in for callers of SendFileWithID; SendFile itself always mints a
// fresh random id per call.
func StableTransferID(peerDeviceID, fileHash, filePath string) string {
	name := peerDeviceID + "|" + fileHash + "|" + filePath
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// SendFile sends the file at localPath (which must live under
// watchRoot) to addr, generating a fresh transfer id for the attempt.
// The wire file_path is localPath relative to watchRoot, so peers
// reconstruct the same relative layout under their own receive root
// rather than the sender's absolute filesystem path. Whether resuming
// a previously interrupted send of the same file should reuse a
// stable id is left to the caller; use SendFileWithID for that.
func (c *Client) SendFile(ctx context.Context, addr, watchRoot, localPath string, trustedFingerprint *string, progress chan<- pebble.TransferProgress) error {
	return c.SendFileWithID(ctx, uuid.New().String(), addr, watchRoot, localPath, trustedFingerprint, progress)
}

// SendFileWithID is SendFile with an explicit transfer id, allowing a
// caller to opt into resuming a specific prior attempt (e.g. one
// derived via StableTransferID).
func (c *Client) SendFileWithID(ctx context.Context, transferID, addr, watchRoot, localPath string, trustedFingerprint *string, progress chan<- pebble.TransferProgress) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("transfer: opening %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("transfer: stat %s: %w", localPath, err)
	}
	fileHash, err := hash.FileHash(localPath)
	if err != nil {
		return fmt.Errorf("transfer: hashing %s: %w", localPath, err)
	}
	relPath, err := filepath.Rel(watchRoot, localPath)
	if err != nil || strings.HasPrefix(relPath, "..") {
		relPath = filepath.Base(localPath)
	}
	totalChunks := (info.Size() + pebble.ChunkSize - 1) / pebble.ChunkSize

	cfg := identity.ClientConfig(trustedFingerprint)
	dialer := &tls.Dialer{Config: cfg}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("transfer: dialing %s: %w", addr, err)
	}
	defer conn.Close()

	req := Message{
		Type:        TypeTransferRequest,
		TransferID:  transferID,
		FilePath:    relPath,
		FileSize:    info.Size(),
		FileHash:    fileHash,
		TotalChunks: totalChunks,
	}
	if err := WriteMessage(conn, req); err != nil {
		return fmt.Errorf("transfer: sending request: %w", err)
	}

	resp, err := ReadMessage(conn)
	if err != nil {
		return fmt.Errorf("transfer: reading accept/reject: %w", err)
	}
	switch resp.Type {
	case TypeTransferReject:
		return fmt.Errorf("transfer: rejected by peer: %s", resp.Reason)
	case TypeTransferAccept:
	default:
		return fmt.Errorf("transfer: expected TransferAccept, got %s", resp.Type)
	}

	if _, err := f.Seek(resp.ResumeFromChunk*pebble.ChunkSize, 0); err != nil {
		return fmt.Errorf("transfer: seeking to resume point: %w", err)
	}

	buf := make([]byte, pebble.ChunkSize)
	start := time.Now()
	var bytesSent int64
	for i := resp.ResumeFromChunk; i < totalChunks; i++ {
		n, err := f.Read(buf)
		if err != nil && n == 0 {
			return fmt.Errorf("transfer: reading chunk %d: %w", i, err)
		}
		chunk := buf[:n]
		if err := WriteMessage(conn, Message{
			Type:       TypeChunkData,
			TransferID: transferID,
			ChunkIndex: i,
			ChunkHash:  hash.ChunkHash(chunk),
			Data:       chunk,
		}); err != nil {
			return fmt.Errorf("transfer: sending chunk %d: %w", i, err)
		}

		ack, err := ReadMessage(conn)
		if err != nil {
			return fmt.Errorf("transfer: reading ack for chunk %d: %w", i, err)
		}
		if ack.Type != TypeChunkAck || ack.ChunkIndex != i {
			return fmt.Errorf("transfer: expected ChunkAck(%d), got %s(%d)", i, ack.Type, ack.ChunkIndex)
		}

		bytesSent += int64(n)
		throttle(c.MaxTransferRate, bytesSent, start)
		emitProgress(progress, buildProgress(transferID, relPath, i+1, totalChunks, bytesSent, info.Size(), start, false))
	}

	if err := WriteMessage(conn, Message{Type: TypeTransferComplete, TransferID: transferID}); err != nil {
		return fmt.Errorf("transfer: sending complete: %w", err)
	}

	emitProgress(progress, buildProgress(transferID, relPath, totalChunks, totalChunks, bytesSent, info.Size(), start, true))
	glog.Infof("transfer: sent %s to %s (%d chunks)", localPath, addr, totalChunks)
	return nil
}

// throttle sleeps just long enough to keep cumulative throughput at or
// below rate bytes/sec since start. rate == 0 means unlimited.
func throttle(rate, bytesSent int64, start time.Time) {
	if rate <= 0 {
		return
	}
	wantElapsed := time.Duration(float64(bytesSent) / float64(rate) * float64(time.Second))
	if actual := time.Since(start); actual < wantElapsed {
		time.Sleep(wantElapsed - actual)
	}
}

// emitProgress is a best-effort, lossy send: a full or nil channel
// never blocks the transfer.
func emitProgress(ch chan<- pebble.TransferProgress, p pebble.TransferProgress) {
	if ch == nil {
		return
	}
	select {
	case ch <- p:
	default:
	}
}

// buildProgress assembles a TransferProgress event for a transfer that
// has moved completedChunks of totalChunks chunks and bytesMoved of
// totalBytes bytes since start, averaging the rate over the session's
// whole elapsed wall time rather than the time since the last event.
func buildProgress(transferID, filePath string, completedChunks, totalChunks, bytesMoved, totalBytes int64, start time.Time, done bool) pebble.TransferProgress {
	p := pebble.TransferProgress{
		TransferID:       transferID,
		FilePath:         filePath,
		CompletedChunks:  int(completedChunks),
		TotalChunks:      int(totalChunks),
		BytesTransferred: bytesMoved,
		TotalBytes:       totalBytes,
		Done:             done,
	}
	if totalBytes > 0 {
		p.ProgressPercent = float64(bytesMoved) / float64(totalBytes) * 100
	}
	if elapsed := time.Since(start).Seconds(); elapsed > 0 {
		p.TransferRateMbps = float64(bytesMoved) * 8 / 1e6 / elapsed
	}
	return p
}

