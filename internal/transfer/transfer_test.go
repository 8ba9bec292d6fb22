package transfer

import (
	"context"
	"crypto/tls"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pebblesync/pebble"
	"github.com/pebblesync/pebble/internal/hash"
	"github.com/pebblesync/pebble/internal/identity"
	"github.com/pebblesync/pebble/internal/store"
)

func startTestServer(t *testing.T, db *store.Store, receiveRoot string) (*Server, string) {
	t.Helper()
	cert, err := identity.GetOrCreate(t.TempDir(), "server-device", "server")
	if err != nil {
		t.Fatal(err)
	}
	serverCfg, err := identity.ServerConfig(cert)
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(db, receiveRoot, serverCfg)
	if err := srv.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Server.Start(): %s", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return srv, srv.Addr()
}

func TestSendFileEndToEnd(t *testing.T) {
	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "report.txt")
	contents := make([]byte, pebble.ChunkSize+1000) // spans two chunks
	for i := range contents {
		contents[i] = byte(i % 251)
	}
	if err := os.WriteFile(srcPath, contents, 0o644); err != nil {
		t.Fatal(err)
	}

	receiveRoot := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "pebble.db")
	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	_, addr := startTestServer(t, db, receiveRoot)

	client := NewClient()
	progress := make(chan pebble.TransferProgress, 16)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.SendFile(ctx, addr, srcDir, srcPath, nil, progress); err != nil {
		t.Fatalf("SendFile(): %s", err)
	}

	dest := filepath.Join(receiveRoot, "report.txt")
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("reading received file: %s", err)
	}
	if len(got) != len(contents) {
		t.Fatalf("received %d bytes, want %d", len(got), len(contents))
	}

	var lastProgress pebble.TransferProgress
	for {
		select {
		case p := <-progress:
			lastProgress = p
			continue
		default:
		}
		break
	}
	if !lastProgress.Done {
		t.Error("expected final progress event to report Done")
	}
}

// TestSendFileResumesAfterInterruption simulates a peer crashing partway
// through a transfer: a raw connection sends TransferRequest and the
// first of three chunks, then closes without ever sending
// TransferComplete. Reconnecting with the same transfer id must resume
// from the chunk the server actually persisted, and the eventual
// completed file must match the source byte-for-byte.
func TestSendFileResumesAfterInterruption(t *testing.T) {
	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "archive.bin")
	contents := make([]byte, 2*pebble.ChunkSize+1000) // spans three chunks
	for i := range contents {
		contents[i] = byte(i % 223)
	}
	if err := os.WriteFile(srcPath, contents, 0o644); err != nil {
		t.Fatal(err)
	}
	fileHash, err := hash.FileHash(srcPath)
	if err != nil {
		t.Fatal(err)
	}

	receiveRoot := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "pebble.db")
	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	_, addr := startTestServer(t, db, receiveRoot)
	transferID := "resume-test-transfer"
	totalChunks := int64(3)

	// First attempt: send the request and one chunk, then vanish.
	conn, err := tls.Dial("tcp", addr, identity.ClientConfig(nil))
	if err != nil {
		t.Fatalf("dialing: %s", err)
	}
	if err := WriteMessage(conn, Message{
		Type:        TypeTransferRequest,
		TransferID:  transferID,
		FilePath:    "archive.bin",
		FileSize:    int64(len(contents)),
		FileHash:    fileHash,
		TotalChunks: totalChunks,
	}); err != nil {
		t.Fatalf("sending TransferRequest: %s", err)
	}
	accept, err := ReadMessage(conn)
	if err != nil {
		t.Fatalf("reading TransferAccept: %s", err)
	}
	if accept.Type != TypeTransferAccept || accept.ResumeFromChunk != 0 {
		t.Fatalf("first attempt accept = %+v, want ResumeFromChunk 0", accept)
	}
	firstChunk := contents[0:pebble.ChunkSize]
	if err := WriteMessage(conn, Message{
		Type:       TypeChunkData,
		TransferID: transferID,
		ChunkIndex: 0,
		ChunkHash:  hash.ChunkHash(firstChunk),
		Data:       firstChunk,
	}); err != nil {
		t.Fatalf("sending chunk 0: %s", err)
	}
	if _, err := ReadMessage(conn); err != nil {
		t.Fatalf("reading ack for chunk 0: %s", err)
	}
	conn.Close() // simulate a crash: no TransferComplete ever sent

	// Give the server's goroutine time to notice the closed connection
	// and return before we assert on durable state.
	deadline := time.Now().Add(2 * time.Second)
	for {
		ts, err := db.GetTransferState(transferID)
		if err == nil && ts.ReceivedChunks == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("transfer state never reached 1 received chunk: %v, %v", ts, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Second attempt: reconnect with the same transfer id via the real
	// client and let it run the transfer to completion.
	client := NewClient()
	progress := make(chan pebble.TransferProgress, 16)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.SendFileWithID(ctx, transferID, addr, srcDir, srcPath, nil, progress); err != nil {
		t.Fatalf("SendFileWithID(): %s", err)
	}

	var firstProgress pebble.TransferProgress
	select {
	case firstProgress = <-progress:
	default:
		t.Fatal("expected at least one progress event from the resumed transfer")
	}
	if firstProgress.CompletedChunks != 2 {
		t.Errorf("first progress event CompletedChunks = %d, want 2 (resumed after chunk 0)", firstProgress.CompletedChunks)
	}

	dest := filepath.Join(receiveRoot, "archive.bin")
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("reading received file: %s", err)
	}
	if string(got) != string(contents) {
		t.Fatalf("received file does not match source: got %d bytes, want %d", len(got), len(contents))
	}
	gotHash, err := hash.FileHash(dest)
	if err != nil {
		t.Fatal(err)
	}
	if gotHash != fileHash {
		t.Errorf("received file hash = %s, want %s", gotHash, fileHash)
	}

	final, err := db.GetTransferState(transferID)
	if err != nil {
		t.Fatalf("GetTransferState after completion: %s", err)
	}
	if final.ReceivedChunks != totalChunks {
		t.Errorf("final ReceivedChunks = %d, want %d", final.ReceivedChunks, totalChunks)
	}
}

// TestSendFilePathEscapeRejected exercises the server's receive-root
// confinement directly. SendFile always derives a root-relative
// file_path via filepath.Rel, so an absolute or ".."-escaping path can
// only reach the server through a raw, non-conforming client, the
// scenario a hostile or buggy peer would trigger.
func TestSendFilePathEscapeRejected(t *testing.T) {
	receiveRoot := t.TempDir()

	cases := []struct {
		name string
		path string
	}{
		{"absolute", "/etc/passwd"},
		{"dotdot", "../evil.txt"},
		{"dotdot-nested", "nested/../../evil.txt"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := resolveReceivePath(receiveRoot, c.path); !errors.Is(err, ErrPathEscapesReceiveRoot) {
				t.Errorf("resolveReceivePath(%q) = %v, want ErrPathEscapesReceiveRoot", c.path, err)
			}
		})
	}
}
