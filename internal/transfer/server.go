package transfer

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/pebblesync/pebble"
	"github.com/pebblesync/pebble/internal/hash"
	"github.com/pebblesync/pebble/internal/store"
)

// ErrAlreadyRunning is returned by Server.Start when the server is
// already accepting connections.
var ErrAlreadyRunning = errors.New("transfer: server already running")

// ErrPathEscapesReceiveRoot is returned when a TransferRequest's
// file_path would resolve outside the server's configured receive
// root, e.g. via an absolute path or ".." components.
var ErrPathEscapesReceiveRoot = errors.New("transfer: file path escapes receive root")

// Server accepts inbound transfer connections over pinned TLS and runs
// the server-side state machine of the transfer protocol. The zero
// value is not usable; construct one with NewServer.
type Server struct {
	db          *store.Store
	receiveRoot string
	tlsConfig   *tls.Config

	mu       sync.Mutex
	running  bool
	listener net.Listener
	wg       sync.WaitGroup

	progressMu sync.RWMutex
	progress   chan<- pebble.TransferProgress
}

// NewServer constructs a Server that writes received files under
// receiveRoot and persists resume state to db.
func NewServer(db *store.Store, receiveRoot string, tlsConfig *tls.Config) *Server {
	return &Server{db: db, receiveRoot: receiveRoot, tlsConfig: tlsConfig}
}

// SetProgress installs (or, passed nil, removes) the channel every
// accepted session reports TransferProgress on as it receives chunks;
// sessions distinguish themselves by TransferID. It is safe to call
// concurrently with running sessions.
func (s *Server) SetProgress(ch chan<- pebble.TransferProgress) {
	s.progressMu.Lock()
	defer s.progressMu.Unlock()
	s.progress = ch
}

func (s *Server) progressChan() chan<- pebble.TransferProgress {
	s.progressMu.RLock()
	defer s.progressMu.RUnlock()
	return s.progress
}

// Start listens on addr (typically ":37846") and accepts connections
// until Stop is called.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	ln, err := tls.Listen("tcp", addr, s.tlsConfig)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("transfer: listening on %s: %w", addr, err)
	}
	s.listener = ln
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)
	glog.Infof("transfer: server listening on %s", addr)
	return nil
}

// Addr returns the address the server is actually listening on, which
// may differ from the one passed to Start if it ended in ":0".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes the listener; in-flight sessions run to completion.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	ln := s.listener
	s.mu.Unlock()

	err := ln.Close()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return // listener closed by Stop
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.handleSession(conn); err != nil {
				glog.Warningf("transfer: session with %s ended: %s", conn.RemoteAddr(), err)
			}
		}()
	}
}

// handleSession runs the server side of the transfer protocol over
// one accepted connection: await request, receive chunks, await the
// final completion message.
func (s *Server) handleSession(conn net.Conn) error {
	defer conn.Close()

	req, err := ReadMessage(conn)
	if err != nil {
		return fmt.Errorf("reading TransferRequest: %w", err)
	}
	if req.Type != TypeTransferRequest {
		return WriteMessage(conn, errorMsg(req.TransferID, "expected TransferRequest"))
	}

	destPath, err := resolveReceivePath(s.receiveRoot, req.FilePath)
	if err != nil {
		WriteMessage(conn, Message{Type: TypeTransferReject, TransferID: req.TransferID, Reason: err.Error()})
		return err
	}

	existing, err := s.db.GetTransferState(req.TransferID)
	resumeFrom := int64(0)
	if err == nil {
		resumeFrom = existing.ReceivedChunks
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("looking up transfer state: %w", err)
	}

	ts := pebble.TransferState{
		TransferID:     req.TransferID,
		FilePath:       destPath,
		FileSize:       req.FileSize,
		TotalChunks:    req.TotalChunks,
		ReceivedChunks: resumeFrom,
		UpdatedAt:      time.Now().Unix(),
	}
	if err := s.db.PutTransferState(ts); err != nil {
		return fmt.Errorf("persisting initial transfer state: %w", err)
	}

	if err := WriteMessage(conn, Message{Type: TypeTransferAccept, TransferID: req.TransferID, ResumeFromChunk: resumeFrom}); err != nil {
		return err
	}

	f, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening destination %s: %w", destPath, err)
	}
	defer f.Close()

	progress := s.progressChan()
	start := time.Now()
	bytesReceived := resumeFrom * pebble.ChunkSize

	for ts.ReceivedChunks < ts.TotalChunks {
		msg, err := ReadMessage(conn)
		if err != nil {
			return fmt.Errorf("reading chunk: %w", err)
		}
		if msg.Type == TypeError {
			return fmt.Errorf("peer reported error: %s", msg.Reason)
		}
		if msg.Type != TypeChunkData {
			return fmt.Errorf("expected ChunkData, got %s", msg.Type)
		}
		if msg.ChunkIndex != ts.ReceivedChunks {
			return fmt.Errorf("out-of-order chunk: expected %d, got %d", ts.ReceivedChunks, msg.ChunkIndex)
		}
		if hash.ChunkHash(msg.Data) != msg.ChunkHash {
			return fmt.Errorf("chunk %d failed integrity check", msg.ChunkIndex)
		}
		if _, err := f.WriteAt(msg.Data, msg.ChunkIndex*pebble.ChunkSize); err != nil {
			return fmt.Errorf("writing chunk %d: %w", msg.ChunkIndex, err)
		}
		if err := f.Sync(); err != nil {
			return fmt.Errorf("syncing chunk %d: %w", msg.ChunkIndex, err)
		}

		ts.ReceivedChunks = msg.ChunkIndex + 1
		ts.UpdatedAt = time.Now().Unix()
		if err := s.db.PutTransferState(ts); err != nil {
			return fmt.Errorf("persisting transfer state after chunk %d: %w", msg.ChunkIndex, err)
		}

		if err := WriteMessage(conn, Message{Type: TypeChunkAck, TransferID: ts.TransferID, ChunkIndex: msg.ChunkIndex}); err != nil {
			return err
		}

		bytesReceived += int64(len(msg.Data))
		emitProgress(progress, buildProgress(ts.TransferID, destPath, ts.ReceivedChunks, ts.TotalChunks, bytesReceived, ts.FileSize, start, false))
	}

	complete, err := ReadMessage(conn)
	if err != nil {
		return fmt.Errorf("reading TransferComplete: %w", err)
	}
	if complete.Type != TypeTransferComplete {
		return fmt.Errorf("expected TransferComplete, got %s", complete.Type)
	}

	if err := s.db.UpdateMetadata(destPath, time.Now().Unix(), req.FileHash, pebble.StatusSynced); err != nil {
		glog.Warningf("transfer: updating metadata for %s: %s", destPath, err)
	}
	emitProgress(progress, buildProgress(ts.TransferID, destPath, ts.ReceivedChunks, ts.TotalChunks, bytesReceived, ts.FileSize, start, true))
	glog.Infof("transfer: completed receiving %s (%d chunks)", destPath, ts.TotalChunks)
	return nil
}

func errorMsg(transferID, reason string) Message {
	return Message{Type: TypeError, TransferID: transferID, Reason: reason}
}

// resolveReceivePath confines an incoming file_path to root: absolute
// paths and ".." components are rejected outright, and the resolved
// path is checked to still live under root after joining.
func resolveReceivePath(root, filePath string) (string, error) {
	if filepath.IsAbs(filePath) {
		return "", ErrPathEscapesReceiveRoot
	}
	clean := filepath.Clean(filePath)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", ErrPathEscapesReceiveRoot
	}
	joined := filepath.Join(root, clean)
	if joined != root && !strings.HasPrefix(joined, root+string(filepath.Separator)) {
		return "", ErrPathEscapesReceiveRoot
	}
	if err := os.MkdirAll(filepath.Dir(joined), 0o755); err != nil {
		return "", fmt.Errorf("creating destination directory: %w", err)
	}
	return joined, nil
}
