// Package pebble defines the shared data model and process-wide
// constants for a Pebble agent: a peer-to-peer LAN file synchronization
// daemon. The subpackages under internal/ implement the hasher,
// metadata store, filesystem watcher, identity, discovery and transfer
// components; this package holds the types they all share. The
// orchestrator's public API lives in internal/orchestrator.
package pebble

import (
	"fmt"
	"os"
	"path"
	"runtime"
	"time"
)

// Protocol-wide constants.
const (
	// DiscoveryPort is the UDP port devices broadcast and listen for
	// beacons on. If it is already in use, callers fall back to TestPort.
	DiscoveryPort = 37845
	// TestPort is used when DiscoveryPort is unavailable, e.g. because
	// two agents are running on the same host during development.
	TestPort = 40000
	// TransferPort is the TCP port the transfer server listens on.
	TransferPort = 37846

	// BeaconInterval is how often a running discovery service broadcasts
	// its own presence.
	BeaconInterval = 5 * time.Second
	// DeviceTimeout is how long a peer may go unheard from before it is
	// dropped from the liveness table.
	DeviceTimeout = 15 * time.Second
	// BeaconReplayWindow bounds how stale a beacon's timestamp may be
	// before it is rejected as a replay.
	BeaconReplayWindow = 30 * time.Second

	// ChunkSize is the size of a transfer chunk, in bytes.
	ChunkSize = 1 << 20 // 1 MiB

	// MaxTransferRate is the default transfer rate cap in bytes/sec.
	// Zero means unlimited.
	MaxTransferRate = 0
)

// SyncStatus describes where a file stands relative to the rest of the
// mesh, from the local agent's point of view.
type SyncStatus string

// Valid SyncStatus values.
const (
	StatusPending SyncStatus = "pending"
	StatusSynced  SyncStatus = "synced"
	StatusFailed  SyncStatus = "failed"
	StatusDeleted SyncStatus = "deleted"
)

// SentinelInitialScan is stored in place of a real content hash for a
// FileRecord created by the startup directory scan, before the hasher
// has had a chance to run over it.
const SentinelInitialScan = "initial_scan"

// FileRecord is the metadata store's record of one file under the
// watched directory tree, keyed by its absolute path.
type FileRecord struct {
	Path         string     `json:"path"`
	LastModified int64      `json:"last_modified"` // seconds since Unix epoch
	FileHash     string     `json:"file_hash"`      // BLAKE3-512 hex, or SentinelInitialScan
	SyncStatus   SyncStatus `json:"sync_status"`
}

func (f FileRecord) String() string {
	return fmt.Sprintf("%s (%s, %s)", f.Path, f.FileHash, f.SyncStatus)
}

// TransferState is the metadata store's record of an in-flight or
// completed chunked file transfer, keyed by TransferID. It is the sole
// source of truth used to resume an interrupted transfer: ReceivedChunks
// is a monotonically non-decreasing count of contiguous chunks durably
// written to disk starting at offset 0, never a sparse bitmap, so a
// crash always leaves it as a safe lower bound for resume.
//
// FilePath, FileSize and TotalChunks are zero until the server has
// processed the transfer's first TransferRequest. The transfer server
// does not fill in PeerDeviceID; it stays empty.
type TransferState struct {
	TransferID     string `json:"transfer_id"`
	FilePath       string `json:"file_path"`
	FileSize       int64  `json:"file_size"`
	TotalChunks    int64  `json:"total_chunks"`
	ReceivedChunks int64  `json:"received_chunks"`
	PeerDeviceID   string `json:"peer_device_id"`
	UpdatedAt      int64  `json:"updated_at"` // seconds since Unix epoch
}

// Complete reports whether every chunk has been received.
func (t TransferState) Complete() bool {
	return t.TotalChunks > 0 && t.ReceivedChunks >= t.TotalChunks
}

// Orphaned reports whether this row has neither a FilePath nor a
// TotalChunks, the shape cmd/pebbleutil's gc subcommand looks for.
func (t TransferState) Orphaned() bool {
	return t.FilePath == "" && t.TotalChunks == 0
}

// ProtocolVersion is the BeaconMessage's semantic version field. Peers
// do not currently reject mismatched versions, but carry the field so a
// future revision can.
const ProtocolVersion = "1.0.0"

// BeaconMessage is the signed payload broadcast by a running discovery
// service to announce its presence; peers expire via DeviceTimeout
// rather than via an explicit shutdown beacon.
type BeaconMessage struct {
	DeviceID        string `json:"device_id"`
	DeviceName      string `json:"device_name"`
	Timestamp       int64  `json:"timestamp"` // seconds since Unix epoch, sender clock
	ProtocolVersion string `json:"protocol_version"`
	Signature       string `json:"signature"` // hex HMAC-SHA256
}

// DiscoveredDevice is one entry of the discovery service's peer
// liveness table, keyed by DeviceID.
type DiscoveredDevice struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	IPAddress  string `json:"ip_address"`
	LastSeen   int64  `json:"last_seen"` // sender timestamp, accepted at receipt
	IsOnline   bool   `json:"is_online"`
}

// Expired reports whether the device should be considered offline as
// of now, given DeviceTimeout.
func (d DiscoveredDevice) Expired(now time.Time) bool {
	return now.Unix()-d.LastSeen > int64(DeviceTimeout.Seconds())
}

// TlsCertificate describes the local agent's self-signed identity: its
// DER-encoded certificate and private key, plus the SHA-256
// fingerprint peers pin against.
type TlsCertificate struct {
	CertDER     []byte `json:"cert_der"`
	KeyDER      []byte `json:"key_der"`
	Fingerprint string `json:"fingerprint"`
}

// TransferProgress is delivered over a best-effort, lossy channel as a
// transfer proceeds, emitted by both the sending and the receiving
// side; an event is dropped whenever the channel is full, the final
// one included (see internal/transfer). TransferRateMbps is
// averaged from start-of-session wall time, not instantaneous.
type TransferProgress struct {
	TransferID       string  `json:"transfer_id"`
	FilePath         string  `json:"file_path"`
	CompletedChunks  int     `json:"completed_chunks"`
	TotalChunks      int     `json:"total_chunks"`
	BytesTransferred int64   `json:"bytes_transferred"`
	TotalBytes       int64   `json:"total_bytes"`
	ProgressPercent  float64 `json:"progress_percent"`
	TransferRateMbps float64 `json:"transfer_rate_mbps"`
	Done             bool    `json:"done"`
	Err              error   `json:"-"`
}

// ConfigDir identifies the correct path to store persistent
// configuration and state (the config file, the local identity
// certificate) on various operating systems. The metadata database is
// not kept here; see store.DefaultPath.
func ConfigDir() string {
	dir := "."
	switch runtime.GOOS {
	case "darwin":
		dir = path.Join(os.Getenv("HOME"), "Library", "Application Support", "pebble")
	case "linux", "freebsd":
		dir = path.Join(os.Getenv("HOME"), ".pebble")
	default:
		fmt.Printf("TODO: osUserConfigDir on GOOS %q", runtime.GOOS)
	}
	return dir
}
