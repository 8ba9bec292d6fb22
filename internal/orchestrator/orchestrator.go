// Package orchestrator wires together the metadata store, watcher,
// discovery service, transfer server and identity into the small set
// of operations a GUI or FFI caller would cross into: every exported
// function here takes plain strings in (SendFile also takes a
// context.Context), and returns (string, error) out, so it can sit
// directly behind a language binding without extra marshaling. cmd/pebbled and cmd/pebbleutil are the only callers
// within this module.
//
// Each of the watcher, discovery service and transfer server is a
// singleton: at most one may run at a time, held behind a
// package-level mutex so callers reach it by name (StartFileWatcher,
// StopFileWatcher, ...) rather than by holding a returned value.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/pebblesync/pebble"
	"github.com/pebblesync/pebble/internal/discovery"
	"github.com/pebblesync/pebble/internal/identity"
	"github.com/pebblesync/pebble/internal/store"
	"github.com/pebblesync/pebble/internal/transfer"
	"github.com/pebblesync/pebble/internal/watcher"
)

// ErrNotInitialized is returned by any operation that depends on a
// component InitApp or InitTLSCertificate has not yet set up.
var ErrNotInitialized = errors.New("orchestrator: not initialized")

var (
	mu sync.Mutex

	db   *store.Store
	cert *pebble.TlsCertificate

	watcherSvc   *watcher.Watcher
	discoverySvc *discovery.Service
	transferSrv  *transfer.Server
)

// InitApp opens (creating if necessary) the metadata store at dbPath
// and makes it available to every other operation in this package.
// Calling InitApp again replaces the previous store, closing it first.
func InitApp(dbPath string) (string, error) {
	mu.Lock()
	defer mu.Unlock()

	if dbPath == "" {
		dbPath = store.DefaultPath()
	}
	if db != nil {
		db.Close()
		db = nil
	}
	opened, err := store.Open(dbPath)
	if err != nil {
		return "", fmt.Errorf("orchestrator: opening store: %w", err)
	}
	db = opened
	glog.Infof("orchestrator: initialized store at %s", dbPath)
	return dbPath, nil
}

// StartFileWatcher records every file already under root in the
// metadata store (with pebble.SentinelInitialScan in place of a hash),
// then begins recursively watching root, hashing files as they are
// created or modified. InitApp must have been called first.
func StartFileWatcher(root string) (string, error) {
	mu.Lock()
	defer mu.Unlock()

	if db == nil {
		return "", ErrNotInitialized
	}
	if err := db.Scan(root); err != nil {
		return "", fmt.Errorf("orchestrator: initial scan of %s: %w", root, err)
	}
	if watcherSvc == nil {
		watcherSvc = watcher.New(db)
	}
	if err := watcherSvc.Start(root); err != nil {
		return "", fmt.Errorf("orchestrator: starting watcher: %w", err)
	}
	return root, nil
}

// StopFileWatcher stops the running watcher, if any. Stopping an
// already-stopped watcher is not an error.
func StopFileWatcher() (string, error) {
	mu.Lock()
	defer mu.Unlock()

	if watcherSvc == nil {
		return "stopped", nil
	}
	if err := watcherSvc.Stop(); err != nil {
		return "", fmt.Errorf("orchestrator: stopping watcher: %w", err)
	}
	return "stopped", nil
}

// ListPending returns a JSON array of the paths whose SyncStatus is
// currently Pending.
func ListPending() (string, error) {
	mu.Lock()
	defer mu.Unlock()

	if db == nil {
		return "", ErrNotInitialized
	}
	paths, err := db.ListPending()
	if err != nil {
		return "", fmt.Errorf("orchestrator: listing pending files: %w", err)
	}
	if paths == nil {
		paths = []string{}
	}
	out, err := json.Marshal(paths)
	if err != nil {
		return "", fmt.Errorf("orchestrator: encoding pending list: %w", err)
	}
	return string(out), nil
}

// UpdateFileStatus sets the sync status of an existing file record.
// status must be one of the pebble.SyncStatus values ("pending",
// "synced", "failed", "deleted").
func UpdateFileStatus(path, status string) (string, error) {
	mu.Lock()
	defer mu.Unlock()

	if db == nil {
		return "", ErrNotInitialized
	}
	s := pebble.SyncStatus(status)
	switch s {
	case pebble.StatusPending, pebble.StatusSynced, pebble.StatusFailed, pebble.StatusDeleted:
	default:
		return "", fmt.Errorf("orchestrator: unrecognized sync status %q", status)
	}
	if err := db.UpdateSyncStatus(path, s); err != nil {
		return "", fmt.Errorf("orchestrator: updating status of %s: %w", path, err)
	}
	return path, nil
}

// StartDeviceDiscovery starts broadcasting and listening for signed
// presence beacons under deviceName, authenticated with psk, and
// returns the freshly generated device id.
func StartDeviceDiscovery(deviceName, psk string) (string, error) {
	mu.Lock()
	defer mu.Unlock()

	if discoverySvc != nil {
		return "", discovery.ErrAlreadyRunning
	}
	svc := discovery.New(deviceName, psk)
	deviceID, err := svc.Start()
	if err != nil {
		return "", fmt.Errorf("orchestrator: starting discovery: %w", err)
	}
	discoverySvc = svc
	return deviceID, nil
}

// StopDeviceDiscovery stops the running discovery service, if any.
func StopDeviceDiscovery() (string, error) {
	mu.Lock()
	defer mu.Unlock()

	if discoverySvc == nil {
		return "stopped", nil
	}
	err := discoverySvc.Stop()
	discoverySvc = nil
	if err != nil && !errors.Is(err, discovery.ErrNotRunning) {
		return "", fmt.Errorf("orchestrator: stopping discovery: %w", err)
	}
	return "stopped", nil
}

// ListDiscoveredDevices returns a JSON array of the peers currently
// believed to be online.
func ListDiscoveredDevices() (string, error) {
	mu.Lock()
	defer mu.Unlock()

	if discoverySvc == nil {
		return "[]", nil
	}
	devices := discoverySvc.Snapshot()
	out, err := json.Marshal(devices)
	if err != nil {
		return "", fmt.Errorf("orchestrator: encoding device list: %w", err)
	}
	return string(out), nil
}

// InitTLSCertificate loads or generates the local device's identity
// certificate under certDir and returns its fingerprint.
func InitTLSCertificate(certDir, deviceID, deviceName string) (string, error) {
	mu.Lock()
	defer mu.Unlock()

	c, err := identity.GetOrCreate(certDir, deviceID, deviceName)
	if err != nil {
		return "", fmt.Errorf("orchestrator: initializing certificate: %w", err)
	}
	cert = c
	return c.Fingerprint, nil
}

// StartTransferServer begins accepting inbound transfers on addr,
// writing received files under receiveRoot. InitTLSCertificate and
// InitApp must both have been called first.
func StartTransferServer(addr, receiveRoot string) (string, error) {
	mu.Lock()
	defer mu.Unlock()

	if db == nil || cert == nil {
		return "", ErrNotInitialized
	}
	tlsCfg, err := identity.ServerConfig(cert)
	if err != nil {
		return "", fmt.Errorf("orchestrator: building server tls config: %w", err)
	}
	srv := transfer.NewServer(db, receiveRoot, tlsCfg)
	if err := srv.Start(addr); err != nil {
		return "", fmt.Errorf("orchestrator: starting transfer server: %w", err)
	}
	transferSrv = srv
	return srv.Addr(), nil
}

// StopTransferServer stops the running transfer server, if any.
func StopTransferServer() (string, error) {
	mu.Lock()
	defer mu.Unlock()

	if transferSrv == nil {
		return "stopped", nil
	}
	err := transferSrv.Stop()
	transferSrv = nil
	if err != nil {
		return "", fmt.Errorf("orchestrator: stopping transfer server: %w", err)
	}
	return "stopped", nil
}

// SendFile sends localPath (which must live under watchRoot) to the
// peer at addr. trustedFingerprint pins the expected peer certificate;
// an empty string falls back to trust-on-first-use.
func SendFile(ctx context.Context, addr, watchRoot, localPath, trustedFingerprint string) (string, error) {
	var fp *string
	if trustedFingerprint != "" {
		fp = &trustedFingerprint
	}
	client := transfer.NewClient()
	if err := client.SendFile(ctx, addr, watchRoot, localPath, fp, nil); err != nil {
		return "", fmt.Errorf("orchestrator: sending %s to %s: %w", localPath, addr, err)
	}
	return localPath, nil
}
