// pebbled runs a Pebble agent: it watches a directory, announces
// itself to peers on the LAN, accepts inbound transfers, and pushes
// locally pending files out to every peer it currently knows about.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/pebblesync/pebble"
	"github.com/pebblesync/pebble/config"
	"github.com/pebblesync/pebble/internal/orchestrator"
)

var (
	configPath = flag.String("config", config.DefaultPath(), "pebble config file")
	// numPushers bounds how many peers are pushed to concurrently; set
	// too high it just contends for the same upstream bandwidth.
	numPushers = flag.Int("numPushers", 3, "the number of goroutines pushing pending files to peers in parallel")
	pushPeriod = flag.Duration("pushPeriod", 10*time.Second, "how often to scan for pending files and push them to known peers")
)

func main() {
	flag.Parse()

	cfg, err := config.Read(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not read config: %s\n", err)
		glog.Flush()
		os.Exit(1)
	}

	deviceID := uuid.New().String()
	if _, err := orchestrator.InitTLSCertificate(cfg.CertDir, deviceID, cfg.DeviceName); err != nil {
		fmt.Fprintf(os.Stderr, "could not initialize identity: %s\n", err)
		glog.Flush()
		os.Exit(1)
	}
	if _, err := orchestrator.InitApp(""); err != nil {
		fmt.Fprintf(os.Stderr, "could not initialize metadata store: %s\n", err)
		glog.Flush()
		os.Exit(1)
	}
	if _, err := orchestrator.StartFileWatcher(cfg.WatchPath); err != nil {
		fmt.Fprintf(os.Stderr, "could not start file watcher: %s\n", err)
		glog.Flush()
		os.Exit(1)
	}
	if _, err := orchestrator.StartDeviceDiscovery(cfg.DeviceName, cfg.PreSharedKey); err != nil {
		fmt.Fprintf(os.Stderr, "could not start device discovery: %s\n", err)
		glog.Flush()
		os.Exit(1)
	}
	transferAddr := fmt.Sprintf(":%d", pebble.TransferPort)
	if _, err := orchestrator.StartTransferServer(transferAddr, cfg.WatchPath); err != nil {
		fmt.Fprintf(os.Stderr, "could not start transfer server: %s\n", err)
		glog.Flush()
		os.Exit(1)
	}
	glog.Infof("pebbled: running as %q, watching %s", cfg.DeviceName, cfg.WatchPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(*pushPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-sigCh:
			glog.Infof("pebbled: shutting down")
			orchestrator.StopDeviceDiscovery()
			orchestrator.StopFileWatcher()
			orchestrator.StopTransferServer()
			glog.Flush()
			return
		case <-ticker.C:
			pushPending(cfg.WatchPath)
		}
	}
}

// pushRequest is one (peer, file) pair handed to a pushPending worker.
type pushRequest struct {
	addr     string
	filePath string
}

// pushPending lists the locally pending files and every known peer,
// and pushes each file to each peer across a small pool of worker
// goroutines so one slow peer can't stall the others.
func pushPending(watchRoot string) {
	pendingJSON, err := orchestrator.ListPending()
	if err != nil {
		glog.Warningf("pebbled: listing pending files: %s", err)
		return
	}
	var pending []string
	if err := json.Unmarshal([]byte(pendingJSON), &pending); err != nil {
		glog.Warningf("pebbled: decoding pending list: %s", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	devicesJSON, err := orchestrator.ListDiscoveredDevices()
	if err != nil {
		glog.Warningf("pebbled: listing discovered devices: %s", err)
		return
	}
	var devices []pebble.DiscoveredDevice
	if err := json.Unmarshal([]byte(devicesJSON), &devices); err != nil {
		glog.Warningf("pebbled: decoding device list: %s", err)
		return
	}
	if len(devices) == 0 {
		return
	}

	reqs := make(chan pushRequest)
	done := make(chan struct{})
	for w := 0; w < *numPushers; w++ {
		go func() {
			for r := range reqs {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if _, err := orchestrator.SendFile(ctx, r.addr, watchRoot, r.filePath, ""); err != nil {
					glog.Warningf("pebbled: pushing %s to %s: %s", r.filePath, r.addr, err)
				} else {
					orchestrator.UpdateFileStatus(r.filePath, string(pebble.StatusSynced))
				}
				cancel()
			}
			done <- struct{}{}
		}()
	}
	for _, path := range pending {
		for _, dev := range devices {
			reqs <- pushRequest{addr: fmt.Sprintf("%s:%d", dev.IPAddress, pebble.TransferPort), filePath: path}
		}
	}
	close(reqs)
	for w := 0; w < *numPushers; w++ {
		<-done
	}
}
