package discovery

import (
	"testing"
	"time"

	"github.com/pebblesync/pebble"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	msg, err := sign("device-1", "laptop", time.Now().Unix(), "shared-secret")
	if err != nil {
		t.Fatalf("sign(): %s", err)
	}
	if !verify(msg, "shared-secret") {
		t.Error("expected freshly signed beacon to verify")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	msg, err := sign("device-1", "laptop", time.Now().Unix(), "shared-secret")
	if err != nil {
		t.Fatal(err)
	}
	if verify(msg, "wrong-secret") {
		t.Error("expected beacon signed with a different key to fail verification")
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	msg, err := sign("device-1", "laptop", time.Now().Unix(), "shared-secret")
	if err != nil {
		t.Fatal(err)
	}
	msg.DeviceName = "attacker"
	if verify(msg, "shared-secret") {
		t.Error("expected tampered beacon to fail verification")
	}
}

func TestVerifyRejectsReplay(t *testing.T) {
	stale := time.Now().Add(-pebble.BeaconReplayWindow - time.Second).Unix()
	msg, err := sign("device-1", "laptop", stale, "shared-secret")
	if err != nil {
		t.Fatal(err)
	}
	if verify(msg, "shared-secret") {
		t.Error("expected stale beacon to be rejected as a replay")
	}
}

func TestSignRejectsEmptyKey(t *testing.T) {
	if _, err := sign("device-1", "laptop", time.Now().Unix(), ""); err == nil {
		t.Error("expected sign() to reject an empty pre-shared key")
	}
}

func TestReapRemovesExpiredPeers(t *testing.T) {
	s := New("laptop", "shared-secret")
	now := time.Now()
	s.devices["stale"] = pebble.DiscoveredDevice{DeviceID: "stale", LastSeen: now.Add(-pebble.DeviceTimeout - time.Second).Unix()}
	s.devices["fresh"] = pebble.DiscoveredDevice{DeviceID: "fresh", LastSeen: now.Unix()}

	s.reap()

	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].DeviceID != "fresh" {
		t.Errorf("Snapshot() after reap = %+v, want only %q", snap, "fresh")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	s := New("laptop", "shared-secret")
	if _, err := s.Start(); err != nil {
		t.Fatalf("Start(): %s", err)
	}
	if _, err := s.Start(); err != ErrAlreadyRunning {
		t.Errorf("second Start() err = %v, want ErrAlreadyRunning", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop(): %s", err)
	}
	if err := s.Stop(); err != ErrNotRunning {
		t.Errorf("second Stop() err = %v, want ErrNotRunning", err)
	}
}
