package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/pebblesync/pebble"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "pebble.db"))
	if err != nil {
		t.Fatalf("Open(): %s", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndGet(t *testing.T) {
	s := openTest(t)
	rec := pebble.FileRecord{
		Path:         "/watch/a.txt",
		LastModified: 100,
		FileHash:     "deadbeef",
		SyncStatus:   pebble.StatusPending,
	}
	if err := s.Upsert(rec); err != nil {
		t.Fatalf("Upsert(): %s", err)
	}
	got, err := s.Get(rec.Path)
	if err != nil {
		t.Fatalf("Get(): %s", err)
	}
	if got != rec {
		t.Errorf("Get() = %+v, want %+v", got, rec)
	}
}

func TestGetNotFound(t *testing.T) {
	s := openTest(t)
	if _, err := s.Get("/nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) err = %v, want ErrNotFound", err)
	}
}

func TestUpdateSyncStatusMissingPath(t *testing.T) {
	s := openTest(t)
	if err := s.UpdateSyncStatus("/nope", pebble.StatusSynced); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateSyncStatus(missing) err = %v, want ErrNotFound", err)
	}
}

func TestUpdateSyncStatus(t *testing.T) {
	s := openTest(t)
	rec := pebble.FileRecord{Path: "/a", SyncStatus: pebble.StatusPending}
	if err := s.Upsert(rec); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateSyncStatus("/a", pebble.StatusSynced); err != nil {
		t.Fatalf("UpdateSyncStatus(): %s", err)
	}
	got, err := s.Get("/a")
	if err != nil {
		t.Fatal(err)
	}
	if got.SyncStatus != pebble.StatusSynced {
		t.Errorf("SyncStatus = %s, want %s", got.SyncStatus, pebble.StatusSynced)
	}
}

func TestListPending(t *testing.T) {
	s := openTest(t)
	recs := []pebble.FileRecord{
		{Path: "/a", SyncStatus: pebble.StatusPending},
		{Path: "/b", SyncStatus: pebble.StatusSynced},
		{Path: "/c", SyncStatus: pebble.StatusPending},
	}
	for _, r := range recs {
		if err := s.Upsert(r); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.ListPending()
	if err != nil {
		t.Fatalf("ListPending(): %s", err)
	}
	if len(got) != 2 {
		t.Errorf("ListPending() returned %d paths, want 2", len(got))
	}
}

func TestScan(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "one.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "two.txt"), []byte("bye"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := openTest(t)
	if err := s.Scan(dir); err != nil {
		t.Fatalf("Scan(): %s", err)
	}
	all, err := s.ListAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("ListAll() returned %d records, want 2", len(all))
	}
	for _, rec := range all {
		if rec.FileHash != pebble.SentinelInitialScan {
			t.Errorf("record %s FileHash = %s, want sentinel", rec.Path, rec.FileHash)
		}
		if rec.SyncStatus != pebble.StatusSynced {
			t.Errorf("record %s SyncStatus = %s, want Synced", rec.Path, rec.SyncStatus)
		}
	}
}

func TestTransferStateRoundTrip(t *testing.T) {
	s := openTest(t)
	ts := pebble.TransferState{TransferID: "t1", FilePath: "/a", TotalChunks: 4, ReceivedChunks: 2}
	if err := s.PutTransferState(ts); err != nil {
		t.Fatalf("PutTransferState(): %s", err)
	}
	got, err := s.GetTransferState("t1")
	if err != nil {
		t.Fatalf("GetTransferState(): %s", err)
	}
	if got != ts {
		t.Errorf("GetTransferState() = %+v, want %+v", got, ts)
	}
}

func TestGetTransferStateNotFound(t *testing.T) {
	s := openTest(t)
	if _, err := s.GetTransferState("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTransferState(missing) err = %v, want ErrNotFound", err)
	}
}

func TestListOrphanedTransfers(t *testing.T) {
	s := openTest(t)
	states := []pebble.TransferState{
		{TransferID: "orphan1"},
		{TransferID: "complete1", FilePath: "/a", TotalChunks: 2, ReceivedChunks: 2},
		{TransferID: "orphan2"},
	}
	for _, ts := range states {
		if err := s.PutTransferState(ts); err != nil {
			t.Fatal(err)
		}
	}
	orphans, err := s.ListOrphanedTransfers()
	if err != nil {
		t.Fatalf("ListOrphanedTransfers(): %s", err)
	}
	if len(orphans) != 2 {
		t.Errorf("ListOrphanedTransfers() returned %d, want 2", len(orphans))
	}
}

func TestDeleteTransferState(t *testing.T) {
	s := openTest(t)
	if err := s.PutTransferState(pebble.TransferState{TransferID: "t1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteTransferState("t1"); err != nil {
		t.Fatalf("DeleteTransferState(): %s", err)
	}
	if _, err := s.GetTransferState("t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTransferState(deleted) err = %v, want ErrNotFound", err)
	}
}
