package heartbeat

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"confluence-trader/internal/config"
)

func TestPublishAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "heartbeat.json")
	p := NewPublisher(config.HeartbeatConfig{Path: path, Interval: time.Second}, nil)

	p.SetStep("scan")
	p.SetCycle(7)
	p.SetState("ACTIVE", "")

	if err := p.Publish(); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}

	snap, err := Read(path)
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if snap.Step != "scan" || snap.Cycle != 7 || snap.State != "ACTIVE" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.PID != os.Getpid() {
		t.Fatalf("expected pid %d, got %d", os.Getpid(), snap.PID)
	}
	if time.Since(snap.UpdatedAt) > time.Minute {
		t.Fatalf("stale updated_at: %s", snap.UpdatedAt)
	}
}

func TestReadRejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heartbeat.json")
	if err := os.WriteFile(path, []byte(`{"version":99,"step":"scan"}`), 0o644); err != nil {
		t.Fatalf("WriteFile returned error: %v", err)
	}
	if _, err := Read(path); err == nil {
		t.Fatalf("expected version mismatch error")
	}
}

func TestReadMissingFile(t *testing.T) {
	if _, err := Read(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
