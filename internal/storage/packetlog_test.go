package storage_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/aminovpavel/meshlink/internal/observability"
	"github.com/aminovpavel/meshlink/internal/storage"
)

func TestPacketLogRecordsFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log", "packets.db")
	base := time.Unix(1_700_000_000, 250_000_000)
	tick := 0
	log, err := storage.NewPacketLog(storage.SQLiteConfig{Path: path},
		storage.WithLogger(observability.NoOpLogger()),
		storage.WithNow(func() time.Time {
			tick++
			return base.Add(time.Duration(tick) * time.Second)
		}),
	)
	if err != nil {
		t.Fatalf("new packet log: %v", err)
	}
	if err := log.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	log.Record("MyNodeInfo", "my_node_num: 10")
	log.Record("NodeInfo", "num: 20")
	log.Record("ConfigCompleteId", "")

	var entries []storage.Entry
	deadline := time.Now().Add(2 * time.Second)
	for len(entries) < 3 && time.Now().Before(deadline) {
		entries, err = log.Recent(context.Background(), 10)
		if err != nil {
			t.Fatalf("recent: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Kind != "ConfigCompleteId" || entries[0].Text != "" {
		t.Fatalf("unexpected newest entry %+v", entries[0])
	}
	if entries[2].Kind != "MyNodeInfo" || entries[2].Text != "my_node_num: 10" {
		t.Fatalf("unexpected oldest entry %+v", entries[2])
	}
	if !entries[2].ReceivedAt.Equal(base.Add(time.Second)) {
		t.Fatalf("received_at = %v, want %v", entries[2].ReceivedAt, base.Add(time.Second))
	}
	if entries[0].UUID == "" || entries[0].UUID == entries[1].UUID {
		t.Fatalf("entries need distinct ids: %q %q", entries[0].UUID, entries[1].UUID)
	}

	if err := log.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	log.Record("NodeInfo", "after stop")

	reread, err := storage.ReadLog(context.Background(), path, 2)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if len(reread) != 2 || reread[0].Kind != "ConfigCompleteId" {
		t.Fatalf("unexpected reread %+v", reread)
	}
}

func TestPacketLogFlushesOnStop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "packets.db")
	log, err := storage.NewPacketLog(storage.SQLiteConfig{Path: path}, storage.WithLogger(observability.NoOpLogger()))
	if err != nil {
		t.Fatalf("new packet log: %v", err)
	}
	if err := log.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 20; i++ {
		log.Record("MeshPacket", "from: 20")
	}
	if err := log.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	entries, err := storage.ReadLog(context.Background(), path, 100)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if len(entries) != 20 {
		t.Fatalf("expected 20 entries after stop, got %d", len(entries))
	}
}

func TestPacketLogDropsWhenQueueFull(t *testing.T) {
	path := filepath.Join(t.TempDir(), "packets.db")
	log, err := storage.NewPacketLog(storage.SQLiteConfig{Path: path, QueueSize: 2}, storage.WithLogger(observability.NoOpLogger()))
	if err != nil {
		t.Fatalf("new packet log: %v", err)
	}

	// Not started, so nothing drains the queue.
	for i := 0; i < 5; i++ {
		log.Record("MeshPacket", "")
	}
	if err := log.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := log.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	entries, err := storage.ReadLog(context.Background(), path, 100)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}

func TestNewPacketLogRequiresPath(t *testing.T) {
	if _, err := storage.NewPacketLog(storage.SQLiteConfig{}); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := storage.ReadLog(context.Background(), filepath.Join(t.TempDir(), "missing.db"), 1); err == nil {
		t.Fatalf("expected error for missing database")
	}
}
