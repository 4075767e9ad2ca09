package memory

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/fruitsalade/appfs/internal/events"
	"github.com/fruitsalade/appfs/internal/storage/storagetest"
	"github.com/fruitsalade/appfs/pkg/models"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storagetest.Harness {
		bus := events.NewBus()
		return storagetest.Harness{Backend: New("memory-fs", bus), Bus: bus}
	})
}

func TestClockStampsTimes(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	b := New("fs", nil, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	root, err := b.CreateRootNodeIfNotExists(ctx, "root", "")
	if err != nil {
		t.Fatalf("CreateRootNodeIfNotExists: %v", err)
	}
	n, err := b.CreateNode(ctx, root.ID, "n", "", models.NodeAttributes{Version: 3})
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	if !n.CreationTime.Equal(now) || !n.ModificationTime.Equal(now) {
		t.Errorf("expected clock time, got %v / %v", n.CreationTime, n.ModificationTime)
	}
	if n.Version != 3 {
		t.Errorf("expected version 3, got %d", n.Version)
	}

	now = now.Add(time.Hour)
	if err := b.SetStringMetadata(ctx, n.ID, "k", "v"); err != nil {
		t.Fatalf("SetStringMetadata: %v", err)
	}
	info, _ := b.GetNodeInfo(ctx, n.ID)
	if !info.ModificationTime.Equal(now) {
		t.Errorf("expected metadata update to bump modification time, got %v", info.ModificationTime)
	}
	if !info.CreationTime.Before(info.ModificationTime) {
		t.Error("expected creation time to stay unchanged")
	}
}

func TestReturnedNodesAreCopies(t *testing.T) {
	b := New("fs", nil)
	ctx := context.Background()
	root, _ := b.CreateRootNodeIfNotExists(ctx, "root", "")
	n, _ := b.CreateNode(ctx, root.ID, "n", "", models.NodeAttributes{})

	md, _ := b.GetMetadata(ctx, n.ID)
	md.SetString("leak", "yes")

	again, _ := b.GetMetadata(ctx, n.ID)
	if _, ok := again.Strings["leak"]; ok {
		t.Error("mutation of returned metadata leaked into the backend")
	}
}

func TestScanNodesIncludesEveryNode(t *testing.T) {
	b := New("fs", nil)
	ctx := context.Background()
	root, _ := b.CreateRootNodeIfNotExists(ctx, "root", "")
	a, _ := b.CreateNode(ctx, root.ID, "a", "", models.NodeAttributes{})
	b.CreateNode(ctx, a.ID, "b", "", models.NodeAttributes{})

	seen := 0
	if err := b.ScanNodes(ctx, func(models.Node) error { seen++; return nil }); err != nil {
		t.Fatalf("ScanNodes: %v", err)
	}
	if seen != 3 {
		t.Errorf("expected 3 nodes, got %d", seen)
	}
}

func TestBlobsIgnoreNodeExistence(t *testing.T) {
	b := New("fs", nil)
	ctx := context.Background()
	blobs := b.Blobs()

	if err := blobs.WriteBlob(ctx, "foreign-id", "data", strings.NewReader("x")); err != nil {
		t.Fatalf("WriteBlob: %v", err)
	}
	names, err := blobs.DataNames(ctx, "foreign-id")
	if err != nil || len(names) != 1 {
		t.Errorf("expected one blob, got %v err=%v", names, err)
	}
	if _, err := b.DataNames(ctx, "foreign-id"); err == nil {
		t.Error("expected backend to reject unknown node")
	}
}
