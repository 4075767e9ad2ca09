package kv

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fruitsalade/appfs/internal/events"
	"github.com/fruitsalade/appfs/internal/storage"
	"github.com/fruitsalade/appfs/internal/storage/storagetest"
	"github.com/fruitsalade/appfs/pkg/models"
)

func newTestBackend(t *testing.T, pub events.Publisher) (*Backend, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, "kv-fs", pub), s
}

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storagetest.Harness {
		bus := events.NewBus()
		b, _ := newTestBackend(t, bus)
		return storagetest.Harness{Backend: b, Bus: bus}
	})
}

func TestMetadataSurvivesCreation(t *testing.T) {
	b, _ := newTestBackend(t, nil)
	ctx := context.Background()
	root, err := b.CreateRootNodeIfNotExists(ctx, "root", "")
	if err != nil {
		t.Fatalf("CreateRootNodeIfNotExists: %v", err)
	}

	md := models.NewNodeGenericMetadata()
	md.SetString("owner", "ops")
	md.SetInt("size", 7)
	md.SetDouble("ratio", 0.25)
	md.SetBool("hidden", false)
	n, err := b.CreateNode(ctx, root.ID, "n", "case", models.NodeAttributes{Version: 2, Metadata: md})
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}

	got, err := b.GetNodeInfo(ctx, n.ID)
	if err != nil {
		t.Fatalf("GetNodeInfo: %v", err)
	}
	if got.Version != 2 || got.PseudoClass != "case" {
		t.Errorf("unexpected node %+v", got)
	}
	gm := got.GenericMetadata
	if gm.Strings["owner"] != "ops" || gm.Ints["size"] != 7 || gm.Doubles["ratio"] != 0.25 {
		t.Errorf("unexpected metadata %+v", gm)
	}
	if v, ok := gm.Bools["hidden"]; !ok || v {
		t.Errorf("expected hidden=false to be stored, got %v %v", v, ok)
	}
}

func TestChildReferencesExposeDanglingEntries(t *testing.T) {
	b, s := newTestBackend(t, nil)
	ctx := context.Background()
	root, _ := b.CreateRootNodeIfNotExists(ctx, "root", "")
	a, _ := b.CreateNode(ctx, root.ID, "a", "", models.NodeAttributes{})
	gone, _ := b.CreateNode(ctx, root.ID, "gone", "", models.NodeAttributes{})

	s.Del(b.keys.node(gone.ID))

	children, err := b.GetChildNodes(ctx, root.ID)
	if err != nil {
		t.Fatalf("GetChildNodes: %v", err)
	}
	if len(children) != 1 || children[0].ID != a.ID {
		t.Errorf("expected only a, got %+v", children)
	}

	refs, err := b.ChildReferences(ctx, root.ID)
	if err != nil {
		t.Fatalf("ChildReferences: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("expected 2 references, got %+v", refs)
	}

	if err := b.RemoveChildReference(ctx, root.ID, gone.ID); err != nil {
		t.Fatalf("RemoveChildReference: %v", err)
	}
	refs, _ = b.ChildReferences(ctx, root.ID)
	if len(refs) != 1 || refs[0].ID != a.ID {
		t.Errorf("expected only a after removal, got %+v", refs)
	}
	if err := b.RemoveChildReference(ctx, root.ID, gone.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound on second removal, got %v", err)
	}
}

func TestFileSystemsAreIsolated(t *testing.T) {
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	one := New(rdb, "one", nil)
	two := New(rdb, "two", nil)
	if _, err := one.CreateRootNodeIfNotExists(ctx, "root", ""); err != nil {
		t.Fatalf("CreateRootNodeIfNotExists: %v", err)
	}
	if _, err := two.GetRootNode(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected second file system to be empty, got %v", err)
	}
}

func TestNewFromConfigRequiresAddr(t *testing.T) {
	_, err := NewFromConfig(context.Background(), Config{}, "fs", nil)
	if !errors.Is(err, storage.ErrConfigurationMissing) {
		t.Errorf("expected ErrConfigurationMissing, got %v", err)
	}
}

func TestScanNodes(t *testing.T) {
	b, _ := newTestBackend(t, nil)
	ctx := context.Background()
	root, _ := b.CreateRootNodeIfNotExists(ctx, "root", "")
	a, _ := b.CreateNode(ctx, root.ID, "a", "", models.NodeAttributes{})
	b.CreateNode(ctx, a.ID, "b", "", models.NodeAttributes{})

	seen := map[string]bool{}
	err := b.ScanNodes(ctx, func(n models.Node) error {
		seen[n.Name] = true
		return nil
	})
	if err != nil {
		t.Fatalf("ScanNodes: %v", err)
	}
	if len(seen) != 3 || !seen["root"] || !seen["a"] || !seen["b"] {
		t.Errorf("unexpected scan result %v", seen)
	}
}
