package check

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fruitsalade/appfs/internal/storage"
	"github.com/fruitsalade/appfs/internal/storage/kv"
	"github.com/fruitsalade/appfs/internal/storage/memory"
	"github.com/fruitsalade/appfs/pkg/models"
)

var created = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newMemory() *memory.Backend {
	return memory.New("fs", nil, memory.WithClock(func() time.Time { return created }))
}

func expirationOptions(repair bool) models.FileSystemCheckOptions {
	b := models.NewCheckOptionsBuilder().SetInconsistentNodesExpirationTime(created.Add(time.Hour))
	if repair {
		b.Repair()
	}
	return b.Build()
}

func TestExpiredInconsistentDryRun(t *testing.T) {
	ctx := context.Background()
	b := newMemory()
	root, _ := b.CreateRootNodeIfNotExists(ctx, "root", "")
	stale, _ := b.CreateNode(ctx, root.ID, "stale", "case", models.NodeAttributes{})
	done, _ := b.CreateNode(ctx, root.ID, "done", "case", models.NodeAttributes{})
	if err := b.SetConsistent(ctx, done.ID); err != nil {
		t.Fatalf("SetConsistent: %v", err)
	}

	issues, err := New(b).Check(ctx, expirationOptions(false))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(issues) != 1 {
		t.Fatalf("expected 1 issue, got %+v", issues)
	}
	issue := issues[0]
	if issue.NodeID != stale.ID || issue.Name != "stale" || issue.Type != models.IssueExpirationInconsistent || issue.Repaired {
		t.Errorf("unexpected issue %+v", issue)
	}
	if _, err := b.GetNodeInfo(ctx, stale.ID); err != nil {
		t.Errorf("expected dry run to keep the node, got %v", err)
	}
}

func TestExpiredInconsistentRepair(t *testing.T) {
	ctx := context.Background()
	b := newMemory()
	root, _ := b.CreateRootNodeIfNotExists(ctx, "root", "")
	stale, _ := b.CreateNode(ctx, root.ID, "stale", "case", models.NodeAttributes{})
	child, _ := b.CreateNode(ctx, stale.ID, "child", "", models.NodeAttributes{})
	b.SetConsistent(ctx, child.ID)

	issues, err := New(b).Check(ctx, expirationOptions(true))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(issues) != 1 || !issues[0].Repaired || issues[0].NodeID != stale.ID {
		t.Fatalf("expected one repaired issue, got %+v", issues)
	}
	for _, id := range []string{stale.ID, child.ID} {
		if _, err := b.GetNodeInfo(ctx, id); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected %s to be deleted, got %v", id, err)
		}
	}
}

func TestExpirationThreshold(t *testing.T) {
	ctx := context.Background()
	b := newMemory()
	root, _ := b.CreateRootNodeIfNotExists(ctx, "root", "")
	b.CreateNode(ctx, root.ID, "fresh", "", models.NodeAttributes{})

	opts := models.NewCheckOptionsBuilder().SetInconsistentNodesExpirationTime(created.Add(-time.Minute)).Build()
	issues, err := New(b).Check(ctx, opts)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(issues) != 0 {
		t.Errorf("expected node newer than threshold to be ignored, got %+v", issues)
	}
}

func TestOnlyRequestedTypes(t *testing.T) {
	ctx := context.Background()
	b := newMemory()
	root, _ := b.CreateRootNodeIfNotExists(ctx, "root", "")
	b.CreateNode(ctx, root.ID, "stale", "", models.NodeAttributes{})

	threshold := created.Add(time.Hour)
	opts := models.FileSystemCheckOptions{
		InconsistentNodesExpirationTime: &threshold,
		Types:                           []models.FileSystemCheckIssueType{models.IssueMissingChildNode},
	}
	issues, err := New(b).Check(ctx, opts)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(issues) != 0 {
		t.Errorf("expected no issues, got %+v", issues)
	}
}

func newKV(t *testing.T) (*kv.Backend, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return kv.New(rdb, "fs", nil), s, rdb
}

func TestMissingChildNode(t *testing.T) {
	ctx := context.Background()
	b, s, _ := newKV(t)
	root, _ := b.CreateRootNodeIfNotExists(ctx, "root", "")
	kept, _ := b.CreateNode(ctx, root.ID, "kept", "", models.NodeAttributes{})
	gone, _ := b.CreateNode(ctx, root.ID, "gone", "", models.NodeAttributes{})
	b.SetConsistent(ctx, kept.ID)
	b.SetConsistent(ctx, gone.ID)

	s.Del("appfs:fs:node:" + gone.ID)

	opts := models.NewCheckOptionsBuilder().AddCheckTypes(models.IssueMissingChildNode).Build()
	issues, err := New(b).Check(ctx, opts)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(issues) != 1 {
		t.Fatalf("expected 1 issue, got %+v", issues)
	}
	if issues[0].NodeID != gone.ID || issues[0].Name != "gone" || issues[0].Repaired {
		t.Errorf("unexpected issue %+v", issues[0])
	}
	refs, _ := b.ChildReferences(ctx, root.ID)
	if len(refs) != 2 {
		t.Errorf("expected dry run to keep references, got %+v", refs)
	}

	opts = models.NewCheckOptionsBuilder().AddCheckTypes(models.IssueMissingChildNode).Repair().Build()
	issues, err = New(b).Check(ctx, opts)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(issues) != 1 || !issues[0].Repaired {
		t.Fatalf("expected repaired issue, got %+v", issues)
	}
	refs, _ = b.ChildReferences(ctx, root.ID)
	if len(refs) != 1 || refs[0].ID != kept.ID {
		t.Errorf("expected only kept reference, got %+v", refs)
	}

	issues, _ = New(b).Check(ctx, opts)
	if len(issues) != 0 {
		t.Errorf("expected clean file system after repair, got %+v", issues)
	}
}

func TestCheckThroughRouter(t *testing.T) {
	ctx := context.Background()
	reg := storage.NewRegistry()
	nodes := newMemory()
	reg.Register("nodes", nodes)
	reg.Register("blobs", memory.New("blobs", nil))
	r, err := storage.NewRouter(reg, storage.RouterConfig{NodeBackend: "nodes", DataBackend: "blobs"}, nil)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	root, _ := r.CreateRootNodeIfNotExists(ctx, "root", "")
	stale, _ := r.CreateNode(ctx, root.ID, "stale", "", models.NodeAttributes{})

	issues, err := New(r).Check(ctx, expirationOptions(true))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(issues) != 1 || !issues[0].Repaired {
		t.Fatalf("expected repaired issue, got %+v", issues)
	}
	if _, err := nodes.GetNodeInfo(ctx, stale.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected node to be deleted, got %v", err)
	}
}

// vanishing hides ScanNodes so the checker walks from the root, and reports
// one subtree as deleted while the walk is in progress.
type vanishing struct {
	storage.NodeStore
	gone string
}

func (v vanishing) GetChildNodes(ctx context.Context, id string) ([]models.Node, error) {
	if id == v.gone {
		return nil, storage.NewNodeError("GetChildNodes", id, storage.ErrNotFound)
	}
	return v.NodeStore.GetChildNodes(ctx, id)
}

func (v vanishing) DeleteNode(ctx context.Context, id string) (string, error) {
	if id == v.gone {
		return "", storage.NewNodeError("DeleteNode", id, storage.ErrNotFound)
	}
	return v.NodeStore.DeleteNode(ctx, id)
}

func TestNodeVanishingDuringScan(t *testing.T) {
	ctx := context.Background()
	b := newMemory()
	root, _ := b.CreateRootNodeIfNotExists(ctx, "root", "")
	a, _ := b.CreateNode(ctx, root.ID, "a", "", models.NodeAttributes{})
	other, _ := b.CreateNode(ctx, root.ID, "other", "", models.NodeAttributes{})

	issues, err := New(vanishing{NodeStore: b, gone: a.ID}).Check(ctx, expirationOptions(true))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(issues) != 2 {
		t.Fatalf("expected 2 issues, got %+v", issues)
	}
	for _, issue := range issues {
		if !issue.Repaired {
			t.Errorf("expected %s to count as repaired, got %+v", issue.Name, issue)
		}
	}
	if _, err := b.GetNodeInfo(ctx, other.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected other to be deleted, got %v", err)
	}
}

type remoteStore struct {
	storage.NodeStore
	got models.FileSystemCheckOptions
}

func (r *remoteStore) CheckFileSystem(_ context.Context, opts models.FileSystemCheckOptions) ([]models.FileSystemCheckIssue, error) {
	r.got = opts
	return []models.FileSystemCheckIssue{{NodeID: "remote", Type: models.IssueMissingChildNode}}, nil
}

func TestRemoteCheckerIsDelegated(t *testing.T) {
	rs := &remoteStore{NodeStore: newMemory()}
	opts := models.NewCheckOptionsBuilder().AddCheckTypes(models.IssueMissingChildNode).Repair().Build()
	issues, err := New(rs).Check(context.Background(), opts)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(issues) != 1 || issues[0].NodeID != "remote" {
		t.Errorf("unexpected issues %+v", issues)
	}
	if !rs.got.Repair {
		t.Errorf("expected options to be forwarded, got %+v", rs.got)
	}
}

func TestEmptyFileSystem(t *testing.T) {
	issues, err := New(vanishing{NodeStore: newMemory()}).Check(context.Background(), expirationOptions(false))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(issues) != 0 {
		t.Errorf("expected no issues, got %+v", issues)
	}
}
