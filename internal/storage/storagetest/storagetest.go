// Package storagetest provides a conformance suite run against every
// storage backend.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/fruitsalade/appfs/internal/events"
	"github.com/fruitsalade/appfs/internal/storage"
	"github.com/fruitsalade/appfs/pkg/models"
)

// Harness is a backend under test and the bus its events arrive on.
type Harness struct {
	Backend storage.Backend
	Bus     *events.Bus
}

// Factory creates a fresh, empty harness for one subtest.
type Factory func(t *testing.T) Harness

// EventLog records events delivered to a bus.
type EventLog struct {
	mu  sync.Mutex
	got []models.NodeEvent
}

// Record registers a log on bus for the backend's file system.
func Record(t *testing.T, h Harness) *EventLog {
	t.Helper()
	l := &EventLog{}
	reg := h.Bus.AddListener(events.Scope{FileSystem: h.Backend.FileSystemName()}, events.ListenerFunc(func(c models.NodeEventContainer) error {
		l.mu.Lock()
		l.got = append(l.got, c.Event)
		l.mu.Unlock()
		return nil
	}))
	t.Cleanup(reg.Release)
	return l
}

// Count returns how many recorded events equal want.
func (l *EventLog) Count(want models.NodeEvent) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.got {
		if e == want {
			n++
		}
	}
	return n
}

// WaitFor fails the test unless want is recorded within two seconds.
func (l *EventLog) WaitFor(t *testing.T, want models.NodeEvent) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if l.Count(want) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for event %#v", want)
}

// Run executes the conformance suite.
func Run(t *testing.T, newHarness Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, h Harness)
	}{
		{"RootNode", testRootNode},
		{"CreateAndList", testCreateAndList},
		{"CreateErrors", testCreateErrors},
		{"SetParent", testSetParent},
		{"Rename", testRename},
		{"Consistency", testConsistency},
		{"Metadata", testMetadata},
		{"Blobs", testBlobs},
		{"Delete", testDelete},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newHarness(t))
		})
	}
}

func mustRoot(t *testing.T, b storage.Backend) models.Node {
	t.Helper()
	root, err := b.CreateRootNodeIfNotExists(context.Background(), "root", "")
	if err != nil {
		t.Fatalf("CreateRootNodeIfNotExists: %v", err)
	}
	return root
}

func mustCreate(t *testing.T, b storage.Backend, parentID, name, pseudoClass string) models.Node {
	t.Helper()
	n, err := b.CreateNode(context.Background(), parentID, name, pseudoClass, models.NodeAttributes{})
	if err != nil {
		t.Fatalf("CreateNode(%s): %v", name, err)
	}
	return n
}

func testRootNode(t *testing.T, h Harness) {
	ctx := context.Background()
	b := h.Backend

	if _, err := b.GetRootNode(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before root creation, got %v", err)
	}

	root := mustRoot(t, b)
	if !root.IsRoot() || !root.Consistent {
		t.Errorf("expected consistent root, got %+v", root)
	}
	if root.PseudoClass != models.DefaultPseudoClass {
		t.Errorf("expected default pseudo class, got %q", root.PseudoClass)
	}

	again := mustRoot(t, b)
	if again.ID != root.ID {
		t.Errorf("expected same root id, got %s and %s", root.ID, again.ID)
	}

	got, err := b.GetRootNode(ctx)
	if err != nil {
		t.Fatalf("GetRootNode: %v", err)
	}
	if got.ID != root.ID {
		t.Errorf("expected root %s, got %s", root.ID, got.ID)
	}

	if _, found, err := b.GetParentNode(ctx, root.ID); err != nil || found {
		t.Errorf("expected no parent for root, got found=%v err=%v", found, err)
	}
}

func testCreateAndList(t *testing.T, h Harness) {
	ctx := context.Background()
	b := h.Backend
	log := Record(t, h)
	root := mustRoot(t, b)

	n, err := b.CreateNode(ctx, root.ID, "scripts", "script", models.NodeAttributes{Description: "all scripts"})
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	if n.Consistent {
		t.Error("expected new node to be inconsistent")
	}
	if n.Version != 1 {
		t.Errorf("expected default version 1, got %d", n.Version)
	}
	if n.ParentID != root.ID {
		t.Errorf("expected parent %s, got %s", root.ID, n.ParentID)
	}
	log.WaitFor(t, models.NodeCreated{ID: n.ID, ParentID: root.ID})

	children, err := b.GetChildNodes(ctx, root.ID)
	if err != nil {
		t.Fatalf("GetChildNodes: %v", err)
	}
	if len(children) != 1 || children[0].Name != "scripts" || children[0].PseudoClass != "script" {
		t.Fatalf("unexpected children %+v", children)
	}

	leaf, err := b.GetChildNodes(ctx, n.ID)
	if err != nil {
		t.Fatalf("GetChildNodes(leaf): %v", err)
	}
	if len(leaf) != 0 {
		t.Errorf("expected no children for leaf, got %d", len(leaf))
	}

	child, err := b.GetChildNode(ctx, root.ID, "scripts")
	if err != nil {
		t.Fatalf("GetChildNode: %v", err)
	}
	if child.ID != n.ID || child.Description != "all scripts" {
		t.Errorf("unexpected child %+v", child)
	}
	if _, err := b.GetChildNode(ctx, root.ID, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing child, got %v", err)
	}

	parent, found, err := b.GetParentNode(ctx, n.ID)
	if err != nil || !found || parent.ID != root.ID {
		t.Errorf("expected parent %s, got %+v found=%v err=%v", root.ID, parent, found, err)
	}

	if _, err := b.GetChildNodes(ctx, "does-not-exist"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func testCreateErrors(t *testing.T, h Harness) {
	ctx := context.Background()
	b := h.Backend
	root := mustRoot(t, b)
	mustCreate(t, b, root.ID, "a", "")

	if _, err := b.CreateNode(ctx, root.ID, "a", "", models.NodeAttributes{}); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("expected ErrConflict for duplicate name, got %v", err)
	}
	if _, err := b.CreateNode(ctx, "does-not-exist", "b", "", models.NodeAttributes{}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown parent, got %v", err)
	}
	if _, err := b.CreateNode(ctx, root.ID, "", "", models.NodeAttributes{}); !errors.Is(err, storage.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for empty name, got %v", err)
	}
}

func testSetParent(t *testing.T, h Harness) {
	ctx := context.Background()
	b := h.Backend
	log := Record(t, h)
	root := mustRoot(t, b)
	a := mustCreate(t, b, root.ID, "a", "")
	bb := mustCreate(t, b, a.ID, "b", "")
	c := mustCreate(t, b, bb.ID, "c", "")

	for _, target := range []string{a.ID, bb.ID, c.ID} {
		if err := b.SetParent(ctx, a.ID, target); !errors.Is(err, storage.ErrCycle) {
			t.Errorf("expected ErrCycle moving a under %s, got %v", target, err)
		}
	}

	if err := b.SetParent(ctx, c.ID, root.ID); err != nil {
		t.Fatalf("SetParent: %v", err)
	}
	want := models.ParentChanged{ID: c.ID, OldParentID: bb.ID, NewParentID: root.ID}
	log.WaitFor(t, want)

	moved, err := b.GetNodeInfo(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetNodeInfo: %v", err)
	}
	if moved.ParentID != root.ID {
		t.Errorf("expected parent %s, got %s", root.ID, moved.ParentID)
	}
	if _, err := b.GetChildNode(ctx, root.ID, "c"); err != nil {
		t.Errorf("expected c under root: %v", err)
	}
	if kids, _ := b.GetChildNodes(ctx, bb.ID); len(kids) != 0 {
		t.Errorf("expected b to have no children, got %d", len(kids))
	}

	// Events of one backend are delivered in order, so once the marker
	// arrives the ParentChanged count is final.
	if err := b.RenameNode(ctx, a.ID, "marker"); err != nil {
		t.Fatalf("RenameNode: %v", err)
	}
	log.WaitFor(t, models.NodeNameUpdated{ID: a.ID, Name: "marker"})
	if n := log.Count(want); n != 1 {
		t.Errorf("expected exactly one ParentChanged, got %d", n)
	}

	mustCreate(t, b, a.ID, "c", "")
	if err := b.SetParent(ctx, c.ID, a.ID); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("expected ErrConflict moving onto an existing name, got %v", err)
	}
}

func testRename(t *testing.T, h Harness) {
	ctx := context.Background()
	b := h.Backend
	log := Record(t, h)
	root := mustRoot(t, b)
	a := mustCreate(t, b, root.ID, "a", "")
	mustCreate(t, b, root.ID, "b", "")

	if err := b.RenameNode(ctx, a.ID, "b"); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
	if err := b.RenameNode(ctx, a.ID, "renamed"); err != nil {
		t.Fatalf("RenameNode: %v", err)
	}
	log.WaitFor(t, models.NodeNameUpdated{ID: a.ID, Name: "renamed"})

	got, err := b.GetChildNode(ctx, root.ID, "renamed")
	if err != nil || got.ID != a.ID {
		t.Errorf("expected renamed child %s, got %+v err=%v", a.ID, got, err)
	}
	if _, err := b.GetChildNode(ctx, root.ID, "a"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected old name to be gone, got %v", err)
	}
}

func testConsistency(t *testing.T, h Harness) {
	ctx := context.Background()
	b := h.Backend
	log := Record(t, h)
	root := mustRoot(t, b)
	n := mustCreate(t, b, root.ID, "case", "case")

	ok, err := b.IsConsistent(ctx, n.ID)
	if err != nil || ok {
		t.Fatalf("expected inconsistent node, got %v err=%v", ok, err)
	}

	for i := 0; i < 2; i++ {
		if err := b.SetConsistent(ctx, n.ID); err != nil {
			t.Fatalf("SetConsistent: %v", err)
		}
	}
	log.WaitFor(t, models.NodeConsistent{ID: n.ID})

	ok, err = b.IsConsistent(ctx, n.ID)
	if err != nil || !ok {
		t.Errorf("expected consistent node, got %v err=%v", ok, err)
	}

	if err := b.RenameNode(ctx, n.ID, "marker"); err != nil {
		t.Fatalf("RenameNode: %v", err)
	}
	log.WaitFor(t, models.NodeNameUpdated{ID: n.ID, Name: "marker"})
	if c := log.Count(models.NodeConsistent{ID: n.ID}); c != 1 {
		t.Errorf("expected one NodeConsistent event, got %d", c)
	}

	if err := b.SetConsistent(ctx, "does-not-exist"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testMetadata(t *testing.T, h Harness) {
	ctx := context.Background()
	b := h.Backend
	root := mustRoot(t, b)
	n := mustCreate(t, b, root.ID, "ts", "timeseries")

	steps := []error{
		b.SetStringMetadata(ctx, n.ID, "unit", "MW"),
		b.SetIntMetadata(ctx, n.ID, "points", 42),
		b.SetDoubleMetadata(ctx, n.ID, "scale", 2.5),
		b.SetBoolMetadata(ctx, n.ID, "regular", true),
		b.SetDescription(ctx, n.ID, "active power"),
	}
	for i, err := range steps {
		if err != nil {
			t.Fatalf("metadata step %d: %v", i, err)
		}
	}

	md, err := b.GetMetadata(ctx, n.ID)
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if md.Strings["unit"] != "MW" || md.Ints["points"] != 42 || md.Doubles["scale"] != 2.5 || !md.Bools["regular"] {
		t.Errorf("unexpected metadata %+v", md)
	}
	if md.Len() != 4 {
		t.Errorf("expected 4 entries, got %d", md.Len())
	}

	info, err := b.GetNodeInfo(ctx, n.ID)
	if err != nil {
		t.Fatalf("GetNodeInfo: %v", err)
	}
	if info.Description != "active power" {
		t.Errorf("expected description, got %q", info.Description)
	}

	if err := b.SetStringMetadata(ctx, "does-not-exist", "k", "v"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testBlobs(t *testing.T, h Harness) {
	ctx := context.Background()
	b := h.Backend
	log := Record(t, h)
	root := mustRoot(t, b)
	n := mustCreate(t, b, root.ID, "network", "network")

	if err := b.WriteBlob(ctx, n.ID, "iidm", bytes.NewReader([]byte("payload"))); err != nil {
		t.Fatalf("WriteBlob: %v", err)
	}
	log.WaitFor(t, models.NodeDataUpdated{ID: n.ID, DataName: "iidm"})

	rc, err := b.ReadBlob(ctx, n.ID, "iidm")
	if err != nil {
		t.Fatalf("ReadBlob: %v", err)
	}
	content, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if string(content) != "payload" {
		t.Errorf("expected payload, got %q", content)
	}

	names, err := b.DataNames(ctx, n.ID)
	if err != nil {
		t.Fatalf("DataNames: %v", err)
	}
	if len(names) != 1 || names[0] != "iidm" {
		t.Errorf("unexpected data names %v", names)
	}

	if _, err := b.ReadBlob(ctx, n.ID, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing blob, got %v", err)
	}

	removed, err := b.RemoveData(ctx, n.ID, "iidm")
	if err != nil || !removed {
		t.Fatalf("expected blob removal, got %v err=%v", removed, err)
	}
	log.WaitFor(t, models.NodeDataRemoved{ID: n.ID, DataName: "iidm"})

	removed, err = b.RemoveData(ctx, n.ID, "iidm")
	if err != nil || removed {
		t.Errorf("expected second removal to report false, got %v err=%v", removed, err)
	}
}

func testDelete(t *testing.T, h Harness) {
	ctx := context.Background()
	b := h.Backend
	log := Record(t, h)
	root := mustRoot(t, b)
	a := mustCreate(t, b, root.ID, "a", "")
	child := mustCreate(t, b, a.ID, "child", "")

	if _, err := b.DeleteNode(ctx, root.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting root, got %v", err)
	}

	parentID, err := b.DeleteNode(ctx, a.ID)
	if err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}
	if parentID != root.ID {
		t.Errorf("expected parent id %s, got %s", root.ID, parentID)
	}
	log.WaitFor(t, models.NodeRemoved{ID: a.ID, ParentID: root.ID})

	children, err := b.GetChildNodes(ctx, root.ID)
	if err != nil {
		t.Fatalf("GetChildNodes: %v", err)
	}
	for _, c := range children {
		if c.Name == "a" {
			t.Error("deleted node still listed")
		}
	}
	if _, err := b.GetNodeInfo(ctx, child.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected descendant to be deleted, got %v", err)
	}
	if _, err := b.DeleteNode(ctx, a.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting twice, got %v", err)
	}
}
