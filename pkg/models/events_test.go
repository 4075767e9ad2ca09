package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNodeEventEquality(t *testing.T) {
	a := NodeEvent(NodeCreated{ID: "id", ParentID: "p"})
	b := NodeEvent(NodeCreated{ID: "id", ParentID: "p"})
	c := NodeEvent(NodeCreated{ID: "id", ParentID: "other"})
	d := NodeEvent(NodeRemoved{ID: "id", ParentID: "p"})

	if a != b {
		t.Error("expected events with equal fields to be equal")
	}
	if a == c {
		t.Error("expected events with different parent ids to differ")
	}
	if a == d {
		t.Error("expected events of different variants to differ")
	}

	// Equal events must collide as map keys.
	seen := map[NodeEvent]int{a: 1}
	seen[b]++
	if seen[a] != 2 || len(seen) != 1 {
		t.Errorf("expected equal events to share a key, got %v", seen)
	}
	seen[c]++
	if len(seen) != 2 {
		t.Errorf("expected distinct key for different event, got %d keys", len(seen))
	}
}

func TestMarshalUnmarshalEventVariants(t *testing.T) {
	events := []NodeEvent{
		NodeCreated{ID: "a", ParentID: "root"},
		NodeConsistent{ID: "a"},
		NodeRemoved{ID: "a", ParentID: "root"},
		NodeNameUpdated{ID: "a", Name: "renamed"},
		NodeDataUpdated{ID: "a", DataName: "blob"},
		NodeDataRemoved{ID: "a", DataName: "blob"},
		ParentChanged{ID: "a", OldParentID: "p1", NewParentID: "p2"},
		TimeSeriesCleared{ID: "a"},
		ScriptModified{ID: "a", Path: "/scripts/a"},
		VirtualCaseCreated{ID: "a", ParentID: "p", Path: "/cases/a"},
	}

	for _, e := range events {
		t.Run(e.TypeName(), func(t *testing.T) {
			data, err := MarshalEvent(e)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var head map[string]any
			if err := json.Unmarshal(data, &head); err != nil {
				t.Fatalf("unmarshal head: %v", err)
			}
			if head["type"] != e.TypeName() {
				t.Errorf("expected type %s, got %v", e.TypeName(), head["type"])
			}
			got, err := UnmarshalEvent(data)
			if err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got != e {
				t.Errorf("expected %#v, got %#v", e, got)
			}
		})
	}
}

func TestUnmarshalEventUnknownType(t *testing.T) {
	if _, err := UnmarshalEvent([]byte(`{"type":"NOPE","id":"x"}`)); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestNodeEventContainerJSON(t *testing.T) {
	c := NodeEventContainer{
		FileSystemName: "fs",
		Topic:          TopicNode,
		Event:          ParentChanged{ID: "n", OldParentID: "a", NewParentID: "b"},
	}
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got NodeEventContainer
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != c {
		t.Errorf("expected %+v, got %+v", c, got)
	}
}

func TestEmptyNodeEventContainer(t *testing.T) {
	data, err := json.Marshal(NodeEventContainer{})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != "{}" {
		t.Errorf("expected empty object, got %s", data)
	}
	var got NodeEventContainer
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Event != nil || got.FileSystemName != "" || got.Topic != "" {
		t.Errorf("expected all fields absent, got %+v", got)
	}
}

func TestCheckOptionsBuilder(t *testing.T) {
	threshold := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	opts := NewCheckOptionsBuilder().
		SetInconsistentNodesExpirationTime(threshold).
		AddCheckTypes(IssueMissingChildNode).
		Repair().
		DryRun().
		Build()

	if opts.Repair {
		t.Error("expected DryRun to override Repair")
	}
	if opts.InconsistentNodesExpirationTime == nil || !opts.InconsistentNodesExpirationTime.Equal(threshold) {
		t.Errorf("unexpected expiration %v", opts.InconsistentNodesExpirationTime)
	}
	if !opts.Includes(IssueExpirationInconsistent) || !opts.Includes(IssueMissingChildNode) {
		t.Errorf("expected both types, got %v", opts.Types)
	}

	repair := NewCheckOptionsBuilder().Repair().Build()
	if !repair.Repair {
		t.Error("expected repair run")
	}
	if len(repair.Types) != 0 {
		t.Errorf("expected no types, got %v", repair.Types)
	}
}
