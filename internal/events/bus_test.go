package events

import (
	"errors"
	"sync"
	"testing"

	"github.com/fruitsalade/appfs/pkg/models"
)

func container(fs, topic string, e models.NodeEvent) models.NodeEventContainer {
	return models.NodeEventContainer{FileSystemName: fs, Topic: topic, Event: e}
}

type recorder struct {
	mu   sync.Mutex
	name string
	log  *[]string
	got  []models.NodeEventContainer
}

func (r *recorder) OnEvent(c models.NodeEventContainer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, c)
	if r.log != nil {
		*r.log = append(*r.log, r.name)
	}
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestBusAddRemoveListener(t *testing.T) {
	b := NewBus()

	r1 := &recorder{}
	r2 := &recorder{}
	reg1 := b.AddListener(Scope{}, r1)
	b.AddListener(Scope{}, r2)

	if b.Count() != 2 {
		t.Fatalf("expected 2 listeners, got %d", b.Count())
	}

	reg1.Release()
	reg1.Release()
	if b.Count() != 1 {
		t.Fatalf("expected 1 listener after release, got %d", b.Count())
	}

	b.RemoveListener(r2)
	if b.Count() != 0 {
		t.Fatalf("expected 0 listeners, got %d", b.Count())
	}
}

func TestBusDeliversInRegistrationOrder(t *testing.T) {
	b := NewBus()
	var order []string
	for _, name := range []string{"a", "b", "c"} {
		b.AddListener(Scope{}, &recorder{name: name, log: &order})
	}

	b.Publish(container("fs", models.TopicNode, models.NodeCreated{ID: "n", ParentID: "p"}))

	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("unexpected delivery order %v", order)
	}
}

func TestBusScopeFiltering(t *testing.T) {
	b := NewBus()
	fs1 := &recorder{}
	fs2 := &recorder{}
	scripts := &recorder{}
	project := &recorder{}

	b.AddListener(Scope{FileSystem: "fs1"}, fs1)
	b.AddListener(Scope{FileSystem: "fs2"}, fs2)
	b.AddListener(Scope{FileSystem: "fs1", Topics: []string{models.TopicScript}}, scripts)
	b.AddListener(Scope{FileSystem: "fs1", ProjectID: "p1"}, project)

	b.Publish(container("fs1", models.TopicNode, models.NodeCreated{ID: "a"}))
	b.Publish(container("fs1", models.TopicScript, models.ScriptModified{ID: "s", Path: "/s"}))
	b.Publish(models.NodeEventContainer{
		FileSystemName: "fs1",
		Topic:          models.TopicNode,
		ProjectID:      "p1",
		Event:          models.NodeConsistent{ID: "a"},
	})

	if fs1.count() != 3 {
		t.Errorf("expected 3 events for fs1, got %d", fs1.count())
	}
	if fs2.count() != 0 {
		t.Errorf("expected 0 events for fs2, got %d", fs2.count())
	}
	if scripts.count() != 1 {
		t.Errorf("expected 1 script event, got %d", scripts.count())
	}
	if project.count() != 1 {
		t.Errorf("expected 1 project event, got %d", project.count())
	}
}

func TestBusIsolatesFailingListeners(t *testing.T) {
	b := NewBus()
	after := &recorder{}

	b.AddListener(Scope{}, ListenerFunc(func(models.NodeEventContainer) error {
		return errors.New("boom")
	}))
	b.AddListener(Scope{}, ListenerFunc(func(models.NodeEventContainer) error {
		panic("listener bug")
	}))
	b.AddListener(Scope{}, after)

	b.Publish(container("fs", models.TopicNode, models.NodeRemoved{ID: "n"}))

	if after.count() != 1 {
		t.Fatalf("expected delivery after failing listeners, got %d", after.count())
	}
}

func TestBusReleaseDuringPublish(t *testing.T) {
	b := NewBus()
	second := &recorder{}

	var reg *Registration
	reg = b.AddListener(Scope{}, ListenerFunc(func(models.NodeEventContainer) error {
		reg.Release()
		return nil
	}))
	b.AddListener(Scope{}, second)

	b.Publish(container("fs", models.TopicNode, models.NodeCreated{ID: "1"}))
	b.Publish(container("fs", models.TopicNode, models.NodeCreated{ID: "2"}))

	if b.Count() != 1 {
		t.Errorf("expected self-released listener to be gone, got %d listeners", b.Count())
	}
	if second.count() != 2 {
		t.Errorf("expected 2 events for remaining listener, got %d", second.count())
	}
}

func TestSessionCloseReleasesListeners(t *testing.T) {
	b := NewBus()
	s := b.Session()
	r := &recorder{}
	s.AddListener(Scope{}, r)
	s.AddListener(Scope{FileSystem: "fs"}, ListenerFunc(func(models.NodeEventContainer) error { return nil }))

	if b.Count() != 2 {
		t.Fatalf("expected 2 listeners, got %d", b.Count())
	}

	s.Close()
	if b.Count() != 0 {
		t.Fatalf("expected session close to release listeners, got %d", b.Count())
	}
	if reg := s.AddListener(Scope{}, r); reg != nil {
		t.Error("expected nil registration on closed session")
	}

	b.Publish(container("fs", models.TopicNode, models.NodeCreated{ID: "x"}))
	if r.count() != 0 {
		t.Errorf("expected no delivery after close, got %d", r.count())
	}
}

func TestBusConcurrentAddPublish(t *testing.T) {
	b := NewBus()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				reg := b.AddListener(Scope{}, ListenerFunc(func(models.NodeEventContainer) error { return nil }))
				reg.Release()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish(container("fs", models.TopicNode, models.NodeCreated{ID: "n"}))
			}
		}()
	}
	wg.Wait()

	if b.Count() != 0 {
		t.Errorf("expected 0 listeners, got %d", b.Count())
	}
}
