// Package memory implements an in-process storage backend. It is the
// reference implementation of the node store contract and backs tests and
// single-process deployments.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fruitsalade/appfs/internal/events"
	"github.com/fruitsalade/appfs/internal/storage"
	"github.com/fruitsalade/appfs/pkg/models"
)

type record struct {
	node     models.Node
	children map[string]string // name -> id
}

// Backend keeps every node of one file system in memory.
type Backend struct {
	mu       sync.RWMutex
	rootID   string
	nodes    map[string]*record
	blobs    *Blobs
	notifier *storage.Notifier
	now      func() time.Time
}

// Option configures a Backend.
type Option func(*Backend)

// WithClock overrides the time source used for node timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// New creates an empty backend publishing events for fileSystem to pub.
func New(fileSystem string, pub events.Publisher, opts ...Option) *Backend {
	b := &Backend{
		nodes:    make(map[string]*record),
		blobs:    NewBlobs(),
		notifier: storage.NewNotifier(fileSystem, pub),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) FileSystemName() string {
	return b.notifier.FileSystem()
}

// Blobs exposes the blob storage without node existence checks.
func (b *Backend) Blobs() storage.DataStore {
	return b.blobs
}

func (b *Backend) get(op, id string) (*record, error) {
	r, ok := b.nodes[id]
	if !ok {
		return nil, storage.NewNodeError(op, id, storage.ErrNotFound)
	}
	return r, nil
}

func (b *Backend) CreateRootNodeIfNotExists(ctx context.Context, name, pseudoClass string) (models.Node, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.rootID != "" {
		return b.nodes[b.rootID].node, nil
	}
	if pseudoClass == "" {
		pseudoClass = models.DefaultPseudoClass
	}
	now := b.now()
	n := models.Node{
		ID:               uuid.NewString(),
		Name:             name,
		PseudoClass:      pseudoClass,
		Version:          1,
		Consistent:       true,
		CreationTime:     now,
		ModificationTime: now,
		GenericMetadata:  models.NewNodeGenericMetadata(),
	}
	b.nodes[n.ID] = &record{node: n, children: make(map[string]string)}
	b.rootID = n.ID
	return cloneNode(n), nil
}

func (b *Backend) GetRootNode(ctx context.Context) (models.Node, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.rootID == "" {
		return models.Node{}, storage.NewNodeError("GetRootNode", "", storage.ErrNotFound)
	}
	return cloneNode(b.nodes[b.rootID].node), nil
}

func (b *Backend) CreateNode(ctx context.Context, parentID, name, pseudoClass string, attrs models.NodeAttributes) (models.Node, error) {
	if name == "" {
		return models.Node{}, storage.NewNodeError("CreateNode", parentID, fmt.Errorf("%w: empty node name", storage.ErrInvalidArgument))
	}
	if pseudoClass == "" {
		pseudoClass = models.DefaultPseudoClass
	}

	b.mu.Lock()
	parent, err := b.get("CreateNode", parentID)
	if err != nil {
		b.mu.Unlock()
		return models.Node{}, err
	}
	if _, exists := parent.children[name]; exists {
		b.mu.Unlock()
		return models.Node{}, storage.NewNodeError("CreateNode", parentID, fmt.Errorf("%w: %q", storage.ErrConflict, name))
	}

	now := b.now()
	n := models.Node{
		ID:               uuid.NewString(),
		ParentID:         parentID,
		Name:             name,
		PseudoClass:      pseudoClass,
		Description:      attrs.Description,
		Version:          attrs.VersionOrDefault(),
		CreationTime:     now,
		ModificationTime: now,
		GenericMetadata:  attrs.Metadata.Clone(),
	}
	b.nodes[n.ID] = &record{node: n, children: make(map[string]string)}
	parent.children[name] = n.ID
	parent.node.ModificationTime = now
	b.mu.Unlock()

	b.notifier.Notify(models.NodeCreated{ID: n.ID, ParentID: parentID})
	return cloneNode(n), nil
}

func (b *Backend) GetNodeInfo(ctx context.Context, id string) (models.Node, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, err := b.get("GetNodeInfo", id)
	if err != nil {
		return models.Node{}, err
	}
	return cloneNode(r.node), nil
}

func (b *Backend) GetChildNodes(ctx context.Context, id string) ([]models.Node, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, err := b.get("GetChildNodes", id)
	if err != nil {
		return nil, err
	}
	children := make([]models.Node, 0, len(r.children))
	for _, childID := range r.children {
		if c, ok := b.nodes[childID]; ok {
			children = append(children, cloneNode(c.node))
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })
	return children, nil
}

func (b *Backend) GetChildNode(ctx context.Context, id, name string) (models.Node, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, err := b.get("GetChildNode", id)
	if err != nil {
		return models.Node{}, err
	}
	childID, ok := r.children[name]
	if !ok {
		return models.Node{}, storage.NewNodeError("GetChildNode", id, fmt.Errorf("%w: no child %q", storage.ErrNotFound, name))
	}
	c, err := b.get("GetChildNode", childID)
	if err != nil {
		return models.Node{}, err
	}
	return cloneNode(c.node), nil
}

func (b *Backend) GetParentNode(ctx context.Context, id string) (models.Node, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, err := b.get("GetParentNode", id)
	if err != nil {
		return models.Node{}, false, err
	}
	if r.node.ParentID == "" {
		return models.Node{}, false, nil
	}
	p, err := b.get("GetParentNode", r.node.ParentID)
	if err != nil {
		return models.Node{}, false, err
	}
	return cloneNode(p.node), true, nil
}

func (b *Backend) SetParent(ctx context.Context, id, newParentID string) error {
	b.mu.Lock()
	r, err := b.get("SetParent", id)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	newParent, err := b.get("SetParent", newParentID)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	for cur, ok := newParent, true; ok; cur, ok = b.nodes[cur.node.ParentID] {
		if cur.node.ID == id {
			b.mu.Unlock()
			return storage.NewNodeError("SetParent", id, storage.ErrCycle)
		}
	}
	oldParentID := r.node.ParentID
	if oldParentID == newParentID {
		b.mu.Unlock()
		return nil
	}
	if _, exists := newParent.children[r.node.Name]; exists {
		b.mu.Unlock()
		return storage.NewNodeError("SetParent", id, fmt.Errorf("%w: %q", storage.ErrConflict, r.node.Name))
	}

	now := b.now()
	if old, ok := b.nodes[oldParentID]; ok {
		delete(old.children, r.node.Name)
		old.node.ModificationTime = now
	}
	newParent.children[r.node.Name] = id
	newParent.node.ModificationTime = now
	r.node.ParentID = newParentID
	r.node.ModificationTime = now
	b.mu.Unlock()

	b.notifier.Notify(models.ParentChanged{ID: id, OldParentID: oldParentID, NewParentID: newParentID})
	return nil
}

func (b *Backend) RenameNode(ctx context.Context, id, name string) error {
	if name == "" {
		return storage.NewNodeError("RenameNode", id, fmt.Errorf("%w: empty node name", storage.ErrInvalidArgument))
	}

	b.mu.Lock()
	r, err := b.get("RenameNode", id)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	if r.node.Name == name {
		b.mu.Unlock()
		return nil
	}
	if parent, ok := b.nodes[r.node.ParentID]; ok {
		if _, exists := parent.children[name]; exists {
			b.mu.Unlock()
			return storage.NewNodeError("RenameNode", id, fmt.Errorf("%w: %q", storage.ErrConflict, name))
		}
		delete(parent.children, r.node.Name)
		parent.children[name] = id
	}
	r.node.Name = name
	r.node.ModificationTime = b.now()
	b.mu.Unlock()

	b.notifier.Notify(models.NodeNameUpdated{ID: id, Name: name})
	return nil
}

func (b *Backend) SetConsistent(ctx context.Context, id string) error {
	b.mu.Lock()
	r, err := b.get("SetConsistent", id)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	if r.node.Consistent {
		b.mu.Unlock()
		return nil
	}
	r.node.Consistent = true
	r.node.ModificationTime = b.now()
	b.mu.Unlock()

	b.notifier.Notify(models.NodeConsistent{ID: id})
	return nil
}

func (b *Backend) IsConsistent(ctx context.Context, id string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, err := b.get("IsConsistent", id)
	if err != nil {
		return false, err
	}
	return r.node.Consistent, nil
}

func (b *Backend) update(op, id string, fn func(n *models.Node)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, err := b.get(op, id)
	if err != nil {
		return err
	}
	fn(&r.node)
	r.node.ModificationTime = b.now()
	return nil
}

func (b *Backend) SetDescription(ctx context.Context, id, description string) error {
	return b.update("SetDescription", id, func(n *models.Node) { n.Description = description })
}

func (b *Backend) SetStringMetadata(ctx context.Context, id, key, value string) error {
	return b.update("SetStringMetadata", id, func(n *models.Node) { n.GenericMetadata.SetString(key, value) })
}

func (b *Backend) SetIntMetadata(ctx context.Context, id, key string, value int64) error {
	return b.update("SetIntMetadata", id, func(n *models.Node) { n.GenericMetadata.SetInt(key, value) })
}

func (b *Backend) SetDoubleMetadata(ctx context.Context, id, key string, value float64) error {
	return b.update("SetDoubleMetadata", id, func(n *models.Node) { n.GenericMetadata.SetDouble(key, value) })
}

func (b *Backend) SetBoolMetadata(ctx context.Context, id, key string, value bool) error {
	return b.update("SetBoolMetadata", id, func(n *models.Node) { n.GenericMetadata.SetBool(key, value) })
}

func (b *Backend) GetMetadata(ctx context.Context, id string) (models.NodeGenericMetadata, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, err := b.get("GetMetadata", id)
	if err != nil {
		return models.NodeGenericMetadata{}, err
	}
	return r.node.GenericMetadata.Clone(), nil
}

func (b *Backend) DeleteNode(ctx context.Context, id string) (string, error) {
	b.mu.Lock()
	r, err := b.get("DeleteNode", id)
	if err != nil {
		b.mu.Unlock()
		return "", err
	}
	if id == b.rootID || r.node.ParentID == "" {
		b.mu.Unlock()
		return "", storage.NewNodeError("DeleteNode", id, storage.ErrRootDeletion)
	}

	parentID := r.node.ParentID
	if parent, ok := b.nodes[parentID]; ok {
		delete(parent.children, r.node.Name)
		parent.node.ModificationTime = b.now()
	}
	removed := []string{id}
	for i := 0; i < len(removed); i++ {
		if cur, ok := b.nodes[removed[i]]; ok {
			for _, childID := range cur.children {
				removed = append(removed, childID)
			}
			delete(b.nodes, removed[i])
		}
	}
	b.mu.Unlock()

	for _, nodeID := range removed {
		b.blobs.drop(nodeID)
	}
	b.notifier.Notify(models.NodeRemoved{ID: id, ParentID: parentID})
	return parentID, nil
}

func (b *Backend) exists(id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.nodes[id]
	return ok
}

func (b *Backend) ReadBlob(ctx context.Context, id, dataName string) (io.ReadCloser, error) {
	if !b.exists(id) {
		return nil, storage.NewNodeError("ReadBlob", id, storage.ErrNotFound)
	}
	return b.blobs.ReadBlob(ctx, id, dataName)
}

func (b *Backend) WriteBlob(ctx context.Context, id, dataName string, r io.Reader) error {
	if !b.exists(id) {
		return storage.NewNodeError("WriteBlob", id, storage.ErrNotFound)
	}
	if err := b.blobs.WriteBlob(ctx, id, dataName, r); err != nil {
		return err
	}
	b.notifier.Notify(models.NodeDataUpdated{ID: id, DataName: dataName})
	return nil
}

func (b *Backend) RemoveData(ctx context.Context, id, dataName string) (bool, error) {
	if !b.exists(id) {
		return false, storage.NewNodeError("RemoveData", id, storage.ErrNotFound)
	}
	removed, err := b.blobs.RemoveData(ctx, id, dataName)
	if err != nil || !removed {
		return removed, err
	}
	b.notifier.Notify(models.NodeDataRemoved{ID: id, DataName: dataName})
	return true, nil
}

func (b *Backend) DataNames(ctx context.Context, id string) ([]string, error) {
	if !b.exists(id) {
		return nil, storage.NewNodeError("DataNames", id, storage.ErrNotFound)
	}
	return b.blobs.DataNames(ctx, id)
}

// ScanNodes calls fn for every stored node, in no particular order.
func (b *Backend) ScanNodes(ctx context.Context, fn func(models.Node) error) error {
	b.mu.RLock()
	nodes := make([]models.Node, 0, len(b.nodes))
	for _, r := range b.nodes {
		nodes = append(nodes, cloneNode(r.node))
	}
	b.mu.RUnlock()

	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(n); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) Close() error {
	return nil
}

func cloneNode(n models.Node) models.Node {
	n.GenericMetadata = n.GenericMetadata.Clone()
	return n
}

// Blobs is an in-memory blob store keyed by node id and data name.
type Blobs struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewBlobs creates an empty blob store.
func NewBlobs() *Blobs {
	return &Blobs{data: make(map[string]map[string][]byte)}
}

func (s *Blobs) ReadBlob(ctx context.Context, id, dataName string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	content, ok := s.data[id][dataName]
	if !ok {
		return nil, storage.NewNodeError("ReadBlob", id, fmt.Errorf("%w: no data %q", storage.ErrNotFound, dataName))
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (s *Blobs) WriteBlob(ctx context.Context, id, dataName string, r io.Reader) error {
	if dataName == "" {
		return storage.NewNodeError("WriteBlob", id, fmt.Errorf("%w: empty data name", storage.ErrInvalidArgument))
	}
	content, err := io.ReadAll(r)
	if err != nil {
		return storage.NewNodeError("WriteBlob", id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[id] == nil {
		s.data[id] = make(map[string][]byte)
	}
	s.data[id][dataName] = content
	return nil
}

func (s *Blobs) RemoveData(ctx context.Context, id, dataName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[id][dataName]; !ok {
		return false, nil
	}
	delete(s.data[id], dataName)
	if len(s.data[id]) == 0 {
		delete(s.data, id)
	}
	return true, nil
}

func (s *Blobs) DataNames(ctx context.Context, id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.data[id]))
	for name := range s.data[id] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Blobs) drop(id string) {
	s.mu.Lock()
	delete(s.data, id)
	s.mu.Unlock()
}

func (s *Blobs) Close() error {
	return nil
}
