package storage

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/fruitsalade/appfs/internal/events"
	"github.com/fruitsalade/appfs/internal/logging"
	"github.com/fruitsalade/appfs/pkg/models"
)

// Category groups operations that are dispatched to the same delegate.
type Category int

const (
	CategoryTree Category = iota
	CategoryMetadata
	CategoryData
)

func (c Category) String() string {
	switch c {
	case CategoryTree:
		return "tree"
	case CategoryMetadata:
		return "metadata"
	case CategoryData:
		return "data"
	}
	return "unknown"
}

// RouterConfig names the two delegates of a Router.
type RouterConfig struct {
	NodeBackend string `json:"node_backend" koanf:"node_backend"`
	DataBackend string `json:"data_backend" koanf:"data_backend"`
}

type route struct {
	name  string
	nodes NodeStore
	data  DataStore
}

// Router splits operations across two delegates: tree topology and metadata
// go to the node backend, blobs go to the data backend. It holds no state of
// its own besides the dispatch table resolved at construction.
type Router struct {
	table    map[Category]route
	notifier *Notifier
}

// NewRouter resolves both delegates from reg. It fails with ErrUnavailable
// when either name cannot be resolved. Data events are published to pub
// under the node backend's file system name.
func NewRouter(reg *Registry, cfg RouterConfig, pub events.Publisher) (*Router, error) {
	nodes, err := reg.NodeStore(cfg.NodeBackend)
	if err != nil {
		return nil, fmt.Errorf("%w: node backend %q: %v", ErrUnavailable, cfg.NodeBackend, err)
	}
	data, err := reg.DataStore(cfg.DataBackend)
	if err != nil {
		return nil, fmt.Errorf("%w: data backend %q: %v", ErrUnavailable, cfg.DataBackend, err)
	}

	r := &Router{
		table: map[Category]route{
			CategoryTree:     {name: cfg.NodeBackend, nodes: nodes},
			CategoryMetadata: {name: cfg.NodeBackend, nodes: nodes},
			CategoryData:     {name: cfg.DataBackend, data: data},
		},
		notifier: NewNotifier(nodes.FileSystemName(), pub),
	}

	logging.Info("storage router configured",
		zap.String("node_backend", cfg.NodeBackend),
		zap.String("data_backend", cfg.DataBackend))

	return r, nil
}

// Delegate returns the name of the backend serving c.
func (r *Router) Delegate(c Category) string {
	return r.table[c].name
}

// NodeBackend returns the delegate holding the tree. Structural checks
// inspect it directly.
func (r *Router) NodeBackend() NodeStore {
	return r.tree()
}

func (r *Router) tree() NodeStore     { return r.table[CategoryTree].nodes }
func (r *Router) metadata() NodeStore { return r.table[CategoryMetadata].nodes }
func (r *Router) data() DataStore     { return r.table[CategoryData].data }

func (r *Router) FileSystemName() string {
	return r.tree().FileSystemName()
}

func (r *Router) CreateRootNodeIfNotExists(ctx context.Context, name, pseudoClass string) (models.Node, error) {
	return r.tree().CreateRootNodeIfNotExists(ctx, name, pseudoClass)
}

func (r *Router) GetRootNode(ctx context.Context) (models.Node, error) {
	return r.tree().GetRootNode(ctx)
}

func (r *Router) CreateNode(ctx context.Context, parentID, name, pseudoClass string, attrs models.NodeAttributes) (models.Node, error) {
	return r.tree().CreateNode(ctx, parentID, name, pseudoClass, attrs)
}

func (r *Router) GetNodeInfo(ctx context.Context, id string) (models.Node, error) {
	return r.tree().GetNodeInfo(ctx, id)
}

func (r *Router) GetChildNodes(ctx context.Context, id string) ([]models.Node, error) {
	return r.tree().GetChildNodes(ctx, id)
}

func (r *Router) GetChildNode(ctx context.Context, id, name string) (models.Node, error) {
	return r.tree().GetChildNode(ctx, id, name)
}

func (r *Router) GetParentNode(ctx context.Context, id string) (models.Node, bool, error) {
	return r.tree().GetParentNode(ctx, id)
}

func (r *Router) SetParent(ctx context.Context, id, newParentID string) error {
	return r.tree().SetParent(ctx, id, newParentID)
}

func (r *Router) RenameNode(ctx context.Context, id, name string) error {
	return r.tree().RenameNode(ctx, id, name)
}

func (r *Router) SetConsistent(ctx context.Context, id string) error {
	return r.tree().SetConsistent(ctx, id)
}

func (r *Router) IsConsistent(ctx context.Context, id string) (bool, error) {
	return r.tree().IsConsistent(ctx, id)
}

// DeleteNode deletes the subtree from the node backend, then removes the
// blobs of every deleted node from the data backend. Blob cleanup failures
// are logged and do not fail the call.
func (r *Router) DeleteNode(ctx context.Context, id string) (string, error) {
	ids, err := r.subtree(ctx, id)
	if err != nil {
		return "", err
	}
	parentID, err := r.tree().DeleteNode(ctx, id)
	if err != nil {
		return "", err
	}
	for _, nodeID := range ids {
		names, err := r.data().DataNames(ctx, nodeID)
		if err != nil {
			logging.Warn("failed to list data of deleted node",
				zap.String("node_id", nodeID), zap.Error(err))
			continue
		}
		for _, name := range names {
			if _, err := r.data().RemoveData(ctx, nodeID, name); err != nil {
				logging.Warn("failed to remove data of deleted node",
					zap.String("node_id", nodeID),
					zap.String("data_name", name),
					zap.Error(err))
			}
		}
	}
	return parentID, nil
}

func (r *Router) subtree(ctx context.Context, id string) ([]string, error) {
	ids := []string{id}
	for i := 0; i < len(ids); i++ {
		children, err := r.tree().GetChildNodes(ctx, ids[i])
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			ids = append(ids, c.ID)
		}
	}
	return ids, nil
}

func (r *Router) SetDescription(ctx context.Context, id, description string) error {
	return r.metadata().SetDescription(ctx, id, description)
}

func (r *Router) SetStringMetadata(ctx context.Context, id, key, value string) error {
	return r.metadata().SetStringMetadata(ctx, id, key, value)
}

func (r *Router) SetIntMetadata(ctx context.Context, id, key string, value int64) error {
	return r.metadata().SetIntMetadata(ctx, id, key, value)
}

func (r *Router) SetDoubleMetadata(ctx context.Context, id, key string, value float64) error {
	return r.metadata().SetDoubleMetadata(ctx, id, key, value)
}

func (r *Router) SetBoolMetadata(ctx context.Context, id, key string, value bool) error {
	return r.metadata().SetBoolMetadata(ctx, id, key, value)
}

func (r *Router) GetMetadata(ctx context.Context, id string) (models.NodeGenericMetadata, error) {
	return r.metadata().GetMetadata(ctx, id)
}

func (r *Router) ReadBlob(ctx context.Context, id, dataName string) (io.ReadCloser, error) {
	return r.data().ReadBlob(ctx, id, dataName)
}

func (r *Router) WriteBlob(ctx context.Context, id, dataName string, body io.Reader) error {
	if err := r.data().WriteBlob(ctx, id, dataName, body); err != nil {
		return err
	}
	r.notifier.Notify(models.NodeDataUpdated{ID: id, DataName: dataName})
	return nil
}

func (r *Router) RemoveData(ctx context.Context, id, dataName string) (bool, error) {
	removed, err := r.data().RemoveData(ctx, id, dataName)
	if err != nil {
		return false, err
	}
	if removed {
		r.notifier.Notify(models.NodeDataRemoved{ID: id, DataName: dataName})
	}
	return removed, nil
}

func (r *Router) DataNames(ctx context.Context, id string) ([]string, error) {
	return r.data().DataNames(ctx, id)
}

// Blobs returns the data delegate, so a router can itself serve as the data
// backend of another router.
func (r *Router) Blobs() DataStore {
	return r.data()
}

// Close is a no-op; delegates are owned by the registry.
func (r *Router) Close() error {
	return nil
}
