// Package storage defines the node store contract shared by every storage
// engine and provides named registration and routing across engines.
package storage

import (
	"context"
	"io"

	"github.com/fruitsalade/appfs/pkg/models"
)

// NodeStore holds the tree topology and node metadata of one file system.
type NodeStore interface {
	// FileSystemName returns the name events are published under.
	FileSystemName() string

	// CreateRootNodeIfNotExists returns the root, creating it consistent if
	// the file system has none yet.
	CreateRootNodeIfNotExists(ctx context.Context, name, pseudoClass string) (models.Node, error)

	// GetRootNode returns the root or ErrNotFound if none was created.
	GetRootNode(ctx context.Context) (models.Node, error)

	// CreateNode creates an inconsistent child of parentID. It fails with
	// ErrNotFound for an unknown parent and ErrConflict for a duplicate name.
	CreateNode(ctx context.Context, parentID, name, pseudoClass string, attrs models.NodeAttributes) (models.Node, error)

	GetNodeInfo(ctx context.Context, id string) (models.Node, error)

	// GetChildNodes returns an empty slice for a leaf.
	GetChildNodes(ctx context.Context, id string) ([]models.Node, error)

	GetChildNode(ctx context.Context, id, name string) (models.Node, error)

	// GetParentNode reports false for the root.
	GetParentNode(ctx context.Context, id string) (models.Node, bool, error)

	// SetParent moves id under newParentID. It fails with ErrCycle when
	// newParentID is id or one of its descendants.
	SetParent(ctx context.Context, id, newParentID string) error

	RenameNode(ctx context.Context, id, name string) error

	// SetConsistent finalizes a node. It is idempotent.
	SetConsistent(ctx context.Context, id string) error
	IsConsistent(ctx context.Context, id string) (bool, error)

	SetDescription(ctx context.Context, id, description string) error
	SetStringMetadata(ctx context.Context, id, key, value string) error
	SetIntMetadata(ctx context.Context, id, key string, value int64) error
	SetDoubleMetadata(ctx context.Context, id, key string, value float64) error
	SetBoolMetadata(ctx context.Context, id, key string, value bool) error
	GetMetadata(ctx context.Context, id string) (models.NodeGenericMetadata, error)

	// DeleteNode removes id and its subtree and returns the former parent
	// id. The root cannot be deleted.
	DeleteNode(ctx context.Context, id string) (string, error)

	Close() error
}

// DataStore holds named blobs attached to nodes.
type DataStore interface {
	// ReadBlob returns ErrNotFound when the blob does not exist.
	ReadBlob(ctx context.Context, id, dataName string) (io.ReadCloser, error)
	WriteBlob(ctx context.Context, id, dataName string, r io.Reader) error
	// RemoveData reports whether a blob was removed.
	RemoveData(ctx context.Context, id, dataName string) (bool, error)
	DataNames(ctx context.Context, id string) ([]string, error)

	Close() error
}

// Backend is a complete storage engine.
type Backend interface {
	NodeStore
	DataStore
}

// BlobProvider is implemented by backends whose blob storage can serve
// another tree, keyed by node id without checking the node exists locally.
type BlobProvider interface {
	Blobs() DataStore
}

// NodeScanner is implemented by backends that can enumerate every stored
// node, including nodes not reachable from the root.
type NodeScanner interface {
	ScanNodes(ctx context.Context, fn func(models.Node) error) error
}

// ChildRef is one entry of a parent's child list.
type ChildRef struct {
	Name string
	ID   string
}

// ChildIndex is implemented by backends whose child lists are stored
// separately from node records and can therefore dangle.
type ChildIndex interface {
	ChildReferences(ctx context.Context, parentID string) ([]ChildRef, error)
	RemoveChildReference(ctx context.Context, parentID, childID string) error
}

// RemoteChecker is implemented by backends that delegate consistency checks
// to the process owning the data.
type RemoteChecker interface {
	CheckFileSystem(ctx context.Context, opts models.FileSystemCheckOptions) ([]models.FileSystemCheckIssue, error)
}
