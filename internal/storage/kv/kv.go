// Package kv implements a storage backend over Redis. Node records, typed
// metadata, child lists and blobs live in separate hashes under a per file
// system prefix; writers serialize through a distributed lock.
package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fruitsalade/appfs/internal/events"
	"github.com/fruitsalade/appfs/internal/metrics"
	"github.com/fruitsalade/appfs/internal/storage"
	"github.com/fruitsalade/appfs/pkg/models"
)

const backendLabel = "kv"

// Config holds the connection settings of a KV backend.
type Config struct {
	Addr     string `json:"addr" koanf:"addr"`
	Password string `json:"password" koanf:"password"`
	DB       int    `json:"db" koanf:"db"`
	Prefix   string `json:"prefix" koanf:"prefix"`
}

// Backend stores one file system in Redis.
type Backend struct {
	rdb      redis.UniversalClient
	keys     keys
	notifier *storage.Notifier
	now      func() time.Time
	lockTTL  time.Duration
	ownsConn bool
}

// Option configures a Backend.
type Option func(*Backend)

// WithClock overrides the time source used for node timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// WithLockTTL sets how long a write lock is held before it expires.
func WithLockTTL(ttl time.Duration) Option {
	return func(b *Backend) { b.lockTTL = ttl }
}

// WithPrefix overrides the key prefix, which defaults to "appfs".
func WithPrefix(prefix string) Option {
	return func(b *Backend) { b.keys = newKeys(prefix, b.notifier.FileSystem()) }
}

// New creates a backend for fileSystem over rdb. The caller keeps
// ownership of rdb.
func New(rdb redis.UniversalClient, fileSystem string, pub events.Publisher, opts ...Option) *Backend {
	b := &Backend{
		rdb:      rdb,
		notifier: storage.NewNotifier(fileSystem, pub),
		now:      time.Now,
		lockTTL:  5 * time.Second,
	}
	b.keys = newKeys("appfs", fileSystem)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewFromConfig dials Redis and creates a backend owning the connection.
func NewFromConfig(ctx context.Context, cfg Config, fileSystem string, pub events.Publisher) (*Backend, error) {
	if cfg.Addr == "" {
		return nil, storage.MissingConfiguration("kv addr", "connect the "+fileSystem+" file system to Redis")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("%w: ping redis at %s: %v", storage.ErrUnavailable, cfg.Addr, err)
	}
	var opts []Option
	if cfg.Prefix != "" {
		opts = append(opts, WithPrefix(cfg.Prefix))
	}
	b := New(rdb, fileSystem, pub, opts...)
	b.ownsConn = true
	return b, nil
}

type keys struct {
	prefix string
}

func newKeys(prefix, fileSystem string) keys {
	return keys{prefix: prefix + ":" + fileSystem + ":"}
}

func (k keys) root() string { return k.prefix + "root" }
func (k keys) lock() string { return k.prefix + "lock" }
func (k keys) nodes() string { return k.prefix + "nodes" }
func (k keys) node(id string) string { return k.prefix + "node:" + id }
func (k keys) children(id string) string { return k.prefix + "children:" + id }
func (k keys) data(id string) string { return k.prefix + "data:" + id }
func (k keys) meta(id, kind string) string { return k.prefix + "meta:" + id + ":" + kind }
func (k keys) all(id string) []string {
	return []string{
		k.node(id), k.children(id), k.data(id),
		k.meta(id, "s"), k.meta(id, "l"), k.meta(id, "d"), k.meta(id, "b"),
	}
}

// Node hash fields.
const (
	fieldID          = "id"
	fieldParent      = "parent"
	fieldName        = "name"
	fieldPseudoClass = "pseudoClass"
	fieldDescription = "description"
	fieldVersion     = "version"
	fieldConsistent  = "consistent"
	fieldCreated     = "created"
	fieldModified    = "modified"
)

func (b *Backend) FileSystemName() string {
	return b.notifier.FileSystem()
}

// Blobs exposes the blob hashes without node existence checks.
func (b *Backend) Blobs() storage.DataStore {
	return &Blobs{rdb: b.rdb, keys: b.keys}
}

// withLock runs fn while holding the file system write lock.
func (b *Backend) withLock(ctx context.Context, op string, fn func() error) (err error) {
	done := metrics.ObserveBackendOp(backendLabel, op)
	defer func() { done(err) }()

	lock, err := redislock.Obtain(ctx, b.rdb, b.keys.lock(), b.lockTTL, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(10*time.Millisecond), 500),
	})
	if err != nil {
		return fmt.Errorf("%w: obtain write lock: %v", storage.ErrUnavailable, err)
	}
	defer lock.Release(context.Background())
	return fn()
}

func stamp(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

func parseStamp(s string) time.Time {
	n, _ := strconv.ParseInt(s, 10, 64)
	return time.Unix(0, n)
}

func (b *Backend) nodeFields(n models.Node) map[string]any {
	consistent := "0"
	if n.Consistent {
		consistent = "1"
	}
	return map[string]any{
		fieldID:          n.ID,
		fieldParent:      n.ParentID,
		fieldName:        n.Name,
		fieldPseudoClass: n.PseudoClass,
		fieldDescription: n.Description,
		fieldVersion:     n.Version,
		fieldConsistent:  consistent,
		fieldCreated:     stamp(n.CreationTime),
		fieldModified:    stamp(n.ModificationTime),
	}
}

func writeMetadata(ctx context.Context, pipe redis.Pipeliner, k keys, id string, md models.NodeGenericMetadata) {
	for key, v := range md.Strings {
		pipe.HSet(ctx, k.meta(id, "s"), key, v)
	}
	for key, v := range md.Ints {
		pipe.HSet(ctx, k.meta(id, "l"), key, v)
	}
	for key, v := range md.Doubles {
		pipe.HSet(ctx, k.meta(id, "d"), key, strconv.FormatFloat(v, 'g', -1, 64))
	}
	for key, v := range md.Bools {
		pipe.HSet(ctx, k.meta(id, "b"), key, strconv.FormatBool(v))
	}
}

// loadNode reads a node record and its metadata.
func (b *Backend) loadNode(ctx context.Context, op, id string) (models.Node, error) {
	fields, err := b.rdb.HGetAll(ctx, b.keys.node(id)).Result()
	if err != nil {
		return models.Node{}, storage.NewNodeError(op, id, fmt.Errorf("%w: %v", storage.ErrUnavailable, err))
	}
	if len(fields) == 0 {
		return models.Node{}, storage.NewNodeError(op, id, storage.ErrNotFound)
	}
	version, _ := strconv.Atoi(fields[fieldVersion])
	n := models.Node{
		ID:               fields[fieldID],
		ParentID:         fields[fieldParent],
		Name:             fields[fieldName],
		PseudoClass:      fields[fieldPseudoClass],
		Description:      fields[fieldDescription],
		Version:          version,
		Consistent:       fields[fieldConsistent] == "1",
		CreationTime:     parseStamp(fields[fieldCreated]),
		ModificationTime: parseStamp(fields[fieldModified]),
	}
	md, err := b.loadMetadata(ctx, id)
	if err != nil {
		return models.Node{}, storage.NewNodeError(op, id, err)
	}
	n.GenericMetadata = md
	return n, nil
}

func (b *Backend) loadMetadata(ctx context.Context, id string) (models.NodeGenericMetadata, error) {
	pipe := b.rdb.Pipeline()
	s := pipe.HGetAll(ctx, b.keys.meta(id, "s"))
	l := pipe.HGetAll(ctx, b.keys.meta(id, "l"))
	d := pipe.HGetAll(ctx, b.keys.meta(id, "d"))
	bo := pipe.HGetAll(ctx, b.keys.meta(id, "b"))
	if _, err := pipe.Exec(ctx); err != nil {
		return models.NodeGenericMetadata{}, fmt.Errorf("%w: load metadata: %v", storage.ErrUnavailable, err)
	}

	md := models.NewNodeGenericMetadata()
	for k, v := range s.Val() {
		md.Strings[k] = v
	}
	for k, v := range l.Val() {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			md.Ints[k] = n
		}
	}
	for k, v := range d.Val() {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			md.Doubles[k] = f
		}
	}
	for k, v := range bo.Val() {
		if t, err := strconv.ParseBool(v); err == nil {
			md.Bools[k] = t
		}
	}
	return md, nil
}

func (b *Backend) exists(ctx context.Context, op, id string) error {
	n, err := b.rdb.Exists(ctx, b.keys.node(id)).Result()
	if err != nil {
		return storage.NewNodeError(op, id, fmt.Errorf("%w: %v", storage.ErrUnavailable, err))
	}
	if n == 0 {
		return storage.NewNodeError(op, id, storage.ErrNotFound)
	}
	return nil
}

func (b *Backend) CreateRootNodeIfNotExists(ctx context.Context, name, pseudoClass string) (models.Node, error) {
	if pseudoClass == "" {
		pseudoClass = models.DefaultPseudoClass
	}
	var root models.Node
	err := b.withLock(ctx, "CreateRootNodeIfNotExists", func() error {
		id, err := b.rdb.Get(ctx, b.keys.root()).Result()
		if err == nil {
			root, err = b.loadNode(ctx, "CreateRootNodeIfNotExists", id)
			return err
		}
		if !errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
		}

		now := b.now()
		root = models.Node{
			ID:               uuid.NewString(),
			Name:             name,
			PseudoClass:      pseudoClass,
			Version:          1,
			Consistent:       true,
			CreationTime:     now,
			ModificationTime: now,
			GenericMetadata:  models.NewNodeGenericMetadata(),
		}
		_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, b.keys.node(root.ID), b.nodeFields(root))
			pipe.SAdd(ctx, b.keys.nodes(), root.ID)
			pipe.Set(ctx, b.keys.root(), root.ID, 0)
			return nil
		})
		return err
	})
	return root, err
}

func (b *Backend) GetRootNode(ctx context.Context) (models.Node, error) {
	id, err := b.rdb.Get(ctx, b.keys.root()).Result()
	if errors.Is(err, redis.Nil) {
		return models.Node{}, storage.NewNodeError("GetRootNode", "", storage.ErrNotFound)
	}
	if err != nil {
		return models.Node{}, storage.NewNodeError("GetRootNode", "", fmt.Errorf("%w: %v", storage.ErrUnavailable, err))
	}
	return b.loadNode(ctx, "GetRootNode", id)
}

func (b *Backend) CreateNode(ctx context.Context, parentID, name, pseudoClass string, attrs models.NodeAttributes) (models.Node, error) {
	if name == "" {
		return models.Node{}, storage.NewNodeError("CreateNode", parentID, fmt.Errorf("%w: empty node name", storage.ErrInvalidArgument))
	}
	if pseudoClass == "" {
		pseudoClass = models.DefaultPseudoClass
	}

	var n models.Node
	err := b.withLock(ctx, "CreateNode", func() error {
		if err := b.exists(ctx, "CreateNode", parentID); err != nil {
			return err
		}
		taken, err := b.rdb.HExists(ctx, b.keys.children(parentID), name).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
		}
		if taken {
			return storage.NewNodeError("CreateNode", parentID, fmt.Errorf("%w: %q", storage.ErrConflict, name))
		}

		now := b.now()
		n = models.Node{
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
		_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, b.keys.node(n.ID), b.nodeFields(n))
			writeMetadata(ctx, pipe, b.keys, n.ID, n.GenericMetadata)
			pipe.HSet(ctx, b.keys.children(parentID), name, n.ID)
			pipe.HSet(ctx, b.keys.node(parentID), fieldModified, stamp(now))
			pipe.SAdd(ctx, b.keys.nodes(), n.ID)
			return nil
		})
		return err
	})
	if err != nil {
		return models.Node{}, err
	}

	b.notifier.Notify(models.NodeCreated{ID: n.ID, ParentID: parentID})
	return n, nil
}

func (b *Backend) GetNodeInfo(ctx context.Context, id string) (models.Node, error) {
	return b.loadNode(ctx, "GetNodeInfo", id)
}

func (b *Backend) GetChildNodes(ctx context.Context, id string) ([]models.Node, error) {
	refs, err := b.childRefs(ctx, "GetChildNodes", id)
	if err != nil {
		return nil, err
	}
	children := make([]models.Node, 0, len(refs))
	for _, ref := range refs {
		c, err := b.loadNode(ctx, "GetChildNodes", ref.ID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		children = append(children, c)
	}
	return children, nil
}

func (b *Backend) childRefs(ctx context.Context, op, id string) ([]storage.ChildRef, error) {
	if err := b.exists(ctx, op, id); err != nil {
		return nil, err
	}
	entries, err := b.rdb.HGetAll(ctx, b.keys.children(id)).Result()
	if err != nil {
		return nil, storage.NewNodeError(op, id, fmt.Errorf("%w: %v", storage.ErrUnavailable, err))
	}
	refs := make([]storage.ChildRef, 0, len(entries))
	for name, childID := range entries {
		refs = append(refs, storage.ChildRef{Name: name, ID: childID})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

func (b *Backend) GetChildNode(ctx context.Context, id, name string) (models.Node, error) {
	if err := b.exists(ctx, "GetChildNode", id); err != nil {
		return models.Node{}, err
	}
	childID, err := b.rdb.HGet(ctx, b.keys.children(id), name).Result()
	if errors.Is(err, redis.Nil) {
		return models.Node{}, storage.NewNodeError("GetChildNode", id, fmt.Errorf("%w: no child %q", storage.ErrNotFound, name))
	}
	if err != nil {
		return models.Node{}, storage.NewNodeError("GetChildNode", id, fmt.Errorf("%w: %v", storage.ErrUnavailable, err))
	}
	return b.loadNode(ctx, "GetChildNode", childID)
}

func (b *Backend) GetParentNode(ctx context.Context, id string) (models.Node, bool, error) {
	n, err := b.loadNode(ctx, "GetParentNode", id)
	if err != nil {
		return models.Node{}, false, err
	}
	if n.ParentID == "" {
		return models.Node{}, false, nil
	}
	p, err := b.loadNode(ctx, "GetParentNode", n.ParentID)
	if err != nil {
		return models.Node{}, false, err
	}
	return p, true, nil
}

func (b *Backend) SetParent(ctx context.Context, id, newParentID string) error {
	var oldParentID string
	moved := false
	err := b.withLock(ctx, "SetParent", func() error {
		n, err := b.loadNode(ctx, "SetParent", id)
		if err != nil {
			return err
		}
		if err := b.exists(ctx, "SetParent", newParentID); err != nil {
			return err
		}
		for cur := newParentID; cur != ""; {
			if cur == id {
				return storage.NewNodeError("SetParent", id, storage.ErrCycle)
			}
			cur, err = b.rdb.HGet(ctx, b.keys.node(cur), fieldParent).Result()
			if errors.Is(err, redis.Nil) {
				break
			}
			if err != nil {
				return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
			}
		}
		oldParentID = n.ParentID
		if oldParentID == newParentID {
			return nil
		}
		taken, err := b.rdb.HExists(ctx, b.keys.children(newParentID), n.Name).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
		}
		if taken {
			return storage.NewNodeError("SetParent", id, fmt.Errorf("%w: %q", storage.ErrConflict, n.Name))
		}

		now := stamp(b.now())
		_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if oldParentID != "" {
				pipe.HDel(ctx, b.keys.children(oldParentID), n.Name)
				pipe.HSet(ctx, b.keys.node(oldParentID), fieldModified, now)
			}
			pipe.HSet(ctx, b.keys.children(newParentID), n.Name, id)
			pipe.HSet(ctx, b.keys.node(newParentID), fieldModified, now)
			pipe.HSet(ctx, b.keys.node(id), fieldParent, newParentID, fieldModified, now)
			return nil
		})
		moved = err == nil
		return err
	})
	if err != nil || !moved {
		return err
	}

	b.notifier.Notify(models.ParentChanged{ID: id, OldParentID: oldParentID, NewParentID: newParentID})
	return nil
}

func (b *Backend) RenameNode(ctx context.Context, id, name string) error {
	if name == "" {
		return storage.NewNodeError("RenameNode", id, fmt.Errorf("%w: empty node name", storage.ErrInvalidArgument))
	}
	renamed := false
	err := b.withLock(ctx, "RenameNode", func() error {
		n, err := b.loadNode(ctx, "RenameNode", id)
		if err != nil {
			return err
		}
		if n.Name == name {
			return nil
		}
		if n.ParentID != "" {
			taken, err := b.rdb.HExists(ctx, b.keys.children(n.ParentID), name).Result()
			if err != nil {
				return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
			}
			if taken {
				return storage.NewNodeError("RenameNode", id, fmt.Errorf("%w: %q", storage.ErrConflict, name))
			}
		}
		_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if n.ParentID != "" {
				pipe.HDel(ctx, b.keys.children(n.ParentID), n.Name)
				pipe.HSet(ctx, b.keys.children(n.ParentID), name, id)
			}
			pipe.HSet(ctx, b.keys.node(id), fieldName, name, fieldModified, stamp(b.now()))
			return nil
		})
		renamed = err == nil
		return err
	})
	if err != nil || !renamed {
		return err
	}

	b.notifier.Notify(models.NodeNameUpdated{ID: id, Name: name})
	return nil
}

func (b *Backend) SetConsistent(ctx context.Context, id string) error {
	flipped := false
	err := b.withLock(ctx, "SetConsistent", func() error {
		consistent, err := b.rdb.HGet(ctx, b.keys.node(id), fieldConsistent).Result()
		if errors.Is(err, redis.Nil) {
			return storage.NewNodeError("SetConsistent", id, storage.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
		}
		if consistent == "1" {
			return nil
		}
		err = b.rdb.HSet(ctx, b.keys.node(id), fieldConsistent, "1", fieldModified, stamp(b.now())).Err()
		flipped = err == nil
		return err
	})
	if err != nil || !flipped {
		return err
	}

	b.notifier.Notify(models.NodeConsistent{ID: id})
	return nil
}

func (b *Backend) IsConsistent(ctx context.Context, id string) (bool, error) {
	consistent, err := b.rdb.HGet(ctx, b.keys.node(id), fieldConsistent).Result()
	if errors.Is(err, redis.Nil) {
		return false, storage.NewNodeError("IsConsistent", id, storage.ErrNotFound)
	}
	if err != nil {
		return false, storage.NewNodeError("IsConsistent", id, fmt.Errorf("%w: %v", storage.ErrUnavailable, err))
	}
	return consistent == "1", nil
}

func (b *Backend) setField(ctx context.Context, op, id, key, field string, value any) error {
	return b.withLock(ctx, op, func() error {
		if err := b.exists(ctx, op, id); err != nil {
			return err
		}
		_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, field, value)
			pipe.HSet(ctx, b.keys.node(id), fieldModified, stamp(b.now()))
			return nil
		})
		return err
	})
}

func (b *Backend) SetDescription(ctx context.Context, id, description string) error {
	return b.setField(ctx, "SetDescription", id, b.keys.node(id), fieldDescription, description)
}

func (b *Backend) SetStringMetadata(ctx context.Context, id, key, value string) error {
	return b.setField(ctx, "SetStringMetadata", id, b.keys.meta(id, "s"), key, value)
}

func (b *Backend) SetIntMetadata(ctx context.Context, id, key string, value int64) error {
	return b.setField(ctx, "SetIntMetadata", id, b.keys.meta(id, "l"), key, value)
}

func (b *Backend) SetDoubleMetadata(ctx context.Context, id, key string, value float64) error {
	return b.setField(ctx, "SetDoubleMetadata", id, b.keys.meta(id, "d"), key, strconv.FormatFloat(value, 'g', -1, 64))
}

func (b *Backend) SetBoolMetadata(ctx context.Context, id, key string, value bool) error {
	return b.setField(ctx, "SetBoolMetadata", id, b.keys.meta(id, "b"), key, strconv.FormatBool(value))
}

func (b *Backend) GetMetadata(ctx context.Context, id string) (models.NodeGenericMetadata, error) {
	if err := b.exists(ctx, "GetMetadata", id); err != nil {
		return models.NodeGenericMetadata{}, err
	}
	return b.loadMetadata(ctx, id)
}

func (b *Backend) DeleteNode(ctx context.Context, id string) (string, error) {
	var parentID string
	err := b.withLock(ctx, "DeleteNode", func() error {
		n, err := b.loadNode(ctx, "DeleteNode", id)
		if err != nil {
			return err
		}
		if n.ParentID == "" {
			return storage.NewNodeError("DeleteNode", id, storage.ErrRootDeletion)
		}
		parentID = n.ParentID

		removed := []string{id}
		for i := 0; i < len(removed); i++ {
			childIDs, err := b.rdb.HVals(ctx, b.keys.children(removed[i])).Result()
			if err != nil {
				return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
			}
			removed = append(removed, childIDs...)
		}

		_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, b.keys.children(parentID), n.Name)
			pipe.HSet(ctx, b.keys.node(parentID), fieldModified, stamp(b.now()))
			for _, nodeID := range removed {
				pipe.Del(ctx, b.keys.all(nodeID)...)
				pipe.SRem(ctx, b.keys.nodes(), nodeID)
			}
			return nil
		})
		return err
	})
	if err != nil {
		return "", err
	}

	b.notifier.Notify(models.NodeRemoved{ID: id, ParentID: parentID})
	return parentID, nil
}

func (b *Backend) ReadBlob(ctx context.Context, id, dataName string) (io.ReadCloser, error) {
	if err := b.exists(ctx, "ReadBlob", id); err != nil {
		return nil, err
	}
	return b.Blobs().ReadBlob(ctx, id, dataName)
}

func (b *Backend) WriteBlob(ctx context.Context, id, dataName string, r io.Reader) error {
	if err := b.exists(ctx, "WriteBlob", id); err != nil {
		return err
	}
	if err := b.Blobs().WriteBlob(ctx, id, dataName, r); err != nil {
		return err
	}
	b.notifier.Notify(models.NodeDataUpdated{ID: id, DataName: dataName})
	return nil
}

func (b *Backend) RemoveData(ctx context.Context, id, dataName string) (bool, error) {
	if err := b.exists(ctx, "RemoveData", id); err != nil {
		return false, err
	}
	removed, err := b.Blobs().RemoveData(ctx, id, dataName)
	if err != nil || !removed {
		return removed, err
	}
	b.notifier.Notify(models.NodeDataRemoved{ID: id, DataName: dataName})
	return true, nil
}

func (b *Backend) DataNames(ctx context.Context, id string) ([]string, error) {
	if err := b.exists(ctx, "DataNames", id); err != nil {
		return nil, err
	}
	return b.Blobs().DataNames(ctx, id)
}

// ScanNodes calls fn for every node recorded in the node set.
func (b *Backend) ScanNodes(ctx context.Context, fn func(models.Node) error) error {
	ids, err := b.rdb.SMembers(ctx, b.keys.nodes()).Result()
	if err != nil {
		return fmt.Errorf("%w: list nodes: %v", storage.ErrUnavailable, err)
	}
	for _, id := range ids {
		n, err := b.loadNode(ctx, "ScanNodes", id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(n); err != nil {
			return err
		}
	}
	return nil
}

// ChildReferences returns the raw child list of parentID, including
// entries whose node record no longer exists.
func (b *Backend) ChildReferences(ctx context.Context, parentID string) ([]storage.ChildRef, error) {
	return b.childRefs(ctx, "ChildReferences", parentID)
}

// RemoveChildReference drops childID from the child list of parentID.
func (b *Backend) RemoveChildReference(ctx context.Context, parentID, childID string) error {
	return b.withLock(ctx, "RemoveChildReference", func() error {
		entries, err := b.rdb.HGetAll(ctx, b.keys.children(parentID)).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
		}
		for name, id := range entries {
			if id == childID {
				return b.rdb.HDel(ctx, b.keys.children(parentID), name).Err()
			}
		}
		return storage.NewNodeError("RemoveChildReference", childID, storage.ErrNotFound)
	})
}

func (b *Backend) Close() error {
	if b.ownsConn {
		return b.rdb.Close()
	}
	return nil
}

// Blobs stores node data in one Redis hash per node.
type Blobs struct {
	rdb  redis.UniversalClient
	keys keys
}

func (s *Blobs) ReadBlob(ctx context.Context, id, dataName string) (io.ReadCloser, error) {
	content, err := s.rdb.HGet(ctx, s.keys.data(id), dataName).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.NewNodeError("ReadBlob", id, fmt.Errorf("%w: no data %q", storage.ErrNotFound, dataName))
	}
	if err != nil {
		return nil, storage.NewNodeError("ReadBlob", id, fmt.Errorf("%w: %v", storage.ErrUnavailable, err))
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (s *Blobs) WriteBlob(ctx context.Context, id, dataName string, r io.Reader) (err error) {
	done := metrics.ObserveBackendOp(backendLabel, "WriteBlob")
	defer func() { done(err) }()

	if dataName == "" {
		return storage.NewNodeError("WriteBlob", id, fmt.Errorf("%w: empty data name", storage.ErrInvalidArgument))
	}
	content, err := io.ReadAll(r)
	if err != nil {
		return storage.NewNodeError("WriteBlob", id, err)
	}
	if err := s.rdb.HSet(ctx, s.keys.data(id), dataName, content).Err(); err != nil {
		return storage.NewNodeError("WriteBlob", id, fmt.Errorf("%w: %v", storage.ErrUnavailable, err))
	}
	return nil
}

func (s *Blobs) RemoveData(ctx context.Context, id, dataName string) (bool, error) {
	n, err := s.rdb.HDel(ctx, s.keys.data(id), dataName).Result()
	if err != nil {
		return false, storage.NewNodeError("RemoveData", id, fmt.Errorf("%w: %v", storage.ErrUnavailable, err))
	}
	return n > 0, nil
}

func (s *Blobs) DataNames(ctx context.Context, id string) ([]string, error) {
	names, err := s.rdb.HKeys(ctx, s.keys.data(id)).Result()
	if err != nil {
		return nil, storage.NewNodeError("DataNames", id, fmt.Errorf("%w: %v", storage.ErrUnavailable, err))
	}
	sort.Strings(names)
	return names, nil
}

func (s *Blobs) Close() error {
	return nil
}
