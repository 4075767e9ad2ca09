// Package postgres provides a PostgreSQL-backed storage backend.
package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/fruitsalade/appfs/internal/events"
	"github.com/fruitsalade/appfs/internal/logging"
	"github.com/fruitsalade/appfs/internal/metrics"
	"github.com/fruitsalade/appfs/internal/storage"
	_ "github.com/fruitsalade/appfs/internal/storage/postgres/migrations"
	"github.com/fruitsalade/appfs/pkg/models"
)

const backendLabel = "postgres"

const uniqueViolation = "23505"

// Config holds the connection settings of a PostgreSQL backend.
type Config struct {
	DatabaseURL string `json:"database_url" koanf:"database_url"`
	Migrate     bool   `json:"migrate" koanf:"migrate"`
}

// Backend stores file systems in PostgreSQL. Several file systems share the
// same tables, distinguished by the file_system column.
type Backend struct {
	db       *sqlx.DB
	psql     squirrel.StatementBuilderType
	notifier *storage.Notifier
	now      func() time.Time
	ownsDB   bool
}

// Option configures a Backend.
type Option func(*Backend)

// WithClock overrides the time source used for node timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// New creates a backend for fileSystem over db. The caller keeps
// ownership of db.
func New(db *sqlx.DB, fileSystem string, pub events.Publisher, opts ...Option) *Backend {
	b := &Backend{
		db:       db,
		psql:     squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		notifier: storage.NewNotifier(fileSystem, pub),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open connects to the database, optionally migrates it, and creates a
// backend owning the connection.
func Open(ctx context.Context, cfg Config, fileSystem string, pub events.Publisher) (*Backend, error) {
	if cfg.DatabaseURL == "" {
		return nil, storage.MissingConfiguration("postgres database_url", "open the "+fileSystem+" file system")
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: connect database: %v", storage.ErrUnavailable, err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	b := New(db, fileSystem, pub)
	b.ownsDB = true
	if cfg.Migrate {
		if err := b.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return b, nil
}

// Migrate applies pending schema migrations.
func (b *Backend) Migrate(ctx context.Context) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, b.db.DB, "."); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logging.Info("database migrations applied", zap.String("file_system", b.FileSystemName()))
	return nil
}

func (b *Backend) FileSystemName() string {
	return b.notifier.FileSystem()
}

type nodeRow struct {
	ID          string         `db:"id"`
	ParentID    sql.NullString `db:"parent_id"`
	Name        string         `db:"name"`
	PseudoClass string         `db:"pseudo_class"`
	Description string         `db:"description"`
	Version     int            `db:"version"`
	Consistent  bool           `db:"consistent"`
	CreatedAt   time.Time      `db:"created_at"`
	ModifiedAt  time.Time      `db:"modified_at"`
}

var nodeColumns = []string{
	"id", "parent_id", "name", "pseudo_class", "description",
	"version", "consistent", "created_at", "modified_at",
}

func (r nodeRow) toModel() models.Node {
	return models.Node{
		ID:               r.ID,
		ParentID:         r.ParentID.String,
		Name:             r.Name,
		PseudoClass:      r.PseudoClass,
		Description:      r.Description,
		Version:          r.Version,
		Consistent:       r.Consistent,
		CreationTime:     r.CreatedAt,
		ModificationTime: r.ModifiedAt,
		GenericMetadata:  models.NewNodeGenericMetadata(),
	}
}

type metadataRow struct {
	NodeID      string          `db:"node_id"`
	Kind        string          `db:"kind"`
	Key         string          `db:"key"`
	StringValue sql.NullString  `db:"string_value"`
	LongValue   sql.NullInt64   `db:"long_value"`
	DoubleValue sql.NullFloat64 `db:"double_value"`
	BoolValue   sql.NullBool    `db:"bool_value"`
}

// translate maps driver errors onto the storage taxonomy.
func translate(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var nodeErr *storage.NodeError
	if errors.As(err, &nodeErr) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return storage.NewNodeError(op, id, fmt.Errorf("%w: %s", storage.ErrConflict, pqErr.Message))
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.NewNodeError(op, id, storage.ErrNotFound)
	}
	return storage.NewNodeError(op, id, err)
}

func (b *Backend) selectNodes() squirrel.SelectBuilder {
	return b.psql.Select(nodeColumns...).From("appfs_node").
		Where(squirrel.Eq{"file_system": b.FileSystemName()})
}

func (b *Backend) queryNode(ctx context.Context, q sqlx.QueryerContext, qb squirrel.SelectBuilder) (nodeRow, error) {
	query, args, err := qb.ToSql()
	if err != nil {
		return nodeRow{}, err
	}
	var row nodeRow
	err = sqlx.GetContext(ctx, q, &row, query, args...)
	return row, err
}

func (b *Backend) queryNodes(ctx context.Context, q sqlx.QueryerContext, qb squirrel.SelectBuilder) ([]models.Node, error) {
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, err
	}
	var rows []nodeRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, err
	}
	nodes := make([]models.Node, len(rows))
	ids := make([]string, len(rows))
	for i, r := range rows {
		nodes[i] = r.toModel()
		ids[i] = r.ID
	}
	if len(ids) == 0 {
		return nodes, nil
	}
	md, err := b.loadMetadata(ctx, q, ids...)
	if err != nil {
		return nil, err
	}
	for i := range nodes {
		if m, ok := md[nodes[i].ID]; ok {
			nodes[i].GenericMetadata = m
		}
	}
	return nodes, nil
}

func (b *Backend) loadMetadata(ctx context.Context, q sqlx.QueryerContext, ids ...string) (map[string]models.NodeGenericMetadata, error) {
	query, args, err := b.psql.
		Select("node_id", "kind", "key", "string_value", "long_value", "double_value", "bool_value").
		From("appfs_node_metadata").
		Where(squirrel.Eq{"node_id": ids}).
		ToSql()
	if err != nil {
		return nil, err
	}
	var rows []metadataRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make(map[string]models.NodeGenericMetadata, len(ids))
	for _, r := range rows {
		md, ok := out[r.NodeID]
		if !ok {
			md = models.NewNodeGenericMetadata()
		}
		switch models.MetadataKind(r.Kind) {
		case models.MetadataString:
			md.SetString(r.Key, r.StringValue.String)
		case models.MetadataInt:
			md.SetInt(r.Key, r.LongValue.Int64)
		case models.MetadataDouble:
			md.SetDouble(r.Key, r.DoubleValue.Float64)
		case models.MetadataBool:
			md.SetBool(r.Key, r.BoolValue.Bool)
		}
		out[r.NodeID] = md
	}
	return out, nil
}

func (b *Backend) getNode(ctx context.Context, q sqlx.QueryerContext, op, id string) (models.Node, error) {
	row, err := b.queryNode(ctx, q, b.selectNodes().Where(squirrel.Eq{"id": id}))
	if err != nil {
		return models.Node{}, translate(op, id, err)
	}
	n := row.toModel()
	md, err := b.loadMetadata(ctx, q, id)
	if err != nil {
		return models.Node{}, translate(op, id, err)
	}
	if m, ok := md[id]; ok {
		n.GenericMetadata = m
	}
	return n, nil
}

func (b *Backend) exists(ctx context.Context, q sqlx.QueryerContext, op, id string, lock bool) error {
	qb := b.psql.Select("id").From("appfs_node").
		Where(squirrel.Eq{"file_system": b.FileSystemName(), "id": id})
	if lock {
		qb = qb.Suffix("FOR UPDATE")
	}
	query, args, err := qb.ToSql()
	if err != nil {
		return err
	}
	var found string
	return translate(op, id, sqlx.GetContext(ctx, q, &found, query, args...))
}

func (b *Backend) exec(ctx context.Context, e sqlx.ExecerContext, qb squirrel.Sqlizer) (int64, error) {
	query, args, err := qb.ToSql()
	if err != nil {
		return 0, err
	}
	res, err := e.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// inTx runs fn in a transaction, committing when it returns nil.
func (b *Backend) inTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) (err error) {
	done := metrics.ObserveBackendOp(backendLabel, op)
	defer func() { done(err) }()

	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", storage.ErrUnavailable, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (b *Backend) touch(ctx context.Context, tx *sqlx.Tx, id string, now time.Time) error {
	_, err := b.exec(ctx, tx, b.psql.Update("appfs_node").
		Set("modified_at", now).
		Where(squirrel.Eq{"id": id}))
	return err
}

func (b *Backend) insertNode(ctx context.Context, tx *sqlx.Tx, n models.Node) error {
	var parent any
	if n.ParentID != "" {
		parent = n.ParentID
	}
	_, err := b.exec(ctx, tx, b.psql.Insert("appfs_node").
		Columns("id", "file_system", "parent_id", "name", "pseudo_class", "description",
			"version", "consistent", "created_at", "modified_at").
		Values(n.ID, b.FileSystemName(), parent, n.Name, n.PseudoClass, n.Description,
			n.Version, n.Consistent, n.CreationTime, n.ModificationTime))
	return err
}

func (b *Backend) CreateRootNodeIfNotExists(ctx context.Context, name, pseudoClass string) (models.Node, error) {
	if pseudoClass == "" {
		pseudoClass = models.DefaultPseudoClass
	}
	var root models.Node
	err := b.inTx(ctx, "CreateRootNodeIfNotExists", func(tx *sqlx.Tx) error {
		row, err := b.queryNode(ctx, tx, b.selectNodes().Where(squirrel.Eq{"parent_id": nil}))
		if err == nil {
			root, err = b.getNode(ctx, tx, "CreateRootNodeIfNotExists", row.ID)
			return err
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return translate("CreateRootNodeIfNotExists", "", err)
		}

		now := b.now().UTC()
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
		return translate("CreateRootNodeIfNotExists", root.ID, b.insertNode(ctx, tx, root))
	})
	return root, err
}

func (b *Backend) GetRootNode(ctx context.Context) (models.Node, error) {
	row, err := b.queryNode(ctx, b.db, b.selectNodes().Where(squirrel.Eq{"parent_id": nil}))
	if err != nil {
		return models.Node{}, translate("GetRootNode", "", err)
	}
	return b.getNode(ctx, b.db, "GetRootNode", row.ID)
}

func (b *Backend) CreateNode(ctx context.Context, parentID, name, pseudoClass string, attrs models.NodeAttributes) (models.Node, error) {
	if name == "" {
		return models.Node{}, storage.NewNodeError("CreateNode", parentID, fmt.Errorf("%w: empty node name", storage.ErrInvalidArgument))
	}
	if pseudoClass == "" {
		pseudoClass = models.DefaultPseudoClass
	}

	now := b.now().UTC()
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
	err := b.inTx(ctx, "CreateNode", func(tx *sqlx.Tx) error {
		if err := b.exists(ctx, tx, "CreateNode", parentID, true); err != nil {
			return err
		}
		if err := b.insertNode(ctx, tx, n); err != nil {
			return translate("CreateNode", parentID, err)
		}
		if err := b.writeMetadata(ctx, tx, n.ID, n.GenericMetadata); err != nil {
			return translate("CreateNode", n.ID, err)
		}
		return translate("CreateNode", parentID, b.touch(ctx, tx, parentID, now))
	})
	if err != nil {
		return models.Node{}, err
	}

	b.notifier.Notify(models.NodeCreated{ID: n.ID, ParentID: parentID})
	return n, nil
}

func (b *Backend) upsertMetadata(ctx context.Context, tx *sqlx.Tx, id string, kind models.MetadataKind, key string, value any) error {
	column := map[models.MetadataKind]string{
		models.MetadataString: "string_value",
		models.MetadataInt:    "long_value",
		models.MetadataDouble: "double_value",
		models.MetadataBool:   "bool_value",
	}[kind]
	_, err := b.exec(ctx, tx, b.psql.Insert("appfs_node_metadata").
		Columns("node_id", "kind", "key", column).
		Values(id, string(kind), key, value).
		Suffix(fmt.Sprintf("ON CONFLICT (node_id, kind, key) DO UPDATE SET %s = EXCLUDED.%s", column, column)))
	return err
}

func (b *Backend) writeMetadata(ctx context.Context, tx *sqlx.Tx, id string, md models.NodeGenericMetadata) error {
	for k, v := range md.Strings {
		if err := b.upsertMetadata(ctx, tx, id, models.MetadataString, k, v); err != nil {
			return err
		}
	}
	for k, v := range md.Ints {
		if err := b.upsertMetadata(ctx, tx, id, models.MetadataInt, k, v); err != nil {
			return err
		}
	}
	for k, v := range md.Doubles {
		if err := b.upsertMetadata(ctx, tx, id, models.MetadataDouble, k, v); err != nil {
			return err
		}
	}
	for k, v := range md.Bools {
		if err := b.upsertMetadata(ctx, tx, id, models.MetadataBool, k, v); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) GetNodeInfo(ctx context.Context, id string) (models.Node, error) {
	return b.getNode(ctx, b.db, "GetNodeInfo", id)
}

func (b *Backend) GetChildNodes(ctx context.Context, id string) ([]models.Node, error) {
	if err := b.exists(ctx, b.db, "GetChildNodes", id, false); err != nil {
		return nil, err
	}
	nodes, err := b.queryNodes(ctx, b.db, b.selectNodes().Where(squirrel.Eq{"parent_id": id}).OrderBy("name"))
	if err != nil {
		return nil, translate("GetChildNodes", id, err)
	}
	return nodes, nil
}

func (b *Backend) GetChildNode(ctx context.Context, id, name string) (models.Node, error) {
	if err := b.exists(ctx, b.db, "GetChildNode", id, false); err != nil {
		return models.Node{}, err
	}
	row, err := b.queryNode(ctx, b.db, b.selectNodes().Where(squirrel.Eq{"parent_id": id, "name": name}))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Node{}, storage.NewNodeError("GetChildNode", id, fmt.Errorf("%w: no child %q", storage.ErrNotFound, name))
	}
	if err != nil {
		return models.Node{}, translate("GetChildNode", id, err)
	}
	return b.getNode(ctx, b.db, "GetChildNode", row.ID)
}

func (b *Backend) GetParentNode(ctx context.Context, id string) (models.Node, bool, error) {
	n, err := b.getNode(ctx, b.db, "GetParentNode", id)
	if err != nil {
		return models.Node{}, false, err
	}
	if n.ParentID == "" {
		return models.Node{}, false, nil
	}
	p, err := b.getNode(ctx, b.db, "GetParentNode", n.ParentID)
	if err != nil {
		return models.Node{}, false, err
	}
	return p, true, nil
}

const ancestorQuery = `
WITH RECURSIVE ancestors(id, parent_id) AS (
	SELECT id, parent_id FROM appfs_node WHERE id = $1
	UNION ALL
	SELECT n.id, n.parent_id FROM appfs_node n JOIN ancestors a ON n.id = a.parent_id
)
SELECT EXISTS (SELECT 1 FROM ancestors WHERE id = $2)`

func (b *Backend) SetParent(ctx context.Context, id, newParentID string) error {
	var oldParentID string
	moved := false
	err := b.inTx(ctx, "SetParent", func(tx *sqlx.Tx) error {
		row, err := b.queryNode(ctx, tx, b.selectNodes().Where(squirrel.Eq{"id": id}).Suffix("FOR UPDATE"))
		if err != nil {
			return translate("SetParent", id, err)
		}
		if err := b.exists(ctx, tx, "SetParent", newParentID, true); err != nil {
			return err
		}

		var cycle bool
		if err := tx.GetContext(ctx, &cycle, ancestorQuery, newParentID, id); err != nil {
			return translate("SetParent", id, err)
		}
		if cycle {
			return storage.NewNodeError("SetParent", id, storage.ErrCycle)
		}

		oldParentID = row.ParentID.String
		if oldParentID == newParentID {
			return nil
		}
		now := b.now().UTC()
		if _, err := b.exec(ctx, tx, b.psql.Update("appfs_node").
			Set("parent_id", newParentID).
			Set("modified_at", now).
			Where(squirrel.Eq{"id": id})); err != nil {
			return translate("SetParent", id, err)
		}
		for _, p := range []string{oldParentID, newParentID} {
			if err := b.touch(ctx, tx, p, now); err != nil {
				return translate("SetParent", p, err)
			}
		}
		moved = true
		return nil
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
	err := b.inTx(ctx, "RenameNode", func(tx *sqlx.Tx) error {
		row, err := b.queryNode(ctx, tx, b.selectNodes().Where(squirrel.Eq{"id": id}).Suffix("FOR UPDATE"))
		if err != nil {
			return translate("RenameNode", id, err)
		}
		if row.Name == name {
			return nil
		}
		if _, err := b.exec(ctx, tx, b.psql.Update("appfs_node").
			Set("name", name).
			Set("modified_at", b.now().UTC()).
			Where(squirrel.Eq{"id": id})); err != nil {
			return translate("RenameNode", id, err)
		}
		renamed = true
		return nil
	})
	if err != nil || !renamed {
		return err
	}

	b.notifier.Notify(models.NodeNameUpdated{ID: id, Name: name})
	return nil
}

func (b *Backend) SetConsistent(ctx context.Context, id string) error {
	flipped := false
	err := b.inTx(ctx, "SetConsistent", func(tx *sqlx.Tx) error {
		n, err := b.exec(ctx, tx, b.psql.Update("appfs_node").
			Set("consistent", true).
			Set("modified_at", b.now().UTC()).
			Where(squirrel.Eq{"file_system": b.FileSystemName(), "id": id, "consistent": false}))
		if err != nil {
			return translate("SetConsistent", id, err)
		}
		if n > 0 {
			flipped = true
			return nil
		}
		return b.exists(ctx, tx, "SetConsistent", id, false)
	})
	if err != nil || !flipped {
		return err
	}

	b.notifier.Notify(models.NodeConsistent{ID: id})
	return nil
}

func (b *Backend) IsConsistent(ctx context.Context, id string) (bool, error) {
	row, err := b.queryNode(ctx, b.db, b.selectNodes().Where(squirrel.Eq{"id": id}))
	if err != nil {
		return false, translate("IsConsistent", id, err)
	}
	return row.Consistent, nil
}

func (b *Backend) SetDescription(ctx context.Context, id, description string) error {
	return b.inTx(ctx, "SetDescription", func(tx *sqlx.Tx) error {
		n, err := b.exec(ctx, tx, b.psql.Update("appfs_node").
			Set("description", description).
			Set("modified_at", b.now().UTC()).
			Where(squirrel.Eq{"file_system": b.FileSystemName(), "id": id}))
		if err != nil {
			return translate("SetDescription", id, err)
		}
		if n == 0 {
			return storage.NewNodeError("SetDescription", id, storage.ErrNotFound)
		}
		return nil
	})
}

func (b *Backend) setMetadata(ctx context.Context, op, id string, kind models.MetadataKind, key string, value any) error {
	return b.inTx(ctx, op, func(tx *sqlx.Tx) error {
		n, err := b.exec(ctx, tx, b.psql.Update("appfs_node").
			Set("modified_at", b.now().UTC()).
			Where(squirrel.Eq{"file_system": b.FileSystemName(), "id": id}))
		if err != nil {
			return translate(op, id, err)
		}
		if n == 0 {
			return storage.NewNodeError(op, id, storage.ErrNotFound)
		}
		return translate(op, id, b.upsertMetadata(ctx, tx, id, kind, key, value))
	})
}

func (b *Backend) SetStringMetadata(ctx context.Context, id, key, value string) error {
	return b.setMetadata(ctx, "SetStringMetadata", id, models.MetadataString, key, value)
}

func (b *Backend) SetIntMetadata(ctx context.Context, id, key string, value int64) error {
	return b.setMetadata(ctx, "SetIntMetadata", id, models.MetadataInt, key, value)
}

func (b *Backend) SetDoubleMetadata(ctx context.Context, id, key string, value float64) error {
	return b.setMetadata(ctx, "SetDoubleMetadata", id, models.MetadataDouble, key, value)
}

func (b *Backend) SetBoolMetadata(ctx context.Context, id, key string, value bool) error {
	return b.setMetadata(ctx, "SetBoolMetadata", id, models.MetadataBool, key, value)
}

func (b *Backend) GetMetadata(ctx context.Context, id string) (models.NodeGenericMetadata, error) {
	if err := b.exists(ctx, b.db, "GetMetadata", id, false); err != nil {
		return models.NodeGenericMetadata{}, err
	}
	md, err := b.loadMetadata(ctx, b.db, id)
	if err != nil {
		return models.NodeGenericMetadata{}, translate("GetMetadata", id, err)
	}
	if m, ok := md[id]; ok {
		return m, nil
	}
	return models.NewNodeGenericMetadata(), nil
}

// DeleteNode relies on ON DELETE CASCADE to remove the subtree, its
// metadata and its data.
func (b *Backend) DeleteNode(ctx context.Context, id string) (string, error) {
	var parentID string
	err := b.inTx(ctx, "DeleteNode", func(tx *sqlx.Tx) error {
		row, err := b.queryNode(ctx, tx, b.selectNodes().Where(squirrel.Eq{"id": id}).Suffix("FOR UPDATE"))
		if err != nil {
			return translate("DeleteNode", id, err)
		}
		if !row.ParentID.Valid {
			return storage.NewNodeError("DeleteNode", id, storage.ErrRootDeletion)
		}
		parentID = row.ParentID.String
		if _, err := b.exec(ctx, tx, b.psql.Delete("appfs_node").Where(squirrel.Eq{"id": id})); err != nil {
			return translate("DeleteNode", id, err)
		}
		return translate("DeleteNode", parentID, b.touch(ctx, tx, parentID, b.now().UTC()))
	})
	if err != nil {
		return "", err
	}

	b.notifier.Notify(models.NodeRemoved{ID: id, ParentID: parentID})
	return parentID, nil
}

func (b *Backend) ReadBlob(ctx context.Context, id, dataName string) (io.ReadCloser, error) {
	if err := b.exists(ctx, b.db, "ReadBlob", id, false); err != nil {
		return nil, err
	}
	query, args, err := b.psql.Select("content").From("appfs_node_data").
		Where(squirrel.Eq{"node_id": id, "name": dataName}).ToSql()
	if err != nil {
		return nil, err
	}
	var content []byte
	if err := b.db.GetContext(ctx, &content, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.NewNodeError("ReadBlob", id, fmt.Errorf("%w: no data %q", storage.ErrNotFound, dataName))
		}
		return nil, translate("ReadBlob", id, err)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (b *Backend) WriteBlob(ctx context.Context, id, dataName string, r io.Reader) error {
	if dataName == "" {
		return storage.NewNodeError("WriteBlob", id, fmt.Errorf("%w: empty data name", storage.ErrInvalidArgument))
	}
	content, err := io.ReadAll(r)
	if err != nil {
		return storage.NewNodeError("WriteBlob", id, err)
	}
	err = b.inTx(ctx, "WriteBlob", func(tx *sqlx.Tx) error {
		if err := b.exists(ctx, tx, "WriteBlob", id, false); err != nil {
			return err
		}
		_, err := b.exec(ctx, tx, b.psql.Insert("appfs_node_data").
			Columns("node_id", "name", "content", "updated_at").
			Values(id, dataName, content, b.now().UTC()).
			Suffix("ON CONFLICT (node_id, name) DO UPDATE SET content = EXCLUDED.content, updated_at = EXCLUDED.updated_at"))
		return translate("WriteBlob", id, err)
	})
	if err != nil {
		return err
	}

	b.notifier.Notify(models.NodeDataUpdated{ID: id, DataName: dataName})
	return nil
}

func (b *Backend) RemoveData(ctx context.Context, id, dataName string) (bool, error) {
	if err := b.exists(ctx, b.db, "RemoveData", id, false); err != nil {
		return false, err
	}
	n, err := b.exec(ctx, b.db, b.psql.Delete("appfs_node_data").
		Where(squirrel.Eq{"node_id": id, "name": dataName}))
	if err != nil {
		return false, translate("RemoveData", id, err)
	}
	if n == 0 {
		return false, nil
	}
	b.notifier.Notify(models.NodeDataRemoved{ID: id, DataName: dataName})
	return true, nil
}

func (b *Backend) DataNames(ctx context.Context, id string) ([]string, error) {
	if err := b.exists(ctx, b.db, "DataNames", id, false); err != nil {
		return nil, err
	}
	query, args, err := b.psql.Select("name").From("appfs_node_data").
		Where(squirrel.Eq{"node_id": id}).OrderBy("name").ToSql()
	if err != nil {
		return nil, err
	}
	names := []string{}
	if err := b.db.SelectContext(ctx, &names, query, args...); err != nil {
		return nil, translate("DataNames", id, err)
	}
	return names, nil
}

// ScanNodes calls fn for every node of the file system.
func (b *Backend) ScanNodes(ctx context.Context, fn func(models.Node) error) error {
	nodes, err := b.queryNodes(ctx, b.db, b.selectNodes().OrderBy("created_at"))
	if err != nil {
		return translate("ScanNodes", "", err)
	}
	for _, n := range nodes {
		if err := fn(n); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) Close() error {
	if b.ownsDB {
		return b.db.Close()
	}
	return nil
}
