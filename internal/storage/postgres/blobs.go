package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/Masterminds/squirrel"

	"github.com/fruitsalade/appfs/internal/metrics"
	"github.com/fruitsalade/appfs/internal/storage"
)

// Blobs exposes the appfs_blob table, which stores data by node id and
// name without requiring the node to exist in appfs_node. A router uses it
// when the tree lives in another backend.
func (b *Backend) Blobs() storage.DataStore {
	return &Blobs{b: b}
}

// Blobs is the detached blob store of a Backend. It publishes no events.
type Blobs struct {
	b *Backend
}

func (s *Blobs) where(id string, extra squirrel.Eq) squirrel.Eq {
	eq := squirrel.Eq{"file_system": s.b.FileSystemName(), "node_id": id}
	for k, v := range extra {
		eq[k] = v
	}
	return eq
}

func (s *Blobs) ReadBlob(ctx context.Context, id, dataName string) (rc io.ReadCloser, err error) {
	done := metrics.ObserveBackendOp(backendLabel, "ReadBlob")
	defer func() { done(err) }()

	query, args, err := s.b.psql.Select("content").From("appfs_blob").
		Where(s.where(id, squirrel.Eq{"name": dataName})).ToSql()
	if err != nil {
		return nil, err
	}
	var content []byte
	if err := s.b.db.GetContext(ctx, &content, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.NewNodeError("ReadBlob", id, fmt.Errorf("%w: no data %q", storage.ErrNotFound, dataName))
		}
		return nil, translate("ReadBlob", id, err)
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
	_, err = s.b.exec(ctx, s.b.db, s.b.psql.Insert("appfs_blob").
		Columns("file_system", "node_id", "name", "content", "updated_at").
		Values(s.b.FileSystemName(), id, dataName, content, s.b.now().UTC()).
		Suffix("ON CONFLICT (file_system, node_id, name) DO UPDATE SET content = EXCLUDED.content, updated_at = EXCLUDED.updated_at"))
	return translate("WriteBlob", id, err)
}

func (s *Blobs) RemoveData(ctx context.Context, id, dataName string) (removed bool, err error) {
	done := metrics.ObserveBackendOp(backendLabel, "RemoveData")
	defer func() { done(err) }()

	n, err := s.b.exec(ctx, s.b.db, s.b.psql.Delete("appfs_blob").
		Where(s.where(id, squirrel.Eq{"name": dataName})))
	if err != nil {
		return false, translate("RemoveData", id, err)
	}
	return n > 0, nil
}

func (s *Blobs) DataNames(ctx context.Context, id string) (names []string, err error) {
	done := metrics.ObserveBackendOp(backendLabel, "DataNames")
	defer func() { done(err) }()

	query, args, err := s.b.psql.Select("name").From("appfs_blob").
		Where(s.where(id, nil)).OrderBy("name").ToSql()
	if err != nil {
		return nil, err
	}
	names = []string{}
	if err := s.b.db.SelectContext(ctx, &names, query, args...); err != nil {
		return nil, translate("DataNames", id, err)
	}
	return names, nil
}

// Close is a no-op; the connection belongs to the Backend.
func (s *Blobs) Close() error {
	return nil
}
