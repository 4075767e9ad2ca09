package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upCreateDetachedBlobs, downCreateDetachedBlobs)
}

// appfs_blob holds data written for nodes owned by another backend, so it
// has no foreign key to appfs_node.
func upCreateDetachedBlobs(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS appfs_blob (
			file_system TEXT NOT NULL,
			node_id     TEXT NOT NULL,
			name        TEXT NOT NULL,
			content     BYTEA NOT NULL,
			updated_at  TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			PRIMARY KEY (file_system, node_id, name)
		);
	`)
	return err
}

func downCreateDetachedBlobs(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS appfs_blob;`)
	return err
}
