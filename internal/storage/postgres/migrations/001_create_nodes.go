package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upCreateNodes, downCreateNodes)
}

func upCreateNodes(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS appfs_node (
			id           TEXT PRIMARY KEY,
			file_system  TEXT NOT NULL,
			parent_id    TEXT REFERENCES appfs_node(id) ON DELETE CASCADE,
			name         TEXT NOT NULL,
			pseudo_class TEXT NOT NULL,
			description  TEXT NOT NULL DEFAULT '',
			version      INTEGER NOT NULL DEFAULT 1,
			consistent   BOOLEAN NOT NULL DEFAULT FALSE,
			created_at   TIMESTAMP WITH TIME ZONE NOT NULL,
			modified_at  TIMESTAMP WITH TIME ZONE NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS appfs_node_sibling_name
			ON appfs_node (parent_id, name) WHERE parent_id IS NOT NULL;
		CREATE UNIQUE INDEX IF NOT EXISTS appfs_node_root
			ON appfs_node (file_system) WHERE parent_id IS NULL;
		CREATE INDEX IF NOT EXISTS appfs_node_file_system ON appfs_node (file_system);
	`)
	return err
}

func downCreateNodes(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS appfs_node;`)
	return err
}
