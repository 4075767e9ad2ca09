package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upCreateNodeMetadataAndData, downCreateNodeMetadataAndData)
}

func upCreateNodeMetadataAndData(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS appfs_node_metadata (
			node_id      TEXT NOT NULL REFERENCES appfs_node(id) ON DELETE CASCADE,
			kind         TEXT NOT NULL,
			key          TEXT NOT NULL,
			string_value TEXT,
			long_value   BIGINT,
			double_value DOUBLE PRECISION,
			bool_value   BOOLEAN,
			PRIMARY KEY (node_id, kind, key)
		);

		CREATE TABLE IF NOT EXISTS appfs_node_data (
			node_id    TEXT NOT NULL REFERENCES appfs_node(id) ON DELETE CASCADE,
			name       TEXT NOT NULL,
			content    BYTEA NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			PRIMARY KEY (node_id, name)
		);
	`)
	return err
}

func downCreateNodeMetadataAndData(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		DROP TABLE IF EXISTS appfs_node_data;
		DROP TABLE IF EXISTS appfs_node_metadata;
	`)
	return err
}
