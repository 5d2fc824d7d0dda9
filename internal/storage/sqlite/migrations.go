package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// A migration mutates the schema in place. Migrations run in order inside a
// single transaction per migration; the applied version is tracked in the
// metadata table under "schema_version".
type migration struct {
	version int
	name    string
	apply   func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []migration{
	{
		version: 2,
		name:    "outbox_error_message",
		apply: func(ctx context.Context, tx *sql.Tx) error {
			// Failed outbox rows carry the failure reason so operators can
			// decide whether to requeue.
			_, err := tx.ExecContext(ctx,
				`ALTER TABLE outbox ADD COLUMN error_message TEXT NOT NULL DEFAULT ''`)
			return err
		},
	},
	{
		version: 3,
		name:    "relationships_confidence_partial_index",
		apply: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				`CREATE INDEX IF NOT EXISTS idx_relationships_confidence
				 ON relationships(confidence) WHERE confidence > 0.5`)
			return err
		},
	},
}

// runMigrations creates the base schema and applies any pending migrations.
// Version 1 is the base schema itself.
func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	current, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := m.apply(ctx, tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO metadata (key, value) VALUES ('schema_version', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		fmt.Sprintf("%d", m.version)); err != nil {
		return err
	}
	return tx.Commit()
}

func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var raw string
	err := db.QueryRowContext(ctx,
		`SELECT value FROM metadata WHERE key = 'schema_version'`).Scan(&raw)
	if err == sql.ErrNoRows {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(raw, "%d", &v); err != nil {
		return 0, fmt.Errorf("malformed schema version %q: %w", raw, err)
	}
	return v, nil
}
