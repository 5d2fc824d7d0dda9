package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/steveyegge/cartograph/internal/storage"
)

// wrapDBError wraps a database error with operation context. sql.ErrNoRows
// becomes storage.ErrNotFound; driver errors are annotated with their
// taxonomy category so callers can make retry decisions without parsing
// driver messages.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, categorize(err))
}

// categorize maps a raw SQLite error to the storage error taxonomy.
func categorize(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "database table is locked"),
		strings.Contains(msg, "sqlite_busy"):
		return storage.Categorize(storage.CategoryTransient,
			"another writer holds the lock; retry after backoff", err)
	case strings.Contains(msg, "unique constraint"),
		strings.Contains(msg, "constraint failed"):
		return storage.Categorize(storage.CategoryTerminal,
			"duplicate or invalid row; inspect the offending item", err)
	case strings.Contains(msg, "no such table"),
		strings.Contains(msg, "no such column"):
		return storage.Categorize(storage.CategoryTerminal,
			"schema mismatch; database predates a required migration", err)
	case strings.Contains(msg, "disk full"),
		strings.Contains(msg, "database or disk is full"):
		return storage.Categorize(storage.CategoryTerminal,
			"free disk space, then requeue failed events", err)
	case strings.Contains(msg, "disk image is malformed"),
		strings.Contains(msg, "file is not a database"):
		return storage.Categorize(storage.CategoryTerminal,
			"database corruption; restore from backup", err)
	default:
		return err
	}
}
