package db

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// Migrate executes every *.sql file of fsys in lexical order. Scripts must be
// idempotent; nothing records which ones already ran.
func Migrate(ctx context.Context, pool *sql.DB, fsys fs.FS) ([]string, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("db: list migrations: %w", err)
	}
	sort.Strings(names)

	applied := make([]string, 0, len(names))
	for _, name := range names {
		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return applied, fmt.Errorf("db: read %s: %w", name, err)
		}
		if strings.TrimSpace(string(body)) == "" {
			continue
		}
		if _, err := pool.ExecContext(ctx, string(body)); err != nil {
			return applied, fmt.Errorf("db: apply %s: %w", path.Base(name), err)
		}
		applied = append(applied, name)
	}
	return applied, nil
}
