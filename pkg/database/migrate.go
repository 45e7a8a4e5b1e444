package database

import (
	"context"
	"fmt"
	"sort"

	"github.com/wopr-network/wopr-platform-sub005/pkg/database/sql"
	"github.com/wopr-network/wopr-platform-sub005/pkg/logging"
)

// ApplySchema executes the embedded schema files in lexical order. Every
// statement is idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT
// EXISTS), so running it on every boot is safe.
func ApplySchema(ctx context.Context, db PostgresConn, logger logging.Logger) error {
	entries, err := sql.Content.ReadDir("schema")
	if err != nil {
		return fmt.Errorf("read embedded schema: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		ddl, err := sql.Content.ReadFile("schema/" + name)
		if err != nil {
			return fmt.Errorf("read schema file %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, string(ddl)); err != nil {
			return fmt.Errorf("apply schema file %s: %w", name, err)
		}
		logger.WithField("file", name).Debug("Applied schema file")
	}

	return nil
}
