package store

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"

	"OpenPlugin-Guard/deploy/migrations"
)

// schemaStep is one embedded .sql file. Version is the file name up to the first
// underscore, so 0002_plugin_migrations.sql is version 0002.
type schemaStep struct {
	version    string
	name       string
	checksum   string
	statements []string
}

const createVersionTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
    version VARCHAR(32) NOT NULL PRIMARY KEY,
    checksum VARCHAR(64) NOT NULL,
    applied_at BIGINT NOT NULL
)`

// runMigrations applies pending schema steps in version order. A step whose file
// changed after it was applied fails the run rather than silently diverging.
func (s *SQLStore) runMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createVersionTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	applied, err := s.appliedSteps(ctx)
	if err != nil {
		return err
	}
	steps, err := loadMigrationFiles(migrations.Files)
	if err != nil {
		return err
	}
	for _, step := range steps {
		sum, done := applied[step.version]
		switch {
		case done && sum != step.checksum:
			return fmt.Errorf("schema step %s was modified after being applied", step.name)
		case done:
			continue
		}
		if err := s.applyStep(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) appliedSteps(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var version, sum string
		if err := rows.Scan(&version, &sum); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		out[version] = sum
	}
	return out, rows.Err()
}

func (s *SQLStore) applyStep(ctx context.Context, step schemaStep) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("schema step %s: %w", step.name, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for i, stmt := range step.statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema step %s statement %d: %w", step.name, i+1, err)
		}
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, checksum, applied_at) VALUES (?, ?, ?)`,
		step.version, step.checksum, time.Now().Unix()); err != nil {
		return fmt.Errorf("schema step %s: record version: %w", step.name, err)
	}
	return tx.Commit()
}

// loadMigrationFiles reads the top-level .sql files of fsys. Files without
// statements are skipped.
func loadMigrationFiles(fsys fs.FS) ([]schemaStep, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("list schema files: %w", err)
	}
	steps := make([]schemaStep, 0, len(names))
	for _, name := range names {
		raw, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read schema file %s: %w", name, err)
		}
		stmts := splitStatements(string(raw))
		if len(stmts) == 0 {
			continue
		}
		sum := sha256.Sum256(raw)
		version, _, _ := strings.Cut(strings.TrimSuffix(name, path.Ext(name)), "_")
		steps = append(steps, schemaStep{version: version, name: name, checksum: hex.EncodeToString(sum[:]), statements: stmts})
	}
	slices.SortFunc(steps, func(a, b schemaStep) int {
		return cmp.Or(cmp.Compare(a.version, b.version), cmp.Compare(a.name, b.name))
	})
	return steps, nil
}

// splitStatements splits on semicolons. Schema files must not contain semicolons
// inside literals.
func splitStatements(content string) []string {
	var out []string
	for _, part := range strings.Split(content, ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
