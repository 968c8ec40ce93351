package storage

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
)

// Embedded DDL for the three riskgraph tables: score snapshots (plus the
// latest-score materialized view), audit records, and dead letters. Files
// are named NNN_name.sql and applied in version order.
//
//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migration is one embedded DDL file, pre-split into statements.
type Migration struct {
	Version    int
	Name       string
	Statements []string
}

// Migrator applies the embedded migrations against ClickHouse, tracking what
// has run in a schema_migrations table.
type Migrator struct {
	client *ClickHouseClient
}

func NewMigrator(client *ClickHouseClient) *Migrator {
	return &Migrator{client: client}
}

// Run applies every migration not yet recorded. Statements run one at a
// time; ClickHouse DDL is not transactional, so a migration that fails
// midway is retried from its first statement on the next start, which the
// IF NOT EXISTS guards in the DDL make safe.
func (m *Migrator) Run(ctx context.Context) error {
	if err := m.client.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version UInt32,
			name String,
			applied_at DateTime DEFAULT now()
		)
		ENGINE = MergeTree()
		ORDER BY version
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("read applied migrations: %w", err)
	}

	for _, mig := range migrations {
		if applied[mig.Version] {
			continue
		}
		slog.Info("applying migration", "version", mig.Version, "name", mig.Name)

		for _, stmt := range mig.Statements {
			if err := m.client.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("migration %03d_%s: %w", mig.Version, mig.Name, err)
			}
		}
		if err := m.client.Exec(ctx,
			"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
			uint32(mig.Version), mig.Name,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", mig.Version, err)
		}
	}
	return nil
}

// loadMigrations reads the embedded files sorted by version. A file that
// does not follow the NNN_name.sql convention is an error, not silently
// skipped.
func loadMigrations() ([]Migration, error) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return nil, err
	}

	var migrations []Migration
	for _, entry := range entries {
		fname := entry.Name()
		if !strings.HasSuffix(fname, ".sql") {
			continue
		}
		verStr, name, ok := strings.Cut(strings.TrimSuffix(fname, ".sql"), "_")
		if !ok {
			return nil, fmt.Errorf("migration %q: want NNN_name.sql", fname)
		}
		version, err := strconv.Atoi(verStr)
		if err != nil {
			return nil, fmt.Errorf("migration %q: bad version: %w", fname, err)
		}

		content, err := migrationFiles.ReadFile("migrations/" + fname)
		if err != nil {
			return nil, err
		}
		stmts := splitStatements(string(content))
		if len(stmts) == 0 {
			return nil, fmt.Errorf("migration %q has no statements", fname)
		}

		migrations = append(migrations, Migration{
			Version:    version,
			Name:       name,
			Statements: stmts,
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// splitStatements breaks a migration file into executable statements:
// semicolon-separated, comment-only lines stripped. No string literal in
// the embedded DDL contains a semicolon, so no quote tracking is needed.
func splitStatements(sql string) []string {
	var out []string
	for _, chunk := range strings.Split(sql, ";") {
		var lines []string
		for _, line := range strings.Split(chunk, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "--") {
				continue
			}
			lines = append(lines, line)
		}
		if stmt := strings.TrimSpace(strings.Join(lines, "\n")); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := m.client.Query(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version uint32
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[int(version)] = true
	}
	return applied, nil
}

// Applied lists the recorded migrations, for diagnostics.
func (m *Migrator) Applied(ctx context.Context) ([]Migration, error) {
	rows, err := m.client.Query(ctx, "SELECT version, name FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var migrations []Migration
	for rows.Next() {
		var version uint32
		var name string
		if err := rows.Scan(&version, &name); err != nil {
			return nil, err
		}
		migrations = append(migrations, Migration{Version: int(version), Name: name})
	}
	return migrations, nil
}
