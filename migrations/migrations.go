// Package migrations embeds the SQL schema and applies it in filename order.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed *.up.sql
var files embed.FS

// Execer is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type migration struct {
	Name string
	SQL  string
}

// Apply runs every .up.sql migration in order.
func Apply(ctx context.Context, db Execer) error {
	migrations, err := read()
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	for _, m := range migrations {
		if _, err := db.Exec(ctx, m.SQL); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", m.Name, err)
		}
	}

	return nil
}

// Names lists the embedded migrations in execution order.
func Names() ([]string, error) {
	migrations, err := read()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(migrations))
	for _, m := range migrations {
		names = append(names, m.Name)
	}
	return names, nil
}

func read() ([]migration, error) {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		content, err := fs.ReadFile(files, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", entry.Name(), err)
		}
		migrations = append(migrations, migration{Name: entry.Name(), SQL: string(content)})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Name < migrations[j].Name
	})

	return migrations, nil
}
