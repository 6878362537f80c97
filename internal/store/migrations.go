package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var embedded embed.FS

// Migrations returns the schema bundled with the binary, or the *.sql files
// of dir when dir is set.
func Migrations(dir string) (fs.FS, error) {
	if dir != "" {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
		return os.DirFS(dir), nil
	}
	return fs.Sub(embedded, "migrations")
}

// RunMigrations executes all SQL files in fsys in lexicographic order.
// Each file may contain multiple statements separated by ';'.
func (s *Store) RunMigrations(ctx context.Context, fsys fs.FS) error {
	var entries []string
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(strings.ToLower(d.Name()), ".sql") {
			entries = append(entries, p)
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(entries)

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	for _, p := range entries {
		b, err := fs.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", p, err)
		}
		for _, c := range strings.Split(string(b), ";") {
			stmt := strings.TrimSpace(c)
			if stmt == "" {
				continue
			}
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec migration %s: %w", p, err)
			}
		}
		s.log.Debugw("migration applied", "file", p)
	}
	return nil
}
