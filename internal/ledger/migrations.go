package ledger

import (
	"context"
	"embed"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

var migrationNameRE = regexp.MustCompile(`^(\d{4})_.*\.sql$`)

// migrationFile pairs a migration's version number with its embedded path.
type migrationFile struct {
	version int
	name    string
}

// Migrations lists every embedded migration file in ascending version
// order, matching the `^\d{4}_.*\.sql$` naming convention (spec.md §6.3).
// Ported from original_source/sgeproxy/db.py's Migration.files().
func Migrations() ([]migrationFile, error) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var files []migrationFile
	for _, e := range entries {
		m := migrationNameRE.FindStringSubmatch(e.Name())
		if m == nil {
			return nil, fmt.Errorf("unexpected migration file name %q", e.Name())
		}
		version, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("migration file %q: %w", e.Name(), err)
		}
		files = append(files, migrationFile{version: version, name: e.Name()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}

// DeployedVersion returns the highest applied migration version, or 0 if
// the migrations table does not exist yet.
func DeployedVersion(ctx context.Context, conn *pgx.Conn) (int, error) {
	var exists bool
	err := conn.QueryRow(ctx, "SELECT to_regclass('migrations') IS NOT NULL").Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("check migrations table: %w", err)
	}
	if !exists {
		return 0, nil
	}

	var version *int
	if err := conn.QueryRow(ctx, "SELECT MAX(version) FROM migrations").Scan(&version); err != nil {
		return 0, fmt.Errorf("read deployed version: %w", err)
	}
	if version == nil {
		return 0, nil
	}
	return *version, nil
}

// Migrate applies every migration file whose version is newer than the
// currently deployed version, in ascending order, verifying after each
// file that the deployed version now matches its prefix.
func Migrate(ctx context.Context, conn *pgx.Conn) error {
	deployed, err := DeployedVersion(ctx, conn)
	if err != nil {
		return err
	}

	files, err := Migrations()
	if err != nil {
		return err
	}

	for _, f := range files {
		if f.version <= deployed {
			continue
		}

		raw, err := migrationFiles.ReadFile("migrations/" + f.name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f.name, err)
		}

		if _, err := conn.Exec(ctx, string(raw)); err != nil {
			return fmt.Errorf("apply migration %s: %w", f.name, err)
		}
		if _, err := conn.Exec(ctx,
			"INSERT INTO migrations (version, applied_at) VALUES ($1, $2)",
			f.version, time.Now()); err != nil {
			return fmt.Errorf("record migration %s: %w", f.name, err)
		}

		now, err := DeployedVersion(ctx, conn)
		if err != nil {
			return err
		}
		if now != f.version {
			return fmt.Errorf("unexpected deployed version %d after migration %s", now, f.name)
		}
	}
	return nil
}
