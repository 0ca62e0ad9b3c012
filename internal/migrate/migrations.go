package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var schemaFS embed.FS

// Migrate brings the workspace database up to the newest embedded schema
// revision. Revision files are named NNNN_description.sql and applied in
// ascending order inside a single transaction; the applied revision is
// tracked in a one-row schema_revision table.
func Migrate(db *sql.DB) error {
	names, err := revisionFiles()
	if err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_revision(revision INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_revision: %w", err)
	}
	current := 0
	switch err := tx.QueryRow(`SELECT revision FROM schema_revision`).Scan(&current); err {
	case nil:
	case sql.ErrNoRows:
		if _, err := tx.Exec(`INSERT INTO schema_revision(revision) VALUES (0)`); err != nil {
			return fmt.Errorf("seed schema_revision: %w", err)
		}
	default:
		return fmt.Errorf("read schema_revision: %w", err)
	}

	for _, name := range names {
		rev, err := revisionOf(name)
		if err != nil {
			return err
		}
		if rev <= current {
			continue
		}
		stmts, err := schemaFS.ReadFile("sql/" + name)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(string(stmts)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_revision SET revision=?`, rev); err != nil {
			return fmt.Errorf("advance schema_revision: %w", err)
		}
		current = rev
	}
	return tx.Commit()
}

// revisionFiles lists the embedded revision names in apply order. The NNNN
// prefix is zero-padded so lexical order is revision order.
func revisionFiles() ([]string, error) {
	entries, err := schemaFS.ReadDir("sql")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, err := revisionOf(e.Name()); err != nil {
			return nil, err
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func revisionOf(name string) (int, error) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, fmt.Errorf("revision file %s: missing NNNN_ prefix", name)
	}
	rev, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, fmt.Errorf("revision file %s: %w", name, err)
	}
	return rev, nil
}
