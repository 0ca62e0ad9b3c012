package artifact

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/internal/domain"
	"conductor/internal/repo"
)

// OwnershipError is returned when a writer is not the configured owner of an
// artifact path.
type OwnershipError struct {
	Path    string
	Writer  string
	OwnerID string
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("artifact %s is owned by %s, write by %s refused", e.Path, e.OwnerID, e.Writer)
}

// Store is a versioned artifact store with prefix ownership. Every Put
// appends a new immutable version; Get reads the latest one. Ownership is
// resolved from the configured prefix map on first write and pinned on the
// artifact row after that.
type Store struct {
	DB *sql.DB
	// Owners maps a path prefix to the executor allowed to write under it.
	// The longest matching prefix wins. Paths with no matching prefix are
	// open: the first writer becomes the owner.
	Owners map[string]string
	Now    func() time.Time

	mu sync.Mutex
}

func New(db *sql.DB, owners map[string]string) *Store {
	return &Store{DB: db, Owners: owners, Now: time.Now}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// ownerFor resolves the configured owner for a path, longest prefix first.
func (s *Store) ownerFor(path string) (string, bool) {
	prefixes := make([]string, 0, len(s.Owners))
	for p := range s.Owners {
		prefixes = append(prefixes, p)
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return s.Owners[p], true
		}
	}
	return "", false
}

// Put appends a new version of the artifact at path.
func (s *Store) Put(ctx context.Context, path, content, writerID string) (domain.ArtifactVersion, error) {
	if path == "" {
		return domain.ArtifactVersion{}, fmt.Errorf("artifact path is required")
	}
	if writerID == "" {
		return domain.ArtifactVersion{}, fmt.Errorf("artifact writer is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var owner string
	err := s.DB.QueryRowContext(ctx, `SELECT owner_id FROM artifacts WHERE path=?`, path).Scan(&owner)
	switch {
	case err == sql.ErrNoRows:
		owner, _ = s.ownerFor(path)
		if owner == "" {
			owner = writerID
		}
		if owner != writerID {
			return domain.ArtifactVersion{}, &OwnershipError{Path: path, Writer: writerID, OwnerID: owner}
		}
		if _, err := s.DB.ExecContext(ctx,
			`INSERT INTO artifacts(path,owner_id,created_at) VALUES (?,?,?)`,
			path, owner, s.now().UTC().Format(time.RFC3339Nano)); err != nil {
			return domain.ArtifactVersion{}, err
		}
	case err != nil:
		return domain.ArtifactVersion{}, err
	default:
		if owner != writerID {
			return domain.ArtifactVersion{}, &OwnershipError{Path: path, Writer: writerID, OwnerID: owner}
		}
	}

	v := domain.ArtifactVersion{
		VersionID: uuid.New().String(),
		Path:      path,
		Content:   content,
		CreatedBy: writerID,
		CreatedAt: s.now().UTC(),
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO artifact_versions(version_id,path,content,created_by,created_at) VALUES (?,?,?,?,?)`,
		v.VersionID, v.Path, v.Content, v.CreatedBy, v.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	return v, nil
}

// Get returns the latest version of the artifact at path.
func (s *Store) Get(ctx context.Context, path string) (domain.ArtifactVersion, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT version_id,path,content,created_by,created_at FROM artifact_versions WHERE path=? ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		path)
	v, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return domain.ArtifactVersion{}, fmt.Errorf("artifact %s: %w", path, repo.ErrNotFound)
	}
	return v, err
}

// History returns every version of the artifact, oldest first.
func (s *Store) History(ctx context.Context, path string) ([]domain.ArtifactVersion, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT version_id,path,content,created_by,created_at FROM artifact_versions WHERE path=? ORDER BY created_at, rowid`,
		path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ArtifactVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("artifact %s: %w", path, repo.ErrNotFound)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVersion(row scanner) (domain.ArtifactVersion, error) {
	var v domain.ArtifactVersion
	var created string
	if err := row.Scan(&v.VersionID, &v.Path, &v.Content, &v.CreatedBy, &created); err != nil {
		return v, err
	}
	ts, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return v, fmt.Errorf("artifact version %s timestamp: %w", v.VersionID, err)
	}
	v.CreatedAt = ts
	return v, nil
}
