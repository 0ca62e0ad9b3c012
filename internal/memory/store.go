package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/internal/domain"
)

// tsLayout keeps fractional seconds fixed-width so stored timestamps order
// lexicographically; RFC3339Nano trims trailing zeros and does not.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is the scoped, decaying memory shared across runs. Entries never
// mutate after insert; effective strength is a pure function of elapsed time,
// so no background job touches rows. Mutations are serialized by a single
// writer lock so concurrent stage completions cannot interleave.
type Store struct {
	DB        *sql.DB
	HalfLives map[domain.MemoryScope]time.Duration
	Now       func() time.Time

	mu sync.Mutex
}

// New builds a store over an opened, migrated database.
func New(db *sql.DB, halfLives map[domain.MemoryScope]time.Duration) *Store {
	return &Store{DB: db, HalfLives: halfLives, Now: time.Now}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Store) halfLife(scope domain.MemoryScope) time.Duration {
	if hl, ok := s.HalfLives[scope]; ok && hl > 0 {
		return hl
	}
	return 24 * time.Hour
}

// Strength computes the decayed confidence of an entry at the given instant:
// initial * exp(-ln2/halfLifeHours * elapsedHours).
func Strength(initial float64, createdAt time.Time, halfLife time.Duration, at time.Time) float64 {
	elapsed := at.Sub(createdAt).Hours()
	if elapsed <= 0 {
		return initial
	}
	rate := math.Ln2 / halfLife.Hours()
	return initial * math.Exp(-rate*elapsed)
}

// Append stores a new entry and returns its id.
func (s *Store) Append(ctx context.Context, scope domain.MemoryScope, content domain.Payload, confidence float64, source string) (string, error) {
	if confidence <= 0 || confidence > 1 {
		return "", fmt.Errorf("confidence must be in (0,1], got %v", confidence)
	}
	switch scope {
	case domain.ScopeWorking, domain.ScopeProject, domain.ScopeSkill, domain.ScopeFailure:
	default:
		return "", fmt.Errorf("unknown memory scope %q", scope)
	}
	data, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("marshal memory content: %w", err)
	}
	id := uuid.New().String()
	created := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO memory_entries(id,scope,content_json,confidence,source,created_at) VALUES (?,?,?,?,?,?)`,
		id, string(scope), string(data), confidence, nullable(source), created.Format(tsLayout))
	if err != nil {
		return "", err
	}
	return id, nil
}

// QueryOptions narrow a Query call.
type QueryOptions struct {
	MinStrength float64
	Limit       int
}

// Query returns entries of a scope whose current strength clears the
// threshold, newest first, optionally filtered by a caller predicate.
func (s *Store) Query(ctx context.Context, scope domain.MemoryScope, pred func(domain.MemoryEntry) bool, opts QueryOptions) ([]domain.MemoryEntry, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,scope,content_json,confidence,COALESCE(source,''),created_at FROM memory_entries WHERE scope=? ORDER BY created_at DESC`,
		string(scope))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	at := s.now().UTC()
	hl := s.halfLife(scope)
	var out []domain.MemoryEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entry.Strength = Strength(entry.Confidence, entry.CreatedAt, hl, at)
		if entry.Strength < opts.MinStrength {
			continue
		}
		if pred != nil && !pred(entry) {
			continue
		}
		out = append(out, entry)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, rows.Err()
}

// Prune removes entries whose current strength has fallen strictly below the
// threshold. Explicit maintenance; never runs implicitly.
func (s *Store) Prune(ctx context.Context, threshold float64) (int, error) {
	if threshold <= 0 {
		threshold = 0.1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.DB.QueryContext(ctx, `SELECT id,scope,content_json,confidence,COALESCE(source,''),created_at FROM memory_entries`)
	if err != nil {
		return 0, err
	}
	at := s.now().UTC()
	var doomed []string
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		if Strength(entry.Confidence, entry.CreatedAt, s.halfLife(entry.Scope), at) < threshold {
			doomed = append(doomed, entry.ID)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, id := range doomed {
		if _, err := s.DB.ExecContext(ctx, `DELETE FROM memory_entries WHERE id=?`, id); err != nil {
			return 0, err
		}
	}
	return len(doomed), nil
}

// Stats summarizes entry counts and mean strength per scope.
func (s *Store) Stats(ctx context.Context) (map[domain.MemoryScope]ScopeStats, error) {
	out := map[domain.MemoryScope]ScopeStats{}
	for _, scope := range domain.Scopes() {
		entries, err := s.Query(ctx, scope, nil, QueryOptions{})
		if err != nil {
			return nil, err
		}
		st := ScopeStats{Entries: len(entries)}
		for _, e := range entries {
			st.TotalStrength += e.Strength
		}
		if st.Entries > 0 {
			st.MeanStrength = st.TotalStrength / float64(st.Entries)
		}
		out[scope] = st
	}
	return out, nil
}

type ScopeStats struct {
	Entries       int     `json:"entries"`
	MeanStrength  float64 `json:"mean_strength"`
	TotalStrength float64 `json:"-"`
}

func scanEntry(rows *sql.Rows) (domain.MemoryEntry, error) {
	var e domain.MemoryEntry
	var scope, content, created string
	if err := rows.Scan(&e.ID, &scope, &content, &e.Confidence, &e.Source, &created); err != nil {
		return e, err
	}
	e.Scope = domain.MemoryScope(scope)
	if err := json.Unmarshal([]byte(content), &e.Content); err != nil {
		return e, fmt.Errorf("memory entry %s content: %w", e.ID, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return e, fmt.Errorf("memory entry %s timestamp: %w", e.ID, err)
	}
	e.CreatedAt = ts
	return e, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
