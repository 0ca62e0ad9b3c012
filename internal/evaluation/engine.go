package evaluation

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"conductor/internal/domain"
)

// tsLayout keeps fractional seconds fixed-width so the window comparison in
// averages works lexicographically; RFC3339Nano trims trailing zeros and
// misorders timestamps within a second.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Default category weights; they sum to 1.
var defaultWeights = map[domain.ScoreCategory]float64{
	domain.ScoreCorrectness: 0.35,
	domain.ScoreEfficiency:  0.15,
	domain.ScoreCompliance:  0.25,
	domain.ScoreCost:        0.10,
	domain.ScoreStability:   0.15,
}

// Engine records per-category outcome scores and derives autonomy levels.
// Scores are plain observations on a 0..100 scale; the weighted average is
// computed on read over a sliding window, never stored.
type Engine struct {
	DB         *sql.DB
	Weights    map[domain.ScoreCategory]float64
	WindowDays int
	Now        func() time.Time

	mu sync.Mutex
}

func New(db *sql.DB) *Engine {
	return &Engine{DB: db, Weights: defaultWeights, WindowDays: 30, Now: time.Now}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) weight(cat domain.ScoreCategory) float64 {
	if w, ok := e.Weights[cat]; ok {
		return w
	}
	return defaultWeights[cat]
}

// RecordOutcome appends one score observation for an executor.
func (e *Engine) RecordOutcome(ctx context.Context, executorID string, category domain.ScoreCategory, score float64, runID string) error {
	if score < 0 || score > 100 {
		return fmt.Errorf("score must be in [0,100], got %v", score)
	}
	valid := false
	for _, c := range domain.ScoreCategories() {
		if c == category {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("unknown score category %q", category)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.DB.ExecContext(ctx,
		`INSERT INTO scores(executor_id,category,score,run_id,ts) VALUES (?,?,?,?,?)`,
		executorID, string(category), score, nullableStr(runID), e.now().UTC().Format(tsLayout))
	return err
}

// averages returns the per-category mean within the window plus the total
// sample count. Categories with no observations default to a neutral 50.
func (e *Engine) averages(ctx context.Context, executorID string) (map[domain.ScoreCategory]float64, int, error) {
	since := e.now().UTC().AddDate(0, 0, -e.windowDays())
	rows, err := e.DB.QueryContext(ctx,
		`SELECT category, AVG(score), COUNT(*) FROM scores WHERE executor_id=? AND ts>=? GROUP BY category`,
		executorID, since.Format(tsLayout))
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	avgs := map[domain.ScoreCategory]float64{}
	samples := 0
	for rows.Next() {
		var cat string
		var avg float64
		var n int
		if err := rows.Scan(&cat, &avg, &n); err != nil {
			return nil, 0, err
		}
		avgs[domain.ScoreCategory(cat)] = avg
		samples += n
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for _, cat := range domain.ScoreCategories() {
		if _, ok := avgs[cat]; !ok {
			avgs[cat] = 50
		}
	}
	return avgs, samples, nil
}

func (e *Engine) windowDays() int {
	if e.WindowDays > 0 {
		return e.WindowDays
	}
	return 30
}

// Overall computes the weighted average score for an executor.
func (e *Engine) Overall(ctx context.Context, executorID string) (float64, error) {
	avgs, _, err := e.averages(ctx, executorID)
	if err != nil {
		return 0, err
	}
	return e.weighted(avgs), nil
}

func (e *Engine) weighted(avgs map[domain.ScoreCategory]float64) float64 {
	total := 0.0
	for _, cat := range domain.ScoreCategories() {
		total += e.weight(cat) * avgs[cat]
	}
	return total
}

// AutonomyLevel scales a base autonomy (0..1) by observed performance:
// base * weightedAverage/100, clamped to [0,1].
func (e *Engine) AutonomyLevel(ctx context.Context, executorID string, base float64) (float64, error) {
	overall, err := e.Overall(ctx, executorID)
	if err != nil {
		return 0, err
	}
	level := base * overall / 100
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	return level, nil
}

// Scorecard assembles the read model for one executor.
func (e *Engine) Scorecard(ctx context.Context, executorID string, baseAutonomy float64) (domain.Scorecard, error) {
	avgs, samples, err := e.averages(ctx, executorID)
	if err != nil {
		return domain.Scorecard{}, err
	}
	overall := e.weighted(avgs)
	autonomy := baseAutonomy * overall / 100
	if autonomy > 1 {
		autonomy = 1
	}
	return domain.Scorecard{
		ExecutorID: executorID,
		Averages:   avgs,
		Overall:    overall,
		Autonomy:   autonomy,
		Samples:    samples,
	}, nil
}

// Executors lists every executor that has at least one recorded score.
func (e *Engine) Executors(ctx context.Context) ([]string, error) {
	rows, err := e.DB.QueryContext(ctx, `SELECT DISTINCT executor_id FROM scores ORDER BY executor_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func nullableStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
