package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/oakbuilders/bid-finder/internal/models"
)

const runCols = `id, run_date, sources_searched, total_found, new_opportunities, errors,
	duration_seconds, by_type, by_source, found_per_source, skipped`

func scanRun(scan func(dest ...any) error) (models.SearchRun, error) {
	var r models.SearchRun
	err := scan(&r.ID, &r.RunDate, &r.SourcesSearched, &r.TotalFound, &r.NewOpportunities, &r.Errors,
		&r.DurationSeconds, &r.ByType, &r.BySource, &r.FoundPerSource, &r.Skipped)
	return r, err
}

func nonNilMap(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}

// LogSearchRun appends an audit row and returns its id.
func (s *Store) LogSearchRun(ctx context.Context, run *models.SearchRun) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO search_runs (
			run_date, sources_searched, total_found, new_opportunities, errors,
			duration_seconds, by_type, by_source, found_per_source, skipped
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`,
		run.RunDate, nonNil(run.SourcesSearched), run.TotalFound, run.NewOpportunities, nonNil(run.Errors),
		run.DurationSeconds, nonNilMap(run.ByType), nonNilMap(run.BySource), nonNilMap(run.FoundPerSource), nonNil(run.Skipped),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("log search run: %w", err)
	}
	run.ID = id
	return id, nil
}

func (s *Store) RecentRuns(ctx context.Context, n int) ([]models.SearchRun, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := s.pool.Query(ctx, "SELECT "+runCols+" FROM search_runs ORDER BY run_date DESC, id DESC LIMIT $1", n)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	defer rows.Close()

	runs := []models.SearchRun{}
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LatestRun returns ErrNotFound when no run has been logged yet.
func (s *Store) LatestRun(ctx context.Context) (*models.SearchRun, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+runCols+" FROM search_runs ORDER BY run_date DESC, id DESC LIMIT 1")
	r, err := scanRun(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest run: %w", err)
	}
	return &r, nil
}

// NewSinceLastNotification lists unreviewed opportunities at or above
// minScore created or refreshed after the most recent notification batch.
func (s *Store) NewSinceLastNotification(ctx context.Context, minScore int) ([]models.Opportunity, error) {
	query := `SELECT ` + selectCols + ` FROM opportunities
		WHERE relevance_score >= $1
		  AND status = 'new'
		  AND GREATEST(created_at, updated_at) > COALESCE((SELECT MAX(sent_at) FROM notification_batches), '-infinity'::timestamptz)
		ORDER BY relevance_score DESC, due_at ASC NULLS LAST, id ASC`
	return s.queryOpportunities(ctx, query, minScore)
}

// RecordNotification moves the notification watermark forward.
func (s *Store) RecordNotification(ctx context.Context, channel string, count int) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var id int64
	err := s.pool.QueryRow(ctx, "INSERT INTO notification_batches (channel, item_count) VALUES ($1, $2) RETURNING id", channel, count).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("record notification: %w", err)
	}
	return id, nil
}
