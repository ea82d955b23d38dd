package db

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/oakbuilders/bid-finder/internal/models"
)

const (
	minDedupTitleLength = 20
	deleteBatchSize     = 100
)

var nonAlnumSpace = regexp.MustCompile(`[^a-z0-9\s]`)

// NormalizeTitle lowercases, replaces anything outside [a-z0-9\s] with a
// space, collapses whitespace and trims.
func NormalizeTitle(title string) string {
	t := nonAlnumSpace.ReplaceAllString(strings.ToLower(title), " ")
	return strings.Join(strings.Fields(t), " ")
}

type titleRow struct {
	ID    int64
	Title string
	Score int
}

// planDuplicates expects rows ordered by score desc, id asc and returns the
// ids of every row after the first with the same normalized title. Short
// titles are never considered duplicates.
func planDuplicates(rows []titleRow) []int64 {
	seen := make(map[string]bool)
	var remove []int64
	for _, r := range rows {
		key := NormalizeTitle(r.Title)
		if len(key) < minDedupTitleLength {
			continue
		}
		if seen[key] {
			remove = append(remove, r.ID)
			continue
		}
		seen[key] = true
	}
	return remove
}

type dueRow struct {
	ID      int64
	DueDate string
}

// selectExpired returns ids whose due date parses and falls strictly before today.
func selectExpired(rows []dueRow, today time.Time) []int64 {
	cutoff := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)
	var out []int64
	for _, r := range rows {
		due, ok := models.ParseDueDate(r.DueDate)
		if !ok {
			continue
		}
		if due.Before(cutoff) {
			out = append(out, r.ID)
		}
	}
	return out
}

// Deduplicate removes lower-scoring rows sharing a normalized title across
// the whole store and returns how many were deleted.
func (s *Store) Deduplicate(ctx context.Context) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	rows, err := s.pool.Query(ctx, "SELECT id, title, relevance_score FROM opportunities ORDER BY relevance_score DESC, id ASC")
	if err != nil {
		return 0, fmt.Errorf("dedup scan: %w", err)
	}
	var all []titleRow
	for rows.Next() {
		var r titleRow
		if err := rows.Scan(&r.ID, &r.Title, &r.Score); err != nil {
			rows.Close()
			return 0, fmt.Errorf("dedup scan: %w", err)
		}
		all = append(all, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("dedup scan: %w", err)
	}

	ids := planDuplicates(all)
	removed, err := s.deleteIDs(ctx, ids)
	if removed > 0 {
		log.Printf("[dedup] removed %d duplicate opportunities", removed)
	}
	return removed, err
}

// RemoveExpired deletes unreviewed rows whose due date is before today.
// Rows with missing or unparseable dates are kept.
func (s *Store) RemoveExpired(ctx context.Context, today time.Time) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	rows, err := s.pool.Query(ctx, "SELECT id, due_date FROM opportunities WHERE status = 'new' AND due_date <> ''")
	if err != nil {
		return 0, fmt.Errorf("expire scan: %w", err)
	}
	var candidates []dueRow
	for rows.Next() {
		var r dueRow
		if err := rows.Scan(&r.ID, &r.DueDate); err != nil {
			rows.Close()
			return 0, fmt.Errorf("expire scan: %w", err)
		}
		candidates = append(candidates, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("expire scan: %w", err)
	}

	removed, err := s.deleteIDs(ctx, selectExpired(candidates, today))
	if removed > 0 {
		log.Printf("[expire] removed %d past-due opportunities", removed)
	}
	return removed, err
}

// deleteIDs deletes in batches; the caller holds writeMu.
func (s *Store) deleteIDs(ctx context.Context, ids []int64) (int, error) {
	removed := 0
	for start := 0; start < len(ids); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		tag, err := s.pool.Exec(ctx, "DELETE FROM opportunities WHERE id = ANY($1)", ids[start:end])
		if err != nil {
			return removed, fmt.Errorf("delete batch: %w", err)
		}
		removed += int(tag.RowsAffected())
	}
	return removed, nil
}
