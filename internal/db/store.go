package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oakbuilders/bid-finder/internal/models"
)

var (
	ErrNotFound            = errors.New("opportunity not found")
	ErrInvalidStatus       = errors.New("invalid status")
	ErrConstraintViolation = errors.New("constraint violation")
)

const (
	defaultSearchLimit = 100
	maxSearchLimit     = 500
)

// Store persists opportunities and run history. Writes are serialized
// through writeMu; reads go straight to the pool.
type Store struct {
	pool    *pgxpool.Pool
	writeMu sync.Mutex

	// HighRelevanceScore is the threshold Stats uses for "high relevance".
	HighRelevanceScore int
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, HighRelevanceScore: 70}
}

// Pool exposes the underlying pool for packages sharing the database.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

type UpsertResult struct {
	ID      int64 `json:"id"`
	Created bool  `json:"created"`
}

type SearchParams struct {
	ProjectType string
	Location    string // county OR city substring
	County      string
	City        string
	MinScore    int
	Status      string
	DueAfter    *time.Time
	Keyword     string // title OR description substring
	Source      string
	Limit       int
	Offset      int
}

type Stats struct {
	Total         int               `json:"total"`
	New           int               `json:"new"`
	HighRelevance int               `json:"high_relevance"`
	DueThisWeek   int               `json:"due_this_week"`
	ByType        map[string]int    `json:"by_type"`
	BySource      map[string]int    `json:"by_source"`
	ByStatus      map[string]int    `json:"by_status"`
	LastRun       *models.SearchRun `json:"last_run"`
}

const selectCols = `id, title, source, source_url, source_id, description, project_type,
	location_city, location_county, location_state, location_zip, location_address,
	estimated_value_min, estimated_value_max, budget_display,
	posted_date, due_date, pre_bid_date, project_start_date, project_end_date,
	agency_name, contact_name, contact_email, contact_phone,
	naics_code, set_aside, solicitation_type,
	relevance_score, matched_keywords, category_tags, attachments,
	scraped_at, status, notes, created_at, updated_at`

func scanOpportunity(scan func(dest ...any) error) (models.Opportunity, error) {
	var o models.Opportunity
	var status string
	err := scan(
		&o.ID, &o.Title, &o.Source, &o.SourceURL, &o.SourceID, &o.Description, &o.ProjectType,
		&o.LocationCity, &o.LocationCounty, &o.LocationState, &o.LocationZip, &o.LocationAddress,
		&o.EstimatedValueMin, &o.EstimatedValueMax, &o.BudgetDisplay,
		&o.PostedDate, &o.DueDate, &o.PreBidDate, &o.ProjectStartDate, &o.ProjectEndDate,
		&o.AgencyName, &o.ContactName, &o.ContactEmail, &o.ContactPhone,
		&o.NAICSCode, &o.SetAside, &o.SolicitationType,
		&o.RelevanceScore, &o.MatchedKeywords, &o.CategoryTags, &o.Attachments,
		&o.ScrapedAt, &status, &o.Notes, &o.CreatedAt, &o.UpdatedAt,
	)
	o.Status = models.Status(status)
	return o, err
}

// Upsert inserts o, or on (source, source_id) conflict refreshes only the
// title, description, due date and score. Status and notes are never touched.
func (s *Store) Upsert(ctx context.Context, o *models.Opportunity) (UpsertResult, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	status := o.Status
	if status == "" {
		status = models.StatusNew
	}
	projectType := o.ProjectType
	if projectType == "" {
		projectType = models.ProjectTypeGeneral
	}
	scrapedAt := o.ScrapedAt
	if scrapedAt.IsZero() {
		scrapedAt = time.Now()
	}

	var res UpsertResult
	err := s.pool.QueryRow(ctx, `
		INSERT INTO opportunities (
			title, source, source_url, source_id, description, project_type,
			location_city, location_county, location_state, location_zip, location_address,
			estimated_value_min, estimated_value_max, budget_display,
			posted_date, due_date, due_at, pre_bid_date, project_start_date, project_end_date,
			agency_name, contact_name, contact_email, contact_phone,
			naics_code, set_aside, solicitation_type,
			relevance_score, matched_keywords, category_tags, attachments,
			scraped_at, status, notes
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14,
			$15, $16, $17, $18, $19, $20,
			$21, $22, $23, $24,
			$25, $26, $27,
			$28, $29, $30, $31,
			$32, $33, $34
		)
		ON CONFLICT (source, source_id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			due_date = EXCLUDED.due_date,
			due_at = EXCLUDED.due_at,
			relevance_score = EXCLUDED.relevance_score,
			updated_at = NOW()
		RETURNING id, (xmax = 0)
	`,
		o.Title, o.Source, o.SourceURL, o.SourceID, o.Description, projectType,
		o.LocationCity, o.LocationCounty, o.LocationState, o.LocationZip, o.LocationAddress,
		o.EstimatedValueMin, o.EstimatedValueMax, o.BudgetDisplay,
		o.PostedDate, o.DueDate, dueAt(o.DueDate), o.PreBidDate, o.ProjectStartDate, o.ProjectEndDate,
		o.AgencyName, o.ContactName, o.ContactEmail, o.ContactPhone,
		o.NAICSCode, o.SetAside, o.SolicitationType,
		o.RelevanceScore, nonNil(o.MatchedKeywords), nonNil(o.CategoryTags), nonNil(o.Attachments),
		scrapedAt, string(status), o.Notes,
	).Scan(&res.ID, &res.Created)
	if err != nil {
		if isConstraintViolation(err) {
			return UpsertResult{ID: -1}, fmt.Errorf("upsert %s/%s: %w: %w", o.Source, o.SourceID, ErrConstraintViolation, err)
		}
		return UpsertResult{ID: -1}, fmt.Errorf("upsert %s/%s: %w", o.Source, o.SourceID, err)
	}

	o.ID = res.ID
	return res, nil
}

func isConstraintViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23")
}

func dueAt(raw string) *time.Time {
	t, ok := models.ParseDueDate(raw)
	if !ok {
		return nil
	}
	return &t
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func (s *Store) Get(ctx context.Context, id int64) (*models.Opportunity, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+selectCols+" FROM opportunities WHERE id = $1", id)
	o, err := scanOpportunity(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get opportunity %d: %w", id, err)
	}
	return &o, nil
}

// buildSearchWhere turns filters into a WHERE clause and positional args.
func buildSearchWhere(p SearchParams) (string, []any) {
	where := "WHERE 1=1"
	var args []any
	argIdx := 1

	if p.ProjectType != "" {
		where += fmt.Sprintf(" AND project_type = $%d", argIdx)
		args = append(args, p.ProjectType)
		argIdx++
	}
	if p.Location != "" {
		where += fmt.Sprintf(" AND (location_county ILIKE '%%' || $%d || '%%' OR location_city ILIKE '%%' || $%d || '%%')", argIdx, argIdx)
		args = append(args, p.Location)
		argIdx++
	}
	if p.County != "" {
		where += fmt.Sprintf(" AND location_county ILIKE '%%' || $%d || '%%'", argIdx)
		args = append(args, p.County)
		argIdx++
	}
	if p.City != "" {
		where += fmt.Sprintf(" AND location_city ILIKE '%%' || $%d || '%%'", argIdx)
		args = append(args, p.City)
		argIdx++
	}
	if p.MinScore > 0 {
		where += fmt.Sprintf(" AND relevance_score >= $%d", argIdx)
		args = append(args, p.MinScore)
		argIdx++
	}
	if p.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, p.Status)
		argIdx++
	}
	if p.DueAfter != nil {
		where += fmt.Sprintf(" AND due_at >= $%d", argIdx)
		args = append(args, *p.DueAfter)
		argIdx++
	}
	if p.Keyword != "" {
		where += fmt.Sprintf(" AND (title ILIKE '%%' || $%d || '%%' OR description ILIKE '%%' || $%d || '%%')", argIdx, argIdx)
		args = append(args, p.Keyword)
		argIdx++
	}
	if p.Source != "" {
		where += fmt.Sprintf(" AND source = $%d", argIdx)
		args = append(args, p.Source)
	}

	return where, args
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultSearchLimit
	}
	if limit > maxSearchLimit {
		return maxSearchLimit
	}
	return limit
}

// Search returns matches ordered by score, then earliest due date (unknown
// dates last), then id.
func (s *Store) Search(ctx context.Context, p SearchParams) ([]models.Opportunity, error) {
	where, args := buildSearchWhere(p)
	n := len(args)
	query := fmt.Sprintf("SELECT %s FROM opportunities %s ORDER BY relevance_score DESC, due_at ASC NULLS LAST, id ASC LIMIT $%d OFFSET $%d",
		selectCols, where, n+1, n+2)

	offset := p.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, clampLimit(p.Limit), offset)

	return s.queryOpportunities(ctx, query, args...)
}

func (s *Store) queryOpportunities(ctx context.Context, query string, args ...any) ([]models.Opportunity, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	opps := []models.Opportunity{}
	for rows.Next() {
		o, err := scanOpportunity(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		opps = append(opps, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}
	return opps, nil
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	today := models.Today()
	st := &Stats{
		ByType:   map[string]int{},
		BySource: map[string]int{},
		ByStatus: map[string]int{},
	}

	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'new'),
			COUNT(*) FILTER (WHERE relevance_score >= $1),
			COUNT(*) FILTER (WHERE due_at >= $2 AND due_at < $3)
		FROM opportunities
	`, s.HighRelevanceScore, today, today.AddDate(0, 0, 7)).Scan(&st.Total, &st.New, &st.HighRelevance, &st.DueThisWeek)
	if err != nil {
		return nil, fmt.Errorf("stats totals: %w", err)
	}

	for column, dst := range map[string]map[string]int{
		"project_type": st.ByType,
		"source":       st.BySource,
		"status":       st.ByStatus,
	} {
		if err := s.countBy(ctx, column, dst); err != nil {
			return nil, err
		}
	}

	last, err := s.LatestRun(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	st.LastRun = last
	return st, nil
}

func (s *Store) countBy(ctx context.Context, column string, dst map[string]int) error {
	rows, err := s.pool.Query(ctx, fmt.Sprintf("SELECT %s, COUNT(*) FROM opportunities GROUP BY %s", column, column))
	if err != nil {
		return fmt.Errorf("stats by %s: %w", column, err)
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return fmt.Errorf("stats by %s: %w", column, err)
		}
		dst[k] = n
	}
	return rows.Err()
}

// UpdateStatus records a reviewer decision. Notes are replaced only when non-nil.
func (s *Store) UpdateStatus(ctx context.Context, id int64, status models.Status, notes *string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var tag pgconn.CommandTag
	var err error
	if notes != nil {
		tag, err = s.pool.Exec(ctx, "UPDATE opportunities SET status = $1, notes = $2, updated_at = NOW() WHERE id = $3", string(status), *notes, id)
	} else {
		tag, err = s.pool.Exec(ctx, "UPDATE opportunities SET status = $1, updated_at = NOW() WHERE id = $2", string(status), id)
	}
	if err != nil {
		return fmt.Errorf("update status %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
