package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oakbuilders/bid-finder/internal/models"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = defaultDatabaseURL
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Skipf("Skipping integration test: DB connection failed: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("Skipping integration test: DB not reachable: %v", err)
	}
	if err := ApplyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("ApplyMigrations: %v", err)
	}
	t.Cleanup(pool.Close)
	return NewStore(pool)
}

func TestUpsertIdempotentAndPreservesStatus(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	source := fmt.Sprintf("itest_%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = s.pool.Exec(context.Background(), "DELETE FROM opportunities WHERE source = $1", source)
	})

	o := &models.Opportunity{
		Title:          "Garage Waterproofing Integration Check",
		Source:         source,
		SourceID:       "abc123",
		DueDate:        "2030-01-15",
		RelevanceScore: 50,
	}

	first, err := s.Upsert(ctx, o)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if !first.Created {
		t.Fatal("first upsert should create")
	}

	notes := "walkthrough booked"
	if err := s.UpdateStatus(ctx, first.ID, models.StatusReviewed, &notes); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	o.RelevanceScore = 62
	o.Status = models.StatusNew
	second, err := s.Upsert(ctx, o)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.Created || second.ID != first.ID {
		t.Fatalf("second upsert = %+v, want update of %d", second, first.ID)
	}

	got, err := s.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.StatusReviewed || got.Notes != notes {
		t.Errorf("status/notes overwritten: %q %q", got.Status, got.Notes)
	}
	if got.RelevanceScore != 62 {
		t.Errorf("score = %d, want 62", got.RelevanceScore)
	}

	var count int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM opportunities WHERE source = $1", source).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("row count = %d, want 1", count)
	}
}

func TestUpdateStatusErrors(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.UpdateStatus(ctx, 1, models.Status("maybe"), nil); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("invalid status err = %v", err)
	}
	if err := s.UpdateStatus(ctx, -42, models.StatusBid, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing id err = %v", err)
	}
}

func TestRemoveExpiredRespectsStatus(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	source := fmt.Sprintf("itest_exp_%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = s.pool.Exec(context.Background(), "DELETE FROM opportunities WHERE source = $1", source)
	})

	today := models.Today()
	yesterday := today.AddDate(0, 0, -1).Format("2006-01-02")

	fresh, err := s.Upsert(ctx, &models.Opportunity{Title: "Expired new listing for removal", Source: source, SourceID: "n1", DueDate: yesterday})
	if err != nil {
		t.Fatal(err)
	}
	kept, err := s.Upsert(ctx, &models.Opportunity{Title: "Expired but already bid on", Source: source, SourceID: "b1", DueDate: yesterday})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStatus(ctx, kept.ID, models.StatusBid, nil); err != nil {
		t.Fatal(err)
	}

	if _, err := s.RemoveExpired(ctx, today); err != nil {
		t.Fatalf("RemoveExpired: %v", err)
	}
	if _, err := s.Get(ctx, fresh.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("new expired row should be gone, err = %v", err)
	}
	if _, err := s.Get(ctx, kept.ID); err != nil {
		t.Errorf("bid row should be kept: %v", err)
	}
}

func TestDeduplicateKeepsHighestScore(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	tag := time.Now().UnixNano()
	sources := []string{fmt.Sprintf("itest_dup_a_%d", tag), fmt.Sprintf("itest_dup_b_%d", tag), fmt.Sprintf("itest_dup_c_%d", tag)}
	t.Cleanup(func() {
		_, _ = s.pool.Exec(context.Background(), "DELETE FROM opportunities WHERE source = ANY($1)", sources)
	})

	title := fmt.Sprintf("Parking Garage Waterproofing Phase %d", tag)
	rows := []struct {
		source string
		title  string
		score  int
	}{
		{sources[0], title, 40},
		{sources[1], strings.ToUpper(title) + "!", 65},
		{sources[2], "  " + title + " ", 10},
	}
	ids := make(map[int]int64)
	for _, r := range rows {
		res, err := s.Upsert(ctx, &models.Opportunity{Title: r.title, Source: r.source, SourceID: "dup", RelevanceScore: r.score})
		if err != nil {
			t.Fatalf("upsert %s: %v", r.source, err)
		}
		ids[r.score] = res.ID
	}

	removed, err := s.Deduplicate(ctx)
	if err != nil {
		t.Fatalf("Deduplicate: %v", err)
	}
	if removed < 2 {
		t.Errorf("removed = %d, want at least the 2 duplicates", removed)
	}

	var count int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM opportunities WHERE source = ANY($1)", sources).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("rows left in group = %d, want 1", count)
	}
	if _, err := s.Get(ctx, ids[65]); err != nil {
		t.Errorf("score-65 row should remain: %v", err)
	}
	for _, score := range []int{40, 10} {
		if _, err := s.Get(ctx, ids[score]); !errors.Is(err, ErrNotFound) {
			t.Errorf("score-%d row should be removed, err = %v", score, err)
		}
	}
}
